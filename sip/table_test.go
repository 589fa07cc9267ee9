package sip_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ghettovoice/sipcore/log"
	"github.com/ghettovoice/sipcore/sip"
)

type fakeTx struct {
	key   sip.TransactionKey
	state atomic.Value
}

func newFakeTx(key sip.TransactionKey, state sip.TransactionState) *fakeTx {
	tx := &fakeTx{key: key}
	tx.state.Store(state)
	return tx
}

func (tx *fakeTx) Key() sip.TransactionKey { return tx.key }
func (tx *fakeTx) Type() sip.TransactionType { return sip.TransactionTypeServerNonInvite }
func (tx *fakeTx) State() sip.TransactionState { return tx.state.Load().(sip.TransactionState) } //nolint:forcetypeassert
func (tx *fakeTx) Request() *sip.Message { return nil }
func (tx *fakeTx) Flow() *sip.Flow { return nil }
func (tx *fakeTx) Module() sip.Module { return nil }
func (tx *fakeTx) Done() <-chan struct{} { return nil }
func (tx *fakeTx) Err() error { return nil }
func (tx *fakeTx) OnStateChanged(sip.TransactionStateHandler) func() { return func() {} }

func (tx *fakeTx) Terminate(context.Context) { tx.state.Store(sip.TransactionStateTerminated) }

var tableKey = sip.TransactionKey{
	Role:      sip.RoleServer,
	Method:    sip.MethodOptions,
	Branch:    "z9hG4bK.tbl",
	SentBy:    "10.0.0.2:5060",
	Transport: sip.TransportUDP,
}

func TestTransactionTable_FindOrInsertConcurrent(t *testing.T) {
	t.Parallel()

	tbl := sip.NewTransactionTable(&sip.TransactionTableOptions{Shards: 4, Logger: log.Noop})

	const n = 32
	var (
		wg       sync.WaitGroup
		inserted atomic.Int32
		built    atomic.Int32
		txs      [n]sip.Transaction
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, ok, err := tbl.FindOrInsert(tableKey, func() (sip.Transaction, error) {
				built.Add(1)
				return newFakeTx(tableKey, sip.TransactionStateTrying), nil
			})
			if err != nil {
				t.Errorf("tbl.FindOrInsert() error = %v, want nil", err)
				return
			}
			if ok {
				inserted.Add(1)
			}
			txs[i] = tx
		}()
	}
	wg.Wait()

	if got := inserted.Load(); got != 1 {
		t.Fatalf("inserted %d times, want 1", got)
	}
	if got := built.Load(); got != 1 {
		t.Fatalf("built %d transactions, want 1", got)
	}
	for i := range txs {
		if txs[i] != txs[0] {
			t.Fatalf("FindOrInsert() #%d returned another transaction", i)
		}
	}
	if got := tbl.Len(); got != 1 {
		t.Fatalf("tbl.Len() = %d, want 1", got)
	}
}

func TestTransactionTable_FindOrInsertErrors(t *testing.T) {
	t.Parallel()

	tbl := sip.NewTransactionTable(&sip.TransactionTableOptions{Logger: log.Noop})

	_, _, err := tbl.FindOrInsert(sip.TransactionKey{}, func() (sip.Transaction, error) {
		t.Error("newTx called for the zero key")
		return nil, nil //nolint:nilnil
	})
	if !errors.Is(err, sip.ErrInvalidArgument) {
		t.Fatalf("tbl.FindOrInsert(zero key) error = %v, want %v", err, sip.ErrInvalidArgument)
	}

	wantErr := errors.New("boom")
	if _, _, err := tbl.FindOrInsert(tableKey, func() (sip.Transaction, error) { return nil, wantErr }); !errors.Is(err, wantErr) {
		t.Fatalf("tbl.FindOrInsert() error = %v, want %v", err, wantErr)
	}
	if got := tbl.Len(); got != 0 {
		t.Fatalf("tbl.Len() = %d, want 0", got)
	}
}

func TestTransactionTable_Remove(t *testing.T) {
	t.Parallel()

	tbl := sip.NewTransactionTable(&sip.TransactionTableOptions{Logger: log.Noop})
	tx := newFakeTx(tableKey, sip.TransactionStateCompleted)
	if _, _, err := tbl.FindOrInsert(tableKey, func() (sip.Transaction, error) { return tx, nil }); err != nil {
		t.Fatalf("tbl.FindOrInsert() error = %v, want nil", err)
	}

	if err := tbl.Remove(tableKey); !errors.Is(err, sip.ErrTransactionConflict) {
		t.Fatalf("tbl.Remove(live) error = %v, want %v", err, sip.ErrTransactionConflict)
	}
	if got, ok := tbl.Get(tableKey); !ok || got != tx {
		t.Fatalf("tbl.Get() = %v, %v, want the live transaction", got, ok)
	}

	tbl.TerminateAll(t.Context())
	if err := tbl.Remove(tableKey); err != nil {
		t.Fatalf("tbl.Remove(terminated) error = %v, want nil", err)
	}
	if err := tbl.Remove(tableKey); !errors.Is(err, sip.ErrNoMatchingTransaction) {
		t.Fatalf("tbl.Remove(missing) error = %v, want %v", err, sip.ErrNoMatchingTransaction)
	}
	if got := tbl.Len(); got != 0 {
		t.Fatalf("tbl.Len() = %d, want 0", got)
	}
}

func TestTransactionTable_All(t *testing.T) {
	t.Parallel()

	tbl := sip.NewTransactionTable(nil)
	for _, branch := range []string{"z9hG4bK.a", "z9hG4bK.b", "z9hG4bK.c"} {
		key := tableKey
		key.Branch = branch
		if _, _, err := tbl.FindOrInsert(key, func() (sip.Transaction, error) {
			return newFakeTx(key, sip.TransactionStateTrying), nil
		}); err != nil {
			t.Fatalf("tbl.FindOrInsert(%q) error = %v, want nil", branch, err)
		}
	}

	var n int
	for range tbl.All() {
		n++
	}
	if n != 3 {
		t.Fatalf("tbl.All() yielded %d transactions, want 3", n)
	}
}
