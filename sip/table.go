package sip

import (
	"context"
	"iter"
	"log/slog"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/errorutil"
	"github.com/ghettovoice/sipcore/internal/syncutil"
	"github.com/ghettovoice/sipcore/log"
)

// TransactionTableOptions are options of [TransactionTable].
type TransactionTableOptions struct {
	// Shards is the number of table shards. Default is 32.
	Shards uint
	// Logger is used for table events.
	// If nil, [log.Default] is used.
	Logger *slog.Logger
}

func (o *TransactionTableOptions) shards() syncutil.ShardsNum {
	if o == nil || o.Shards == 0 {
		return 0
	}
	return syncutil.ShardsNum(o.Shards)
}

func (o *TransactionTableOptions) log() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Default()
	}
	return o.Logger
}

// TransactionTable maps transaction keys to live transactions.
// All operations are safe for concurrent use. Lookups of different keys
// contend only when the keys hash to the same shard.
type TransactionTable struct {
	txs *syncutil.ShardMap[TransactionKey, Transaction]
	log *slog.Logger
}

// NewTransactionTable creates an empty table.
func NewTransactionTable(opts *TransactionTableOptions) *TransactionTable {
	return &TransactionTable{
		txs: syncutil.NewShardMap[TransactionKey, Transaction](
			opts.shards(),
			syncutil.HashFunc[TransactionKey](hashTransactionKey),
		),
		log: opts.log(),
	}
}

// FindOrInsert returns the transaction stored under the key or inserts the one built by newTx.
// Among concurrent callers with the same key exactly one gets inserted = true,
// the others get the inserted transaction.
func (t *TransactionTable) FindOrInsert(
	key TransactionKey,
	newTx func() (Transaction, error),
) (tx Transaction, inserted bool, err error) {
	if key.IsZero() {
		return nil, false, errtrace.Wrap(NewInvalidArgumentError("invalid transaction key"))
	}
	tx, inserted, err = t.txs.GetOrInsert(key, newTx)
	if err != nil {
		return nil, false, errtrace.Wrap(err)
	}
	if inserted {
		t.log.LogAttrs(context.Background(), slog.LevelDebug, "transaction added to the table", slog.Any("transaction", tx))
	}
	return tx, inserted, nil
}

// Get returns the transaction stored under the key.
func (t *TransactionTable) Get(key TransactionKey) (Transaction, bool) {
	return t.txs.Get(key)
}

// Remove removes the terminated transaction stored under the key.
// It fails with [ErrNoMatchingTransaction] if there is none
// and with [ErrTransactionConflict] if the transaction is not terminated yet.
func (t *TransactionTable) Remove(key TransactionKey) error {
	return errtrace.Wrap(t.remove(key, nil))
}

// removeTx removes tx if it is still the transaction stored under its key.
func (t *TransactionTable) removeTx(tx Transaction) error {
	return errtrace.Wrap(t.remove(tx.Key(), tx))
}

func (t *TransactionTable) remove(key TransactionKey, want Transaction) error {
	tx, found, deleted := t.txs.DelFunc(key, func(tx Transaction) bool {
		return (want == nil || tx == want) && tx.State() == TransactionStateTerminated
	})
	switch {
	case !found || (want != nil && tx != want):
		return errtrace.Wrap(ErrNoMatchingTransaction)
	case !deleted:
		t.log.LogAttrs(context.Background(), slog.LevelError, "refused to remove a live transaction from the table",
			slog.Any("transaction", tx),
		)
		return errtrace.Wrap(errorutil.NewWrapperError(ErrTransactionConflict,
			"transaction %s is in state %s", key, tx.State()))
	}

	t.log.LogAttrs(context.Background(), slog.LevelDebug, "transaction removed from the table", slog.Any("transaction", tx))
	return nil
}

// Len returns the number of transactions in the table.
func (t *TransactionTable) Len() int { return t.txs.Size() }

// All returns an iterator over a snapshot of the table.
func (t *TransactionTable) All() iter.Seq[Transaction] {
	return func(yield func(Transaction) bool) {
		for _, tx := range t.txs.Items() {
			if !yield(tx) {
				return
			}
		}
	}
}

// TerminateAll forces every transaction in the table into the terminated state.
func (t *TransactionTable) TerminateAll(ctx context.Context) {
	for tx := range t.All() {
		tx.Terminate(ctx)
	}
}
