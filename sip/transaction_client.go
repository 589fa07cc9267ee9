package sip

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/sipcore/internal/types"
)

// ClientResponseHandler is called for every response passed to the transaction user.
type ClientResponseHandler = func(ctx context.Context, tx *ClientTransaction, res *Message)

// ClientTransaction is an INVITE or non-INVITE client transaction.
// It is created by [Endpoint.SendRequest].
type ClientTransaction struct {
	baseTransact

	reqData  []byte
	lastRes  atomic.Pointer[Message]
	finalRes atomic.Pointer[Message]
	onRes    types.CallbackManager[ClientResponseHandler]

	// executor-owned
	ackData     []byte
	pendingRess []*Message
}

func newClientTransaction(key TransactionKey, req *Message, data []byte, flow *Flow, env *txEnv) *ClientTransaction {
	tx := &ClientTransaction{reqData: data}
	if key.Method == MethodInvite {
		tx.init(tx, TransactionTypeClientInvite, key, req, flow, env, TransactionStateCalling)
		tx.initInviteFSM()
	} else {
		tx.init(tx, TransactionTypeClientNonInvite, key, req, flow, env, TransactionStateCalling)
		tx.initNonInviteFSM()
	}
	return tx
}

// start sends the request and starts the retransmission and timeout timers.
func (tx *ClientTransaction) start(ctx context.Context) error {
	return tx.submit(ctx, func() error {
		err := tx.send(ctx, tx.reqData, true, false)
		if err == nil {
			if tx.typ == TransactionTypeClientInvite {
				if !tx.flow.Reliable() {
					tx.startTimer(ctx, TimerA, tx.env.timings.TimeA())
				}
				tx.startTimer(ctx, TimerB, tx.env.timings.TimeB())
			} else {
				if !tx.flow.Reliable() {
					tx.startTimer(ctx, TimerE, tx.env.timings.TimeE())
				}
				tx.startTimer(ctx, TimerF, tx.env.timings.TimeF())
			}
		}
		tx.settle(ctx)
		return err //errtrace:skip
	})
}

// LastResponse returns the last response received by the transaction.
func (tx *ClientTransaction) LastResponse() *Message { return tx.lastRes.Load() }

// Response returns the final response, nil if none is received yet.
func (tx *ClientTransaction) Response() *Message { return tx.finalRes.Load() }

// OnResponse registers a callback called for every response passed up by the transaction.
// Responses received before any callback was registered and without an owner module
// are delivered to the first registered callback.
func (tx *ClientTransaction) OnResponse(fn ClientResponseHandler) (remove func()) {
	remove = tx.onRes.Add(fn)
	tx.exec(func() {
		ress := tx.pendingRess
		tx.pendingRess = nil
		for _, res := range ress {
			fn(tx.executorCtx(context.Background()), tx, res)
		}
	})
	return remove
}

// receive passes a matched response into the transaction.
func (tx *ClientTransaction) receive(ctx context.Context, res *Message) {
	tx.exec(func() { tx.fire(ctx, responseTrigger(res), res) })
}

func (tx *ClientTransaction) actPassRes(ctx context.Context, args ...any) error {
	res := args[0].(*Message) //nolint:forcetypeassert
	tx.lastRes.Store(res)
	if res.IsFinal() {
		tx.finalRes.CompareAndSwap(nil, res)
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "pass the response to the transaction user",
		slog.Any("transaction", tx),
		slog.Any("response", res),
	)

	tx.addEffect(func() {
		m := tx.Module()
		if m == nil && tx.onRes.Len() == 0 {
			tx.pendingRess = append(tx.pendingRess, res)
			return
		}
		for fn := range tx.onRes.All() {
			fn(ctx, tx, res)
		}
		if m != nil {
			m.OnResponse(ctx, res, tx)
		}
	})
	return nil
}

func (tx *ClientTransaction) actRetransmit(ctx context.Context, args ...any) error {
	cur, _ := args[0].(time.Duration)
	_ = tx.send(ctx, tx.reqData, true, true)

	switch tx.typ {
	case TransactionTypeClientInvite:
		tx.startTimer(ctx, TimerA, tx.env.timings.nextRetransmit(cur, false))
	default:
		next := tx.env.timings.T2()
		if tx.State() == TransactionStateCalling {
			next = tx.env.timings.nextRetransmit(cur, true)
		}
		tx.startTimer(ctx, TimerE, next)
	}
	return nil
}

func (tx *ClientTransaction) LogValue() slog.Value {
	if tx == nil {
		return slog.Value{}
	}
	return tx.baseTransact.LogValue()
}

func configureClientTerminated(tx *ClientTransaction, timeout stateless.Trigger) {
	tx.fsm.Configure(TransactionStateTerminated).
		OnEntryFrom(timeout, tx.actTimedOut).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr).
		OnEntry(tx.actTerminated)
}
