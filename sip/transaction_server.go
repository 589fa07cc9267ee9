package sip

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/errorutil"
	"github.com/ghettovoice/sipcore/internal/types"
	"github.com/ghettovoice/sipcore/internal/util"
)

// ServerAckHandler is called when an ACK absorbed by an INVITE server transaction arrives.
type ServerAckHandler = func(ctx context.Context, tx *ServerTransaction, ack *Message)

// ServerTransaction is an INVITE or non-INVITE server transaction.
// It is created by the [Endpoint] for every new inbound request other than ACK.
type ServerTransaction struct {
	baseTransact

	lastRes   atomic.Pointer[Message]
	finalSent atomic.Bool
	toTag     atomic.Pointer[string]
	onAck     types.CallbackManager[ServerAckHandler]

	// executor-owned
	lastResData []byte
	sendErr     error
}

func newServerTransaction(key TransactionKey, req *Message, flow *Flow, env *txEnv) *ServerTransaction {
	tx := new(ServerTransaction)
	if key.Method == MethodInvite {
		tx.init(tx, TransactionTypeServerInvite, key, req, flow, env, TransactionStateProceeding)
		tx.initInviteFSM()
	} else {
		tx.init(tx, TransactionTypeServerNonInvite, key, req, flow, env, TransactionStateTrying)
		tx.initNonInviteFSM()
	}
	return tx
}

// start schedules the automatic 100 Trying of INVITE transactions.
func (tx *ServerTransaction) start(ctx context.Context) {
	if tx.typ != TransactionTypeServerInvite {
		return
	}
	tx.exec(func() {
		tx.startTimer(ctx, Timer100, tx.env.timings.Time100())
		tx.settle(ctx)
	})
}

// LastResponse returns the last response sent by the transaction.
func (tx *ServerTransaction) LastResponse() *Message { return tx.lastRes.Load() }

// OnAck registers a callback called for ACKs absorbed by the INVITE transaction.
func (tx *ServerTransaction) OnAck(fn ServerAckHandler) (remove func()) {
	return tx.onAck.Add(fn)
}

// Respond sends the response through the transaction.
//
// Any number of provisional responses may precede exactly one final response.
// Responses after the final one or after termination fail with [ErrTransactionTerminated].
// Responses other than 100 to a request without a To tag all carry the To tag
// of the first of them, Respond rewrites the To header of res if needed.
//
// Respond waits until the response is passed to the transport and returns the send error.
// Called from a callback of the same transaction with the callback's context,
// it queues the response behind the running callback and returns nil.
func (tx *ServerTransaction) Respond(ctx context.Context, res *Message) error {
	if !res.IsResponse() || res.StatusCode < 100 || res.StatusCode > 699 {
		return errtrace.Wrap(NewInvalidArgumentError("invalid response"))
	}
	if _, mtd, ok := res.CSeq(); !ok || keyMethod(mtd) != tx.key.Method {
		return errtrace.Wrap(NewInvalidArgumentError("response CSeq does not match the request"))
	}
	if tx.State() == TransactionStateTerminated {
		return errtrace.Wrap(ErrTransactionTerminated)
	}
	if res.IsFinal() {
		if !tx.finalSent.CompareAndSwap(false, true) {
			return errtrace.Wrap(errorutil.NewWrapperError(ErrTransactionTerminated, "final response already sent"))
		}
	} else if tx.finalSent.Load() {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrTransactionTerminated, "final response already sent"))
	}

	tx.pinToTag(res)
	data, err := tx.env.codec.Encode(res)
	if err != nil {
		if res.IsFinal() {
			tx.finalSent.Store(false)
		}
		return errtrace.Wrap(err)
	}

	return errtrace.Wrap(tx.submit(ctx, func() error {
		if tx.State() == TransactionStateTerminated {
			return errtrace.Wrap(ErrTransactionTerminated)
		}
		tx.sendErr = nil
		tx.fire(ctx, sendTrigger(res), res, data)
		return tx.sendErr //errtrace:skip
	}))
}

func (tx *ServerTransaction) pinToTag(res *Message) {
	if res.StatusCode == 100 || tx.req.ToTag() != "" {
		return
	}
	tag := res.ToTag()
	if tag == "" {
		tag = util.RandStringLC(toTagLen)
	}
	if !tx.toTag.CompareAndSwap(nil, &tag) {
		tag = *tx.toTag.Load()
	}
	if res.ToTag() == tag {
		return
	}
	to, _ := tx.req.Header(HeaderTo)
	res.SetHeader(HeaderTo, to+";tag="+tag)
}

// receive passes a retransmitted request or an ACK into the transaction.
func (tx *ServerTransaction) receive(ctx context.Context, req *Message) {
	trigger := txEvtRecvReq
	if req.Method == MethodAck {
		trigger = txEvtRecvAck
	}
	tx.exec(func() { tx.fire(ctx, trigger, req) })
}

func (tx *ServerTransaction) actSendRes(ctx context.Context, args ...any) error {
	res := args[0].(*Message) //nolint:forcetypeassert
	data := args[1].([]byte)  //nolint:forcetypeassert

	if res.IsProvisional() {
		tx.stopTimer(Timer100)
	}
	tx.lastRes.Store(res)
	tx.lastResData = data

	tx.log.LogAttrs(ctx, slog.LevelDebug, "send the response",
		slog.Any("transaction", tx),
		slog.String("status", fmtStatus(res)),
	)
	tx.sendErr = tx.send(ctx, data, false, false)
	return nil
}

func (tx *ServerTransaction) actResendRes(ctx context.Context, _ ...any) error {
	if tx.lastResData == nil {
		return nil
	}
	_ = tx.send(ctx, tx.lastResData, false, true)
	return nil
}

func (tx *ServerTransaction) actSend100(ctx context.Context, _ ...any) error {
	if tx.lastResData != nil || tx.finalSent.Load() {
		return nil
	}
	res, err := NewResponse(tx.req, 100, "")
	if err != nil {
		return errtrace.Wrap(err)
	}
	data, err := tx.env.codec.Encode(res)
	if err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(tx.actSendRes(ctx, res, data))
}

func (tx *ServerTransaction) actPassAck(ctx context.Context, args ...any) error {
	ack, _ := args[0].(*Message)
	if ack == nil || tx.onAck.Len() == 0 {
		return nil
	}
	tx.addEffect(func() {
		for fn := range tx.onAck.All() {
			fn(ctx, tx, ack)
		}
	})
	return nil
}

func (tx *ServerTransaction) actRetransmitRes(ctx context.Context, args ...any) error {
	cur, _ := args[0].(time.Duration)
	_ = tx.actResendRes(ctx)
	tx.startTimer(ctx, TimerG, tx.env.timings.nextRetransmit(cur, true))
	return nil
}

func (tx *ServerTransaction) LogValue() slog.Value {
	if tx == nil {
		return slog.Value{}
	}
	return tx.baseTransact.LogValue()
}
