package sip

import (
	"context"
	"log/slog"
)

func (tx *ClientTransaction) initInviteFSM() {
	tx.fsm.Configure(TransactionStateCalling).
		InternalTransition(timerTrigger(TimerA), tx.actRetransmit).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateTerminated).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(timerTrigger(TimerB), TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntry(tx.actInvProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtRecv1xx, tx.actPassRes).
		Permit(txEvtRecv2xx, TransactionStateTerminated).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	// Retransmitted final responses are answered with the stored ACK and not passed up again.
	tx.fsm.Configure(TransactionStateCompleted).
		OnEntryFrom(txEvtRecv300699, tx.actPassRes).
		OnEntry(tx.actInvCompleted).
		InternalTransition(txEvtRecv300699, tx.actResendAck).
		InternalTransition(txEvtRecv1xx, tx.actNoop).
		Permit(timerTrigger(TimerD), TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	// 2xx responses terminate the transaction, the ACK for them belongs to the dialog.
	tx.fsm.Configure(TransactionStateTerminated).
		OnEntryFrom(txEvtRecv2xx, tx.actPassRes)
	configureClientTerminated(tx, timerTrigger(TimerB))
}

func (tx *ClientTransaction) actInvProceeding(context.Context, ...any) error {
	tx.stopTimer(TimerA)
	tx.stopTimer(TimerB)
	return nil
}

func (tx *ClientTransaction) actInvCompleted(ctx context.Context, args ...any) error {
	tx.stopTimer(TimerA)
	tx.stopTimer(TimerB)

	res := args[0].(*Message) //nolint:forcetypeassert
	ack, err := newAckRequest(tx.req, res)
	if err == nil {
		tx.ackData, err = tx.env.codec.Encode(ack)
	}
	if err != nil {
		tx.log.LogAttrs(ctx, slog.LevelWarn, "failed to build the ACK request",
			slog.Any("transaction", tx),
			slog.Any("response", res),
			slog.Any("error", err),
		)
	} else {
		_ = tx.send(ctx, tx.ackData, true, false)
	}

	d := tx.env.timings.TimeD()
	if tx.flow.Reliable() {
		d = 0
	}
	tx.startTimer(ctx, TimerD, d)
	return nil
}

func (tx *ClientTransaction) actResendAck(ctx context.Context, _ ...any) error {
	if tx.ackData != nil {
		_ = tx.send(ctx, tx.ackData, true, true)
	}
	return nil
}
