package sip

import (
	"context"
)

func (tx *ClientTransaction) initNonInviteFSM() {
	tx.fsm.Configure(TransactionStateCalling).
		InternalTransition(timerTrigger(TimerE), tx.actRetransmit).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(timerTrigger(TimerF), TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(timerTrigger(TimerE), tx.actRetransmit).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(timerTrigger(TimerF), TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	// Final response retransmissions are absorbed in Completed.
	tx.fsm.Configure(TransactionStateCompleted).
		OnEntryFrom(txEvtRecv2xx, tx.actPassRes).
		OnEntryFrom(txEvtRecv300699, tx.actPassRes).
		OnEntry(tx.actNonInvCompleted).
		InternalTransition(txEvtRecv1xx, tx.actNoop).
		InternalTransition(txEvtRecv2xx, tx.actNoop).
		InternalTransition(txEvtRecv300699, tx.actNoop).
		Permit(timerTrigger(TimerK), TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	configureClientTerminated(tx, timerTrigger(TimerF))
}

func (tx *ClientTransaction) actNonInvCompleted(ctx context.Context, _ ...any) error {
	tx.stopTimer(TimerE)
	tx.stopTimer(TimerF)

	d := tx.env.timings.TimeK()
	if tx.flow.Reliable() {
		d = 0
	}
	tx.startTimer(ctx, TimerK, d)
	return nil
}
