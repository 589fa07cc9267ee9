package sip

import "context"

func (tx *ServerTransaction) initInviteFSM() {
	tx.fsm.Configure(TransactionStateProceeding).
		InternalTransition(timerTrigger(Timer100), tx.actSend100).
		InternalTransition(txEvtSend1xx, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		Permit(txEvtSend2xx, TransactionStateTerminated).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntryFrom(txEvtSend300699, tx.actSendRes).
		OnEntry(tx.actInvCompleted).
		InternalTransition(timerTrigger(TimerG), tx.actRetransmitRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		Permit(txEvtRecvAck, TransactionStateConfirmed).
		Permit(timerTrigger(TimerH), TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	// ACK retransmissions are absorbed in Confirmed.
	tx.fsm.Configure(TransactionStateConfirmed).
		OnEntryFrom(txEvtRecvAck, tx.actPassAck).
		OnEntry(tx.actInvConfirmed).
		InternalTransition(txEvtRecvAck, tx.actNoop).
		InternalTransition(txEvtRecvReq, tx.actNoop).
		Permit(timerTrigger(TimerI), TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	// 2xx retransmissions are up to the transaction user, the transaction ends once it is sent.
	tx.fsm.Configure(TransactionStateTerminated).
		OnEntryFrom(txEvtSend2xx, tx.actSendRes).
		OnEntryFrom(timerTrigger(TimerH), tx.actTimedOut).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr).
		OnEntry(tx.actTerminated)
}

func (tx *ServerTransaction) actInvCompleted(ctx context.Context, _ ...any) error {
	tx.stopTimer(Timer100)
	if !tx.flow.Reliable() {
		tx.startTimer(ctx, TimerG, tx.env.timings.TimeG())
	}
	tx.startTimer(ctx, TimerH, tx.env.timings.TimeH())
	return nil
}

func (tx *ServerTransaction) actInvConfirmed(ctx context.Context, _ ...any) error {
	tx.stopTimer(TimerG)
	tx.stopTimer(TimerH)

	d := tx.env.timings.TimeI()
	if tx.flow.Reliable() {
		d = 0
	}
	tx.startTimer(ctx, TimerI, d)
	return nil
}
