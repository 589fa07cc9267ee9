package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/sipcore/internal/errorutil"
	"github.com/ghettovoice/sipcore/internal/types"
	"github.com/ghettovoice/sipcore/timer"
)

// TransactionState is a state of the transaction FSM.
type TransactionState string

const (
	// TransactionStateCalling is the initial state of client transactions.
	TransactionStateCalling TransactionState = "calling"
	// TransactionStateTrying is the initial state of non-INVITE server transactions.
	TransactionStateTrying     TransactionState = "trying"
	TransactionStateProceeding TransactionState = "proceeding"
	TransactionStateCompleted  TransactionState = "completed"
	// TransactionStateConfirmed is reached by INVITE server transactions on ACK receipt.
	TransactionStateConfirmed  TransactionState = "confirmed"
	TransactionStateTerminated TransactionState = "terminated"
)

// TransactionType is a combination of the transaction role and method kind.
type TransactionType string

const (
	TransactionTypeClientInvite    TransactionType = "client_invite"
	TransactionTypeClientNonInvite TransactionType = "client_non_invite"
	TransactionTypeServerInvite    TransactionType = "server_invite"
	TransactionTypeServerNonInvite TransactionType = "server_non_invite"
)

// Transaction is a handle of a client or server transaction.
// It is implemented by [*ClientTransaction] and [*ServerTransaction].
type Transaction interface {
	Key() TransactionKey
	Type() TransactionType
	State() TransactionState
	// Request returns the request that created the transaction.
	Request() *Message
	// Flow returns the flow the transaction sends through.
	Flow() *Flow
	// Module returns the module owning the transaction, nil if there is none.
	Module() Module
	// OnStateChanged registers a callback called on every state change.
	OnStateChanged(fn TransactionStateHandler) (remove func())
	// Done is closed when the transaction reaches the terminated state.
	Done() <-chan struct{}
	// Err returns the reason of an abnormal termination:
	// [ErrTransactionTimedOut] on timer B, F or H, a [*TransportError] on send failure.
	Err() error
	// Terminate forces the transaction into the terminated state.
	Terminate(ctx context.Context)
}

// TransactionStateHandler is called on transaction state changes.
type TransactionStateHandler = func(ctx context.Context, tx Transaction, from, to TransactionState)

// TimerKind identifies a transaction or flow timer.
type TimerKind uint8

const (
	TimerA TimerKind = iota + 1
	TimerB
	TimerD
	TimerE
	TimerF
	TimerG
	TimerH
	TimerI
	TimerJ
	TimerK
	// Timer100 fires the automatic 100 Trying of INVITE server transactions.
	Timer100
	// TimerFlowIdle reaps idle reliable flows.
	TimerFlowIdle
)

var timerNames = [...]string{
	TimerA:        "A",
	TimerB:        "B",
	TimerD:        "D",
	TimerE:        "E",
	TimerF:        "F",
	TimerG:        "G",
	TimerH:        "H",
	TimerI:        "I",
	TimerJ:        "J",
	TimerK:        "K",
	Timer100:      "100",
	TimerFlowIdle: "flow_idle",
}

func (k TimerKind) String() string {
	if int(k) < len(timerNames) && timerNames[k] != "" {
		return timerNames[k]
	}
	return "TimerKind(" + strconv.Itoa(int(k)) + ")"
}

// TimerEvent is the payload of the endpoint timer engine.
// Transaction timers carry the transaction key, identity and timer generation,
// so a fire for a transaction that is gone or a timer that was restarted is detected.
type TimerEvent struct {
	Kind TimerKind
	Key  TransactionKey
	TxID uint64
	Gen  uint64
	// Flow is set for [TimerFlowIdle].
	Flow FlowKey
}

func (ev TimerEvent) LogValue() slog.Value {
	if ev.Kind == TimerFlowIdle {
		return slog.GroupValue(slog.String("kind", ev.Kind.String()), slog.String("flow", ev.Flow.String()))
	}
	return slog.GroupValue(
		slog.String("kind", ev.Kind.String()),
		slog.Any("key", ev.Key),
		slog.Uint64("tx_id", ev.TxID),
		slog.Uint64("gen", ev.Gen),
	)
}

const (
	txEvtRecv1xx    = "recv_1xx"
	txEvtRecv2xx    = "recv_2xx"
	txEvtRecv300699 = "recv_300-699"
	txEvtRecvReq    = "recv_req"
	txEvtRecvAck    = "recv_ack"
	txEvtSend1xx    = "send_1xx"
	txEvtSend2xx    = "send_2xx"
	txEvtSend300699 = "send_300-699"
	txEvtTranspErr  = "transport_error"
	txEvtTerminate  = "terminate"
)

func timerTrigger(k TimerKind) string { return "timer_" + k.String() }

// txEnv holds the services shared by the transactions of an endpoint.
type txEnv struct {
	timers  *timer.Engine[TimerEvent]
	timings TimingConfig
	codec   Codec
	flows   *FlowTable
	stats   *StatsRecorder
	log     *slog.Logger
	// onTerminated is called once after the transaction has terminated.
	onTerminated func(ctx context.Context, tx Transaction)
}

var txIDSeq atomic.Uint64

type txTimer struct {
	h   timer.Handle
	gen uint64
	dur time.Duration
}

type moduleBox struct{ m Module }

type errBox struct{ err error }

// baseTransact is the part shared by client and server transactions.
//
// Every event is executed by a serial executor: tasks are queued into the mailbox
// and drained by whichever goroutine finds the executor idle. No lock is held while
// a task runs, so sends and callbacks never block other transactions.
// Fields marked as executor-owned are only touched by tasks.
type baseTransact struct {
	id   uint64
	typ  TransactionType
	key  TransactionKey
	req  *Message
	flow *Flow
	env  *txEnv
	log  *slog.Logger
	impl Transaction

	fsm   *stateless.StateMachine
	state atomic.Value // TransactionState
	mod   atomic.Pointer[moduleBox]
	err   atomic.Pointer[errBox]
	done  chan struct{}

	onState types.CallbackManager[TransactionStateHandler]

	mailbox types.Deque[func()]
	running atomic.Bool

	// executor-owned
	effects    []func()
	pendingErr error
	tmrs       map[TimerKind]*txTimer
	tmrGen     uint64
}

func (tx *baseTransact) init(
	impl Transaction,
	typ TransactionType,
	key TransactionKey,
	req *Message,
	flow *Flow,
	env *txEnv,
	start TransactionState,
) {
	tx.id = txIDSeq.Add(1)
	tx.impl = impl
	tx.typ = typ
	tx.key = key
	tx.req = req
	tx.flow = flow
	tx.env = env
	tx.log = env.log
	tx.done = make(chan struct{})
	tx.tmrs = make(map[TimerKind]*txTimer)
	tx.state.Store(start)

	tx.fsm = stateless.NewStateMachineWithExternalStorage(
		func(context.Context) (stateless.State, error) { return tx.State(), nil },
		func(_ context.Context, s stateless.State) error {
			tx.state.Store(s.(TransactionState)) //nolint:forcetypeassert
			return nil
		},
		stateless.FiringImmediate,
	)
	// State change notifications are queued ahead of the effects of entry actions.
	tx.fsm.OnTransitioning(tx.onTransition)
	tx.fsm.OnUnhandledTrigger(func(ctx context.Context, state stateless.State, trigger stateless.Trigger, _ []string) error {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction event ignored",
			slog.Any("transaction", tx.impl),
			slog.Any("event", trigger),
		)
		return nil
	})

	env.stats.txCreated(typ)
}

func (tx *baseTransact) base() *baseTransact { return tx }

// ID returns the identity of the transaction instance.
// Two transactions created for the same key have different IDs.
func (tx *baseTransact) ID() uint64 { return tx.id }

func (tx *baseTransact) Key() TransactionKey { return tx.key }

func (tx *baseTransact) Type() TransactionType { return tx.typ }

func (tx *baseTransact) State() TransactionState {
	s, _ := tx.state.Load().(TransactionState)
	return s
}

func (tx *baseTransact) Request() *Message { return tx.req }

func (tx *baseTransact) Flow() *Flow { return tx.flow }

func (tx *baseTransact) Module() Module {
	if b := tx.mod.Load(); b != nil {
		return b.m
	}
	return nil
}

func (tx *baseTransact) setModule(m Module) {
	if m == nil {
		tx.mod.Store(nil)
		return
	}
	tx.mod.Store(&moduleBox{m})
}

func (tx *baseTransact) OnStateChanged(fn TransactionStateHandler) (remove func()) {
	return tx.onState.Add(fn)
}

func (tx *baseTransact) Done() <-chan struct{} { return tx.done }

func (tx *baseTransact) Err() error {
	if b := tx.err.Load(); b != nil {
		return b.err
	}
	return nil
}

func (tx *baseTransact) setErr(err error) {
	tx.err.CompareAndSwap(nil, &errBox{err})
}

// Terminate forces the transaction into the terminated state.
// Termination of an already terminated transaction is a no-op.
func (tx *baseTransact) Terminate(ctx context.Context) {
	tx.exec(func() { tx.fire(ctx, txEvtTerminate) })
}

func (tx *baseTransact) LogValue() slog.Value {
	if tx == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("key", tx.key),
		slog.String("type", string(tx.typ)),
		slog.String("state", string(tx.State())),
		slog.Uint64("id", tx.id),
	)
}

// exec queues the task and drains the mailbox if no other goroutine does.
func (tx *baseTransact) exec(task func()) {
	tx.mailbox.Append(task)
	for tx.running.CompareAndSwap(false, true) {
		for {
			t, ok := tx.mailbox.PopFirst()
			if !ok {
				break
			}
			t()
		}
		tx.running.Store(false)
		if tx.mailbox.IsEmpty() {
			return
		}
	}
}

// fire runs the trigger and then the deferred work: a transport error caught
// during the transition and the queued effects.
// Must be called from a task.
func (tx *baseTransact) fire(ctx context.Context, trigger string, args ...any) {
	ctx = tx.executorCtx(ctx)
	if err := tx.fsm.FireCtx(ctx, trigger, args...); err != nil {
		tx.log.LogAttrs(ctx, slog.LevelError, "transaction event failed",
			slog.Any("transaction", tx.impl),
			slog.String("event", trigger),
			slog.Any("error", err),
		)
	}
	tx.settle(ctx)
}

func (tx *baseTransact) settle(ctx context.Context) {
	for tx.pendingErr != nil {
		err := tx.pendingErr
		tx.pendingErr = nil
		if tx.State() == TransactionStateTerminated {
			tx.setErr(err)
			continue
		}
		if err := tx.fsm.FireCtx(ctx, txEvtTranspErr, err); err != nil {
			tx.log.LogAttrs(ctx, slog.LevelError, "transaction event failed",
				slog.Any("transaction", tx.impl),
				slog.String("event", txEvtTranspErr),
				slog.Any("error", err),
			)
		}
	}

	for len(tx.effects) > 0 {
		effs := tx.effects
		tx.effects = nil
		for _, fn := range effs {
			fn()
		}
	}
}

func (tx *baseTransact) addEffect(fn func()) { tx.effects = append(tx.effects, fn) }

func (tx *baseTransact) onTransition(ctx context.Context, t stateless.Transition) {
	from, _ := t.Source.(TransactionState)
	to, _ := t.Destination.(TransactionState)
	if from == to {
		return
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction state changed",
		slog.Any("transaction", tx.impl),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.Any("event", t.Trigger),
	)

	tx.addEffect(func() {
		for fn := range tx.onState.All() {
			fn(ctx, tx.impl, from, to)
		}
		if m := tx.Module(); m != nil {
			m.OnTransactionState(ctx, tx.impl, from, to)
		}
	})
}

// send passes the data to the flow.
// A failure is remembered and fired as a transport error event after the current transition.
func (tx *baseTransact) send(ctx context.Context, data []byte, isReq, retrans bool) error {
	err := tx.flow.Send(ctx, data)
	tx.env.stats.msgSent(tx.flow.Transport(), isReq, retrans, err)
	if err == nil {
		return nil
	}

	if !errors.Is(err, ErrTransport) {
		err = newTransportError("send", tx.flow.Key().Proto, tx.flow.Remote(), err)
	}
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction failed to send a message",
		slog.Any("transaction", tx.impl),
		slog.Any("error", err),
	)
	if tx.pendingErr == nil {
		tx.pendingErr = err
	}
	return err
}

// startTimer (re)starts the timer.
// A timer with non-positive duration fires right after the current task.
func (tx *baseTransact) startTimer(ctx context.Context, kind TimerKind, d time.Duration) {
	tx.stopTimer(kind)

	tx.tmrGen++
	t := &txTimer{gen: tx.tmrGen, dur: d}
	ev := TimerEvent{Kind: kind, Key: tx.key, TxID: tx.id, Gen: t.gen}
	tx.tmrs[kind] = t
	if d <= 0 {
		tx.mailbox.Append(func() { tx.timerFired(ctx, ev) })
	} else {
		t.h = tx.env.timers.After(d, ev)
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "timer "+kind.String()+" started",
		slog.Any("transaction", tx.impl),
		slog.Duration("duration", d),
	)
}

func (tx *baseTransact) stopTimer(kind TimerKind) {
	if t, ok := tx.tmrs[kind]; ok {
		tx.env.timers.Cancel(t.h)
		delete(tx.tmrs, kind)
	}
}

func (tx *baseTransact) stopAllTimers() {
	for k := range tx.tmrs {
		tx.stopTimer(k)
	}
}

// handleTimer is called for a due timer of the transaction.
func (tx *baseTransact) handleTimer(ctx context.Context, ev TimerEvent) {
	tx.exec(func() { tx.timerFired(ctx, ev) })
}

func (tx *baseTransact) timerFired(ctx context.Context, ev TimerEvent) {
	t, ok := tx.tmrs[ev.Kind]
	if !ok || t.gen != ev.Gen {
		return
	}
	delete(tx.tmrs, ev.Kind)

	tx.log.LogAttrs(ctx, slog.LevelDebug, "timer "+ev.Kind.String()+" expired", slog.Any("transaction", tx.impl))
	tx.fire(ctx, timerTrigger(ev.Kind), t.dur)
}

func (tx *baseTransact) actTimedOut(ctx context.Context, args ...any) error {
	var d time.Duration
	if len(args) > 0 {
		d, _ = args[0].(time.Duration)
	}
	tx.setErr(errorutil.NewWrapperError(ErrTransactionTimedOut, "no response within %s", d))

	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction timed out", slog.Any("transaction", tx.impl))
	return nil
}

func (tx *baseTransact) actTranspErr(ctx context.Context, args ...any) error {
	err, _ := args[0].(error)
	tx.setErr(err)

	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction transport failed",
		slog.Any("transaction", tx.impl),
		slog.Any("error", err),
	)
	return nil
}

func (tx *baseTransact) actTerminated(ctx context.Context, _ ...any) error {
	tx.stopAllTimers()

	tx.addEffect(func() {
		tx.env.flows.Release(tx.flow)
		tx.env.stats.txTerminated(tx.typ, tx.Err())
		if tx.env.onTerminated != nil {
			tx.env.onTerminated(ctx, tx.impl)
		}
		close(tx.done)
		// after the remaining effects of the task
		tx.mailbox.Append(tx.clearCallbacks)
	})
	return nil
}

// clearCallbacks drops the registered callbacks, no more events follow termination.
func (tx *baseTransact) clearCallbacks() {
	tx.onState.Clear()
	switch impl := tx.impl.(type) {
	case *ServerTransaction:
		impl.onAck.Clear()
	case *ClientTransaction:
		impl.onRes.Clear()
	}
}

func (*baseTransact) actNoop(context.Context, ...any) error { return nil }

type executorCtxKey struct{}

// executorCtx marks ctx as the context of a task running on the transaction executor.
// Callbacks invoked from the task receive the marked context.
func (tx *baseTransact) executorCtx(ctx context.Context) context.Context {
	if tx.onExecutor(ctx) {
		return ctx
	}
	return context.WithValue(ctx, executorCtxKey{}, tx)
}

func (tx *baseTransact) onExecutor(ctx context.Context) bool {
	v, _ := ctx.Value(executorCtxKey{}).(*baseTransact)
	return v == tx
}

// submit runs the task on the executor and waits for its result.
// Called with the context of a task of the same executor, the task is queued
// behind the running one and submit returns nil without waiting.
func (tx *baseTransact) submit(ctx context.Context, task func() error) error {
	errc := make(chan error, 1)
	tx.exec(func() { errc <- task() })
	select {
	case err := <-errc:
		return err //errtrace:skip
	default:
	}
	if tx.onExecutor(ctx) {
		return nil
	}
	select {
	case err := <-errc:
		return err //errtrace:skip
	case <-ctx.Done():
		return errtrace.Wrap(context.Cause(ctx))
	}
}

func isTimeoutTxErr(err error) bool { return errors.Is(err, ErrTransactionTimedOut) }

func isTransportTxErr(err error) bool { return errors.Is(err, ErrTransport) }

func responseTrigger(res *Message) string {
	switch {
	case res.IsProvisional():
		return txEvtRecv1xx
	case res.IsSuccess():
		return txEvtRecv2xx
	default:
		return txEvtRecv300699
	}
}

func sendTrigger(res *Message) string {
	switch {
	case res.IsProvisional():
		return txEvtSend1xx
	case res.IsSuccess():
		return txEvtSend2xx
	default:
		return txEvtSend300699
	}
}

func fmtStatus(res *Message) string { return fmt.Sprintf("%d %s", res.StatusCode, res.Reason) }
