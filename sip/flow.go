package sip

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"braces.dev/errtrace"
	"github.com/rs/xid"

	"github.com/ghettovoice/sipcore/log"
	"github.com/ghettovoice/sipcore/timer"
)

// DefaultFlowIdleTimeout is the default time a reliable flow stays open without transactions.
const DefaultFlowIdleTimeout = 32 * time.Second

// FlowKey identifies a flow.
type FlowKey struct {
	Proto  TransportProto
	Local  netip.AddrPort
	Remote netip.AddrPort
}

func (k FlowKey) String() string {
	return string(k.Proto) + " " + k.Local.String() + " -> " + k.Remote.String()
}

// Flow binds a transport to a remote peer.
// Transactions hold a reference to the flow they send through.
type Flow struct {
	id     xid.ID
	key    FlowKey
	tp     Transport
	tbl    *FlowTable
	remote netip.AddrPort

	// guarded by FlowTable.mu
	refs    int
	idle    timer.Handle
	idleGen uint64
}

// ID returns the unique flow identifier.
func (f *Flow) ID() xid.ID { return f.id }

// Key returns the flow key.
func (f *Flow) Key() FlowKey { return f.key }

// Transport returns the transport of the flow.
func (f *Flow) Transport() Transport { return f.tp }

// Remote returns the remote address.
func (f *Flow) Remote() netip.AddrPort { return f.remote }

// Reliable reports whether the flow transport is reliable.
func (f *Flow) Reliable() bool { return f.tp.Reliable() }

// Refs returns the number of references held on the flow.
func (f *Flow) Refs() int {
	if f.tbl == nil {
		return 0
	}
	f.tbl.mu.Lock()
	defer f.tbl.mu.Unlock()
	return f.refs
}

// Send sends the data to the remote address through the flow transport.
func (f *Flow) Send(ctx context.Context, data []byte) error {
	return errtrace.Wrap(f.tp.Send(ctx, data, f.remote))
}

func (f *Flow) LogValue() slog.Value {
	if f == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("id", f.id.String()),
		slog.String("proto", string(f.key.Proto)),
		slog.String("local_addr", f.key.Local.String()),
		slog.String("remote_addr", f.key.Remote.String()),
	)
}

// FlowTableOptions are options of [FlowTable].
type FlowTableOptions struct {
	// IdleTimeout is how long a reliable flow without references is kept.
	// Default is [DefaultFlowIdleTimeout]. Negative means flows are never reaped.
	IdleTimeout time.Duration
	// Logger is used for flow events.
	// If nil, [log.Default] is used.
	Logger *slog.Logger
}

func (o *FlowTableOptions) idleTimeout() time.Duration {
	if o == nil || o.IdleTimeout == 0 {
		return DefaultFlowIdleTimeout
	}
	return o.IdleTimeout
}

func (o *FlowTableOptions) log() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Default()
	}
	return o.Logger
}

// FlowTable keeps flows with their reference counts.
// Unreliable flows are dropped as soon as the last reference is released.
// Reliable flows are kept for the idle timeout and then closed through [FlowCloser].
type FlowTable struct {
	timers  *timer.Engine[TimerEvent]
	idleTTL time.Duration
	log     *slog.Logger

	mu    sync.Mutex
	flows map[FlowKey]*Flow
}

// NewFlowTable creates a flow table scheduling idle timers on the engine.
func NewFlowTable(timers *timer.Engine[TimerEvent], opts *FlowTableOptions) *FlowTable {
	return &FlowTable{
		timers:  timers,
		idleTTL: opts.idleTimeout(),
		log:     opts.log(),
		flows:   make(map[FlowKey]*Flow),
	}
}

// Acquire returns the flow of the transport to the remote address with one more reference.
// The flow is created on first use.
func (ft *FlowTable) Acquire(tp Transport, remote netip.AddrPort) *Flow {
	remote = unmapAddrPort(remote)
	key := FlowKey{Proto: tp.Proto(), Local: tp.LocalAddr(), Remote: remote}

	ft.mu.Lock()
	f, ok := ft.flows[key]
	if !ok {
		f = &Flow{id: xid.New(), key: key, tp: tp, tbl: ft, remote: remote}
		ft.flows[key] = f
	}
	f.refs++
	if !f.idle.IsZero() {
		ft.timers.Cancel(f.idle)
		f.idle = timer.Handle{}
		f.idleGen++
	}
	ft.mu.Unlock()

	if !ok {
		ft.log.LogAttrs(context.Background(), slog.LevelDebug, "flow created", slog.Any("flow", f))
	}
	return f
}

// Release drops one reference from the flow.
func (ft *FlowTable) Release(f *Flow) {
	if f == nil {
		return
	}

	ft.mu.Lock()
	if f.refs > 0 {
		f.refs--
	}
	if f.refs > 0 || ft.flows[f.key] != f {
		ft.mu.Unlock()
		return
	}
	if !f.Reliable() {
		delete(ft.flows, f.key)
		ft.mu.Unlock()
		return
	}
	if ft.idleTTL < 0 {
		ft.mu.Unlock()
		return
	}
	f.idleGen++
	f.idle = ft.timers.After(ft.idleTTL, TimerEvent{Kind: TimerFlowIdle, Flow: f.key, Gen: f.idleGen})
	ft.mu.Unlock()

	ft.log.LogAttrs(context.Background(), slog.LevelDebug, "flow idle timer started",
		slog.Any("flow", f),
		slog.Duration("timeout", ft.idleTTL),
	)
}

// expire removes the flow if it is still idle with the same generation
// and closes it through the transport.
func (ft *FlowTable) expire(key FlowKey, gen uint64) {
	ft.mu.Lock()
	f, ok := ft.flows[key]
	if !ok || f.refs > 0 || f.idleGen != gen {
		ft.mu.Unlock()
		return
	}
	delete(ft.flows, key)
	f.idle = timer.Handle{}
	ft.mu.Unlock()

	ft.log.LogAttrs(context.Background(), slog.LevelDebug, "flow idle timeout expired", slog.Any("flow", f))

	if c, ok := f.tp.(FlowCloser); ok {
		if err := c.CloseFlow(f.remote); err != nil {
			ft.log.LogAttrs(context.Background(), slog.LevelWarn, "failed to close the flow",
				slog.Any("flow", f),
				slog.Any("error", err),
			)
		}
	}
}

// Get returns the flow by key.
func (ft *FlowTable) Get(key FlowKey) (*Flow, bool) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	f, ok := ft.flows[key]
	return f, ok
}

// Len returns the number of flows.
func (ft *FlowTable) Len() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.flows)
}

// Clear drops all flows and cancels their idle timers.
func (ft *FlowTable) Clear() {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	for k, f := range ft.flows {
		if !f.idle.IsZero() {
			ft.timers.Cancel(f.idle)
		}
		delete(ft.flows, k)
	}
}
