package sip

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	"golang.org/x/sync/errgroup"

	"github.com/ghettovoice/sipcore/dns"
	"github.com/ghettovoice/sipcore/internal/errorutil"
	"github.com/ghettovoice/sipcore/log"
	"github.com/ghettovoice/sipcore/timer"
)

// DefaultAllowMethods are advertised in the Allow header of default responses.
var DefaultAllowMethods = []string{MethodInvite, MethodAck, MethodCancel, MethodBye, MethodOptions}

// StrayResponseHandler is called for responses that match no client transaction,
// e.g. retransmitted 2xx responses to INVITE.
type StrayResponseHandler = func(ctx context.Context, res *Message, src netip.AddrPort, tp Transport)

// EndpointOptions are options of [Endpoint].
type EndpointOptions struct {
	// Timings are the transaction timer values. Zero value means RFC 3261 defaults.
	Timings TimingConfig
	// Codec decodes inbound and encodes outbound messages.
	// If nil, [DefaultCodec] is used.
	Codec Codec
	// Clock drives the timer engine.
	// If nil, [timer.SystemClock] is used.
	Clock timer.Clock
	// DNSResolver resolves request targets.
	// If nil, [dns.DefaultResolver] is used.
	DNSResolver DNSResolver
	// SentByHost is the host put into the Via of outbound requests.
	// If empty, the local address of the sending transport is used.
	SentByHost string
	// AllowMethods are advertised in default responses along with methods of [MethodsModule] modules.
	// If nil, [DefaultAllowMethods] is used.
	AllowMethods []string
	// FlowIdleTimeout is how long reliable flows without transactions are kept.
	// See [FlowTableOptions.IdleTimeout].
	FlowIdleTimeout time.Duration
	// ModuleTieBreak orders modules with equal priority.
	ModuleTieBreak TieBreak
	// TableShards is the number of transaction table shards.
	TableShards uint
	// OnStrayResponse is called for responses without a matching transaction.
	OnStrayResponse StrayResponseHandler
	// Stats records endpoint statistics.
	// If nil, a new recorder is used.
	Stats *StatsRecorder
	// Logger is the endpoint logger.
	// If nil, [log.Default] is used.
	Logger *slog.Logger
}

func (o *EndpointOptions) codec() Codec {
	if o == nil || o.Codec == nil {
		return DefaultCodec()
	}
	return o.Codec
}

func (o *EndpointOptions) clock() timer.Clock {
	if o == nil || o.Clock == nil {
		return timer.SystemClock()
	}
	return o.Clock
}

func (o *EndpointOptions) dnsResolver() DNSResolver {
	if o == nil || o.DNSResolver == nil {
		return dns.DefaultResolver()
	}
	return o.DNSResolver
}

func (o *EndpointOptions) allowMethods() []string {
	if o == nil || o.AllowMethods == nil {
		return DefaultAllowMethods
	}
	return o.AllowMethods
}

func (o *EndpointOptions) stats() *StatsRecorder {
	if o == nil || o.Stats == nil {
		return new(StatsRecorder)
	}
	return o.Stats
}

func (o *EndpointOptions) log() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Default()
	}
	return o.Logger
}

// Endpoint is the SIP transaction and transport dispatch engine.
//
// It receives bytes from transports, matches them to transactions,
// offers new requests to modules and sends requests and responses
// through transactions and flows.
type Endpoint struct {
	timings TimingConfig
	codec   Codec
	dns     DNSResolver
	sentBy  string
	allow   []string
	timers  *timer.Engine[TimerEvent]
	table   *TransactionTable
	flows   *FlowTable
	modules *ModuleRegistry
	stats   *StatsRecorder
	onStray StrayResponseHandler
	log     *slog.Logger
	env     *txEnv

	tpsMu sync.RWMutex
	tps   []Transport

	closed atomic.Bool
	done   chan struct{}
}

// NewEndpoint creates an endpoint without transports.
func NewEndpoint(opts *EndpointOptions) *Endpoint {
	ep := &Endpoint{
		codec:   opts.codec(),
		dns:     opts.dnsResolver(),
		allow:   opts.allowMethods(),
		timers:  timer.New[TimerEvent](opts.clock()),
		stats:   opts.stats(),
		log:     opts.log(),
		done:    make(chan struct{}),
	}

	var (
		idle   time.Duration
		tb     TieBreak
		shards uint
	)
	if opts != nil {
		ep.timings = opts.Timings
		ep.sentBy = opts.SentByHost
		ep.onStray = opts.OnStrayResponse
		idle, tb, shards = opts.FlowIdleTimeout, opts.ModuleTieBreak, opts.TableShards
	}
	ep.table = NewTransactionTable(&TransactionTableOptions{Shards: shards, Logger: ep.log})
	ep.flows = NewFlowTable(ep.timers, &FlowTableOptions{IdleTimeout: idle, Logger: ep.log})
	ep.modules = NewModuleRegistry(&ModuleRegistryOptions{TieBreak: tb, Logger: ep.log})
	ep.env = &txEnv{
		timers:       ep.timers,
		timings:      ep.timings,
		codec:        ep.codec,
		flows:        ep.flows,
		stats:        ep.stats,
		log:          ep.log,
		onTerminated: ep.txTerminated,
	}
	return ep
}

// AddTransport registers the transport.
// Transports implementing [Listener] are served by [Endpoint.Serve].
func (ep *Endpoint) AddTransport(tp Transport) error {
	if tp == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid transport"))
	}
	if ep.closed.Load() {
		return errtrace.Wrap(ErrEndpointClosed)
	}

	ep.tpsMu.Lock()
	defer ep.tpsMu.Unlock()
	if slices.ContainsFunc(ep.tps, func(t Transport) bool {
		return t.Proto() == tp.Proto() && t.LocalAddr() == tp.LocalAddr()
	}) {
		return errtrace.Wrap(NewInvalidArgumentError("transport %s %s already added", tp.Proto(), tp.LocalAddr()))
	}
	ep.tps = append(ep.tps, tp)

	ep.log.LogAttrs(context.Background(), slog.LevelDebug, "transport added", transportAttr(tp))
	return nil
}

// Transports returns the registered transports.
func (ep *Endpoint) Transports() []Transport {
	ep.tpsMu.RLock()
	defer ep.tpsMu.RUnlock()
	return slices.Clone(ep.tps)
}

func (ep *Endpoint) transport(proto TransportProto) (Transport, bool) {
	proto = proto.Canonic()
	ep.tpsMu.RLock()
	defer ep.tpsMu.RUnlock()
	for _, tp := range ep.tps {
		if tp.Proto() == proto {
			return tp, true
		}
	}
	return nil, false
}

// Modules returns the module registry.
func (ep *Endpoint) Modules() *ModuleRegistry { return ep.modules }

// Table returns the transaction table.
func (ep *Endpoint) Table() *TransactionTable { return ep.table }

// Flows returns the flow table.
func (ep *Endpoint) Flows() *FlowTable { return ep.flows }

// Timers returns the timer engine. Tests drive it with [timer.Drive] and [Endpoint.HandleTimer].
func (ep *Endpoint) Timers() *timer.Engine[TimerEvent] { return ep.timers }

// Stats returns the statistics recorder.
func (ep *Endpoint) Stats() *StatsRecorder { return ep.stats }

// Timings returns the transaction timer values.
func (ep *Endpoint) Timings() TimingConfig { return ep.timings }

// Serve runs the timer loop and serves every [Listener] transport
// until ctx is done, the endpoint is closed or a transport fails.
func (ep *Endpoint) Serve(ctx context.Context) error {
	if ep.closed.Load() {
		return errtrace.Wrap(ErrEndpointClosed)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-ep.done:
			return errtrace.Wrap(ErrEndpointClosed)
		case <-ctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		return errtrace.Wrap(ep.timers.Run(ctx, func(ev TimerEvent) { ep.HandleTimer(ctx, ev) }))
	})
	for _, tp := range ep.Transports() {
		ls, ok := tp.(Listener)
		if !ok {
			continue
		}
		g.Go(func() error {
			err := ls.Serve(ctx, ep)
			if errors.Is(err, ErrTransportClosed) && ctx.Err() != nil {
				return nil
			}
			return errtrace.Wrap(err)
		})
	}

	ep.log.LogAttrs(ctx, slog.LevelInfo, "endpoint started")
	err := g.Wait()
	ep.log.LogAttrs(context.Background(), slog.LevelInfo, "endpoint stopped")
	if err == nil || errors.Is(err, ErrEndpointClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return errtrace.Wrap(err)
}

// Close terminates all transactions and closes the transports.
func (ep *Endpoint) Close(ctx context.Context) error {
	if !ep.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(ep.done)

	ep.table.TerminateAll(ctx)

	var errs []error
	for _, tp := range ep.Transports() {
		if ls, ok := tp.(Listener); ok {
			if err := ls.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	ep.flows.Clear()

	ep.log.LogAttrs(ctx, slog.LevelDebug, "endpoint closed",
		slog.Any("stats", log.CalcValue(func() any { return ep.stats.Report() })),
	)
	return errtrace.Wrap(errorutil.JoinPrefix("failed to close transports:", errs...))
}

// HandleTimer dispatches a due timer event.
// Events of transactions that are gone or were replaced are ignored.
func (ep *Endpoint) HandleTimer(ctx context.Context, ev TimerEvent) {
	if ev.Kind == TimerFlowIdle {
		ep.flows.expire(ev.Flow, ev.Gen)
		return
	}

	tx, ok := ep.table.Get(ev.Key)
	if !ok {
		ep.log.LogAttrs(ctx, slog.LevelDebug, "dangling timer ignored", slog.Any("timer", ev))
		return
	}
	b, ok := tx.(interface{ base() *baseTransact })
	if !ok || b.base().id != ev.TxID {
		ep.log.LogAttrs(ctx, slog.LevelDebug, "dangling timer ignored", slog.Any("timer", ev))
		return
	}
	b.base().handleTimer(ctx, ev)
}

func (ep *Endpoint) txTerminated(ctx context.Context, tx Transaction) {
	if err := ep.table.removeTx(tx); err != nil {
		ep.log.LogAttrs(ctx, slog.LevelDebug, "failed to remove the transaction",
			slog.Any("transaction", tx),
			slog.Any("error", err),
		)
	}
}

// Receive implements [Receiver] for transports.
func (ep *Endpoint) Receive(ctx context.Context, data []byte, src netip.AddrPort, tp Transport) {
	// RFC 5626 keep-alive
	if len(bytes.TrimSpace(data)) == 0 {
		return
	}

	msg, err := ep.codec.Decode(data)
	if err != nil {
		ep.stats.parseError()
		ep.log.LogAttrs(ctx, slog.LevelDebug, "discarding inbound message due to parse error",
			transportAttr(tp),
			slog.String("remote_addr", src.String()),
			slog.Any("data", log.BytesValue(data, logDataMax)),
			slog.Any("error", err),
		)
		return
	}
	ep.stats.msgReceived(tp, msg)

	if msg.IsRequest() {
		ep.recvReq(ctx, msg, src, tp)
	} else {
		ep.recvRes(ctx, msg, src, tp)
	}
}

func (ep *Endpoint) recvReq(ctx context.Context, req *Message, src netip.AddrPort, tp Transport) {
	via, ok := req.TopVia()
	if !ok {
		ep.log.LogAttrs(ctx, slog.LevelDebug, "discarding inbound request due to malformed Via", slog.Any("request", req))
		return
	}
	// RFC 3261 Section 18.2.1 and RFC 3581 Section 4.
	_, rport := via.Param("rport")
	if addr, ok := via.HostAddr(); rport || !ok || addr != src.Addr() {
		via.SetParam("received", src.Addr().String())
	}
	if rport {
		via.SetParam("rport", strconv.Itoa(int(src.Port())))
	}
	req.SetTopVia(via)

	key, err := ServerKey(req)
	if err != nil {
		ep.log.LogAttrs(ctx, slog.LevelDebug, "discarding inbound request due to transaction key error",
			slog.Any("request", req),
			slog.Any("error", err),
		)
		return
	}

	if req.Method == MethodAck {
		if tx, ok := ep.table.Get(key); ok {
			if stx, ok := tx.(*ServerTransaction); ok {
				stx.receive(ctx, req)
				return
			}
		}
		ep.stats.strayAck()
		if _, ok := ep.modules.Offer(ctx, req, nil); !ok {
			ep.log.LogAttrs(ctx, slog.LevelDebug, "discarding inbound ACK, no module claimed it", slog.Any("request", req))
		}
		return
	}

	if tx, ok := ep.table.Get(key); ok {
		ep.retransmitted(ctx, tx, req)
		return
	}
	if ep.closed.Load() {
		ep.respondStateless(ctx, req, via, src, tp, 503)
		return
	}

	dst := ep.responseAddr(ctx, via, src, tp)
	tx, inserted, err := ep.table.FindOrInsert(key, func() (Transaction, error) {
		return newServerTransaction(key, req, ep.flows.Acquire(tp, dst), ep.env), nil
	})
	if err != nil {
		ep.log.LogAttrs(ctx, slog.LevelWarn, "discarding inbound request due to transaction table error",
			slog.Any("request", req),
			slog.Any("error", err),
		)
		return
	}
	if !inserted {
		ep.retransmitted(ctx, tx, req)
		return
	}

	stx := tx.(*ServerTransaction) //nolint:forcetypeassert
	stx.start(ctx)
	// the offer runs outside of the executor, so timers of the transaction fire
	// while a module is handling the request
	if _, ok := ep.modules.Offer(ctx, req, stx); ok {
		return
	}
	ep.stats.unclaimedRequest()
	ep.respondUnclaimed(ctx, stx)
}

func (ep *Endpoint) retransmitted(ctx context.Context, tx Transaction, req *Message) {
	stx, ok := tx.(*ServerTransaction)
	if !ok {
		return
	}
	stx.receive(ctx, req)
}

func (ep *Endpoint) respondUnclaimed(ctx context.Context, tx *ServerTransaction) {
	req := tx.Request()
	var (
		res *Message
		err error
	)
	switch req.Method {
	case MethodOptions:
		res, err = NewResponse(req, 200, "")
		if err == nil {
			res.AddHeader(HeaderAllow, strings.Join(ep.modules.AllowedMethods(ep.allow), ", "))
		}
	case MethodCancel:
		res, err = ep.cancelInvite(ctx, tx)
	default:
		res, err = NewResponse(req, 405, "")
		if err == nil {
			res.AddHeader(HeaderAllow, strings.Join(ep.modules.AllowedMethods(ep.allow), ", "))
		}
	}
	ep.log.LogAttrs(ctx, slog.LevelDebug, "respond to unclaimed request with default response",
		slog.Any("transaction", tx),
		slog.Any("reason", unclaimedReason(req.Method)),
	)
	if err == nil {
		err = tx.Respond(ctx, res)
	}
	if err != nil {
		ep.log.LogAttrs(ctx, slog.LevelWarn, "failed to send default response",
			slog.Any("transaction", tx),
			slog.Any("error", err),
		)
	}
}

func unclaimedReason(mtd string) error {
	switch mtd {
	case MethodOptions, MethodCancel:
		return ErrNoModuleClaimed
	default:
		return errtrace.Wrap(errorutil.NewWrapperError(ErrNoModuleClaimed, ErrMethodNotAllowed))
	}
}

// cancelInvite answers 487 to the INVITE server transaction cancelled by the CANCEL transaction
// and returns the response to the CANCEL itself (RFC 3261 Section 9.2).
func (ep *Endpoint) cancelInvite(ctx context.Context, tx *ServerTransaction) (*Message, error) {
	invKey := tx.Key()
	invKey.Method = MethodInvite

	var inv *ServerTransaction
	if t, ok := ep.table.Get(invKey); ok {
		inv, _ = t.(*ServerTransaction)
	}
	if inv == nil || inv.State() != TransactionStateProceeding {
		return errtrace.Wrap2(NewResponse(tx.Request(), 481, ""))
	}

	res, err := NewResponse(inv.Request(), 487, "")
	if err == nil {
		err = inv.Respond(ctx, res)
	}
	if err != nil {
		ep.log.LogAttrs(ctx, slog.LevelDebug, "failed to terminate the cancelled INVITE",
			slog.Any("transaction", inv),
			slog.Any("error", err),
		)
	}
	return errtrace.Wrap2(NewResponse(tx.Request(), 200, ""))
}

func (ep *Endpoint) responseAddr(ctx context.Context, via *Via, src netip.AddrPort, tp Transport) netip.AddrPort {
	for addr := range ResponseAddrs(ctx, via, src, tp.Reliable(), ep.dns) {
		return addr
	}
	return src
}

func (ep *Endpoint) respondStateless(
	ctx context.Context,
	req *Message,
	via *Via,
	src netip.AddrPort,
	tp Transport,
	code int,
) {
	res, err := NewResponse(req, code, "")
	if err == nil {
		var data []byte
		if data, err = ep.codec.Encode(res); err == nil {
			err = tp.Send(ctx, data, ep.responseAddr(ctx, via, src, tp))
			ep.stats.msgSent(tp, false, false, err)
		}
	}
	if err != nil {
		ep.log.LogAttrs(ctx, slog.LevelDebug, "failed to send stateless response",
			slog.Any("request", req),
			slog.Any("error", err),
		)
	}
}

func (ep *Endpoint) recvRes(ctx context.Context, res *Message, src netip.AddrPort, tp Transport) {
	key, err := ClientKey(res)
	if err != nil {
		ep.log.LogAttrs(ctx, slog.LevelDebug, "discarding inbound response due to transaction key error",
			slog.Any("response", res),
			slog.Any("error", err),
		)
		return
	}

	if tx, ok := ep.table.Get(key); ok {
		if clnTx, ok := tx.(*ClientTransaction); ok {
			clnTx.receive(ctx, res)
			return
		}
	}

	ep.stats.strayResponse()
	if ep.onStray != nil {
		ep.onStray(ctx, res, src, tp)
		return
	}
	ep.log.LogAttrs(ctx, slog.LevelDebug, "discarding inbound response",
		slog.Any("response", res),
		slog.String("remote_addr", src.String()),
		slog.Any("error", ErrNoMatchingTransaction),
	)
}

// SendRequestOptions are options of [Endpoint.SendRequest].
type SendRequestOptions struct {
	// Target is the destination address. If zero, the target is resolved
	// from the top Route or the Request-URI as RFC 3263 describes.
	Target netip.AddrPort
	// Transport is the transport to send through.
	Transport Transport
	// Proto is the transport protocol to send with.
	// Requests with a transport or protocol hint are never moved to another protocol.
	Proto TransportProto
	// Module is the owner of the client transaction.
	Module Module
}

func (o *SendRequestOptions) target() netip.AddrPort {
	if o == nil {
		return netip.AddrPort{}
	}
	return o.Target
}

func (o *SendRequestOptions) transport() Transport {
	if o == nil {
		return nil
	}
	return o.Transport
}

func (o *SendRequestOptions) proto() TransportProto {
	if o == nil {
		return ""
	}
	if o.Transport != nil {
		return o.Transport.Proto()
	}
	return o.Proto.Canonic()
}

func (o *SendRequestOptions) module() Module {
	if o == nil {
		return nil
	}
	return o.Module
}

// SendRequest sends the request through a new client transaction.
//
// The request is cloned, a new top Via with a fresh branch is added,
// Max-Forwards is set if absent. Requests exceeding MTU-200 bytes are moved from UDP
// to a reliable transport unless the transport was given explicitly.
// The returned transaction is non-nil also when the initial send failed,
// in which case it terminates with the transport error.
func (ep *Endpoint) SendRequest(ctx context.Context, req *Message, opts *SendRequestOptions) (*ClientTransaction, error) {
	if ep.closed.Load() {
		return nil, errtrace.Wrap(ErrEndpointClosed)
	}
	if !req.IsRequest() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("not a request"))
	}
	if req.Method == MethodAck {
		return nil, errtrace.Wrap(NewInvalidArgumentError("ACK is sent without a transaction, use SendStateless"))
	}

	req = req.Clone()
	tp, dst, hinted, err := ep.route(ctx, req, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tp, data, err := ep.prepareRequest(req, tp, hinted)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	return errtrace.Wrap2(ep.startClientTransaction(ctx, req, data, tp, dst, opts.module()))
}

// SendCancel cancels the INVITE client transaction with a CANCEL sent over the same flow
// (RFC 3261 Section 9.1). The CANCEL is a separate non-INVITE client transaction.
func (ep *Endpoint) SendCancel(ctx context.Context, inv *ClientTransaction) (*ClientTransaction, error) {
	if inv == nil || inv.Type() != TransactionTypeClientInvite {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid INVITE transaction"))
	}
	if st := inv.State(); st != TransactionStateCalling && st != TransactionStateProceeding {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrTransactionTerminated, "INVITE transaction is %s", st))
	}

	cancel, err := NewCancelRequest(inv.Request())
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	data, err := ep.codec.Encode(cancel)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	flow := inv.Flow()
	return errtrace.Wrap2(ep.startClientTransaction(ctx, cancel, data, flow.Transport(), flow.Remote(), inv.Module()))
}

func (ep *Endpoint) startClientTransaction(
	ctx context.Context,
	req *Message,
	data []byte,
	tp Transport,
	dst netip.AddrPort,
	mod Module,
) (*ClientTransaction, error) {
	key, err := ClientKey(req)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	tx, inserted, err := ep.table.FindOrInsert(key, func() (Transaction, error) {
		return newClientTransaction(key, req, data, ep.flows.Acquire(tp, dst), ep.env), nil
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if !inserted {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrTransactionConflict, "transaction %s already exists", key))
	}

	clnTx := tx.(*ClientTransaction) //nolint:forcetypeassert
	clnTx.setModule(mod)
	if err := clnTx.start(ctx); err != nil {
		return clnTx, errtrace.Wrap(err)
	}
	return clnTx, nil
}

// SendStatelessOptions are options of [Endpoint.SendStateless].
type SendStatelessOptions = SendRequestOptions

// SendStateless sends the message outside of any transaction.
// It is meant for ACK to 2xx responses and for responses of stateless elements.
// Requests get a new top Via like in [Endpoint.SendRequest],
// responses are sent to the address derived from their top Via.
func (ep *Endpoint) SendStateless(ctx context.Context, msg *Message, opts *SendStatelessOptions) error {
	if ep.closed.Load() {
		return errtrace.Wrap(ErrEndpointClosed)
	}

	var (
		tp   Transport
		dst  netip.AddrPort
		data []byte
		err  error
	)
	switch {
	case msg.IsRequest():
		msg = msg.Clone()
		var hinted bool
		if tp, dst, hinted, err = ep.route(ctx, msg, opts); err != nil {
			return errtrace.Wrap(err)
		}
		if tp, data, err = ep.prepareRequest(msg, tp, hinted); err != nil {
			return errtrace.Wrap(err)
		}
	case msg.IsResponse():
		via, ok := msg.TopVia()
		if !ok {
			return errtrace.Wrap(NewInvalidArgumentError("missing Via"))
		}
		if tp = opts.transport(); tp == nil {
			if tp, ok = ep.transport(via.Transport); !ok {
				return errtrace.Wrap(ErrNoTransport)
			}
		}
		if dst = opts.target(); !dst.IsValid() {
			for addr := range ResponseAddrs(ctx, via, netip.AddrPort{}, tp.Reliable(), ep.dns) {
				dst = addr
				break
			}
		}
		if !dst.IsValid() {
			return errtrace.Wrap(ErrNoTarget)
		}
		if data, err = ep.codec.Encode(msg); err != nil {
			return errtrace.Wrap(err)
		}
	default:
		return errtrace.Wrap(NewInvalidArgumentError("invalid message"))
	}

	err = tp.Send(ctx, data, dst)
	ep.stats.msgSent(tp, msg.IsRequest(), false, err)
	return errtrace.Wrap(err)
}

// route selects the transport and the destination of the request.
func (ep *Endpoint) route(
	ctx context.Context,
	req *Message,
	opts *SendRequestOptions,
) (tp Transport, dst netip.AddrPort, hinted bool, err error) {
	tp = opts.transport()
	proto := opts.proto()
	hinted = proto != ""

	if dst = opts.target(); dst.IsValid() {
		if tp == nil {
			if proto == "" {
				proto = TransportUDP
			}
			var ok bool
			if tp, ok = ep.transport(proto); !ok {
				return nil, dst, hinted, errtrace.Wrap(errorutil.NewWrapperError(ErrNoTransport, "no %s transport", proto))
			}
		}
		return tp, dst, hinted, nil
	}

	uri, err := nextHopURI(req)
	if err != nil {
		return nil, dst, hinted, errtrace.Wrap(err)
	}
	if _, ok := uri.TransportParam(); ok {
		hinted = true
	}

	supported := func(p TransportProto) bool {
		if tp != nil {
			return tp.Proto() == p
		}
		_, ok := ep.transport(p)
		return ok
	}
	for p, addr := range RequestTargets(ctx, uri, proto, supported, ep.dns) {
		if tp == nil {
			tp, _ = ep.transport(p)
		}
		return tp, addr, hinted, nil
	}
	return nil, dst, hinted, errtrace.Wrap(errorutil.NewWrapperError(ErrNoTarget, "no target for %s", uri))
}

// nextHopURI returns the URI of the top Route header or the Request-URI (RFC 3261 Section 8.1.2).
func nextHopURI(req *Message) (*URI, error) {
	if routes := req.HeaderValues(HeaderRoute); len(routes) > 0 {
		return errtrace.Wrap2(ParseURI(routes[0]))
	}
	return errtrace.Wrap2(ParseURI(req.RequestURI))
}

// prepareRequest adds the top Via and encodes the request,
// moving it to a reliable transport when it is too large for UDP (RFC 3261 Section 18.1.1).
func (ep *Endpoint) prepareRequest(req *Message, tp Transport, hinted bool) (Transport, []byte, error) {
	if _, ok := req.Header(HeaderMaxForwards); !ok {
		req.AddHeader(HeaderMaxForwards, "70")
	}

	via := &Via{Proto: ProtoVer20, Transport: tp.Proto(), Host: ep.sentByHost(tp), Port: tp.LocalAddr().Port()}
	via.SetParam("branch", GenerateBranch())
	via.SetFlag("rport")
	req.PrependHeader(HeaderVia, via.String())

	data, err := ep.codec.Encode(req)
	if err != nil {
		return nil, nil, errtrace.Wrap(err)
	}
	if hinted || tp.Reliable() || uint(len(data)) <= MTU-mtuReserve {
		return tp, data, nil
	}

	rtp, ok := ep.transport(TransportTCP)
	if !ok {
		return tp, data, nil
	}
	ep.log.LogAttrs(context.Background(), slog.LevelDebug, "request is too large for UDP, switching to TCP",
		slog.Any("request", req),
		slog.Int("size", len(data)),
	)
	via.Transport = rtp.Proto()
	via.Host = ep.sentByHost(rtp)
	via.Port = rtp.LocalAddr().Port()
	req.SetTopVia(via)
	if data, err = ep.codec.Encode(req); err != nil {
		return nil, nil, errtrace.Wrap(err)
	}
	return rtp, data, nil
}

func (ep *Endpoint) sentByHost(tp Transport) string {
	if ep.sentBy != "" {
		return ep.sentBy
	}
	return tp.LocalAddr().Addr().String()
}

func (ep *Endpoint) LogValue() slog.Value {
	if ep == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Int("transports", len(ep.Transports())),
		slog.Int("transactions", ep.table.Len()),
		slog.Int("flows", ep.flows.Len()),
		slog.Int("modules", ep.modules.Len()),
	)
}
