package sip

import (
	"bufio"
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	"golang.org/x/sync/singleflight"

	"github.com/ghettovoice/sipcore/internal/errorutil"
	"github.com/ghettovoice/sipcore/log"
)

// TCPTransportOptions are options of [TCPTransport].
type TCPTransportOptions struct {
	// Proto overrides the protocol name, e.g. [TransportTLS] for a listener created with [crypto/tls].
	// Default is [TransportTCP].
	Proto TransportProto
	// ConnDialer dials outbound connections.
	// If nil, [DefaultConnDialer] is used.
	ConnDialer ConnDialer
	// MaxMsgSize limits the size of a single inbound message. Default is [MaxMsgSize].
	MaxMsgSize int
	// Logger is used for transport events.
	// If nil, [log.Default] is used.
	Logger *slog.Logger
}

func (o *TCPTransportOptions) proto() TransportProto {
	if o == nil || o.Proto == "" {
		return TransportTCP
	}
	return o.Proto.Canonic()
}

func (o *TCPTransportOptions) connDialer() ConnDialer {
	if o == nil || o.ConnDialer == nil {
		return DefaultConnDialer()
	}
	return o.ConnDialer
}

func (o *TCPTransportOptions) maxMsgSize() int {
	if o == nil || o.MaxMsgSize <= 0 {
		return MaxMsgSize
	}
	return o.MaxMsgSize
}

func (o *TCPTransportOptions) log() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Default()
	}
	return o.Logger
}

// TCPTransport is a reliable stream [Transport].
// It keeps one connection per remote address, accepted or dialled on first send.
// Connections live until [TCPTransport.CloseFlow] or [TCPTransport.Close] is called,
// or the peer closes them.
type TCPTransport struct {
	proto   TransportProto
	lsnr    net.Listener
	laddr   netip.AddrPort
	dialer  ConnDialer
	maxSize int
	log     *slog.Logger

	rcv     atomic.Pointer[rcvBinding]
	conns   connTracker
	connsWg sync.WaitGroup
	closing atomic.Bool
}

type rcvBinding struct {
	ctx context.Context //nolint:containedctx
	rcv Receiver
}

// NewTCPTransport creates a transport accepting connections on the listener.
func NewTCPTransport(ls net.Listener, opts *TCPTransportOptions) (*TCPTransport, error) {
	if ls == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid listener"))
	}
	laddr := unmapAddrPort(netAddrToAddrPort(ls.Addr()))
	if !laddr.IsValid() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("unsupported local address %v", ls.Addr()))
	}

	tp := &TCPTransport{
		proto:   opts.proto(),
		laddr:   laddr,
		dialer:  opts.connDialer(),
		maxSize: opts.maxMsgSize(),
	}
	tp.log = opts.log().With(transportAttr(tp))
	tp.lsnr = &closeOnceListener{Listener: ls}
	return tp, nil
}

// ListenTCP listens on the local address and returns a transport over it.
func ListenTCP(ctx context.Context, laddr string, opts *TCPTransportOptions) (*TCPTransport, error) {
	var lc net.ListenConfig
	ls, err := lc.Listen(ctx, "tcp", laddr)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tp, err := NewTCPTransport(ls, opts)
	if err != nil {
		ls.Close()
		return nil, errtrace.Wrap(err)
	}
	return tp, nil
}

func (tp *TCPTransport) Proto() TransportProto { return tp.proto }

func (*TCPTransport) Reliable() bool { return true }

func (tp *TCPTransport) LocalAddr() netip.AddrPort { return tp.laddr }

// Send writes the data to the connection of dst, dialling it if needed.
func (tp *TCPTransport) Send(ctx context.Context, data []byte, dst netip.AddrPort) error {
	if tp.closing.Load() {
		return errtrace.Wrap(newTransportError("send", tp.proto, dst, ErrTransportClosed))
	}
	if !dst.IsValid() {
		return errtrace.Wrap(newTransportError("send", tp.proto, dst, NewInvalidArgumentError("invalid address")))
	}

	conn, err := tp.conns.getOrDial(ctx, dst,
		func(ctx context.Context) (net.Conn, error) {
			return errtrace.Wrap2(tp.dialer.DialConn(ctx, tp.proto.Network(), dst))
		},
		func(c net.Conn) (net.Conn, bool) {
			if tp.closing.Load() {
				return nil, false
			}
			return tp.initConn(c, dst), true
		},
	)
	if err != nil {
		return errtrace.Wrap(newTransportError("dial", tp.proto, dst, err))
	}

	if d, ok := ctx.Deadline(); ok {
		if err := conn.SetWriteDeadline(d); err != nil {
			return errtrace.Wrap(newTransportError("send", tp.proto, dst, err))
		}
		defer conn.SetWriteDeadline(time.Time{})
	}
	if _, err := conn.Write(data); err != nil {
		tp.CloseFlow(dst)
		return errtrace.Wrap(newTransportError("send", tp.proto, dst, err))
	}
	return nil
}

// Serve accepts connections and passes messages read from them to rcv.
// It returns [ErrTransportClosed] after ctx is done or the transport is closed.
func (tp *TCPTransport) Serve(ctx context.Context, rcv Receiver) error {
	if rcv == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid receiver"))
	}
	tp.rcv.Store(&rcvBinding{ctx, rcv})

	stop := context.AfterFunc(ctx, func() { tp.Close() })
	defer stop()

	tp.log.LogAttrs(ctx, slog.LevelDebug, "begin serving the listener")
	defer tp.log.LogAttrs(ctx, slog.LevelDebug, "serving the listener finished")

	var tempDelay time.Duration
	for {
		conn, err := tp.lsnr.Accept()
		if err != nil {
			if tp.closing.Load() || errorutil.IsClosedConnErr(err) {
				return errtrace.Wrap(ErrTransportClosed)
			}
			if !errorutil.IsTimeoutErr(err) {
				return errtrace.Wrap(err)
			}

			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay = min(2*tempDelay, time.Second)
			}
			tp.log.LogAttrs(ctx, slog.LevelDebug, "accept failed, retry after delay",
				slog.Any("error", err),
				slog.Duration("delay", tempDelay),
			)
			select {
			case <-ctx.Done():
				return errtrace.Wrap(ErrTransportClosed)
			case <-time.After(tempDelay):
			}
			continue
		}
		tempDelay = 0

		raddr := unmapAddrPort(netAddrToAddrPort(conn.RemoteAddr()))
		tp.log.LogAttrs(ctx, slog.LevelDebug, "connection accepted", slog.String("remote_addr", raddr.String()))
		tp.conns.put(raddr, tp.initConn(conn, raddr))
	}
}

func (tp *TCPTransport) initConn(c net.Conn, raddr netip.AddrPort) net.Conn {
	conn := &closeOnceConn{Conn: newLogConn(c, tp.log)}
	tp.connsWg.Add(1)
	go func() {
		defer tp.connsWg.Done()
		if err := tp.serveConn(conn, raddr); err != nil &&
			!errors.Is(err, ErrTransportClosed) && !errors.Is(err, io.EOF) {
			tp.log.LogAttrs(context.Background(), slog.LevelWarn, "failed to serve the connection",
				slog.String("remote_addr", raddr.String()),
				slog.Any("error", err),
			)
		}
	}()
	return conn
}

func (tp *TCPTransport) serveConn(conn net.Conn, raddr netip.AddrPort) error {
	defer func() {
		tp.conns.del(raddr, conn)
		conn.Close()
	}()

	br := bufio.NewReaderSize(conn, 4096)
	for {
		data, err := ReadMessage(br, tp.maxSize)
		if err != nil {
			if tp.closing.Load() || errorutil.IsClosedConnErr(err) {
				return errtrace.Wrap(ErrTransportClosed)
			}
			return errtrace.Wrap(err)
		}

		b := tp.rcv.Load()
		if b == nil {
			tp.log.LogAttrs(context.Background(), slog.LevelDebug, "message discarded, transport is not served",
				slog.String("remote_addr", raddr.String()),
			)
			continue
		}
		tp.log.LogAttrs(b.ctx, slog.LevelDebug, "stream message received",
			slog.String("remote_addr", raddr.String()),
			slog.Int("size", len(data)),
			slog.Any("data", log.BytesValue(data, logDataMax)),
		)
		b.rcv.Receive(b.ctx, data, raddr, tp)
	}
}

// CloseFlow closes the connection to the remote address.
func (tp *TCPTransport) CloseFlow(remote netip.AddrPort) error {
	conn, ok := tp.conns.get(remote)
	if !ok {
		return nil
	}
	tp.conns.del(remote, conn)
	return errtrace.Wrap(conn.Close())
}

// Close closes the listener and all connections and waits for the readers to stop.
func (tp *TCPTransport) Close() error {
	if !tp.closing.CompareAndSwap(false, true) {
		return nil
	}
	err := tp.lsnr.Close()
	for _, c := range tp.conns.all() {
		c.Close()
	}
	tp.connsWg.Wait()
	return errtrace.Wrap(err)
}

func (tp *TCPTransport) LogValue() slog.Value {
	if tp == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("proto", string(tp.proto)),
		slog.String("local_addr", tp.laddr.String()),
		slog.Int("connections", tp.conns.len()),
	)
}

type connTracker struct {
	mu    sync.RWMutex
	conns map[netip.AddrPort]net.Conn
	dials singleflight.Group
}

func (trk *connTracker) put(raddr netip.AddrPort, c net.Conn) {
	trk.mu.Lock()
	if trk.conns == nil {
		trk.conns = make(map[netip.AddrPort]net.Conn)
	}
	trk.conns[raddr] = c
	trk.mu.Unlock()
}

// del removes the connection only if it is still the one tracked for raddr.
func (trk *connTracker) del(raddr netip.AddrPort, c net.Conn) {
	trk.mu.Lock()
	if cur, ok := trk.conns[raddr]; ok && cur == c {
		delete(trk.conns, raddr)
	}
	trk.mu.Unlock()
}

func (trk *connTracker) get(raddr netip.AddrPort) (net.Conn, bool) {
	trk.mu.RLock()
	defer trk.mu.RUnlock()
	c, ok := trk.conns[raddr]
	return c, ok
}

// getOrDial returns the tracked connection of raddr or dials a new one.
// Concurrent calls for the same address share one dial, and no lock is held while dialling.
// The dialled connection is passed to init under the lock, unless a connection
// for raddr was tracked in the meantime. init reports false to reject it.
func (trk *connTracker) getOrDial(
	ctx context.Context,
	raddr netip.AddrPort,
	dial func(context.Context) (net.Conn, error),
	init func(net.Conn) (net.Conn, bool),
) (net.Conn, error) {
	if c, ok := trk.get(raddr); ok {
		return c, nil
	}

	ch := trk.dials.DoChan(raddr.String(), func() (any, error) {
		if c, ok := trk.get(raddr); ok {
			return c, nil
		}
		raw, err := dial(ctx)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}

		trk.mu.Lock()
		defer trk.mu.Unlock()
		if c, ok := trk.conns[raddr]; ok {
			raw.Close()
			return c, nil
		}
		c, ok := init(raw)
		if !ok {
			raw.Close()
			return nil, errtrace.Wrap(ErrTransportClosed)
		}
		if trk.conns == nil {
			trk.conns = make(map[netip.AddrPort]net.Conn)
		}
		trk.conns[raddr] = c
		return c, nil
	})

	select {
	case <-ctx.Done():
		return nil, errtrace.Wrap(context.Cause(ctx))
	case res := <-ch:
		if res.Err != nil {
			return nil, errtrace.Wrap(res.Err)
		}
		c, _ := res.Val.(net.Conn)
		return c, nil
	}
}

func (trk *connTracker) all() iter.Seq2[netip.AddrPort, net.Conn] {
	trk.mu.RLock()
	snap := make(map[netip.AddrPort]net.Conn, len(trk.conns))
	for k, v := range trk.conns {
		snap[k] = v
	}
	trk.mu.RUnlock()

	return func(yield func(netip.AddrPort, net.Conn) bool) {
		for k, v := range snap {
			if !yield(k, v) {
				return
			}
		}
	}
}

func (trk *connTracker) len() int {
	trk.mu.RLock()
	defer trk.mu.RUnlock()
	return len(trk.conns)
}
