package sip

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/errorutil"
	"github.com/ghettovoice/sipcore/log"
)

// UDPTransportOptions are options of [UDPTransport].
type UDPTransportOptions struct {
	// Proto overrides the protocol name. Default is [TransportUDP].
	Proto TransportProto
	// Logger is used for transport events.
	// If nil, [log.Default] is used.
	Logger *slog.Logger
}

func (o *UDPTransportOptions) proto() TransportProto {
	if o == nil || o.Proto == "" {
		return TransportUDP
	}
	return o.Proto.Canonic()
}

func (o *UDPTransportOptions) log() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Default()
	}
	return o.Logger
}

// UDPTransport is an unreliable [Transport] over a [net.PacketConn].
type UDPTransport struct {
	proto   TransportProto
	conn    net.PacketConn
	laddr   netip.AddrPort
	log     *slog.Logger
	closing atomic.Bool
}

// NewUDPTransport creates a transport over the packet connection.
func NewUDPTransport(conn net.PacketConn, opts *UDPTransportOptions) (*UDPTransport, error) {
	if conn == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid connection"))
	}
	laddr := unmapAddrPort(netAddrToAddrPort(conn.LocalAddr()))
	if !laddr.IsValid() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("unsupported local address %v", conn.LocalAddr()))
	}

	tp := &UDPTransport{
		proto: opts.proto(),
		laddr: laddr,
	}
	tp.log = opts.log().With(transportAttr(tp))
	tp.conn = &closeOncePacketConn{PacketConn: newLogPacketConn(conn, tp.log)}
	return tp, nil
}

// ListenUDP listens on the local address and returns a transport over it.
func ListenUDP(ctx context.Context, laddr string, opts *UDPTransportOptions) (*UDPTransport, error) {
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp", laddr)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tp, err := NewUDPTransport(conn, opts)
	if err != nil {
		conn.Close()
		return nil, errtrace.Wrap(err)
	}
	return tp, nil
}

func (tp *UDPTransport) Proto() TransportProto { return tp.proto }

func (*UDPTransport) Reliable() bool { return false }

func (tp *UDPTransport) LocalAddr() netip.AddrPort { return tp.laddr }

// Send writes the data as a single datagram.
func (tp *UDPTransport) Send(ctx context.Context, data []byte, dst netip.AddrPort) error {
	if tp.closing.Load() {
		return errtrace.Wrap(newTransportError("send", tp.proto, dst, ErrTransportClosed))
	}
	if len(data) > MaxMsgSize {
		return errtrace.Wrap(newTransportError("send", tp.proto, dst, ErrMessageTooLarge))
	}
	if !dst.IsValid() {
		return errtrace.Wrap(newTransportError("send", tp.proto, dst, NewInvalidArgumentError("invalid address")))
	}

	if d, ok := ctx.Deadline(); ok {
		if err := tp.conn.SetWriteDeadline(d); err != nil {
			return errtrace.Wrap(newTransportError("send", tp.proto, dst, err))
		}
		defer tp.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := tp.conn.WriteTo(data, net.UDPAddrFromAddrPort(dst)); err != nil {
		return errtrace.Wrap(newTransportError("send", tp.proto, dst, err))
	}
	return nil
}

// Serve reads datagrams and passes them to rcv.
// It returns [ErrTransportClosed] after ctx is done or the transport is closed.
func (tp *UDPTransport) Serve(ctx context.Context, rcv Receiver) error {
	if rcv == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid receiver"))
	}

	stop := context.AfterFunc(ctx, func() { tp.Close() })
	defer stop()

	tp.log.LogAttrs(ctx, slog.LevelDebug, "begin serving the connection")
	defer tp.log.LogAttrs(ctx, slog.LevelDebug, "serving the connection finished")

	buf := make([]byte, MaxMsgSize)
	for {
		n, addr, err := tp.conn.ReadFrom(buf)
		if err != nil {
			if tp.closing.Load() || errorutil.IsClosedConnErr(err) {
				return errtrace.Wrap(ErrTransportClosed)
			}
			if errorutil.IsTimeoutErr(err) {
				continue
			}
			var opErr *net.OpError
			if errors.As(err, &opErr) && !opErr.Temporary() { //nolint:staticcheck
				return errtrace.Wrap(err)
			}
			tp.log.LogAttrs(ctx, slog.LevelDebug, "datagram read failed", slog.Any("error", err))
			continue
		}
		if n == 0 {
			continue
		}

		src := unmapAddrPort(netAddrToAddrPort(addr))
		data := make([]byte, n)
		copy(data, buf[:n])
		rcv.Receive(ctx, data, src, tp)
	}
}

// Close closes the connection.
func (tp *UDPTransport) Close() error {
	tp.closing.Store(true)
	return errtrace.Wrap(tp.conn.Close())
}

func (tp *UDPTransport) LogValue() slog.Value {
	if tp == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("proto", string(tp.proto)),
		slog.String("local_addr", tp.laddr.String()),
	)
}
