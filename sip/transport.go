package sip

import (
	"context"
	"log/slog"
	"net"
	"net/netip"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/util"
)

// Transport configuration variables.
var (
	// MTU is the path MTU estimate.
	// Requests larger than MTU-200 bytes are sent over a reliable transport if one is available
	// (RFC 3261 Section 18.1.1).
	MTU uint = 1500
)

// MaxMsgSize is the maximum size of a message accepted from the network.
const MaxMsgSize = 65535

const mtuReserve = 200

// TransportProto is a transport protocol name as it appears in the Via header.
type TransportProto string

// Known transport protocols.
const (
	TransportUDP  TransportProto = "UDP"
	TransportTCP  TransportProto = "TCP"
	TransportTLS  TransportProto = "TLS"
	TransportSCTP TransportProto = "SCTP"
	TransportWS   TransportProto = "WS"
	TransportWSS  TransportProto = "WSS"
)

// Canonic returns the protocol name in upper case.
func (p TransportProto) Canonic() TransportProto { return TransportProto(util.UCase(string(p))) }

// IsReliable reports whether the protocol is reliable.
func (p TransportProto) IsReliable() bool { return p.Canonic() != TransportUDP }

// IsSecured reports whether the protocol is encrypted.
func (p TransportProto) IsSecured() bool {
	switch p.Canonic() {
	case TransportTLS, TransportWSS:
		return true
	default:
		return false
	}
}

// Network returns the network name used to dial the protocol.
func (p TransportProto) Network() string {
	if p.Canonic() == TransportUDP {
		return "udp"
	}
	return "tcp"
}

// DefaultPort returns the well-known port of the protocol.
func (p TransportProto) DefaultPort() uint16 {
	switch p.Canonic() {
	case TransportTLS:
		return 5061
	case TransportWS:
		return 80
	case TransportWSS:
		return 443
	default:
		return 5060
	}
}

// Transport sends bytes to a remote address.
// Transports are consumed by the [Endpoint]; any socket kind can implement this contract.
type Transport interface {
	Proto() TransportProto
	Reliable() bool
	LocalAddr() netip.AddrPort
	// Send sends the data to dst.
	// Failures are reported with [*TransportError].
	Send(ctx context.Context, data []byte, dst netip.AddrPort) error
}

// Listener is implemented by transports that receive inbound bytes.
type Listener interface {
	// Serve reads inbound data and passes it to rcv until ctx is done or the transport is closed.
	Serve(ctx context.Context, rcv Receiver) error
	Close() error
}

// Receiver consumes inbound bytes read by a transport.
type Receiver interface {
	Receive(ctx context.Context, data []byte, src netip.AddrPort, tp Transport)
}

// ReceiverFunc is a function adapter for [Receiver].
type ReceiverFunc func(ctx context.Context, data []byte, src netip.AddrPort, tp Transport)

func (f ReceiverFunc) Receive(ctx context.Context, data []byte, src netip.AddrPort, tp Transport) {
	f(ctx, data, src, tp)
}

// FlowCloser is implemented by connection oriented transports
// that can release resources held for a remote peer.
type FlowCloser interface {
	CloseFlow(remote netip.AddrPort) error
}

// ConnDialer dials connections for reliable transports.
type ConnDialer interface {
	DialConn(ctx context.Context, network string, raddr netip.AddrPort) (net.Conn, error)
}

// ConnDialerFunc is a function adapter for [ConnDialer].
type ConnDialerFunc func(ctx context.Context, network string, raddr netip.AddrPort) (net.Conn, error)

func (f ConnDialerFunc) DialConn(ctx context.Context, network string, raddr netip.AddrPort) (net.Conn, error) {
	return errtrace.Wrap2(f(ctx, network, raddr))
}

// NetConnDialer is a [ConnDialer] based on [net.Dialer].
type NetConnDialer struct {
	net.Dialer
}

func (d *NetConnDialer) DialConn(ctx context.Context, network string, raddr netip.AddrPort) (net.Conn, error) {
	return errtrace.Wrap2(d.DialContext(ctx, network, raddr.String()))
}

var defConnDialer = &NetConnDialer{}

// DefaultConnDialer returns the dialer used when none is configured.
func DefaultConnDialer() *NetConnDialer { return defConnDialer }

func transportAttr(tp Transport) slog.Attr {
	if tp == nil {
		return slog.Attr{}
	}
	return slog.Group("transport",
		slog.String("proto", string(tp.Proto())),
		slog.String("local_addr", tp.LocalAddr().String()),
	)
}

func netAddrToAddrPort(addr net.Addr) netip.AddrPort {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.AddrPort()
	case *net.TCPAddr:
		return a.AddrPort()
	}
	if ap, err := netip.ParseAddrPort(addr.String()); err == nil {
		return ap
	}
	return netip.AddrPort{}
}

func unmapAddrPort(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
