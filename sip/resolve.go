package sip

import (
	"context"
	"iter"
	"net/netip"
	"strings"

	"github.com/ghettovoice/sipcore/dns"
)

// DNSResolver is used to locate request targets and response destinations.
// It is implemented by [*dns.Resolver].
type DNSResolver interface {
	// LookupAddrs looks up IP addresses of the host.
	LookupAddrs(ctx context.Context, host string) ([]netip.Addr, error)
	// LookupSRV looks up SRV records of the service sorted by priority and weight.
	// Empty service and proto look up the host name directly.
	LookupSRV(ctx context.Context, service, proto, host string) ([]*dns.SRV, error)
	// LookupNAPTR looks up NAPTR records of the host sorted by order and preference.
	LookupNAPTR(ctx context.Context, host string) ([]*dns.NAPTR, error)
}

var naptrServices = map[string]TransportProto{
	"SIP+D2U":  TransportUDP,
	"SIP+D2T":  TransportTCP,
	"SIPS+D2T": TransportTLS,
	"SIP+D2S":  TransportSCTP,
	"SIP+D2W":  TransportWS,
	"SIPS+D2W": TransportWSS,
}

func srvName(proto TransportProto) (service, network string) {
	service = "sip"
	if proto.IsSecured() {
		service = "sips"
	}
	switch proto.Canonic() {
	case TransportUDP:
		network = "udp"
	case TransportSCTP:
		network = "sctp"
	default:
		network = "tcp"
	}
	return service, network
}

// RequestTargets returns the transport and address pairs to try for a request
// to the URI as RFC 3263 Section 4 describes.
//
// The transport is taken from proto if set, then from the "transport" URI parameter,
// then from NAPTR records, then from SRV records of the supported transports.
// Numeric hosts and explicit ports skip the NAPTR and SRV steps.
// Only transports accepted by supported are yielded.
//
//nolint:gocognit
func RequestTargets(
	ctx context.Context,
	uri *URI,
	proto TransportProto,
	supported func(TransportProto) bool,
	rslv DNSResolver,
) iter.Seq2[TransportProto, netip.AddrPort] {
	return func(yield func(TransportProto, netip.AddrPort) bool) {
		if uri == nil {
			return
		}

		host := uri.Host
		if maddr, ok := uri.Param("maddr"); ok && maddr != "" {
			host = maddr
		}
		host = strings.Trim(host, "[]")
		ip, ipErr := netip.ParseAddr(host)
		numeric := ipErr == nil

		if proto == "" {
			if tp, ok := uri.TransportParam(); ok {
				proto = tp
			} else if uri.Secured() && (numeric || uri.Port != 0) {
				proto = TransportTLS
			}
		}
		if proto == "" && (numeric || uri.Port != 0) {
			proto = TransportUDP
		}
		if proto != "" {
			proto = proto.Canonic()
			if !supported(proto) {
				return
			}
		}

		port := uri.Port
		if numeric {
			if port == 0 {
				port = proto.DefaultPort()
			}
			yield(proto, netip.AddrPortFrom(ip.Unmap(), port))
			return
		}

		// yieldHost yields A/AAAA records of the host.
		yieldHost := func(proto TransportProto, host string, port uint16) bool {
			addrs, err := rslv.LookupAddrs(ctx, host)
			if err != nil {
				return true
			}
			for _, addr := range addrs {
				if !yield(proto, netip.AddrPortFrom(addr, port)) {
					return false
				}
			}
			return true
		}
		// yieldSRV yields records of the SRV name, reports whether any record was found.
		yieldSRV := func(proto TransportProto, service, network, name string) (found, cont bool) {
			srvs, err := rslv.LookupSRV(ctx, service, network, name)
			if err != nil || len(srvs) == 0 {
				return false, true
			}
			for _, srv := range srvs {
				if !yieldHost(proto, strings.TrimSuffix(srv.Target, "."), srv.Port) {
					return true, false
				}
			}
			return true, true
		}

		if port != 0 {
			yieldHost(proto, host, port)
			return
		}

		if proto != "" {
			service, network := srvName(proto)
			found, cont := yieldSRV(proto, service, network, host)
			if found || !cont {
				return
			}
			yieldHost(proto, host, proto.DefaultPort())
			return
		}

		// RFC 3263 Section 4.1, NAPTR step.
		if recs, err := rslv.LookupNAPTR(ctx, host); err == nil {
			var anyFound bool
			for _, rec := range recs {
				tp, ok := naptrServices[rec.Service]
				if !ok || rec.Flags != "s" || !supported(tp) || (uri.Secured() && !tp.IsSecured()) {
					continue
				}
				found, cont := yieldSRV(tp, "", "", strings.TrimSuffix(rec.Replacement, "."))
				if !cont {
					return
				}
				anyFound = anyFound || found
			}
			if anyFound {
				return
			}
		}

		// SRV step over the supported transports.
		protos := []TransportProto{TransportUDP, TransportTCP, TransportTLS, TransportSCTP}
		if uri.Secured() {
			protos = []TransportProto{TransportTLS}
		}
		for _, tp := range protos {
			if !supported(tp) {
				continue
			}
			service, network := srvName(tp)
			found, cont := yieldSRV(tp, service, network, host)
			if !cont || found {
				return
			}
		}

		// Fallback to A/AAAA records.
		proto = TransportUDP
		if uri.Secured() {
			proto = TransportTLS
		}
		if supported(proto) {
			yieldHost(proto, host, proto.DefaultPort())
		}
	}
}

// ResponseAddrs returns the addresses a response should be sent to
// as RFC 3261 Section 18.2.2 and RFC 3581 Section 4 describe.
//
// For reliable transports the source of the request comes first,
// so the response reuses the connection the request arrived on.
func ResponseAddrs(
	ctx context.Context,
	via *Via,
	src netip.AddrPort,
	reliable bool,
	rslv DNSResolver,
) iter.Seq[netip.AddrPort] {
	return func(yield func(netip.AddrPort) bool) {
		if via == nil {
			return
		}

		sentByPort := via.Port
		if sentByPort == 0 {
			sentByPort = via.Transport.DefaultPort()
		}

		if reliable {
			if src.IsValid() && !yield(src) {
				return
			}
		} else if maddr, ok := via.Param("maddr"); ok && maddr != "" {
			if rslv == nil {
				return
			}
			addrs, err := rslv.LookupAddrs(ctx, maddr)
			if err != nil {
				return
			}
			for _, addr := range addrs {
				if !yield(netip.AddrPortFrom(addr, sentByPort)) {
					return
				}
			}
			return
		}

		if addr, ok := via.Received(); ok {
			port := sentByPort
			if p, ok := via.RPort(); ok && !reliable {
				port = p
			}
			if !yield(netip.AddrPortFrom(addr, port)) {
				return
			}
		}

		if addr, ok := via.HostAddr(); ok {
			yield(netip.AddrPortFrom(addr, sentByPort))
			return
		}
		if rslv == nil {
			return
		}
		addrs, err := rslv.LookupAddrs(ctx, via.Host)
		if err != nil {
			return
		}
		for _, addr := range addrs {
			if !yield(netip.AddrPortFrom(addr, sentByPort)) {
				return
			}
		}
	}
}
