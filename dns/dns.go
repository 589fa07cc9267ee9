// Package dns provides the lookups needed to locate SIP servers (RFC 3263).
package dns

//go:generate go tool errtrace -w .

import (
	"cmp"
	"context"
	"net"
	"net/netip"
	"slices"
	"strings"
	"time"

	"braces.dev/errtrace"
	"github.com/miekg/dns"
)

// Resolver resolves A/AAAA and SRV records through [net.Resolver]
// and NAPTR records through a direct query to the name server.
type Resolver struct {
	net.Resolver

	// NameServer is the "host[:port]" of the server used for NAPTR queries.
	// If empty, the first server from /etc/resolv.conf is used.
	NameServer string
	// Timeout limits a single NAPTR query. Default is 5s.
	Timeout time.Duration
}

// LookupAddrs returns IP addresses of the host.
// IPv4-mapped IPv6 addresses are unmapped.
func (r *Resolver) LookupAddrs(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return []netip.Addr{addr.Unmap()}, nil
	}

	ips, err := r.Resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	for i := range ips {
		ips[i] = ips[i].Unmap()
	}
	return ips, nil
}

type SRV = net.SRV

// LookupSRV returns SRV records of the service sorted by priority and weight.
func (r *Resolver) LookupSRV(ctx context.Context, service, proto, host string) ([]*SRV, error) {
	_, srvs, err := r.Resolver.LookupSRV(ctx, service, proto, host)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	slices.SortStableFunc(srvs, func(a, b *SRV) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(b.Weight, a.Weight)
	})
	return srvs, nil
}

// NAPTR is a NAPTR record (RFC 3403).
type NAPTR struct {
	Order      uint16
	Preference uint16
	// Flags is "s" for records pointing to SRV, "a" for A/AAAA.
	Flags string
	// Service is one of "SIP+D2U", "SIP+D2T", "SIPS+D2T" and so on.
	Service     string
	Regexp      string
	Replacement string
}

// LookupNAPTR returns NAPTR records of the host sorted by order and preference.
func (r *Resolver) LookupNAPTR(ctx context.Context, host string) ([]*NAPTR, error) {
	ns, err := r.nameServer()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(host), dns.TypeNAPTR)
	q.RecursionDesired = true

	c := &dns.Client{Timeout: r.timeout()}
	resp, _, err := c.ExchangeContext(ctx, q, ns)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, errtrace.Wrap(&net.DNSError{
			Err:        dns.RcodeToString[resp.Rcode],
			Name:       host,
			Server:     ns,
			IsNotFound: resp.Rcode == dns.RcodeNameError,
		})
	}

	var recs []*NAPTR
	for _, rr := range resp.Answer {
		n, ok := rr.(*dns.NAPTR)
		if !ok {
			continue
		}
		recs = append(recs, &NAPTR{
			Order:       n.Order,
			Preference:  n.Preference,
			Flags:       strings.ToLower(n.Flags),
			Service:     strings.ToUpper(n.Service),
			Regexp:      n.Regexp,
			Replacement: n.Replacement,
		})
	}
	slices.SortStableFunc(recs, func(a, b *NAPTR) int {
		if c := cmp.Compare(a.Order, b.Order); c != 0 {
			return c
		}
		return cmp.Compare(a.Preference, b.Preference)
	})
	return recs, nil
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout <= 0 {
		return 5 * time.Second
	}
	return r.Timeout
}

func (r *Resolver) nameServer() (string, error) {
	if r.NameServer != "" {
		if _, _, err := net.SplitHostPort(r.NameServer); err != nil {
			return net.JoinHostPort(r.NameServer, "53"), nil //nolint:nilerr
		}
		return r.NameServer, nil
	}

	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	if len(conf.Servers) == 0 {
		return "", errtrace.Wrap(&net.DNSError{Err: "no name servers configured", Name: "resolv.conf"})
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}

var defResolver = &Resolver{}

// DefaultResolver returns the resolver using the system configuration.
func DefaultResolver() *Resolver { return defResolver }
