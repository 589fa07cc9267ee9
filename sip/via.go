package sip

import (
	"net/netip"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/util"
)

// RFC3261BranchMagicCookie prefixes every branch generated by RFC 3261 compliant elements.
const RFC3261BranchMagicCookie = "z9hG4bK"

// Param is a header parameter. Params without value have an empty Value and HasValue == false.
type Param struct {
	Name     string
	Value    string
	HasValue bool
}

// Via is a single Via header entry.
type Via struct {
	Proto     string // "SIP/2.0"
	Transport TransportProto
	Host      string
	Port      uint16 // 0 means absent
	Params    []Param
}

// ParseVia parses a single Via entry like "SIP/2.0/UDP host:5060;branch=z9hG4bK1".
func ParseVia(s string) (*Via, error) {
	s = strings.TrimSpace(s)
	sp := strings.IndexAny(s, " \t")
	if sp < 0 {
		return nil, errtrace.Wrap(NewInvalidArgumentError("malformed Via %q", s))
	}
	protoParts := strings.Split(s[:sp], "/")
	if len(protoParts) != 3 {
		return nil, errtrace.Wrap(NewInvalidArgumentError("malformed Via protocol %q", s[:sp]))
	}
	for i := range protoParts {
		protoParts[i] = strings.TrimSpace(protoParts[i])
	}

	rest := strings.TrimSpace(s[sp:])
	sentBy, params, _ := strings.Cut(rest, ";")
	host, port, err := splitHostPort(strings.TrimSpace(sentBy))
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	v := &Via{
		Proto:     util.UCase(protoParts[0] + "/" + protoParts[1]),
		Transport: TransportProto(util.UCase(protoParts[2])),
		Host:      host,
		Port:      port,
		Params:    parseParams(params),
	}
	return v, nil
}

// Param returns the value of the parameter.
func (v *Via) Param(name string) (string, bool) {
	for _, p := range v.Params {
		if util.EqFold(p.Name, name) {
			return p.Value, true
		}
	}
	return "", false
}

// SetParam adds or replaces a valued parameter.
func (v *Via) SetParam(name, value string) {
	for i, p := range v.Params {
		if util.EqFold(p.Name, name) {
			v.Params[i] = Param{Name: p.Name, Value: value, HasValue: true}
			return
		}
	}
	v.Params = append(v.Params, Param{Name: name, Value: value, HasValue: true})
}

// SetFlag adds a parameter without value if it is absent.
func (v *Via) SetFlag(name string) {
	if _, ok := v.Param(name); !ok {
		v.Params = append(v.Params, Param{Name: name})
	}
}

// Branch returns the branch parameter.
func (v *Via) Branch() string {
	b, _ := v.Param("branch")
	return b
}

// IsRFC3261 reports whether the branch carries the RFC 3261 magic cookie.
func (v *Via) IsRFC3261() bool {
	b := v.Branch()
	return len(b) > len(RFC3261BranchMagicCookie) && strings.HasPrefix(b, RFC3261BranchMagicCookie)
}

// SentBy returns the "host[:port]" part with the host lower-cased.
func (v *Via) SentBy() string { return joinHostPort(strings.ToLower(v.Host), v.Port) }

func joinHostPort(host string, port uint16) string {
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port == 0 {
		return host
	}
	return host + ":" + strconv.Itoa(int(port))
}

// Received returns the address from the "received" parameter.
func (v *Via) Received() (netip.Addr, bool) {
	r, ok := v.Param("received")
	if !ok {
		return netip.Addr{}, false
	}
	addr, err := netip.ParseAddr(strings.Trim(r, "[]"))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// RPort returns the port from the "rport" parameter if it has a value.
func (v *Via) RPort() (uint16, bool) {
	r, ok := v.Param("rport")
	if !ok || r == "" {
		return 0, false
	}
	p, err := strconv.ParseUint(r, 10, 16)
	if err != nil {
		return 0, false
	}
	return uint16(p), true
}

// HostAddr returns the sent-by host as an IP address if it is one.
func (v *Via) HostAddr() (netip.Addr, bool) {
	addr, err := netip.ParseAddr(v.Host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func (v *Via) String() string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	proto := v.Proto
	if proto == "" {
		proto = ProtoVer20
	}
	sb.WriteString(proto)
	sb.WriteByte('/')
	sb.WriteString(string(v.Transport))
	sb.WriteByte(' ')
	sb.WriteString(joinHostPort(v.Host, v.Port))
	writeParams(sb, v.Params)
	return sb.String()
}

// Clone returns a deep copy of the entry.
func (v *Via) Clone() *Via {
	v2 := *v
	v2.Params = append([]Param(nil), v.Params...)
	return &v2
}

func splitHostPort(s string) (string, uint16, error) {
	if s == "" {
		return "", 0, errtrace.Wrap(NewInvalidArgumentError("empty host"))
	}
	var host, port string
	if strings.HasPrefix(s, "[") {
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return "", 0, errtrace.Wrap(NewInvalidArgumentError("malformed IPv6 reference %q", s))
		}
		host = s[1:end]
		if rest := s[end+1:]; rest != "" {
			if rest[0] != ':' {
				return "", 0, errtrace.Wrap(NewInvalidArgumentError("malformed host port %q", s))
			}
			port = rest[1:]
		}
	} else {
		var ok bool
		host, port, ok = strings.Cut(s, ":")
		if ok && port == "" {
			return "", 0, errtrace.Wrap(NewInvalidArgumentError("empty port in %q", s))
		}
	}
	if host == "" {
		return "", 0, errtrace.Wrap(NewInvalidArgumentError("empty host in %q", s))
	}
	if port == "" {
		return host, 0, nil
	}
	p, err := strconv.ParseUint(strings.TrimSpace(port), 10, 16)
	if err != nil {
		return "", 0, errtrace.Wrap(NewInvalidArgumentError("invalid port in %q", s))
	}
	return host, uint16(p), nil
}

func parseParams(s string) []Param {
	var params []Param
	for _, p := range strings.Split(s, ";") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		name, val, ok := strings.Cut(p, "=")
		params = append(params, Param{
			Name:     strings.TrimSpace(name),
			Value:    strings.TrimSpace(val),
			HasValue: ok,
		})
	}
	return params
}

func writeParams(sb *strings.Builder, params []Param) {
	for _, p := range params {
		sb.WriteByte(';')
		sb.WriteString(p.Name)
		if p.HasValue {
			sb.WriteByte('=')
			sb.WriteString(p.Value)
		}
	}
}
