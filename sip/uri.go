package sip

import (
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/util"
)

// URI is a parsed "sip:" or "sips:" URI.
// Only the parts needed to route a request are kept.
type URI struct {
	Scheme string // "sip" or "sips"
	User   string
	Host   string
	Port   uint16
	Params []Param
}

// ParseURI parses a SIP URI, optionally wrapped into angle brackets of a name-addr.
func ParseURI(s string) (*URI, error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '<'); i >= 0 {
		end := strings.IndexByte(s[i:], '>')
		if end < 0 {
			return nil, errtrace.Wrap(NewInvalidArgumentError("unterminated name-addr %q", s))
		}
		s = s[i+1 : i+end]
	}

	scheme, rest, ok := strings.Cut(s, ":")
	if !ok {
		return nil, errtrace.Wrap(NewInvalidArgumentError("missing URI scheme in %q", s))
	}
	scheme = util.LCase(scheme)
	if scheme != "sip" && scheme != "sips" {
		return nil, errtrace.Wrap(NewInvalidArgumentError("unsupported URI scheme %q", scheme))
	}

	u := &URI{Scheme: scheme}
	rest, _, _ = strings.Cut(rest, "?")
	if at := strings.LastIndexByte(rest, '@'); at >= 0 {
		u.User = rest[:at]
		rest = rest[at+1:]
	}
	hostPort, params, _ := strings.Cut(rest, ";")
	host, port, err := splitHostPort(hostPort)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	u.Host, u.Port = host, port
	u.Params = parseParams(params)
	return u, nil
}

// Param returns the value of the URI parameter.
func (u *URI) Param(name string) (string, bool) {
	for _, p := range u.Params {
		if util.EqFold(p.Name, name) {
			return p.Value, true
		}
	}
	return "", false
}

// Secured reports whether the URI requires a secured transport.
func (u *URI) Secured() bool { return u.Scheme == "sips" }

// TransportParam returns the transport parameter in upper case.
func (u *URI) TransportParam() (TransportProto, bool) {
	tp, ok := u.Param("transport")
	if !ok || tp == "" {
		return "", false
	}
	return TransportProto(util.UCase(tp)), true
}

func (u *URI) String() string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	sb.WriteString(u.Scheme)
	sb.WriteByte(':')
	if u.User != "" {
		sb.WriteString(u.User)
		sb.WriteByte('@')
	}
	sb.WriteString(joinHostPort(u.Host, u.Port))
	writeParams(sb, u.Params)
	return sb.String()
}
