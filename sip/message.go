package sip

import (
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/ghettovoice/sipcore/internal/util"
)

// Request methods known to the engine.
const (
	MethodInvite   = "INVITE"
	MethodAck      = "ACK"
	MethodCancel   = "CANCEL"
	MethodBye      = "BYE"
	MethodOptions  = "OPTIONS"
	MethodRegister = "REGISTER"
)

// Canonical names of the headers used by the engine.
const (
	HeaderVia           = "Via"
	HeaderCallID        = "Call-ID"
	HeaderCSeq          = "CSeq"
	HeaderFrom          = "From"
	HeaderTo            = "To"
	HeaderMaxForwards   = "Max-Forwards"
	HeaderContentLength = "Content-Length"
	HeaderContentType   = "Content-Type"
	HeaderRoute         = "Route"
	HeaderAllow         = "Allow"
	HeaderContact       = "Contact"
)

// ProtoVer20 is the only supported protocol version.
const ProtoVer20 = "SIP/2.0"

var compactHdrs = map[string]string{
	"v": HeaderVia,
	"i": HeaderCallID,
	"f": HeaderFrom,
	"t": HeaderTo,
	"l": HeaderContentLength,
	"c": HeaderContentType,
	"m": HeaderContact,
	"e": "Content-Encoding",
	"k": "Supported",
	"s": "Subject",
}

var canonHdrs = map[string]string{
	"call-id":          HeaderCallID,
	"cseq":             HeaderCSeq,
	"www-authenticate": "WWW-Authenticate",
	"mime-version":     "MIME-Version",
}

// CanonicHeaderName returns the canonical form of the header name.
// Compact forms are expanded, e.g. "v" becomes "Via".
func CanonicHeaderName(name string) string {
	name = strings.TrimSpace(name)
	lname := strings.ToLower(name)
	if full, ok := compactHdrs[lname]; ok {
		return full
	}
	if canon, ok := canonHdrs[lname]; ok {
		return canon
	}
	parts := strings.Split(lname, "-")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, "-")
}

// Header is a single header field.
type Header struct {
	Name  string
	Value string
}

// Message is a SIP request or response.
// Requests have a non-empty Method, responses have a non-zero StatusCode.
// Headers keep their wire order, duplicates are allowed.
type Message struct {
	Method     string
	RequestURI string
	StatusCode int
	Reason     string
	Proto      string
	Headers    []Header
	Body       []byte
}

// IsRequest reports whether the message is a request.
func (m *Message) IsRequest() bool { return m != nil && m.Method != "" && m.StatusCode == 0 }

// IsResponse reports whether the message is a response.
func (m *Message) IsResponse() bool { return m != nil && m.StatusCode != 0 }

// IsProvisional reports whether the message is a 1xx response.
func (m *Message) IsProvisional() bool { return m.IsResponse() && m.StatusCode < 200 }

// IsFinal reports whether the message is a final response.
func (m *Message) IsFinal() bool { return m.IsResponse() && m.StatusCode >= 200 }

// IsSuccess reports whether the message is a 2xx response.
func (m *Message) IsSuccess() bool { return m.IsResponse() && m.StatusCode >= 200 && m.StatusCode < 300 }

// StartLine returns the request or status line without the trailing CRLF.
func (m *Message) StartLine() string {
	proto := m.Proto
	if proto == "" {
		proto = ProtoVer20
	}
	if m.IsResponse() {
		return proto + " " + strconv.Itoa(m.StatusCode) + " " + m.Reason
	}
	return m.Method + " " + m.RequestURI + " " + proto
}

// Header returns the value of the first header with the name.
func (m *Message) Header(name string) (string, bool) {
	name = CanonicHeaderName(name)
	for _, h := range m.Headers {
		if h.Name == name {
			return h.Value, true
		}
	}
	return "", false
}

// HeaderValues returns the values of all headers with the name.
// Comma-separated values of a single header are split.
func (m *Message) HeaderValues(name string) []string {
	name = CanonicHeaderName(name)
	var vals []string
	for _, h := range m.Headers {
		if h.Name == name {
			vals = append(vals, splitHeaderValues(h.Value)...)
		}
	}
	return vals
}

// AddHeader appends a header.
func (m *Message) AddHeader(name, value string) {
	m.Headers = append(m.Headers, Header{CanonicHeaderName(name), value})
}

// PrependHeader inserts a header before all other headers with the same name,
// or at the top if there are none.
func (m *Message) PrependHeader(name, value string) {
	name = CanonicHeaderName(name)
	i := slices.IndexFunc(m.Headers, func(h Header) bool { return h.Name == name })
	if i < 0 {
		i = 0
	}
	m.Headers = slices.Insert(m.Headers, i, Header{name, value})
}

// SetHeader replaces all headers with the name with a single header
// placed where the first one was.
func (m *Message) SetHeader(name, value string) {
	name = CanonicHeaderName(name)
	i := slices.IndexFunc(m.Headers, func(h Header) bool { return h.Name == name })
	if i < 0 {
		m.Headers = append(m.Headers, Header{name, value})
		return
	}
	m.Headers[i].Value = value
	m.Headers = slices.Concat(m.Headers[:i+1], slices.DeleteFunc(slices.Clone(m.Headers[i+1:]), func(h Header) bool {
		return h.Name == name
	}))
}

// DelHeader removes all headers with the name and returns how many were removed.
func (m *Message) DelHeader(name string) int {
	name = CanonicHeaderName(name)
	n := len(m.Headers)
	m.Headers = slices.DeleteFunc(m.Headers, func(h Header) bool { return h.Name == name })
	return n - len(m.Headers)
}

// CallID returns the Call-ID header value.
func (m *Message) CallID() string {
	v, _ := m.Header(HeaderCallID)
	return strings.TrimSpace(v)
}

// CSeq returns the sequence number and the method of the CSeq header.
func (m *Message) CSeq() (uint32, string, bool) {
	v, ok := m.Header(HeaderCSeq)
	if !ok {
		return 0, "", false
	}
	num, mtd, ok := strings.Cut(strings.TrimSpace(v), " ")
	if !ok {
		return 0, "", false
	}
	n, err := strconv.ParseUint(strings.TrimSpace(num), 10, 32)
	if err != nil {
		return 0, "", false
	}
	mtd = strings.TrimSpace(mtd)
	if mtd == "" {
		return 0, "", false
	}
	return uint32(n), util.UCase(mtd), true
}

// TopVia returns the topmost Via entry.
func (m *Message) TopVia() (*Via, bool) {
	for _, h := range m.Headers {
		if h.Name != HeaderVia {
			continue
		}
		vals := splitHeaderValues(h.Value)
		if len(vals) == 0 {
			continue
		}
		via, err := ParseVia(vals[0])
		if err != nil {
			return nil, false
		}
		return via, true
	}
	return nil, false
}

// SetTopVia replaces the topmost Via entry with v.
// If the message has no Via, v is prepended.
func (m *Message) SetTopVia(v *Via) {
	for i, h := range m.Headers {
		if h.Name != HeaderVia {
			continue
		}
		vals := splitHeaderValues(h.Value)
		if len(vals) <= 1 {
			m.Headers[i].Value = v.String()
			return
		}
		vals[0] = v.String()
		m.Headers[i].Value = strings.Join(vals, ", ")
		return
	}
	m.PrependHeader(HeaderVia, v.String())
}

// FromTag returns the tag parameter of the From header.
func (m *Message) FromTag() string {
	v, _ := m.Header(HeaderFrom)
	tag, _ := addrHeaderParam(v, "tag")
	return tag
}

// ToTag returns the tag parameter of the To header.
func (m *Message) ToTag() string {
	v, _ := m.Header(HeaderTo)
	tag, _ := addrHeaderParam(v, "tag")
	return tag
}

// MissingHeaders returns the names of absent mandatory headers.
func (m *Message) MissingHeaders() []string {
	var miss []string
	for _, n := range []string{HeaderVia, HeaderCallID, HeaderCSeq, HeaderFrom, HeaderTo} {
		if _, ok := m.Header(n); !ok {
			miss = append(miss, n)
		}
	}
	return miss
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	m2 := *m
	m2.Headers = slices.Clone(m.Headers)
	m2.Body = slices.Clone(m.Body)
	return &m2
}

func (m *Message) LogValue() slog.Value {
	if m == nil {
		return slog.Value{}
	}
	attrs := []slog.Attr{slog.String("start_line", m.StartLine())}
	if via, ok := m.TopVia(); ok {
		attrs = append(attrs, slog.String("branch", via.Branch()))
	}
	attrs = append(attrs, slog.String("call_id", m.CallID()))
	if num, mtd, ok := m.CSeq(); ok {
		attrs = append(attrs, slog.String("cseq", strconv.FormatUint(uint64(num), 10)+" "+mtd))
	}
	return slog.GroupValue(attrs...)
}

// splitHeaderValues splits a comma-separated header value,
// ignoring commas inside quotes and angle brackets.
func splitHeaderValues(s string) []string {
	var (
		vals    []string
		start   int
		inQuote bool
		inAngle bool
	)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\\' && inQuote:
			i++
		case c == '"':
			inQuote = !inQuote
		case c == '<' && !inQuote:
			inAngle = true
		case c == '>' && !inQuote:
			inAngle = false
		case c == ',' && !inQuote && !inAngle:
			if v := strings.TrimSpace(s[start:i]); v != "" {
				vals = append(vals, v)
			}
			start = i + 1
		}
	}
	if v := strings.TrimSpace(s[start:]); v != "" {
		vals = append(vals, v)
	}
	return vals
}

// addrHeaderParam returns a header parameter of a name-addr or addr-spec header value
// like From, To or Contact.
func addrHeaderParam(v, name string) (string, bool) {
	if i := strings.LastIndexByte(v, '>'); i >= 0 {
		v = v[i+1:]
	} else if i := strings.IndexByte(v, ';'); i >= 0 {
		v = v[i:]
	} else {
		return "", false
	}
	for _, p := range strings.Split(v, ";") {
		k, val, _ := strings.Cut(p, "=")
		if util.EqFold(strings.TrimSpace(k), name) {
			return strings.TrimSpace(val), true
		}
	}
	return "", false
}
