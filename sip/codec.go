package sip

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"

	"braces.dev/errtrace"
)

// Codec converts wire bytes to messages and back.
type Codec interface {
	// Decode parses a complete message.
	// Malformed input is reported with a [*ParseError].
	Decode(data []byte) (*Message, error)
	// Encode renders the message.
	Encode(msg *Message) ([]byte, error)
}

// TextCodec is the RFC 3261 text codec.
// It preserves the order of headers including duplicates,
// expands compact header names and honours Content-Length.
type TextCodec struct {
	// MaxSize limits the size of decoded messages. Zero means [MaxMsgSize].
	MaxSize int
}

// DefaultCodec returns the default codec.
func DefaultCodec() Codec { return TextCodec{} }

func (c TextCodec) maxSize() int {
	if c.MaxSize <= 0 {
		return MaxMsgSize
	}
	return c.MaxSize
}

// Decode implements [Codec].
func (c TextCodec) Decode(data []byte) (*Message, error) {
	if len(data) > c.maxSize() {
		return nil, errtrace.Wrap(newParseError(c.maxSize(), "message exceeds %d bytes", c.maxSize()))
	}

	off := 0
	// RFC 3261 Section 7.5: CRLFs before the start line are ignored.
	for off < len(data) && (data[off] == '\r' || data[off] == '\n') {
		off++
	}
	if off == len(data) {
		return nil, errtrace.Wrap(newParseError(off, "empty message"))
	}

	line, next, ok := nextLine(data, off)
	if !ok {
		return nil, errtrace.Wrap(newParseError(len(data), "unterminated start line"))
	}
	msg := new(Message)
	if err := parseStartLine(msg, line, off); err != nil {
		return nil, errtrace.Wrap(err)
	}
	off = next

	var clen = -1
	for {
		lineOff := off
		line, next, ok = nextLine(data, off)
		if !ok {
			return nil, errtrace.Wrap(newParseError(len(data), "unterminated header section"))
		}
		off = next
		if len(line) == 0 {
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			if len(msg.Headers) == 0 {
				return nil, errtrace.Wrap(newParseError(lineOff, "continuation line before any header"))
			}
			h := &msg.Headers[len(msg.Headers)-1]
			h.Value += " " + strings.TrimSpace(string(line))
			continue
		}

		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			return nil, errtrace.Wrap(newParseError(lineOff, "missing colon in header line"))
		}
		name := strings.TrimSpace(string(line[:colon]))
		if name == "" || !isToken(name) {
			return nil, errtrace.Wrap(newParseError(lineOff, "invalid header name %q", name))
		}
		msg.Headers = append(msg.Headers, Header{
			Name:  CanonicHeaderName(name),
			Value: strings.TrimSpace(string(line[colon+1:])),
		})
		if msg.Headers[len(msg.Headers)-1].Name == HeaderContentLength {
			n, err := strconv.Atoi(msg.Headers[len(msg.Headers)-1].Value)
			if err != nil || n < 0 {
				return nil, errtrace.Wrap(newParseError(lineOff+colon+1, "invalid Content-Length"))
			}
			clen = n
		}
	}

	body := data[off:]
	if clen >= 0 {
		if len(body) < clen {
			return nil, errtrace.Wrap(newParseError(len(data), "body shorter than Content-Length %d", clen))
		}
		body = body[:clen]
	}
	if len(body) > 0 {
		msg.Body = bytes.Clone(body)
	}

	if miss := msg.MissingHeaders(); len(miss) > 0 {
		return nil, errtrace.Wrap(newParseError(off, "missing mandatory headers: %s", strings.Join(miss, ", ")))
	}
	if _, _, ok := msg.CSeq(); !ok {
		return nil, errtrace.Wrap(newParseError(off, "malformed CSeq"))
	}
	if _, ok := msg.TopVia(); !ok {
		return nil, errtrace.Wrap(newParseError(off, "malformed Via"))
	}
	return msg, nil
}

func parseStartLine(msg *Message, line []byte, off int) error {
	s := string(line)
	if strings.HasPrefix(s, "SIP/") {
		proto, rest, ok := strings.Cut(s, " ")
		if !ok {
			return errtrace.Wrap(newParseError(off, "malformed status line"))
		}
		code, reason, _ := strings.Cut(rest, " ")
		n, err := strconv.Atoi(code)
		if err != nil || len(code) != 3 || n < 100 || n > 699 {
			return errtrace.Wrap(newParseError(off+len(proto)+1, "invalid status code %q", code))
		}
		msg.Proto, msg.StatusCode, msg.Reason = proto, n, reason
		return nil
	}

	parts := strings.Split(s, " ")
	if len(parts) != 3 {
		return errtrace.Wrap(newParseError(off, "malformed request line"))
	}
	if !isToken(parts[0]) {
		return errtrace.Wrap(newParseError(off, "invalid method %q", parts[0]))
	}
	if parts[1] == "" {
		return errtrace.Wrap(newParseError(off+len(parts[0])+1, "empty Request-URI"))
	}
	if !strings.HasPrefix(parts[2], "SIP/") {
		return errtrace.Wrap(newParseError(off+len(parts[0])+len(parts[1])+2, "invalid protocol %q", parts[2]))
	}
	msg.Method, msg.RequestURI, msg.Proto = parts[0], parts[1], parts[2]
	return nil
}

// nextLine returns the line starting at off without the line terminator
// and the offset of the following line.
func nextLine(data []byte, off int) ([]byte, int, bool) {
	i := bytes.IndexByte(data[off:], '\n')
	if i < 0 {
		return nil, 0, false
	}
	line := data[off : off+i]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, off + i + 1, true
}

func isToken(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.IndexByte("-.!%*_+`'~", c) >= 0:
		default:
			return false
		}
	}
	return true
}

// Encode implements [Codec].
// Content-Length is always rewritten to match the body.
func (TextCodec) Encode(msg *Message) ([]byte, error) {
	if msg == nil || (!msg.IsRequest() && !msg.IsResponse()) {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid message"))
	}

	var buf bytes.Buffer
	buf.Grow(512 + len(msg.Body))
	buf.WriteString(msg.StartLine())
	buf.WriteString("\r\n")
	for _, h := range msg.Headers {
		if h.Name == HeaderContentLength {
			continue
		}
		buf.WriteString(h.Name)
		buf.WriteString(": ")
		buf.WriteString(h.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString(HeaderContentLength)
	buf.WriteString(": ")
	buf.WriteString(strconv.Itoa(len(msg.Body)))
	buf.WriteString("\r\n\r\n")
	buf.Write(msg.Body)
	return buf.Bytes(), nil
}

// ReadMessage reads one message from a stream.
// Keep-alive CRLFs between messages are skipped.
// A missing Content-Length on a stream means an empty body.
func ReadMessage(r *bufio.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = MaxMsgSize
	}

	var (
		buf  bytes.Buffer
		clen int
	)
	for {
		line, err := r.ReadSlice('\n')
		if err != nil {
			if err == io.EOF && buf.Len() > 0 { //nolint:errorlint
				err = io.ErrUnexpectedEOF
			}
			return nil, errtrace.Wrap(err)
		}
		trimmed := bytes.TrimRight(line, "\r\n")
		if len(trimmed) == 0 {
			if buf.Len() == 0 {
				continue
			}
			buf.Write(line)
			break
		}
		if buf.Len()+len(line) > maxSize {
			return nil, errtrace.Wrap(newParseError(maxSize, "message exceeds %d bytes", maxSize))
		}
		buf.Write(line)

		if name, val, ok := bytes.Cut(trimmed, []byte(":")); ok &&
			CanonicHeaderName(string(name)) == HeaderContentLength {
			n, err := strconv.Atoi(strings.TrimSpace(string(val)))
			if err != nil || n < 0 {
				return nil, errtrace.Wrap(newParseError(buf.Len()-len(line), "invalid Content-Length"))
			}
			clen = n
		}
	}

	if buf.Len()+clen > maxSize {
		return nil, errtrace.Wrap(newParseError(maxSize, "message exceeds %d bytes", maxSize))
	}
	if clen > 0 {
		if _, err := io.CopyN(&buf, r, int64(clen)); err != nil {
			if err == io.EOF { //nolint:errorlint
				err = io.ErrUnexpectedEOF
			}
			return nil, errtrace.Wrap(err)
		}
	}
	return buf.Bytes(), nil
}
