package sip

import (
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/util"
)

const toTagLen = 16

// reasonPhrases are default reason phrases of the status codes used by the engine.
var reasonPhrases = map[int]string{
	100: "Trying",
	180: "Ringing",
	183: "Session Progress",
	200: "OK",
	400: "Bad Request",
	404: "Not Found",
	405: "Method Not Allowed",
	408: "Request Timeout",
	481: "Call/Transaction Does Not Exist",
	487: "Request Terminated",
	500: "Server Internal Error",
	503: "Service Unavailable",
}

// ReasonPhrase returns the default reason phrase of the status code.
func ReasonPhrase(code int) string {
	if r, ok := reasonPhrases[code]; ok {
		return r
	}
	switch code / 100 {
	case 1:
		return "Trying"
	case 2:
		return "OK"
	case 3:
		return "Redirect"
	case 4:
		return "Client Error"
	case 5:
		return "Server Error"
	default:
		return "Global Failure"
	}
}

// NewResponse builds a response to the request as RFC 3261 Section 8.2.6 describes.
// Via, From, Call-ID and CSeq are copied, To is copied with a random tag added
// to responses other than 100 if the request has none.
// An empty reason is replaced with the default phrase.
func NewResponse(req *Message, code int, reason string) (*Message, error) {
	if !req.IsRequest() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("not a request"))
	}
	if code < 100 || code > 699 {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid status code %d", code))
	}
	if reason == "" {
		reason = ReasonPhrase(code)
	}

	res := &Message{StatusCode: code, Reason: reason, Proto: ProtoVer20}
	for _, h := range req.Headers {
		switch h.Name {
		case HeaderVia, HeaderFrom, HeaderCallID, HeaderCSeq:
			res.Headers = append(res.Headers, h)
		case HeaderTo:
			if code != 100 && req.ToTag() == "" {
				h.Value += ";tag=" + util.RandStringLC(toTagLen)
			}
			res.Headers = append(res.Headers, h)
		}
	}
	return res, nil
}

// newAckRequest builds the ACK for a non-2xx final response
// as RFC 3261 Section 17.1.1.3 describes.
func newAckRequest(req, res *Message) (*Message, error) {
	via, ok := req.TopVia()
	if !ok {
		return nil, errtrace.Wrap(NewInvalidArgumentError("missing Via"))
	}
	num, _, ok := req.CSeq()
	if !ok {
		return nil, errtrace.Wrap(NewInvalidArgumentError("malformed CSeq"))
	}
	to, ok := res.Header(HeaderTo)
	if !ok {
		to, _ = req.Header(HeaderTo)
	}
	from, _ := req.Header(HeaderFrom)

	ack := &Message{Method: MethodAck, RequestURI: req.RequestURI, Proto: ProtoVer20}
	ack.AddHeader(HeaderVia, via.String())
	for _, r := range req.HeaderValues(HeaderRoute) {
		ack.AddHeader(HeaderRoute, r)
	}
	ack.AddHeader(HeaderMaxForwards, "70")
	ack.AddHeader(HeaderFrom, from)
	ack.AddHeader(HeaderTo, to)
	ack.AddHeader(HeaderCallID, req.CallID())
	ack.AddHeader(HeaderCSeq, strconv.FormatUint(uint64(num), 10)+" "+MethodAck)
	return ack, nil
}

// NewCancelRequest builds a CANCEL for the request as RFC 3261 Section 9.1 describes.
// The Request-URI, Call-ID, To, From, CSeq number, Route headers and the top Via
// are taken from the request, so the CANCEL matches the same server transaction.
func NewCancelRequest(req *Message) (*Message, error) {
	if !req.IsRequest() || req.Method != MethodInvite {
		return nil, errtrace.Wrap(NewInvalidArgumentError("only INVITE can be cancelled"))
	}
	via, ok := req.TopVia()
	if !ok {
		return nil, errtrace.Wrap(NewInvalidArgumentError("missing Via"))
	}
	num, _, ok := req.CSeq()
	if !ok {
		return nil, errtrace.Wrap(NewInvalidArgumentError("malformed CSeq"))
	}
	from, _ := req.Header(HeaderFrom)
	to, _ := req.Header(HeaderTo)

	cancel := &Message{Method: MethodCancel, RequestURI: req.RequestURI, Proto: ProtoVer20}
	cancel.AddHeader(HeaderVia, via.String())
	for _, r := range req.HeaderValues(HeaderRoute) {
		cancel.AddHeader(HeaderRoute, r)
	}
	cancel.AddHeader(HeaderMaxForwards, "70")
	cancel.AddHeader(HeaderFrom, from)
	cancel.AddHeader(HeaderTo, to)
	cancel.AddHeader(HeaderCallID, req.CallID())
	cancel.AddHeader(HeaderCSeq, strconv.FormatUint(uint64(num), 10)+" "+MethodCancel)
	return cancel, nil
}

// NewRequest builds a minimal request with the mandatory headers.
// Via is added by the endpoint on send.
func NewRequest(method, ruri, from, to, callID string, cseq uint32) *Message {
	method = util.UCase(strings.TrimSpace(method))
	req := &Message{Method: method, RequestURI: ruri, Proto: ProtoVer20}
	req.AddHeader(HeaderMaxForwards, "70")
	req.AddHeader(HeaderFrom, from)
	req.AddHeader(HeaderTo, to)
	req.AddHeader(HeaderCallID, callID)
	req.AddHeader(HeaderCSeq, strconv.FormatUint(uint64(cseq), 10)+" "+method)
	return req
}
