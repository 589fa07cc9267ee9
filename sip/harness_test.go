package sip_test

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ghettovoice/sipcore/log"
	"github.com/ghettovoice/sipcore/sip"
	"github.com/ghettovoice/sipcore/timer"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

var (
	localAddr  = netip.MustParseAddrPort("127.0.0.1:5060")
	remoteAddr = netip.MustParseAddrPort("10.0.0.2:5060")
)

type sentMsg struct {
	at  time.Duration
	dst netip.AddrPort
	msg *sip.Message
}

// stubTransport records sent messages with the virtual time of the send.
type stubTransport struct {
	proto    sip.TransportProto
	laddr    netip.AddrPort
	reliable bool
	clock    *timer.VirtualClock

	mu      sync.Mutex
	sent    []sentMsg
	sendErr error
	closed  []netip.AddrPort
}

func newStubTransport(proto sip.TransportProto, reliable bool, clock *timer.VirtualClock) *stubTransport {
	return &stubTransport{proto: proto, laddr: localAddr, reliable: reliable, clock: clock}
}

func (tp *stubTransport) Proto() sip.TransportProto { return tp.proto }

func (tp *stubTransport) Reliable() bool { return tp.reliable }

func (tp *stubTransport) LocalAddr() netip.AddrPort { return tp.laddr }

func (tp *stubTransport) Send(_ context.Context, data []byte, dst netip.AddrPort) error {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.sendErr != nil {
		return tp.sendErr
	}
	msg, err := sip.DefaultCodec().Decode(data)
	if err != nil {
		return err
	}
	tp.sent = append(tp.sent, sentMsg{at: tp.clock.Now().Sub(epoch), dst: dst, msg: msg})
	return nil
}

func (tp *stubTransport) CloseFlow(remote netip.AddrPort) error {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.closed = append(tp.closed, remote)
	return nil
}

func (tp *stubTransport) setSendErr(err error) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.sendErr = err
}

func (tp *stubTransport) messages() []sentMsg {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return append([]sentMsg(nil), tp.sent...)
}

// sendTimes returns the send times of messages matching the start line prefix.
func (tp *stubTransport) sendTimes(prefix string) []time.Duration {
	var ts []time.Duration
	for _, m := range tp.messages() {
		if strings.HasPrefix(m.msg.StartLine(), prefix) {
			ts = append(ts, m.at)
		}
	}
	return ts
}

func (tp *stubTransport) last(t *testing.T) *sip.Message {
	t.Helper()

	msgs := tp.messages()
	if len(msgs) == 0 {
		t.Fatal("no messages sent, want at least one")
	}
	return msgs[len(msgs)-1].msg
}

type harness struct {
	t     *testing.T
	clock *timer.VirtualClock
	ep    *sip.Endpoint
	udp   *stubTransport
	tcp   *stubTransport
}

func newHarness(t *testing.T, opts *sip.EndpointOptions) *harness {
	t.Helper()

	clock := timer.NewVirtualClock(epoch)
	if opts == nil {
		opts = new(sip.EndpointOptions)
	}
	opts.Clock = clock
	if opts.Logger == nil {
		opts.Logger = log.Noop
	}

	h := &harness{
		t:     t,
		clock: clock,
		ep:    sip.NewEndpoint(opts),
		udp:   newStubTransport(sip.TransportUDP, false, clock),
		tcp:   newStubTransport(sip.TransportTCP, true, clock),
	}
	for _, tp := range []sip.Transport{h.udp, h.tcp} {
		if err := h.ep.AddTransport(tp); err != nil {
			t.Fatalf("ep.AddTransport(%v) error = %v, want nil", tp.Proto(), err)
		}
	}
	t.Cleanup(func() { h.ep.Close(context.Background()) })
	return h
}

// advance drives the timers for d of virtual time.
func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	timer.Drive(h.ep.Timers(), h.clock, h.clock.Now().Add(d), func(ev sip.TimerEvent) {
		h.ep.HandleTimer(h.t.Context(), ev)
	})
}

// advanceTo drives the timers until the virtual time since epoch.
func (h *harness) advanceTo(d time.Duration) {
	h.t.Helper()
	h.advance(epoch.Add(d).Sub(h.clock.Now()))
}

func (h *harness) receive(tp sip.Transport, msg string) {
	h.t.Helper()
	h.ep.Receive(h.t.Context(), []byte(msg), remoteAddr, tp)
}

func (h *harness) send(req *sip.Message, opts *sip.SendRequestOptions) *sip.ClientTransaction {
	h.t.Helper()

	if opts == nil {
		opts = &sip.SendRequestOptions{Target: remoteAddr}
	}
	tx, err := h.ep.SendRequest(h.t.Context(), req, opts)
	if err != nil {
		h.t.Fatalf("ep.SendRequest() error = %v, want nil", err)
	}
	return tx
}

func outRequest(method string) *sip.Message {
	return sip.NewRequest(method, "sip:bob@10.0.0.2",
		"<sip:alice@example.com>;tag=a1", "<sip:bob@example.com>", "call-"+strings.ToLower(method)+"@example.com", 1)
}

// responseTo builds the raw response to the request sent by the endpoint.
func responseTo(t *testing.T, req *sip.Message, code int) string {
	t.Helper()

	res, err := sip.NewResponse(req, code, "")
	if err != nil {
		t.Fatalf("sip.NewResponse(req, %d) error = %v, want nil", code, err)
	}
	if code >= 200 {
		res.SetHeader(sip.HeaderTo, "<sip:bob@example.com>;tag=b1")
	}
	data, err := sip.DefaultCodec().Encode(res)
	if err != nil {
		t.Fatalf("codec.Encode(res) error = %v, want nil", err)
	}
	return string(data)
}

// inRequest builds a raw inbound request sent from remoteAddr over UDP.
func inRequest(method, branch string, extra ...string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s sip:bob@127.0.0.1:5060 SIP/2.0\r\n", method)
	fmt.Fprintf(&sb, "Via: SIP/2.0/UDP 10.0.0.2:5060;branch=%s\r\n", branch)
	sb.WriteString("Max-Forwards: 70\r\n")
	sb.WriteString("From: <sip:alice@example.com>;tag=a1\r\n")
	sb.WriteString("To: <sip:bob@example.com>\r\n")
	sb.WriteString("Call-ID: in-call@example.com\r\n")
	fmt.Fprintf(&sb, "CSeq: 1 %s\r\n", method)
	for _, h := range extra {
		sb.WriteString(h)
		sb.WriteString("\r\n")
	}
	sb.WriteString("Content-Length: 0\r\n\r\n")
	return sb.String()
}

func durations(ms ...int) []time.Duration {
	ds := make([]time.Duration, len(ms))
	for i, v := range ms {
		ds[i] = time.Duration(v) * time.Millisecond
	}
	return ds
}

// recorder collects client transaction responses and transaction state changes.
type recorder struct {
	mu     sync.Mutex
	codes  []int
	states []sip.TransactionState
}

func (r *recorder) onResponse(_ context.Context, _ *sip.ClientTransaction, res *sip.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes = append(r.codes, res.StatusCode)
}

func (r *recorder) onState(_ context.Context, _ sip.Transaction, _, to sip.TransactionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, to)
}

func (r *recorder) gotCodes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.codes...)
}

func (r *recorder) gotStates() []sip.TransactionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sip.TransactionState(nil), r.states...)
}

func transportStats(t *testing.T, report sip.StatsReport, proto sip.TransportProto) sip.TransportStats {
	t.Helper()

	for _, s := range report.Transports {
		if s.Proto == proto {
			return s
		}
	}
	t.Fatalf("no %s transport stats in the report", proto)
	return sip.TransportStats{}
}
