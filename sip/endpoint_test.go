package sip_test

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"testing"

	"go.uber.org/mock/gomock"

	"github.com/ghettovoice/sipcore/internal/mocks"
	"github.com/ghettovoice/sipcore/sip"
)

func TestEndpoint_UnclaimedOptions(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	if _, err := h.ep.Modules().Register(sip.PriorityApplication, &sip.ModuleFuncs{
		ModuleName: "messages",
		Methods:    []string{"MESSAGE", sip.MethodOptions},
	}); err != nil {
		t.Fatalf("ep.Modules().Register() error = %v, want nil", err)
	}

	h.receive(h.udp, inRequest(sip.MethodOptions, "z9hG4bK.opt1"))
	res := h.udp.last(t)
	if got, want := res.StatusCode, 200; got != want {
		t.Fatalf("response status = %d, want %d", got, want)
	}
	allow, _ := res.Header(sip.HeaderAllow)
	if got, want := allow, "INVITE, ACK, CANCEL, BYE, OPTIONS, MESSAGE"; got != want {
		t.Fatalf("Allow = %q, want %q", got, want)
	}
	if res.ToTag() == "" {
		t.Fatal("response To tag is empty, want generated tag")
	}

	h.receive(h.udp, inRequest("MESSAGE", "z9hG4bK.msg1"))
	res = h.udp.last(t)
	if got, want := res.StatusCode, 405; got != want {
		t.Fatalf("response status = %d, want %d", got, want)
	}
	if _, ok := res.Header(sip.HeaderAllow); !ok {
		t.Fatal("405 response has no Allow header")
	}

	if got := h.ep.Stats().Report().Dispatch.UnclaimedRequests; got != 2 {
		t.Fatalf("stats unclaimed requests = %d, want 2", got)
	}
}

func TestEndpoint_Cancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	var inv *sip.ServerTransaction
	if _, err := h.ep.Modules().Register(sip.PriorityApplication, &sip.ModuleFuncs{
		ModuleName: "invites",
		Request: func(_ context.Context, req *sip.Message, tx *sip.ServerTransaction) sip.Verdict {
			if req.Method != sip.MethodInvite {
				return sip.VerdictPass
			}
			inv = tx
			return sip.VerdictClaimed
		},
	}); err != nil {
		t.Fatalf("ep.Modules().Register() error = %v, want nil", err)
	}

	h.receive(h.udp, inRequest(sip.MethodInvite, "z9hG4bK.inv1"))
	h.receive(h.udp, inRequest(sip.MethodCancel, "z9hG4bK.inv1"))

	if got, want := inv.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("INVITE tx.State() = %q, want %q", got, want)
	}
	if got := inv.LastResponse(); got == nil || got.StatusCode != 487 {
		t.Fatalf("INVITE tx.LastResponse() = %v, want 487 response", got)
	}

	res := h.udp.last(t)
	if _, mtd, _ := res.CSeq(); res.StatusCode != 200 || mtd != sip.MethodCancel {
		t.Fatalf("last response = %q CSeq method %q, want 200 to CANCEL", res.StartLine(), mtd)
	}
}

func TestEndpoint_CancelNoInvite(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.receive(h.udp, inRequest(sip.MethodCancel, "z9hG4bK.none"))

	if got, want := h.udp.last(t).StatusCode, 481; got != want {
		t.Fatalf("response status = %d, want %d", got, want)
	}
}

func TestEndpoint_ModuleOrder(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	h := newHarness(t, nil)

	mods := make(map[string]*mocks.MockModule)
	for _, reg := range []struct {
		name string
		prio int
	}{
		{"third", sip.PriorityApplication},
		{"second", sip.PriorityUALayer},
		{"first", sip.PriorityTransactionLayer},
	} {
		m := mocks.NewMockModule(ctrl)
		m.EXPECT().Name().Return(reg.name).AnyTimes()
		if _, err := h.ep.Modules().Register(reg.prio, m); err != nil {
			t.Fatalf("ep.Modules().Register(%q) error = %v, want nil", reg.name, err)
		}
		mods[reg.name] = m
	}

	gomock.InOrder(
		mods["first"].EXPECT().
			OnRequest(gomock.Any(), gomock.Any(), gomock.Not(gomock.Nil())).
			Return(sip.VerdictPass),
		mods["second"].EXPECT().
			OnRequest(gomock.Any(), gomock.Any(), gomock.Not(gomock.Nil())).
			DoAndReturn(func(ctx context.Context, req *sip.Message, tx *sip.ServerTransaction) sip.Verdict {
				res, err := sip.NewResponse(req, 200, "")
				if err != nil {
					t.Errorf("sip.NewResponse() error = %v, want nil", err)
				} else if err := tx.Respond(ctx, res); err != nil {
					t.Errorf("tx.Respond() error = %v, want nil", err)
				}
				return sip.VerdictClaimed
			}),
	)
	mods["second"].EXPECT().
		OnTransactionState(gomock.Any(), gomock.Any(), sip.TransactionStateTrying, sip.TransactionStateCompleted)
	mods["second"].EXPECT().
		OnTransactionState(gomock.Any(), gomock.Any(), sip.TransactionStateCompleted, sip.TransactionStateTerminated).
		AnyTimes()

	h.receive(h.udp, inRequest(sip.MethodBye, "z9hG4bK.bye1"))

	var txs []sip.Transaction
	for tx := range h.ep.Table().All() {
		txs = append(txs, tx)
	}
	if len(txs) != 1 {
		t.Fatalf("ep.Table() has %d transactions, want 1", len(txs))
	}
	if got, want := txs[0].Module(), sip.Module(mods["second"]); got != want {
		t.Fatalf("tx.Module() = %v, want the second module", got)
	}
}

func TestEndpoint_StrayAck(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	h := newHarness(t, nil)

	m := mocks.NewMockModule(ctrl)
	m.EXPECT().Name().Return("dialogs").AnyTimes()
	m.EXPECT().OnRequest(gomock.Any(), gomock.Any(), gomock.Nil()).
		DoAndReturn(func(_ context.Context, req *sip.Message, _ *sip.ServerTransaction) sip.Verdict {
			if req.Method != sip.MethodAck {
				t.Errorf("req.Method = %q, want %q", req.Method, sip.MethodAck)
			}
			return sip.VerdictClaimed
		})
	if _, err := h.ep.Modules().Register(sip.PriorityDialogUsage, m); err != nil {
		t.Fatalf("ep.Modules().Register() error = %v, want nil", err)
	}

	h.receive(h.udp, inRequest(sip.MethodAck, "z9hG4bK.ack2xx"))

	if got := len(h.udp.messages()); got != 0 {
		t.Fatalf("sent %d messages, want 0", got)
	}
	if got := h.ep.Table().Len(); got != 0 {
		t.Fatalf("ep.Table().Len() = %d, want 0", got)
	}
	if got := h.ep.Stats().Report().Dispatch.StrayAcks; got != 1 {
		t.Fatalf("stats stray ACKs = %d, want 1", got)
	}
}

func TestEndpoint_ReceivedAndRPort(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		via       string
		wantRecv  string
		wantRPort string
		wantDst   netip.AddrPort
	}{
		{
			name:    "sent-by matches the source",
			via:     "SIP/2.0/UDP 10.0.0.2:5060;branch=z9hG4bK.v1",
			wantDst: netip.MustParseAddrPort("10.0.0.2:5060"),
		},
		{
			name:     "sent-by is a host name",
			via:      "SIP/2.0/UDP client.example.com:5070;branch=z9hG4bK.v2",
			wantRecv: "10.0.0.2",
			wantDst:  netip.MustParseAddrPort("10.0.0.2:5070"),
		},
		{
			name:      "rport requested",
			via:       "SIP/2.0/UDP 10.0.0.2:5060;rport;branch=z9hG4bK.v3",
			wantRecv:  "10.0.0.2",
			wantRPort: "40000",
			wantDst:   netip.MustParseAddrPort("10.0.0.2:40000"),
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, nil)
			raw := strings.Replace(inRequest(sip.MethodOptions, "z9hG4bK.x"),
				"SIP/2.0/UDP 10.0.0.2:5060;branch=z9hG4bK.x", c.via, 1)
			h.ep.Receive(t.Context(), []byte(raw), netip.MustParseAddrPort("10.0.0.2:40000"), h.udp)

			msgs := h.udp.messages()
			if len(msgs) != 1 {
				t.Fatalf("sent %d messages, want 1", len(msgs))
			}
			via, ok := msgs[0].msg.TopVia()
			if !ok {
				t.Fatal("response has no Via")
			}
			if got, _ := via.Param("received"); got != c.wantRecv {
				t.Errorf("Via received = %q, want %q", got, c.wantRecv)
			}
			if got, _ := via.Param("rport"); got != c.wantRPort {
				t.Errorf("Via rport = %q, want %q", got, c.wantRPort)
			}
			if got := msgs[0].dst; got != c.wantDst {
				t.Errorf("response sent to %v, want %v", got, c.wantDst)
			}
		})
	}
}

func TestEndpoint_ReceiveDropped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.receive(h.udp, "\r\n\r\n")
	h.receive(h.tcp, "\r\n")
	h.receive(h.udp, "garbage\r\n\r\n")
	h.receive(h.udp, "OPTIONS sip:bob@127.0.0.1 SIP/2.0\r\nCall-ID: x\r\n\r\n")

	if got := len(h.udp.messages()) + len(h.tcp.messages()); got != 0 {
		t.Fatalf("sent %d messages, want 0", got)
	}
	if got := h.ep.Stats().Report().Dispatch.ParseErrors; got != 2 {
		t.Fatalf("stats parse errors = %d, want 2", got)
	}
}

func TestEndpoint_Close(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	newClaimer(t, h, 0)

	h.receive(h.udp, inRequest(sip.MethodInvite, "z9hG4bK.inv1"))
	clnTx := h.send(outRequest(sip.MethodOptions), nil)
	if got, want := h.ep.Table().Len(), 2; got != want {
		t.Fatalf("ep.Table().Len() = %d, want %d", got, want)
	}

	if err := h.ep.Close(t.Context()); err != nil {
		t.Fatalf("ep.Close() error = %v, want nil", err)
	}
	assertDone(t, clnTx)
	if got := h.ep.Table().Len(); got != 0 {
		t.Fatalf("ep.Table().Len() = %d, want 0", got)
	}

	h.receive(h.udp, inRequest(sip.MethodOptions, "z9hG4bK.late"))
	if got, want := h.udp.last(t).StatusCode, 503; got != want {
		t.Fatalf("response status after close = %d, want %d", got, want)
	}

	_, err := h.ep.SendRequest(t.Context(), outRequest(sip.MethodOptions), &sip.SendRequestOptions{Target: remoteAddr})
	if !errors.Is(err, sip.ErrEndpointClosed) {
		t.Fatalf("ep.SendRequest() after close error = %v, want %v", err, sip.ErrEndpointClosed)
	}
	if err := h.ep.AddTransport(newStubTransport(sip.TransportUDP, false, h.clock)); !errors.Is(err, sip.ErrEndpointClosed) {
		t.Fatalf("ep.AddTransport() after close error = %v, want %v", err, sip.ErrEndpointClosed)
	}
}

func TestEndpoint_SendRequestVia(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &sip.EndpointOptions{SentByHost: "pbx.example.com"})
	req := outRequest(sip.MethodOptions)
	tx := h.send(req, &sip.SendRequestOptions{})

	if _, ok := req.TopVia(); ok {
		t.Fatal("the caller's request got a Via, want it untouched")
	}

	sent := h.udp.messages()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	if got, want := sent[0].dst, netip.MustParseAddrPort("10.0.0.2:5060"); got != want {
		t.Fatalf("request sent to %v, want %v", got, want)
	}
	via, _ := sent[0].msg.TopVia()
	if got, want := via.SentBy(), "pbx.example.com:5060"; got != want {
		t.Errorf("Via sent-by = %q, want %q", got, want)
	}
	if !via.IsRFC3261() {
		t.Errorf("Via branch = %q, want RFC 3261 branch", via.Branch())
	}
	if _, ok := via.Param("rport"); !ok {
		t.Error("Via has no rport, want rport flag")
	}
	if got, _ := sent[0].msg.Header(sip.HeaderMaxForwards); got != "70" {
		t.Errorf("Max-Forwards = %q, want %q", got, "70")
	}
	if got, want := tx.Key().Branch, via.Branch(); got != want {
		t.Errorf("tx.Key().Branch = %q, want %q", got, want)
	}
}

func TestEndpoint_SendRequestMTU(t *testing.T) {
	t.Parallel()

	big := func() *sip.Message {
		req := outRequest("MESSAGE")
		req.SetHeader(sip.HeaderContentType, "text/plain")
		req.Body = []byte(strings.Repeat("x", int(sip.MTU)))
		return req
	}

	t.Run("moved to TCP", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, nil)
		tx := h.send(big(), nil)
		if got, want := tx.Flow().Key().Proto, sip.TransportTCP; got != want {
			t.Fatalf("tx flow proto = %q, want %q", got, want)
		}
		via, _ := h.tcp.last(t).TopVia()
		if got, want := via.Transport, sip.TransportTCP; got != want {
			t.Fatalf("Via transport = %q, want %q", got, want)
		}
		if got := len(h.udp.messages()); got != 0 {
			t.Fatalf("sent %d messages over UDP, want 0", got)
		}
	})

	t.Run("protocol hint kept", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, nil)
		h.send(big(), &sip.SendRequestOptions{Target: remoteAddr, Proto: sip.TransportUDP})
		if got := len(h.udp.messages()); got != 1 {
			t.Fatalf("sent %d messages over UDP, want 1", got)
		}
	})
}

func TestEndpoint_SendRequestErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	cases := []struct {
		name string
		req  *sip.Message
		opts *sip.SendRequestOptions
		want error
	}{
		{"ACK", outRequest(sip.MethodAck), &sip.SendRequestOptions{Target: remoteAddr}, sip.ErrInvalidArgument},
		{"response", &sip.Message{StatusCode: 200, Reason: "OK", Proto: sip.ProtoVer20}, nil, sip.ErrInvalidArgument},
		{"no transport", outRequest(sip.MethodOptions), &sip.SendRequestOptions{Target: remoteAddr, Proto: "SCTP"}, sip.ErrNoTransport},
	}
	for _, c := range cases {
		if _, err := h.ep.SendRequest(t.Context(), c.req, c.opts); !errors.Is(err, c.want) {
			t.Errorf("%s: ep.SendRequest() error = %v, want %v", c.name, err, c.want)
		}
	}
	if got := h.ep.Table().Len(); got != 0 {
		t.Fatalf("ep.Table().Len() = %d, want 0", got)
	}
}

func TestEndpoint_SendStateless(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	if err := h.ep.SendStateless(t.Context(), outRequest(sip.MethodAck), &sip.SendStatelessOptions{Target: remoteAddr}); err != nil {
		t.Fatalf("ep.SendStateless(ACK) error = %v, want nil", err)
	}
	if got, want := h.udp.last(t).Method, sip.MethodAck; got != want {
		t.Fatalf("sent method = %q, want %q", got, want)
	}

	req, err := sip.DefaultCodec().Decode([]byte(strings.Replace(inRequest(sip.MethodOptions, "z9hG4bK.sl"),
		"SIP/2.0/UDP 10.0.0.2:5060", "SIP/2.0/UDP 10.0.0.3:5070", 1)))
	if err != nil {
		t.Fatalf("codec.Decode() error = %v, want nil", err)
	}
	res, err := sip.NewResponse(req, 404, "")
	if err != nil {
		t.Fatalf("sip.NewResponse() error = %v, want nil", err)
	}
	if err := h.ep.SendStateless(t.Context(), res, nil); err != nil {
		t.Fatalf("ep.SendStateless(404) error = %v, want nil", err)
	}

	msgs := h.udp.messages()
	if got, want := msgs[len(msgs)-1].dst, netip.MustParseAddrPort("10.0.0.3:5070"); got != want {
		t.Fatalf("response sent to %v, want %v", got, want)
	}
	if got := h.ep.Table().Len(); got != 0 {
		t.Fatalf("ep.Table().Len() = %d, want 0", got)
	}
}
