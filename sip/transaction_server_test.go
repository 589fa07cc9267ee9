package sip_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/sipcore/sip"
)

// claimer is a module claiming every new request.
type claimer struct {
	txs     []*sip.ServerTransaction
	respond int
}

func newClaimer(t *testing.T, h *harness, respond int) *claimer {
	t.Helper()

	c := &claimer{respond: respond}
	_, err := h.ep.Modules().Register(sip.PriorityApplication, &sip.ModuleFuncs{
		ModuleName: "claimer",
		Request: func(ctx context.Context, req *sip.Message, tx *sip.ServerTransaction) sip.Verdict {
			if tx == nil {
				return sip.VerdictPass
			}
			c.txs = append(c.txs, tx)
			if c.respond > 0 {
				res, err := sip.NewResponse(req, c.respond, "")
				if err != nil {
					t.Errorf("sip.NewResponse(req, %d) error = %v, want nil", c.respond, err)
					return sip.VerdictClaimed
				}
				if err := tx.Respond(ctx, res); err != nil {
					t.Errorf("tx.Respond() error = %v, want nil", err)
				}
			}
			return sip.VerdictClaimed
		},
	})
	if err != nil {
		t.Fatalf("ep.Modules().Register() error = %v, want nil", err)
	}
	return c
}

func (c *claimer) last(t *testing.T) *sip.ServerTransaction {
	t.Helper()

	if len(c.txs) == 0 {
		t.Fatal("no request claimed, want at least one")
	}
	return c.txs[len(c.txs)-1]
}

func respond(t *testing.T, tx *sip.ServerTransaction, code int) error {
	t.Helper()

	res, err := sip.NewResponse(tx.Request(), code, "")
	if err != nil {
		t.Fatalf("sip.NewResponse(req, %d) error = %v, want nil", code, err)
	}
	return tx.Respond(t.Context(), res) //nolint:wrapcheck
}

func TestServerTransaction_NonInvite(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	c := newClaimer(t, h, 0)

	bye := inRequest(sip.MethodBye, "z9hG4bK.bye1")
	h.receive(h.udp, bye)
	tx := c.last(t)
	if got, want := tx.Type(), sip.TransactionTypeServerNonInvite; got != want {
		t.Fatalf("tx.Type() = %q, want %q", got, want)
	}
	if got, want := tx.State(), sip.TransactionStateTrying; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	// absorbed in Trying
	h.receive(h.udp, bye)
	if got := len(h.udp.messages()); got != 0 {
		t.Fatalf("sent %d messages, want 0", got)
	}
	if got, want := len(c.txs), 1; got != want {
		t.Fatalf("claimed %d requests, want %d", got, want)
	}

	if err := respond(t, tx, 200); err != nil {
		t.Fatalf("tx.Respond(200) error = %v, want nil", err)
	}
	if got, want := tx.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	if got := tx.LastResponse(); got == nil || got.StatusCode != 200 {
		t.Fatalf("tx.LastResponse() = %v, want 200 response", got)
	}

	h.advanceTo(time.Second)
	h.receive(h.udp, bye)
	want := durations(0, 1000)
	if diff := cmp.Diff(h.udp.sendTimes("SIP/2.0 200"), want); diff != "" {
		t.Fatalf("200 send times mismatch (-got +want):\n%v", diff)
	}
	if got, want := h.udp.messages()[0].dst, remoteAddr; got != want {
		t.Fatalf("response sent to %v, want %v", got, want)
	}

	h.advanceTo(32*time.Second - time.Millisecond)
	if got, want := tx.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("tx.State() before timer J = %q, want %q", got, want)
	}
	h.advanceTo(32 * time.Second)
	assertDone(t, tx)
	if err := tx.Err(); err != nil {
		t.Fatalf("tx.Err() = %v, want nil", err)
	}
	if got := h.ep.Table().Len(); got != 0 {
		t.Fatalf("ep.Table().Len() = %d, want 0", got)
	}
}

func TestServerTransaction_NonInviteProvisional(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	c := newClaimer(t, h, 0)

	req := inRequest(sip.MethodOptions, "z9hG4bK.opt1")
	h.receive(h.udp, req)
	tx := c.last(t)

	if err := respond(t, tx, 180); err != nil {
		t.Fatalf("tx.Respond(180) error = %v, want nil", err)
	}
	if got, want := tx.State(), sip.TransactionStateProceeding; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	h.receive(h.udp, req)
	if got, want := len(h.udp.sendTimes("SIP/2.0 180")), 2; got != want {
		t.Fatalf("180 sent %d times, want %d", got, want)
	}
}

func TestServerTransaction_NonInviteReliable(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	c := newClaimer(t, h, 0)

	h.receive(h.tcp, inRequest(sip.MethodBye, "z9hG4bK.bye2"))
	tx := c.last(t)
	if err := respond(t, tx, 200); err != nil {
		t.Fatalf("tx.Respond(200) error = %v, want nil", err)
	}
	// timer J is zero on reliable transports
	assertDone(t, tx)
	if got, want := len(h.tcp.sendTimes("SIP/2.0 200")), 1; got != want {
		t.Fatalf("200 sent %d times over TCP, want %d", got, want)
	}
}

func TestServerTransaction_RespondFromRequestHandler(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	c := newClaimer(t, h, 404)

	h.receive(h.udp, inRequest(sip.MethodBye, "z9hG4bK.bye3"))
	tx := c.last(t)
	if got, want := tx.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	if got, want := len(h.udp.sendTimes("SIP/2.0 404")), 1; got != want {
		t.Fatalf("404 sent %d times, want %d", got, want)
	}
}

func TestServerTransaction_InviteAuto100(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	c := newClaimer(t, h, 0)

	h.receive(h.udp, inRequest(sip.MethodInvite, "z9hG4bK.inv1"))
	tx := c.last(t)
	if got, want := tx.Type(), sip.TransactionTypeServerInvite; got != want {
		t.Fatalf("tx.Type() = %q, want %q", got, want)
	}
	if got, want := tx.State(), sip.TransactionStateProceeding; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	h.advanceTo(199 * time.Millisecond)
	if got := len(h.udp.messages()); got != 0 {
		t.Fatalf("sent %d messages before 200ms, want 0", got)
	}
	h.advanceTo(time.Second)
	if diff := cmp.Diff(h.udp.sendTimes("SIP/2.0 100"), durations(200)); diff != "" {
		t.Fatalf("100 send times mismatch (-got +want):\n%v", diff)
	}
	if got, want := h.udp.last(t).ToTag(), ""; got != want {
		t.Fatalf("100 To tag = %q, want %q", got, want)
	}
}

func TestServerTransaction_InviteNo100AfterProvisional(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	c := newClaimer(t, h, 180)

	h.receive(h.udp, inRequest(sip.MethodInvite, "z9hG4bK.inv2"))
	h.advanceTo(time.Second)

	if got := h.udp.sendTimes("SIP/2.0 100"); len(got) != 0 {
		t.Fatalf("100 sent at %v, want never", got)
	}
	if got, want := len(h.udp.sendTimes("SIP/2.0 180")), 1; got != want {
		t.Fatalf("180 sent %d times, want %d", got, want)
	}
	if got, want := c.last(t).State(), sip.TransactionStateProceeding; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
}

func TestServerTransaction_InviteNon2xxTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	c := newClaimer(t, h, 0)

	h.receive(h.udp, inRequest(sip.MethodInvite, "z9hG4bK.inv3"))
	tx := c.last(t)
	if err := respond(t, tx, 486); err != nil {
		t.Fatalf("tx.Respond(486) error = %v, want nil", err)
	}
	if got, want := tx.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	h.advanceTo(40 * time.Second)
	assertDone(t, tx)
	if !errors.Is(tx.Err(), sip.ErrTransactionTimedOut) {
		t.Fatalf("tx.Err() = %v, want %v", tx.Err(), sip.ErrTransactionTimedOut)
	}

	want := durations(0, 500, 1500, 3500, 7500, 11500, 15500, 19500, 23500, 27500, 31500)
	if diff := cmp.Diff(h.udp.sendTimes("SIP/2.0 486"), want); diff != "" {
		t.Fatalf("486 send times mismatch (-got +want):\n%v", diff)
	}
	if got := h.udp.sendTimes("SIP/2.0 100"); len(got) != 0 {
		t.Fatalf("100 sent at %v, want never", got)
	}
}

func TestServerTransaction_InviteAck(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	c := newClaimer(t, h, 0)

	h.receive(h.udp, inRequest(sip.MethodInvite, "z9hG4bK.inv4"))
	tx := c.last(t)

	var acks int
	tx.OnAck(func(_ context.Context, _ *sip.ServerTransaction, ack *sip.Message) {
		if ack.Method != sip.MethodAck {
			t.Errorf("ack.Method = %q, want %q", ack.Method, sip.MethodAck)
		}
		acks++
	})
	var rec recorder
	tx.OnStateChanged(rec.onState)

	if err := respond(t, tx, 486); err != nil {
		t.Fatalf("tx.Respond(486) error = %v, want nil", err)
	}

	ack := inRequest(sip.MethodAck, "z9hG4bK.inv4")
	h.advanceTo(100 * time.Millisecond)
	h.receive(h.udp, ack)
	if got, want := tx.State(), sip.TransactionStateConfirmed; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	h.receive(h.udp, ack)
	if got, want := acks, 1; got != want {
		t.Fatalf("OnAck called %d times, want %d", got, want)
	}

	h.advanceTo(100*time.Millisecond + 5*time.Second) // timer I = T4
	assertDone(t, tx)
	if err := tx.Err(); err != nil {
		t.Fatalf("tx.Err() = %v, want nil", err)
	}
	// timer G stopped by the ACK
	if got, want := len(h.udp.sendTimes("SIP/2.0 486")), 1; got != want {
		t.Fatalf("486 sent %d times, want %d", got, want)
	}

	want := []sip.TransactionState{
		sip.TransactionStateCompleted,
		sip.TransactionStateConfirmed,
		sip.TransactionStateTerminated,
	}
	if diff := cmp.Diff(rec.gotStates(), want); diff != "" {
		t.Fatalf("state changes mismatch (-got +want):\n%v", diff)
	}
	if got := h.ep.Stats().Report().Dispatch.StrayAcks; got != 0 {
		t.Fatalf("stats stray ACKs = %d, want 0", got)
	}
}

func TestServerTransaction_InviteAckReliable(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	c := newClaimer(t, h, 0)

	h.receive(h.tcp, inRequest(sip.MethodInvite, "z9hG4bK.inv5"))
	tx := c.last(t)
	if err := respond(t, tx, 603); err != nil {
		t.Fatalf("tx.Respond(603) error = %v, want nil", err)
	}
	h.advanceTo(10 * time.Second)
	if got, want := len(h.tcp.sendTimes("SIP/2.0 603")), 1; got != want {
		t.Fatalf("603 sent %d times over TCP, want %d", got, want)
	}

	h.receive(h.tcp, inRequest(sip.MethodAck, "z9hG4bK.inv5"))
	// timer I is zero on reliable transports
	assertDone(t, tx)
}

func TestServerTransaction_Invite2xx(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	c := newClaimer(t, h, 0)

	h.receive(h.udp, inRequest(sip.MethodInvite, "z9hG4bK.inv6"))
	tx := c.last(t)
	if err := respond(t, tx, 180); err != nil {
		t.Fatalf("tx.Respond(180) error = %v, want nil", err)
	}
	if err := respond(t, tx, 200); err != nil {
		t.Fatalf("tx.Respond(200) error = %v, want nil", err)
	}
	assertDone(t, tx)

	if got, want := len(h.udp.sendTimes("SIP/2.0 200")), 1; got != want {
		t.Fatalf("200 sent %d times, want %d", got, want)
	}
	if err := respond(t, tx, 200); !errors.Is(err, sip.ErrTransactionTerminated) {
		t.Fatalf("tx.Respond(200) after termination error = %v, want %v", err, sip.ErrTransactionTerminated)
	}
}

func TestServerTransaction_RespondErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	c := newClaimer(t, h, 0)

	h.receive(h.udp, inRequest(sip.MethodInvite, "z9hG4bK.inv7"))
	tx := c.last(t)

	res, err := sip.NewResponse(tx.Request(), 180, "")
	if err != nil {
		t.Fatalf("sip.NewResponse() error = %v, want nil", err)
	}
	res.SetHeader(sip.HeaderCSeq, "1 OPTIONS")
	if err := tx.Respond(t.Context(), res); !errors.Is(err, sip.ErrInvalidArgument) {
		t.Fatalf("tx.Respond(CSeq mismatch) error = %v, want %v", err, sip.ErrInvalidArgument)
	}
	if err := tx.Respond(t.Context(), tx.Request()); !errors.Is(err, sip.ErrInvalidArgument) {
		t.Fatalf("tx.Respond(request) error = %v, want %v", err, sip.ErrInvalidArgument)
	}

	if err := respond(t, tx, 486); err != nil {
		t.Fatalf("tx.Respond(486) error = %v, want nil", err)
	}
	for _, code := range []int{180, 500} {
		if err := respond(t, tx, code); !errors.Is(err, sip.ErrTransactionTerminated) {
			t.Fatalf("tx.Respond(%d) after final error = %v, want %v", code, err, sip.ErrTransactionTerminated)
		}
	}
}

func TestServerTransaction_TransportError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	c := newClaimer(t, h, 0)

	h.receive(h.udp, inRequest(sip.MethodBye, "z9hG4bK.bye4"))
	tx := c.last(t)

	h.udp.setSendErr(errors.New("network is unreachable"))
	err := respond(t, tx, 200)
	if !errors.Is(err, sip.ErrTransport) {
		t.Fatalf("tx.Respond(200) error = %v, want %v", err, sip.ErrTransport)
	}
	assertDone(t, tx)
	if !errors.Is(tx.Err(), sip.ErrTransport) {
		t.Fatalf("tx.Err() = %v, want %v", tx.Err(), sip.ErrTransport)
	}
	if got := h.ep.Stats().Report().Transactions.TransportFailed; got != 1 {
		t.Fatalf("stats transport failed = %d, want 1", got)
	}
}

func TestServerTransaction_Invite100WhileHandling(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	var inside []time.Duration
	_, err := h.ep.Modules().Register(sip.PriorityApplication, &sip.ModuleFuncs{
		ModuleName: "slow",
		Request: func(_ context.Context, req *sip.Message, tx *sip.ServerTransaction) sip.Verdict {
			if tx == nil || req.Method != sip.MethodInvite {
				return sip.VerdictPass
			}
			h.advanceTo(time.Second)
			inside = h.udp.sendTimes("SIP/2.0 100")
			return sip.VerdictClaimed
		},
	})
	if err != nil {
		t.Fatalf("ep.Modules().Register() error = %v, want nil", err)
	}

	h.receive(h.udp, inRequest(sip.MethodInvite, "z9hG4bK.inv9"))
	if diff := cmp.Diff(inside, durations(200)); diff != "" {
		t.Fatalf("100 send times while handling mismatch (-got +want):\n%v", diff)
	}
	if diff := cmp.Diff(h.udp.sendTimes("SIP/2.0 100"), durations(200)); diff != "" {
		t.Fatalf("100 send times mismatch (-got +want):\n%v", diff)
	}
}

func TestServerTransaction_RespondWaitsForBusyExecutor(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	c := newClaimer(t, h, 0)

	h.receive(h.udp, inRequest(sip.MethodBye, "z9hG4bK.bye5"))
	tx := c.last(t)
	prov, err := sip.NewResponse(tx.Request(), 180, "")
	if err != nil {
		t.Fatalf("sip.NewResponse(req, 180) error = %v, want nil", err)
	}
	final, err := sip.NewResponse(tx.Request(), 200, "")
	if err != nil {
		t.Fatalf("sip.NewResponse(req, 200) error = %v, want nil", err)
	}

	entered, release := make(chan struct{}), make(chan struct{})
	tx.OnStateChanged(func(_ context.Context, _ sip.Transaction, _, to sip.TransactionState) {
		if to == sip.TransactionStateProceeding {
			close(entered)
			<-release
		}
	})

	provErr := make(chan error, 1)
	go func() { provErr <- tx.Respond(t.Context(), prov) }()
	<-entered

	h.udp.setSendErr(errors.New("network is unreachable"))
	finalErr := make(chan error, 1)
	go func() { finalErr <- tx.Respond(t.Context(), final) }()
	select {
	case err := <-finalErr:
		t.Fatalf("tx.Respond(200) = %v before the running callback returned, want to wait", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-provErr; err != nil {
		t.Fatalf("tx.Respond(180) error = %v, want nil", err)
	}
	if err := <-finalErr; !errors.Is(err, sip.ErrTransport) {
		t.Fatalf("tx.Respond(200) error = %v, want %v", err, sip.ErrTransport)
	}
	assertDone(t, tx)
}

func TestServerTransaction_RespondFromStateCallback(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	c := newClaimer(t, h, 0)

	h.receive(h.udp, inRequest(sip.MethodBye, "z9hG4bK.bye6"))
	tx := c.last(t)
	final, err := sip.NewResponse(tx.Request(), 200, "")
	if err != nil {
		t.Fatalf("sip.NewResponse(req, 200) error = %v, want nil", err)
	}
	tx.OnStateChanged(func(ctx context.Context, _ sip.Transaction, _, to sip.TransactionState) {
		if to != sip.TransactionStateProceeding {
			return
		}
		// queued behind the running callback
		if err := tx.Respond(ctx, final); err != nil {
			t.Errorf("tx.Respond(200) error = %v, want nil", err)
		}
	})

	if err := respond(t, tx, 180); err != nil {
		t.Fatalf("tx.Respond(180) error = %v, want nil", err)
	}
	if got, want := tx.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	if got, want := len(h.udp.sendTimes("SIP/2.0 200")), 1; got != want {
		t.Fatalf("200 sent %d times, want %d", got, want)
	}
}

func TestServerTransaction_ToTagShared(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	c := newClaimer(t, h, 0)

	h.receive(h.udp, inRequest(sip.MethodInvite, "z9hG4bK.inv10"))
	tx := c.last(t)
	h.advanceTo(time.Second)
	for _, code := range []int{180, 183, 200} {
		if err := respond(t, tx, code); err != nil {
			t.Fatalf("tx.Respond(%d) error = %v, want nil", code, err)
		}
	}

	var tags []string
	for _, m := range h.udp.messages() {
		if m.msg.StatusCode != 100 {
			tags = append(tags, m.msg.ToTag())
		} else if tag := m.msg.ToTag(); tag != "" {
			t.Errorf("100 To tag = %q, want empty", tag)
		}
	}
	if len(tags) != 3 || tags[0] == "" {
		t.Fatalf("To tags = %q, want 3 equal non-empty tags", tags)
	}
	if diff := cmp.Diff(tags, []string{tags[0], tags[0], tags[0]}); diff != "" {
		t.Fatalf("To tags mismatch (-got +want):\n%v", diff)
	}
	if got, want := tx.LastResponse().ToTag(), tags[0]; got != want {
		t.Fatalf("tx.LastResponse().ToTag() = %q, want %q", got, want)
	}
}
