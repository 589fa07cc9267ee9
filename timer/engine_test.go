package timer_test

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/ghettovoice/sipcore/timer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestEngine_PollOrder(t *testing.T) {
	t.Parallel()

	e := timer.New[string](timer.NewVirtualClock(epoch))
	e.Schedule(epoch.Add(3*time.Second), "c")
	e.Schedule(epoch.Add(time.Second), "a1")
	e.Schedule(epoch.Add(2*time.Second), "b")
	e.Schedule(epoch.Add(time.Second), "a2")
	e.Schedule(epoch.Add(time.Second), "a3")

	if got := e.Poll(epoch); len(got) != 0 {
		t.Fatalf("e.Poll(epoch) = %v, want empty", got)
	}
	if got, want := e.Poll(epoch.Add(2*time.Second)), []string{"a1", "a2", "a3", "b"}; !slices.Equal(got, want) {
		t.Fatalf("e.Poll(+2s) = %v, want %v", got, want)
	}
	if next, ok := e.Next(); !ok || !next.Equal(epoch.Add(3*time.Second)) {
		t.Fatalf("e.Next() = (%v, %v), want (%v, true)", next, ok, epoch.Add(3*time.Second))
	}
	if got := e.Len(); got != 1 {
		t.Fatalf("e.Len() = %d, want 1", got)
	}
}

func TestEngine_Cancel(t *testing.T) {
	t.Parallel()

	clock := timer.NewVirtualClock(epoch)
	e := timer.New[int](clock)
	h1 := e.After(time.Second, 1)
	h2 := e.After(time.Second, 2)
	h3 := e.After(2*time.Second, 3)

	if !e.Cancel(h2) {
		t.Fatal("e.Cancel(h2) = false, want true")
	}
	if e.Cancel(h2) {
		t.Fatal("second e.Cancel(h2) = true, want false")
	}
	if e.Cancel(timer.Handle{}) {
		t.Fatal("e.Cancel(zero handle) = true, want false")
	}

	if got, want := e.Poll(clock.Advance(5*time.Second)), []int{1, 3}; !slices.Equal(got, want) {
		t.Fatalf("e.Poll(+5s) = %v, want %v", got, want)
	}
	if e.Cancel(h1) || e.Cancel(h3) {
		t.Fatal("e.Cancel(fired handle) = true, want false")
	}
	if _, ok := e.Next(); ok {
		t.Fatal("e.Next() ok = true on empty engine, want false")
	}
}

func TestDrive(t *testing.T) {
	t.Parallel()

	clock := timer.NewVirtualClock(epoch)
	e := timer.New[time.Duration](clock)

	// Each fire reschedules itself with the doubled interval, like a retransmit timer.
	var fired []time.Duration
	var fire func(d time.Duration)
	fire = func(d time.Duration) {
		fired = append(fired, clock.Now().Sub(epoch))
		e.After(2*d, 2*d)
	}
	e.After(500*time.Millisecond, 500*time.Millisecond)

	timer.Drive(e, clock, epoch.Add(8*time.Second), fire)

	want := []time.Duration{500 * time.Millisecond, 1500 * time.Millisecond, 3500 * time.Millisecond, 7500 * time.Millisecond}
	if diff := cmp.Diff(fired, want); diff != "" {
		t.Fatalf("fire times mismatch (-got +want):\n%v", diff)
	}
	if got := clock.Now(); !got.Equal(epoch.Add(8 * time.Second)) {
		t.Fatalf("clock.Now() = %v, want %v", got, epoch.Add(8*time.Second))
	}
	if got := e.Len(); got != 1 {
		t.Fatalf("e.Len() = %d, want 1", got)
	}
}

func TestEngine_Run(t *testing.T) {
	t.Parallel()

	e := timer.New[int](nil)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	var (
		mu  sync.Mutex
		got []int
	)
	done := make(chan error, 1)
	go func() {
		done <- e.Run(ctx, func(v int) {
			mu.Lock()
			got = append(got, v)
			n := len(got)
			mu.Unlock()
			if n == 3 {
				cancel()
			}
		})
	}()

	e.After(30*time.Millisecond, 3)
	e.After(10*time.Millisecond, 1)
	h := e.After(15*time.Millisecond, 100)
	e.After(20*time.Millisecond, 2)
	e.Cancel(h)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("e.Run did not return in time")
	}

	mu.Lock()
	defer mu.Unlock()
	if want := []int{1, 2, 3}; !slices.Equal(got, want) {
		t.Fatalf("fired = %v, want %v", got, want)
	}
}
