// Package timer implements a min-heap timer engine with an injectable clock.
//
// The engine never reads the system clock by itself: deadlines are computed
// from its [Clock], and due entries are handed out by [Engine.Poll].
// [Engine.Run] drives the engine in real time, [Drive] steps a [VirtualClock]
// through the scheduled deadlines for tests.
package timer

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

type entry[T any] struct {
	deadline time.Time
	seq      uint64
	payload  T
	index    int
}

type entryHeap[T any] []*entry[T]

func (h entryHeap[T]) Len() int { return len(h) }

func (h entryHeap[T]) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h entryHeap[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap[T]) Push(x any) {
	e := x.(*entry[T]) //nolint:forcetypeassert
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap[T]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Handle identifies a scheduled entry.
// The zero Handle refers to nothing and cancelling it is a no-op.
type Handle struct {
	ptr any
}

// IsZero reports whether the handle refers to nothing.
func (h Handle) IsZero() bool { return h.ptr == nil }

// Engine is a min-heap of payloads keyed by absolute deadline.
// Entries with equal deadlines are returned in schedule order.
// Engine is safe for concurrent use.
type Engine[T any] struct {
	clock Clock

	mu   sync.Mutex
	heap entryHeap[T]
	seq  uint64
	wake chan struct{}
}

// New creates a new engine reading time from the clock.
// Nil clock means [SystemClock].
func New[T any](clock Clock) *Engine[T] {
	if clock == nil {
		clock = SystemClock()
	}
	return &Engine[T]{
		clock: clock,
		wake:  make(chan struct{}, 1),
	}
}

// Now returns the current time of the engine clock.
func (e *Engine[T]) Now() time.Time { return e.clock.Now() }

// Schedule adds the payload to be due at the deadline.
func (e *Engine[T]) Schedule(deadline time.Time, payload T) Handle {
	e.mu.Lock()
	e.seq++
	ent := &entry[T]{deadline: deadline, seq: e.seq, payload: payload}
	heap.Push(&e.heap, ent)
	top := e.heap[0] == ent
	e.mu.Unlock()

	if top {
		select {
		case e.wake <- struct{}{}:
		default:
		}
	}
	return Handle{ent}
}

// After adds the payload to be due after d from now.
func (e *Engine[T]) After(d time.Duration, payload T) Handle {
	return e.Schedule(e.clock.Now().Add(d), payload)
}

// Cancel removes the entry from the engine.
// It returns false if the entry has already been returned by [Engine.Poll] or cancelled.
func (e *Engine[T]) Cancel(h Handle) bool {
	ent, ok := h.ptr.(*entry[T])
	if !ok || ent == nil {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if ent.index < 0 || ent.index >= len(e.heap) || e.heap[ent.index] != ent {
		return false
	}
	heap.Remove(&e.heap, ent.index)
	return true
}

// Poll removes and returns the payloads of all entries due at now,
// in deadline order. It never blocks.
func (e *Engine[T]) Poll(now time.Time) []T {
	e.mu.Lock()
	defer e.mu.Unlock()

	var due []T
	for len(e.heap) > 0 && !e.heap[0].deadline.After(now) {
		ent := heap.Pop(&e.heap).(*entry[T]) //nolint:forcetypeassert
		due = append(due, ent.payload)
	}
	return due
}

// Next returns the earliest deadline.
// The second result is false if the engine is empty.
func (e *Engine[T]) Next() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.heap) == 0 {
		return time.Time{}, false
	}
	return e.heap[0].deadline, true
}

// Len returns the number of scheduled entries.
func (e *Engine[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.heap)
}

// Run calls fire for every due payload until the context is done.
// Waiting between deadlines uses real time, so Run is meant for the system clock.
// Payloads are fired sequentially on the calling goroutine without holding the engine lock.
func (e *Engine[T]) Run(ctx context.Context, fire func(T)) error {
	tmr := time.NewTimer(time.Hour)
	defer tmr.Stop()

	for {
		for _, p := range e.Poll(e.clock.Now()) {
			fire(p)
		}

		var wait <-chan time.Time
		if next, ok := e.Next(); ok {
			d := next.Sub(e.clock.Now())
			if d <= 0 {
				continue
			}
			tmr.Reset(d)
			wait = tmr.C
		}

		select {
		case <-ctx.Done():
			return ctx.Err() //errtrace:skip
		case <-e.wake:
		case <-wait:
		}
		tmr.Stop()
	}
}

// Drive steps the virtual clock through every deadline up to until and fires due payloads.
// Entries scheduled by fired payloads are honoured if they fall within until.
// The clock ends at until.
func Drive[T any](e *Engine[T], c *VirtualClock, until time.Time, fire func(T)) {
	for {
		next, ok := e.Next()
		if !ok || next.After(until) {
			break
		}
		c.Set(next)
		for _, p := range e.Poll(c.Now()) {
			fire(p)
		}
	}
	c.Set(until)
}
