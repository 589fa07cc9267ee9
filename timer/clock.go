package timer

import (
	"sync"
	"time"
)

// Clock is the source of time for an [Engine].
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a clock that reads the system time.
func SystemClock() Clock { return systemClock{} }

// VirtualClock is a manually driven clock.
// It only moves when [VirtualClock.Set] or [VirtualClock.Advance] is called.
type VirtualClock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewVirtualClock creates a new virtual clock starting at start.
func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{now: start}
}

func (c *VirtualClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Set moves the clock to t. Moving backwards is ignored.
func (c *VirtualClock) Set(t time.Time) {
	c.mu.Lock()
	if t.After(c.now) {
		c.now = t
	}
	c.mu.Unlock()
}

// Advance moves the clock forward by d and returns the new time.
func (c *VirtualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.now = c.now.Add(d)
	}
	return c.now
}
