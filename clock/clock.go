package clock

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is the tick period used when none is configured.
const DefaultInterval = time.Millisecond

// Clock is a process-wide logical clock. A single writer advances the tick
// counter; readers load it atomically and never block. Each tick also closes
// a broadcast channel so goroutines parked outside guest code (suspended host
// calls) can wake and re-check their deadlines.
type Clock struct {
	notify   atomic.Pointer[chan struct{}]
	stop     chan struct{}
	done     chan struct{}
	tick     atomic.Uint64
	interval time.Duration
	stopOnce sync.Once
}

// New starts a clock ticking every interval.
func New(interval time.Duration) *Clock {
	c := NewManual(interval)
	c.done = make(chan struct{})
	go c.run()
	return c
}

// NewManual returns a clock that only advances through Advance. The interval
// is still used to convert timeouts into ticks.
func NewManual(interval time.Duration) *Clock {
	if interval <= 0 {
		interval = DefaultInterval
	}
	c := &Clock{
		interval: interval,
		stop:     make(chan struct{}),
	}
	ch := make(chan struct{})
	c.notify.Store(&ch)
	return c
}

func (c *Clock) run() {
	defer close(c.done)
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			c.Advance()
		}
	}
}

// Now returns the current tick.
func (c *Clock) Now() uint64 {
	return c.tick.Load()
}

// Interval returns the tick period.
func (c *Clock) Interval() time.Duration {
	return c.interval
}

// Ticks converts d to a tick count, rounding up.
func (c *Clock) Ticks(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	n := uint64(d / c.interval)
	if d%c.interval != 0 {
		n++
	}
	return n
}

// DeadlineAfter returns Now() + ceil(d / interval).
func (c *Clock) DeadlineAfter(d time.Duration) uint64 {
	return c.Now() + c.Ticks(d)
}

// Passed reports whether the deadline has passed.
func (c *Clock) Passed(deadline uint64) bool {
	return c.Now() > deadline
}

// Changed returns a channel closed at the next tick.
func (c *Clock) Changed() <-chan struct{} {
	return *c.notify.Load()
}

// Advance moves the clock forward one tick and wakes waiters.
// Only the clock goroutine (or a test driving a manual clock) calls it.
func (c *Clock) Advance() {
	c.tick.Add(1)
	next := make(chan struct{})
	prev := c.notify.Swap(&next)
	close(*prev)
}

// Stop halts a running clock. Ticks stop advancing; Now keeps returning the
// last value. Safe to call more than once.
func (c *Clock) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
		if c.done != nil {
			<-c.done
		}
	})
}
