// Package fakeclock provides a controllable Clock implementation for testing.
package fakeclock

import (
	"sync"
	"time"

	"github.com/recstack/rec/internal/ports"
)

// Clock is a fake clock that advances only when told to, so backoff, TTL,
// and idle-timeout tests are deterministic.
type Clock struct {
	mu      sync.Mutex
	current time.Time
	waiters []waiter
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// New creates a new fake clock initialized to the given time.
func New(initial time.Time) *Clock {
	return &Clock{current: initial}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that fires once Advance crosses the deadline.
func (c *Clock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	deadline := c.current.Add(d)

	if !c.current.Before(deadline) {
		ch <- c.current
		return ch
	}

	c.waiters = append(c.waiters, waiter{deadline: deadline, ch: ch})
	return ch
}

// NewTicker returns a fake ticker bound to this clock.
func (c *Clock) NewTicker(d time.Duration) ports.Ticker {
	return &fakeTicker{clock: c, interval: d, ch: make(chan time.Time, 1)}
}

// Advance moves the clock forward by d, firing any waiters whose deadline
// has passed.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	now := c.current

	var remaining []waiter
	for _, w := range c.waiters {
		if !now.Before(w.deadline) {
			select {
			case w.ch <- now:
			default:
			}
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
	c.mu.Unlock()
}

// Set sets the clock to a specific time.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
}

type fakeTicker struct {
	clock    *Clock
	interval time.Duration
	ch       chan time.Time
	stopped  bool
	mu       sync.Mutex
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

// Tick manually delivers a tick, used by tests driving the reaper loop.
func (t *fakeTicker) Tick() {
	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()

	if !stopped {
		select {
		case t.ch <- t.clock.Now():
		default:
		}
	}
}

var _ ports.Clock = (*Clock)(nil)
