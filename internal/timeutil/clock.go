// Package timeutil abstracts the wall clock so periodic loops can be driven
// deterministically in tests.
package timeutil

import (
	"sync"
	"time"
)

// Clock is the subset of the time package used by the relay's loops.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After waits for the duration to elapse and then sends the current time.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a ticker that fires every d.
	NewTicker(d time.Duration) Ticker
}

// Ticker holds a channel that delivers ticks at intervals.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// RealClock implements Clock using the standard time package.
type RealClock struct{}

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// NewTicker returns a ticker backed by time.Ticker.
func (RealClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{ticker: time.NewTicker(d)}
}

type realTicker struct {
	ticker *time.Ticker
}

func (t *realTicker) C() <-chan time.Time { return t.ticker.C }
func (t *realTicker) Stop()               { t.ticker.Stop() }

// MockClock is a manually advanced clock. Timers created with After and
// tickers created with NewTicker fire only from Advance.
type MockClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*mockWaiter
}

type mockWaiter struct {
	ch       chan time.Time
	deadline time.Time
	interval time.Duration // zero for one-shot timers
	stopped  bool
}

func (w *mockWaiter) C() <-chan time.Time { return w.ch }

// NewMockClock creates a MockClock set to t.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

// Now returns the mocked current time.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set jumps the clock to t without firing anything.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// After returns a channel that receives once the clock has been advanced past d.
func (c *MockClock) After(d time.Duration) <-chan time.Time {
	return c.add(d, 0).ch
}

// NewTicker returns a ticker that fires on every Advance crossing its period.
func (c *MockClock) NewTicker(d time.Duration) Ticker {
	return &mockTicker{clock: c, w: c.add(d, d)}
}

func (c *MockClock) add(d, interval time.Duration) *mockWaiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &mockWaiter{
		ch:       make(chan time.Time, 1),
		deadline: c.now.Add(d),
		interval: interval,
	}
	c.waiters = append(c.waiters, w)
	return w
}

// Pending reports how many timers and tickers are armed. Tests use it to wait
// until a goroutine is parked on the clock before advancing it.
func (c *MockClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// Advance moves the clock forward and fires every expired timer and ticker.
// Ticks are dropped, like time.Ticker, when the receiver is not keeping up.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if w.stopped {
			continue
		}
		if now.Before(w.deadline) {
			kept = append(kept, w)
			continue
		}
		select {
		case w.ch <- now:
		default:
		}
		if w.interval > 0 {
			w.deadline = now.Add(w.interval)
			kept = append(kept, w)
		}
	}
	c.waiters = kept
	c.mu.Unlock()
}

type mockTicker struct {
	clock *MockClock
	w     *mockWaiter
}

func (t *mockTicker) C() <-chan time.Time { return t.w.ch }

func (t *mockTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.w.stopped = true
}
