package core

import (
	"sync"
	"time"
)

// Clock abstracts wall-clock access so the playback position timer is
// deterministic under test. Handlers never read time.Now directly.
type Clock interface {
	Now() time.Time
	// Tick returns a channel that delivers at roughly the given period.
	// The returned stop function releases the ticker.
	Tick(d time.Duration) (<-chan time.Time, func())
}

// RealClock is the production clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) Tick(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// ManualClock is a test clock advanced explicitly.
type ManualClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []chan time.Time
}

// NewManualClock starts a manual clock at the given instant.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Tick(time.Duration) (<-chan time.Time, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 16)
	c.tickers = append(c.tickers, ch)
	return ch, func() {}
}

// Advance moves the clock forward and fires every registered ticker once.
// Callers that expect multiple ticks advance in steps.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	tickers := append([]chan time.Time(nil), c.tickers...)
	c.mu.Unlock()

	for _, ch := range tickers {
		select {
		case ch <- now:
		default:
		}
	}
}
