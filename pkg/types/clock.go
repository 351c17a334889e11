package types

import (
	"sync"
	"time"
)

// Clock abstracts the engine's time source so the same pipeline runs under a
// simulated backtest clock and the wall clock.
type Clock interface {
	Now() time.Time
}

// RealClock reads the wall clock in UTC.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }

// SimClock is a settable clock advanced by the engine once per backtest
// tick. Safe for concurrent reads from loggers and the background writer.
type SimClock struct {
	mu sync.RWMutex
	t  time.Time
}

// NewSimClock returns a SimClock positioned at start.
func NewSimClock(start time.Time) *SimClock {
	return &SimClock{t: start}
}

func (c *SimClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.t
}

// Set advances the clock to t.
func (c *SimClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}
