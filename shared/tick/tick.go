// Package tick defines the fixed-timestep time base shared by the server loop,
// client prediction and the replication protocol. All protocol logic runs in
// tick-space, never wall-clock time.
package tick

import (
	"context"
	"sync/atomic"
	"time"
)

// Tick identifies one fixed-timestep simulation step.
type Tick uint64

// Next returns the tick after t.
func (t Tick) Next() Tick {
	return t + 1
}

// Since returns how many ticks t is ahead of other, or 0 if it is not.
func (t Tick) Since(other Tick) uint64 {
	if t <= other {
		return 0
	}
	return uint64(t - other)
}

// Hz returns the duration of one tick at rate ticks per second.
func Hz(rate int) time.Duration {
	if rate <= 0 {
		rate = 1
	}
	return time.Second / time.Duration(rate)
}

// Clock is a fixed-rate tick source. The tick counter may be read from any
// goroutine; the callback passed to Run is always invoked from the goroutine
// that called Run, which makes it the simulation goroutine.
type Clock struct {
	rate    int
	current atomic.Uint64
}

// NewClock creates a clock at rate ticks per second starting at start.
func NewClock(rate int, start Tick) *Clock {
	c := &Clock{rate: rate}
	c.current.Store(uint64(start))
	return c
}

// Rate returns the configured ticks per second.
func (c *Clock) Rate() int {
	return c.rate
}

// Interval returns the duration of one tick.
func (c *Clock) Interval() time.Duration {
	return Hz(c.rate)
}

// Current returns the last tick produced.
func (c *Clock) Current() Tick {
	return Tick(c.current.Load())
}

// Set moves the clock to t. Used by clients to align with the server.
func (c *Clock) Set(t Tick) {
	c.current.Store(uint64(t))
}

// Advance produces the next tick without waiting.
func (c *Clock) Advance() Tick {
	return Tick(c.current.Add(1))
}

// Run advances the clock once per interval and calls fn with each new tick
// until ctx is cancelled. A slow fn delays subsequent ticks but never runs
// concurrently with itself.
func (c *Clock) Run(ctx context.Context, fn func(Tick)) {
	ticker := time.NewTicker(c.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			fn(c.Advance())
		}
	}
}
