// Package clock implements the per-color countdown timer. All arithmetic is
// integer milliseconds; the authoritative remaining value is derived from
// wall-clock deltas rather than accumulated ticks.
package clock

import (
	"sync"
	"time"
)

type Clock struct {
	mu          sync.Mutex
	remainingMs int64
	incrementMs int64
	running     bool
	startedAt   time.Time
	now         func() time.Time
}

func New(initialMs, incrementMs int64) *Clock {
	return &Clock{remainingMs: initialMs, incrementMs: incrementMs, now: time.Now}
}

// SetNow replaces the time source. Test hook.
func (c *Clock) SetNow(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Start begins decrementing. No-op if already running.
func (c *Clock) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.startedAt = c.now()
}

// Stop freezes the clock and returns elapsed milliseconds since Start. The
// caller credits the elapsed time via ApplyElapsed.
func (c *Clock) Stop() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return 0
	}
	c.running = false
	return c.now().Sub(c.startedAt).Milliseconds()
}

// ApplyElapsed deducts elapsed time, flooring at zero. Returns true when the
// clock has expired.
func (c *Clock) ApplyElapsed(elapsedMs int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remainingMs -= elapsedMs
	if c.remainingMs <= 0 {
		c.remainingMs = 0
		return true
	}
	return false
}

// ApplyIncrement credits the per-move increment. Called strictly after
// ApplyElapsed and only for completed moves.
func (c *Clock) ApplyIncrement() {
	c.mu.Lock()
	c.remainingMs += c.incrementMs
	c.mu.Unlock()
}

// RemainingMs returns the authoritative remaining time, accounting for the
// in-flight elapsed span when running.
func (c *Clock) RemainingMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.remainingMs
	if c.running {
		r -= c.now().Sub(c.startedAt).Milliseconds()
	}
	if r < 0 {
		r = 0
	}
	return r
}

// Running reports whether the clock is counting down.
func (c *Clock) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// IncrementMs returns the configured per-move increment.
func (c *Clock) IncrementMs() int64 {
	return c.incrementMs
}
