/**
 * @description
 * Injectable time source for the stream ledger. Accrual math multiplies flow rates
 * by elapsed wall time, so every component that reads "now" takes a Clock instead of
 * calling time.Now directly. Production wiring uses SystemClock; tests use FakeClock
 * and advance it manually so per-second accrual is deterministic without sleeping.
 */
package clock

import (
	"sync"
	"time"
)

// Clock is the time source consumed by the ledger and the projector.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// System returns the production clock.
func System() Clock {
	return SystemClock{}
}

// FakeClock is a manually advanced clock for tests.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a FakeClock pinned to the given instant.
func NewFake(start time.Time) *FakeClock {
	return &FakeClock{now: start.UTC()}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// SetNow pins the clock to a specific instant.
func (c *FakeClock) SetNow(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}
