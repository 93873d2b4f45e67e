// Package clock provides the monotonic time source used to measure how long
// an acquisition took.
package clock

import (
	"errors"
	"sync"
	"time"
)

// ErrNonMonotonic is returned when a clock reading goes backwards.
var ErrNonMonotonic = errors.New("clock: non-monotonic time source")

// Clock returns the time elapsed since an arbitrary fixed epoch. Readings
// must never decrease.
type Clock interface {
	Now() time.Duration
}

type system struct {
	epoch time.Time
}

// System returns a Clock backed by the runtime's monotonic clock. Wall clock
// adjustments do not affect it.
func System() Clock {
	return system{epoch: time.Now()}
}

func (s system) Now() time.Duration { return time.Since(s.epoch) }

// Guarded wraps a Clock and refuses to report a negative elapsed time.
type Guarded struct {
	c Clock
}

// Guard returns c wrapped in a Guarded clock.
func Guard(c Clock) *Guarded {
	if g, ok := c.(*Guarded); ok {
		return g
	}
	return &Guarded{c: c}
}

// Now implements Clock.
func (g *Guarded) Now() time.Duration { return g.c.Now() }

// Since returns the time elapsed since start, or ErrNonMonotonic if the
// underlying clock went backwards.
func (g *Guarded) Since(start time.Duration) (time.Duration, error) {
	now := g.c.Now()
	if now < start {
		return 0, ErrNonMonotonic
	}
	return now - start, nil
}

// Manual is a Clock under test control. Every read advances it by Step,
// which lets tests model time spent talking to nodes.
type Manual struct {
	mu   sync.Mutex
	now  time.Duration
	step time.Duration
}

// NewManual returns a Manual clock reading start.
func NewManual(start time.Duration) *Manual {
	return &Manual{now: start}
}

// Now implements Clock.
func (m *Manual) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now
	m.now += m.step
	return now
}

// Advance moves the clock forward (or backward, for negative d).
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now += d
	m.mu.Unlock()
}

// Set moves the clock to an absolute reading.
func (m *Manual) Set(d time.Duration) {
	m.mu.Lock()
	m.now = d
	m.mu.Unlock()
}

// SetStep sets the amount the clock advances on each read. A negative step
// simulates a broken time source.
func (m *Manual) SetStep(d time.Duration) {
	m.mu.Lock()
	m.step = d
	m.mu.Unlock()
}
