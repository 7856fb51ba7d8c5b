// Package decay implements scalar counters with exponential half-life decay,
// the primitive every time-weighted behavioral metric in the engine is built
// from.
package decay

import (
	"math"
	"time"
)

// Counter is a value that exponentially decays toward zero with a
// configurable half-life. Zero value is a valid, zeroed counter.
type Counter struct {
	value      float64
	lastUpdate time.Time
}

// NewCounter creates a counter seeded with an initial value at now.
func NewCounter(value float64, now time.Time) Counter {
	return Counter{value: value, lastUpdate: now}
}

// Value returns the counter's raw, undecayed value (for snapshotting).
func (c Counter) Value() float64 { return c.value }

// LastUpdate returns the last time the counter was written.
func (c Counter) LastUpdate() time.Time { return c.lastUpdate }

// Decayed returns the counter's value decayed to now given half-life hl.
// Decayed(now, hl) = value * 0.5^(Δ/hl) for Δ ≥ 0 and hl > 0; returns the raw
// value otherwise.
func (c Counter) Decayed(now time.Time, hl time.Duration) float64 {
	delta := now.Sub(c.lastUpdate)
	if delta < 0 || hl <= 0 {
		return c.value
	}
	exponent := delta.Seconds() / hl.Seconds()
	return c.value * math.Pow(0.5, exponent)
}

// IncrementWithDecay decays the counter to now, adds x, and returns the new
// counter state.
func (c Counter) IncrementWithDecay(x float64, now time.Time, hl time.Duration) Counter {
	return Counter{value: c.Decayed(now, hl) + x, lastUpdate: now}
}

// MergeFrom decays both counters to now and sums them.
func (c Counter) MergeFrom(other Counter, now time.Time, hl time.Duration) Counter {
	return Counter{value: c.Decayed(now, hl) + other.Decayed(now, hl), lastUpdate: now}
}
