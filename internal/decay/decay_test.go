package decay

import (
	"math"
	"testing"
	"time"
)

func TestDecayedHalfLife(t *testing.T) {
	now := time.Now()
	hl := 10 * time.Minute
	c := NewCounter(100, now)
	got := c.Decayed(now.Add(hl), hl)
	want := 50.0
	if math.Abs(got-want) > 1e-6 {
		t.Errorf("Decayed after one half-life = %v, want %v", got, want)
	}
}

func TestDecayedNonPositiveHalfLifeShortCircuits(t *testing.T) {
	now := time.Now()
	c := NewCounter(42, now)
	if got := c.Decayed(now.Add(time.Hour), 0); got != 42 {
		t.Errorf("Decayed with hl=0 = %v, want 42", got)
	}
	if got := c.Decayed(now.Add(-time.Hour), time.Minute); got != 42 {
		t.Errorf("Decayed with negative delta = %v, want 42", got)
	}
}

func TestIncrementWithDecay(t *testing.T) {
	now := time.Now()
	hl := time.Minute
	c := NewCounter(10, now)
	c = c.IncrementWithDecay(5, now.Add(hl), hl)
	want := 10*0.5 + 5
	if math.Abs(c.Value()-want) > 1e-6 {
		t.Errorf("IncrementWithDecay value = %v, want %v", c.Value(), want)
	}
}

func TestMergeFrom(t *testing.T) {
	now := time.Now()
	hl := time.Minute
	a := NewCounter(10, now)
	b := NewCounter(20, now)
	merged := a.MergeFrom(b, now, hl)
	if math.Abs(merged.Value()-30) > 1e-6 {
		t.Errorf("MergeFrom value = %v, want 30", merged.Value())
	}
}
