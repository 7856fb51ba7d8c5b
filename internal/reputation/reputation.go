// Package reputation maintains a per-country decaying bot-rate baseline
// used to gate a geo-reputation contribution.
package reputation

import (
	"strings"
	"sync"
	"time"

	"github.com/kestrelsec/botwave/internal/decay"
)

type countryEntry struct {
	mu    sync.Mutex
	total decay.Counter
	bots  decay.Counter
}

// Options tunes the tracker's decay rate and sampling floor.
type Options struct {
	DecayTau      time.Duration
	MinSampleSize int
}

// Tracker is a process-wide singleton owned by the Engine. Safe for
// concurrent use; each country is guarded by its own lock.
type Tracker struct {
	opts Options

	mu        sync.RWMutex
	countries map[string]*countryEntry
}

// New constructs a Tracker. DecayTau default is deliberately enormous
// (100000 hours) so the baseline behaves as an effectively-permanent
// running average unless configured otherwise.
func New(opts Options) *Tracker {
	if opts.DecayTau <= 0 {
		opts.DecayTau = 100000 * time.Hour
	}
	if opts.MinSampleSize <= 0 {
		opts.MinSampleSize = 5
	}
	return &Tracker{opts: opts, countries: make(map[string]*countryEntry)}
}

func normalizeCountry(country string) string {
	return strings.ToUpper(strings.TrimSpace(country))
}

func (t *Tracker) entry(country string) *countryEntry {
	t.mu.RLock()
	e, ok := t.countries[country]
	t.mu.RUnlock()
	if ok {
		return e
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.countries[country]; ok {
		return e
	}
	e = &countryEntry{}
	t.countries[country] = e
	return e
}

// RecordDetection folds one classified request's outcome into country's
// baseline at the caller-supplied wall-clock time. name is accepted for
// parity with the detector call site but unused by the baseline itself
// (every detector's verdict contributes equally to the country rate).
func (t *Tracker) RecordDetection(country, name string, isBot bool, confidence float64, now time.Time) {
	country = normalizeCountry(country)
	if country == "" {
		return
	}
	e := t.entry(country)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.total = e.total.IncrementWithDecay(1, now, t.opts.DecayTau)
	if isBot {
		e.bots = e.bots.IncrementWithDecay(1, now, t.opts.DecayTau)
	}
}

// GetCountryBotRate returns (rate, true) once the country has accumulated
// at least MinSampleSize decayed samples at now, else (0, false).
func (t *Tracker) GetCountryBotRate(country string, now time.Time) (float64, bool) {
	country = normalizeCountry(country)
	t.mu.RLock()
	e, ok := t.countries[country]
	t.mu.RUnlock()
	if !ok {
		return 0, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	total := e.total.Decayed(now, t.opts.DecayTau)
	if total < float64(t.opts.MinSampleSize) {
		return 0, false
	}
	bots := e.bots.Decayed(now, t.opts.DecayTau)
	return bots / total, true
}
