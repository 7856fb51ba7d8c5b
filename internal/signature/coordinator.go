package signature

import (
	"math"
	"sync"
	"time"

	"github.com/kestrelsec/botwave/internal/pathnorm"
)

// Record is one request attributed to a signature. Owned exclusively by
// Coordinator; immutable once appended.
type Record struct {
	RequestID      string
	Timestamp      time.Time
	RawPath        string
	NormalizedPath string
	BotProbability float64
	DetectorsRan   []string
	Signals        map[string]float64
	CountryCode    string
	ASN            string
	IsDatacenter   bool
}

// AggregateBehavior is derived on demand from a signature's surviving
// record window.
type AggregateBehavior struct {
	RequestCount      int
	FirstSeen         time.Time
	LastSeen          time.Time
	AverageInterval   float64
	TimingCoefficient float64
	PathEntropy       float64
	AverageBotProb    float64
	AberrationScore   float64
	IsAberrant        bool
}

type behaviorEntry struct {
	mu        sync.Mutex
	records   []Record
	cap       int
	firstSeen time.Time
	lastSeen  time.Time
}

// Coordinator is the per-signature store of request records and derived
// aggregate behavior. Safe for concurrent use; intended as an
// Engine-owned, process-wide singleton.
type Coordinator struct {
	mu        sync.RWMutex
	entries   map[string]*behaviorEntry
	recordCap int
	ttl       time.Duration
}

// NewCoordinator creates a Coordinator with the given per-signature record
// cap (default 200 if ≤0) and signature TTL (default 30 minutes if ≤0).
func NewCoordinator(recordCap int, ttl time.Duration) *Coordinator {
	if recordCap <= 0 {
		recordCap = 200
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Coordinator{entries: make(map[string]*behaviorEntry), recordCap: recordCap, ttl: ttl}
}

func (c *Coordinator) entry(sig string) *behaviorEntry {
	c.mu.RLock()
	e, ok := c.entries[sig]
	c.mu.RUnlock()
	if ok {
		return e
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[sig]; ok {
		return e
	}
	e = &behaviorEntry{cap: c.recordCap}
	c.entries[sig] = e
	return e
}

// RecordRequest appends a record for sig, evicting the oldest on overflow.
func (c *Coordinator) RecordRequest(sig string, rec Record) {
	rec.NormalizedPath = pathnorm.Normalize(rec.RawPath)
	e := c.entry(sig)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.firstSeen.IsZero() {
		e.firstSeen = rec.Timestamp
	}
	e.lastSeen = rec.Timestamp
	e.records = append(e.records, rec)
	if len(e.records) > e.cap {
		e.records = e.records[len(e.records)-e.cap:]
	}
}

// GetBehavior computes the AggregateBehavior for a signature. Returns
// (zero, false) if the signature is unknown or has been purged.
func (c *Coordinator) GetBehavior(sig string) (AggregateBehavior, bool) {
	c.mu.RLock()
	e, ok := c.entries[sig]
	c.mu.RUnlock()
	if !ok {
		return AggregateBehavior{}, false
	}

	e.mu.Lock()
	records := make([]Record, len(e.records))
	copy(records, e.records)
	firstSeen, lastSeen := e.firstSeen, e.lastSeen
	e.mu.Unlock()

	if len(records) == 0 {
		return AggregateBehavior{}, false
	}

	return computeBehavior(records, firstSeen, lastSeen), true
}

func computeBehavior(records []Record, firstSeen, lastSeen time.Time) AggregateBehavior {
	n := len(records)

	intervals := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		d := records[i].Timestamp.Sub(records[i-1].Timestamp).Seconds()
		if d < 0 {
			d = 0
		}
		intervals = append(intervals, d)
	}

	avgInterval := 0.0
	for _, iv := range intervals {
		avgInterval += iv
	}
	if len(intervals) > 0 {
		avgInterval /= float64(len(intervals))
	}

	timingCoeff := 0.0
	if len(intervals) >= 2 {
		timingCoeff = stddev(intervals) / math.Max(avgInterval, 1e-9)
	}

	pathCounts := make(map[string]int, n)
	avgBotProb := 0.0
	for _, r := range records {
		pathCounts[r.NormalizedPath]++
		avgBotProb += r.BotProbability
	}
	avgBotProb /= float64(n)

	dist := make(map[string]float64, len(pathCounts))
	for p, count := range pathCounts {
		dist[p] = float64(count) / float64(n)
	}
	pathEntropy := shannonEntropy(dist)

	maxEntropy := math.Log2(float64(len(pathCounts)))
	entropyRatio := 0.0
	if maxEntropy > 0 {
		entropyRatio = pathEntropy / maxEntropy
	}

	timingComponent := math.Min(timingCoeff, 1)
	aberration := (timingComponent + (1 - entropyRatio) + avgBotProb) / 3.0

	return AggregateBehavior{
		RequestCount:      n,
		FirstSeen:         firstSeen,
		LastSeen:          lastSeen,
		AverageInterval:   avgInterval,
		TimingCoefficient: timingCoeff,
		PathEntropy:       pathEntropy,
		AverageBotProb:    avgBotProb,
		AberrationScore:   aberration,
		IsAberrant:        aberration > 0.7,
	}
}

func stddev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))

	variance := 0.0
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	variance /= float64(len(xs))
	return math.Sqrt(variance)
}

func shannonEntropy(dist map[string]float64) float64 {
	entropy := 0.0
	for _, p := range dist {
		if p <= 0 {
			continue
		}
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// Intervals returns the inter-arrival intervals (seconds) of a signature's
// surviving record window, for spectral feature extraction.
func (c *Coordinator) Intervals(sig string) []float64 {
	c.mu.RLock()
	e, ok := c.entries[sig]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.records) < 2 {
		return nil
	}
	intervals := make([]float64, 0, len(e.records)-1)
	for i := 1; i < len(e.records); i++ {
		intervals = append(intervals, e.records[i].Timestamp.Sub(e.records[i-1].Timestamp).Seconds())
	}
	return intervals
}

// RequestCount returns the number of records currently held for sig.
func (c *Coordinator) RequestCount(sig string) int {
	c.mu.RLock()
	e, ok := c.entries[sig]
	c.mu.RUnlock()
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.records)
}

// Purge removes signatures inactive for longer than the coordinator's TTL,
// returning the number purged.
func (c *Coordinator) Purge(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	purged := 0
	for sig, e := range c.entries {
		e.mu.Lock()
		stale := now.Sub(e.lastSeen) > c.ttl
		e.mu.Unlock()
		if stale {
			delete(c.entries, sig)
			purged++
		}
	}
	return purged
}

// RecentRecords returns up to the last n records for a signature, oldest
// first, used by detectors that need recent path/country history beyond
// the derived AggregateBehavior summary.
func (c *Coordinator) RecentRecords(sig string, n int) []Record {
	c.mu.RLock()
	e, ok := c.entries[sig]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if n <= 0 || n > len(e.records) {
		n = len(e.records)
	}
	start := len(e.records) - n
	out := make([]Record, n)
	copy(out, e.records[start:])
	return out
}

// Signatures returns every currently tracked signature id, used by
// BotClusterService to build feature vectors.
func (c *Coordinator) Signatures() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.entries))
	for sig := range c.entries {
		out = append(out, sig)
	}
	return out
}
