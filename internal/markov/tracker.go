package markov

import (
	"fmt"
	"sync"
	"time"

	"github.com/kestrelsec/botwave/internal/pathnorm"
)

// DriftSignals summarizes how a signature's recent transitions diverge from
// its cohort and global baselines. All fields except EntropyDelta and
// SequenceSurprise lie in [0,1].
type DriftSignals struct {
	SelfDrift         float64
	HumanDrift        float64
	TransitionNovelty float64
	EntropyDelta      float64
	LoopScore         float64
	SequenceSurprise  float64
}

// EmptyDriftSignals is the all-zero DriftSignals value returned for
// signatures below the drift-computation threshold or unknown entirely.
func EmptyDriftSignals() DriftSignals { return DriftSignals{} }

// DriftThresholds configures HasSignificantDrift.
type DriftThresholds struct {
	SelfDrift         float64
	HumanDrift        float64
	LoopScore         float64
	SequenceSurprise  float64
	TransitionNovelty float64
	EntropyDelta      float64
}

// HasSignificantDrift reports whether any configured drift dimension
// meets or exceeds its threshold.
func (t DriftThresholds) HasSignificantDrift(d DriftSignals) bool {
	return d.SelfDrift >= t.SelfDrift ||
		d.HumanDrift >= t.HumanDrift ||
		d.LoopScore >= t.LoopScore ||
		d.SequenceSurprise >= t.SequenceSurprise ||
		d.TransitionNovelty >= t.TransitionNovelty ||
		absf(d.EntropyDelta) >= t.EntropyDelta
}

func absf(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

type sigEntry struct {
	mu               sync.Mutex
	chain            *Matrix
	recent           *RecentBuffer
	lastPath         string
	hasLastPath      bool
	transitionsCount int
	lastSeen         time.Time
	isDatacenter     bool
	isReturning      bool
	clusterID        string
}

type cohortUpdate struct {
	cohortKey string
	from, to  string
}

// Options configures a Tracker's per-signature chains and drift sensitivity.
type Options struct {
	HalfLife               time.Duration
	MaxEdgesPerNode        int
	RecentBufferCapacity   int
	MinTransitionsForDrift int
	PendingQueueCapacity   int
	Thresholds             DriftThresholds
}

// Tracker owns every per-signature DecayingTransitionMatrix, the cohort and
// global baselines, and the pending-cohort-update queue. Safe for
// concurrent use; it is intended to be a process-wide singleton owned by the
// Engine.
type Tracker struct {
	opts Options

	mu           sync.RWMutex
	perSignature map[string]*sigEntry

	cohortMu sync.Mutex
	cohorts  map[string]*Matrix

	global *Matrix

	pendingMu      sync.Mutex
	pending        []cohortUpdate
	pendingDropped int64
}

// NewTracker constructs a Tracker with the given tuning options.
func NewTracker(opts Options) *Tracker {
	if opts.PendingQueueCapacity <= 0 {
		opts.PendingQueueCapacity = 10000
	}
	return &Tracker{
		opts:         opts,
		perSignature: make(map[string]*sigEntry),
		cohorts:      make(map[string]*Matrix),
		global:       NewMatrix(opts.HalfLife, opts.MaxEdgesPerNode),
	}
}

// CohortKey derives the cohort equivalence class for a signature.
func CohortKey(isDatacenter, isReturning bool, clusterID string) string {
	infra := "residential"
	if isDatacenter {
		infra = "datacenter"
	}
	visitor := "new"
	if isReturning {
		visitor = "returning"
	}
	key := fmt.Sprintf("%s-%s", infra, visitor)
	if clusterID != "" {
		key = fmt.Sprintf("%s:%s", key, clusterID)
	}
	return key
}

func (t *Tracker) entry(sig string) *sigEntry {
	t.mu.RLock()
	e, ok := t.perSignature[sig]
	t.mu.RUnlock()
	if ok {
		return e
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.perSignature[sig]; ok {
		return e
	}
	e = &sigEntry{
		chain:  NewMatrix(t.opts.HalfLife, t.opts.MaxEdgesPerNode),
		recent: NewRecentBuffer(t.opts.RecentBufferCapacity),
	}
	t.perSignature[sig] = e
	return e
}

func (t *Tracker) cohortBaseline(cohortKey string) *Matrix {
	t.cohortMu.Lock()
	defer t.cohortMu.Unlock()
	m, ok := t.cohorts[cohortKey]
	if !ok {
		m = NewMatrix(t.opts.HalfLife, t.opts.MaxEdgesPerNode)
		t.cohorts[cohortKey] = m
	}
	return m
}

// RecordTransition ingests one request's path for a signature, updating its
// per-signature chain, recent buffer, and (for human traffic) enqueuing a
// cohort/global baseline update. Returns DriftSignals once the signature has
// accumulated at least MinTransitionsForDrift transitions, Empty otherwise.
func (t *Tracker) RecordTransition(sig, rawPath string, now time.Time, isBot, isDatacenter, isReturning bool, clusterID string) DriftSignals {
	to := pathnorm.Normalize(rawPath)
	e := t.entry(sig)

	e.mu.Lock()
	e.isDatacenter = isDatacenter
	e.isReturning = isReturning
	e.clusterID = clusterID
	e.lastSeen = now
	e.chain.AddNode(to)

	var recorded bool
	var from string
	if e.hasLastPath && e.lastPath != to {
		from = e.lastPath
		e.chain.RecordTransition(from, to, now)
		e.recent.Add(Transition{From: from, To: to})
		e.transitionsCount++
		recorded = true
	}
	e.hasLastPath = true
	e.lastPath = to
	transitionsCount := e.transitionsCount
	cohortKey := CohortKey(e.isDatacenter, e.isReturning, e.clusterID)
	recent := e.recent
	chain := e.chain
	e.mu.Unlock()

	if recorded && !isBot {
		t.enqueueCohortUpdate(cohortUpdate{cohortKey: cohortKey, from: from, to: to})
	}

	if transitionsCount < t.opts.MinTransitionsForDrift {
		return EmptyDriftSignals()
	}
	return t.computeDrift(chain, recent, cohortKey, now)
}

func (t *Tracker) computeDrift(chain *Matrix, recent *RecentBuffer, cohortKey string, now time.Time) DriftSignals {
	cohort := t.cohortBaseline(cohortKey)
	selfAgg := chain.AggregateDistribution(now)
	globalAgg := t.global.AggregateDistribution(now)
	cohortAgg := cohort.AggregateDistribution(now)
	seq := recent.GetRecent()

	return DriftSignals{
		SelfDrift:         JensenShannonDivergence(selfAgg, globalAgg),
		HumanDrift:        JensenShannonDivergence(selfAgg, cohortAgg),
		TransitionNovelty: TransitionNovelty(seq, t.global, now),
		EntropyDelta:      chain.GetPathEntropy(now) - t.global.GetPathEntropy(now),
		LoopScore:         LoopScore(seq),
		SequenceSurprise:  AverageTransitionSurprise(seq, cohort, now),
	}
}

// GetDriftSignals recomputes DriftSignals for a signature without recording
// a new transition. Returns Empty for an unknown signature.
func (t *Tracker) GetDriftSignals(sig string, now time.Time) DriftSignals {
	t.mu.RLock()
	e, ok := t.perSignature[sig]
	t.mu.RUnlock()
	if !ok {
		return EmptyDriftSignals()
	}
	e.mu.Lock()
	if e.transitionsCount < t.opts.MinTransitionsForDrift {
		e.mu.Unlock()
		return EmptyDriftSignals()
	}
	chain := e.chain
	recent := e.recent
	cohortKey := CohortKey(e.isDatacenter, e.isReturning, e.clusterID)
	e.mu.Unlock()
	return t.computeDrift(chain, recent, cohortKey, now)
}

// HasSignificantDrift applies the tracker's configured thresholds.
func (t *Tracker) HasSignificantDrift(d DriftSignals) bool {
	return t.opts.Thresholds.HasSignificantDrift(d)
}

func (t *Tracker) enqueueCohortUpdate(u cohortUpdate) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	if len(t.pending) >= t.opts.PendingQueueCapacity {
		// Back-pressure: drop oldest rather than blocking the request path.
		t.pending = t.pending[1:]
		t.pendingDropped++
	}
	t.pending = append(t.pending, u)
}

// PendingDropped returns the number of cohort updates dropped so far due to
// a full queue.
func (t *Tracker) PendingDropped() int64 {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	return t.pendingDropped
}

// FlushCohortUpdates drains the pending queue, applying each update to its
// cohort baseline and the global baseline exactly once, then clears the
// queue. Idempotent: re-flushing an empty queue is a no-op.
func (t *Tracker) FlushCohortUpdates(now time.Time) int {
	t.pendingMu.Lock()
	batch := t.pending
	t.pending = nil
	t.pendingMu.Unlock()

	for _, u := range batch {
		t.cohortBaseline(u.cohortKey).RecordTransition(u.from, u.to, now)
		t.global.RecordTransition(u.from, u.to, now)
	}
	return len(batch)
}

// Stats summarizes tracker-wide state for monitoring and tests.
type Stats struct {
	ActiveSignatures int
}

// GetStats reports the number of signatures currently tracked.
func (t *Tracker) GetStats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Stats{ActiveSignatures: len(t.perSignature)}
}

// Purge removes signatures whose lastSeen is older than now-ttl, returning
// the number purged. Intended to be called from a background sweep.
func (t *Tracker) Purge(now time.Time, ttl time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	purged := 0
	for sig, e := range t.perSignature {
		e.mu.Lock()
		stale := now.Sub(e.lastSeen) > ttl
		e.mu.Unlock()
		if stale {
			delete(t.perSignature, sig)
			purged++
		}
	}
	return purged
}

// ChainNodeCount returns the number of distinct path templates a signature's
// chain has encountered, used to verify path-normalization collapse. A
// signature that only ever visits one template has a one-node chain even
// though no transition was ever recorded.
func (t *Tracker) ChainNodeCount(sig string) int {
	t.mu.RLock()
	e, ok := t.perSignature[sig]
	t.mu.RUnlock()
	if !ok {
		return 0
	}
	e.mu.Lock()
	chain := e.chain
	e.mu.Unlock()
	return chain.NodeCount()
}
