// Package markov implements the decaying weighted transition graph, recent
// transition ring buffer, divergence metrics, and the MarkovTracker that
// owns them per signature, per cohort, and globally.
package markov

import (
	"math"
	"sort"
	"sync"
	"time"
	"unsafe"

	"github.com/kestrelsec/botwave/internal/decay"
)

const edgeEpsilon = 1e-9

// Matrix is a time-decayed weighted directed graph over path templates.
// Safe for concurrent use.
type Matrix struct {
	mu               sync.RWMutex
	halfLife         time.Duration
	maxEdgesPerNode  int
	nodes            map[string]struct{}
	edges            map[string]map[string]decay.Counter
	totalTransitions int64
}

// NewMatrix creates an empty matrix with the given half-life and per-node
// edge cap (pruned back to maxEdgesPerNode once a node exceeds 2*maxEdgesPerNode).
func NewMatrix(halfLife time.Duration, maxEdgesPerNode int) *Matrix {
	return &Matrix{
		halfLife:        halfLife,
		maxEdgesPerNode: maxEdgesPerNode,
		nodes:           make(map[string]struct{}),
		edges:           make(map[string]map[string]decay.Counter),
	}
}

// RecordTransition increments the (from,to) edge weight, pruning the source
// node's outgoing edges if it has grown beyond 2*maxEdgesPerNode.
func (m *Matrix) RecordTransition(from, to string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordTransitionLocked(from, to, now)
}

func (m *Matrix) recordTransitionLocked(from, to string, now time.Time) {
	m.nodes[from] = struct{}{}
	m.nodes[to] = struct{}{}
	out, ok := m.edges[from]
	if !ok {
		out = make(map[string]decay.Counter)
		m.edges[from] = out
	}
	out[to] = out[to].IncrementWithDecay(1.0, now, m.halfLife)
	m.totalTransitions++

	if m.maxEdgesPerNode > 0 && len(out) > 2*m.maxEdgesPerNode {
		m.pruneLocked(from, now)
	}
}

func (m *Matrix) pruneLocked(from string, now time.Time) {
	out := m.edges[from]
	type edge struct {
		to     string
		weight float64
	}
	all := make([]edge, 0, len(out))
	for to, c := range out {
		all = append(all, edge{to: to, weight: c.Decayed(now, m.halfLife)})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].weight != all[j].weight {
			return all[i].weight > all[j].weight
		}
		return all[i].to < all[j].to
	})
	if len(all) > m.maxEdgesPerNode {
		all = all[:m.maxEdgesPerNode]
	}
	kept := make(map[string]decay.Counter, len(all))
	for _, e := range all {
		kept[e.to] = out[e.to]
	}
	m.edges[from] = kept
}

// AddNode records template as an encountered node even when no transition
// involves it yet, so a signature stuck on a single template still has a
// one-node chain rather than an empty one.
func (m *Matrix) AddNode(template string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[template] = struct{}{}
}

// NodeCount returns the number of distinct path templates encountered.
func (m *Matrix) NodeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes)
}

// GetTransitionProbability returns the decayed weight of (from,to) divided
// by the total decayed outgoing weight of from; 0 if the denominator is 0.
func (m *Matrix) GetTransitionProbability(from, to string, now time.Time) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out, ok := m.edges[from]
	if !ok {
		return 0
	}
	total := 0.0
	for _, c := range out {
		total += c.Decayed(now, m.halfLife)
	}
	if total <= 0 {
		return 0
	}
	return out[to].Decayed(now, m.halfLife) / total
}

// GetDistribution returns a normalized probability map over from's outgoing
// edges; empty if from has no surviving weight.
func (m *Matrix) GetDistribution(from string, now time.Time) map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out, ok := m.edges[from]
	if !ok {
		return map[string]float64{}
	}
	total := 0.0
	decayed := make(map[string]float64, len(out))
	for to, c := range out {
		d := c.Decayed(now, m.halfLife)
		decayed[to] = d
		total += d
	}
	if total <= 0 {
		return map[string]float64{}
	}
	dist := make(map[string]float64, len(decayed))
	for to, d := range decayed {
		dist[to] = d / total
	}
	return dist
}

// GetPathEntropy returns the Shannon entropy (bits) of the aggregated
// outgoing-weight distribution over every edge in the matrix.
func (m *Matrix) GetPathEntropy(now time.Time) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0.0
	weights := make([]float64, 0)
	for _, out := range m.edges {
		for _, c := range out {
			d := c.Decayed(now, m.halfLife)
			if d > 0 {
				weights = append(weights, d)
				total += d
			}
		}
	}
	if total <= 0 {
		return 0
	}
	entropy := 0.0
	for _, w := range weights {
		p := w / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// AggregateDistribution returns the normalized distribution of decayed
// weight over every (from,to) edge in the matrix, keyed by destination
// template and summed across all sources. This is the whole-chain analogue
// of GetDistribution used to compare two signatures' overall behavior.
func (m *Matrix) AggregateDistribution(now time.Time) map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	totals := make(map[string]float64)
	grand := 0.0
	for _, out := range m.edges {
		for to, c := range out {
			d := c.Decayed(now, m.halfLife)
			if d <= 0 {
				continue
			}
			totals[to] += d
			grand += d
		}
	}
	if grand <= 0 {
		return map[string]float64{}
	}
	dist := make(map[string]float64, len(totals))
	for to, d := range totals {
		dist[to] = d / grand
	}
	return dist
}

// HasEdge reports whether (from,to) carries non-negligible decayed weight.
func (m *Matrix) HasEdge(from, to string, now time.Time) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out, ok := m.edges[from]
	if !ok {
		return false
	}
	c, ok := out[to]
	if !ok {
		return false
	}
	return c.Decayed(now, m.halfLife) > edgeEpsilon
}

// TotalTransitions returns the monotonically non-decreasing count of
// RecordTransition calls observed (including those folded in via MergeFrom).
func (m *Matrix) TotalTransitions() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalTransitions
}

// MergeFrom folds every edge of other into m, using other's decayed weight
// at now as the increment. Locks are acquired in a canonical order (by
// pointer address) to avoid deadlock when two matrices merge concurrently
// in opposite directions.
func (m *Matrix) MergeFrom(other *Matrix, now time.Time) {
	if m == other {
		return
	}
	first, second := m, other
	if uintptr(unsafe.Pointer(m)) > uintptr(unsafe.Pointer(other)) {
		first, second = other, m
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	if second != first {
		second.mu.Lock()
		defer second.mu.Unlock()
	}

	snapshot := make(map[string]map[string]float64, len(other.edges))
	for from, out := range other.edges {
		row := make(map[string]float64, len(out))
		for to, c := range out {
			row[to] = c.Decayed(now, other.halfLife)
		}
		snapshot[from] = row
	}
	otherTotal := other.totalTransitions
	for n := range other.nodes {
		m.nodes[n] = struct{}{}
	}

	for from, row := range snapshot {
		out, ok := m.edges[from]
		if !ok {
			out = make(map[string]decay.Counter)
			m.edges[from] = out
		}
		for to, weight := range row {
			out[to] = out[to].IncrementWithDecay(weight, now, m.halfLife)
		}
	}
	m.totalTransitions += otherTotal
}
