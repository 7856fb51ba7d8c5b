package markov

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/kestrelsec/botwave/internal/decay"
)

// SnapshotStore persists an opaque tracker snapshot. The payload format is
// owned by this package and carries no compatibility guarantee beyond a
// single snapshot being self-consistent; durability across restarts is a
// deployment concern, not an engine guarantee.
type SnapshotStore interface {
	Save(ctx context.Context, data []byte) error
	// Load returns (nil, nil) when no snapshot exists yet.
	Load(ctx context.Context) ([]byte, error)
}

type matrixSnapshot struct {
	Nodes            []string                      `json:"nodes,omitempty"`
	Edges            map[string]map[string]float64 `json:"edges"`
	TotalTransitions int64                         `json:"total_transitions"`
}

type sigSnapshot struct {
	Chain            matrixSnapshot `json:"chain"`
	Recent           []Transition   `json:"recent"`
	LastPath         string         `json:"last_path"`
	HasLastPath      bool           `json:"has_last_path"`
	TransitionsCount int            `json:"transitions_count"`
	LastSeen         time.Time      `json:"last_seen"`
	IsDatacenter     bool           `json:"is_datacenter"`
	IsReturning      bool           `json:"is_returning"`
	ClusterID        string         `json:"cluster_id,omitempty"`
}

type trackerSnapshot struct {
	TakenAt    time.Time                 `json:"taken_at"`
	Global     matrixSnapshot            `json:"global"`
	Cohorts    map[string]matrixSnapshot `json:"cohorts"`
	Signatures map[string]sigSnapshot    `json:"signatures"`
}

func (m *Matrix) exportSnapshot(now time.Time) matrixSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nodes := make([]string, 0, len(m.nodes))
	for n := range m.nodes {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	edges := make(map[string]map[string]float64, len(m.edges))
	for from, out := range m.edges {
		row := make(map[string]float64, len(out))
		for to, c := range out {
			if w := c.Decayed(now, m.halfLife); w > edgeEpsilon {
				row[to] = w
			}
		}
		if len(row) > 0 {
			edges[from] = row
		}
	}
	return matrixSnapshot{Nodes: nodes, Edges: edges, TotalTransitions: m.totalTransitions}
}

func restoreMatrix(snap matrixSnapshot, halfLife time.Duration, maxEdges int, takenAt time.Time) *Matrix {
	m := NewMatrix(halfLife, maxEdges)
	for _, n := range snap.Nodes {
		m.nodes[n] = struct{}{}
	}
	for from, row := range snap.Edges {
		m.nodes[from] = struct{}{}
		out := make(map[string]decay.Counter, len(row))
		for to, w := range row {
			m.nodes[to] = struct{}{}
			out[to] = decay.NewCounter(w, takenAt)
		}
		m.edges[from] = out
	}
	m.totalTransitions = snap.TotalTransitions
	return m
}

// ExportSnapshot serializes the tracker's entire state — global and cohort
// baselines plus every per-signature chain — with edge weights decayed to
// now, so a restored tracker picks up decay from the snapshot timestamp.
func (t *Tracker) ExportSnapshot(now time.Time) ([]byte, error) {
	snap := trackerSnapshot{
		TakenAt:    now,
		Global:     t.global.exportSnapshot(now),
		Cohorts:    make(map[string]matrixSnapshot),
		Signatures: make(map[string]sigSnapshot),
	}

	t.cohortMu.Lock()
	for key, m := range t.cohorts {
		snap.Cohorts[key] = m.exportSnapshot(now)
	}
	t.cohortMu.Unlock()

	t.mu.RLock()
	entries := make(map[string]*sigEntry, len(t.perSignature))
	for sig, e := range t.perSignature {
		entries[sig] = e
	}
	t.mu.RUnlock()

	for sig, e := range entries {
		e.mu.Lock()
		s := sigSnapshot{
			Chain:            e.chain.exportSnapshot(now),
			Recent:           e.recent.GetRecent(),
			LastPath:         e.lastPath,
			HasLastPath:      e.hasLastPath,
			TransitionsCount: e.transitionsCount,
			LastSeen:         e.lastSeen,
			IsDatacenter:     e.isDatacenter,
			IsReturning:      e.isReturning,
			ClusterID:        e.clusterID,
		}
		e.mu.Unlock()
		snap.Signatures[sig] = s
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("markov: marshal snapshot: %w", err)
	}
	return data, nil
}

// RestoreSnapshot replaces the tracker's state with a previously exported
// snapshot. Call before the tracker starts serving requests: the global
// baseline swap is not synchronized against concurrent drift computation.
// Pending cohort updates are intentionally not part of the snapshot:
// anything unflushed at snapshot time is lost, consistent with the queue's
// drop-oldest back-pressure semantics.
func (t *Tracker) RestoreSnapshot(data []byte) error {
	var snap trackerSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("markov: unmarshal snapshot: %w", err)
	}

	global := restoreMatrix(snap.Global, t.opts.HalfLife, t.opts.MaxEdgesPerNode, snap.TakenAt)
	cohorts := make(map[string]*Matrix, len(snap.Cohorts))
	for key, ms := range snap.Cohorts {
		cohorts[key] = restoreMatrix(ms, t.opts.HalfLife, t.opts.MaxEdgesPerNode, snap.TakenAt)
	}
	perSignature := make(map[string]*sigEntry, len(snap.Signatures))
	for sig, s := range snap.Signatures {
		recent := NewRecentBuffer(t.opts.RecentBufferCapacity)
		for _, tr := range s.Recent {
			recent.Add(tr)
		}
		perSignature[sig] = &sigEntry{
			chain:            restoreMatrix(s.Chain, t.opts.HalfLife, t.opts.MaxEdgesPerNode, snap.TakenAt),
			recent:           recent,
			lastPath:         s.LastPath,
			hasLastPath:      s.HasLastPath,
			transitionsCount: s.TransitionsCount,
			lastSeen:         s.LastSeen,
			isDatacenter:     s.IsDatacenter,
			isReturning:      s.IsReturning,
			clusterID:        s.ClusterID,
		}
	}

	t.mu.Lock()
	t.perSignature = perSignature
	t.mu.Unlock()
	t.cohortMu.Lock()
	t.cohorts = cohorts
	t.cohortMu.Unlock()
	t.global = global
	return nil
}
