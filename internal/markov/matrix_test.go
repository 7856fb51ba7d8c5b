package markov

import (
	"testing"
	"time"
)

func TestTransitionProbabilitiesSumToOne(t *testing.T) {
	now := time.Now()
	m := NewMatrix(time.Hour, 16)
	m.RecordTransition("/a", "/b", now)
	m.RecordTransition("/a", "/c", now)
	m.RecordTransition("/a", "/b", now)

	total := m.GetTransitionProbability("/a", "/b", now) + m.GetTransitionProbability("/a", "/c", now)
	if total < 0.999 || total > 1.001 {
		t.Errorf("transition probabilities from /a sum to %v, want ~1", total)
	}
}

func TestTransitionProbabilityUnknownSourceIsZero(t *testing.T) {
	m := NewMatrix(time.Hour, 16)
	if p := m.GetTransitionProbability("/unknown", "/x", time.Now()); p != 0 {
		t.Errorf("expected 0 for unknown source, got %v", p)
	}
}

func TestPruneKeepsStrongestEdges(t *testing.T) {
	now := time.Now()
	m := NewMatrix(time.Hour, 2)
	m.RecordTransition("/from", "e", now)
	m.RecordTransition("/from", "e", now)
	m.RecordTransition("/from", "e", now)
	// the fifth distinct destination pushes the node past 2*max_k
	for _, to := range []string{"a", "b", "c", "d"} {
		m.RecordTransition("/from", to, now)
	}

	m.mu.RLock()
	n := len(m.edges["/from"])
	m.mu.RUnlock()
	if n != 2 {
		t.Errorf("expected pruning down to max_k=2, got %d edges", n)
	}
	if !m.HasEdge("/from", "e", now) {
		t.Error("heaviest edge should survive pruning")
	}
}

func TestHasEdgeEpsilon(t *testing.T) {
	now := time.Now()
	m := NewMatrix(time.Hour, 16)
	if m.HasEdge("/a", "/b", now) {
		t.Error("expected no edge before any RecordTransition")
	}
	m.RecordTransition("/a", "/b", now)
	if !m.HasEdge("/a", "/b", now) {
		t.Error("expected edge after RecordTransition")
	}
}

func TestMergeFromAddsWeight(t *testing.T) {
	now := time.Now()
	a := NewMatrix(time.Hour, 16)
	b := NewMatrix(time.Hour, 16)
	a.RecordTransition("/x", "/y", now)
	b.RecordTransition("/x", "/y", now)

	a.MergeFrom(b, now)
	if a.TotalTransitions() != 2 {
		t.Errorf("TotalTransitions after merge = %d, want 2", a.TotalTransitions())
	}
	if p := a.GetTransitionProbability("/x", "/y", now); p < 0.999 {
		t.Errorf("probability after merge = %v, want ~1", p)
	}
}

func TestGetPathEntropyEmptyIsZero(t *testing.T) {
	m := NewMatrix(time.Hour, 16)
	if e := m.GetPathEntropy(time.Now()); e != 0 {
		t.Errorf("entropy of empty matrix = %v, want 0", e)
	}
}
