package markov

import (
	"math"
	"time"
)

// JensenShannonDivergence computes the symmetric, bounded JSD between two
// probability maps, base-2, normalized to [0,1]. Empty ∩ empty → 0; exactly
// one empty → 1.
func JensenShannonDivergence(p, q map[string]float64) float64 {
	if len(p) == 0 && len(q) == 0 {
		return 0
	}
	if len(p) == 0 || len(q) == 0 {
		return 1
	}

	keys := make(map[string]struct{}, len(p)+len(q))
	for k := range p {
		keys[k] = struct{}{}
	}
	for k := range q {
		keys[k] = struct{}{}
	}

	kl := func(a, b map[string]float64) float64 {
		sum := 0.0
		for k := range keys {
			pk := a[k]
			if pk <= 0 {
				continue
			}
			mk := 0.5*a[k] + 0.5*b[k]
			if mk <= 0 {
				continue
			}
			sum += pk * math.Log2(pk/mk)
		}
		return sum
	}

	jsd := 0.5*kl(p, q) + 0.5*kl(q, p)
	if jsd < 0 {
		jsd = 0
	}
	if jsd > 1 {
		jsd = 1
	}
	return jsd
}

// LoopScore returns 0 for sequences shorter than 4; otherwise the fraction
// of positions i ≥ 2 where seq[i] == seq[i-2], i.e. how tightly the sequence
// oscillates between two states (A→B→A→B...).
func LoopScore(seq []Transition) float64 {
	if len(seq) < 4 {
		return 0
	}
	matches := 0
	total := 0
	for i := 2; i < len(seq); i++ {
		total++
		if seq[i] == seq[i-2] {
			matches++
		}
	}
	if total == 0 {
		return 0
	}
	score := float64(matches) / float64(total)
	if score > 1 {
		score = 1
	}
	return score
}

// TransitionNovelty returns the fraction of edges in seq absent from matrix.
func TransitionNovelty(seq []Transition, matrix *Matrix, now time.Time) float64 {
	if len(seq) == 0 {
		return 0
	}
	novel := 0
	for _, t := range seq {
		if !matrix.HasEdge(t.From, t.To, now) {
			novel++
		}
	}
	return float64(novel) / float64(len(seq))
}

// AverageTransitionSurprise is the mean of -log2(P(to|from)) over seq, with
// any P=0 transition capped at 10.0 bits.
func AverageTransitionSurprise(seq []Transition, matrix *Matrix, now time.Time) float64 {
	if len(seq) == 0 {
		return 0
	}
	const cap = 10.0
	total := 0.0
	for _, t := range seq {
		p := matrix.GetTransitionProbability(t.From, t.To, now)
		if p <= 0 {
			total += cap
			continue
		}
		surprise := -math.Log2(p)
		if surprise > cap {
			surprise = cap
		}
		total += surprise
	}
	return total / float64(len(seq))
}

// PathEntropyOf returns the Shannon entropy (bits) of a probability
// distribution.
func PathEntropyOf(distribution map[string]float64) float64 {
	entropy := 0.0
	for _, p := range distribution {
		if p <= 0 {
			continue
		}
		entropy -= p * math.Log2(p)
	}
	return entropy
}
