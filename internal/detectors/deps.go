// Package detectors implements the concrete wave-0 through wave-3 detectors
// enumerated in the scheduler's wave table: fast stateless signal checks,
// the stateful behavioral detectors that consult the Markov tracker,
// spectral extractor, and signature coordinator, protocol-level fingerprint
// checks, and the AI/learning-layer refinement pass. Each detector is a
// thin adapter from shared engine state to a scheduler.Detector: a
// component score plus reason codes, no inheritance, no rules DSL.
package detectors

import (
	"strings"

	"github.com/kestrelsec/botwave/internal/cluster"
	"github.com/kestrelsec/botwave/internal/markov"
	"github.com/kestrelsec/botwave/internal/reputation"
	"github.com/kestrelsec/botwave/internal/signature"
)

// Deps is the explicit service locator every stateful detector embeds:
// detectors hold handles to the singletons they need, not ownership of
// them, so no back-references end up captured in shared state.
type Deps struct {
	Tracker     *markov.Tracker
	Coordinator *signature.Coordinator
	Cluster     *cluster.Service
	Reputation  *reputation.Tracker
	VectorStore cluster.FeatureVectorStore // optional; nil disables SimilaritySearchDetector
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

func containsAnyFold(haystack string, needles []string) string {
	lower := strings.ToLower(haystack)
	for _, n := range needles {
		if strings.Contains(lower, n) {
			return n
		}
	}
	return ""
}
