package detectors

import (
	"context"
	"time"

	"github.com/kestrelsec/botwave/internal/blackboard"
	"github.com/kestrelsec/botwave/internal/cluster"
	"github.com/kestrelsec/botwave/internal/evidence"
	"github.com/kestrelsec/botwave/internal/markov"
)

// wave3Trigger gates the refinement-layer detectors behind any one of a
// fixed set of earlier signals (bot UA token, datacenter IP, behavioral
// aberration, Markov self-drift, country change, repeated auth attempts); a
// request that raises none of them skips cluster/similarity/AI lookups
// entirely, even if other detectors contributed.
func wave3Trigger() blackboard.Trigger {
	return blackboard.Any{
		blackboard.SignalAtLeast{Name: "ua_bot_token", Threshold: 1},
		blackboard.SignalAtLeast{Name: "ip_datacenter", Threshold: 1},
		blackboard.SignalAtLeast{Name: "behavioral_aberration_score", Threshold: 0.5},
		blackboard.SignalAtLeast{Name: "markov_self_drift", Threshold: 0.01},
		blackboard.SignalAtLeast{Name: "geo_country_changed", Threshold: 1},
		blackboard.SignalAtLeast{Name: "auth_attempts_in_window", Threshold: float64(authAttemptThreshold)},
	}
}

// clusterClassificationWeight maps a cluster's classification to how much
// an affiliation with it should count: membership in an identified bot
// product is worth more than a loose geo-distributed grouping, which can
// legitimately include mobile-carrier NAT pools of real users.
var clusterClassificationWeight = map[cluster.Classification]float64{
	cluster.BotProduct:     0.6,
	cluster.Infrastructure: 0.4,
	cluster.Mixed:          0.3,
	cluster.GeoDistributed: 0.15,
}

// ClusterMembershipDetector looks up the signature's current
// cluster assignment — computed asynchronously by the engine's background
// clustering pass, consulted synchronously here — and contributes in
// proportion to the cluster's classification and the signature's own
// similarity to its cluster.
type ClusterMembershipDetector struct {
	Deps
}

func (ClusterMembershipDetector) Name() string               { return "ClusterMembership" }
func (ClusterMembershipDetector) Trigger() blackboard.Trigger { return wave3Trigger() }

func (d ClusterMembershipDetector) Run(_ context.Context, state blackboard.State) blackboard.Result {
	if d.Cluster == nil {
		return blackboard.Result{}
	}
	c, ok := d.Cluster.ClusterFor(state.SignatureID)
	if !ok {
		return blackboard.Result{}
	}

	weight := clusterClassificationWeight[c.Classification]
	if weight <= 0 {
		weight = 0.2
	}
	signals := map[string]float64{
		"cluster_avg_similarity":      c.AvgSimilarity,
		"cluster_avg_bot_probability": c.AvgBotProbability,
	}
	delta := clamp01(weight + c.AvgBotProbability*0.2)
	return blackboard.Result{
		Signals: signals,
		Contributions: []evidence.Contribution{{
			DetectorName: "ClusterMembership", Category: "cluster", ConfidenceDelta: delta, Weight: 0.8,
			Reason: "signature belongs to cluster classified as " + string(c.Classification), Signals: signals,
		}},
	}
}

// similaritySearchTimeout bounds the pgvector nearest-neighbor round trip so
// a slow query never holds up the request past the scheduler's per-detector
// deadline.
const similaritySearchTimeout = 150 * time.Millisecond

// similarityNeighborCount is how many nearest neighbors to pull per query;
// small because the detector only needs to know whether the neighborhood
// skews toward known bot clusters, not a full ranked list.
const similarityNeighborCount = 5

// SimilaritySearchDetector answers the
// nearest-neighbor query a not-yet-clustered signature can't get from
// ClusterMembershipDetector: build this request's feature embedding and ask
// the vector store which existing signatures sit closest to it, then check
// whether most of those neighbors already belong to a clustered
// classification.
type SimilaritySearchDetector struct {
	Deps
}

func (SimilaritySearchDetector) Name() string               { return "SimilaritySearch" }
func (SimilaritySearchDetector) Trigger() blackboard.Trigger { return wave3Trigger() }

func (d SimilaritySearchDetector) Run(ctx context.Context, state blackboard.State) blackboard.Result {
	if d.VectorStore == nil || d.Coordinator == nil || d.Cluster == nil {
		return blackboard.Result{}
	}
	if _, already := d.Cluster.ClusterFor(state.SignatureID); already {
		return blackboard.Result{} // ClusterMembershipDetector already covers this signature
	}
	behavior, ok := d.Coordinator.GetBehavior(state.SignatureID)
	if !ok {
		return blackboard.Result{}
	}
	var drift markov.DriftSignals
	if d.Tracker != nil {
		drift = d.Tracker.GetDriftSignals(state.SignatureID, state.ReceivedAt)
	}

	vec := cluster.FeatureVector{
		Signature:         state.SignatureID,
		TimingRegularity:  clamp01(1 - behavior.TimingCoefficient),
		PathDiversity:     clamp01(1 - behavior.PathEntropy),
		PathEntropy:       behavior.PathEntropy,
		AvgBotProbability: behavior.AverageBotProb,
		IsDatacenter:      state.Meta.IsDatacenter,
		Drift:             drift,
	}

	searchCtx, cancel := context.WithTimeout(ctx, similaritySearchTimeout)
	defer cancel()
	neighbors, err := d.VectorStore.Nearest(searchCtx, cluster.Embed(vec), similarityNeighborCount)
	if err != nil || len(neighbors) == 0 {
		return blackboard.Result{}
	}

	clusteredNeighbors := 0
	botWeight := 0.0
	for _, sig := range neighbors {
		if c, ok := d.Cluster.ClusterFor(sig); ok {
			clusteredNeighbors++
			botWeight += clusterClassificationWeight[c.Classification]
		}
	}
	if clusteredNeighbors == 0 {
		return blackboard.Result{}
	}

	ratio := float64(clusteredNeighbors) / float64(len(neighbors))
	signals := map[string]float64{"similarity_clustered_neighbor_ratio": ratio}
	delta := clamp01(ratio*0.3 + botWeight/float64(len(neighbors))*0.2)
	if delta < 0.1 {
		return blackboard.Result{Signals: signals}
	}
	return blackboard.Result{
		Signals: signals,
		Contributions: []evidence.Contribution{{
			DetectorName: "SimilaritySearch", Category: "cluster", ConfidenceDelta: delta, Weight: 0.5,
			Reason: "nearest feature-vector neighbors mostly belong to known bot clusters", Signals: signals,
		}},
	}
}

// HeuristicDetector is the final, highest-weighted
// refinement pass: rather than emitting one more narrow signal, it
// re-reads everything the earlier waves already published onto the
// blackboard and renders a holistic verdict, the way a human reviewer
// would skim an incident's collected evidence before deciding. It is one
// of the eight detectors the evidence ledger's coverage-confidence
// weighting names explicitly, and carries the highest coverage weight of
// the set.
type HeuristicDetector struct{}

func (HeuristicDetector) Name() string               { return "Heuristic" }
func (HeuristicDetector) Trigger() blackboard.Trigger { return blackboard.Always{} }

// heuristicSignalWeights are the blackboard signals this pass re-reads and
// how much each contributes to the holistic verdict. Deliberately
// overlapping with individual detectors' own contributions: this is a
// second, independent pass over the same evidence rather than a dedupe of
// it.
var heuristicSignalWeights = map[string]float64{
	"ua_bot_token":                 0.25,
	"ua_missing":                   0.2,
	"ip_datacenter":                0.1,
	"security_tool_detected":       0.2,
	"ai_scraper_detected":          0.1,
	"behavioral_aberration_score":  0.2,
	"markov_self_drift":            0.15,
	"markov_loop_score":            0.15,
	"geo_country_changed":          0.1,
	"tls_known_automation_stack":   0.15,
	"client_hint_ua_mismatch":      0.1,
	"protocol_ua_mismatch":         0.1,
}

func (HeuristicDetector) Run(_ context.Context, state blackboard.State) blackboard.Result {
	score := 0.0
	hits := 0
	for name, weight := range heuristicSignalWeights {
		v, ok := state.Signals[name]
		if !ok || v <= 0 {
			continue
		}
		score += weight * clamp01(v)
		hits++
	}

	if hits == 0 {
		return blackboard.Result{
			Contributions: []evidence.Contribution{{
				DetectorName: "Heuristic", Category: "heuristic", ConfidenceDelta: -0.15, Weight: 1.0,
				Reason: "no prior-wave signal cleared the heuristic review threshold",
			}},
		}
	}
	return blackboard.Result{
		Contributions: []evidence.Contribution{{
			DetectorName: "Heuristic", Category: "heuristic", ConfidenceDelta: clamp01(score), Weight: 2.0,
			Reason: "holistic review of accumulated signals",
		}},
	}
}

// LLMDetector is the pluggable large-language-model refinement interface:
// an optional final collaborator given the full accumulated evidence for
// ambiguous cases, never a required dependency. No concrete implementation
// ships with the engine; wiring a real model behind this interface is left
// to the deployment, matching its explicit non-goal status.
type LLMDetector interface {
	Classify(ctx context.Context, state blackboard.State) (confidenceDelta float64, reason string, err error)
}

// LLMRefinementDetector adapts an injected LLMDetector into the scheduler's
// Detector interface. A nil Classifier makes this detector inert (always
// returns an empty Result); the engine registers it only when a Classifier
// is supplied, since an inert detector would still count as completed.
type LLMRefinementDetector struct {
	Classifier LLMDetector
	// MinRiskToInvoke gates how suspicious a request must already look
	// before paying for a model call; a clean request never reaches it.
	MinRiskToInvoke float64
}

func (LLMRefinementDetector) Name() string               { return "LLMRefinement" }
func (LLMRefinementDetector) Trigger() blackboard.Trigger { return wave3Trigger() }

func (d LLMRefinementDetector) Run(ctx context.Context, state blackboard.State) blackboard.Result {
	if d.Classifier == nil {
		return blackboard.Result{}
	}
	threshold := d.MinRiskToInvoke
	if threshold <= 0 {
		threshold = 0.4
	}
	if state.CurrentRiskScore < threshold {
		return blackboard.Result{}
	}

	delta, reason, err := d.Classifier.Classify(ctx, state)
	if err != nil {
		return blackboard.Result{Failed: true}
	}
	return blackboard.Result{
		Contributions: []evidence.Contribution{{
			DetectorName: "LLMRefinement", Category: "ai", ConfidenceDelta: clamp01(delta), Weight: 1.2,
			Reason: reason,
		}},
	}
}
