package detectors

import (
	"context"
	"time"

	"github.com/kestrelsec/botwave/internal/blackboard"
	"github.com/kestrelsec/botwave/internal/evidence"
	"github.com/kestrelsec/botwave/internal/pathnorm"
	"github.com/kestrelsec/botwave/internal/spectral"
)

// wave1Trigger fires once Wave 0 has raised any suspicion at all — an
// explicit bot User-Agent, missing browser headers, a datacenter IP, or a
// known AI scraper — since that's when the cost of the stateful behavioral
// checks is worth paying.
func wave1Trigger() blackboard.Trigger {
	return blackboard.Any{
		blackboard.SignalAtLeast{Name: "ua_bot_token", Threshold: 1},
		blackboard.SignalAtLeast{Name: "header_missing_count", Threshold: 1},
		blackboard.SignalAtLeast{Name: "ip_datacenter", Threshold: 1},
		blackboard.SignalAtLeast{Name: "ai_scraper_detected", Threshold: 1},
		blackboard.SignalAtLeast{Name: "security_tool_detected", Threshold: 1},
	}
}

// MarkovDriftDetector reads the DriftSignals accumulated for this signature
// by prior requests — the engine ingests every request's transition after
// classification; detectors only ever read — and contributes when they clear
// the tracker's configured thresholds.
type MarkovDriftDetector struct {
	Deps
}

func (MarkovDriftDetector) Name() string               { return "MarkovDrift" }
func (MarkovDriftDetector) Trigger() blackboard.Trigger { return wave1Trigger() }

func (d MarkovDriftDetector) Run(_ context.Context, state blackboard.State) blackboard.Result {
	if d.Tracker == nil {
		return blackboard.Result{}
	}

	drift := d.Tracker.GetDriftSignals(state.SignatureID, state.ReceivedAt)

	signals := map[string]float64{
		"markov_self_drift":         drift.SelfDrift,
		"markov_human_drift":        drift.HumanDrift,
		"markov_loop_score":         drift.LoopScore,
		"markov_transition_novelty": drift.TransitionNovelty,
		"markov_entropy_delta":      drift.EntropyDelta,
		"markov_sequence_surprise":  drift.SequenceSurprise,
	}

	if !d.Tracker.HasSignificantDrift(drift) {
		return blackboard.Result{Signals: signals}
	}

	delta := clamp01(
		drift.SelfDrift*0.3 +
			drift.HumanDrift*0.2 +
			drift.LoopScore*0.3 +
			clamp01(drift.SequenceSurprise/10.0)*0.1 +
			drift.TransitionNovelty*0.1,
	)
	return blackboard.Result{
		Signals: signals,
		Contributions: []evidence.Contribution{{
			DetectorName: "MarkovDrift", Category: "behavioral", ConfidenceDelta: delta, Weight: 1.0,
			Reason: "navigation pattern diverges from cohort/global baseline", Signals: signals,
		}},
	}
}

// SpectralDetector extracts FFT-derived timing features from the
// signature's inter-arrival intervals and contributes when the
// distribution of request spacing looks machine-periodic rather than
// human-jittery.
type SpectralDetector struct {
	Deps
}

func (SpectralDetector) Name() string               { return "BehavioralWaveform" }
func (SpectralDetector) Trigger() blackboard.Trigger { return wave1Trigger() }

func (d SpectralDetector) Run(_ context.Context, state blackboard.State) blackboard.Result {
	if d.Coordinator == nil {
		return blackboard.Result{}
	}
	var features spectral.Features
	if d.Cluster != nil {
		features = d.Cluster.GetSpectralFeatures(d.Coordinator, state.SignatureID)
	} else {
		features = spectral.Extract(d.Coordinator.Intervals(state.SignatureID))
	}
	if !features.HasSufficientData {
		return blackboard.Result{}
	}

	signals := map[string]float64{
		"spectral_dominant_frequency": features.DominantFrequency,
		"spectral_peak_to_avg":        features.PeakToAvgRatio,
		"spectral_harmonic_ratio":     features.HarmonicRatio,
	}

	delta := clamp01(features.PeakToAvgRatio*0.5 + features.HarmonicRatio*0.3 + features.DominantFrequency*0.2)
	if delta < 0.15 {
		return blackboard.Result{Signals: signals}
	}
	return blackboard.Result{
		Signals: signals,
		Contributions: []evidence.Contribution{{
			DetectorName: "BehavioralWaveform", Category: "behavioral", ConfidenceDelta: delta, Weight: 1.0,
			Reason: "inter-arrival timing shows strong periodicity", Signals: signals,
		}},
	}
}

// BehavioralDetector folds the signature's own timing-variance /
// path-entropy / bot-probability aggregate into a single contribution. It
// is one of the eight detectors the evidence ledger's coverage-confidence
// weighting names explicitly, and is deliberately coarser than
// MarkovDrift/BehavioralWaveform: it summarizes "does this signature look
// aberrant overall" rather than any one dimension of drift.
type BehavioralDetector struct {
	Deps
}

func (BehavioralDetector) Name() string               { return "Behavioral" }
func (BehavioralDetector) Trigger() blackboard.Trigger { return wave1Trigger() }

func (d BehavioralDetector) Run(_ context.Context, state blackboard.State) blackboard.Result {
	if d.Coordinator == nil {
		return blackboard.Result{}
	}
	behavior, ok := d.Coordinator.GetBehavior(state.SignatureID)
	if !ok || behavior.RequestCount < 3 {
		return blackboard.Result{}
	}

	signals := map[string]float64{
		"behavioral_aberration_score": behavior.AberrationScore,
		"behavioral_timing_coeff":     behavior.TimingCoefficient,
		"behavioral_path_entropy":     behavior.PathEntropy,
	}
	if !behavior.IsAberrant {
		return blackboard.Result{Signals: signals}
	}
	return blackboard.Result{
		Signals: signals,
		Contributions: []evidence.Contribution{{
			DetectorName: "Behavioral", Category: "behavioral", ConfidenceDelta: clamp01(behavior.AberrationScore), Weight: 1.0,
			Reason: "signature's overall timing/entropy/bot-probability aggregate is aberrant", Signals: signals,
		}},
	}
}

// ClientSideFingerprintDetector consumes the externally-collected browser
// fingerprint payload if one was submitted with the request. Its presence
// is mildly exculpatory; a browser-claiming UA with none submitted is
// mildly inculpatory.
type ClientSideFingerprintDetector struct{}

func (ClientSideFingerprintDetector) Name() string               { return "ClientSide" }
func (ClientSideFingerprintDetector) Trigger() blackboard.Trigger { return blackboard.Always{} }

func (ClientSideFingerprintDetector) Run(_ context.Context, state blackboard.State) blackboard.Result {
	if len(state.Meta.ClientFingerprint) > 0 {
		signals := map[string]float64{"client_fingerprint_present": 1}
		return blackboard.Result{
			Signals: signals,
			Contributions: []evidence.Contribution{{
				DetectorName: "ClientSide", Category: "client_side", ConfidenceDelta: -0.2, Weight: 1.0,
				Reason: "client-side fingerprint payload present", Signals: signals,
			}},
		}
	}
	if state.Signals["ua_bot_token"] >= 1 {
		// Already explicitly a non-browser client; absence of a fingerprint
		// adds nothing new.
		return blackboard.Result{Signals: map[string]float64{"client_fingerprint_present": 0}}
	}
	signals := map[string]float64{"client_fingerprint_present": 0}
	return blackboard.Result{
		Signals: signals,
		Contributions: []evidence.Contribution{{
			DetectorName: "ClientSide", Category: "client_side", ConfidenceDelta: 0.15, Weight: 1.0,
			Reason: "browser-claiming request never submitted a client-side fingerprint", Signals: signals,
		}},
	}
}

// impossibleTravelWindow bounds how quickly a signature can plausibly move
// between countries; a change inside this window is weighted higher than a
// change that had hours to occur legitimately (VPN/mobile handover).
const impossibleTravelWindow = time.Hour

// GeoChangeDetector compares the country of this request against the most
// recent prior request recorded for the same signature.
type GeoChangeDetector struct {
	Deps
}

func (GeoChangeDetector) Name() string               { return "GeoChange" }
func (GeoChangeDetector) Trigger() blackboard.Trigger { return blackboard.Always{} }

func (d GeoChangeDetector) Run(_ context.Context, state blackboard.State) blackboard.Result {
	if d.Coordinator == nil || state.Meta.CountryCode == "" {
		return blackboard.Result{}
	}
	recent := d.Coordinator.RecentRecords(state.SignatureID, 1)
	if len(recent) == 0 {
		return blackboard.Result{}
	}
	last := recent[len(recent)-1]
	if last.CountryCode == "" || last.CountryCode == state.Meta.CountryCode {
		return blackboard.Result{Signals: map[string]float64{"geo_country_changed": 0}}
	}

	signals := map[string]float64{"geo_country_changed": 1}
	delta := 0.25
	if state.ReceivedAt.Sub(last.Timestamp) < impossibleTravelWindow {
		delta = 0.5
	}
	return blackboard.Result{
		Signals: signals,
		Contributions: []evidence.Contribution{{
			DetectorName: "GeoChange", Category: "geo_change", ConfidenceDelta: delta, Weight: 0.6,
			Reason: "country changed between consecutive requests for the same signature", Signals: signals,
		}},
	}
}

// authCredentialStuffingWindow + authAttemptThreshold define "a burst of
// auth-bucket requests", the local proxy for account-takeover behavior in a
// system that otherwise has no notion of a logged-in user.
const (
	authCredentialStuffingWindow = 5 * time.Minute
	authAttemptThreshold         = 5
)

// AccountTakeoverDetector looks for bursts of requests against
// authentication-classified path templates (login/password-reset/oauth),
// the pattern credential-stuffing and account-takeover tooling produces
// against endpoints this engine has no session/account model for.
type AccountTakeoverDetector struct {
	Deps
}

func (AccountTakeoverDetector) Name() string               { return "AccountTakeover" }
func (AccountTakeoverDetector) Trigger() blackboard.Trigger { return blackboard.Always{} }

func (d AccountTakeoverDetector) Run(_ context.Context, state blackboard.State) blackboard.Result {
	template := pathnorm.Normalize(state.Request.URL.Path)
	if pathnorm.Classify(template) != pathnorm.BucketAuth {
		return blackboard.Result{}
	}
	if d.Coordinator == nil {
		return blackboard.Result{}
	}

	recent := d.Coordinator.RecentRecords(state.SignatureID, 50)
	cutoff := state.ReceivedAt.Add(-authCredentialStuffingWindow)
	count := 1 // this request
	for _, r := range recent {
		if r.Timestamp.Before(cutoff) {
			continue
		}
		if pathnorm.Classify(r.NormalizedPath) == pathnorm.BucketAuth {
			count++
		}
	}

	signals := map[string]float64{"auth_attempts_in_window": float64(count)}
	if count < authAttemptThreshold {
		return blackboard.Result{Signals: signals}
	}
	delta := clamp01(float64(count-authAttemptThreshold) / float64(authAttemptThreshold))
	return blackboard.Result{
		Signals: signals,
		Contributions: []evidence.Contribution{{
			DetectorName: "AccountTakeover", Category: "account_takeover", ConfidenceDelta: 0.4 + 0.3*delta, Weight: 1.0,
			Reason: "burst of authentication-endpoint requests from one signature", Signals: signals,
		}},
	}
}

// ResponseBehaviorDetector is a best-effort pre-dispatch proxy for "response
// handling" behavior: true response-timing/rendering signals require
// observing what the client does after the backend answers, which is
// outside this engine's request-evaluation boundary. It instead looks at
// whether a signature is navigating deep into the path tree without ever
// carrying a Referer, the pattern a direct-URL scraper produces and a
// browser following links essentially never does after the first hit.
type ResponseBehaviorDetector struct {
	Deps
}

func (ResponseBehaviorDetector) Name() string               { return "ResponseBehavior" }
func (ResponseBehaviorDetector) Trigger() blackboard.Trigger { return blackboard.Always{} }

func (d ResponseBehaviorDetector) Run(_ context.Context, state blackboard.State) blackboard.Result {
	if d.Coordinator == nil {
		return blackboard.Result{}
	}
	if d.Coordinator.RequestCount(state.SignatureID) == 0 {
		return blackboard.Result{} // first request ever: no prior navigation to compare against
	}
	if state.Request.Header.Get("Referer") != "" {
		return blackboard.Result{Signals: map[string]float64{"no_referrer_deep_nav": 0}}
	}

	depth := pathDepth(state.Request.URL.Path)
	if depth < 3 {
		return blackboard.Result{Signals: map[string]float64{"no_referrer_deep_nav": 0}}
	}
	signals := map[string]float64{"no_referrer_deep_nav": 1}
	return blackboard.Result{
		Signals: signals,
		Contributions: []evidence.Contribution{{
			DetectorName: "ResponseBehavior", Category: "behavioral", ConfidenceDelta: 0.2, Weight: 0.6,
			Reason: "deep-path navigation with no referer on a returning signature", Signals: signals,
		}},
	}
}

func pathDepth(path string) int {
	depth := 0
	for _, seg := range splitPath(path) {
		if seg != "" {
			depth++
		}
	}
	return depth
}

func splitPath(path string) []string {
	var segments []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			if i > start {
				segments = append(segments, path[start:i])
			}
			start = i + 1
		}
	}
	if start < len(path) {
		segments = append(segments, path[start:])
	}
	return segments
}
