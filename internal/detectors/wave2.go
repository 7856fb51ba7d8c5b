package detectors

import (
	"context"
	"strings"

	"github.com/kestrelsec/botwave/internal/blackboard"
	"github.com/kestrelsec/botwave/internal/evidence"
)

// wave2Trigger gates the protocol-fingerprint detectors behind an earlier
// signal: Markov self-drift or a spectral peak from Wave 1, or a bot UA
// token or datacenter IP from Wave 0. These checks consume fields the HTTP
// adapter populates from TLS/TCP/ALPN introspection, which is only worth
// the correlation cost once some suspicion already exists.
func wave2Trigger() blackboard.Trigger {
	return blackboard.Any{
		blackboard.SignalAtLeast{Name: "markov_self_drift", Threshold: 0.01},
		blackboard.SignalAtLeast{Name: "spectral_peak_to_avg", Threshold: 0.01},
		blackboard.SignalAtLeast{Name: "ua_bot_token", Threshold: 1},
		blackboard.SignalAtLeast{Name: "ip_datacenter", Threshold: 1},
	}
}

// knownAutomationTLSFingerprints are JA3/JA4-style hashes published for
// common non-browser TLS stacks (Go net/http, Python requests/urllib3,
// curl's default OpenSSL build). The list is illustrative rather than
// exhaustive: the coordinator feeding Meta.TLSFingerprint is expected to
// keep it current against whatever catalog it sources from.
var knownAutomationTLSFingerprints = map[string]string{
	"cd08e31494f9531f560d64c695473da9": "go net/http default stack",
	"e7d705a3286e19ea42f587b344ee6865": "python requests/urllib3 default stack",
	"456523fc94726331a4d5a2e1d40b2b0e": "curl default OpenSSL stack",
}

// TLSFingerprintDetector flags TLS ClientHello fingerprints that match
// known non-browser stacks, and separately flags UA/TLS-stack mismatches
// (a browser-claiming UA paired with a fingerprint that has never been
// seen from a real browser).
type TLSFingerprintDetector struct{}

func (TLSFingerprintDetector) Name() string               { return "TLSFingerprint" }
func (TLSFingerprintDetector) Trigger() blackboard.Trigger { return wave2Trigger() }

func (TLSFingerprintDetector) Run(_ context.Context, state blackboard.State) blackboard.Result {
	fp := state.Meta.TLSFingerprint
	if fp == "" {
		return blackboard.Result{}
	}
	if stack, known := knownAutomationTLSFingerprints[fp]; known {
		signals := map[string]float64{"tls_known_automation_stack": 1}
		return blackboard.Result{
			Signals: signals,
			Contributions: []evidence.Contribution{{
				DetectorName: "TLSFingerprint", Category: "protocol", ConfidenceDelta: 0.5, Weight: 1.0,
				Reason: "TLS fingerprint matches known automation stack: " + stack, Signals: signals,
			}},
		}
	}
	return blackboard.Result{Signals: map[string]float64{"tls_known_automation_stack": 0}}
}

// HTTP2FingerprintDetector flags an advertised protocol
// version of HTTP/2 or HTTP/3 paired with a User-Agent string claiming a
// browser generation that predates that protocol's browser rollout; bare
// HTTP client libraries that support h2 frequently emit a spoofed legacy
// browser UA while not replicating that browser's actual frame/settings
// behavior at all, but the version/protocol mismatch alone is already a
// cheap tell.
type HTTP2FingerprintDetector struct{}

func (HTTP2FingerprintDetector) Name() string               { return "HTTP2Fingerprint" }
func (HTTP2FingerprintDetector) Trigger() blackboard.Trigger { return wave2Trigger() }

func (HTTP2FingerprintDetector) Run(_ context.Context, state blackboard.State) blackboard.Result {
	proto := state.Meta.ProtocolVersion
	if proto == "" {
		return blackboard.Result{}
	}
	ua := strings.ToLower(state.Request.UserAgent())
	modernProto := proto == "HTTP/2.0" || proto == "HTTP/3.0" || proto == "h2" || proto == "h3"
	legacyUA := strings.Contains(ua, "msie") || strings.Contains(ua, "chrome/3") || strings.Contains(ua, "chrome/4")

	if !modernProto || !legacyUA {
		return blackboard.Result{Signals: map[string]float64{"protocol_ua_mismatch": 0}}
	}
	signals := map[string]float64{"protocol_ua_mismatch": 1}
	return blackboard.Result{
		Signals: signals,
		Contributions: []evidence.Contribution{{
			DetectorName: "HTTP2Fingerprint", Category: "protocol", ConfidenceDelta: 0.45, Weight: 0.8,
			Reason: "negotiated protocol version is inconsistent with claimed browser generation", Signals: signals,
		}},
	}
}

// knownClientHintPlatforms lists the sec-ch-ua-platform tokens real
// browsers emit; anything else landing in Meta.ClientPlatform after the
// adapter's client-hint parse indicates either a very old UA-only client
// or a forged hint.
var knownClientHintPlatforms = map[string]struct{}{
	"Windows": {}, "macOS": {}, "Linux": {}, "Android": {}, "iOS": {}, "Chrome OS": {}, "": {},
}

// InconsistencyDetector cross-checks the client-hint
// platform against the User-Agent's platform token: bots assembled from
// templated request libraries routinely forge one layer without touching
// the other. This is the engine's multi-layer-correlation check and one of
// the eight detectors the evidence ledger's coverage-confidence weighting
// names explicitly.
type InconsistencyDetector struct{}

func (InconsistencyDetector) Name() string               { return "Inconsistency" }
func (InconsistencyDetector) Trigger() blackboard.Trigger { return wave2Trigger() }

func (InconsistencyDetector) Run(_ context.Context, state blackboard.State) blackboard.Result {
	platform := state.Meta.ClientPlatform
	if _, known := knownClientHintPlatforms[platform]; !known {
		signals := map[string]float64{"client_hint_platform_unrecognized": 1}
		return blackboard.Result{
			Signals: signals,
			Contributions: []evidence.Contribution{{
				DetectorName: "Inconsistency", Category: "inconsistency", ConfidenceDelta: 0.2, Weight: 0.6,
				Reason: "client-hint platform token is not a recognized browser platform", Signals: signals,
			}},
		}
	}
	if platform == "" {
		return blackboard.Result{}
	}

	ua := strings.ToLower(state.Request.UserAgent())
	mismatch := false
	switch platform {
	case "Windows":
		mismatch = !strings.Contains(ua, "windows")
	case "macOS":
		mismatch = !strings.Contains(ua, "mac os") && !strings.Contains(ua, "macintosh")
	case "Android":
		mismatch = !strings.Contains(ua, "android")
	case "iOS":
		mismatch = !strings.Contains(ua, "iphone") && !strings.Contains(ua, "ipad")
	}
	if !mismatch {
		return blackboard.Result{Signals: map[string]float64{"client_hint_ua_mismatch": 0}}
	}
	signals := map[string]float64{"client_hint_ua_mismatch": 1}
	return blackboard.Result{
		Signals: signals,
		Contributions: []evidence.Contribution{{
			DetectorName: "Inconsistency", Category: "inconsistency", ConfidenceDelta: 0.35, Weight: 0.8,
			Reason: "client-hint platform disagrees with the User-Agent's platform token", Signals: signals,
		}},
	}
}
