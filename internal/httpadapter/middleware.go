// Package httpadapter is the explicitly out-of-core HTTP adapter: it turns
// an inbound *http.Request into the engine's RequestSnapshot, calls
// Engine.Evaluate, and applies the recommended Action to the response —
// header injection, 403, throttle delay, honeypot redirect, challenge page.
// None of the detection logic lives here; this package only ever calls
// into internal/engine.
package httpadapter

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kestrelsec/botwave/internal/engine"
	"github.com/kestrelsec/botwave/internal/evidence"
	"github.com/kestrelsec/botwave/internal/policy"
	"github.com/kestrelsec/botwave/pkg/botlog"
)

const (
	headerDetection    = "X-Bot-Detection"
	headerRiskScore    = "X-Bot-Risk-Score"
	headerDetectors    = "X-Bot-Detectors"
	headerProcessingMs = "X-Bot-Processing-Ms"
	headerEarlyExit    = "X-Bot-Early-Exit"
	headerSignatureID  = "X-Signature-ID"
)

// stealthActions never reveal detection via response headers, regardless of
// Options.RevealHeaders — that's what makes them
// stealth rather than merely unrevealed-by-configuration.
var stealthActions = map[policy.ActionType]bool{
	policy.Throttle:         true,
	policy.RedirectHoneypot: true,
	policy.Tarpit:           true,
}

// Options configures the adapter middleware. Zero value is usable: no geo
// lookup, no fingerprint store, detection headers not revealed.
type Options struct {
	Geo           GeoLookup
	Fingerprints  *FingerprintStore
	RevealHeaders bool
}

// Middleware evaluates every request through eng and applies its recommended
// action before the handler chain continues (or is short-circuited).
func Middleware(eng *engine.Engine, opts Options) gin.HandlerFunc {
	if opts.Geo == nil {
		opts.Geo = NoGeoLookup{}
	}
	return func(c *gin.Context) {
		receivedAt := time.Now()
		snap := buildSnapshot(c.Request.Context(), c, opts, receivedAt)

		result, err := eng.Evaluate(c.Request.Context(), snap)
		if err != nil {
			// Evaluate only returns non-nil in a bug, never as a normal
			// failure mode (category-5 fatal errors fail open internally).
			botlog.Error("evaluate returned unexpected error", err, map[string]interface{}{"path": c.Request.URL.Path})
			c.Next()
			return
		}

		applyAction(c, eng, result, opts.RevealHeaders && !stealthActions[result.Action.Type])
	}
}

func applyAction(c *gin.Context, eng *engine.Engine, result engine.EvaluationResult, reveal bool) {
	if reveal {
		setDetectionHeaders(c, result)
	}

	switch result.Action.Type {
	case policy.Block403:
		if err := eng.RecordBan(c.Request.Context(), c.ClientIP()); err != nil {
			botlog.Error("record ban failed", err, map[string]interface{}{"signature_id": result.SignatureID})
		}
		c.AbortWithStatusJSON(403, gin.H{"error": "request blocked"})
	case policy.Challenge:
		// A real CAPTCHA/proof-of-work challenge is an external asset this
		// adapter doesn't own (per scope, client-side fingerprinting
		// transport is someone else's concern too); this demo returns the
		// machine-readable signal a front-end challenge page would act on.
		c.AbortWithStatusJSON(403, gin.H{"error": "challenge required", "signature_id": result.SignatureID})
	case policy.RedirectHoneypot:
		target := result.Action.RedirectPath
		if target == "" {
			target = "/"
		}
		c.Redirect(307, target)
		c.Abort()
	case policy.Throttle:
		if result.Action.ThrottleFor > 0 {
			time.Sleep(result.Action.ThrottleFor)
		}
		c.Next()
	case policy.Tarpit:
		// Tarpit holds the connection open rather than serving or refusing
		// it; this demo approximates that with a long, bounded stall.
		time.Sleep(2 * time.Second)
		c.Next()
	default: // Allow, LogOnly
		c.Next()
	}
}

func setDetectionHeaders(c *gin.Context, result engine.EvaluationResult) {
	c.Header(headerDetection, string(result.Evidence.RiskBand))
	c.Header(headerRiskScore, strconv.FormatFloat(result.Evidence.BotProbability, 'f', 4, 64))
	c.Header(headerDetectors, detectorNamesCSV(result.Evidence.Contributions))
	c.Header(headerProcessingMs, strconv.FormatFloat(result.Elapsed.Seconds()*1000, 'f', 2, 64))
	c.Header(headerEarlyExit, fmt.Sprintf("%t", !result.Evidence.AIRan))
	c.Header(headerSignatureID, result.SignatureID)
}

func detectorNamesCSV(contributions []evidence.Contribution) string {
	names := make([]string, 0, len(contributions))
	seen := make(map[string]struct{}, len(contributions))
	for _, c := range contributions {
		if _, dup := seen[c.DetectorName]; dup {
			continue
		}
		seen[c.DetectorName] = struct{}{}
		names = append(names, c.DetectorName)
	}
	return strings.Join(names, ",")
}
