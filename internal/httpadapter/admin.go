package httpadapter

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gopkg.in/yaml.v3"

	"github.com/kestrelsec/botwave/internal/evidence"
	"github.com/kestrelsec/botwave/internal/policy"
	"github.com/kestrelsec/botwave/pkg/adminauth"
)

// RequireScope guards the operator-facing endpoints (policy reload,
// abuse/ban inspection, signature unban) with an RS256 admin token scoped
// to a single capability string.
func RequireScope(mgr *adminauth.Manager, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing admin token"})
			return
		}
		claims, err := mgr.Validate(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin token"})
			return
		}
		if !claims.HasScope(scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient scope"})
			return
		}
		c.Set("admin_subject", claims.Subject)
		c.Next()
	}
}

// policyReloadRequest names a YAML file on disk holding a yamlPolicy to
// register and make the active default.
type policyReloadRequest struct {
	Path string `json:"path" binding:"required"`
}

// yamlPolicy is the YAML-decodable mirror of policy.Policy: policy.Policy
// itself is keyed by evidence.RiskBand and policy.ActionType, neither of
// which yaml.v3 can decode map keys into directly, so this is the wire shape
// an operator's policy file is written in.
type yamlPolicy struct {
	Name                   string                    `yaml:"name"`
	RevealDetectionHeaders bool                      `yaml:"reveal_detection_headers"`
	Rules                  map[string]yamlPolicyRule `yaml:"rules"`
}

type yamlPolicyRule struct {
	Action       string `yaml:"action"`
	ThrottleMin  string `yaml:"throttle_min"`
	ThrottleMax  string `yaml:"throttle_max"`
	RedirectPath string `yaml:"redirect_path"`
}

func (p yamlPolicy) toPolicy() (policy.Policy, error) {
	out := policy.Policy{
		Name:                   p.Name,
		RevealDetectionHeaders: p.RevealDetectionHeaders,
		Rules:                  make(map[evidence.RiskBand]policy.Rule, len(p.Rules)),
	}
	for bandName, r := range p.Rules {
		band := evidence.RiskBand(bandName)
		rule := policy.Rule{Band: band, Action: policy.ActionType(r.Action), RedirectPath: r.RedirectPath}
		if r.ThrottleMin != "" {
			d, err := time.ParseDuration(r.ThrottleMin)
			if err != nil {
				return policy.Policy{}, fmt.Errorf("httpadapter: parse throttle_min for band %q: %w", bandName, err)
			}
			rule.ThrottleMin = d
		}
		if r.ThrottleMax != "" {
			d, err := time.ParseDuration(r.ThrottleMax)
			if err != nil {
				return policy.Policy{}, fmt.Errorf("httpadapter: parse throttle_max for band %q: %w", bandName, err)
			}
			rule.ThrottleMax = d
		}
		out.Rules[band] = rule
	}
	return out, nil
}

// policyRegistrar is the subset of *engine.Engine an admin handler needs —
// narrowed to a local interface so handler tests don't need a full Engine.
type policyRegistrar interface {
	Policies() *policy.Registry
}

// ReloadPolicyHandler reads a YAML policy file from disk, registers it, and
// makes it the active default — POST /admin/policy/reload.
func ReloadPolicyHandler(eng policyRegistrar) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req policyReloadRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		data, err := os.ReadFile(req.Path)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("read policy file: %v", err)})
			return
		}
		var raw yamlPolicy
		if err := yaml.Unmarshal(data, &raw); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("parse policy file: %v", err)})
			return
		}
		newPolicy, err := raw.toPolicy()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if newPolicy.Name == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "policy file must set name"})
			return
		}

		registry := eng.Policies()
		registry.Register(newPolicy)
		registry.SetDefault(newPolicy.Name)
		c.JSON(http.StatusOK, gin.H{"status": "reloaded", "policy": newPolicy.Name})
	}
}

// banLister is the subset of *engine.Engine the banned-IP handler needs.
type banLister interface {
	BannedIPs(ctx context.Context) ([]string, error)
}

// BannedIPsHandler returns the banned-IP set populated by Block403
// verdicts — GET /admin/abuse/banned-ips.
func BannedIPsHandler(eng banLister) gin.HandlerFunc {
	return func(c *gin.Context) {
		ips, err := eng.BannedIPs(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if ips == nil {
			ips = []string{}
		}
		c.JSON(http.StatusOK, gin.H{"banned_ips": ips})
	}
}

// signatureUnbanner is the subset of *engine.Engine the unban handler needs.
type signatureUnbanner interface {
	UnbanSignature(signatureID string, ttl time.Duration)
}

// UnbanSignatureHandler forces a signature to Allow for the given TTL
// (default 1h) — POST /admin/signature/:id/unban.
func UnbanSignatureHandler(eng signatureUnbanner) gin.HandlerFunc {
	return func(c *gin.Context) {
		sig := c.Param("id")
		if sig == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing signature id"})
			return
		}
		ttl := time.Hour
		if raw := c.Query("ttl"); raw != "" {
			if d, err := time.ParseDuration(raw); err == nil {
				ttl = d
			}
		}
		eng.UnbanSignature(sig, ttl)
		c.JSON(http.StatusOK, gin.H{"status": "unbanned", "signature_id": sig, "ttl": ttl.String()})
	}
}
