// Package policy maps a request's risk band to an enforcement action.
// Policies are data, not code: a named policy is a table from RiskBand to
// Action plus parameters, loaded from configuration and swappable per path.
package policy

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kestrelsec/botwave/internal/evidence"
)

// ActionType enumerates the enforcement actions a policy can select.
type ActionType string

const (
	Allow            ActionType = "allow"
	LogOnly          ActionType = "log_only"
	Block403         ActionType = "block_403"
	Throttle         ActionType = "throttle"
	Challenge        ActionType = "challenge"
	RedirectHoneypot ActionType = "redirect_honeypot"
	Tarpit           ActionType = "tarpit"
)

// Action is the resolved decision for one request: a type plus whatever
// parameters that type needs (throttle delay, honeypot target).
type Action struct {
	Type         ActionType
	ThrottleFor  time.Duration
	RedirectPath string
}

// Rule pairs a risk band with the action taken when a request lands in it.
type Rule struct {
	Band          evidence.RiskBand
	Action        ActionType
	ThrottleMin   time.Duration
	ThrottleMax   time.Duration
	RedirectPath  string
}

// Policy is a table of rules keyed by risk band, one per band of interest. Bands
// with no matching rule default to Allow.
type Policy struct {
	Name                   string
	Rules                  map[evidence.RiskBand]Rule
	RevealDetectionHeaders bool
}

// DefaultPolicy is the built-in band-to-action table.
func DefaultPolicy() Policy {
	return Policy{
		Name: "default",
		Rules: map[evidence.RiskBand]Rule{
			evidence.RiskVeryLow:  {Band: evidence.RiskVeryLow, Action: Allow},
			evidence.RiskLow:      {Band: evidence.RiskLow, Action: Allow},
			evidence.RiskElevated: {Band: evidence.RiskElevated, Action: LogOnly},
			evidence.RiskMedium:   {Band: evidence.RiskMedium, Action: Throttle, ThrottleMin: 200 * time.Millisecond, ThrottleMax: 800 * time.Millisecond},
			evidence.RiskHigh:     {Band: evidence.RiskHigh, Action: Challenge},
			evidence.RiskVeryHigh: {Band: evidence.RiskVeryHigh, Action: Block403},
		},
		RevealDetectionHeaders: true,
	}
}

// Registry holds named policies and the per-signature limiters backing
// Throttle actions. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]Policy
	default_ string

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRegistry seeds a Registry with the default policy active.
func NewRegistry() *Registry {
	r := &Registry{
		policies: map[string]Policy{"default": DefaultPolicy()},
		default_: "default",
		limiters: make(map[string]*rate.Limiter),
	}
	return r
}

// Register adds or replaces a named policy.
func (r *Registry) Register(p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[p.Name] = p
}

// SetDefault changes which registered policy name is used when no override
// applies. Returns false if the name is not registered.
func (r *Registry) SetDefault(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.policies[name]; !ok {
		return false
	}
	r.default_ = name
	return true
}

// Resolve picks the named policy (or the registry default if override is
// empty/unknown) and computes the Action for a risk band, keyed by
// signature so repeated throttling on the same signature draws from a
// shared limiter rather than re-rolling independently each time.
func (r *Registry) Resolve(override, signatureID string, band evidence.RiskBand) Action {
	policy := r.policy(override)

	rule, ok := policy.Rules[band]
	if !ok {
		return Action{Type: Allow}
	}

	switch rule.Action {
	case Throttle:
		return Action{Type: Throttle, ThrottleFor: r.throttleDelay(signatureID, rule)}
	case RedirectHoneypot:
		return Action{Type: RedirectHoneypot, RedirectPath: rule.RedirectPath}
	default:
		return Action{Type: rule.Action}
	}
}

func (r *Registry) policy(override string) Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if override != "" {
		if p, ok := r.policies[override]; ok {
			return p
		}
	}
	return r.policies[r.default_]
}

// throttleDelay derives a delay within [min,max] for signatureID. A
// signature's own limiter tightens as it keeps landing in Medium, pushing
// the delay toward the top of the configured range; an idle signature
// decays back toward the floor.
func (r *Registry) throttleDelay(signatureID string, rule Rule) time.Duration {
	min, max := rule.ThrottleMin, rule.ThrottleMax
	if max <= min {
		return min
	}

	lim := r.limiterFor(signatureID, max-min)
	reservation := lim.ReserveN(time.Now(), 1)
	delay := reservation.Delay()
	if delay > max-min {
		delay = max - min
	}
	return min + delay
}

func (r *Registry) limiterFor(signatureID string, span time.Duration) *rate.Limiter {
	r.limMu.Lock()
	defer r.limMu.Unlock()
	lim, ok := r.limiters[signatureID]
	if !ok {
		// One token every `span`, burst 1: a signature throttled back to
		// back drifts its own reservation delay toward the range ceiling.
		lim = rate.NewLimiter(rate.Every(span), 1)
		r.limiters[signatureID] = lim
	}
	return lim
}

// PurgeLimiters drops the per-signature limiters whose signature is not in
// signatureIDs (the set of live signatures), bounding the map's growth.
// Called from the same background sweep that purges stale signatures
// elsewhere in the engine.
func (r *Registry) PurgeLimiters(signatureIDs map[string]struct{}) {
	r.limMu.Lock()
	defer r.limMu.Unlock()
	for sig := range r.limiters {
		if _, live := signatureIDs[sig]; !live {
			delete(r.limiters, sig)
		}
	}
}
