package policy

import (
	"testing"
	"time"

	"github.com/kestrelsec/botwave/internal/evidence"
)

func TestDefaultPolicyActionsPerBand(t *testing.T) {
	r := NewRegistry()
	cases := map[evidence.RiskBand]ActionType{
		evidence.RiskVeryLow:  Allow,
		evidence.RiskLow:      Allow,
		evidence.RiskElevated: LogOnly,
		evidence.RiskMedium:   Throttle,
		evidence.RiskHigh:     Challenge,
		evidence.RiskVeryHigh: Block403,
	}
	for band, want := range cases {
		got := r.Resolve("", "sig-1", band)
		if got.Type != want {
			t.Errorf("band %v: action = %v, want %v", band, got.Type, want)
		}
	}
}

func TestThrottleDelayWithinConfiguredRange(t *testing.T) {
	r := NewRegistry()
	action := r.Resolve("", "sig-throttle", evidence.RiskMedium)
	if action.ThrottleFor < 200*time.Millisecond || action.ThrottleFor > 800*time.Millisecond {
		t.Errorf("throttle delay = %v, want within [200ms, 800ms]", action.ThrottleFor)
	}
}

func TestUnknownOverrideFallsBackToDefault(t *testing.T) {
	r := NewRegistry()
	got := r.Resolve("does-not-exist", "sig-1", evidence.RiskVeryHigh)
	if got.Type != Block403 {
		t.Errorf("expected fallback to default policy's Block403, got %v", got.Type)
	}
}

func TestRegisterAndSetDefault(t *testing.T) {
	r := NewRegistry()
	r.Register(Policy{
		Name: "stealth",
		Rules: map[evidence.RiskBand]Rule{
			evidence.RiskVeryHigh: {Band: evidence.RiskVeryHigh, Action: RedirectHoneypot, RedirectPath: "/honeypot"},
		},
	})
	if !r.SetDefault("stealth") {
		t.Fatal("expected stealth policy to be registered")
	}
	got := r.Resolve("", "sig-1", evidence.RiskVeryHigh)
	if got.Type != RedirectHoneypot || got.RedirectPath != "/honeypot" {
		t.Errorf("got %+v, want RedirectHoneypot to /honeypot", got)
	}
}
