package reputation

import (
	"testing"
	"time"
)

func TestCountryBotRateGatedBySampleSize(t *testing.T) {
	tr := New(Options{})
	now := time.Now()

	for i := 0; i < 10; i++ {
		tr.RecordDetection("ru", "UserAgent", true, 0.9, now.Add(time.Duration(i)*time.Second))
	}

	rate, ok := tr.GetCountryBotRate("RU", now.Add(10*time.Second))
	if !ok {
		t.Fatal("expected rate to be available after 10 samples")
	}
	if rate < 0.9 || rate > 1.0 {
		t.Errorf("rate = %v, want in [0.9, 1.0]", rate)
	}
}

func TestCountryBotRateBelowSampleFloor(t *testing.T) {
	tr := New(Options{})
	now := time.Now()

	for i := 0; i < 3; i++ {
		tr.RecordDetection("ru", "UserAgent", true, 0.9, now)
	}

	if _, ok := tr.GetCountryBotRate("RU", now); ok {
		t.Error("expected no rate below min sample size")
	}
}

func TestUnknownCountryHasNoRate(t *testing.T) {
	tr := New(Options{})
	if _, ok := tr.GetCountryBotRate("ZZ", time.Now()); ok {
		t.Error("expected false for an unseen country")
	}
}

func TestDecayTauDefaultIsEffectivelyPermanent(t *testing.T) {
	tr := New(Options{DecayTau: 0})
	if tr.opts.DecayTau != 100000*time.Hour {
		t.Errorf("default decay tau = %v, want 100000h", tr.opts.DecayTau)
	}
}
