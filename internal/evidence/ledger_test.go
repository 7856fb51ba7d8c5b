package evidence

import (
	"math"
	"testing"
)

func TestAggregationCommutative(t *testing.T) {
	a := []Contribution{
		{DetectorName: "UserAgent", Category: "ua", ConfidenceDelta: 0.6, Weight: 1.0},
		{DetectorName: "Ip", Category: "ip", ConfidenceDelta: 0.3, Weight: 0.5},
		{DetectorName: "Header", Category: "header", ConfidenceDelta: -0.2, Weight: 1.0},
	}
	b := []Contribution{a[2], a[0], a[1]}

	opts := CalibrationOptions{}
	ea := ToAggregatedEvidence(a, false, 0.01, opts)
	eb := ToAggregatedEvidence(b, false, 0.01, opts)

	if math.Abs(ea.BotProbability-eb.BotProbability) > 1e-12 {
		t.Errorf("order-dependent result: %v vs %v", ea.BotProbability, eb.BotProbability)
	}
	if ea.RiskBand != eb.RiskBand {
		t.Errorf("order-dependent risk band: %v vs %v", ea.RiskBand, eb.RiskBand)
	}
}

func TestNoContributionsYieldsNeutralProbability(t *testing.T) {
	ev := ToAggregatedEvidence(nil, false, 0, CalibrationOptions{})
	if math.Abs(ev.BotProbability-0.5) > 1e-9 {
		t.Errorf("expected neutral probability 0.5 for no contributions, got %v", ev.BotProbability)
	}
}

func TestCoverageConfidenceScenario(t *testing.T) {
	contributions := []Contribution{
		{DetectorName: "UserAgent", Category: "ua", ConfidenceDelta: 0.5, Weight: 1.0},
		{DetectorName: "Ip", Category: "ip", ConfidenceDelta: 0.5, Weight: 0.5},
		{DetectorName: "Header", Category: "header", ConfidenceDelta: 0.5, Weight: 1.0},
		{DetectorName: "Behavioral", Category: "behavioral", ConfidenceDelta: 0.5, Weight: 1.0},
	}
	ev := ToAggregatedEvidence(contributions, false, 0.01, CalibrationOptions{})
	want := 3.5 / 8.1
	if math.Abs(ev.Confidence-want) > 1e-6 {
		t.Errorf("coverage confidence = %v, want %v", ev.Confidence, want)
	}
}

func TestZeroWeightContributionsIgnored(t *testing.T) {
	contributions := []Contribution{
		{DetectorName: "Noise", Category: "x", ConfidenceDelta: 1.0, Weight: 0},
	}
	ev := ToAggregatedEvidence(contributions, false, 0, CalibrationOptions{})
	if math.Abs(ev.BotProbability-0.5) > 1e-9 {
		t.Errorf("zero-weight contribution should not move probability, got %v", ev.BotProbability)
	}
}

func TestLedgerAccumulatesAndFinalizes(t *testing.T) {
	l := NewLedger()
	l.AddContribution(Contribution{DetectorName: "UserAgent", Category: "ua", ConfidenceDelta: 0.8, Weight: 1.0})
	l.AddContribution(Contribution{DetectorName: "Header", Category: "header", ConfidenceDelta: 0.7, Weight: 1.0})

	snapshot := l.Contributions()
	if len(snapshot) != 2 {
		t.Fatalf("Contributions() = %d entries, want 2", len(snapshot))
	}

	ev := l.ToAggregatedEvidence(false, 0.002, CalibrationOptions{})
	if ev.BotProbability <= 0.5 {
		t.Errorf("two positive contributions should push probability above neutral, got %v", ev.BotProbability)
	}
	if ev.AIRan {
		t.Error("AIRan should be false when not passed")
	}
	if len(ev.Contributions) != 2 {
		t.Errorf("evidence carries %d contributions, want 2", len(ev.Contributions))
	}
}

func TestBandThresholds(t *testing.T) {
	th := DefaultBandThresholds()
	cases := map[float64]RiskBand{
		0.01: RiskVeryLow,
		0.20: RiskLow,
		0.40: RiskElevated,
		0.60: RiskMedium,
		0.75: RiskHigh,
		0.95: RiskVeryHigh,
	}
	for prob, want := range cases {
		if got := th.Band(prob); got != want {
			t.Errorf("Band(%v) = %v, want %v", prob, got, want)
		}
	}
}
