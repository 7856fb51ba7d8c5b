// Package evidence accumulates per-request detector contributions into a
// calibrated bot-probability score, confidence, and risk band.
package evidence

import (
	"math"
	"sync"
)

// Contribution is one detector's vote toward the final evidence.
type Contribution struct {
	DetectorName    string
	Category        string
	ConfidenceDelta float64 // [-1,1]
	Weight          float64 // ≥ 0
	Reason          string
	Signals         map[string]float64
}

// RiskBand discretizes bot probability for action policy lookups.
type RiskBand string

const (
	RiskVeryLow  RiskBand = "very_low"
	RiskLow      RiskBand = "low"
	RiskElevated RiskBand = "elevated"
	RiskMedium   RiskBand = "medium"
	RiskHigh     RiskBand = "high"
	RiskVeryHigh RiskBand = "very_high"
)

// BandThresholds are the half-open interval boundaries between adjacent
// risk bands, in order VeryLow/Low, Low/Elevated, Elevated/Medium,
// Medium/High, High/VeryHigh.
type BandThresholds [5]float64

// DefaultBandThresholds is the built-in band boundary set.
func DefaultBandThresholds() BandThresholds {
	return BandThresholds{0.15, 0.35, 0.55, 0.70, 0.85}
}

// Band maps a bot probability to a RiskBand using t.
func (t BandThresholds) Band(botProbability float64) RiskBand {
	switch {
	case botProbability < t[0]:
		return RiskVeryLow
	case botProbability < t[1]:
		return RiskLow
	case botProbability < t[2]:
		return RiskElevated
	case botProbability < t[3]:
		return RiskMedium
	case botProbability < t[4]:
		return RiskHigh
	default:
		return RiskVeryHigh
	}
}

// AggregatedEvidence is the final decision record for one request.
type AggregatedEvidence struct {
	BotProbability      float64
	Confidence          float64
	RiskBand            RiskBand
	PrimaryBotType      string
	Contributions       []Contribution
	CategoryBreakdown   map[string]float64
	TotalProcessingTime float64 // seconds
	AIRan               bool
}

// CalibrationOptions configures the sigmoid mapping and coverage-confidence
// weighting used by ToAggregatedEvidence.
type CalibrationOptions struct {
	SigmoidSlope          float64
	CoverageWeights       map[string]float64
	CoverageTotal         float64
	MinCategoryConfidence float64
	BandThresholds        BandThresholds
}

// Ledger accumulates contributions for a single request. Safe for
// concurrent use: AddContribution and Contributions are guarded by a
// mutex.
type Ledger struct {
	mu            sync.Mutex
	contributions []Contribution
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger { return &Ledger{} }

// AddContribution appends a contribution.
func (l *Ledger) AddContribution(c Contribution) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.contributions = append(l.contributions, c)
}

// Contributions returns a snapshot of everything added so far.
func (l *Ledger) Contributions() []Contribution {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Contribution, len(l.contributions))
	copy(out, l.contributions)
	return out
}

// ToAggregatedEvidence finalizes the ledger's accumulated contributions.
func (l *Ledger) ToAggregatedEvidence(aiRan bool, processingTime float64, opts CalibrationOptions) AggregatedEvidence {
	return ToAggregatedEvidence(l.Contributions(), aiRan, processingTime, opts)
}

const ledgerEpsilon = 1e-9

// ToAggregatedEvidence computes the final calibrated evidence. Aggregation
// is commutative: the result does not depend on the order contributions
// were added in.
func ToAggregatedEvidence(contributions []Contribution, aiRan bool, processingTime float64, opts CalibrationOptions) AggregatedEvidence {
	weightedDelta := 0.0
	weightSum := 0.0
	categoryDelta := make(map[string]float64)
	categoryWeight := make(map[string]float64)
	ranDetectors := make(map[string]struct{})

	for _, c := range contributions {
		ranDetectors[c.DetectorName] = struct{}{}
		if c.Weight <= 0 {
			continue
		}
		weightedDelta += c.ConfidenceDelta * c.Weight
		weightSum += c.Weight
		categoryDelta[c.Category] += c.ConfidenceDelta * c.Weight
		categoryWeight[c.Category] += c.Weight
	}

	raw := weightedDelta / math.Max(weightSum, ledgerEpsilon)
	slope := opts.SigmoidSlope
	if slope <= 0 {
		slope = 2.0
	}
	botProbability := sigmoidCalibrated(raw, slope)

	// ledgerConfidence saturates toward 1 as more weighted evidence
	// accumulates; coverageConfidence reflects how much of the full
	// detector roster actually ran. The final confidence is the lesser of
	// the two, so a single heavily-weighted detector can't stand in for
	// broad coverage.
	ledgerConfidence := weightSum / (weightSum + 1.0)
	coverageConfidence := coverageConfidenceOf(ranDetectors, opts)
	confidence := math.Min(ledgerConfidence, coverageConfidence)

	bandThresholds := opts.BandThresholds
	if bandThresholds == (BandThresholds{}) {
		bandThresholds = DefaultBandThresholds()
	}
	riskBand := bandThresholds.Band(botProbability)

	breakdown := make(map[string]float64, len(categoryDelta))
	for cat, weight := range categoryWeight {
		if weight <= 0 {
			continue
		}
		breakdown[cat] = sigmoidCalibrated(categoryDelta[cat]/weight, slope)
	}

	minCatConf := opts.MinCategoryConfidence
	if minCatConf <= 0 {
		minCatConf = 0.3
	}
	primary := ""
	best := minCatConf
	for cat, conf := range breakdown {
		if conf >= best {
			best = conf
			primary = cat
		}
	}

	return AggregatedEvidence{
		BotProbability:      botProbability,
		Confidence:          confidence,
		RiskBand:            riskBand,
		PrimaryBotType:      primary,
		Contributions:       append([]Contribution{}, contributions...),
		CategoryBreakdown:   breakdown,
		TotalProcessingTime: processingTime,
		AIRan:               aiRan,
	}
}

// sigmoidCalibrated maps raw ∈ ℝ to [0,1] with raw=0 → 0.5, monotone and
// saturating smoothly via a logistic with the given slope.
func sigmoidCalibrated(raw, slope float64) float64 {
	return 1.0 / (1.0 + math.Exp(-slope*raw))
}

func coverageConfidenceOf(ran map[string]struct{}, opts CalibrationOptions) float64 {
	weights := opts.CoverageWeights
	total := opts.CoverageTotal
	if len(weights) == 0 {
		weights = defaultCoverageWeights
	}
	if total <= 0 {
		total = defaultCoverageTotal
	}
	sum := 0.0
	for name := range ran {
		sum += weights[name]
	}
	if sum > total {
		sum = total
	}
	return sum / total
}

var defaultCoverageWeights = map[string]float64{
	"UserAgent":     1.0,
	"Ip":            0.5,
	"Header":        1.0,
	"ClientSide":    1.0,
	"Behavioral":    1.0,
	"VersionAge":    0.8,
	"Inconsistency": 0.8,
	"Heuristic":     2.0,
}

const defaultCoverageTotal = 8.1
