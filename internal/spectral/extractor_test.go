package spectral

import (
	"math"
	"math/rand"
	"testing"
)

func TestExtractInsufficientData(t *testing.T) {
	f := Extract([]float64{1, 2, 3})
	if f.HasSufficientData {
		t.Error("expected HasSufficientData=false for short input")
	}
	want := defaultFeatures()
	if f != want {
		t.Errorf("Extract(short) = %+v, want %+v", f, want)
	}
}

func TestExtractPeriodicitySignal(t *testing.T) {
	intervals := make([]float64, 32)
	for i := range intervals {
		if i%2 == 0 {
			intervals[i] = 1.0
		} else {
			intervals[i] = 3.0
		}
	}
	f := Extract(intervals)
	if !f.HasSufficientData {
		t.Fatal("expected sufficient data")
	}
	if f.DominantFrequency <= 0 {
		t.Errorf("expected dominant_frequency > 0, got %v", f.DominantFrequency)
	}
	if f.PeakToAvgRatio <= 0 {
		t.Errorf("expected peak_to_avg_ratio > 0, got %v", f.PeakToAvgRatio)
	}

	r := rand.New(rand.NewSource(42))
	random := make([]float64, 32)
	for i := range random {
		random[i] = r.Float64() * 4
	}
	randFeatures := Extract(random)
	if f.SpectralEntropy >= randFeatures.SpectralEntropy {
		t.Errorf("periodic entropy %v should be less than random entropy %v", f.SpectralEntropy, randFeatures.SpectralEntropy)
	}
}

func TestTemporalCorrelationSymmetric(t *testing.T) {
	a := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	b := []float64{2, 1, 4, 3, 6, 5, 8, 7, 10, 9}
	ab := ComputeTemporalCorrelation(a, b)
	ba := ComputeTemporalCorrelation(b, a)
	if math.Abs(ab-ba) > 1e-10 {
		t.Errorf("correlation not symmetric: %v vs %v", ab, ba)
	}
}

func TestTemporalCorrelationSelfIsHigh(t *testing.T) {
	a := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	got := ComputeTemporalCorrelation(a, a)
	if got < 0.8 {
		t.Errorf("self-correlation = %v, want >= 0.8", got)
	}
}

func TestTemporalCorrelationShortIsZero(t *testing.T) {
	if got := ComputeTemporalCorrelation([]float64{1, 2}, []float64{1, 2}); got != 0 {
		t.Errorf("short-sequence correlation = %v, want 0", got)
	}
}
