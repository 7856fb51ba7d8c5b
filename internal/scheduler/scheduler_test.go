package scheduler

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/kestrelsec/botwave/internal/blackboard"
	"github.com/kestrelsec/botwave/internal/evidence"
)

type fakeDetector struct {
	name    string
	trigger blackboard.Trigger
	delay   time.Duration
	result  blackboard.Result
}

func (f fakeDetector) Name() string               { return f.name }
func (f fakeDetector) Trigger() blackboard.Trigger { return f.trigger }
func (f fakeDetector) Run(ctx context.Context, _ blackboard.State) blackboard.Result {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
		}
	}
	return f.result
}

func newState() blackboard.State {
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	return blackboard.New(req, "req-1", "sig-1", time.Now())
}

func TestRunFoldsContributionsInWaveOrder(t *testing.T) {
	wave0 := Wave{Name: "wave0", Detectors: []Detector{
		fakeDetector{name: "UserAgent", trigger: blackboard.Always{}, result: blackboard.Result{
			Signals:       map[string]float64{"ua_suspicious": 1},
			Contributions: []evidence.Contribution{{DetectorName: "UserAgent", Category: "ua", ConfidenceDelta: 0.4, Weight: 1}},
		}},
	}}
	wave1 := Wave{Name: "wave1", Detectors: []Detector{
		fakeDetector{name: "MarkovDrift", trigger: blackboard.SignalAtLeast{Name: "ua_suspicious", Threshold: 1}, result: blackboard.Result{
			Contributions: []evidence.Contribution{{DetectorName: "MarkovDrift", Category: "behavioral", ConfidenceDelta: 0.3, Weight: 1}},
		}},
		fakeDetector{name: "NeverTriggered", trigger: blackboard.SignalExists{Name: "nope"}, result: blackboard.Result{
			Contributions: []evidence.Contribution{{DetectorName: "NeverTriggered", Category: "x", ConfidenceDelta: 1, Weight: 1}},
		}},
	}}

	s := New([]Wave{wave0, wave1}, Options{DetectorTimeout: 50 * time.Millisecond, RequestTimeout: time.Second})
	final := s.Run(context.Background(), newState())

	if len(final.Contributions) != 2 {
		t.Fatalf("expected 2 contributions, got %d: %+v", len(final.Contributions), final.Contributions)
	}
	if final.Contributions[0].DetectorName != "UserAgent" || final.Contributions[1].DetectorName != "MarkovDrift" {
		t.Errorf("expected wave-ordered contributions, got %v then %v", final.Contributions[0].DetectorName, final.Contributions[1].DetectorName)
	}
	if _, ok := final.CompletedDetectors["NeverTriggered"]; ok {
		t.Error("untriggered detector should not appear in CompletedDetectors")
	}
}

func TestRunRecordsTimeoutAsFailed(t *testing.T) {
	wave := Wave{Name: "wave0", Detectors: []Detector{
		fakeDetector{name: "Slow", trigger: blackboard.Always{}, delay: 200 * time.Millisecond},
	}}
	s := New([]Wave{wave}, Options{DetectorTimeout: 10 * time.Millisecond, RequestTimeout: time.Second})
	final := s.Run(context.Background(), newState())

	if _, ok := final.FailedDetectors["Slow"]; !ok {
		t.Error("expected Slow to be recorded as failed after timeout")
	}
	if len(final.Contributions) != 0 {
		t.Errorf("timed-out detector should contribute nothing, got %+v", final.Contributions)
	}
}

func TestRunStopsSchedulingAfterRequestDeadline(t *testing.T) {
	wave0 := Wave{Name: "wave0", Detectors: []Detector{
		fakeDetector{name: "Slow", trigger: blackboard.Always{}, delay: 40 * time.Millisecond},
	}}
	wave1 := Wave{Name: "wave1", Detectors: []Detector{
		fakeDetector{name: "NeverRuns", trigger: blackboard.Always{}, result: blackboard.Result{
			Contributions: []evidence.Contribution{{DetectorName: "NeverRuns", Category: "x", ConfidenceDelta: 1, Weight: 1}},
		}},
	}}
	s := New([]Wave{wave0, wave1}, Options{DetectorTimeout: time.Second, RequestTimeout: 20 * time.Millisecond})
	final := s.Run(context.Background(), newState())

	if _, ok := final.CompletedDetectors["NeverRuns"]; ok {
		t.Error("wave1 should not have run after the request deadline elapsed")
	}
}
