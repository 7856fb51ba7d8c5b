package blackboard

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelsec/botwave/internal/evidence"
)

func newTestState(t *testing.T) State {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "/products/1", nil)
	require.NoError(t, err)
	return New(req, "req-1", "sig-1", time.Now())
}

func TestWithResultDoesNotMutateOriginal(t *testing.T) {
	original := newTestState(t)

	next := original.WithResult("UserAgent", Result{
		Signals:       map[string]float64{"ua_bot_token": 1},
		Contributions: []evidence.Contribution{{DetectorName: "UserAgent", ConfidenceDelta: 0.8, Weight: 1}},
	}, time.Millisecond)

	assert.Empty(t, original.Signals)
	assert.Empty(t, original.CompletedDetectors)
	assert.Empty(t, original.Contributions)

	assert.Equal(t, 1.0, next.Signals["ua_bot_token"])
	assert.Contains(t, next.CompletedDetectors, "UserAgent")
	require.Len(t, next.Contributions, 1)
}

func TestWithResultFailedGoesToFailedSet(t *testing.T) {
	s := newTestState(t)
	next := s.WithResult("Slow", Result{
		Failed:        true,
		Signals:       map[string]float64{"ignored": 1},
		Contributions: []evidence.Contribution{{DetectorName: "Slow", ConfidenceDelta: 1, Weight: 1}},
	}, time.Millisecond)

	assert.Contains(t, next.FailedDetectors, "Slow")
	assert.NotContains(t, next.CompletedDetectors, "Slow")
	assert.Empty(t, next.Signals, "a failed detector publishes nothing")
	assert.Empty(t, next.Contributions)
}

func TestWithResultAccumulatesElapsed(t *testing.T) {
	s := newTestState(t)
	s = s.WithResult("A", Result{}, 2*time.Millisecond)
	s = s.WithResult("B", Result{}, 3*time.Millisecond)
	assert.Equal(t, 5*time.Millisecond, s.Elapsed)
}

func TestTriggers(t *testing.T) {
	signals := map[string]float64{"ua_bot_token": 1, "markov_self_drift": 0.2}

	assert.True(t, Always{}.Satisfied(nil))
	assert.True(t, SignalExists{Name: "ua_bot_token"}.Satisfied(signals))
	assert.False(t, SignalExists{Name: "missing"}.Satisfied(signals))
	assert.True(t, SignalAtLeast{Name: "markov_self_drift", Threshold: 0.1}.Satisfied(signals))
	assert.False(t, SignalAtLeast{Name: "markov_self_drift", Threshold: 0.5}.Satisfied(signals))
	assert.True(t, Any{SignalExists{Name: "missing"}, SignalExists{Name: "ua_bot_token"}}.Satisfied(signals))
	assert.False(t, Any{SignalExists{Name: "missing"}}.Satisfied(signals))
}
