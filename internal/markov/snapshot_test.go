package markov

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotRoundTrip(t *testing.T) {
	tracker := NewTracker(defaultOptions())
	now := time.Now()
	tracker.RecordTransition("sig1", "/a", now, false, true, false, "")
	tracker.RecordTransition("sig1", "/b", now.Add(time.Second), false, true, false, "")
	tracker.RecordTransition("sig1", "/a", now.Add(2*time.Second), false, true, false, "")
	tracker.FlushCohortUpdates(now.Add(3 * time.Second))

	data, err := tracker.ExportSnapshot(now.Add(4 * time.Second))
	require.NoError(t, err)
	require.NotEmpty(t, data)

	restored := NewTracker(defaultOptions())
	require.NoError(t, restored.RestoreSnapshot(data))

	assert.Equal(t, 1, restored.GetStats().ActiveSignatures)
	assert.Equal(t, 2, restored.ChainNodeCount("sig1"))

	// The restored chain continues from where the original left off: a new
	// transition from the saved last_path lands on the existing graph.
	restored.RecordTransition("sig1", "/b", now.Add(6*time.Second), false, true, false, "")
	assert.Equal(t, 2, restored.ChainNodeCount("sig1"))
}

func TestRestoreSnapshotRejectsGarbage(t *testing.T) {
	tracker := NewTracker(defaultOptions())
	assert.Error(t, tracker.RestoreSnapshot([]byte("not json")))
}

func TestSnapshotPreservesDecayedWeights(t *testing.T) {
	opts := defaultOptions()
	opts.HalfLife = time.Hour
	tracker := NewTracker(opts)
	now := time.Now()
	for i, path := range []string{"/a", "/b", "/a", "/b", "/a"} {
		tracker.RecordTransition("sig1", path, now.Add(time.Duration(i)*time.Second), false, false, false, "")
	}

	takenAt := now.Add(opts.HalfLife + time.Second)
	data, err := tracker.ExportSnapshot(takenAt)
	require.NoError(t, err)

	restored := NewTracker(opts)
	require.NoError(t, restored.RestoreSnapshot(data))

	// Weight at snapshot time was ~0.5 (one half-life elapsed); the restored
	// graph must report the same probability structure, not the raw count.
	got := restored.GetDriftSignals("sig1", takenAt)
	want := tracker.GetDriftSignals("sig1", takenAt)
	assert.InDelta(t, want.LoopScore, got.LoopScore, 1e-9)
	assert.InDelta(t, want.EntropyDelta, got.EntropyDelta, 1e-6)
}
