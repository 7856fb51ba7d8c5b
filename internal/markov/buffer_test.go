package markov

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecentBufferOrderedOldestFirst(t *testing.T) {
	b := NewRecentBuffer(4)
	b.Add(Transition{From: "a", To: "b"})
	b.Add(Transition{From: "b", To: "c"})

	got := b.GetRecent()
	require.Len(t, got, 2)
	assert.Equal(t, Transition{From: "a", To: "b"}, got[0])
	assert.Equal(t, Transition{From: "b", To: "c"}, got[1])
}

func TestRecentBufferOverwritesOldestWhenFull(t *testing.T) {
	b := NewRecentBuffer(3)
	for _, to := range []string{"1", "2", "3", "4", "5"} {
		b.Add(Transition{From: "x", To: to})
	}

	got := b.GetRecent()
	require.Len(t, got, 3)
	assert.Equal(t, "3", got[0].To)
	assert.Equal(t, "5", got[2].To)
}

func TestRecentBufferZeroCapacityClampsToOne(t *testing.T) {
	b := NewRecentBuffer(0)
	b.Add(Transition{From: "a", To: "b"})
	b.Add(Transition{From: "b", To: "c"})
	got := b.GetRecent()
	require.Len(t, got, 1)
	assert.Equal(t, "c", got[0].To)
}
