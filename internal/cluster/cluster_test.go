package cluster

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	return Options{
		MinBotDetectionsToTrigger:       3,
		SimilarityThreshold:             0.75,
		MinClusterSize:                  3,
		ProductSimilarityThreshold:      0.85,
		MinBotProbForClustering:         0.5,
		NetworkTemporalDensityThreshold: 0.5,
		MaxIterations:                   20,
		MinWeight:                       0.01,
	}
}

func botProductVectors(n int, start time.Time) []FeatureVector {
	out := make([]FeatureVector, n)
	for i := range out {
		out[i] = FeatureVector{
			Signature:         fmt.Sprintf("bot-%d", i),
			TimingRegularity:  0.95,
			RequestRate:       0.8,
			PathEntropy:       0.5,
			AvgBotProbability: 0.9,
			CountryCode:       "US",
			ASN:               "AS15169",
			IsDatacenter:      true,
			FirstSeen:         start,
			LastSeen:          start.Add(time.Hour),
		}
	}
	return out
}

func TestRunClusteringClassifiesBotProduct(t *testing.T) {
	svc := New(testOptions())
	start := time.Now()
	vectors := botProductVectors(4, start)

	clusters := svc.RunClustering(vectors)
	require.Len(t, clusters, 1)

	c := clusters[0]
	assert.Equal(t, BotProduct, c.Classification)
	assert.Len(t, c.MemberSignatures, 4)
	assert.GreaterOrEqual(t, c.AvgSimilarity, 0.85)
	assert.InDelta(t, 0.9, c.AvgBotProbability, 1e-9)
}

func TestRunClusteringDropsSmallCommunities(t *testing.T) {
	svc := New(testOptions())
	start := time.Now()
	vectors := botProductVectors(4, start)
	outlier := FeatureVector{
		Signature:         "lone-wolf",
		TimingRegularity:  0.05,
		RequestRate:       0.01,
		PathEntropy:       3.5,
		AvgBotProbability: 0.05,
		CountryCode:       "BR",
		ASN:               "AS26599",
		FirstSeen:         start.Add(-24 * time.Hour),
		LastSeen:          start.Add(-23 * time.Hour),
	}
	vectors = append(vectors, outlier)

	svc.RunClustering(vectors)

	_, ok := svc.ClusterFor("lone-wolf")
	assert.False(t, ok, "an unconnected singleton must not survive min_cluster_size")

	c, ok := svc.ClusterFor("bot-0")
	require.True(t, ok)
	assert.NotContains(t, c.MemberSignatures, "lone-wolf")
}

func TestRunClusteringBelowTriggerKeepsPrevious(t *testing.T) {
	svc := New(testOptions())
	start := time.Now()

	first := svc.RunClustering(botProductVectors(4, start))
	require.Len(t, first, 1)

	// Too few vectors to trigger a new run; the previous result stands.
	again := svc.RunClustering(botProductVectors(2, start))
	assert.Len(t, again, 1)
	_, ok := svc.ClusterFor("bot-0")
	assert.True(t, ok)
}

func TestRunClusteringReplacesAssignmentAtomically(t *testing.T) {
	svc := New(testOptions())
	start := time.Now()
	svc.RunClustering(botProductVectors(4, start))

	// A later run with an entirely different population overwrites the old
	// assignment rather than accreting onto it.
	replacement := botProductVectors(3, start)
	for i := range replacement {
		replacement[i].Signature = fmt.Sprintf("next-%d", i)
	}
	svc.RunClustering(replacement)

	_, ok := svc.ClusterFor("bot-0")
	assert.False(t, ok)
	_, ok = svc.ClusterFor("next-0")
	assert.True(t, ok)
}

type staticSource map[string]int

func (s staticSource) RequestCount(sig string) int { return s[sig] }

type fakeIntervalSource struct {
	count     int
	intervals []float64
	calls     int
}

func (f *fakeIntervalSource) RequestCount(string) int { return f.count }
func (f *fakeIntervalSource) Intervals(string) []float64 {
	f.calls++
	return f.intervals
}

func TestGetSpectralFeaturesCachesUntilCountChanges(t *testing.T) {
	svc := New(testOptions())
	src := &fakeIntervalSource{count: 10, intervals: []float64{1, 3, 1, 3, 1, 3, 1, 3, 1, 3}}

	first := svc.GetSpectralFeatures(src, "sig-1")
	require.True(t, first.HasSufficientData)
	again := svc.GetSpectralFeatures(src, "sig-1")
	assert.Equal(t, first, again)
	assert.Equal(t, 1, src.calls, "second read must come from the cache")

	src.count = 11
	svc.GetSpectralFeatures(src, "sig-1")
	assert.Equal(t, 2, src.calls, "a new record invalidates the cache")
}

func TestPruneSpectralCache(t *testing.T) {
	svc := New(testOptions())
	src := &fakeIntervalSource{count: 10, intervals: []float64{1, 3, 1, 3, 1, 3, 1, 3, 1, 3}}
	svc.GetSpectralFeatures(src, "stale-sig")

	svc.PruneSpectralCache(map[string]struct{}{})
	svc.GetSpectralFeatures(src, "stale-sig")
	assert.Equal(t, 2, src.calls, "pruned entry must be recomputed")
}

func TestBuildFeatureVectorsFiltersByRequestCount(t *testing.T) {
	source := staticSource{"seen-a-lot": 12, "barely-seen": 2}
	inputs := []VectorInput{
		{Signature: "seen-a-lot", AvgBotProbability: 0.8},
		{Signature: "barely-seen", AvgBotProbability: 0.9},
	}
	vectors := BuildFeatureVectors(source, inputs, 5)
	require.Len(t, vectors, 1)
	assert.Equal(t, "seen-a-lot", vectors[0].Signature)
}

func TestBestMatchBoundsDelta(t *testing.T) {
	svc := New(testOptions())
	start := time.Now()
	vectors := botProductVectors(4, start)
	svc.RunClustering(vectors)

	all := make(map[string]FeatureVector, len(vectors))
	for _, v := range vectors {
		all[v.Signature] = v
	}
	probe := FeatureVector{Signature: "newcomer", CountryCode: "US", ASN: "AS15169", IsDatacenter: true}

	c, delta, ok := svc.BestMatch(probe, all)
	require.True(t, ok)
	assert.Equal(t, BotProduct, c.Classification)
	assert.LessOrEqual(t, delta, 0.2, "affinity delta is bounded")
	assert.Greater(t, delta, 0.0)
}
