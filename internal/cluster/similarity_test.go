package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func geoVector(lat, lon float64) FeatureVector {
	return FeatureVector{Lat: lat, Lon: lon, HasGeo: true}
}

func TestGeoSimilarityBuckets(t *testing.T) {
	london := geoVector(51.5074, -0.1278)

	tests := []struct {
		name     string
		other    FeatureVector
		min, max float64
	}{
		{"identical point", geoVector(51.5074, -0.1278), 1.0, 1.0},
		{"london-oxford metro", geoVector(51.7520, -1.2577), 0.85, 1.0},
		{"london-edinburgh same country", geoVector(55.9533, -3.1883), 0.5, 0.85},
		{"london-madrid same continent", geoVector(40.4168, -3.7038), 0.3, 0.7},
		{"london-tokyo intercontinental", geoVector(35.6762, 139.6503), 0.0, 0.3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := GeoSimilarity(london, tt.other)
			assert.GreaterOrEqual(t, sim, tt.min)
			assert.LessOrEqual(t, sim, tt.max)
		})
	}
}

func TestGeoSimilarityAntipodalFloor(t *testing.T) {
	a := geoVector(0, 0)
	b := geoVector(0, 180)
	assert.InDelta(t, 0.1, GeoSimilarity(a, b), 1e-9)
}

func TestGeoSimilarityFallbacks(t *testing.T) {
	withGeo := geoVector(51.5, -0.12)
	withGeo.CountryCode = "GB"
	withGeo.Continent = "EU"

	sameCountry := FeatureVector{CountryCode: "gb", Continent: "EU"}
	assert.Equal(t, 1.0, GeoSimilarity(withGeo, sameCountry))

	sameContinent := FeatureVector{CountryCode: "FR", Continent: "eu"}
	assert.Equal(t, 0.4, GeoSimilarity(withGeo, sameContinent))

	noOverlap := FeatureVector{CountryCode: "JP", Continent: "AS"}
	assert.Equal(t, 0.3, GeoSimilarity(withGeo, noOverlap))

	bothNull := FeatureVector{}
	assert.Equal(t, 1.0, GeoSimilarity(bothNull, FeatureVector{}))
}

func TestGeoSimilarityCoordlessUsesCountryCodes(t *testing.T) {
	us := FeatureVector{CountryCode: "US", Continent: "NA"}
	de := FeatureVector{CountryCode: "DE", Continent: "EU"}
	fr := FeatureVector{CountryCode: "FR", Continent: "EU"}

	assert.Equal(t, 0.3, GeoSimilarity(us, de), "different continents must not score as co-located")
	assert.Equal(t, 0.4, GeoSimilarity(de, fr), "same continent, different country")
	assert.Equal(t, 1.0, GeoSimilarity(us, FeatureVector{CountryCode: "us"}))
}

func TestHaversineKnownDistance(t *testing.T) {
	// London to Paris is roughly 344 km.
	d := Haversine(51.5074, -0.1278, 48.8566, 2.3522)
	assert.InDelta(t, 344, d, 10)
}

func TestComputeSimilarityBounds(t *testing.T) {
	a := FeatureVector{TimingRegularity: 0.9, PathEntropy: 2.5, AvgBotProbability: 0.8, CountryCode: "US", ASN: "AS15169", IsDatacenter: true}
	b := FeatureVector{TimingRegularity: 0.1, PathEntropy: 0.5, AvgBotProbability: 0.1, CountryCode: "DE", ASN: "AS3320"}
	vectors := []FeatureVector{a, b}

	weights := NewAdaptiveSimilarityWeighter(0.01).ComputeWeights(vectors)
	ranges := ComputeRanges(vectors)

	sim := ComputeSimilarity(a, b, weights, ranges)
	assert.GreaterOrEqual(t, sim, 0.0)
	assert.LessOrEqual(t, sim, 1.0)

	self := ComputeSimilarity(a, a, weights, ranges)
	assert.InDelta(t, 1.0, self, 1e-9)
}

func TestAdaptiveWeightsFlooredAndVarianceDriven(t *testing.T) {
	vectors := []FeatureVector{
		{TimingRegularity: 0.0, AvgBotProbability: 0.5},
		{TimingRegularity: 1.0, AvgBotProbability: 0.5},
		{TimingRegularity: 0.5, AvgBotProbability: 0.5},
	}
	w := NewAdaptiveSimilarityWeighter(0.01).ComputeWeights(vectors)
	require.Greater(t, w.TimingRegularity, w.AvgBotProbability,
		"high-variance feature should outweigh a constant one")
	assert.GreaterOrEqual(t, w.AvgBotProbability, 0.01, "weights are floored at min_weight")
}
