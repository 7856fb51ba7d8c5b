// Package cluster groups signatures exhibiting correlated bot behavior
// into named clusters (bot products, shared infrastructure, geo-distributed
// campaigns) by building a per-signature feature vector, computing an
// adaptively-weighted similarity graph, and running community detection.
package cluster

import (
	"time"

	"github.com/kestrelsec/botwave/internal/markov"
)

// FeatureVector is one signature's position in similarity space, built from
// its behavioral aggregate plus drift signals.
type FeatureVector struct {
	Signature         string
	TimingRegularity  float64
	RequestRate       float64
	PathDiversity     float64
	PathEntropy       float64
	AvgBotProbability float64
	CountryCode       string
	IsDatacenter      bool
	ASN               string
	FirstSeen         time.Time
	LastSeen          time.Time
	Lat, Lon          float64
	HasGeo            bool
	Region, Continent string

	Drift markov.DriftSignals
}

// BehaviorSource is the subset of SignatureCoordinator used to build
// feature vectors, kept narrow so cluster tests don't need a full
// coordinator.
type BehaviorSource interface {
	RequestCount(sig string) int
}

// VectorInput is everything the caller must supply per signature beyond
// what BehaviorSource already tracks — geo/ASN/network metadata the
// coordinator doesn't itself own.
type VectorInput struct {
	Signature         string
	TimingRegularity  float64
	RequestRate       float64
	PathDiversity     float64
	PathEntropy       float64
	AvgBotProbability float64
	CountryCode       string
	IsDatacenter      bool
	ASN               string
	FirstSeen         time.Time
	LastSeen          time.Time
	Lat, Lon          float64
	HasGeo            bool
	Region, Continent string
	Drift             markov.DriftSignals
}

// BuildFeatureVectors filters inputs down to signatures with at least
// minRequests recorded, producing one FeatureVector per survivor.
func BuildFeatureVectors(source BehaviorSource, inputs []VectorInput, minRequests int) []FeatureVector {
	out := make([]FeatureVector, 0, len(inputs))
	for _, in := range inputs {
		if source.RequestCount(in.Signature) < minRequests {
			continue
		}
		out = append(out, FeatureVector{
			Signature:         in.Signature,
			TimingRegularity:  in.TimingRegularity,
			RequestRate:       in.RequestRate,
			PathDiversity:     in.PathDiversity,
			PathEntropy:       in.PathEntropy,
			AvgBotProbability: in.AvgBotProbability,
			CountryCode:       in.CountryCode,
			IsDatacenter:      in.IsDatacenter,
			ASN:               in.ASN,
			FirstSeen:         in.FirstSeen,
			LastSeen:          in.LastSeen,
			Lat:               in.Lat,
			Lon:               in.Lon,
			HasGeo:            in.HasGeo,
			Region:            in.Region,
			Continent:         in.Continent,
			Drift:             in.Drift,
		})
	}
	return out
}
