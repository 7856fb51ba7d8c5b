package cluster

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/kestrelsec/botwave/internal/spectral"
	"github.com/kestrelsec/botwave/pkg/botmetrics"
)

// Classification labels what kind of correlated group a Cluster represents.
type Classification string

const (
	BotProduct     Classification = "bot_product"
	Infrastructure Classification = "infrastructure"
	GeoDistributed Classification = "geo_distributed"
	Mixed          Classification = "mixed"
)

// Cluster is one community of signatures judged to be acting together.
type Cluster struct {
	ID                string
	MemberSignatures  []string
	AvgSimilarity     float64
	AvgBotProbability float64
	TemporalDensity   float64
	ProductSimilarity float64
	Classification    Classification
}

// Options tunes RunClustering's thresholds.
type Options struct {
	MinBotDetectionsToTrigger       int
	SimilarityThreshold             float64
	MinClusterSize                  int
	ProductSimilarityThreshold      float64
	MinBotProbForClustering         float64
	NetworkTemporalDensityThreshold float64
	MaxIterations                   int
	MinWeight                       float64
}

// geoDispersionThreshold gates the GeoDistributed classification. Not
// named as a distinct tunable upstream; treated as a fixed constant since
// no separate configuration knob was specified for it.
const geoDispersionThreshold = 0.5

// Service owns the current cluster assignment and the spectral-feature
// cache keyed by signature. Safe for concurrent use: the active result is
// swapped atomically under a single exclusive lock, reads copy.
type Service struct {
	opts Options

	mu       sync.RWMutex
	clusters []Cluster
	bySig    map[string]string // signature -> cluster id

	specMu        sync.Mutex
	spectralCache map[string]spectralCacheEntry
}

type spectralCacheEntry struct {
	requestCount int
	features     spectral.Features
}

// New constructs a Service with defaulted thresholds for any zero field.
func New(opts Options) *Service {
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = 0.75
	}
	if opts.MinClusterSize <= 0 {
		opts.MinClusterSize = 3
	}
	if opts.ProductSimilarityThreshold <= 0 {
		opts.ProductSimilarityThreshold = 0.85
	}
	if opts.MinBotProbForClustering <= 0 {
		opts.MinBotProbForClustering = 0.5
	}
	if opts.NetworkTemporalDensityThreshold <= 0 {
		opts.NetworkTemporalDensityThreshold = 0.5
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 20
	}
	if opts.MinWeight <= 0 {
		opts.MinWeight = 0.01
	}
	return &Service{
		opts:          opts,
		bySig:         make(map[string]string),
		spectralCache: make(map[string]spectralCacheEntry),
	}
}

// IntervalSource is the slice of the signature coordinator the spectral
// cache reads: the current record count (the cache invalidation key) and
// the inter-arrival intervals themselves.
type IntervalSource interface {
	RequestCount(sig string) int
	Intervals(sig string) []float64
}

// GetSpectralFeatures returns the FFT feature set over a signature's
// inter-arrival intervals, cached until the signature's record count
// changes.
func (s *Service) GetSpectralFeatures(src IntervalSource, sig string) spectral.Features {
	count := src.RequestCount(sig)
	s.specMu.Lock()
	if e, ok := s.spectralCache[sig]; ok && e.requestCount == count {
		s.specMu.Unlock()
		return e.features
	}
	s.specMu.Unlock()

	features := spectral.Extract(src.Intervals(sig))

	s.specMu.Lock()
	s.spectralCache[sig] = spectralCacheEntry{requestCount: count, features: features}
	s.specMu.Unlock()
	return features
}

// PruneSpectralCache drops cached features for signatures no longer alive.
func (s *Service) PruneSpectralCache(live map[string]struct{}) {
	s.specMu.Lock()
	defer s.specMu.Unlock()
	for sig := range s.spectralCache {
		if _, ok := live[sig]; !ok {
			delete(s.spectralCache, sig)
		}
	}
}

// RunClustering builds the similarity graph over vectors and replaces the
// service's cluster assignment atomically. Returns the clusters kept
// (those meeting MinClusterSize).
func (s *Service) RunClustering(vectors []FeatureVector) []Cluster {
	start := time.Now()
	defer func() {
		botmetrics.ClusterRunDuration.WithLabelValues().Observe(time.Since(start).Seconds())
	}()

	if len(vectors) < s.opts.MinBotDetectionsToTrigger {
		return s.snapshot()
	}

	weighter := NewAdaptiveSimilarityWeighter(s.opts.MinWeight)
	weights := weighter.ComputeWeights(vectors)
	ranges := ComputeRanges(vectors)

	n := len(vectors)
	simMatrix := make([][]float64, n)
	for i := range simMatrix {
		simMatrix[i] = make([]float64, n)
	}
	neighbors := make([][]int, n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			sim := ComputeSimilarity(vectors[i], vectors[j], weights, ranges)
			simMatrix[i][j], simMatrix[j][i] = sim, sim
			if sim >= s.opts.SimilarityThreshold {
				neighbors[i] = append(neighbors[i], j)
				neighbors[j] = append(neighbors[j], i)
			}
		}
	}

	labels := labelPropagation(neighbors, s.opts.MaxIterations)
	communities := groupByLabel(labels)

	clusters := make([]Cluster, 0, len(communities))
	bySig := make(map[string]string)
	for _, members := range communities {
		if len(members) < s.opts.MinClusterSize {
			continue
		}
		c := s.buildCluster(vectors, members, simMatrix)
		clusters = append(clusters, c)
		for _, idx := range members {
			bySig[vectors[idx].Signature] = c.ID
		}
	}

	sort.Slice(clusters, func(i, j int) bool { return clusters[i].ID < clusters[j].ID })

	counts := map[Classification]int{}
	for _, c := range clusters {
		counts[c.Classification]++
	}

	s.mu.Lock()
	s.clusters = clusters
	s.bySig = bySig
	s.mu.Unlock()

	for class, count := range counts {
		botmetrics.ClusterCount.WithLabelValues(string(class)).Set(float64(count))
	}

	return clusters
}

func (s *Service) buildCluster(vectors []FeatureVector, members []int, simMatrix [][]float64) Cluster {
	avgSim := meanPairwise(members, simMatrix)
	avgBotProb := 0.0
	for _, idx := range members {
		avgBotProb += vectors[idx].AvgBotProbability
	}
	avgBotProb /= float64(len(members))

	temporalDensity := temporalDensityOf(vectors, members)
	geoDispersion := geoDispersionOf(vectors, members)

	classification := Mixed
	switch {
	case avgSim >= s.opts.ProductSimilarityThreshold && avgBotProb >= s.opts.MinBotProbForClustering:
		classification = BotProduct
	case temporalDensity >= s.opts.NetworkTemporalDensityThreshold:
		classification = Infrastructure
	case geoDispersion > geoDispersionThreshold:
		classification = GeoDistributed
	}

	sigs := make([]string, len(members))
	for i, idx := range members {
		sigs[i] = vectors[idx].Signature
	}
	sort.Strings(sigs)

	return Cluster{
		ID:                sigs[0],
		MemberSignatures:  sigs,
		AvgSimilarity:     avgSim,
		AvgBotProbability: avgBotProb,
		TemporalDensity:   temporalDensity,
		ProductSimilarity: avgSim,
		Classification:    classification,
	}
}

func meanPairwise(members []int, simMatrix [][]float64) float64 {
	if len(members) < 2 {
		return 0
	}
	sum := 0.0
	count := 0
	for i := 0; i < len(members); i++ {
		for j := i + 1; j < len(members); j++ {
			sum += simMatrix[members[i]][members[j]]
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// temporalDensityOf treats the intersection of every member's
// [first_seen,last_seen] window as the "common window" and reports the
// fraction of members whose own window overlaps it by at least 50%.
func temporalDensityOf(vectors []FeatureVector, members []int) float64 {
	if len(members) == 0 {
		return 0
	}
	commonStart := vectors[members[0]].FirstSeen
	commonEnd := vectors[members[0]].LastSeen
	for _, idx := range members[1:] {
		if vectors[idx].FirstSeen.After(commonStart) {
			commonStart = vectors[idx].FirstSeen
		}
		if vectors[idx].LastSeen.Before(commonEnd) {
			commonEnd = vectors[idx].LastSeen
		}
	}
	if !commonEnd.After(commonStart) {
		return 0
	}

	overlapping := 0
	for _, idx := range members {
		v := vectors[idx]
		span := v.LastSeen.Sub(v.FirstSeen).Seconds()
		if span <= 0 {
			continue
		}
		overlapStart := maxTime(v.FirstSeen, commonStart)
		overlapEnd := minTime(v.LastSeen, commonEnd)
		overlap := overlapEnd.Sub(overlapStart).Seconds()
		if overlap < 0 {
			overlap = 0
		}
		if overlap/span >= 0.5 {
			overlapping++
		}
	}
	return float64(overlapping) / float64(len(members))
}

func geoDispersionOf(vectors []FeatureVector, members []int) float64 {
	if len(members) < 2 {
		return 0
	}
	sum := 0.0
	count := 0
	for i := 0; i < len(members); i++ {
		for j := i + 1; j < len(members); j++ {
			sum += 1 - GeoSimilarity(vectors[members[i]], vectors[members[j]])
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

// labelPropagation assigns each node to the majority label among its
// neighbors, iterating until stable or maxIterations is reached. A
// lightweight stand-in for Leiden/Louvain community detection: cheap,
// deterministic given a fixed iteration order, and converges quickly on
// the threshold-connected similarity graphs this service builds.
func labelPropagation(neighbors [][]int, maxIterations int) []int {
	n := len(neighbors)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = i
	}

	for iter := 0; iter < maxIterations; iter++ {
		changed := false
		for i := 0; i < n; i++ {
			if len(neighbors[i]) == 0 {
				continue
			}
			counts := map[int]int{}
			for _, nb := range neighbors[i] {
				counts[labels[nb]]++
			}
			best, bestCount := labels[i], -1
			keys := make([]int, 0, len(counts))
			for k := range counts {
				keys = append(keys, k)
			}
			sort.Ints(keys)
			for _, label := range keys {
				count := counts[label]
				if count > bestCount {
					best, bestCount = label, count
				}
			}
			if best != labels[i] {
				labels[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return labels
}

func groupByLabel(labels []int) [][]int {
	groups := map[int][]int{}
	for i, l := range labels {
		groups[l] = append(groups[l], i)
	}
	out := make([][]int, 0, len(groups))
	for _, members := range groups {
		out = append(out, members)
	}
	return out
}

// ClusterFor returns the cluster a signature currently belongs to, if any.
func (s *Service) ClusterFor(signature string) (Cluster, bool) {
	s.mu.RLock()
	id, ok := s.bySig[signature]
	clusters := s.clusters
	s.mu.RUnlock()
	if !ok {
		return Cluster{}, false
	}
	for _, c := range clusters {
		if c.ID == id {
			return c, true
		}
	}
	return Cluster{}, false
}

func (s *Service) snapshot() []Cluster {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Cluster, len(s.clusters))
	copy(out, s.clusters)
	return out
}

// BestMatch implements the community-affinity query used by
// ClusterContributor: given a non-clustered signature's vector, finds the
// best-matching existing cluster by infra/country/ASN/geo proximity
// against that cluster's centroid-like first member, returning a bounded
// confidence delta rather than full membership.
func (s *Service) BestMatch(v FeatureVector, allVectors map[string]FeatureVector) (Cluster, float64, bool) {
	s.mu.RLock()
	clusters := s.clusters
	s.mu.RUnlock()

	var best Cluster
	bestScore := 0.0
	found := false
	weights := FeatureWeights{Country: 1, Datacenter: 1, ASN: 1, Geo: 1}
	ranges := Ranges{}

	for _, c := range clusters {
		if len(c.MemberSignatures) == 0 {
			continue
		}
		rep, ok := allVectors[c.MemberSignatures[0]]
		if !ok {
			continue
		}
		score := ComputeSimilarity(v, rep, weights, ranges)
		if score > bestScore {
			bestScore = score
			best = c
			found = true
		}
	}
	if !found {
		return Cluster{}, 0, false
	}
	// Bounded: affinity to an existing cluster never outweighs a detector
	// that has actually observed the signature's own behavior.
	delta := math.Min(0.2, bestScore*0.2)
	return best, delta, true
}
