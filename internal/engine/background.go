package engine

import (
	"context"
	"time"

	"github.com/kestrelsec/botwave/internal/cluster"
	"github.com/kestrelsec/botwave/pkg/botmetrics"
)

const (
	cohortFlushInterval    = 10 * time.Second
	purgeInterval          = 5 * time.Minute
	statsSnapshotTTL       = 2 * purgeInterval
	markovSnapshotInterval = 10 * time.Minute
)

// runBackgroundLoop drives the engine's periodic maintenance: flushing
// pending cohort/global baseline updates, sweeping stale signatures and
// rate limiters, and (on its own longer interval) rebuilding bot clusters.
// Each tick recovers from panics independently so one bad cycle never kills
// the loop for the process's lifetime.
func (e *Engine) runBackgroundLoop(ctx context.Context) {
	defer close(e.backgroundDone)

	cohortTicker := time.NewTicker(cohortFlushInterval)
	defer cohortTicker.Stop()
	purgeTicker := time.NewTicker(purgeInterval)
	defer purgeTicker.Stop()

	clusterInterval := e.cfg.Cluster.ClusteringInterval
	if clusterInterval <= 0 {
		clusterInterval = 5 * time.Minute
	}
	clusterTicker := time.NewTicker(clusterInterval)
	defer clusterTicker.Stop()
	snapshotTicker := time.NewTicker(markovSnapshotInterval)
	defer snapshotTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final snapshot so a graceful shutdown loses at most the decay
			// since the last write, not the whole tracker.
			e.runJob("markov_snapshot", e.saveMarkovSnapshot)
			return
		case <-cohortTicker.C:
			e.runJob("cohort_flush", e.flushCohortUpdates)
		case <-purgeTicker.C:
			e.runJob("purge", e.purgeStale)
		case <-clusterTicker.C:
			e.runJob("clustering", func(ctx context.Context) error { return e.runClustering(ctx) })
		case <-snapshotTicker.C:
			e.runJob("markov_snapshot", e.saveMarkovSnapshot)
		}
	}
}

// saveMarkovSnapshot exports the tracker's full state to the configured
// snapshot store. A no-op when no store is configured (the engine then
// provides no durability, per the core's stated non-goal).
func (e *Engine) saveMarkovSnapshot(ctx context.Context) error {
	if e.snapshots == nil {
		return nil
	}
	data, err := e.tracker.ExportSnapshot(time.Now())
	if err != nil {
		return err
	}
	return e.snapshots.Save(ctx, data)
}

// runJob wraps a background task with panic recovery and status metrics,
// mirroring the scheduler's own per-detector isolation at the job level.
func (e *Engine) runJob(name string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			botmetrics.BackgroundJobTotal.WithLabelValues(name, "panic").Inc()
			e.logger.Error("background job panicked", nil, map[string]interface{}{"job": name, "panic": r})
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		botmetrics.BackgroundJobTotal.WithLabelValues(name, "error").Inc()
		e.logger.Error("background job failed", err, map[string]interface{}{"job": name})
		return
	}
	botmetrics.BackgroundJobTotal.WithLabelValues(name, "ok").Inc()
}

// flushCohortUpdates drains the Markov tracker's pending cohort/global
// queue and, when Redis is configured, publishes a lightweight process-wide
// stats snapshot so a fleet of engine instances can be observed from one
// place without each needing direct Prometheus scrape access.
func (e *Engine) flushCohortUpdates(ctx context.Context) error {
	now := time.Now()
	flushed := e.tracker.FlushCohortUpdates(now)

	// Only the background loop touches lastPendingDropped, so the delta
	// needs no further synchronization.
	dropped := e.tracker.PendingDropped()
	if d := dropped - e.lastPendingDropped; d > 0 {
		botmetrics.PendingCohortUpdatesDropped.WithLabelValues().Add(float64(d))
	}
	e.lastPendingDropped = dropped

	if e.redis == nil {
		return nil
	}
	stats := e.tracker.GetStats()
	snapshot := map[string]interface{}{
		"active_signatures":      stats.ActiveSignatures,
		"cohort_updates_flushed": flushed,
		"pending_dropped":        dropped,
		"observed_at":            now.Format(time.RFC3339),
	}
	return e.redis.SetJSON(ctx, "botwave:stats:global", snapshot, statsSnapshotTTL)
}

// purgeStale sweeps signatures and rate limiters idle past their TTL from
// the coordinator, Markov tracker, and policy registry, bounding memory
// growth from abandoned signatures.
func (e *Engine) purgeStale(ctx context.Context) error {
	now := time.Now()
	e.coordinator.Purge(now)
	e.tracker.Purge(now, purgeInterval*6)

	live := make(map[string]struct{})
	for _, sig := range e.coordinator.Signatures() {
		live[sig] = struct{}{}
	}
	e.policies.PurgeLimiters(live)
	e.clusterSvc.PruneSpectralCache(live)
	return nil
}

// runClustering rebuilds the per-signature feature vectors for every
// tracked signature with enough history and replaces the cluster service's
// active assignment. When a pgvector-backed store is configured, it also
// upserts each signature's embedding so SimilaritySearchDetector's
// nearest-neighbor queries stay current.
func (e *Engine) runClustering(ctx context.Context) error {
	sigs := e.coordinator.Signatures()
	inputs := make([]cluster.VectorInput, 0, len(sigs))

	for _, sig := range sigs {
		behavior, ok := e.coordinator.GetBehavior(sig)
		if !ok {
			continue
		}
		recent := e.coordinator.RecentRecords(sig, 1)
		var countryCode, asn string
		var isDatacenter bool
		if len(recent) > 0 {
			last := recent[len(recent)-1]
			countryCode, asn, isDatacenter = last.CountryCode, last.ASN, last.IsDatacenter
		}

		elapsed := behavior.LastSeen.Sub(behavior.FirstSeen).Seconds()
		requestRate := 0.0
		if elapsed > 1 {
			requestRate = float64(behavior.RequestCount) / elapsed
		}

		inputs = append(inputs, cluster.VectorInput{
			Signature:         sig,
			TimingRegularity:  clamp01(1 - behavior.TimingCoefficient),
			RequestRate:       clamp01(requestRate / 10.0),
			PathDiversity:     clamp01(1 - behavior.PathEntropy/4.0),
			PathEntropy:       behavior.PathEntropy,
			AvgBotProbability: behavior.AverageBotProb,
			CountryCode:       countryCode,
			IsDatacenter:      isDatacenter,
			ASN:               asn,
			FirstSeen:         behavior.FirstSeen,
			LastSeen:          behavior.LastSeen,
			Drift:             e.tracker.GetDriftSignals(sig, time.Now()),
		})
	}

	vectors := cluster.BuildFeatureVectors(e.coordinator, inputs, e.cfg.Cluster.MinRequestsForFeature)
	e.clusterSvc.RunClustering(vectors)

	if e.pgPool == nil {
		return nil
	}
	store := cluster.NewPgVectorStore(e.pgPool)
	for _, v := range vectors {
		if err := store.Upsert(ctx, v.Signature, cluster.Embed(v)); err != nil {
			return err
		}
	}
	return nil
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
