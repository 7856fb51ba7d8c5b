// Package engine wires the detection pipeline's components into a single
// request-evaluation entry point: it owns every process-wide singleton
// (Markov tracker, signature coordinator, cluster service, reputation
// tracker, evidence ledger calibration, and policy registry), builds the
// wave-scheduled detector table once at construction, and exposes
// Evaluate as the one call an HTTP adapter needs to make per request.
package engine

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kestrelsec/botwave/config"
	"github.com/kestrelsec/botwave/internal/blackboard"
	"github.com/kestrelsec/botwave/internal/cluster"
	"github.com/kestrelsec/botwave/internal/detectors"
	"github.com/kestrelsec/botwave/internal/evidence"
	"github.com/kestrelsec/botwave/internal/markov"
	"github.com/kestrelsec/botwave/internal/policy"
	"github.com/kestrelsec/botwave/internal/reputation"
	"github.com/kestrelsec/botwave/internal/scheduler"
	"github.com/kestrelsec/botwave/internal/signature"
	"github.com/kestrelsec/botwave/pkg/botlog"
	"github.com/kestrelsec/botwave/pkg/botmetrics"
	"github.com/kestrelsec/botwave/pkg/botredis"
	"github.com/kestrelsec/botwave/pkg/botreport"
)

// GeoInfo is the geo/ASN classification an HTTP adapter derives for a
// request before calling Evaluate — an external collaborator's output per
// the engine's stated scope, consumed here but never computed here.
type GeoInfo struct {
	CountryCode  string
	ASN          string
	IsDatacenter bool
	Lat, Lon     float64
	HasGeo       bool
	Region       string
	Continent    string
}

// RequestSnapshot is everything an adapter has gathered about one inbound
// request by the time it asks the engine for a verdict.
type RequestSnapshot struct {
	Request            *http.Request
	RequestID          string
	ReceivedAt         time.Time
	Geo                GeoInfo
	IsReturningVisitor bool
	TLSFingerprint     string
	ClientPlatform     string
	ProtocolVersion    string
	ClientFingerprint  []byte
}

// EvaluationResult is the engine's verdict for one request: the derived
// signature, the calibrated evidence behind it, and the enforcement action
// the policy registry resolved for its risk band.
type EvaluationResult struct {
	SignatureID string
	Evidence    evidence.AggregatedEvidence
	Action      policy.Action
	Elapsed     time.Duration
}

// Engine owns every process-wide detection singleton and the scheduler
// built over them. Safe for concurrent Evaluate calls.
type Engine struct {
	cfg    *config.Config
	secret []byte
	logger *botlog.Logger

	tracker     *markov.Tracker
	coordinator *signature.Coordinator
	clusterSvc  *cluster.Service
	reputation  *reputation.Tracker
	policies    *policy.Registry
	calibration evidence.CalibrationOptions
	scheduler   *scheduler.Scheduler

	pgPool    *pgxpool.Pool
	redis     *botredis.Client
	snapshots markov.SnapshotStore

	forcedAllowMu sync.Mutex
	forcedAllow   map[string]time.Time

	lastPendingDropped int64

	cancelBackground context.CancelFunc
	backgroundDone   chan struct{}
	once             sync.Once
}

const (
	bannedIPSetKey    = "botwave:banned_ips"
	markovSnapshotKey = "botwave:markov:snapshot"
)

// redisSnapshotStore adapts the Redis client to markov.SnapshotStore. The
// snapshot payload is opaque to Redis; only the key and TTL live here.
type redisSnapshotStore struct {
	client *botredis.Client
}

func (s redisSnapshotStore) Save(ctx context.Context, data []byte) error {
	return s.client.SetBytes(ctx, markovSnapshotKey, data, 0)
}

func (s redisSnapshotStore) Load(ctx context.Context) ([]byte, error) {
	return s.client.GetBytes(ctx, markovSnapshotKey)
}

// Policies exposes the policy registry so an admin surface can register or
// switch the active named policy without the engine needing to know what
// an HTTP admin endpoint looks like.
func (e *Engine) Policies() *policy.Registry { return e.policies }

// Coordinator exposes the signature coordinator for read-only lookups (the
// signature-lookup HTTP endpoint's GET /signature/{id}).
func (e *Engine) Coordinator() *signature.Coordinator { return e.coordinator }

// UnbanSignature forces the next ttl worth of evaluations for signatureID to
// resolve to Allow regardless of its risk band, the operator override named
// in POST /admin/signature/{id}/unban. Not persisted across restarts, per
// the core's explicit non-durability.
func (e *Engine) UnbanSignature(signatureID string, ttl time.Duration) {
	e.forcedAllowMu.Lock()
	defer e.forcedAllowMu.Unlock()
	e.forcedAllow[signatureID] = time.Now().Add(ttl)
}

func (e *Engine) isForcedAllow(signatureID string) bool {
	e.forcedAllowMu.Lock()
	defer e.forcedAllowMu.Unlock()
	until, ok := e.forcedAllow[signatureID]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(e.forcedAllow, signatureID)
		return false
	}
	return true
}

// RecordBan adds ip to the banned-IP set backing GET /admin/abuse/banned-ips.
// A no-op when Redis isn't configured — the ban list is then scoped to
// whatever Block403 verdicts the policy layer already enforces per request.
func (e *Engine) RecordBan(ctx context.Context, ip string) error {
	if e.redis == nil || ip == "" {
		return nil
	}
	return e.redis.SetAdd(ctx, bannedIPSetKey, ip, 24*time.Hour)
}

// BannedIPs returns the current contents of the banned-IP set, or an empty
// list when Redis isn't configured.
func (e *Engine) BannedIPs(ctx context.Context) ([]string, error) {
	if e.redis == nil {
		return nil, nil
	}
	return e.redis.SetMembers(ctx, bannedIPSetKey)
}

// New constructs an Engine from cfg: every singleton, the wave table, and
// (if configured) optional Postgres/Redis-backed stores. New never dials
// Redis/Postgres eagerly beyond opening a connection pool — a genuinely
// unreachable backend surfaces on first use, not at startup.
func New(cfg *config.Config) (*Engine, error) {
	weights, err := config.LoadDetectorWeights(cfg.Policy.WeightsFile)
	if err != nil {
		return nil, fmt.Errorf("engine: load detector weights: %w", err)
	}

	tracker := markov.NewTracker(markov.Options{
		HalfLife:               cfg.Markov.HalfLife,
		MaxEdgesPerNode:        cfg.Markov.MaxEdgesPerNode,
		RecentBufferCapacity:   cfg.Markov.RecentBufferCapacity,
		MinTransitionsForDrift: cfg.Markov.MinTransitionsForDrift,
		PendingQueueCapacity:   cfg.Markov.PendingQueueCapacity,
		Thresholds: markov.DriftThresholds{
			SelfDrift:         cfg.Markov.SelfDriftThreshold,
			HumanDrift:        cfg.Markov.HumanDriftThreshold,
			LoopScore:         cfg.Markov.LoopScoreThreshold,
			SequenceSurprise:  cfg.Markov.SequenceSurpriseThreshold,
			TransitionNovelty: cfg.Markov.TransitionNoveltyThreshold,
			EntropyDelta:      cfg.Markov.EntropyDeltaThreshold,
		},
	})

	coordinator := signature.NewCoordinator(0, 0)

	clusterSvc := cluster.New(cluster.Options{
		MinBotDetectionsToTrigger:       cfg.Cluster.MinBotDetectionsToTrigger,
		SimilarityThreshold:             cfg.Cluster.SimilarityThreshold,
		MinClusterSize:                  cfg.Cluster.MinClusterSize,
		ProductSimilarityThreshold:      cfg.Cluster.ProductSimilarityThreshold,
		MinBotProbForClustering:         cfg.Cluster.MinBotProbForClustering,
		NetworkTemporalDensityThreshold: cfg.Cluster.NetworkTemporalDensityThreshold,
		MaxIterations:                   cfg.Cluster.MaxIterations,
		MinWeight:                       cfg.Cluster.MinWeight,
	})

	repTracker := reputation.New(reputation.Options{
		DecayTau:      time.Duration(cfg.Policy.CountryDecayTauHours * float64(time.Hour)),
		MinSampleSize: int(cfg.Policy.CountryMinSampleSize),
	})

	policies := policy.NewRegistry()

	e := &Engine{
		cfg:         cfg,
		secret:      []byte(cfg.Signature.Secret),
		logger:      botlog.Default(),
		tracker:     tracker,
		coordinator: coordinator,
		clusterSvc:  clusterSvc,
		reputation:  repTracker,
		policies:    policies,
		forcedAllow: make(map[string]time.Time),
		calibration: evidence.CalibrationOptions{
			SigmoidSlope:          cfg.Ledger.SigmoidSlope,
			CoverageWeights:       weights.CoverageWeights,
			CoverageTotal:         sumWeights(weights.CoverageWeights),
			MinCategoryConfidence: cfg.Ledger.MinCategoryConfidence,
			BandThresholds:        cfg.Ledger.RiskBandThresholds,
		},
	}

	if cfg.Postgres.Enabled {
		pool, err := pgxpool.New(context.Background(), cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("engine: open postgres pool: %w", err)
		}
		e.pgPool = pool
	}

	if cfg.Redis.Enabled {
		rdb, err := botredis.NewClient(botredis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("engine: connect redis: %w", err)
		}
		e.redis = rdb
		e.snapshots = redisSnapshotStore{client: rdb}

		// Best-effort warm start from the last saved snapshot; an absent or
		// unreadable snapshot just means the tracker begins cold.
		loadCtx, cancelLoad := context.WithTimeout(context.Background(), 5*time.Second)
		if data, err := e.snapshots.Load(loadCtx); err == nil && len(data) > 0 {
			if err := tracker.RestoreSnapshot(data); err != nil {
				e.logger.Warn("discarding unreadable markov snapshot", map[string]interface{}{"error": err.Error()})
			}
		}
		cancelLoad()
	}

	deps := detectors.Deps{
		Tracker:     tracker,
		Coordinator: coordinator,
		Cluster:     clusterSvc,
		Reputation:  repTracker,
	}
	if e.pgPool != nil {
		deps.VectorStore = cluster.NewPgVectorStore(e.pgPool)
	}

	e.scheduler = buildScheduler(cfg, deps, nil)

	ctx, cancel := context.WithCancel(context.Background())
	e.cancelBackground = cancel
	e.backgroundDone = make(chan struct{})
	go e.runBackgroundLoop(ctx)

	return e, nil
}

// buildScheduler assembles the fixed wave table: Wave 0's stateless checks,
// Wave 1's stateful behavioral detectors, Wave 2's protocol-fingerprint
// checks, and Wave 3's cluster/similarity/heuristic/AI refinement pass.
func buildScheduler(cfg *config.Config, deps detectors.Deps, llm detectors.LLMDetector) *scheduler.Scheduler {
	wave0 := scheduler.Wave{Name: "wave0", Detectors: []scheduler.Detector{
		detectors.UserAgentDetector{},
		detectors.HeaderDetector{},
		detectors.IPDetector{},
		detectors.SecurityToolDetector{},
		detectors.CacheBehaviorDetector{},
		detectors.VersionAgeDetector{},
		detectors.AIScraperDetector{},
		detectors.ReputationDetector{
			Deps:                  deps,
			HighRateThreshold:     cfg.Policy.HighRateThreshold,
			VeryHighRateThreshold: cfg.Policy.VeryHighRateThreshold,
		},
	}}
	wave1 := scheduler.Wave{Name: "wave1", Detectors: []scheduler.Detector{
		detectors.MarkovDriftDetector{Deps: deps},
		detectors.SpectralDetector{Deps: deps},
		detectors.BehavioralDetector{Deps: deps},
		detectors.ClientSideFingerprintDetector{},
		detectors.GeoChangeDetector{Deps: deps},
		detectors.AccountTakeoverDetector{Deps: deps},
		detectors.ResponseBehaviorDetector{Deps: deps},
	}}
	wave2 := scheduler.Wave{Name: "wave2", Detectors: []scheduler.Detector{
		detectors.TLSFingerprintDetector{},
		detectors.HTTP2FingerprintDetector{},
		detectors.InconsistencyDetector{},
	}}
	wave3 := scheduler.Wave{Name: "wave3", Detectors: []scheduler.Detector{
		detectors.ClusterMembershipDetector{Deps: deps},
		detectors.SimilaritySearchDetector{Deps: deps},
		detectors.HeuristicDetector{},
	}}
	if llm != nil {
		// Registered only when a classifier is actually wired; an inert
		// detector would still count as "completed" and mislabel AIRan.
		wave3.Detectors = append(wave3.Detectors, detectors.LLMRefinementDetector{Classifier: llm})
	}

	return scheduler.New(
		[]scheduler.Wave{wave0, wave1, wave2, wave3},
		scheduler.Options{DetectorTimeout: cfg.Policy.DetectorTimeout, RequestTimeout: cfg.Policy.RequestTimeout},
	)
}

func sumWeights(m map[string]float64) float64 {
	total := 0.0
	for _, w := range m {
		total += w
	}
	return total
}

var browserFamilyPattern = regexp.MustCompile(`(?i)(Chrome|CriOS|Firefox|FxiOS|Safari|Edg|OPR|MSIE|Trident)/?`)

// userAgentFamily reduces a raw User-Agent to a coarse family token for
// signature derivation, the same normalization class as the path templates
// pathnorm collapses raw paths into.
func userAgentFamily(ua string) string {
	if m := browserFamilyPattern.FindString(ua); m != "" {
		return strings.ToLower(strings.TrimSuffix(m, "/"))
	}
	if ua == "" {
		return "unknown"
	}
	if idx := strings.Index(ua, "/"); idx > 0 {
		return strings.ToLower(ua[:idx])
	}
	return strings.ToLower(ua)
}

// Evaluate scores one request end-to-end: derives its signature, runs the
// wave-scheduled detector pipeline, calibrates the resulting evidence, and
// resolves the enforcement action for its risk band. It records the request
// against the signature coordinator, Markov tracker, and country reputation
// tracker before returning, so the next request benefits from this one's
// evidence.
//
// A fatal error (anything that escapes the scheduler's own per-detector
// panic recovery) is reported via botreport.CaptureFatal and
// short-circuits to a LogOnly verdict rather than propagating: a
// detection-engine failure must never become an outage for the service it
// protects.
func (e *Engine) Evaluate(ctx context.Context, snap RequestSnapshot) (result EvaluationResult, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			fatalErr := fmt.Errorf("engine: panic during evaluation: %v", r)
			botreport.CaptureFatal(ctx, fatalErr, result.SignatureID, "engine.Evaluate")
			e.logger.Error("evaluation panicked, failing open", fatalErr)
			result = EvaluationResult{
				SignatureID: result.SignatureID,
				Evidence:    evidence.AggregatedEvidence{RiskBand: evidence.RiskVeryLow},
				Action:      policy.Action{Type: policy.LogOnly},
				Elapsed:     time.Since(start),
			}
			err = nil
		}
		outcome := "completed"
		if ctx.Err() != nil {
			outcome = "timeout"
		}
		botmetrics.EvaluationDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
		botmetrics.EvaluationsTotal.WithLabelValues(string(result.Evidence.RiskBand)).Inc()
	}()

	sig := signature.Derive(e.secret, signature.Fields{
		UserAgentFamily: userAgentFamily(snap.Request.UserAgent()),
		RemoteIP:        snap.Geo.remoteIP(snap.Request),
		AcceptLanguage:  snap.Request.Header.Get("Accept-Language"),
		TLSFingerprint:  snap.TLSFingerprint,
		ClientPlatform:  snap.ClientPlatform,
	})
	result.SignatureID = sig

	clusterID := ""
	if c, ok := e.clusterSvc.ClusterFor(sig); ok {
		clusterID = c.ID
	}

	meta := blackboard.Meta{
		RemoteIP:           snap.Geo.remoteIP(snap.Request),
		CountryCode:        snap.Geo.CountryCode,
		ASN:                snap.Geo.ASN,
		IsDatacenter:       snap.Geo.IsDatacenter,
		IsReturningVisitor: snap.IsReturningVisitor,
		ClusterID:          clusterID,
		TLSFingerprint:     snap.TLSFingerprint,
		ClientPlatform:     snap.ClientPlatform,
		ProtocolVersion:    snap.ProtocolVersion,
		ClientFingerprint:  snap.ClientFingerprint,
	}

	initial := blackboard.NewWithMeta(snap.Request, snap.RequestID, sig, snap.ReceivedAt, meta)
	final := e.scheduler.Run(ctx, initial)

	ledger := evidence.NewLedger()
	for _, c := range final.Contributions {
		ledger.AddContribution(c)
	}
	_, aiRan := final.CompletedDetectors["LLMRefinement"]
	agg := ledger.ToAggregatedEvidence(aiRan, final.Elapsed.Seconds(), e.calibration)

	e.coordinator.RecordRequest(sig, signature.Record{
		RequestID:      snap.RequestID,
		Timestamp:      snap.ReceivedAt,
		RawPath:        snap.Request.URL.Path,
		BotProbability: agg.BotProbability,
		DetectorsRan:   detectorNames(final.CompletedDetectors),
		Signals:        final.Signals,
		CountryCode:    snap.Geo.CountryCode,
		ASN:            snap.Geo.ASN,
		IsDatacenter:   snap.Geo.IsDatacenter,
	})
	isBot := agg.BotProbability >= 0.5
	e.tracker.RecordTransition(sig, snap.Request.URL.Path, snap.ReceivedAt,
		isBot, snap.Geo.IsDatacenter, snap.IsReturningVisitor, clusterID)
	e.reputation.RecordDetection(snap.Geo.CountryCode, "engine", isBot, agg.BotProbability, snap.ReceivedAt)

	action := e.policies.Resolve("", sig, agg.RiskBand)
	if e.isForcedAllow(sig) {
		action = policy.Action{Type: policy.Allow}
	}

	result.Evidence = agg
	result.Action = action
	result.Elapsed = final.Elapsed
	return result, nil
}

func detectorNames(completed map[string]struct{}) []string {
	out := make([]string, 0, len(completed))
	for name := range completed {
		out = append(out, name)
	}
	return out
}

func (GeoInfo) remoteIP(req *http.Request) string {
	if host, _, err := net.SplitHostPort(req.RemoteAddr); err == nil && host != "" {
		return host
	}
	return req.RemoteAddr
}

// Shutdown stops the background maintenance loop and closes any optional
// backend connections. Safe to call once; subsequent calls are no-ops.
func (e *Engine) Shutdown(ctx context.Context) error {
	var shutdownErr error
	e.once.Do(func() {
		e.cancelBackground()
		select {
		case <-e.backgroundDone:
		case <-ctx.Done():
		}
		if e.pgPool != nil {
			e.pgPool.Close()
		}
		if e.redis != nil {
			if err := e.redis.Close(); err != nil {
				shutdownErr = fmt.Errorf("engine: close redis: %w", err)
			}
		}
	})
	return shutdownErr
}
