// Package config loads botwave's runtime configuration from environment
// variables, with an optional YAML overlay for per-detector weights and
// thresholds that operators want to version-control independently of the
// process environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all process-level configuration for an Engine.
type Config struct {
	Server    ServerConfig
	Signature SignatureConfig
	Markov    MarkovConfig
	Spectral  SpectralConfig
	Ledger    LedgerConfig
	Cluster   ClusterConfig
	Policy    PolicyConfig
	Redis     RedisConfig
	Postgres  PostgresConfig
	AdminAuth AdminAuthConfig
	Sentry    SentryConfig
	Telemetry TelemetryConfig
}

// ServerConfig configures the demo HTTP adapter.
type ServerConfig struct {
	Port        string
	GinMode     string
	Environment string
}

// SignatureConfig configures signature derivation.
type SignatureConfig struct {
	Secret string // HMAC secret; rotating it invalidates prior signatures by design
}

// MarkovConfig configures the transition-chain half-lives, pruning, and
// drift thresholds.
type MarkovConfig struct {
	HalfLife                   time.Duration
	MaxEdgesPerNode            int
	RecentBufferCapacity       int
	MinTransitionsForDrift     int
	SelfDriftThreshold         float64
	HumanDriftThreshold        float64
	LoopScoreThreshold         float64
	SequenceSurpriseThreshold  float64
	TransitionNoveltyThreshold float64
	EntropyDeltaThreshold      float64
	PendingQueueCapacity       int
}

// SpectralConfig configures spectral feature extraction.
type SpectralConfig struct {
	MinIntervals int
}

// LedgerConfig configures evidence aggregation and calibration.
type LedgerConfig struct {
	SigmoidSlope          float64
	MinCategoryConfidence float64
	RiskBandThresholds    [5]float64 // VeryLow/Low, Low/Elevated, Elevated/Medium, Medium/High, High/VeryHigh
}

// ClusterConfig configures the bot-cluster service.
type ClusterConfig struct {
	MinRequestsForFeature           int
	MinBotDetectionsToTrigger       int
	SimilarityThreshold             float64
	MinClusterSize                  int
	ProductSimilarityThreshold      float64
	MinBotProbForClustering         float64
	NetworkTemporalDensityThreshold float64
	MaxIterations                   int
	MinWeight                       float64
	ClusteringInterval              time.Duration
}

// PolicyConfig configures the action-policy overlay, pipeline timeouts,
// and the reputation thresholds consumed by the country-reputation
// detector.
type PolicyConfig struct {
	WeightsFile              string // optional YAML overlay, see LoadDetectorWeights
	RevealDetectionHeaders   bool
	HighRateThreshold        float64
	VeryHighRateThreshold    float64
	CountryMinSampleSize     int64
	CountryDecayTauHours     float64
	DetectorTimeout          time.Duration
	RequestTimeout           time.Duration
}

// RedisConfig configures the optional Redis-backed stores.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// PostgresConfig configures the optional pgvector-backed feature store.
type PostgresConfig struct {
	Enabled bool
	DSN     string
}

// AdminAuthConfig configures the admin JWT manager.
type AdminAuthConfig struct {
	PrivateKeyPEM string
	DevAutoGenKey bool
}

// SentryConfig configures fatal-error reporting.
type SentryConfig struct {
	Enabled          bool
	DSN              string
	Environment      string
	Release          string
	TracesSampleRate float64
}

// TelemetryConfig toggles Prometheus metrics registration at the HTTP
// adapter layer (the engine always records metrics internally; this only
// gates whether /metrics is exposed).
type TelemetryConfig struct {
	Enabled bool
}

// Load reads configuration from the environment (optionally via a .env
// file) applying the same defaults-with-override pattern throughout.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:        getEnv("PORT", "8080"),
			GinMode:     getEnv("GIN_MODE", "release"),
			Environment: getEnv("ENVIRONMENT", "development"),
		},
		Signature: SignatureConfig{
			Secret: getEnv("BOTWAVE_SIGNATURE_SECRET", "dev-signature-secret-change-me"),
		},
		Markov: MarkovConfig{
			HalfLife:                   getEnvDuration("BOTWAVE_MARKOV_HALF_LIFE", 30*time.Minute),
			MaxEdgesPerNode:            getEnvInt("BOTWAVE_MARKOV_MAX_EDGES_PER_NODE", 32),
			RecentBufferCapacity:       getEnvInt("BOTWAVE_MARKOV_RECENT_BUFFER", 32),
			MinTransitionsForDrift:     getEnvInt("BOTWAVE_MARKOV_MIN_TRANSITIONS_FOR_DRIFT", 5),
			SelfDriftThreshold:         getEnvFloat("BOTWAVE_MARKOV_SELF_DRIFT_THRESHOLD", 0.4),
			HumanDriftThreshold:        getEnvFloat("BOTWAVE_MARKOV_HUMAN_DRIFT_THRESHOLD", 0.4),
			LoopScoreThreshold:         getEnvFloat("BOTWAVE_MARKOV_LOOP_SCORE_THRESHOLD", 0.3),
			SequenceSurpriseThreshold:  getEnvFloat("BOTWAVE_MARKOV_SURPRISE_THRESHOLD", 4.0),
			TransitionNoveltyThreshold: getEnvFloat("BOTWAVE_MARKOV_NOVELTY_THRESHOLD", 0.5),
			EntropyDeltaThreshold:      getEnvFloat("BOTWAVE_MARKOV_ENTROPY_DELTA_THRESHOLD", 1.0),
			PendingQueueCapacity:       getEnvInt("BOTWAVE_MARKOV_PENDING_QUEUE_CAPACITY", 10000),
		},
		Spectral: SpectralConfig{
			MinIntervals: getEnvInt("BOTWAVE_SPECTRAL_MIN_INTERVALS", 8),
		},
		Ledger: LedgerConfig{
			SigmoidSlope:          getEnvFloat("BOTWAVE_LEDGER_SIGMOID_SLOPE", 2.0),
			MinCategoryConfidence: getEnvFloat("BOTWAVE_LEDGER_MIN_CATEGORY_CONFIDENCE", 0.3),
			RiskBandThresholds:    [5]float64{0.15, 0.35, 0.55, 0.70, 0.85},
		},
		Cluster: ClusterConfig{
			MinRequestsForFeature:           getEnvInt("BOTWAVE_CLUSTER_MIN_REQUESTS_FOR_FEATURE", 5),
			MinBotDetectionsToTrigger:       getEnvInt("BOTWAVE_CLUSTER_MIN_BOT_DETECTIONS", 10),
			SimilarityThreshold:             getEnvFloat("BOTWAVE_CLUSTER_SIMILARITY_THRESHOLD", 0.75),
			MinClusterSize:                  getEnvInt("BOTWAVE_CLUSTER_MIN_SIZE", 3),
			ProductSimilarityThreshold:      getEnvFloat("BOTWAVE_CLUSTER_PRODUCT_SIMILARITY_THRESHOLD", 0.85),
			MinBotProbForClustering:         getEnvFloat("BOTWAVE_CLUSTER_MIN_BOT_PROB", 0.5),
			NetworkTemporalDensityThreshold: getEnvFloat("BOTWAVE_CLUSTER_TEMPORAL_DENSITY_THRESHOLD", 0.5),
			MaxIterations:                   getEnvInt("BOTWAVE_CLUSTER_MAX_ITERATIONS", 20),
			MinWeight:                       getEnvFloat("BOTWAVE_CLUSTER_MIN_WEIGHT", 0.01),
			ClusteringInterval:              getEnvDuration("BOTWAVE_CLUSTER_INTERVAL", 5*time.Minute),
		},
		Policy: PolicyConfig{
			WeightsFile:            getEnv("BOTWAVE_POLICY_WEIGHTS_FILE", ""),
			RevealDetectionHeaders: getEnvBool("BOTWAVE_REVEAL_DETECTION_HEADERS", true),
			HighRateThreshold:      getEnvFloat("BOTWAVE_COUNTRY_HIGH_RATE_THRESHOLD", 0.7),
			VeryHighRateThreshold:  getEnvFloat("BOTWAVE_COUNTRY_VERY_HIGH_RATE_THRESHOLD", 0.9),
			CountryMinSampleSize:   int64(getEnvInt("BOTWAVE_COUNTRY_MIN_SAMPLE_SIZE", 5)),
			CountryDecayTauHours:   getEnvFloat("BOTWAVE_COUNTRY_DECAY_TAU_HOURS", 100000),
			DetectorTimeout:        getEnvDuration("BOTWAVE_DETECTOR_TIMEOUT", 100*time.Millisecond),
			RequestTimeout:         getEnvDuration("BOTWAVE_REQUEST_TIMEOUT", 500*time.Millisecond),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Addr:     fmt.Sprintf("%s:%s", getEnv("REDIS_HOST", "localhost"), getEnv("REDIS_PORT", "6379")),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Postgres: PostgresConfig{
			Enabled: getEnvBool("POSTGRES_ENABLED", false),
			DSN:     getEnv("POSTGRES_DSN", ""),
		},
		AdminAuth: AdminAuthConfig{
			PrivateKeyPEM: getEnv("BOTWAVE_ADMIN_JWT_PRIVATE_KEY", ""),
			DevAutoGenKey: getEnvBool("BOTWAVE_ADMIN_JWT_DEV_AUTOGEN", true),
		},
		Sentry: SentryConfig{
			Enabled:          getEnvBool("SENTRY_ENABLED", false),
			DSN:              getEnv("SENTRY_DSN", ""),
			Environment:      getEnv("ENVIRONMENT", "development"),
			Release:          getEnv("SENTRY_RELEASE", ""),
			TracesSampleRate: clampFloat(getEnvFloat("SENTRY_TRACES_SAMPLE_RATE", 0.1), 0.0, 1.0),
		},
		Telemetry: TelemetryConfig{
			Enabled: getEnvBool("TELEMETRY_ENABLED", true),
		},
	}

	return cfg, nil
}

// DetectorWeights is the YAML-overlay-tunable slice of configuration:
// per-detector coverage weights used by the ledger's coverage-confidence
// calculation.
type DetectorWeights struct {
	CoverageWeights map[string]float64 `yaml:"coverage_weights"`
}

// DefaultDetectorWeights is the built-in coverage weight table.
func DefaultDetectorWeights() DetectorWeights {
	return DetectorWeights{
		CoverageWeights: map[string]float64{
			"UserAgent":     1.0,
			"Ip":            0.5,
			"Header":        1.0,
			"ClientSide":    1.0,
			"Behavioral":    1.0,
			"VersionAge":    0.8,
			"Inconsistency": 0.8,
			"Heuristic":     2.0,
		},
	}
}

// LoadDetectorWeights reads a YAML overlay if PolicyConfig.WeightsFile is
// set, falling back to DefaultDetectorWeights otherwise. A present-but-
// unreadable file is an error; an absent path is not.
func LoadDetectorWeights(path string) (DetectorWeights, error) {
	weights := DefaultDetectorWeights()
	if path == "" {
		return weights, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return weights, fmt.Errorf("config: read detector weights: %w", err)
	}
	var overlay DetectorWeights
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return weights, fmt.Errorf("config: parse detector weights: %w", err)
	}
	for k, v := range overlay.CoverageWeights {
		weights.CoverageWeights[k] = v
	}
	return weights, nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func clampFloat(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
