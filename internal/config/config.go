// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mbd888/sybilscan/internal/chain"
	"github.com/mbd888/sybilscan/internal/security"
)

// Anomaly normalization bound modes
const (
	BoundsFixed     = "fixed"     // ANOMALY_MIN / ANOMALY_MAX constants
	BoundsReference = "reference" // computed once over the feature table
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Model artifacts (read-only, loaded once)
	ModelDir string

	// Reference feature table: CSV file, or PostgreSQL when the DSN is set
	FeatureTablePath string
	FeatureTableDSN  string
	NativeChain      string

	// Block explorer
	ExplorerBaseURL   string
	ExplorerTimeout   time.Duration
	ExplorerAPIKeys   []string            // shared default pool
	ExplorerChainKeys map[string][]string // per-chain pools, keyed by chain id

	// Anomaly score normalization
	AnomalyBounds string
	AnomalyMin    float64
	AnomalyMax    float64

	// Batch jobs
	JobBatchSize      int
	MaxBatchAddresses int
	InferenceWorkers  int

	// API keys and limits
	APIKeysFile  string
	RateLimitRPM int

	// Job completion callbacks
	WebhookSecret string

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultModelDir          = "models"
	DefaultFeatureTablePath  = "data/nft_feats_labeled_T30.csv"
	DefaultExplorerBaseURL   = "https://api.etherscan.io/v2/api"
	DefaultExplorerTimeout   = 15 * time.Second
	DefaultAnomalyMin        = -0.18
	DefaultAnomalyMax        = 0.12
	DefaultJobBatchSize      = 1000
	DefaultMaxBatchAddresses = 100000
	DefaultInferenceWorkers  = 4
	DefaultAPIKeysFile       = "data/api_keys.json"
	DefaultRateLimitRPM      = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		ModelDir:          getEnv("MODEL_DIR", DefaultModelDir),
		FeatureTablePath:  getEnv("FEATURE_TABLE_PATH", DefaultFeatureTablePath),
		FeatureTableDSN:   os.Getenv("FEATURE_TABLE_DSN"), // optional, CSV used when empty
		NativeChain:       strings.ToLower(getEnv("NATIVE_CHAIN", string(chain.Default))),
		ExplorerBaseURL:   getEnv("EXPLORER_BASE_URL", DefaultExplorerBaseURL),
		ExplorerTimeout:   getEnvDuration("EXPLORER_TIMEOUT", DefaultExplorerTimeout),
		ExplorerAPIKeys:   getEnvList("EXPLORER_API_KEYS"),
		ExplorerChainKeys: make(map[string][]string),
		AnomalyBounds:     strings.ToLower(getEnv("ANOMALY_BOUNDS", BoundsFixed)),
		AnomalyMin:        getEnvFloat("ANOMALY_MIN", DefaultAnomalyMin),
		AnomalyMax:        getEnvFloat("ANOMALY_MAX", DefaultAnomalyMax),
		JobBatchSize:      int(getEnvInt64("JOB_BATCH_SIZE", DefaultJobBatchSize)),
		MaxBatchAddresses: int(getEnvInt64("MAX_BATCH_ADDRESSES", DefaultMaxBatchAddresses)),
		InferenceWorkers:  int(getEnvInt64("INFERENCE_WORKERS", DefaultInferenceWorkers)),
		APIKeysFile:       getEnv("API_KEYS_FILE", DefaultAPIKeysFile),
		RateLimitRPM:      int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		WebhookSecret:     os.Getenv("WEBHOOK_SECRET"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	for _, id := range chain.All() {
		if keys := getEnvList("EXPLORER_API_KEYS_" + strings.ToUpper(string(id))); len(keys) > 0 {
			cfg.ExplorerChainKeys[string(id)] = keys
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and coherent
func (c *Config) Validate() error {
	if c.ModelDir == "" {
		return fmt.Errorf("MODEL_DIR is required")
	}
	if c.FeatureTablePath == "" && c.FeatureTableDSN == "" {
		return fmt.Errorf("one of FEATURE_TABLE_PATH or FEATURE_TABLE_DSN is required")
	}
	if !chain.IsSupported(c.NativeChain) {
		return fmt.Errorf("NATIVE_CHAIN %q is not a supported chain", c.NativeChain)
	}
	if c.ExplorerBaseURL == "" {
		return fmt.Errorf("EXPLORER_BASE_URL is required")
	}
	if c.IsProduction() {
		if err := security.ValidateEndpointURL(c.ExplorerBaseURL); err != nil {
			return fmt.Errorf("EXPLORER_BASE_URL: %w", err)
		}
	}

	switch c.AnomalyBounds {
	case BoundsFixed:
		if c.AnomalyMin > c.AnomalyMax {
			return fmt.Errorf("ANOMALY_MIN (%g) must not exceed ANOMALY_MAX (%g)", c.AnomalyMin, c.AnomalyMax)
		}
	case BoundsReference:
	default:
		return fmt.Errorf("ANOMALY_BOUNDS must be %q or %q", BoundsFixed, BoundsReference)
	}

	if c.JobBatchSize <= 0 {
		return fmt.Errorf("JOB_BATCH_SIZE must be positive")
	}
	if c.MaxBatchAddresses <= 0 {
		return fmt.Errorf("MAX_BATCH_ADDRESSES must be positive")
	}
	if c.InferenceWorkers <= 0 {
		return fmt.Errorf("INFERENCE_WORKERS must be positive")
	}

	return nil
}

// ClassifierPath is the LightGBM model dump inside ModelDir
func (c *Config) ClassifierPath() string {
	return filepath.Join(c.ModelDir, "lgb_classifier.json")
}

// AnomalyDetectorPath is the isolation forest export inside ModelDir
func (c *Config) AnomalyDetectorPath() string {
	return filepath.Join(c.ModelDir, "iforest.json")
}

// FeatureNamesPath is the ordered classifier column list inside ModelDir
func (c *Config) FeatureNamesPath() string {
	return filepath.Join(c.ModelDir, "feature_names.json")
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping blanks
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
