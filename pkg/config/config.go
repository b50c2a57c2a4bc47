// Package config gathers all environment-based configuration into a single
// immutable Config acquired at startup. Hot paths never read the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the umbrella configuration object for the whole process.
type Config struct {
	HTTPPort string
	PodID    string

	Database  DatabaseConfig
	Queue     QueueConfig
	LLM       LLMConfig
	Pipeline  PipelineConfig
	URLFetch  URLFetchConfig
	Limits    LimitsConfig
	Retention RetentionConfig

	// EncryptionSecret derives the key that encrypts tenant API keys at rest.
	EncryptionSecret string
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DSN returns the pgx-compatible connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// QueueConfig controls how pipeline jobs are polled, claimed, and processed.
type QueueConfig struct {
	WorkerCount       int
	MaxConcurrentJobs int
	PollInterval      time.Duration
	PollJitter        time.Duration
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	OrphanScanEvery   time.Duration
	OrphanThreshold   time.Duration
}

// LLMConfig holds provider settings and the global call semaphore bound.
type LLMConfig struct {
	PlatformAPIKey string
	Model          string
	Provider       string
	BaseURL        string
	EmbeddingModel string
	MaxConcurrent  int64 // size of the gemini_llm semaphore
	HostedMarkup   float64
	MaxRetries     int

	DefaultTimeout   time.Duration
	IngestionTimeout time.Duration
	ReasoningTimeout time.Duration
}

// PipelineConfig holds stage-level toggles and bounds.
type PipelineConfig struct {
	ReasoningEnabled bool
	ReasonFullGraph  bool
	ForceReingest    bool
	ReasoningDepth   int
	ValidationDebug  bool
	MaxInputChars    int
	MaxEntities      int
	MaxRelationships int
	MinRelationConf  float64
}

// URLFetchConfig bounds remote paper fetching.
type URLFetchConfig struct {
	MaxRedirects int
	MaxBytes     int64
	Timeout      time.Duration
}

// LimitsConfig holds admission-control knobs.
type LimitsConfig struct {
	RateLimitMax    int           // pipeline jobs per tenant per window
	RateLimitWindow time.Duration // rolling window for RateLimitMax
	DemoTenants     []string      // tenants blocked from processing
}

// RetentionConfig controls the background cleanup loop.
type RetentionConfig struct {
	JobRetention    time.Duration
	UsageRetention  time.Duration
	CleanupInterval time.Duration
}

// Load builds the Config from the current environment, applying defaults
// for anything unset. It never reads the environment again afterwards.
func Load() (*Config, error) {
	dbPort, err := strconv.Atoi(getEnv("DB_PORT", "5432"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_PORT: %w", err)
	}

	cfg := &Config{
		HTTPPort: getEnv("HTTP_PORT", "8080"),
		PodID:    resolvePodID(),
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            dbPort,
			User:            getEnv("DB_USER", "papergraph"),
			Password:        os.Getenv("DB_PASSWORD"),
			Database:        getEnv("DB_NAME", "papergraph"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		Queue: QueueConfig{
			WorkerCount:       getEnvInt("WORKER_COUNT", 4),
			MaxConcurrentJobs: getEnvInt("MAX_CONCURRENT_JOBS", 4),
			PollInterval:      getEnvDuration("POLL_INTERVAL", time.Second),
			PollJitter:        getEnvDuration("POLL_JITTER", 500*time.Millisecond),
			JobTimeout:        getEnvDuration("JOB_TIMEOUT", 15*time.Minute),
			HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
			OrphanScanEvery:   getEnvDuration("ORPHAN_SCAN_INTERVAL", 5*time.Minute),
			OrphanThreshold:   getEnvDuration("ORPHAN_THRESHOLD", 5*time.Minute),
		},
		LLM: LLMConfig{
			PlatformAPIKey:   os.Getenv("GEMINI_API_KEY"),
			Model:            getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
			Provider:         getEnv("LLM_PROVIDER", "google"),
			BaseURL:          getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
			EmbeddingModel:   getEnv("GEMINI_EMBEDDING_MODEL", "gemini-embedding-001"),
			MaxConcurrent:    int64(getEnvInt("LLM_MAX_CONCURRENT", 4)),
			HostedMarkup:     getEnvFloat("HOSTED_MARKUP", 0.10),
			MaxRetries:       getEnvInt("LLM_MAX_RETRIES", 2),
			DefaultTimeout:   getEnvDuration("LLM_TIMEOUT", 60*time.Second),
			IngestionTimeout: getEnvDuration("LLM_INGESTION_TIMEOUT", 180*time.Second),
			ReasoningTimeout: getEnvDuration("LLM_REASONING_TIMEOUT", 120*time.Second),
		},
		Pipeline: PipelineConfig{
			ReasoningEnabled: getEnvBool("REASONING_ENABLED", true),
			ReasonFullGraph:  getEnvBool("REASON_FULL_GRAPH", false),
			ForceReingest:    getEnvBool("FORCE_REINGEST", false),
			ReasoningDepth:   getEnvInt("REASONING_DEPTH", 2),
			ValidationDebug:  getEnvBool("VALIDATION_DEBUG", false),
			MaxInputChars:    getEnvInt("MAX_INPUT_CHARS", 60000),
			MaxEntities:      getEnvInt("MAX_ENTITIES", 10),
			MaxRelationships: getEnvInt("MAX_RELATIONSHIPS", 12),
			MinRelationConf:  getEnvFloat("MIN_RELATIONSHIP_CONFIDENCE", 0.5),
		},
		URLFetch: URLFetchConfig{
			MaxRedirects: getEnvInt("URL_FETCH_MAX_REDIRECTS", 3),
			MaxBytes:     int64(getEnvInt("URL_FETCH_MAX_BYTES", 10*1024*1024)),
			Timeout:      getEnvDuration("URL_FETCH_TIMEOUT", 15*time.Second),
		},
		Limits: LimitsConfig{
			RateLimitMax:    getEnvInt("RATE_LIMIT_MAX", 10),
			RateLimitWindow: getEnvDuration("RATE_LIMIT_WINDOW", 60*time.Second),
			DemoTenants:     demoTenants,
		},
		Retention: RetentionConfig{
			JobRetention:    getEnvDuration("JOB_RETENTION", 30*24*time.Hour),
			UsageRetention:  getEnvDuration("USAGE_RETENTION", 90*24*time.Hour),
			CleanupInterval: getEnvDuration("CLEANUP_INTERVAL", time.Hour),
		},
		EncryptionSecret: os.Getenv("ENCRYPTION_SECRET"),
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.Queue.WorkerCount < 1 {
		return fmt.Errorf("WORKER_COUNT must be >= 1, got %d", c.Queue.WorkerCount)
	}
	if c.URLFetch.MaxRedirects < 0 {
		return fmt.Errorf("URL_FETCH_MAX_REDIRECTS must be >= 0, got %d", c.URLFetch.MaxRedirects)
	}
	if c.LLM.MaxConcurrent < 1 {
		return fmt.Errorf("LLM_MAX_CONCURRENT must be >= 1, got %d", c.LLM.MaxConcurrent)
	}
	return nil
}

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local".
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
