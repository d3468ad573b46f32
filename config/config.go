// Package config loads the gateway configuration from environment
// variables, with an optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// DefaultBodySizeLimit caps request bodies at 10MB.
const DefaultBodySizeLimit int64 = 10 * 1024 * 1024

// Config holds the full application configuration.
type Config struct {
	Server    ServerConfig
	Provider  ProviderConfig
	Embedding EmbeddingConfig
	KV        KVConfig
	Storage   StorageConfig
	Guardrail GuardrailConfig
	Cache     CacheConfig
	Masking   MaskingConfig
	Detection DetectionConfig
	Audit     AuditConfig
	Metrics   MetricsConfig
	Logging   LoggingConfig
	Pipeline  PipelineConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port          string
	MasterKey     string
	BodySizeLimit int64
}

// ProviderConfig selects and configures the upstream LLM provider.
type ProviderConfig struct {
	// Name identifies the provider in cache partitions and audit records.
	Name string
	// APIKey authenticates against the upstream API.
	APIKey string
	// BaseURL overrides the default endpoint for OpenAI-compatible APIs.
	BaseURL string
}

// EmbeddingConfig configures the embedding model behind the semantic
// cache.
type EmbeddingConfig struct {
	Model      string
	Dimensions int
}

// KVConfig selects the key-value backend for masking sessions and the
// semantic cache. An empty RedisURL selects the in-memory store.
type KVConfig struct {
	RedisURL string
}

// StorageConfig selects the audit record database.
type StorageConfig struct {
	// Type is "sqlite" or "postgresql"; empty defaults to SQLite.
	Type          string
	SQLitePath    string
	PostgresURL   string
	PostgresConns int
}

// GuardrailConfig points at the YAML rule file.
type GuardrailConfig struct {
	ConfigPath string
}

// CacheConfig tunes the semantic cache.
type CacheConfig struct {
	Enabled   bool
	Threshold float64
	TTL       time.Duration
}

// MaskingConfig tunes masking session persistence.
type MaskingConfig struct {
	SessionTTL time.Duration
}

// DetectionConfig tunes PII detection.
type DetectionConfig struct {
	// DefaultMode applies when the request carries no X-Detection-Mode
	// header: "fast" or "detailed".
	DefaultMode     string
	ModelsDir       string
	MinConfidence   float64
	OverlapFraction float64
}

// AuditConfig tunes the async audit logger.
type AuditConfig struct {
	Enabled         bool
	BufferSize      int
	FlushInterval   time.Duration
	BatchSize       int
	RetentionDays   int
	CleanupInterval time.Duration
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled  bool
	Endpoint string
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level string
	// Pretty switches from JSON to colorized console output.
	Pretty bool
}

// PipelineConfig tunes request handling.
type PipelineConfig struct {
	Timeout time.Duration
}

// Load reads configuration from the environment. A .env file in the
// working directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:          getEnv("PORT", "8080"),
			MasterKey:     getEnv("PIIGATE_MASTER_KEY", ""),
			BodySizeLimit: getEnvInt64("PIIGATE_BODY_SIZE_LIMIT", DefaultBodySizeLimit),
		},
		Provider: ProviderConfig{
			Name:    getEnv("PIIGATE_PROVIDER", "openai"),
			APIKey:  getEnv("OPENAI_API_KEY", ""),
			BaseURL: getEnv("OPENAI_BASE_URL", ""),
		},
		Embedding: EmbeddingConfig{
			Model:      getEnv("PIIGATE_EMBEDDING_MODEL", "text-embedding-3-small"),
			Dimensions: getEnvInt("PIIGATE_EMBEDDING_DIMENSIONS", 1536),
		},
		KV: KVConfig{
			RedisURL: getEnv("REDIS_URL", ""),
		},
		Storage: StorageConfig{
			Type:          getEnv("PIIGATE_STORAGE_TYPE", "sqlite"),
			SQLitePath:    getEnv("PIIGATE_SQLITE_PATH", "data/piigate.db"),
			PostgresURL:   getEnv("PIIGATE_POSTGRES_URL", ""),
			PostgresConns: getEnvInt("PIIGATE_POSTGRES_MAX_CONNS", 10),
		},
		Guardrail: GuardrailConfig{
			ConfigPath: getEnv("PIIGATE_GUARDRAILS_PATH", "config/guardrails.yaml"),
		},
		Cache: CacheConfig{
			Enabled:   getEnvBool("PIIGATE_CACHE_ENABLED", true),
			Threshold: getEnvFloat("PIIGATE_CACHE_THRESHOLD", 0.85),
			TTL:       getEnvDuration("PIIGATE_CACHE_TTL", time.Hour),
		},
		Masking: MaskingConfig{
			SessionTTL: getEnvDuration("PIIGATE_MASKING_TTL", time.Hour),
		},
		Detection: DetectionConfig{
			DefaultMode:     getEnv("PIIGATE_DETECTION_MODE", "fast"),
			ModelsDir:       getEnv("NER_MODELS_DIR", ""),
			MinConfidence:   getEnvFloat("PIIGATE_NER_MIN_CONFIDENCE", 0.5),
			OverlapFraction: getEnvFloat("PIIGATE_OVERLAP_FRACTION", 0),
		},
		Audit: AuditConfig{
			Enabled:         getEnvBool("PIIGATE_AUDIT_ENABLED", true),
			BufferSize:      getEnvInt("PIIGATE_AUDIT_BUFFER_SIZE", 1000),
			FlushInterval:   getEnvDuration("PIIGATE_AUDIT_FLUSH_INTERVAL", 5*time.Second),
			BatchSize:       getEnvInt("PIIGATE_AUDIT_BATCH_SIZE", 100),
			RetentionDays:   getEnvInt("PIIGATE_AUDIT_RETENTION_DAYS", 30),
			CleanupInterval: getEnvDuration("PIIGATE_AUDIT_CLEANUP_INTERVAL", time.Hour),
		},
		Metrics: MetricsConfig{
			Enabled:  getEnvBool("PIIGATE_METRICS_ENABLED", true),
			Endpoint: getEnv("PIIGATE_METRICS_ENDPOINT", "/metrics"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Pretty: getEnvBool("LOG_PRETTY", false),
		},
		Pipeline: PipelineConfig{
			Timeout: getEnvDuration("PIIGATE_REQUEST_TIMEOUT", 60*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Type {
	case "", "sqlite", "postgresql":
	default:
		return fmt.Errorf("config: unsupported storage type %q", c.Storage.Type)
	}
	if c.Storage.Type == "postgresql" && c.Storage.PostgresURL == "" {
		return fmt.Errorf("config: PIIGATE_POSTGRES_URL is required for postgresql storage")
	}
	switch c.Detection.DefaultMode {
	case "fast", "detailed":
	default:
		return fmt.Errorf("config: PIIGATE_DETECTION_MODE must be fast or detailed, got %q", c.Detection.DefaultMode)
	}
	if c.Cache.Threshold <= 0 || c.Cache.Threshold > 1 {
		return fmt.Errorf("config: PIIGATE_CACHE_THRESHOLD must be in (0, 1], got %g", c.Cache.Threshold)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go duration syntax ("90s", "5m") or a bare
// number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
