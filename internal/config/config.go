// Package config loads engine configuration from the environment, following
// the same getEnv/getEnvBool/getEnvInt convention the rest of this codebase's
// lineage uses instead of a config-file parser.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds every tunable the engine reads at startup. Defaults are chosen
// to work against locally-running backends with no further setup.
type Config struct {
	// Badger authoritative store.
	BadgerPath string

	// Redis vector index.
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// Bleve lexical index.
	BleveIndexPath string

	// SQLite audit sink.
	AuditDBPath string

	// Embedding.
	EmbeddingDimensions int
	EmbeddingURL        string // HTTP embedding server; empty disables and forces fallback

	// LLM gateway.
	LlmEnabled         bool
	LlmBaseURL         string
	LlmModel           string
	LlmTimeout         time.Duration
	LlmBulkheadLimit   int
	LlmRateLimitPerSec float64
	LlmMaxRetries      int
	LlmBreakerWindow   time.Duration
	LlmBreakerCooldown time.Duration
	LlmBreakerRatio    float64
	LlmBreakerMinReqs  uint32

	// Deduplication.
	RecentCaptureCacheSize int
	RecentCaptureTTL       time.Duration

	// Consolidation.
	ConsolidationMinGroupSize int

	// Retention.
	TombstoneRetention time.Duration
}

func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".subcog")
	return &Config{
		BadgerPath:                filepath.Join(base, "badger"),
		RedisURL:                  "localhost:6379",
		RedisPassword:             "",
		RedisDB:                   0,
		BleveIndexPath:            filepath.Join(base, "lexical.bleve"),
		AuditDBPath:               filepath.Join(base, "audit.db"),
		EmbeddingDimensions:       384,
		EmbeddingURL:              "http://localhost:8000/embed",
		LlmEnabled:                true,
		LlmBaseURL:                "http://localhost:11434",
		LlmModel:                  "qwen2.5-coder:7b",
		LlmTimeout:                30 * time.Second,
		LlmBulkheadLimit:          4,
		LlmRateLimitPerSec:        2.0,
		LlmMaxRetries:             3,
		LlmBreakerWindow:          10 * time.Second,
		LlmBreakerCooldown:        30 * time.Second,
		LlmBreakerRatio:           0.5,
		LlmBreakerMinReqs:         3,
		RecentCaptureCacheSize:    2000,
		RecentCaptureTTL:          10 * time.Minute,
		ConsolidationMinGroupSize: 3,
		TombstoneRetention:        90 * 24 * time.Hour,
	}
}

// Load overlays environment variables on top of Default().
func Load() *Config {
	c := Default()
	c.BadgerPath = getEnv("SUBCOG_BADGER_PATH", c.BadgerPath)
	c.RedisURL = getEnv("SUBCOG_REDIS_URL", c.RedisURL)
	c.RedisPassword = getEnv("SUBCOG_REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getEnvInt("SUBCOG_REDIS_DB", c.RedisDB)
	c.BleveIndexPath = getEnv("SUBCOG_BLEVE_PATH", c.BleveIndexPath)
	c.AuditDBPath = getEnv("SUBCOG_AUDIT_DB_PATH", c.AuditDBPath)
	c.EmbeddingDimensions = getEnvInt("SUBCOG_EMBEDDING_DIMENSIONS", c.EmbeddingDimensions)
	c.EmbeddingURL = getEnv("SUBCOG_EMBEDDING_URL", c.EmbeddingURL)
	c.LlmEnabled = getEnvBool("SUBCOG_LLM_ENABLED", c.LlmEnabled)
	c.LlmBaseURL = getEnv("SUBCOG_LLM_URL", c.LlmBaseURL)
	c.LlmModel = getEnv("SUBCOG_LLM_MODEL", c.LlmModel)
	c.LlmTimeout = getEnvDuration("SUBCOG_LLM_TIMEOUT", c.LlmTimeout)
	c.LlmBulkheadLimit = getEnvInt("SUBCOG_LLM_BULKHEAD", c.LlmBulkheadLimit)
	c.LlmMaxRetries = getEnvInt("SUBCOG_LLM_MAX_RETRIES", c.LlmMaxRetries)
	c.LlmBreakerWindow = getEnvDuration("SUBCOG_LLM_BREAKER_WINDOW", c.LlmBreakerWindow)
	c.LlmBreakerCooldown = getEnvDuration("SUBCOG_LLM_BREAKER_COOLDOWN", c.LlmBreakerCooldown)
	c.RecentCaptureCacheSize = getEnvInt("SUBCOG_DEDUP_CACHE_SIZE", c.RecentCaptureCacheSize)
	c.RecentCaptureTTL = getEnvDuration("SUBCOG_DEDUP_TTL", c.RecentCaptureTTL)
	c.TombstoneRetention = getEnvDuration("SUBCOG_TOMBSTONE_RETENTION", c.TombstoneRetention)
	return c
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
