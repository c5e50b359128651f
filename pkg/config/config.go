// Package config loads core configuration from environment variables and
// settlement-policy profiles from YAML.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds core configuration.
type Config struct {
	LogLevel string

	// Write-ahead log.
	WALPath string

	// SQLite read-model database; empty disables the mirrors.
	ReadStorePath string

	// Outbox worker.
	OutboxMaxDrain     int
	DispatchTimeout    time.Duration
	DispatchRatePerSec float64
	RetryBaseMs        int64
	RetryMaxMs         int64
	RetryMaxJitterMs   int64
	RetryMaxAttempts   int
	DisputeWindow      time.Duration
	PolicyProfilesPath string

	// Idempotency backend: "memory" or "redis".
	IdempotencyBackend string
	RedisAddr          string

	// Evidence blob backend: "memory", "fs", or "s3".
	EvidenceBackend string
	EvidenceDir     string
	EvidenceBucket  string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		LogLevel: getenv("LOG_LEVEL", "INFO"),

		WALPath:       getenv("WAL_PATH", "data/settld.wal"),
		ReadStorePath: getenv("READ_STORE_PATH", ""),

		OutboxMaxDrain:     getint("OUTBOX_MAX_DRAIN", 256),
		DispatchTimeout:    getdur("DISPATCH_TIMEOUT", 10*time.Second),
		DispatchRatePerSec: getfloat("DISPATCH_RATE_PER_SEC", 200),
		RetryBaseMs:        int64(getint("RETRY_BASE_MS", 500)),
		RetryMaxMs:         int64(getint("RETRY_MAX_MS", 60000)),
		RetryMaxJitterMs:   int64(getint("RETRY_MAX_JITTER_MS", 250)),
		RetryMaxAttempts:   getint("RETRY_MAX_ATTEMPTS", 8),
		DisputeWindow:      getdur("DISPUTE_WINDOW", 72*time.Hour),
		PolicyProfilesPath: getenv("POLICY_PROFILES_PATH", ""),

		IdempotencyBackend: getenv("IDEMPOTENCY_BACKEND", "memory"),
		RedisAddr:          getenv("REDIS_ADDR", "localhost:6379"),

		EvidenceBackend: getenv("EVIDENCE_BACKEND", "memory"),
		EvidenceDir:     getenv("EVIDENCE_DIR", "data/evidence"),
		EvidenceBucket:  getenv("EVIDENCE_BUCKET", ""),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getfloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getdur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
