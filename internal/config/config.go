// Package config provides configuration loading and management for the approvals service.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// godotenv.Load() does not override already-set environment variables,
// preserving OS env > .env precedence.
func init() {
	// Load .env file if it exists (for shared development config)
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// Load .env.local if it exists (for local overrides, gitignored)
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the approvals service.
type Config struct {
	Env         string // Deployment environment (dev, staging, prod)
	Port        string // HTTP server port
	DatabaseDSN string // Database connection string (PostgreSQL); memory store when empty
	RedisAddr   string // Redis address for offender records
	NATSURL     string // NATS server URL

	S3Endpoint     string // S3-compatible storage endpoint
	S3Region       string // S3 region
	S3Bucket       string // Bucket holding processed media
	S3PublicBucket string // Bucket published media is copied into
	S3AccessKey    string // S3 access key
	S3SecretKey    string // S3 secret key

	ClassifierURL string // Segmentation, label detection and PII scanning service

	JWTIssuer   string // Expected issuer for admin JWT validation
	JWTAudience string // Expected audience for admin JWT validation
	JWKSURL     string // JWKS endpoint; test-mode validation when empty

	// Workflow tuning
	ApprovalTTL      time.Duration // Lifetime of an ApprovalRequest
	SweepSchedule    string        // Cron spec for the expiration sweeper
	SweepBatch       int           // Max approvals expired per sweeper run
	DLQBatch         int           // Max DLQ messages processed concurrently
	DLQMaxDeliver    int           // Redeliveries before a DLQ message is parked
	RetryMaxAttempts int           // Attempts per external step
	RetryInitial     time.Duration // Initial retry backoff
	RetryMax         time.Duration // Retry backoff cap
	PolicyFile       string        // YAML moderation policy; defaults when empty
}

// Default configuration values used when environment variables are not set
const (
	defaultPort             = "8080"
	defaultS3Region         = "us-east-1"
	defaultEnv              = "dev"
	defaultApprovalTTL      = 24 * time.Hour
	defaultSweepSchedule    = "@every 5m"
	defaultSweepBatch       = 25
	defaultDLQBatch         = 10
	defaultDLQMaxDeliver    = 5
	defaultRetryMaxAttempts = 4
	defaultRetryInitial     = 200 * time.Millisecond
	defaultRetryMax         = 5 * time.Second
)

// Load reads environment variables and produces a Config suitable for wiring the service.
// Returns an error if required parameters are missing or invalid.
func Load() (Config, error) {
	cfg := Config{
		Env:            getEnv("APPROVALS_ENV", defaultEnv),
		Port:           getEnv("APPROVALS_PORT", defaultPort),
		DatabaseDSN:    os.Getenv("APPROVALS_DB_DSN"),
		RedisAddr:      os.Getenv("APPROVALS_REDIS_ADDR"),
		NATSURL:        os.Getenv("APPROVALS_NATS_URL"),
		S3Endpoint:     os.Getenv("APPROVALS_S3_ENDPOINT"),
		S3Region:       getEnv("APPROVALS_S3_REGION", defaultS3Region),
		S3Bucket:       os.Getenv("APPROVALS_S3_BUCKET"),
		S3PublicBucket: os.Getenv("APPROVALS_S3_PUBLIC_BUCKET"),
		S3AccessKey:    os.Getenv("APPROVALS_S3_ACCESS_KEY"),
		S3SecretKey:    os.Getenv("APPROVALS_S3_SECRET_KEY"),
		ClassifierURL:  os.Getenv("APPROVALS_CLASSIFIER_URL"),
		JWTIssuer:      os.Getenv("APPROVALS_JWT_ISSUER"),
		JWTAudience:    os.Getenv("APPROVALS_JWT_AUDIENCE"),
		JWKSURL:        os.Getenv("APPROVALS_JWKS_URL"),
		SweepSchedule:  getEnv("APPROVALS_SWEEP_SCHEDULE", defaultSweepSchedule),
		PolicyFile:     os.Getenv("APPROVALS_POLICY_FILE"),
	}

	var err error
	if cfg.ApprovalTTL, err = getDuration("APPROVALS_APPROVAL_TTL", defaultApprovalTTL); err != nil {
		return cfg, err
	}
	if cfg.RetryInitial, err = getDuration("APPROVALS_RETRY_INITIAL", defaultRetryInitial); err != nil {
		return cfg, err
	}
	if cfg.RetryMax, err = getDuration("APPROVALS_RETRY_MAX", defaultRetryMax); err != nil {
		return cfg, err
	}
	if cfg.SweepBatch, err = getPositiveInt("APPROVALS_SWEEP_BATCH", defaultSweepBatch); err != nil {
		return cfg, err
	}
	if cfg.DLQBatch, err = getPositiveInt("APPROVALS_DLQ_BATCH", defaultDLQBatch); err != nil {
		return cfg, err
	}
	if cfg.DLQMaxDeliver, err = getPositiveInt("APPROVALS_DLQ_MAX_DELIVER", defaultDLQMaxDeliver); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxAttempts, err = getPositiveInt("APPROVALS_RETRY_MAX_ATTEMPTS", defaultRetryMaxAttempts); err != nil {
		return cfg, err
	}

	// Validate required parameters
	if cfg.JWTIssuer == "" {
		return cfg, fmt.Errorf("APPROVALS_JWT_ISSUER is required")
	}
	if cfg.JWTAudience == "" {
		return cfg, fmt.Errorf("APPROVALS_JWT_AUDIENCE is required")
	}
	if cfg.RetryInitial > cfg.RetryMax {
		return cfg, fmt.Errorf("APPROVALS_RETRY_INITIAL (%s) exceeds APPROVALS_RETRY_MAX (%s)", cfg.RetryInitial, cfg.RetryMax)
	}

	return cfg, nil
}

// IsDev reports whether the service runs in the development environment.
func (c Config) IsDev() bool {
	return strings.EqualFold(c.Env, defaultEnv)
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := getEnv(key, "")
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration, got %q", key, v)
	}
	return d, nil
}

func getPositiveInt(key string, fallback int) (int, error) {
	v := getEnv(key, "")
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, v)
	}
	return n, nil
}
