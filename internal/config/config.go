// Package config loads the pipeline settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	errordefs "github.com/RegistryAccord/registryaccord-audiobook-go/internal/errors"
)

// init loads .env and .env.local when present. godotenv never overrides
// variables already set, so the process environment wins.
func init() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the pipeline.
type Config struct {
	Env             string        // Deployment environment (dev, staging, prod)
	FetchTimeout    time.Duration // Bound on waiting for a fulfillment strategy
	HTTPTimeout     time.Duration // Per-request HTTP client timeout
	DownloadWorkers int           // Download executor pool size
	CacheDir        string        // Manifest cache directory, empty disables
	DatabaseDSN     string        // Status journal database, empty keeps it in memory
	NATSURL         string        // Event publisher, empty disables
	S3Endpoint      string        // S3-compatible manifest mirror endpoint
	S3Region        string
	S3Bucket        string
	S3AccessKey     string
	S3SecretKey     string
	MetricsAddr     string // Address serving /metrics, empty disables
	PresetsFile     string // TOML preset file
	Tracing         bool   // Export OpenTelemetry spans to stderr
}

// Default configuration values used when environment variables are not set.
const (
	defaultEnv             = "dev"
	defaultFetchTimeout    = 3 * time.Second
	defaultHTTPTimeout     = 10 * time.Second
	defaultDownloadWorkers = 4
	defaultS3Region        = "us-east-1"
	defaultPresetsFile     = "presets.toml"
)

// IsDev reports whether the pipeline runs in the development environment.
func (c Config) IsDev() bool { return c.Env == "dev" }

// S3Enabled reports whether the manifest mirror is configured.
func (c Config) S3Enabled() bool { return c.S3Endpoint != "" || c.S3Bucket != "" }

// Load reads the environment and validates the result. Invalid values are
// AB_CONFIGURATION errors.
func Load() (Config, error) {
	cfg := Config{
		Env:         getEnv("AUDIOBOOK_ENV", defaultEnv),
		CacheDir:    os.Getenv("AUDIOBOOK_CACHE_DIR"),
		DatabaseDSN: os.Getenv("AUDIOBOOK_DB_DSN"),
		NATSURL:     os.Getenv("AUDIOBOOK_NATS_URL"),
		S3Endpoint:  os.Getenv("AUDIOBOOK_S3_ENDPOINT"),
		S3Region:    getEnv("AUDIOBOOK_S3_REGION", defaultS3Region),
		S3Bucket:    os.Getenv("AUDIOBOOK_S3_BUCKET"),
		S3AccessKey: os.Getenv("AUDIOBOOK_S3_ACCESS_KEY"),
		S3SecretKey: os.Getenv("AUDIOBOOK_S3_SECRET_KEY"),
		MetricsAddr: os.Getenv("AUDIOBOOK_METRICS_ADDR"),
		PresetsFile: getEnv("AUDIOBOOK_PRESETS", defaultPresetsFile),
		Tracing:     parseBool(os.Getenv("AUDIOBOOK_TRACING")),
	}

	var err error
	if cfg.FetchTimeout, err = getDuration("AUDIOBOOK_FETCH_TIMEOUT", defaultFetchTimeout); err != nil {
		return cfg, err
	}
	if cfg.HTTPTimeout, err = getDuration("AUDIOBOOK_HTTP_TIMEOUT", defaultHTTPTimeout); err != nil {
		return cfg, err
	}
	cfg.DownloadWorkers = defaultDownloadWorkers
	if v, ok := os.LookupEnv("AUDIOBOOK_DOWNLOAD_WORKERS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, invalid("AUDIOBOOK_DOWNLOAD_WORKERS", v, err)
		}
		cfg.DownloadWorkers = n
	}

	return cfg, cfg.Validate()
}

// Validate checks value ranges and dependent settings.
func (c Config) Validate() error {
	if c.FetchTimeout <= 0 {
		return errordefs.New(errordefs.AB_CONFIGURATION, "AUDIOBOOK_FETCH_TIMEOUT must be positive")
	}
	if c.HTTPTimeout <= 0 {
		return errordefs.New(errordefs.AB_CONFIGURATION, "AUDIOBOOK_HTTP_TIMEOUT must be positive")
	}
	if c.DownloadWorkers <= 0 {
		return errordefs.New(errordefs.AB_CONFIGURATION, "AUDIOBOOK_DOWNLOAD_WORKERS must be positive")
	}
	if c.S3Endpoint != "" && c.S3Bucket == "" {
		return errordefs.New(errordefs.AB_CONFIGURATION, "AUDIOBOOK_S3_BUCKET is required when AUDIOBOOK_S3_ENDPOINT is set")
	}
	return nil
}

func invalid(key, value string, err error) error {
	return errordefs.NewWithDetails(errordefs.AB_CONFIGURATION,
		fmt.Sprintf("invalid %s: %v", key, err),
		map[string]any{"variable": key, "value": value})
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty.
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, invalid(key, v, err)
	}
	return d, nil
}

// parseBool converts a string to a boolean value, returning false if parsing fails.
func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}
