// Package config loads engine configuration from the environment, optionally
// layered over a YAML file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds process configuration.
type Config struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	// DBDriver is one of memory, sqlite or postgres.
	DBDriver    string `yaml:"db_driver"`
	DatabaseURL string `yaml:"database_url"`
	SQLitePath  string `yaml:"sqlite_path"`

	SweepWorkers int           `yaml:"sweep_workers"`
	SettleRate   float64       `yaml:"settle_rate"` // settlements per second, 0 is unlimited
	MaxPasses    int           `yaml:"max_passes"`
	RedisAddr    string        `yaml:"redis_addr"`
	LockTTL      time.Duration `yaml:"lock_ttl"`

	Archive ArchiveConfig `yaml:"archive"`

	OTelEnabled  bool   `yaml:"otel_enabled"`
	OTelEndpoint string `yaml:"otel_endpoint"`
}

// ArchiveConfig selects where sweep reports are archived.
type ArchiveConfig struct {
	Type     string `yaml:"type"` // none | fs | s3 | gcs
	Dir      string `yaml:"dir"`
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Prefix   string `yaml:"prefix"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Port:         "8080",
		LogLevel:     "INFO",
		DBDriver:     "sqlite",
		DatabaseURL:  "postgres://tbsm@localhost:5432/tbsm?sslmode=disable",
		SQLitePath:   "data/tbsm.db",
		SweepWorkers: 4,
		MaxPasses:    32,
		LockTTL:      5 * time.Minute,
		Archive:      ArchiveConfig{Type: "none", Dir: "data/archive"},
		OTelEndpoint: "localhost:4317",
	}
}

// Load reads configuration from environment variables over the defaults.
func Load() (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("PORT", &c.Port)
	str("LOG_LEVEL", &c.LogLevel)
	str("TBSM_DB_DRIVER", &c.DBDriver)
	str("DATABASE_URL", &c.DatabaseURL)
	str("TBSM_SQLITE_PATH", &c.SQLitePath)
	str("REDIS_ADDR", &c.RedisAddr)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.OTelEndpoint)

	str("ARCHIVE_STORAGE_TYPE", &c.Archive.Type)
	str("ARCHIVE_DIR", &c.Archive.Dir)
	str("ARCHIVE_S3_BUCKET", &c.Archive.Bucket)
	str("ARCHIVE_S3_REGION", &c.Archive.Region)
	str("ARCHIVE_S3_ENDPOINT", &c.Archive.Endpoint)
	str("ARCHIVE_PREFIX", &c.Archive.Prefix)
	if c.Archive.Type == "gcs" {
		str("ARCHIVE_GCS_BUCKET", &c.Archive.Bucket)
	}

	if v := os.Getenv("TBSM_SWEEP_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TBSM_SWEEP_WORKERS: %w", err)
		}
		c.SweepWorkers = n
	}
	if v := os.Getenv("TBSM_MAX_PASSES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TBSM_MAX_PASSES: %w", err)
		}
		c.MaxPasses = n
	}
	if v := os.Getenv("TBSM_SETTLE_RATE"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("TBSM_SETTLE_RATE: %w", err)
		}
		c.SettleRate = r
	}
	if v := os.Getenv("TBSM_LOCK_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("TBSM_LOCK_TTL: %w", err)
		}
		c.LockTTL = d
	}
	if v := os.Getenv("OTEL_ENABLED"); v != "" {
		c.OTelEnabled = v == "true" || v == "1"
	}
	return nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown db driver %q", c.DBDriver)
	}
	switch c.Archive.Type {
	case "", "none", "fs", "s3", "gcs":
	default:
		return fmt.Errorf("unknown archive storage type %q", c.Archive.Type)
	}
	if c.SweepWorkers < 1 {
		return fmt.Errorf("sweep workers must be at least 1, got %d", c.SweepWorkers)
	}
	if c.SettleRate < 0 {
		return fmt.Errorf("settle rate must not be negative")
	}
	return nil
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	}
	return slog.LevelInfo
}
