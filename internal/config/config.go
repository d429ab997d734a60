// Package config loads runtime configuration from JSON or YAML files and
// from EBUS_-prefixed environment variables. Precedence: defaults, then
// file, then environment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	// DataDir holds the embedded store.
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Fsync is the WAL sync policy: always, interval or never.
	Fsync           string `json:"fsync" yaml:"fsync"`
	FsyncIntervalMs int64  `json:"fsync_interval_ms" yaml:"fsync_interval_ms"`

	LogLevel  string `json:"log_level" yaml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format"` // json or text

	// MetricsAddr serves Prometheus metrics when non-empty.
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr"`

	// RetentionIntervalMs is how often topic retention and dead-letter
	// expiry sweeps run. 0 disables the sweeper.
	RetentionIntervalMs int64 `json:"retention_interval_ms" yaml:"retention_interval_ms"`

	DLQ DLQConfig `json:"dlq" yaml:"dlq"`
}

// DLQConfig sets defaults applied to new dead-letter queues.
type DLQConfig struct {
	MaxRetries  uint32 `json:"max_retries" yaml:"max_retries"`
	Strategy    string `json:"strategy" yaml:"strategy"` // immediate, linear, exponential
	MaxSize     int    `json:"max_size" yaml:"max_size"`
	RetentionMs int64  `json:"retention_ms" yaml:"retention_ms"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		DataDir:             "./data",
		Fsync:               "interval",
		FsyncIntervalMs:     5,
		LogLevel:            "info",
		LogFormat:           "text",
		RetentionIntervalMs: 60_000,
		DLQ: DLQConfig{
			MaxRetries:  3,
			Strategy:    "exponential",
			RetentionMs: 7 * 24 * 3600 * 1000,
		},
	}
}

// Load reads a config file over the defaults. The format follows the
// extension: .json, .yaml or .yml.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %q: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %q: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("config %q: unsupported extension", path)
	}
	return cfg, nil
}

// Validate rejects values the runtime cannot start with.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	switch c.Fsync {
	case "", "always", "interval", "never":
	default:
		return fmt.Errorf("config: unknown fsync mode %q", c.Fsync)
	}
	switch c.LogFormat {
	case "", "json", "text":
	default:
		return fmt.Errorf("config: unknown log format %q", c.LogFormat)
	}
	switch c.DLQ.Strategy {
	case "", "immediate", "linear", "exponential":
	default:
		return fmt.Errorf("config: unknown dlq strategy %q", c.DLQ.Strategy)
	}
	return nil
}
