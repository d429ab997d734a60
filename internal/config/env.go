package config

import (
	"os"
	"strconv"
)

// FromEnv overlays EBUS_-prefixed environment variables onto cfg.
func FromEnv(cfg Config) Config {
	if v := os.Getenv("EBUS_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("EBUS_FSYNC"); v != "" {
		cfg.Fsync = v
	}
	if v, ok := envInt64("EBUS_FSYNC_INTERVAL_MS"); ok {
		cfg.FsyncIntervalMs = v
	}
	if v := os.Getenv("EBUS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("EBUS_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("EBUS_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v, ok := envInt64("EBUS_RETENTION_INTERVAL_MS"); ok {
		cfg.RetentionIntervalMs = v
	}
	if v, ok := envInt64("EBUS_DLQ_MAX_RETRIES"); ok && v >= 0 {
		cfg.DLQ.MaxRetries = uint32(v)
	}
	if v := os.Getenv("EBUS_DLQ_STRATEGY"); v != "" {
		cfg.DLQ.Strategy = v
	}
	if v, ok := envInt64("EBUS_DLQ_MAX_SIZE"); ok {
		cfg.DLQ.MaxSize = int(v)
	}
	if v, ok := envInt64("EBUS_DLQ_RETENTION_MS"); ok {
		cfg.DLQ.RetentionMs = v
	}
	return cfg
}

func envInt64(name string) (int64, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
