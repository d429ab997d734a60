// Package runtime assembles the storage, topic, subscription, group and
// dead-letter layers into one process-scoped instance.
package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/veldtlabs/ebus/internal/bus"
	"github.com/veldtlabs/ebus/internal/config"
	"github.com/veldtlabs/ebus/internal/dlq"
	"github.com/veldtlabs/ebus/internal/group"
	"github.com/veldtlabs/ebus/internal/obs"
	pebblestore "github.com/veldtlabs/ebus/internal/storage/pebble"
	"github.com/veldtlabs/ebus/internal/sub"
	"github.com/veldtlabs/ebus/internal/topic"
	logpkg "github.com/veldtlabs/ebus/pkg/log"
)

// Options configures a runtime. Config is required; the rest defaults.
type Options struct {
	Config   config.Config
	Logger   logpkg.Logger
	Notifier dlq.Notifier
	Metrics  *obs.Metrics
}

// Runtime owns the embedded store and every layer above it.
type Runtime struct {
	cfg    config.Config
	logger logpkg.Logger
	db     *pebblestore.DB
	store  *topic.Store
	dlq    *dlq.Manager
	bus    *bus.Bus

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLogger builds a logger from the config's level and format.
func NewLogger(cfg config.Config) logpkg.Logger {
	level, err := logpkg.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logpkg.InfoLevel
	}
	var f logpkg.Formatter
	if cfg.LogFormat == "json" {
		f = &logpkg.JSONFormatter{}
	} else {
		f = &logpkg.TextFormatter{}
	}
	return logpkg.NewLogger(
		logpkg.WithLevel(level),
		logpkg.WithFormatter(f),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)
}

// Open validates the config, opens the store and wires every layer.
func Open(opts Options) (*Runtime, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = NewLogger(cfg)
	}
	var hook pebblestore.MetricsHook
	if opts.Metrics != nil {
		hook = opts.Metrics
	}
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir:       cfg.DataDir,
		Fsync:         pebblestore.ParseFsyncMode(cfg.Fsync),
		FsyncInterval: time.Duration(cfg.FsyncIntervalMs) * time.Millisecond,
		Metrics:       hook,
	})
	if err != nil {
		return nil, err
	}
	store, err := topic.Open(db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	var dlqMetrics dlq.Metrics
	if opts.Metrics != nil {
		dlqMetrics = opts.Metrics
	}
	dlm, err := dlq.Open(dlq.ManagerOptions{
		DB:       db,
		Logger:   logger,
		Notifier: opts.Notifier,
		Metrics:  dlqMetrics,
		QueueDefaults: dlq.QueueOptions{
			MaxSize:     cfg.DLQ.MaxSize,
			RetentionMs: cfg.DLQ.RetentionMs,
			MaxRetries:  cfg.DLQ.MaxRetries,
			Strategy:    dlq.Strategy{Kind: dlq.StrategyKind(cfg.DLQ.Strategy)},
		},
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	var busMetrics bus.Metrics
	if opts.Metrics != nil {
		busMetrics = opts.Metrics
	}
	b, err := bus.New(bus.Options{
		Store:   store,
		Subs:    sub.NewRegistry(db, logger),
		Groups:  group.NewCoordinator(logger),
		DLQ:     dlm,
		Logger:  logger,
		Metrics: busMetrics,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	dlm.SetReprocessor(b)

	ctx, cancel := context.WithCancel(context.Background())
	rt := &Runtime{
		cfg:    cfg,
		logger: logger.With(logpkg.Component("runtime")),
		db:     db,
		store:  store,
		dlq:    dlm,
		bus:    b,
		cancel: cancel,
	}
	if cfg.RetentionIntervalMs > 0 {
		rt.wg.Add(1)
		go rt.sweeper(ctx, time.Duration(cfg.RetentionIntervalMs)*time.Millisecond)
	}
	if cfg.MetricsAddr != "" {
		rt.wg.Add(1)
		go func() {
			defer rt.wg.Done()
			if err := obs.Serve(ctx, cfg.MetricsAddr, logger); err != nil {
				logger.Error("metrics server failed", logpkg.Err(err))
			}
		}()
	}
	rt.logger.Info("runtime started",
		logpkg.Str("data_dir", cfg.DataDir),
		logpkg.Str("fsync", cfg.Fsync))
	return rt, nil
}

// sweeper periodically enforces topic retention and expires dead-letter
// messages past their deadline.
func (r *Runtime) sweeper(ctx context.Context, interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.store.EnforceRetention(ctx); err != nil {
				r.logger.Warn("retention sweep failed", logpkg.Err(err))
			} else if n > 0 {
				r.logger.Debug("retention trimmed", logpkg.Int("events", n))
			}
			if n, err := r.dlq.ExpireDue(); err != nil {
				r.logger.Warn("dead-letter expiry failed", logpkg.Err(err))
			} else if n > 0 {
				r.logger.Debug("dead-letter expired", logpkg.Int("messages", n))
			}
		}
	}
}

// Bus returns the publish/subscribe surface.
func (r *Runtime) Bus() *bus.Bus { return r.bus }

// Store returns the topic store.
func (r *Runtime) Store() *topic.Store { return r.store }

// DLQ returns the dead-letter manager.
func (r *Runtime) DLQ() *dlq.Manager { return r.dlq }

// Close stops background work and closes the store.
func (r *Runtime) Close() error {
	r.cancel()
	r.wg.Wait()
	r.logger.Info("runtime stopped")
	return r.db.Close()
}
