// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jllopis/escriba/pkg/config"
	"github.com/jllopis/escriba/pkg/core"
	"github.com/jllopis/escriba/pkg/llm"
	"github.com/jllopis/escriba/pkg/resilience"
	"github.com/jllopis/escriba/pkg/router"
	"github.com/jllopis/escriba/pkg/store"
	"github.com/jllopis/escriba/pkg/telemetry"
	"github.com/jllopis/escriba/providers/claude"
	"github.com/jllopis/escriba/providers/gemini"
	"github.com/jllopis/escriba/providers/qwen"
)

// Core assembles the shared collaborators every subcommand works against:
// configuration, the provider registry, the resilience layer, the router,
// and the SQLite store.
type Core struct {
	cfg       *config.Config
	logger    *slog.Logger
	redactor  *core.Redactor
	providers *llm.Registry
	metrics   *llm.Metrics
	rates     *resilience.RateRegistry
	breakers  *resilience.BreakerSet
	coord     *resilience.Coordinator
	retry     *resilience.RetryPolicy
	router    *router.Router
	store     *store.SQLite

	shutdownTelemetry telemetry.ShutdownFunc
}

// newCore wires the full stack from configuration. The SQLite store is
// created lazily on the configured path; telemetry only starts when enabled.
func newCore(ctx context.Context, cfg *config.Config) (*Core, error) {
	redactor := core.NewRedactor(cfg.APIKeys()...)
	logger := telemetry.ConfigureSlogRedacted(os.Stderr, cfg.Log.Level, cfg.Log.Format, redactor.Redact)
	slog.SetDefault(logger)

	c := &Core{
		cfg:      cfg,
		logger:   logger,
		redactor: redactor,
	}

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitWithConfig("escriba", version, telemetry.Config{
			Exporter:     cfg.Telemetry.Exporter,
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			OTLPHeaders:  cfg.Telemetry.OTLPHeaders,
			OTLPUser:     cfg.Telemetry.OTLPUser,
			OTLPToken:    cfg.Telemetry.OTLPToken,
		})
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		c.shutdownTelemetry = shutdown
	}

	c.providers = llm.NewRegistry(
		gemini.New(cfg.Providers.Gemini.APIKey, gemini.WithModel(cfg.Providers.Gemini.Model)),
		claude.New(cfg.Providers.Claude.APIKey, claude.WithModel(cfg.Providers.Claude.Model)),
		qwen.New(cfg.Providers.Qwen.APIKey,
			qwen.WithModel(cfg.Providers.Qwen.Model),
			qwen.WithBaseURL(cfg.Providers.Qwen.BaseURL)),
	)

	c.metrics = llm.NewMetrics()
	for provider, rpm := range cfg.Providers.RPM {
		c.metrics.SetRateLimit(provider, rpm)
	}
	c.rates = resilience.NewRateRegistry(cfg.Providers.RPM)
	c.coord = resilience.NewCoordinator(cfg.Providers.Concurrency, cfg.Limits.MaxInflightPerTenant, c.rates)
	c.breakers = resilience.NewBreakerSet(resilience.BreakerConfig{
		FailureThreshold:  cfg.Breaker.Failures,
		FailureWindow:     time.Duration(cfg.Breaker.WindowSeconds) * time.Second,
		OpenTimeout:       time.Duration(cfg.Breaker.OpenSeconds) * time.Second,
		HalfOpenMaxTrials: cfg.Breaker.HalfOpenMaxTrials,
	})
	c.retry = resilience.NewRetryPolicy().
		WithRetries(cfg.Retry.RateLimitRetries, cfg.Retry.TransientRetries).
		WithJitter(cfg.Retry.Jitter).
		WithCap(cfg.Retry.CapSeconds)

	var instruments *telemetry.LLMMetrics
	if cfg.Telemetry.Enabled {
		var err error
		instruments, err = telemetry.NewLLMMetrics(ctx)
		if err != nil {
			return nil, fmt.Errorf("telemetry instruments: %w", err)
		}
		if err := instruments.RegisterQueueDepth(c.coord.QueueDepth); err != nil {
			logger.Warn("queue depth gauge not registered", slog.String("error", err.Error()))
		}
	}

	c.router = router.New(router.Options{
		Providers:         c.providers,
		Policies:          router.FromConfig(cfg.LLM, cfg.Fallback),
		Coordinator:       c.coord,
		Breakers:          c.breakers,
		Retry:             c.retry,
		Metrics:           c.metrics,
		Instruments:       instruments,
		Logger:            logger,
		GenerationTimeout: secondsDuration(cfg.Generation.TimeoutSeconds),
	})

	db, err := store.OpenSQLite(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("store %s: %w", cfg.Store.Path, err)
	}
	c.store = db

	return c, nil
}

// Close releases the store and flushes telemetry.
func (c *Core) Close(ctx context.Context) {
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			c.logger.Warn("store close failed", slog.String("error", err.Error()))
		}
	}
	if c.shutdownTelemetry != nil {
		if err := c.shutdownTelemetry(ctx); err != nil {
			c.logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}
}

// ResilienceSnapshot reports the live state of the rate windows, circuit
// breakers, and the coordinator queue for diagnostics.
type ResilienceSnapshot struct {
	QueueDepth  int64                                 `json:"queueDepth"`
	RateWindows map[string]resilience.WindowSnapshot  `json:"rateWindows"`
	Breakers    map[string]resilience.BreakerSnapshot `json:"breakers"`
}

// ResilienceSnapshot assembles the current limiter and breaker state.
func (c *Core) ResilienceSnapshot() ResilienceSnapshot {
	return ResilienceSnapshot{
		QueueDepth:  c.coord.QueueDepth(),
		RateWindows: c.rates.Snapshot(),
		Breakers:    c.breakers.Snapshot(),
	}
}

// watchConfig polls the config file behind long-running commands and applies
// the reloadable limits: provider RPM changes reach the live rate windows
// and the metrics ledger on the next acquire.
func (c *Core) watchConfig(ctx context.Context, path string) {
	if path == "" {
		return
	}
	w, err := config.NewWatcher([]string{path}, config.WithWatchLogger(c.logger))
	if err != nil {
		c.logger.Warn("config watcher not started", slog.String("error", err.Error()))
		return
	}
	w.OnChange(func(next *config.Config) {
		for provider, rpm := range next.Providers.RPM {
			c.rates.SetLimit(provider, rpm)
			c.metrics.SetRateLimit(provider, rpm)
		}
	})
	w.Start(ctx)
}

// currentSelection returns the persisted selection or the default when none
// was ever stored.
func (c *Core) currentSelection(ctx context.Context) store.Selection {
	sel, err := c.store.GetSelection(ctx)
	if err != nil {
		c.logger.Warn("selection read failed", slog.String("error", err.Error()))
	}
	if sel == nil {
		return store.Selection{Provider: llm.ProviderGemini, Mode: "auto"}
	}
	return *sel
}

// activeModels maps each provider to its configured model string.
func (c *Core) activeModels() map[string]string {
	return map[string]string{
		llm.ProviderGemini: c.cfg.Providers.Gemini.Model,
		llm.ProviderClaude: c.cfg.Providers.Claude.Model,
		llm.ProviderQwen:   c.cfg.Providers.Qwen.Model,
	}
}

func secondsDuration(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}
