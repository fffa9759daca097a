package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/helioslabs/inferd/internal/config"
	"github.com/helioslabs/inferd/internal/logging"
	"github.com/helioslabs/inferd/internal/metrics"
	"github.com/helioslabs/inferd/internal/runtime"
	"github.com/helioslabs/inferd/internal/runtime/cache"
	"github.com/helioslabs/inferd/internal/runtime/optimizer"
	"github.com/helioslabs/inferd/internal/runtime/pool"
	"github.com/helioslabs/inferd/internal/runtime/scheduler"
	"github.com/helioslabs/inferd/internal/server"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "INFERD", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	promRegistry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promRegistry)

	respCache := buildResponseCache(logger, cfg.Cache, recorder)

	dialer, err := pool.NewSQLiteDialer(cfg.Pool.SQLitePath)
	if err != nil {
		logger.Error("store open failed", slog.String("path", cfg.Pool.SQLitePath), slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := dialer.Close(); err != nil {
			logger.Error("store close failed", slog.Any("error", err))
		}
	}()

	storePool, err := pool.New(pool.Options{
		Dialer:              dialer,
		MinSize:             cfg.Pool.MinSize,
		MaxSize:             cfg.Pool.MaxSize,
		IdleTimeout:         cfg.Pool.IdleTimeout(),
		ConnectTimeout:      cfg.Pool.ConnectTimeout(),
		MaintenanceInterval: cfg.Pool.MaintenanceInterval(),
		Logger:              logger,
		Metrics:             recorder,
	})
	if err != nil {
		logger.Error("unable to construct connection pool", slog.Any("error", err))
		os.Exit(1)
	}

	opt, err := optimizer.New(optimizer.Options{
		Generator:     buildGenerator(logger, cfg.Optimizer.Upstream),
		Cache:         respCache,
		Logger:        logger,
		ProfileWindow: cfg.Optimizer.ProfileWindow,
		Batch: optimizer.BatchOptions{
			Enabled:  cfg.Optimizer.Batch.Enabled,
			MaxSize:  cfg.Optimizer.Batch.MaxSize,
			MaxDelay: cfg.Optimizer.Batch.MaxDelay(),
		},
	})
	if err != nil {
		logger.Error("unable to construct optimizer", slog.Any("error", err))
		os.Exit(1)
	}

	if path := strings.TrimSpace(cfg.Optimizer.TemplatesFile); path != "" {
		// WatchTemplates performs the initial load and swap itself.
		watcher, err := optimizer.WatchTemplates(ctx, path, logger, opt.SetTemplates, func(err error) {
			logger.Error("template watcher error", slog.Any("error", err))
		})
		if err != nil {
			logger.Warn("template watcher setup failed, keeping built-in set",
				slog.String("path", path), slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	sched := scheduler.New(scheduler.Options{
		Workers:           cfg.Scheduler.Workers,
		MaxQueue:          cfg.Scheduler.MaxQueue,
		HistorySize:       cfg.Scheduler.HistorySize,
		DefaultMaxRetries: cfg.Scheduler.DefaultRetries,
		RateLimitMinute:   cfg.Scheduler.RateLimit.PerMinute,
		RateLimitHour:     cfg.Scheduler.RateLimit.PerHour,
		BreakerThreshold:  cfg.Scheduler.Breaker.FailureThreshold,
		BreakerRecovery:   cfg.Scheduler.Breaker.RecoveryTimeout(),
		Logger:            logger,
		Metrics:           recorder,
	})

	core, err := runtime.New(runtime.Options{
		Cache:     respCache,
		Pool:      storePool,
		Optimizer: opt,
		Scheduler: sched,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("unable to assemble runtime core", slog.Any("error", err))
		os.Exit(1)
	}
	if err := core.Start(ctx); err != nil {
		logger.Error("runtime core start failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := core.Close(shutdownCtx); err != nil {
			logger.Error("runtime core shutdown failed", slog.Any("error", err))
		}
	}()

	handler := server.NewHandler(core, logger, recorder.Handler())
	srv, err := server.New(cfg, logger, handler)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

// buildResponseCache selects the primary backend. A redis failure at startup
// degrades to the in-process fallback instead of refusing to boot.
func buildResponseCache(logger *slog.Logger, cfg config.CacheConfig, recorder *metrics.Recorder) *cache.ResponseCache {
	categories := make(map[string]cache.CategoryPolicy, len(cfg.Categories))
	for name, cat := range cfg.Categories {
		categories[name] = cache.CategoryPolicy{
			TTL:          cat.TTL(),
			MaxFallback:  cat.MaxFallback,
			SavedSeconds: cat.SavedSeconds,
		}
	}

	var primary cache.Backend
	switch strings.TrimSpace(strings.ToLower(cfg.Backend)) {
	case "", "memory":
		logger.Info("using in-process response cache")
	case "redis":
		backend, err := cache.NewRedis(cache.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("redis cache initialization failed", slog.Any("error", err))
			logger.Info("falling back to in-process response cache")
		} else {
			logger.Info("using redis response cache", slog.String("address", cfg.Redis.Address))
			primary = backend
		}
	}

	return cache.New(cache.Options{
		Namespace:  cfg.Namespace,
		Primary:    primary,
		Categories: categories,
		Logger:     logger,
		Metrics:    recorder,
	})
}

// buildGenerator wires the upstream model client, or an echo stub when no
// upstream is configured. The stub keeps local development usable without a
// model service.
func buildGenerator(logger *slog.Logger, cfg config.UpstreamConfig) optimizer.Generator {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		logger.Warn("no upstream url configured, using development echo generator")
		return optimizer.GeneratorFunc(func(ctx context.Context, prompt string, tier optimizer.Tier, _ map[string]any) (string, error) {
			return fmt.Sprintf("[%s] %s", tier, prompt), nil
		})
	}
	gen, err := optimizer.NewHTTPGenerator(url, cfg.Timeout())
	if err != nil {
		logger.Warn("upstream generator setup failed, using development echo generator", slog.Any("error", err))
		return optimizer.GeneratorFunc(func(ctx context.Context, prompt string, tier optimizer.Tier, _ map[string]any) (string, error) {
			return fmt.Sprintf("[%s] %s", tier, prompt), nil
		})
	}
	logger.Info("using upstream generator", slog.String("url", url))
	return gen
}
