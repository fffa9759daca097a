package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot applying the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"cache.redis.tls.cafile":              "cache.redis.tls.caFile",
			"pool.minsize":                        "pool.minSize",
			"pool.maxsize":                        "pool.maxSize",
			"pool.idletimeoutseconds":             "pool.idleTimeoutSeconds",
			"pool.connecttimeoutseconds":          "pool.connectTimeoutSeconds",
			"pool.maintenanceintervalseconds":     "pool.maintenanceIntervalSeconds",
			"pool.sqlitepath":                     "pool.sqlitePath",
			"scheduler.maxqueue":                  "scheduler.maxQueue",
			"scheduler.historysize":               "scheduler.historySize",
			"scheduler.defaultretries":            "scheduler.defaultRetries",
			"scheduler.ratelimit.perminute":       "scheduler.rateLimit.perMinute",
			"scheduler.ratelimit.perhour":         "scheduler.rateLimit.perHour",
			"scheduler.breaker.failurethreshold":  "scheduler.breaker.failureThreshold",
			"scheduler.breaker.recoverytimeoutseconds": "scheduler.breaker.recoveryTimeoutSeconds",
			"optimizer.templatesfile":             "optimizer.templatesFile",
			"optimizer.profilewindow":             "optimizer.profileWindow",
			"optimizer.upstream.timeoutseconds":   "optimizer.upstream.timeoutSeconds",
			"optimizer.batch.maxsize":             "optimizer.batch.maxSize",
			"optimizer.batch.maxdelayms":          "optimizer.batch.maxDelayMs",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (POOL__MAX_SIZE -> pool.maxsize).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(strings.ReplaceAll(key, "_", ""))
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			return lower
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// parserFor picks a koanf parser by file extension so operators can keep
// configuration in whichever format their tooling already emits.
func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file extension for %s", path)
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	categories := make(map[string]any, len(cfg.Cache.Categories))
	for name, cat := range cfg.Cache.Categories {
		categories[name] = map[string]any{
			"ttlSeconds":   cat.TTLSeconds,
			"maxFallback":  cat.MaxFallback,
			"savedSeconds": cat.SavedSeconds,
		}
	}
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
		},
		"cache": map[string]any{
			"backend":   cfg.Cache.Backend,
			"namespace": cfg.Cache.Namespace,
			"redis": map[string]any{
				"address":  cfg.Cache.Redis.Address,
				"username": cfg.Cache.Redis.Username,
				"password": cfg.Cache.Redis.Password,
				"db":       cfg.Cache.Redis.DB,
				"tls": map[string]any{
					"enabled": cfg.Cache.Redis.TLS.Enabled,
					"caFile":  cfg.Cache.Redis.TLS.CAFile,
				},
			},
			"categories": categories,
		},
		"pool": map[string]any{
			"minSize":                    cfg.Pool.MinSize,
			"maxSize":                    cfg.Pool.MaxSize,
			"idleTimeoutSeconds":         cfg.Pool.IdleTimeoutSeconds,
			"connectTimeoutSeconds":      cfg.Pool.ConnectTimeoutSeconds,
			"maintenanceIntervalSeconds": cfg.Pool.MaintenanceIntervalSecs,
			"sqlitePath":                 cfg.Pool.SQLitePath,
		},
		"scheduler": map[string]any{
			"workers":        cfg.Scheduler.Workers,
			"maxQueue":       cfg.Scheduler.MaxQueue,
			"historySize":    cfg.Scheduler.HistorySize,
			"defaultRetries": cfg.Scheduler.DefaultRetries,
			"rateLimit": map[string]any{
				"perMinute": cfg.Scheduler.RateLimit.PerMinute,
				"perHour":   cfg.Scheduler.RateLimit.PerHour,
			},
			"breaker": map[string]any{
				"failureThreshold":       cfg.Scheduler.Breaker.FailureThreshold,
				"recoveryTimeoutSeconds": cfg.Scheduler.Breaker.RecoveryTimeoutSeconds,
			},
		},
		"optimizer": map[string]any{
			"templatesFile": cfg.Optimizer.TemplatesFile,
			"profileWindow": cfg.Optimizer.ProfileWindow,
			"upstream": map[string]any{
				"url":            cfg.Optimizer.Upstream.URL,
				"timeoutSeconds": cfg.Optimizer.Upstream.TimeoutSeconds,
			},
			"batch": map[string]any{
				"enabled":    cfg.Optimizer.Batch.Enabled,
				"maxSize":    cfg.Optimizer.Batch.MaxSize,
				"maxDelayMs": cfg.Optimizer.Batch.MaxDelayMs,
			},
		},
	}
}
