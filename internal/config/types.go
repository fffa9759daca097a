package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration snapshot consumed by the process entry
// point. Every subsystem receives its slice of this struct by value at
// construction time; there is no global configuration registry.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Cache     CacheConfig     `koanf:"cache"`
	Pool      PoolConfig      `koanf:"pool"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Optimizer OptimizerConfig `koanf:"optimizer"`
}

// ServerConfig groups the HTTP listener and logging settings.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
}

// ListenConfig describes the HTTP bind address.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig describes slog handler construction.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// CacheConfig selects the response cache backend and the per-category
// policies applied to entries.
type CacheConfig struct {
	Backend    string                    `koanf:"backend"`
	Namespace  string                    `koanf:"namespace"`
	Redis      RedisConfig               `koanf:"redis"`
	Categories map[string]CategoryConfig `koanf:"categories"`
}

// RedisConfig carries the connection settings for the external cache service.
type RedisConfig struct {
	Address  string         `koanf:"address"`
	Username string         `koanf:"username"`
	Password string         `koanf:"password"`
	DB       int            `koanf:"db"`
	TLS      RedisTLSConfig `koanf:"tls"`
}

// RedisTLSConfig enables TLS toward the cache service.
type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// CategoryConfig is the per-category cache policy: entry lifetime, the
// fallback map's entry cap, and the estimated seconds saved by each hit.
type CategoryConfig struct {
	TTLSeconds   int     `koanf:"ttlSeconds"`
	MaxFallback  int     `koanf:"maxFallback"`
	SavedSeconds float64 `koanf:"savedSeconds"`
}

// TTL returns the configured lifetime as a duration.
func (c CategoryConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// PoolConfig sizes the store connection pool.
type PoolConfig struct {
	MinSize                 int    `koanf:"minSize"`
	MaxSize                 int    `koanf:"maxSize"`
	IdleTimeoutSeconds      int    `koanf:"idleTimeoutSeconds"`
	ConnectTimeoutSeconds   int    `koanf:"connectTimeoutSeconds"`
	MaintenanceIntervalSecs int    `koanf:"maintenanceIntervalSeconds"`
	SQLitePath              string `koanf:"sqlitePath"`
}

// IdleTimeout returns the idle reap threshold as a duration.
func (c PoolConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// ConnectTimeout returns the bounded acquire wait as a duration.
func (c PoolConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// MaintenanceInterval returns the reaper cadence as a duration.
func (c PoolConfig) MaintenanceInterval() time.Duration {
	return time.Duration(c.MaintenanceIntervalSecs) * time.Second
}

// SchedulerConfig sizes the admission queue, the worker pool, and the
// gatekeeping thresholds applied before a request is enqueued.
type SchedulerConfig struct {
	Workers        int             `koanf:"workers"`
	MaxQueue       int             `koanf:"maxQueue"`
	HistorySize    int             `koanf:"historySize"`
	DefaultRetries int             `koanf:"defaultRetries"`
	RateLimit      RateLimitConfig `koanf:"rateLimit"`
	Breaker        BreakerConfig   `koanf:"breaker"`
}

// RateLimitConfig holds the sliding-window admission thresholds per user.
type RateLimitConfig struct {
	PerMinute int `koanf:"perMinute"`
	PerHour   int `koanf:"perHour"`
}

// BreakerConfig holds the per-request-type circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold       int `koanf:"failureThreshold"`
	RecoveryTimeoutSeconds int `koanf:"recoveryTimeoutSeconds"`
}

// RecoveryTimeout returns the open-state hold time as a duration.
func (c BreakerConfig) RecoveryTimeout() time.Duration {
	return time.Duration(c.RecoveryTimeoutSeconds) * time.Second
}

// OptimizerConfig tunes routing and the optional request batcher.
type OptimizerConfig struct {
	TemplatesFile string         `koanf:"templatesFile"`
	ProfileWindow int            `koanf:"profileWindow"`
	Upstream      UpstreamConfig `koanf:"upstream"`
	Batch         BatchConfig    `koanf:"batch"`
}

// UpstreamConfig points at the model service that serves generation calls.
// An empty URL runs the built-in echo stub, which is only useful in
// development.
type UpstreamConfig struct {
	URL            string `koanf:"url"`
	TimeoutSeconds int    `koanf:"timeoutSeconds"`
}

// Timeout returns the upstream exchange cap as a duration.
func (c UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BatchConfig bounds the low-priority micro-batcher.
type BatchConfig struct {
	Enabled    bool `koanf:"enabled"`
	MaxSize    int  `koanf:"maxSize"`
	MaxDelayMs int  `koanf:"maxDelayMs"`
}

// MaxDelay returns the flush deadline as a duration.
func (c BatchConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMs) * time.Millisecond
}

// DefaultConfig returns the baseline snapshot applied before file and
// environment overlays.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen:  ListenConfig{Address: "0.0.0.0", Port: 8080},
			Logging: LoggingConfig{Level: "info", Format: "json"},
		},
		Cache: CacheConfig{
			Backend:   "memory",
			Namespace: "inferd",
			Categories: map[string]CategoryConfig{
				"model-response": {TTLSeconds: 3600, MaxFallback: 1000, SavedSeconds: 2.5},
				"user-session":   {TTLSeconds: 1800, MaxFallback: 500, SavedSeconds: 0.1},
				"system-data":    {TTLSeconds: 7200, MaxFallback: 200, SavedSeconds: 0.5},
				"embedding":      {TTLSeconds: 86400, MaxFallback: 2000, SavedSeconds: 1.0},
			},
		},
		Pool: PoolConfig{
			MinSize:                 2,
			MaxSize:                 20,
			IdleTimeoutSeconds:      300,
			ConnectTimeoutSeconds:   30,
			MaintenanceIntervalSecs: 60,
			SQLitePath:              "inferd.db",
		},
		Scheduler: SchedulerConfig{
			Workers:        5,
			MaxQueue:       1000,
			HistorySize:    100,
			DefaultRetries: 3,
			RateLimit:      RateLimitConfig{PerMinute: 60, PerHour: 1000},
			Breaker:        BreakerConfig{FailureThreshold: 5, RecoveryTimeoutSeconds: 60},
		},
		Optimizer: OptimizerConfig{
			ProfileWindow: 20,
			Upstream:      UpstreamConfig{TimeoutSeconds: 60},
			Batch:         BatchConfig{Enabled: false, MaxSize: 8, MaxDelayMs: 250},
		},
	}
}

// Validate rejects snapshots the runtime cannot safely start with.
func (c Config) Validate() error {
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: invalid listen port %d", c.Server.Listen.Port)
	}
	switch strings.ToLower(c.Cache.Backend) {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("config: unsupported cache backend %q", c.Cache.Backend)
	}
	if strings.ToLower(c.Cache.Backend) == "redis" && strings.TrimSpace(c.Cache.Redis.Address) == "" {
		return errors.New("config: redis backend requires cache.redis.address")
	}
	for name, cat := range c.Cache.Categories {
		if cat.TTLSeconds <= 0 {
			return fmt.Errorf("config: cache category %q needs a positive ttlSeconds", name)
		}
		if cat.MaxFallback <= 0 {
			return fmt.Errorf("config: cache category %q needs a positive maxFallback", name)
		}
	}
	if c.Pool.MinSize < 0 {
		return errors.New("config: pool.minSize must not be negative")
	}
	if c.Pool.MaxSize <= 0 {
		return errors.New("config: pool.maxSize must be positive")
	}
	if c.Pool.MinSize > c.Pool.MaxSize {
		return fmt.Errorf("config: pool.minSize %d exceeds pool.maxSize %d", c.Pool.MinSize, c.Pool.MaxSize)
	}
	if c.Scheduler.Workers <= 0 {
		return errors.New("config: scheduler.workers must be positive")
	}
	if c.Scheduler.MaxQueue <= 0 {
		return errors.New("config: scheduler.maxQueue must be positive")
	}
	if c.Scheduler.RateLimit.PerMinute <= 0 || c.Scheduler.RateLimit.PerHour <= 0 {
		return errors.New("config: rate limits must be positive")
	}
	if c.Scheduler.Breaker.FailureThreshold <= 0 {
		return errors.New("config: breaker.failureThreshold must be positive")
	}
	if c.Optimizer.Batch.Enabled && c.Optimizer.Batch.MaxSize <= 0 {
		return errors.New("config: batch.maxSize must be positive when batching is enabled")
	}
	return nil
}
