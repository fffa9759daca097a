package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/helioslabs/inferd/internal/metrics"
)

// CategoryPolicy mirrors the config cache category type to avoid a circular
// dependency on the config package: entry lifetime, fallback entry cap, and
// the estimated downstream seconds a hit avoids.
type CategoryPolicy struct {
	TTL          time.Duration
	MaxFallback  int
	SavedSeconds float64
}

// DefaultPolicy applies when a category has no explicit configuration.
var DefaultPolicy = CategoryPolicy{TTL: time.Hour, MaxFallback: 1000, SavedSeconds: 1}

// Options configures a ResponseCache.
type Options struct {
	Namespace  string
	Primary    Backend // nil runs fallback-only
	Categories map[string]CategoryPolicy
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
}

// CategoryStats is the per-category hit/miss bookkeeping surfaced by Stats.
type CategoryStats struct {
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	SavedSeconds float64 `json:"savedSeconds"`
}

// Stats is the aggregate cache statistics snapshot.
type Stats struct {
	Hits         int64                    `json:"hits"`
	Misses       int64                    `json:"misses"`
	HitRate      float64                  `json:"hitRate"`
	SavedSeconds float64                  `json:"savedSeconds"`
	Degraded     bool                     `json:"degraded"`
	Categories   map[string]CategoryStats `json:"categories"`
}

// ResponseCache memoizes request outcomes. Lookups go to the primary
// external service when configured; any primary error transparently falls
// back to the in-process map, so cache unavailability is never fatal to a
// request. Safe for concurrent use without external locking.
type ResponseCache struct {
	namespace  string
	primary    Backend
	fallback   Backend
	categories map[string]CategoryPolicy
	logger     *slog.Logger
	metrics    *metrics.Recorder

	mu       sync.Mutex
	degraded bool
	stats    map[string]*CategoryStats
}

// New assembles the layered cache. The fallback layer is always present.
func New(opts Options) *ResponseCache {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	caps := make(map[string]int, len(opts.Categories))
	for name, policy := range opts.Categories {
		caps[name] = policy.MaxFallback
	}
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "inferd"
	}
	return &ResponseCache{
		namespace:  namespace,
		primary:    opts.Primary,
		fallback:   NewMemory(caps, DefaultPolicy.MaxFallback),
		categories: opts.Categories,
		logger:     logger.With(slog.String("agent", "response_cache")),
		metrics:    opts.Metrics,
		stats:      make(map[string]*CategoryStats),
	}
}

func (c *ResponseCache) policy(category string) CategoryPolicy {
	if p, ok := c.categories[category]; ok {
		return p
	}
	return DefaultPolicy
}

// Key exposes the derived storage key for a category and its inputs.
func (c *ResponseCache) Key(category string, inputs KeyInputs) string {
	return BuildKey(c.namespace, category, inputs)
}

// Get returns the cached value for the inputs if present and unexpired.
func (c *ResponseCache) Get(ctx context.Context, category string, inputs KeyInputs) (json.RawMessage, bool) {
	key := c.Key(category, inputs)
	entry, ok := c.lookup(ctx, key)
	if !ok || entry.Expired(time.Now()) {
		c.recordMiss(category)
		return nil, false
	}
	c.recordHit(category)
	return entry.Value, true
}

// Set stores value under the inputs' derived key with the category TTL.
func (c *ResponseCache) Set(ctx context.Context, category string, inputs KeyInputs, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: encode value: %w", err)
	}
	now := time.Now().UTC()
	entry := Entry{
		Value:     payload,
		Category:  category,
		CreatedAt: now,
		ExpiresAt: now.Add(c.policy(category).TTL),
	}
	key := c.Key(category, inputs)

	if c.primary != nil {
		if err := c.primary.Store(ctx, key, entry); err == nil {
			c.setDegraded(false)
			c.metrics.ObserveCacheOp(category, "store", metrics.CacheStored)
			return nil
		} else {
			c.setDegraded(true)
			c.logger.Warn("primary cache store failed, using fallback", slog.Any("error", err))
			c.metrics.ObserveCacheOp(category, "store", metrics.CacheDegraded)
		}
	}
	if err := c.fallback.Store(ctx, key, entry); err != nil {
		c.metrics.ObserveCacheOp(category, "store", metrics.CacheError)
		return fmt.Errorf("cache: fallback store: %w", err)
	}
	if c.primary == nil {
		c.metrics.ObserveCacheOp(category, "store", metrics.CacheStored)
	}
	return nil
}

// Invalidate removes keys containing pattern from both layers; an empty
// pattern clears everything. Returns the number of keys removed.
func (c *ResponseCache) Invalidate(ctx context.Context, pattern string) (int64, error) {
	var total int64
	if c.primary != nil {
		n, err := c.primary.DeleteMatch(ctx, pattern)
		total += n
		if err != nil {
			c.setDegraded(true)
			c.logger.Warn("primary cache invalidate failed", slog.Any("error", err))
		}
	}
	n, err := c.fallback.DeleteMatch(ctx, pattern)
	total += n
	if err != nil {
		return total, fmt.Errorf("cache: fallback invalidate: %w", err)
	}
	return total, nil
}

// Stats returns the hit/miss counters and the estimated time saved so far.
func (c *ResponseCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := Stats{Degraded: c.degraded, Categories: make(map[string]CategoryStats, len(c.stats))}
	for name, cs := range c.stats {
		out.Categories[name] = *cs
		out.Hits += cs.Hits
		out.Misses += cs.Misses
		out.SavedSeconds += cs.SavedSeconds
	}
	if total := out.Hits + out.Misses; total > 0 {
		out.HitRate = float64(out.Hits) / float64(total)
	}
	return out
}

// Degraded reports whether the primary backend failed on its last operation.
func (c *ResponseCache) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// Close releases both backend layers.
func (c *ResponseCache) Close(ctx context.Context) error {
	var firstErr error
	if c.primary != nil {
		firstErr = c.primary.Close(ctx)
	}
	if err := c.fallback.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (c *ResponseCache) lookup(ctx context.Context, key string) (Entry, bool) {
	category := categoryFromKey(key)
	if c.primary != nil {
		entry, ok, err := c.primary.Lookup(ctx, key)
		if err == nil {
			c.setDegraded(false)
			return entry, ok
		}
		c.setDegraded(true)
		c.logger.Warn("primary cache lookup failed, using fallback", slog.Any("error", err))
		c.metrics.ObserveCacheOp(category, "lookup", metrics.CacheDegraded)
	}
	entry, ok, err := c.fallback.Lookup(ctx, key)
	if err != nil {
		c.metrics.ObserveCacheOp(category, "lookup", metrics.CacheError)
		return Entry{}, false
	}
	return entry, ok
}

func (c *ResponseCache) recordHit(category string) {
	policy := c.policy(category)
	c.mu.Lock()
	cs := c.categoryStats(category)
	cs.Hits++
	cs.SavedSeconds += policy.SavedSeconds
	c.mu.Unlock()
	c.metrics.ObserveCacheOp(category, "lookup", metrics.CacheHit)
	c.metrics.AddSavedSeconds(category, policy.SavedSeconds)
}

func (c *ResponseCache) recordMiss(category string) {
	c.mu.Lock()
	c.categoryStats(category).Misses++
	c.mu.Unlock()
	c.metrics.ObserveCacheOp(category, "lookup", metrics.CacheMiss)
}

// categoryStats returns the mutable per-category counters. Callers hold c.mu.
func (c *ResponseCache) categoryStats(category string) *CategoryStats {
	cs, ok := c.stats[category]
	if !ok {
		cs = &CategoryStats{}
		c.stats[category] = cs
	}
	return cs
}

// setDegraded flips degraded mode, logging only on transitions so a flapping
// primary does not flood the log.
func (c *ResponseCache) setDegraded(v bool) {
	c.mu.Lock()
	changed := c.degraded != v
	c.degraded = v
	c.mu.Unlock()
	if !changed {
		return
	}
	if v {
		c.logger.Warn("cache entering degraded mode, serving from in-process fallback")
	} else {
		c.logger.Info("cache primary backend recovered")
	}
}

// categoryFromKey recovers the category segment of "{namespace}:{category}:{digest}".
func categoryFromKey(key string) string {
	first := -1
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			if first == -1 {
				first = i
				continue
			}
			return key[first+1 : i]
		}
	}
	return "unknown"
}
