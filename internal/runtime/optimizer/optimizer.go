// Package optimizer classifies prompts, selects a downstream execution tier,
// and memoizes outcomes through the response cache. It is invoked by
// scheduler workers and never blocks longer than the caller's deadline.
package optimizer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/helioslabs/inferd/internal/runtime/cache"
)

// Cache category names shared with the configuration surface.
const (
	CategoryModelResponse = "model-response"
	CategoryUserSession   = "user-session"
)

// Generator is the downstream reasoning call this core schedules but does
// not define.
type Generator interface {
	Generate(ctx context.Context, prompt string, tier Tier, contextData map[string]any) (string, error)
}

// GeneratorFunc adapts a plain function to the Generator interface.
type GeneratorFunc func(ctx context.Context, prompt string, tier Tier, contextData map[string]any) (string, error)

// Generate implements Generator.
func (f GeneratorFunc) Generate(ctx context.Context, prompt string, tier Tier, contextData map[string]any) (string, error) {
	return f(ctx, prompt, tier, contextData)
}

// Request is one resolution job handed over by a scheduler worker.
type Request struct {
	Prompt      string
	Context     map[string]any
	UserID      string
	Hint        Hint
	LowPriority bool
}

// Response is the resolved outcome with its routing metadata.
type Response struct {
	Text       string     `json:"text"`
	Tier       Tier       `json:"tier"`
	Complexity Complexity `json:"complexity"`
	CacheHit   bool       `json:"cacheHit"`
	Templated  bool       `json:"templated"`
	Confidence float64    `json:"confidence"`
	Elapsed    time.Duration `json:"-"`
}

// cachedResponse is the wire form stored in the response cache.
type cachedResponse struct {
	Text       string     `json:"text"`
	Tier       Tier       `json:"tier"`
	Complexity Complexity `json:"complexity"`
}

// BatchOptions bounds the low-priority micro-batcher.
type BatchOptions struct {
	Enabled  bool
	MaxSize  int
	MaxDelay time.Duration
}

// Options wires an Optimizer.
type Options struct {
	Generator     Generator
	Cache         *cache.ResponseCache
	Logger        *slog.Logger
	ProfileWindow int
	MaxUsers      int
	Batch         BatchOptions
}

// Optimizer routes requests to the cheapest tier that can serve them,
// consulting the cache before any downstream call.
type Optimizer struct {
	gen       Generator
	cache     *cache.ResponseCache
	logger    *slog.Logger
	profiles  *profileStore
	batcher   *batcher
	templates atomic.Pointer[TemplateSet]
}

// New constructs an Optimizer with the built-in canned templates installed.
func New(opts Options) (*Optimizer, error) {
	if opts.Generator == nil {
		return nil, fmt.Errorf("optimizer: generator required")
	}
	if opts.Cache == nil {
		return nil, fmt.Errorf("optimizer: cache required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	o := &Optimizer{
		gen:      opts.Generator,
		cache:    opts.Cache,
		logger:   logger.With(slog.String("agent", "optimizer")),
		profiles: newProfileStore(opts.ProfileWindow, opts.MaxUsers),
	}
	if opts.Batch.Enabled {
		o.batcher = newBatcher(opts.Generator, opts.Batch.MaxSize, opts.Batch.MaxDelay, o.logger)
	}
	o.templates.Store(DefaultTemplates())
	return o, nil
}

// SetTemplates swaps the canned-response set, typically from the file
// watcher.
func (o *Optimizer) SetTemplates(set *TemplateSet) {
	if set != nil {
		o.templates.Store(set)
	}
}

// Profile returns the rolling routing profile for a user.
func (o *Optimizer) Profile(userID string) ProfileSnapshot {
	return o.profiles.Snapshot(userID)
}

// Resolve runs the routing pipeline: template short-circuit, complexity
// classification, tier selection, cache lookup, and finally the downstream
// call with a cache write-back.
func (o *Optimizer) Resolve(ctx context.Context, req Request) (Response, error) {
	start := time.Now()

	if text, ok := o.templates.Load().Match(req.Prompt, req.UserID); ok {
		return Response{
			Text:       text,
			Tier:       TierLite,
			Complexity: ComplexitySimple,
			Templated:  true,
			Confidence: 0.99,
			Elapsed:    time.Since(start),
		}, nil
	}

	complexity := Classify(req.Prompt)
	o.profiles.Record(req.UserID, complexity)

	hint := req.Hint
	if hint == "" {
		hint = o.profiles.Snapshot(req.UserID).Preference
	}
	tier := SelectTier(complexity, hint)

	inputs := cache.KeyInputs{
		"prompt":  req.Prompt,
		"tier":    string(tier),
		"context": req.Context,
	}
	if raw, ok := o.cache.Get(ctx, CategoryModelResponse, inputs); ok {
		var cached cachedResponse
		if err := json.Unmarshal(raw, &cached); err == nil {
			return Response{
				Text:       cached.Text,
				Tier:       cached.Tier,
				Complexity: cached.Complexity,
				CacheHit:   true,
				Confidence: 0.95,
				Elapsed:    time.Since(start),
			}, nil
		}
		o.logger.Warn("discarding undecodable cache entry", slog.String("category", CategoryModelResponse))
	}

	text, err := o.generate(ctx, req, tier)
	if err != nil {
		return Response{}, fmt.Errorf("optimizer: generate (tier %s): %w", tier, err)
	}

	if err := o.cache.Set(ctx, CategoryModelResponse, inputs, cachedResponse{Text: text, Tier: tier, Complexity: complexity}); err != nil {
		o.logger.Warn("cache write-back failed", slog.Any("error", err))
	}
	o.persistProfile(ctx, req.UserID)

	return Response{
		Text:       text,
		Tier:       tier,
		Complexity: complexity,
		Confidence: 0.9,
		Elapsed:    time.Since(start),
	}, nil
}

func (o *Optimizer) generate(ctx context.Context, req Request, tier Tier) (string, error) {
	if o.batcher != nil && req.LowPriority && o.batcher.eligible(ctx) {
		return o.batcher.generate(ctx, req.Prompt, tier, req.Context)
	}
	return o.gen.Generate(ctx, req.Prompt, tier, req.Context)
}

// persistProfile mirrors the rolling profile into the user-session category
// so other replicas can pick up the bias.
func (o *Optimizer) persistProfile(ctx context.Context, userID string) {
	if userID == "" {
		return
	}
	snap := o.profiles.Snapshot(userID)
	if err := o.cache.Set(ctx, CategoryUserSession, cache.KeyInputs{"user": userID}, snap); err != nil {
		o.logger.Debug("profile persist failed", slog.Any("error", err))
	}
}
