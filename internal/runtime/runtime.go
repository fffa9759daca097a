// Package runtime assembles the request-serving core: the scheduler in
// front, the optimizer behind it, and the cache and connection pool the
// optimizer and persistence handlers lean on. Construction is explicit;
// cmd/main.go owns the lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/helioslabs/inferd/internal/runtime/cache"
	"github.com/helioslabs/inferd/internal/runtime/optimizer"
	"github.com/helioslabs/inferd/internal/runtime/pool"
	"github.com/helioslabs/inferd/internal/runtime/scheduler"
)

// Request types the core routes. Chat transcripts are archived through the
// store pool; completions are fire-and-forget.
const (
	TypeChat       = "chat"
	TypeCompletion = "completion"
)

const transcriptSchema = `CREATE TABLE IF NOT EXISTS transcripts (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	prompt TEXT NOT NULL,
	response TEXT NOT NULL,
	tier TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
)`

// route describes how one request type is served.
type route struct {
	resolve bool
	persist bool
}

// Options wires a Core. All fields are required.
type Options struct {
	Cache     *cache.ResponseCache
	Pool      *pool.Pool
	Optimizer *optimizer.Optimizer
	Scheduler *scheduler.Scheduler
	Logger    *slog.Logger
}

// Stats is the aggregate snapshot served by the stats endpoint.
type Stats struct {
	Scheduler scheduler.Stats `json:"scheduler"`
	Cache     cache.Stats     `json:"cache"`
	Pool      pool.Stats      `json:"pool"`
}

// Health is the liveness summary served by the health endpoint.
type Health struct {
	CacheDegraded bool `json:"cacheDegraded"`
	PoolSaturated bool `json:"poolSaturated"`
	QueueDepth    int  `json:"queueDepth"`
}

// Core is the assembled serving pipeline.
type Core struct {
	cache     *cache.ResponseCache
	pool      *pool.Pool
	optimizer *optimizer.Optimizer
	scheduler *scheduler.Scheduler
	logger    *slog.Logger
	routes    map[string]route
}

// New wires the components and registers the request handlers on the
// scheduler. The routing table is explicit; unknown request types fail at
// dispatch rather than falling through to a hidden default.
func New(opts Options) (*Core, error) {
	switch {
	case opts.Cache == nil:
		return nil, errors.New("runtime: cache required")
	case opts.Pool == nil:
		return nil, errors.New("runtime: pool required")
	case opts.Optimizer == nil:
		return nil, errors.New("runtime: optimizer required")
	case opts.Scheduler == nil:
		return nil, errors.New("runtime: scheduler required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Core{
		cache:     opts.Cache,
		pool:      opts.Pool,
		optimizer: opts.Optimizer,
		scheduler: opts.Scheduler,
		logger:    logger.With(slog.String("agent", "core")),
		routes: map[string]route{
			TypeChat:       {resolve: true, persist: true},
			TypeCompletion: {resolve: true},
		},
	}
	for requestType, rt := range c.routes {
		c.scheduler.Register(requestType, c.resolveHandler(rt))
	}
	return c, nil
}

// Start brings up the pool, ensures the transcript schema, and launches the
// scheduler workers.
func (c *Core) Start(ctx context.Context) error {
	if err := c.pool.Start(ctx); err != nil {
		return fmt.Errorf("runtime: start pool: %w", err)
	}
	err := c.pool.WithConn(ctx, func(conn *pool.Conn) error {
		_, err := conn.Exec(ctx, transcriptSchema)
		return err
	})
	if err != nil {
		return fmt.Errorf("runtime: ensure schema: %w", err)
	}
	c.scheduler.Start()
	return nil
}

// Close shuts the pipeline down front to back: no new admissions, drain
// workers, then release the pool and cache.
func (c *Core) Close(ctx context.Context) error {
	var errs []error
	if err := c.scheduler.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.pool.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.cache.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Submit hands a request to the scheduler.
func (c *Core) Submit(opts scheduler.SubmitOptions) (string, error) {
	return c.scheduler.Submit(opts)
}

// Status returns the scheduler snapshot for a request id.
func (c *Core) Status(id string) (scheduler.Snapshot, bool) {
	return c.scheduler.Status(id)
}

// Cancel cancels a queued or in-flight request.
func (c *Core) Cancel(id string) bool {
	return c.scheduler.Cancel(id)
}

// Stats aggregates the component snapshots.
func (c *Core) Stats() Stats {
	return Stats{
		Scheduler: c.scheduler.Stats(),
		Cache:     c.cache.Stats(),
		Pool:      c.pool.Stats(),
	}
}

// Health summarizes the degraded signals the health endpoint reports.
func (c *Core) Health() Health {
	poolStats := c.pool.Stats()
	schedStats := c.scheduler.Stats()
	return Health{
		CacheDegraded: c.cache.Degraded(),
		PoolSaturated: poolStats.Available == 0 && poolStats.Open > 0 && poolStats.InUse == poolStats.Open,
		QueueDepth:    schedStats.QueueDepth,
	}
}

// resolveHandler adapts the optimizer pipeline to a scheduler handler for
// one route.
func (c *Core) resolveHandler(rt route) scheduler.Handler {
	return func(ctx context.Context, req scheduler.Snapshot) scheduler.Outcome {
		if !rt.resolve {
			return scheduler.Fatal(fmt.Errorf("runtime: request type %q has no resolver", req.RequestType))
		}
		oreq, err := requestFromPayload(req)
		if err != nil {
			return scheduler.Fatal(err)
		}

		resp, err := c.optimizer.Resolve(ctx, oreq)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return scheduler.Fatal(err)
			}
			// Downstream generation failures are worth retrying.
			return scheduler.Retryable(err)
		}

		if rt.persist {
			if err := c.archiveTranscript(ctx, req, oreq.Prompt, resp); err != nil {
				// Archiving is best effort; the response already exists.
				c.logger.Warn("transcript archive failed",
					slog.String("id", req.ID),
					slog.Any("error", err))
			}
		}
		return scheduler.Ok(resp)
	}
}

// requestFromPayload validates the submit payload and maps it to an
// optimizer request. A missing prompt is a caller bug, not a transient.
func requestFromPayload(req scheduler.Snapshot) (optimizer.Request, error) {
	prompt, _ := req.Payload["prompt"].(string)
	if prompt == "" {
		return optimizer.Request{}, fmt.Errorf("runtime: request %s: payload missing prompt", req.ID)
	}
	contextData, _ := req.Payload["context"].(map[string]any)
	hint, _ := req.Payload["hint"].(string)
	return optimizer.Request{
		Prompt:      prompt,
		Context:     contextData,
		UserID:      req.UserID,
		Hint:        optimizer.Hint(hint),
		LowPriority: req.Priority >= scheduler.PriorityLow,
	}, nil
}

// archiveTranscript records the resolved exchange inside one transaction.
func (c *Core) archiveTranscript(ctx context.Context, req scheduler.Snapshot, prompt string, resp optimizer.Response) error {
	return c.pool.WithTx(ctx, func(conn *pool.Conn) error {
		_, err := conn.Exec(ctx,
			`INSERT INTO transcripts (id, user_id, prompt, response, tier, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			req.ID, req.UserID, prompt, resp.Text, string(resp.Tier), time.Now().UTC())
		return err
	})
}
