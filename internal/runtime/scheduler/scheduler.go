// Package scheduler is the single entry point for request execution: it
// rate-limits, deduplicates, circuit-breaks, priority-queues, and dispatches
// admitted requests to a fixed worker pool.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helioslabs/inferd/internal/metrics"
	"github.com/helioslabs/inferd/internal/runtime/cache"
)

// Admission errors are returned synchronously from Submit; this layer never
// retries them.
var (
	ErrQueueFull   = errors.New("scheduler: queue full")
	ErrRateLimited = errors.New("scheduler: rate limited")
	ErrCircuitOpen = errors.New("scheduler: circuit open")
	ErrClosed      = errors.New("scheduler: closed")
)

type outcomeKind int

const (
	outcomeOk outcomeKind = iota
	outcomeRetryable
	outcomeFatal
)

// Outcome is a handler's explicit result: success with a value, a retryable
// failure, or a fatal one. The retry loop is a plain state check on this
// type rather than error-type interception.
type Outcome struct {
	kind  outcomeKind
	value any
	err   error
}

// Ok wraps a successful handler result.
func Ok(value any) Outcome { return Outcome{kind: outcomeOk, value: value} }

// Retryable wraps a failure worth retrying with backoff.
func Retryable(err error) Outcome { return Outcome{kind: outcomeRetryable, err: err} }

// Fatal wraps a failure that must not be retried.
func Fatal(err error) Outcome { return Outcome{kind: outcomeFatal, err: err} }

// Handler executes one request. The context carries the request's remaining
// deadline and is cancelled when the request is cancelled.
type Handler func(ctx context.Context, req Snapshot) Outcome

// Options sizes the scheduler and its gatekeepers.
type Options struct {
	Workers           int
	MaxQueue          int
	HistorySize       int
	DefaultMaxRetries int
	RateLimitMinute   int
	RateLimitHour     int
	BreakerThreshold  int
	BreakerRecovery   time.Duration
	Logger            *slog.Logger
	Metrics           *metrics.Recorder
}

// SubmitOptions describes one submission.
type SubmitOptions struct {
	RequestType string
	Payload     map[string]any
	UserID      string
	Priority    int
	Timeout     time.Duration
	MaxRetries  int
	// DisableDedup opts this submission out of request coalescing.
	DisableDedup bool
}

// Stats is the scheduler snapshot surfaced by the stats endpoint.
type Stats struct {
	QueueDepth       int                        `json:"queueDepth"`
	Workers          int                        `json:"workers"`
	Active           int                        `json:"active"`
	StatusCounts     map[Status]int64           `json:"statusCounts"`
	RateLimitDenied  int64                      `json:"rateLimitDenied"`
	Breakers         map[string]BreakerSnapshot `json:"breakers"`
	WorkerThroughput map[string]int64           `json:"workerThroughput"`
}

// Scheduler is the admission-control and dispatch core. All queue, breaker,
// and rate-limit bookkeeping happens under per-structure locks held only for
// the mutation, never across a downstream call.
type Scheduler struct {
	workers           int
	maxQueue          int
	historySize       int
	defaultMaxRetries int
	logger            *slog.Logger
	metrics           *metrics.Recorder

	limiter  *rateLimiter
	breakers *breakerRegistry

	handlerMu      sync.RWMutex
	handlers       map[string]Handler
	defaultHandler Handler

	mu           sync.Mutex
	cond         *sync.Cond
	queue        requestHeap
	byID         map[string]*request
	inflight     map[string]string // fingerprint -> request id
	history      map[string]Snapshot
	historyOrder []string
	counts       map[Status]int64
	throughput   map[string]int64
	seq          uint64
	active       int
	stopped      bool

	wg sync.WaitGroup
}

// New builds an idle scheduler; Start launches the worker pool.
func New(opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("agent", "scheduler"))
	workers := opts.Workers
	if workers <= 0 {
		workers = 5
	}
	maxQueue := opts.MaxQueue
	if maxQueue <= 0 {
		maxQueue = 1000
	}
	historySize := opts.HistorySize
	if historySize <= 0 {
		historySize = 100
	}
	threshold := opts.BreakerThreshold
	if threshold <= 0 {
		threshold = 5
	}
	recovery := opts.BreakerRecovery
	if recovery <= 0 {
		recovery = time.Minute
	}
	s := &Scheduler{
		workers:           workers,
		maxQueue:          maxQueue,
		historySize:       historySize,
		defaultMaxRetries: opts.DefaultMaxRetries,
		logger:            logger,
		metrics:           opts.Metrics,
		limiter:           newRateLimiter(opts.RateLimitMinute, opts.RateLimitHour),
		breakers:          newBreakerRegistry(threshold, recovery, logger, opts.Metrics),
		handlers:          make(map[string]Handler),
		byID:              make(map[string]*request),
		inflight:          make(map[string]string),
		history:           make(map[string]Snapshot),
		counts:            make(map[Status]int64),
		throughput:        make(map[string]int64),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Register installs the handler for a request type.
func (s *Scheduler) Register(requestType string, h Handler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.handlers[requestType] = h
}

// SetDefaultHandler installs the handler used for unregistered types.
func (s *Scheduler) SetDefaultHandler(h Handler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.defaultHandler = h
}

func (s *Scheduler) handlerFor(requestType string) Handler {
	s.handlerMu.RLock()
	defer s.handlerMu.RUnlock()
	if h, ok := s.handlers[requestType]; ok {
		return h
	}
	return s.defaultHandler
}

// Start launches the fixed worker pool.
func (s *Scheduler) Start() {
	for i := 0; i < s.workers; i++ {
		name := fmt.Sprintf("worker-%d", i+1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runWorker(name)
		}()
	}
	s.logger.Info("scheduler started", slog.Int("workers", s.workers))
}

// Submit applies the admission pipeline in order: capacity, rate limit,
// circuit breaker, deduplication, enqueue. It returns the request id; for a
// coalesced submission that is the id of the already-queued request.
func (s *Scheduler) Submit(opts SubmitOptions) (string, error) {
	now := time.Now()
	if opts.Priority < PriorityCritical || opts.Priority > PriorityBatch {
		opts.Priority = PriorityNormal
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.defaultMaxRetries
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return "", ErrClosed
	}
	if s.queue.Len() >= s.maxQueue {
		s.mu.Unlock()
		s.metrics.ObserveSubmission(opts.RequestType, metrics.SubmissionQueueFull)
		return "", ErrQueueFull
	}
	s.mu.Unlock()

	if !s.limiter.allow(opts.UserID, now) {
		s.metrics.ObserveSubmission(opts.RequestType, metrics.SubmissionRateLimited)
		return "", fmt.Errorf("%w: user %s", ErrRateLimited, opts.UserID)
	}
	if !s.breakers.allow(opts.RequestType, now) {
		s.metrics.ObserveSubmission(opts.RequestType, metrics.SubmissionCircuitOpen)
		return "", fmt.Errorf("%w: request type %s", ErrCircuitOpen, opts.RequestType)
	}

	fingerprint := ""
	if !opts.DisableDedup {
		fingerprint = cache.KeyInputs{"type": opts.RequestType, "payload": opts.Payload}.Digest()
	}

	s.mu.Lock()
	if fingerprint != "" {
		if existing, ok := s.inflight[fingerprint]; ok {
			s.mu.Unlock()
			s.metrics.ObserveSubmission(opts.RequestType, metrics.SubmissionDeduplicated)
			return existing, nil
		}
	}
	// Recheck capacity under the same lock as the push so concurrent submits
	// cannot overshoot maxQueue.
	if s.queue.Len() >= s.maxQueue {
		s.mu.Unlock()
		s.metrics.ObserveSubmission(opts.RequestType, metrics.SubmissionQueueFull)
		return "", ErrQueueFull
	}
	s.seq++
	req := &request{
		id:          uuid.NewString(),
		userID:      opts.UserID,
		requestType: opts.RequestType,
		priority:    opts.Priority,
		payload:     opts.Payload,
		fingerprint: fingerprint,
		createdAt:   now,
		timeout:     opts.Timeout,
		maxRetries:  maxRetries,
		status:      StatusQueued,
		seq:         s.seq,
	}
	s.byID[req.id] = req
	if fingerprint != "" {
		s.inflight[fingerprint] = req.id
	}
	s.queue.push(req)
	depth := s.queue.Len()
	s.mu.Unlock()

	s.metrics.ObserveSubmission(opts.RequestType, metrics.SubmissionAdmitted)
	s.metrics.SetQueueDepth(depth)
	s.cond.Signal()
	return req.id, nil
}

// Status returns a snapshot of a queued, in-flight, or recently completed
// request.
func (s *Scheduler) Status(id string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req, ok := s.byID[id]; ok {
		return req.snapshot(), true
	}
	snap, ok := s.history[id]
	return snap, ok
}

// Cancel removes a queued request or flags an in-flight one. Terminal
// requests cannot be cancelled.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	req, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if req.status == StatusQueued {
		s.queue.remove(req)
		s.finalizeLocked(req, StatusCancelled, nil, context.Canceled, "")
		s.mu.Unlock()
		return true
	}
	req.cancelRequested = true
	cancel := req.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return true
}

// Stats returns the scheduler bookkeeping snapshot.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	counts := make(map[Status]int64, len(s.counts))
	for k, v := range s.counts {
		counts[k] = v
	}
	throughput := make(map[string]int64, len(s.throughput))
	for k, v := range s.throughput {
		throughput[k] = v
	}
	stats := Stats{
		QueueDepth:       s.queue.Len(),
		Workers:          s.workers,
		Active:           s.active,
		StatusCounts:     counts,
		WorkerThroughput: throughput,
	}
	s.mu.Unlock()
	stats.RateLimitDenied = s.limiter.deniedCount()
	stats.Breakers = s.breakers.snapshot()
	return stats
}

// Close stops admission, wakes the workers, and waits for them to drain.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()
	s.cond.Broadcast()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runWorker pulls the highest-priority ready request and executes it to a
// terminal status. A dispatched request runs to completion; priority only
// governs queue order.
func (s *Scheduler) runWorker(name string) {
	for {
		s.mu.Lock()
		for s.queue.Len() == 0 && !s.stopped {
			s.cond.Wait()
		}
		if s.stopped {
			s.mu.Unlock()
			return
		}
		req := s.queue.popMin()
		now := time.Now()
		switch {
		case req.cancelRequested:
			s.finalizeLocked(req, StatusCancelled, nil, context.Canceled, name)
			s.mu.Unlock()
			continue
		case now.After(req.deadline()):
			// Queue wait already exceeded the per-request deadline. The
			// downstream was never exercised, so a probe is released, not
			// counted.
			s.breakers.onAbandoned(req.requestType)
			s.finalizeLocked(req, StatusTimedOut, nil, context.DeadlineExceeded, name)
			s.mu.Unlock()
			continue
		}
		req.setStatus(StatusProcessing)
		s.active++
		ctx, cancel := context.WithDeadline(context.Background(), req.deadline())
		req.cancel = cancel
		depth := s.queue.Len()
		s.mu.Unlock()
		s.metrics.SetQueueDepth(depth)

		s.execute(ctx, req, name)
		cancel()

		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}
}

// execute runs the handler with inline retries until the request reaches a
// terminal status.
func (s *Scheduler) execute(ctx context.Context, req *request, worker string) {
	handler := s.handlerFor(req.requestType)
	if handler == nil {
		s.breakers.onAbandoned(req.requestType)
		s.finalize(req, StatusFailed, nil, fmt.Errorf("scheduler: no handler for request type %q", req.requestType), worker)
		return
	}

	for {
		snap := func() Snapshot {
			s.mu.Lock()
			defer s.mu.Unlock()
			return req.snapshot()
		}()

		outcome := handler(ctx, snap)
		now := time.Now()

		if s.cancelRequested(req) {
			s.finalize(req, StatusCancelled, nil, context.Canceled, worker)
			return
		}
		if ctx.Err() != nil || now.After(req.deadline()) {
			// Exceeding the deadline at any stage yields TimedOut, not Failed.
			// The attempt still counts as a downstream failure, so a hung
			// half-open probe reopens the breaker instead of wedging it.
			s.breakers.onFailure(req.requestType, now)
			s.finalize(req, StatusTimedOut, nil, context.DeadlineExceeded, worker)
			return
		}

		switch outcome.kind {
		case outcomeOk:
			s.breakers.onSuccess(req.requestType)
			s.finalize(req, StatusCompleted, outcome.value, nil, worker)
			return
		case outcomeFatal:
			s.breakers.onFailure(req.requestType, now)
			s.finalize(req, StatusFailed, nil, outcome.err, worker)
			return
		default:
			s.breakers.onFailure(req.requestType, now)
		}

		s.mu.Lock()
		if req.retryCount >= req.maxRetries {
			s.mu.Unlock()
			s.finalize(req, StatusFailed, nil, outcome.err, worker)
			return
		}
		req.retryCount++
		attempt := req.retryCount
		s.mu.Unlock()

		backoff := backoffFor(attempt)
		if now.Add(backoff).After(req.deadline()) {
			// Waiting out the backoff would blow the deadline.
			s.finalize(req, StatusTimedOut, nil, context.DeadlineExceeded, worker)
			return
		}
		s.logger.Debug("retrying request",
			slog.String("id", req.id),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.Any("error", outcome.err))

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			if s.cancelRequested(req) {
				s.finalize(req, StatusCancelled, nil, context.Canceled, worker)
			} else {
				s.finalize(req, StatusTimedOut, nil, context.DeadlineExceeded, worker)
			}
			return
		}
	}
}

// backoffFor returns min(2^attempt, 60s).
func backoffFor(attempt int) time.Duration {
	if attempt >= 6 {
		return 60 * time.Second
	}
	return time.Duration(1<<uint(attempt)) * time.Second
}

// cancelRequested checks the request's cancel flag under the scheduler lock.
func (s *Scheduler) cancelRequested(req *request) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return req.cancelRequested
}

func (s *Scheduler) finalize(req *request, status Status, result any, err error, worker string) {
	s.mu.Lock()
	s.finalizeLocked(req, status, result, err, worker)
	s.mu.Unlock()
}

// finalizeLocked moves a request to a terminal status, releases its dedup
// fingerprint, and records it in the bounded completed-history buffer.
// Callers hold s.mu.
func (s *Scheduler) finalizeLocked(req *request, status Status, result any, err error, worker string) {
	if !req.setStatus(status) {
		return
	}
	req.result = result
	req.err = err

	// Cancellation never exercised the downstream; release a probe slot the
	// request may hold so the breaker cannot stay half-open forever.
	if status == StatusCancelled {
		s.breakers.onAbandoned(req.requestType)
	}

	delete(s.byID, req.id)
	if req.fingerprint != "" {
		delete(s.inflight, req.fingerprint)
	}

	if len(s.historyOrder) >= s.historySize && len(s.historyOrder) > 0 {
		oldest := s.historyOrder[0]
		s.historyOrder = s.historyOrder[1:]
		delete(s.history, oldest)
	}
	s.history[req.id] = req.snapshot()
	s.historyOrder = append(s.historyOrder, req.id)

	s.counts[status]++
	if worker != "" {
		s.throughput[worker]++
	}
	s.metrics.ObserveCompletion(req.requestType, string(status), worker, time.Since(req.createdAt))
}
