package scheduler

import (
	"log/slog"
	"sync"
	"time"

	"github.com/helioslabs/inferd/internal/metrics"
)

// BreakerState is the circuit state for one request type.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerSnapshot is the observable breaker state surfaced by Stats.
type BreakerSnapshot struct {
	State        BreakerState `json:"state"`
	FailureCount int          `json:"failureCount"`
	OpenedAt     time.Time    `json:"openedAt,omitzero"`
}

type breakerEntry struct {
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool // a half-open probe is in flight
}

// breakerRegistry keeps one circuit breaker per request type. While a
// breaker is open, no request of that type is dispatched until the recovery
// timeout elapses; then exactly one probe is admitted.
type breakerRegistry struct {
	threshold int
	recovery  time.Duration
	logger    *slog.Logger
	metrics   *metrics.Recorder

	mu      sync.Mutex
	entries map[string]*breakerEntry
}

func newBreakerRegistry(threshold int, recovery time.Duration, logger *slog.Logger, rec *metrics.Recorder) *breakerRegistry {
	return &breakerRegistry{
		threshold: threshold,
		recovery:  recovery,
		logger:    logger,
		metrics:   rec,
		entries:   make(map[string]*breakerEntry),
	}
}

func (b *breakerRegistry) entry(key string) *breakerEntry {
	e, ok := b.entries[key]
	if !ok {
		e = &breakerEntry{state: BreakerClosed}
		b.entries[key] = e
	}
	return e
}

// allow reports whether a request of this type may be admitted now. A
// half-open breaker admits exactly one probe at a time.
func (b *breakerRegistry) allow(key string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(key)
	switch e.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if now.Sub(e.openedAt) < b.recovery {
			return false
		}
		e.state = BreakerHalfOpen
		e.probing = true
		b.transition(key, BreakerHalfOpen)
		return true
	default: // half-open
		if e.probing {
			return false
		}
		e.probing = true
		return true
	}
}

// onSuccess resets the breaker to closed.
func (b *breakerRegistry) onSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(key)
	wasOpen := e.state != BreakerClosed
	e.state = BreakerClosed
	e.failures = 0
	e.probing = false
	if wasOpen {
		b.transition(key, BreakerClosed)
	}
}

// onAbandoned releases a half-open probe that ended without exercising the
// downstream, such as a cancellation or an expiry while still queued. The
// breaker stays half-open and the next submission claims the probe slot.
func (b *breakerRegistry) onAbandoned(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(key)
	if e.state == BreakerHalfOpen {
		e.probing = false
	}
}

// onFailure counts a failure, opening the breaker at the threshold. A failed
// half-open probe reopens immediately.
func (b *breakerRegistry) onFailure(key string, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(key)
	e.failures++
	if e.state == BreakerHalfOpen {
		e.state = BreakerOpen
		e.openedAt = now
		e.probing = false
		b.transition(key, BreakerOpen)
		return
	}
	if e.state == BreakerClosed && e.failures >= b.threshold {
		e.state = BreakerOpen
		e.openedAt = now
		b.transition(key, BreakerOpen)
	}
}

// snapshot copies the registry for the stats endpoint.
func (b *breakerRegistry) snapshot() map[string]BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]BreakerSnapshot, len(b.entries))
	for key, e := range b.entries {
		out[key] = BreakerSnapshot{State: e.state, FailureCount: e.failures, OpenedAt: e.openedAt}
	}
	return out
}

// transition logs and counts a state change. Callers hold b.mu.
func (b *breakerRegistry) transition(key string, state BreakerState) {
	if b.logger != nil {
		b.logger.Warn("circuit breaker transition",
			slog.String("request_type", key),
			slog.String("state", string(state)))
	}
	b.metrics.ObserveBreakerTransition(key, string(state))
}
