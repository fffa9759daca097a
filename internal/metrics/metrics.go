package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SubmissionOutcome labels the admission decision taken for a submit call.
type SubmissionOutcome string

const (
	// SubmissionAdmitted marks a request accepted into the queue.
	SubmissionAdmitted SubmissionOutcome = "admitted"
	// SubmissionDeduplicated marks a submit coalesced onto an in-flight request.
	SubmissionDeduplicated SubmissionOutcome = "deduplicated"
	// SubmissionQueueFull marks a capacity rejection.
	SubmissionQueueFull SubmissionOutcome = "queue_full"
	// SubmissionRateLimited marks a sliding-window rejection.
	SubmissionRateLimited SubmissionOutcome = "rate_limited"
	// SubmissionCircuitOpen marks a breaker rejection.
	SubmissionCircuitOpen SubmissionOutcome = "circuit_open"
)

// CacheResult labels the outcome of a cache operation.
type CacheResult string

const (
	// CacheHit indicates the lookup reused a cached response.
	CacheHit CacheResult = "hit"
	// CacheMiss indicates no usable entry was present.
	CacheMiss CacheResult = "miss"
	// CacheStored indicates the entry was persisted.
	CacheStored CacheResult = "stored"
	// CacheError indicates the operation failed on both layers.
	CacheError CacheResult = "error"
	// CacheDegraded indicates the primary backend failed and the fallback served.
	CacheDegraded CacheResult = "degraded"
)

// PoolEvent labels connection pool lifecycle transitions.
type PoolEvent string

const (
	// PoolConnCreated counts new store connections.
	PoolConnCreated PoolEvent = "created"
	// PoolConnDestroyed counts closed store connections.
	PoolConnDestroyed PoolEvent = "destroyed"
	// PoolExhausted counts acquire attempts that found no capacity.
	PoolExhausted PoolEvent = "exhausted"
)

// Recorder publishes Prometheus metrics for the request-serving core.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	submissions *prometheus.CounterVec
	queueDepth  prometheus.Gauge
	completions *prometheus.CounterVec
	latency     *prometheus.HistogramVec

	cacheOps     *prometheus.CounterVec
	savedSeconds *prometheus.CounterVec

	poolOpen      prometheus.Gauge
	poolAvailable prometheus.Gauge
	poolEvents    *prometheus.CounterVec

	breakerTransitions *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	submissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inferd",
		Subsystem: "scheduler",
		Name:      "submissions_total",
		Help:      "Submit calls by admission outcome.",
	}, []string{"request_type", "outcome"})

	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "inferd",
		Subsystem: "scheduler",
		Name:      "queue_depth",
		Help:      "Requests currently waiting in the priority queue.",
	})

	completions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inferd",
		Subsystem: "scheduler",
		Name:      "requests_completed_total",
		Help:      "Requests reaching a terminal status, by status and worker.",
	}, []string{"status", "worker"})

	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "inferd",
		Subsystem: "scheduler",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution from submit to terminal status.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"request_type", "status"})

	cacheOps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inferd",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Response cache operations by category and result.",
	}, []string{"category", "operation", "result"})

	savedSeconds := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inferd",
		Subsystem: "cache",
		Name:      "estimated_saved_seconds_total",
		Help:      "Estimated downstream time avoided by cache hits.",
	}, []string{"category"})

	poolOpen := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "inferd",
		Subsystem: "pool",
		Name:      "connections_open",
		Help:      "Store connections currently tracked by the pool.",
	})

	poolAvailable := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "inferd",
		Subsystem: "pool",
		Name:      "connections_available",
		Help:      "Idle store connections ready for checkout.",
	})

	poolEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inferd",
		Subsystem: "pool",
		Name:      "events_total",
		Help:      "Connection pool lifecycle events.",
	}, []string{"event"})

	breakerTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inferd",
		Subsystem: "breaker",
		Name:      "transitions_total",
		Help:      "Circuit breaker state transitions by request type.",
	}, []string{"request_type", "state"})

	reg.MustRegister(submissions, queueDepth, completions, latency, cacheOps, savedSeconds,
		poolOpen, poolAvailable, poolEvents, breakerTransitions)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:           reg,
		handler:            handler,
		submissions:        submissions,
		queueDepth:         queueDepth,
		completions:        completions,
		latency:            latency,
		cacheOps:           cacheOps,
		savedSeconds:       savedSeconds,
		poolOpen:           poolOpen,
		poolAvailable:      poolAvailable,
		poolEvents:         poolEvents,
		breakerTransitions: breakerTransitions,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveSubmission records the admission outcome for a submit call.
func (r *Recorder) ObserveSubmission(requestType string, outcome SubmissionOutcome) {
	if r == nil {
		return
	}
	r.submissions.WithLabelValues(normalizeLabel(requestType), string(outcome)).Inc()
}

// SetQueueDepth publishes the current priority queue length.
func (r *Recorder) SetQueueDepth(depth int) {
	if r == nil {
		return
	}
	r.queueDepth.Set(float64(depth))
}

// ObserveCompletion records a request reaching a terminal status.
func (r *Recorder) ObserveCompletion(requestType, status, worker string, duration time.Duration) {
	if r == nil {
		return
	}
	r.completions.WithLabelValues(normalizeLabel(status), normalizeLabel(worker)).Inc()
	r.latency.WithLabelValues(normalizeLabel(requestType), normalizeLabel(status)).Observe(duration.Seconds())
}

// ObserveCacheOp records a cache lookup or store result.
func (r *Recorder) ObserveCacheOp(category, operation string, result CacheResult) {
	if r == nil {
		return
	}
	r.cacheOps.WithLabelValues(normalizeLabel(category), normalizeLabel(operation), string(result)).Inc()
}

// AddSavedSeconds accumulates the estimated downstream time avoided by a hit.
func (r *Recorder) AddSavedSeconds(category string, seconds float64) {
	if r == nil || seconds <= 0 {
		return
	}
	r.savedSeconds.WithLabelValues(normalizeLabel(category)).Add(seconds)
}

// SetPoolGauges publishes the pool's open and available connection counts.
func (r *Recorder) SetPoolGauges(open, available int) {
	if r == nil {
		return
	}
	r.poolOpen.Set(float64(open))
	r.poolAvailable.Set(float64(available))
}

// ObservePoolEvent records a connection lifecycle event.
func (r *Recorder) ObservePoolEvent(event PoolEvent) {
	if r == nil {
		return
	}
	r.poolEvents.WithLabelValues(string(event)).Inc()
}

// ObserveBreakerTransition records a circuit breaker state change.
func (r *Recorder) ObserveBreakerTransition(requestType, state string) {
	if r == nil {
		return
	}
	r.breakerTransitions.WithLabelValues(normalizeLabel(requestType), normalizeLabel(state)).Inc()
}

func normalizeLabel(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return v
}
