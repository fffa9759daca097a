package scheduler

import (
	"time"
)

// Status is the lifecycle state of a queued request. Transitions are
// monotonic: once terminal, a request never changes status again.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusTimedOut   Status = "timed_out"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// Priority ordinals: lower dispatches first.
const (
	PriorityCritical = 1
	PriorityHigh     = 2
	PriorityNormal   = 3
	PriorityLow      = 4
	PriorityBatch    = 5
)

// request is the scheduler's internal mutable record. It is created at
// admission and mutated only by the owning worker (or Cancel) under the
// scheduler lock.
type request struct {
	id          string
	userID      string
	requestType string
	priority    int
	payload     map[string]any
	fingerprint string
	createdAt   time.Time
	timeout     time.Duration
	retryCount  int
	maxRetries  int
	status      Status
	result      any
	err         error
	completedAt time.Time
	seq         uint64

	cancelRequested bool
	cancel          func() // in-flight context cancel, set while processing
	index           int    // heap index; -1 once popped
}

// deadline is the single per-request deadline both queue wait and execution
// count against.
func (r *request) deadline() time.Time {
	return r.createdAt.Add(r.timeout)
}

// setStatus applies a transition, ignoring any attempt to leave a terminal
// state. Callers hold the scheduler lock.
func (r *request) setStatus(s Status) bool {
	if r.status.Terminal() {
		return false
	}
	r.status = s
	if s.Terminal() {
		r.completedAt = time.Now()
	}
	return true
}

// Snapshot is the read-only view of a request returned by Status.
type Snapshot struct {
	ID          string         `json:"id"`
	UserID      string         `json:"userId"`
	RequestType string         `json:"requestType"`
	Priority    int            `json:"priority"`
	Payload     map[string]any `json:"payload,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	CompletedAt time.Time      `json:"completedAt,omitzero"`
	Timeout     time.Duration  `json:"-"`
	RetryCount  int            `json:"retryCount"`
	MaxRetries  int            `json:"maxRetries"`
	Status      Status         `json:"status"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// snapshot copies the request under the scheduler lock.
func (r *request) snapshot() Snapshot {
	snap := Snapshot{
		ID:          r.id,
		UserID:      r.userID,
		RequestType: r.requestType,
		Priority:    r.priority,
		Payload:     r.payload,
		CreatedAt:   r.createdAt,
		CompletedAt: r.completedAt,
		Timeout:     r.timeout,
		RetryCount:  r.retryCount,
		MaxRetries:  r.maxRetries,
		Status:      r.status,
		Result:      r.result,
	}
	if r.err != nil {
		snap.Error = r.err.Error()
	}
	return snap
}
