package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/helioslabs/inferd/internal/runtime"
	"github.com/helioslabs/inferd/internal/runtime/scheduler"
)

// Pipeline is the minimal surface the HTTP facade needs from the runtime
// core, kept as an interface so handler tests can stub it.
type Pipeline interface {
	Submit(opts scheduler.SubmitOptions) (string, error)
	Status(id string) (scheduler.Snapshot, bool)
	Cancel(id string) bool
	Stats() runtime.Stats
	Health() runtime.Health
}

// apiError is the typed JSON error envelope every non-2xx response carries.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

type submitRequest struct {
	RequestType    string         `json:"requestType"`
	UserID         string         `json:"userId"`
	Priority       int            `json:"priority"`
	Payload        map[string]any `json:"payload"`
	TimeoutSeconds int            `json:"timeoutSeconds"`
	MaxRetries     int            `json:"maxRetries"`
	DisableDedup   bool           `json:"disableDedup"`
}

type submitResponse struct {
	ID     string           `json:"id"`
	Status scheduler.Status `json:"status"`
}

// handlers routes the API surface onto the pipeline.
type handlers struct {
	core    Pipeline
	logger  *slog.Logger
	metrics http.Handler
}

// NewHandler assembles the HTTP mux for the request-serving API. The metrics
// handler is injected so the facade never touches a registry directly.
func NewHandler(core Pipeline, logger *slog.Logger, metricsHandler http.Handler) http.Handler {
	h := &handlers{
		core:    core,
		logger:  logger.With(slog.String("agent", "http")),
		metrics: metricsHandler,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/requests", h.submit)
	mux.HandleFunc("GET /v1/requests/{id}", h.status)
	mux.HandleFunc("DELETE /v1/requests/{id}", h.cancel)
	mux.HandleFunc("GET /v1/stats", h.stats)
	mux.HandleFunc("GET /healthz", h.health)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}
	return mux
}

func (h *handlers) submit(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_body", "request body must be valid JSON")
		return
	}
	if body.RequestType == "" {
		h.writeError(w, http.StatusBadRequest, "missing_request_type", "requestType is required")
		return
	}
	if body.UserID == "" {
		h.writeError(w, http.StatusBadRequest, "missing_user", "userId is required")
		return
	}

	id, err := h.core.Submit(scheduler.SubmitOptions{
		RequestType:  body.RequestType,
		Payload:      body.Payload,
		UserID:       body.UserID,
		Priority:     body.Priority,
		Timeout:      time.Duration(body.TimeoutSeconds) * time.Second,
		MaxRetries:   body.MaxRetries,
		DisableDedup: body.DisableDedup,
	})
	if err != nil {
		h.writeSubmitError(w, err)
		return
	}

	status := scheduler.StatusQueued
	if snap, ok := h.core.Status(id); ok {
		status = snap.Status
	}
	h.writeJSON(w, http.StatusAccepted, submitResponse{ID: id, Status: status})
}

// writeSubmitError maps admission rejections onto HTTP statuses: rate limits
// are the caller's problem (429), capacity and breaker rejections are ours
// (503).
func (h *handlers) writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrRateLimited):
		h.writeError(w, http.StatusTooManyRequests, "rate_limited", err.Error())
	case errors.Is(err, scheduler.ErrQueueFull):
		h.writeError(w, http.StatusServiceUnavailable, "queue_full", err.Error())
	case errors.Is(err, scheduler.ErrCircuitOpen):
		h.writeError(w, http.StatusServiceUnavailable, "circuit_open", err.Error())
	case errors.Is(err, scheduler.ErrClosed):
		h.writeError(w, http.StatusServiceUnavailable, "shutting_down", err.Error())
	default:
		h.logger.Error("submit failed", slog.Any("error", err))
		h.writeError(w, http.StatusInternalServerError, "internal", "submit failed")
	}
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, ok := h.core.Status(id)
	if !ok {
		h.writeError(w, http.StatusNotFound, "not_found", "unknown request id")
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

func (h *handlers) cancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h.core.Cancel(id) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if snap, ok := h.core.Status(id); ok {
		h.writeError(w, http.StatusConflict, "already_terminal",
			"request already reached status "+string(snap.Status))
		return
	}
	h.writeError(w, http.StatusNotFound, "not_found", "unknown request id")
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.core.Stats())
}

// health always answers 200; degraded signals are reported in the body so
// orchestrators can alert without flapping the process.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.core.Health())
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("response encode failed", slog.Any("error", err))
	}
}

func (h *handlers) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: message}})
}
