package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/service/answer"
	"github.com/ashita-ai/kotae/internal/storage"
)

// Pinger reports store connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker reports the health of an optional dependency.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	engine              *answer.Engine
	runner              *answer.Runner
	store               Pinger
	knowledge           HealthChecker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Runner, Knowledge.
type HandlersDeps struct {
	Engine              *answer.Engine
	Runner              *answer.Runner
	Store               Pinger
	Knowledge           HealthChecker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	maxBody := d.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handlers{
		engine:              d.Engine,
		runner:              d.Runner,
		store:               d.Store,
		knowledge:           d.Knowledge,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: maxBody,
	}
}

// HandleHealth handles GET /health. The store is required; a degraded
// knowledge index or a nearly full run queue reports "degraded".
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK

	storeStatus := "connected"
	if err := h.store.Ping(r.Context()); err != nil {
		storeStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Version: h.version,
		Store:   storeStatus,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}

	if h.knowledge != nil {
		if err := h.knowledge.Healthy(r.Context()); err == nil {
			resp.Knowledge = "connected"
		} else {
			resp.Knowledge = "degraded"
			if status == "healthy" {
				status = "degraded"
			}
		}
	}

	if h.runner != nil {
		depth, capacity := h.runner.QueueDepth(), h.runner.Capacity()
		switch {
		case depth > capacity*3/4:
			resp.Runner = "critical"
			if status == "healthy" {
				status = "degraded"
			}
		case depth > capacity/2:
			resp.Runner = "high"
		default:
			resp.Runner = "ok"
		}
	}

	resp.Status = status
	writeJSON(w, r, httpStatus, resp)
}

// writeInternalError logs err and writes a generic 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// writeEngineError maps engine and storage errors to HTTP responses.
func (h *Handlers) writeEngineError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, msg+": not found")
	case errors.Is(err, answer.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable,
			msg+": interrupted, the run stays pending and can be resumed")
	default:
		h.writeInternalError(w, r, msg, err)
	}
}

func parseRunID(r *http.Request) (uuid.UUID, error) {
	return parsePathUUID(r, "run_id")
}

func parseThreadID(r *http.Request) (uuid.UUID, error) {
	return parsePathUUID(r, "thread_id")
}

func parsePathUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := r.PathValue(name)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%s is required", name)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s must be a valid UUID", name)
	}
	return id, nil
}

// queryBool reads a boolean query parameter. Absent or malformed values are false.
func queryBool(r *http.Request, key string) bool {
	switch r.URL.Query().Get(key) {
	case "1", "true", "TRUE", "True", "yes":
		return true
	}
	return false
}

// queryLimit reads the limit query parameter. Absent values yield def.
func queryLimit(r *http.Request, def, max int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > max {
		return 0, fmt.Errorf("limit must be an integer between 1 and %d", max)
	}
	return n, nil
}
