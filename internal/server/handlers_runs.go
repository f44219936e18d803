package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kotae/internal/ctxutil"
	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/service/answer"
)

// HandleCreateRun handles POST /v1/threads/{thread_id}/runs.
//
// The run executes within the request unless ?async=true (or "async": true)
// is given and a runner is configured, in which case it is queued and the
// pending run is returned with 202.
func (h *Handlers) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	owner := ctxutil.OwnerIDFromContext(r.Context())
	threadID, err := parseThreadID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.CreateRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	started, err := h.engine.Start(r.Context(), answer.StartInput{
		ThreadID:      threadID,
		OwnerID:       owner,
		MessageID:     req.MessageID,
		Content:       req.Content,
		MinIterations: req.MinIterations,
		MaxIterations: req.MaxIterations,
	})
	if err != nil {
		h.writeEngineError(w, r, "thread", err)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("kotae.run_id", started.Run.ID.String()),
		attribute.String("kotae.thread_id", threadID.String()),
	)

	if (req.Async || queryBool(r, "async")) && h.runner != nil {
		h.submit(r, started.Run.ID)
		writeJSON(w, r, http.StatusAccepted, model.CreateRunResponse{Run: started.Run})
		return
	}

	res, err := h.engine.RunIteration(r.Context(), started.Run.ID)
	if err != nil {
		h.writeEngineError(w, r, "run", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, model.CreateRunResponse{Run: res.Run, Message: res.Message})
}

// HandleResumeRun handles POST /v1/runs/{run_id}/resume. Terminal runs return
// their stored outcome.
func (h *Handlers) HandleResumeRun(w http.ResponseWriter, r *http.Request) {
	owner := ctxutil.OwnerIDFromContext(r.Context())
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if queryBool(r, "async") && h.runner != nil {
		run, err := h.engine.Run(r.Context(), runID, owner)
		if err != nil {
			h.writeEngineError(w, r, "run", err)
			return
		}
		if !run.Terminal() {
			h.submit(r, run.ID)
		}
		writeJSON(w, r, http.StatusAccepted, model.CreateRunResponse{Run: run})
		return
	}

	res, err := h.engine.Resume(r.Context(), runID, owner)
	if err != nil {
		h.writeEngineError(w, r, "run", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.CreateRunResponse{Run: res.Run, Message: res.Message})
}

// submit queues a run. A run the runner cannot take stays pending and is
// picked up by the stale-run sweep.
func (h *Handlers) submit(r *http.Request, runID uuid.UUID) {
	if err := h.runner.Submit(runID); err != nil {
		reason := "queue full"
		if errors.Is(err, answer.ErrRunnerStopped) {
			reason = "runner stopped"
		}
		h.logger.Warn("run not queued, left for resumption",
			"run_id", runID, "reason", reason, "request_id", RequestIDFromContext(r.Context()))
	}
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	view, err := h.engine.Status(r.Context(), runID, ctxutil.OwnerIDFromContext(r.Context()))
	if err != nil {
		h.writeEngineError(w, r, "run", err)
		return
	}
	writeJSON(w, r, http.StatusOK, view)
}

// HandleListSubQuestions handles GET /v1/runs/{run_id}/sub-questions.
func (h *Handlers) HandleListSubQuestions(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	sqs, err := h.engine.SubQuestions(r.Context(), runID, ctxutil.OwnerIDFromContext(r.Context()))
	if err != nil {
		h.writeEngineError(w, r, "run", err)
		return
	}
	if sqs == nil {
		sqs = []model.SubQuestion{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"sub_questions": sqs,
		"total":         len(sqs),
	})
}

// HandleRunUsage handles GET /v1/runs/{run_id}/usage.
func (h *Handlers) HandleRunUsage(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	totals, err := h.engine.Usage(r.Context(), runID, ctxutil.OwnerIDFromContext(r.Context()))
	if err != nil {
		h.writeEngineError(w, r, "run", err)
		return
	}
	writeJSON(w, r, http.StatusOK, totals)
}

// HandleListThreadRuns handles GET /v1/threads/{thread_id}/runs.
func (h *Handlers) HandleListThreadRuns(w http.ResponseWriter, r *http.Request) {
	threadID, err := parseThreadID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	limit, err := queryLimit(r, 20, 100)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	runs, err := h.engine.ThreadRuns(r.Context(), threadID, ctxutil.OwnerIDFromContext(r.Context()), limit)
	if err != nil {
		h.writeEngineError(w, r, "thread", err)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"runs":  runs,
		"total": len(runs),
	})
}
