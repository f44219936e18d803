package answer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/storage"
)

// StartInput creates a run for a thread. Exactly one of MessageID (an
// existing user message) and Content (a new user message) must be set.
type StartInput struct {
	ThreadID      uuid.UUID
	OwnerID       uuid.UUID
	MessageID     *uuid.UUID
	Content       string
	MinIterations *int
	MaxIterations *int
}

// StartResult is the newly created run and its triggering message.
type StartResult struct {
	Run     model.Run
	Message model.Message
}

// ErrInvalidInput marks caller errors in StartInput.
var ErrInvalidInput = errors.New("answer: invalid input")

// Start validates the thread and trigger message and creates a pending run.
// Iteration bounds are stored as given and validated when the run executes,
// so an unusable configuration is reported through the run's error status.
func (e *Engine) Start(ctx context.Context, in StartInput) (StartResult, error) {
	thread, err := e.store.GetThread(ctx, in.ThreadID)
	if err != nil {
		return StartResult{}, err
	}
	if in.OwnerID != uuid.Nil && thread.OwnerID != in.OwnerID {
		return StartResult{}, fmt.Errorf("answer: thread %s: %w", in.ThreadID, storage.ErrNotFound)
	}

	var msg model.Message
	switch {
	case in.MessageID != nil && in.Content != "":
		return StartResult{}, fmt.Errorf("%w: message_id and content are mutually exclusive", ErrInvalidInput)
	case in.MessageID != nil:
		msg, err = e.store.GetMessage(ctx, *in.MessageID)
		if err != nil {
			return StartResult{}, err
		}
		if msg.ThreadID != thread.ID {
			return StartResult{}, fmt.Errorf("answer: message %s: %w", *in.MessageID, storage.ErrNotFound)
		}
		if msg.Role != model.RoleUser {
			return StartResult{}, fmt.Errorf("%w: message %s is not a user message", ErrInvalidInput, msg.ID)
		}
	case strings.TrimSpace(in.Content) != "":
		msg, err = e.store.CreateMessage(ctx, model.Message{
			ID:        uuid.New(),
			ThreadID:  thread.ID,
			Role:      model.RoleUser,
			Content:   in.Content,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			return StartResult{}, fmt.Errorf("answer: create message: %w", err)
		}
	default:
		return StartResult{}, fmt.Errorf("%w: one of message_id or content is required", ErrInvalidInput)
	}

	minIter, maxIter := e.cfg.DefaultMinIterations, e.cfg.DefaultMaxIterations
	if in.MinIterations != nil {
		minIter = *in.MinIterations
	}
	if in.MaxIterations != nil {
		maxIter = *in.MaxIterations
	} else if maxIter < minIter {
		maxIter = min(minIter, e.cfg.MaxIterationsCap)
	}

	now := time.Now().UTC()
	run := model.Run{
		ID:               uuid.New(),
		ThreadID:         thread.ID,
		MessageID:        msg.ID,
		OwnerID:          thread.OwnerID,
		MinIterations:    minIter,
		MaxIterations:    maxIter,
		CurrentIteration: 1,
		Status:           model.RunStatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return StartResult{}, fmt.Errorf("answer: create run: %w", err)
	}
	e.logger.Info("answer: run created", "run_id", run.ID, "thread_id", run.ThreadID,
		"min_iterations", minIter, "max_iterations", maxIter)
	return StartResult{Run: run, Message: msg}, nil
}

// Run loads a run visible to owner. uuid.Nil skips the ownership check.
func (e *Engine) Run(ctx context.Context, runID, owner uuid.UUID) (model.Run, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return model.Run{}, err
	}
	if owner != uuid.Nil && run.OwnerID != owner {
		return model.Run{}, fmt.Errorf("answer: run %s: %w", runID, storage.ErrNotFound)
	}
	return run, nil
}

// Resume drives a pending run owned by owner. It is RunIteration with an
// ownership check.
func (e *Engine) Resume(ctx context.Context, runID, owner uuid.UUID) (RunResult, error) {
	if _, err := e.Run(ctx, runID, owner); err != nil {
		return RunResult{}, err
	}
	return e.RunIteration(ctx, runID)
}

// Status returns the polling view of a run: its state, sub-question counts by
// status, and usage totals summed from the ledger.
func (e *Engine) Status(ctx context.Context, runID, owner uuid.UUID) (model.RunView, error) {
	run, err := e.Run(ctx, runID, owner)
	if err != nil {
		return model.RunView{}, err
	}
	sqs, err := e.store.ListSubQuestions(ctx, runID)
	if err != nil {
		return model.RunView{}, fmt.Errorf("answer: list sub-questions: %w", err)
	}
	counts := map[model.SubQuestionStatus]int{
		model.SubQuestionPending:  0,
		model.SubQuestionAnswered: 0,
		model.SubQuestionSkipped:  0,
		model.SubQuestionError:    0,
	}
	for _, sq := range sqs {
		counts[sq.Status]++
	}
	totals, err := e.ledger.Totals(ctx, runID)
	if err != nil {
		return model.RunView{}, fmt.Errorf("answer: usage totals: %w", err)
	}
	return model.RunView{Run: run, SubQuestions: counts, Usage: totals}, nil
}

// SubQuestions lists a run's sub-questions ordered by (iteration, order).
func (e *Engine) SubQuestions(ctx context.Context, runID, owner uuid.UUID) ([]model.SubQuestion, error) {
	if _, err := e.Run(ctx, runID, owner); err != nil {
		return nil, err
	}
	return e.store.ListSubQuestions(ctx, runID)
}

// Usage returns a run's ledger totals with the per-query-type breakdown.
func (e *Engine) Usage(ctx context.Context, runID, owner uuid.UUID) (model.UsageTotals, error) {
	if _, err := e.Run(ctx, runID, owner); err != nil {
		return model.UsageTotals{}, err
	}
	return e.ledger.Totals(ctx, runID)
}

// ThreadRuns lists the most recent runs of a thread owned by owner, newest
// first.
func (e *Engine) ThreadRuns(ctx context.Context, threadID, owner uuid.UUID, limit int) ([]model.Run, error) {
	thread, err := e.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if owner != uuid.Nil && thread.OwnerID != owner {
		return nil, fmt.Errorf("answer: thread %s: %w", threadID, storage.ErrNotFound)
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return e.store.ListRunsByThread(ctx, threadID, limit)
}

// ResumeStale submits pending runs untouched for olderThan to submit.
// It returns how many were submitted.
func (e *Engine) ResumeStale(ctx context.Context, olderThan time.Duration, limit int, submit func(uuid.UUID) error) (int, error) {
	ids, err := e.store.ListStaleRuns(ctx, time.Now().Add(-olderThan), limit)
	if err != nil {
		return 0, fmt.Errorf("answer: list stale runs: %w", err)
	}
	n := 0
	for _, id := range ids {
		if err := submit(id); err != nil {
			e.logger.Warn("answer: resume submit failed", "run_id", id, "error", err)
			continue
		}
		n++
	}
	if n > 0 {
		e.logger.Info("answer: resumed stale runs", "count", n)
	}
	return n, nil
}
