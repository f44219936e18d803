package answer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/storage"
)

// terminalWriteTimeout bounds the writes that move a run to a terminal status
// when the run's own context is already done.
const terminalWriteTimeout = 10 * time.Second

// RunResult is the state of a run after RunIteration returns.
type RunResult struct {
	Run model.Run `json:"run"`
	// Message is the final-answer message, when the run produced one.
	Message *model.Message `json:"message,omitempty"`
}

// RunIteration drives a run from its persisted state until it is answered or
// errors. Calling it on a terminal run returns the stored outcome; calling it
// on a pending run resumes it. Concurrent calls for the same run in this
// process share one execution.
//
// The returned error is non-nil only when the run could not be driven: it
// does not exist, or ctx was cancelled (the run stays pending). Run-level
// failures are reported through the run's error status.
func (e *Engine) RunIteration(ctx context.Context, runID uuid.UUID) (RunResult, error) {
	v, err, _ := e.flight.Do(runID.String(), func() (any, error) {
		return e.execute(ctx, runID)
	})
	res, _ := v.(RunResult)
	return res, err
}

func (e *Engine) execute(ctx context.Context, runID uuid.UUID) (res RunResult, err error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "answer.run", trace.WithAttributes(attribute.String("kotae.run_id", runID.String())))
	defer func() {
		e.runDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("kotae.run_status", string(res.Run.Status)))
		span.End()
	}()

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return RunResult{}, fmt.Errorf("answer: load run: %w", err)
	}
	if run.Terminal() {
		return e.result(ctx, run), nil
	}

	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("answer: run panicked", "run_id", runID, "panic", p)
			res, err = e.fail(ctx, run, fmt.Sprintf("internal error: %v", p)), nil
		}
	}()

	if err := e.validateBounds(run); err != nil {
		return e.fail(ctx, run, err.Error()), nil
	}

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.RunTimeout)
	defer cancel()

	rc, err := e.buildRunContext(runCtx, run)
	if err != nil {
		if res, stopped, serr := e.interrupted(ctx, runCtx, run); stopped {
			return res, serr
		}
		return e.fail(ctx, run, "configuration error: "+err.Error()), nil
	}
	if run.Provider == "" {
		run.Provider, run.Model = rc.Binding.Provider, rc.Binding.Model
	}

	for run.CurrentIteration <= run.MaxIterations {
		stop, err := e.iterate(runCtx, rc, &run)
		if res, stopped, serr := e.interrupted(ctx, runCtx, run); stopped {
			return res, serr
		}
		if err != nil {
			if errors.Is(err, storage.ErrRunTerminal) {
				// Another process finished the run.
				return e.reload(ctx, run), nil
			}
			return e.fail(ctx, run, err.Error()), nil
		}
		if stop {
			return e.succeed(ctx, run), nil
		}
	}
	return e.succeed(ctx, run), nil
}

// iterate executes one iteration on run and, when the policy says continue,
// persists the advanced iteration counter and evaluator feedback.
func (e *Engine) iterate(ctx context.Context, rc *runContext, run *model.Run) (bool, error) {
	iteration := run.CurrentIteration
	ctx, span := e.tracer.Start(ctx, "answer.iteration", trace.WithAttributes(
		attribute.String("kotae.run_id", run.ID.String()),
		attribute.Int("kotae.iteration", iteration),
	))
	defer span.End()

	if err := e.touch(ctx, *run, "decompose"); err != nil {
		return false, err
	}
	existing, err := e.store.ListSubQuestions(ctx, run.ID)
	if err != nil {
		return false, fmt.Errorf("load sub-questions: %w", err)
	}

	// 1. Decompose, unless this iteration was decomposed before a restart.
	if !hasIteration(existing, iteration) {
		created, err := e.decomposer.Decompose(ctx, rc, *run, run.LastFeedback, existing)
		if err != nil {
			return false, err
		}
		existing = append(existing, created...)
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	// 2. Answer every pending sub-question of the run.
	if pending := pendingOf(existing); len(pending) > 0 {
		if err := e.touch(ctx, *run, "answer"); err != nil {
			return false, err
		}
		answered, failed := e.answerer.AnswerAll(ctx, rc, pending)
		span.SetAttributes(attribute.Int("kotae.subquestions.answered", answered), attribute.Int("kotae.subquestions.failed", failed))
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	// 3. Synthesize, unless a candidate for this iteration already exists.
	candidate, synthesized := "", false
	if ia, ok := run.AnswerFor(iteration); ok {
		candidate, synthesized = ia.Answer, true
	} else if text, ok := e.synthesizer.Synthesize(ctx, rc, *run); ok {
		candidate, synthesized = text, true
		run.IntermediateAnswers = append(run.IntermediateAnswers, model.IntermediateAnswer{
			Iteration: iteration, Answer: text, CreatedAt: time.Now().UTC(),
		})
		run.FinalAnswer = text
		if err := e.store.SaveRunProgress(ctx, *run); err != nil {
			return false, fmt.Errorf("save candidate: %w", err)
		}
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	// 4. Evaluate.
	var verdict Verdict
	if synthesized {
		verdict = e.evaluator.Evaluate(ctx, rc, candidate)
		run.IsSatisfactory = verdict.IsSatisfactory
		span.SetAttributes(attribute.Bool("kotae.satisfactory", verdict.IsSatisfactory), attribute.Bool("kotae.verdict_fallback", verdict.Fallback))
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	// 5. Continuation policy.
	if shouldStop(iteration, run.MinIterations, synthesized, verdict) {
		return true, nil
	}
	run.CurrentIteration = iteration + 1
	if synthesized {
		// Without a new verdict the previous gaps still stand.
		run.LastFeedback = verdict.Gaps
	}
	if err := e.store.SaveRunProgress(ctx, *run); err != nil {
		return false, fmt.Errorf("save progress: %w", err)
	}
	e.logger.Info("answer: iteration complete",
		"run_id", run.ID, "iteration", iteration, "synthesized", synthesized,
		"satisfactory", verdict.IsSatisfactory, "gaps", len(verdict.Gaps))
	return false, nil
}

// touch refreshes the run's updated_at before a long step so the resume
// sweep does not mistake a run in progress for an abandoned one.
func (e *Engine) touch(ctx context.Context, run model.Run, step string) error {
	if err := e.store.SaveRunProgress(ctx, run); err != nil {
		return fmt.Errorf("mark %s step: %w", step, err)
	}
	return nil
}

// interrupted reports whether the run must stop because its context ended.
// Caller cancellation leaves the run pending; the run deadline fails it.
func (e *Engine) interrupted(ctx, runCtx context.Context, run model.Run) (RunResult, bool, error) {
	if runCtx.Err() == nil {
		return RunResult{}, false, nil
	}
	if ctx.Err() != nil {
		e.logger.Info("answer: run interrupted, left pending", "run_id", run.ID, "iteration", run.CurrentIteration)
		return RunResult{Run: run}, true, ctx.Err()
	}
	return e.fail(ctx, run, "run deadline exceeded"), true, nil
}

func (e *Engine) validateBounds(run model.Run) error {
	if run.MinIterations < 1 || run.MaxIterations < run.MinIterations || run.MaxIterations > e.cfg.MaxIterationsCap {
		return fmt.Errorf("%w: min_iterations=%d max_iterations=%d (require 1 <= min <= max <= %d)",
			ErrInvalidBounds, run.MinIterations, run.MaxIterations, e.cfg.MaxIterationsCap)
	}
	return nil
}

// persistCtx detaches terminal writes from a possibly finished run context.
func persistCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
}

// succeed freezes the final answer, emits it to the thread, snapshots usage
// and marks the run answered.
func (e *Engine) succeed(ctx context.Context, run model.Run) RunResult {
	wctx, cancel := persistCtx(ctx)
	defer cancel()

	if totals, err := e.ledger.Totals(wctx, run.ID); err == nil {
		run.Usage = totals.Total
	} else {
		e.logger.Warn("answer: usage totals unavailable", "run_id", run.ID, "error", err)
	}

	var msg *model.Message
	if run.FinalAnswer != "" {
		runID := run.ID
		stored, err := e.store.CreateFinalMessage(wctx, model.Message{
			ID:        uuid.New(),
			ThreadID:  run.ThreadID,
			Role:      model.RoleAssistant,
			Content:   run.FinalAnswer,
			Provider:  run.Provider,
			Model:     run.Model,
			RunID:     &runID,
			Usage:     run.Usage,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			return e.fail(ctx, run, "emit final answer: "+err.Error())
		}
		msg = &stored
	}

	now := time.Now().UTC()
	run.Status = model.RunStatusAnswered
	run.CompletedAt = &now
	if err := e.store.FinishRun(wctx, run); err != nil {
		if errors.Is(err, storage.ErrRunTerminal) {
			return e.reload(ctx, run)
		}
		e.logger.Error("answer: finish run failed", "run_id", run.ID, "error", err)
		return RunResult{Run: run, Message: msg}
	}
	e.finished(wctx, run)
	return RunResult{Run: run, Message: msg}
}

// fail marks the run errored, keeping any partial final answer.
func (e *Engine) fail(ctx context.Context, run model.Run, reason string) RunResult {
	wctx, cancel := persistCtx(ctx)
	defer cancel()

	if totals, err := e.ledger.Totals(wctx, run.ID); err == nil {
		run.Usage = totals.Total
	}
	now := time.Now().UTC()
	run.Status = model.RunStatusError
	run.ErrorReason = reason
	run.CompletedAt = &now
	e.logger.Warn("answer: run failed", "run_id", run.ID, "iteration", run.CurrentIteration, "reason", reason)

	if err := e.store.FinishRun(wctx, run); err != nil {
		if errors.Is(err, storage.ErrRunTerminal) {
			return e.reload(ctx, run)
		}
		e.logger.Error("answer: persist run failure", "run_id", run.ID, "error", err)
		return RunResult{Run: run}
	}
	e.finished(wctx, run)
	return RunResult{Run: run}
}

func (e *Engine) finished(ctx context.Context, run model.Run) {
	attrs := metric.WithAttributes(attribute.String("status", string(run.Status)))
	e.runsFinished.Add(ctx, 1, attrs)
	e.iterations.Record(ctx, int64(min(run.CurrentIteration, run.MaxIterations)), attrs)
	if n, ok := e.store.(RunNotifier); ok {
		if err := n.PublishRunEvent(ctx, run); err != nil {
			e.logger.Warn("answer: publish run event failed", "run_id", run.ID, "error", err)
		}
	}
}

// reload returns the stored state of a run finished elsewhere.
func (e *Engine) reload(ctx context.Context, run model.Run) RunResult {
	wctx, cancel := persistCtx(ctx)
	defer cancel()
	stored, err := e.store.GetRun(wctx, run.ID)
	if err != nil {
		return RunResult{Run: run}
	}
	return e.result(wctx, stored)
}

// result pairs a run with its final-answer message, if any.
func (e *Engine) result(ctx context.Context, run model.Run) RunResult {
	res := RunResult{Run: run}
	if run.Status == model.RunStatusAnswered && run.FinalAnswer != "" {
		if m, err := e.store.GetRunMessage(ctx, run.ID); err == nil {
			res.Message = &m
		}
	}
	return res
}

func hasIteration(sqs []model.SubQuestion, iteration int) bool {
	for _, sq := range sqs {
		if sq.Iteration == iteration {
			return true
		}
	}
	return false
}

func pendingOf(sqs []model.SubQuestion) []model.SubQuestion {
	var out []model.SubQuestion
	for _, sq := range sqs {
		if sq.Status == model.SubQuestionPending {
			out = append(out, sq)
		}
	}
	return out
}
