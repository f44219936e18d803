package answer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kotae/internal/llm"
	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/storage"
	"github.com/ashita-ai/kotae/internal/telemetry"
)

// Answerer answers sub-questions independently: retrieve context, fetch the
// referenced content, ask the LLM.
type Answerer struct {
	calls     *caller
	retriever *Retriever
	kb        KnowledgeBase
	store     SubQuestionStore
	logger    *slog.Logger

	concurrency int
	timeout     time.Duration
	perType     int

	outcomes metric.Int64Counter
}

func newAnswerer(calls *caller, retriever *Retriever, kb KnowledgeBase, store SubQuestionStore, cfg Config, logger *slog.Logger) *Answerer {
	outcomes, _ := telemetry.Meter("kotae/answer").Int64Counter("kotae.subquestions.resolved",
		metric.WithDescription("Sub-questions resolved, by outcome"),
	)
	return &Answerer{
		calls:       calls,
		retriever:   retriever,
		kb:          kb,
		store:       store,
		logger:      logger,
		concurrency: cfg.MaxConcurrentSubQuestions,
		timeout:     cfg.SubQuestionTimeout,
		perType:     cfg.PerTypeFetch,
		outcomes:    outcomes,
	}
}

// Answer resolves one pending sub-question in memory. The returned value has
// status answered or error; it is not persisted.
func (a *Answerer) Answer(ctx context.Context, rc *runContext, sq model.SubQuestion) model.SubQuestion {
	id := sq.ID
	st := newStep(rc, model.QuerySubQuestionAnswer, &id)

	fail := func(reason string, err error) model.SubQuestion {
		sq.Status = model.SubQuestionError
		sq.ErrorReason = fmt.Sprintf("%s: %v", reason, err)
		sq.Usage = st.usage
		return sq
	}

	refs, err := a.retriever.FindContext(ctx, st, sq.Question)
	if err != nil {
		return fail("context retrieval failed", err)
	}
	items, err := a.kb.FetchKnowledge(ctx, rc.OwnerID, refs, a.perType)
	if err != nil {
		return fail("context fetch failed", err)
	}

	msgs := []llm.Message{systemMessage(rc.SystemInstructions, subAnswerPrompt)}
	msgs = append(msgs, conversationMessages(tail(rc.Conversation, 6))...)
	msgs = append(msgs, llm.Message{
		Role:    llm.RoleUser,
		Content: fmt.Sprintf("Records:\n%s\nQuestion: %s", recordsBlock(items), sq.Question),
	})
	resp, err := a.calls.call(ctx, st, llm.Request{
		Operation:   OpSubAnswer,
		Messages:    msgs,
		Temperature: 0.2,
	})
	if err != nil {
		return fail("answer generation failed", err)
	}

	sq.Status = model.SubQuestionAnswered
	sq.Answer = resp.Text
	sq.ContextRefs = refs
	sq.Usage = st.usage
	return sq
}

// AnswerAll answers every pending sub-question concurrently, bounded by the
// configured limit, and persists each outcome. Units share no mutable state.
// A unit whose context is cancelled before it finishes leaves its row pending.
func (a *Answerer) AnswerAll(ctx context.Context, rc *runContext, pending []model.SubQuestion) (answered, failed int) {
	results := make([]model.SubQuestion, len(pending))
	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for i, sq := range pending {
		g.Go(func() error {
			results[i] = a.answerUnit(ctx, rc, sq)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		switch r.Status {
		case model.SubQuestionAnswered:
			answered++
		case model.SubQuestionError:
			failed++
		}
	}
	return answered, failed
}

// answerUnit runs one sub-question with its own timeout and panic guard and
// records the single pending → answered|error transition.
func (a *Answerer) answerUnit(ctx context.Context, rc *runContext, sq model.SubQuestion) (out model.SubQuestion) {
	if ctx.Err() != nil {
		return sq
	}
	unitCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	func() {
		defer func() {
			if p := recover(); p != nil {
				a.logger.Error("answer: sub-question panicked", "run_id", rc.RunID, "sub_question_id", sq.ID, "panic", p)
				out = sq
				out.Status = model.SubQuestionError
				out.ErrorReason = fmt.Sprintf("internal error: %v", p)
			}
		}()
		out = a.Answer(unitCtx, rc, sq)
	}()

	if ctx.Err() != nil {
		// The run itself is stopping; leave the row for resumption.
		return sq
	}
	if out.Status == model.SubQuestionError && errors.Is(unitCtx.Err(), context.DeadlineExceeded) {
		out.ErrorReason = "sub-question timed out: " + out.ErrorReason
	}

	if err := a.store.ResolveSubQuestion(ctx, out); err != nil {
		if errors.Is(err, storage.ErrAlreadyResolved) {
			a.logger.Debug("answer: sub-question already resolved", "sub_question_id", sq.ID)
		} else {
			a.logger.Warn("answer: persist sub-question failed, will retry next pass",
				"run_id", rc.RunID, "sub_question_id", sq.ID, "error", err)
		}
		return sq
	}

	a.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(out.Status))))
	if out.Status == model.SubQuestionError {
		a.logger.Warn("answer: sub-question failed",
			"run_id", rc.RunID, "iteration", sq.Iteration, "sub_question_id", sq.ID, "reason", out.ErrorReason)
	}
	return out
}
