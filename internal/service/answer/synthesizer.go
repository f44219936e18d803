package answer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashita-ai/kotae/internal/llm"
	"github.com/ashita-ai/kotae/internal/model"
)

// Synthesizer combines the conversation and every answered sub-question of a
// run into one candidate answer.
type Synthesizer struct {
	calls  *caller
	store  SubQuestionStore
	logger *slog.Logger
}

// Synthesize returns the candidate answer and whether one was produced.
// Failures are logged and reported as no candidate.
func (s *Synthesizer) Synthesize(ctx context.Context, rc *runContext, run model.Run) (string, bool) {
	sqs, err := s.store.ListSubQuestions(ctx, run.ID)
	if err != nil {
		s.logger.Warn("answer: synthesis could not load sub-questions", "run_id", run.ID, "error", err)
		return "", false
	}
	var done []model.SubQuestion
	for _, sq := range sqs {
		if sq.Status == model.SubQuestionAnswered {
			done = append(done, sq)
		}
	}

	msgs := []llm.Message{systemMessage(rc.SystemInstructions, synthesizePrompt)}
	msgs = append(msgs, conversationMessages(rc.Conversation)...)
	var b strings.Builder
	if len(done) > 0 {
		fmt.Fprintf(&b, "Research findings:\n%s\n", findings(done))
	} else {
		b.WriteString("Research findings: none were available.\n\n")
	}
	fmt.Fprintf(&b, "Now answer the user's message: %s", rc.Question)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: b.String()})

	st := newStep(rc, model.QueryFinalAnswer, nil)
	resp, err := s.calls.call(ctx, st, llm.Request{
		Operation:   OpSynthesize,
		Messages:    msgs,
		Temperature: 0.3,
	})
	if err != nil {
		s.logger.Warn("answer: synthesis failed", "run_id", run.ID, "iteration", run.CurrentIteration, "error", err)
		return "", false
	}
	text := strings.TrimSpace(resp.Text)
	return text, text != ""
}
