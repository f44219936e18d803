package answer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kotae/internal/llm"
	"github.com/ashita-ai/kotae/internal/model"
)

// Per-mode limits on the number of sub-questions generated in one iteration.
const (
	firstIterationLimit = 5
	feedbackLimit       = 5
	refineLimit         = 3
)

// Decomposer turns the question (and any evaluator feedback) into new
// pending sub-questions for the current iteration.
type Decomposer struct {
	calls  *caller
	store  SubQuestionStore
	logger *slog.Logger
}

type decomposition struct {
	Essential  []string `json:"essential"`
	Clarifying []string `json:"clarifying"`
	FollowUp   []string `json:"follow_up"`
}

// flatten keeps every essential question and at most one from each other category.
func (d decomposition) flatten() []string {
	out := append([]string(nil), d.Essential...)
	if len(d.Clarifying) > 0 {
		out = append(out, d.Clarifying[0])
	}
	if len(d.FollowUp) > 0 {
		out = append(out, d.FollowUp[0])
	}
	return out
}

func parseDecomposition(text string) (decomposition, error) {
	var d decomposition
	if err := llm.DecodeJSON(text, &d); err == nil {
		return d, nil
	}
	var list []string
	if err := llm.DecodeJSON(text, &list); err != nil {
		return decomposition{}, err
	}
	return decomposition{Essential: list}, nil
}

// Decompose generates, filters and persists the sub-questions of
// run.CurrentIteration. earlier holds the run's existing sub-questions.
// An LLM failure yields an empty list and no error; only persistence errors
// are returned.
func (d *Decomposer) Decompose(ctx context.Context, rc *runContext, run model.Run, feedback []string, earlier []model.SubQuestion) ([]model.SubQuestion, error) {
	iteration := run.CurrentIteration
	limit, req := d.buildRequest(rc, run, feedback, earlier)

	st := newStep(rc, model.QueryQuestionGeneration, nil)
	resp, err := d.calls.call(ctx, st, req)
	if err != nil {
		d.logger.Warn("answer: decomposition failed", "run_id", rc.RunID, "iteration", iteration, "error", err)
		return nil, nil
	}
	parsed, err := parseDecomposition(resp.Text)
	if err != nil {
		d.logger.Warn("answer: decomposition unparsable", "run_id", rc.RunID, "iteration", iteration, "error", err)
		return nil, nil
	}

	questions := d.filter(rc, parsed.flatten(), earlier, limit)
	if len(questions) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	sqs := make([]model.SubQuestion, len(questions))
	for i, q := range questions {
		sqs[i] = model.SubQuestion{
			ID:              uuid.New(),
			RunID:           rc.RunID,
			ThreadID:        rc.ThreadID,
			ParentMessageID: rc.MessageID,
			Question:        q,
			Iteration:       iteration,
			Order:           i,
			Status:          model.SubQuestionPending,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
	}
	if err := d.store.CreateSubQuestions(ctx, sqs); err != nil {
		return nil, fmt.Errorf("answer: persist sub-questions: %w", err)
	}
	return sqs, nil
}

func (d *Decomposer) buildRequest(rc *runContext, run model.Run, feedback []string, earlier []model.SubQuestion) (int, llm.Request) {
	var (
		limit  int
		prompt string
		user   strings.Builder
	)
	fmt.Fprintf(&user, "Question:\n%s\n\nConversation:\n%s\n", rc.Question, conversationTranscript(rc.Conversation, 500))

	switch {
	case run.CurrentIteration <= 1:
		limit, prompt = firstIterationLimit, decomposeFirstPrompt
	case len(feedback) > 0:
		limit, prompt = feedbackLimit, decomposeFeedbackPrompt
		fmt.Fprintf(&user, "\nGaps to close:\n%s", bulletList(feedback))
	default:
		limit, prompt = refineLimit, decomposeRefinePrompt
	}
	if len(earlier) > 0 {
		asked := make([]string, len(earlier))
		for i, sq := range earlier {
			asked[i] = sq.Question
		}
		fmt.Fprintf(&user, "\nAlready asked:\n%s", bulletList(asked))
	}
	if run.FinalAnswer != "" {
		fmt.Fprintf(&user, "\nCurrent answer:\n%s\n", truncate(run.FinalAnswer, 2000))
	}

	return limit, llm.Request{
		Operation: OpDecompose,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: fmt.Sprintf(prompt, limit)},
			{Role: llm.RoleUser, Content: user.String()},
		},
		Temperature: 0.2,
		Format:      llm.FormatJSON,
	}
}

// filter drops generic, already-answered and near-duplicate questions and
// applies limit.
func (d *Decomposer) filter(rc *runContext, candidates []string, earlier []model.SubQuestion, limit int) []string {
	answered := rc.recentAssistantText()
	seen := make([]string, 0, len(earlier)+limit)
	for _, sq := range earlier {
		seen = append(seen, sq.Question)
	}

	var out []string
	for _, q := range candidates {
		q = strings.TrimSpace(q)
		if q == "" || isGeneric(q) {
			continue
		}
		if answered != "" && coverage(q, answered) >= answeredThreshold {
			continue
		}
		dup := false
		for _, s := range seen {
			if jaccard(q, s) >= duplicateThreshold {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		seen = append(seen, q)
		out = append(out, q)
		if len(out) == limit {
			break
		}
	}
	return out
}
