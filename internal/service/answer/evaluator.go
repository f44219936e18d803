package answer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashita-ai/kotae/internal/llm"
	"github.com/ashita-ai/kotae/internal/model"
)

// Heuristic thresholds used when the LLM verdict is unavailable.
const (
	fallbackMinChars     = 50
	fallbackMinSentences = 3
	fallbackChecks       = 4
)

// Verdict is the judgement of one candidate answer.
type Verdict struct {
	IsSatisfactory bool     `json:"is_satisfactory"`
	Confidence     float64  `json:"confidence"`
	Reason         string   `json:"reason"`
	Gaps           []string `json:"gaps,omitempty"`
	// Fallback is true when the verdict came from the heuristic.
	Fallback bool `json:"fallback"`
}

// Evaluator judges candidate answers.
type Evaluator struct {
	calls  *caller
	logger *slog.Logger
}

type rawVerdict struct {
	IsSatisfactory *bool    `json:"is_satisfactory"`
	Confidence     float64  `json:"confidence"`
	Reason         string   `json:"reason"`
	Gaps           []string `json:"gaps"`
}

// Evaluate asks the LLM for a verdict and falls back to FallbackVerdict when
// the call fails or the verdict is malformed. It never retries.
func (e *Evaluator) Evaluate(ctx context.Context, rc *runContext, candidate string) Verdict {
	st := newStep(rc, model.QueryEvaluation, nil)
	resp, err := e.calls.call(ctx, st, llm.Request{
		Operation: OpEvaluate,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: evaluatePrompt},
			{Role: llm.RoleUser, Content: fmt.Sprintf("Question:\n%s\n\nAnswer:\n%s", rc.Question, candidate)},
		},
		Temperature: 0,
		Format:      llm.FormatJSON,
	})
	if err != nil {
		e.logger.Warn("answer: evaluation failed, using heuristic", "run_id", rc.RunID, "error", err)
		return FallbackVerdict(candidate)
	}
	v, err := parseVerdict(resp.Text)
	if err != nil {
		e.logger.Warn("answer: evaluation malformed, using heuristic", "run_id", rc.RunID, "error", err)
		return FallbackVerdict(candidate)
	}
	return v
}

func parseVerdict(text string) (Verdict, error) {
	var raw rawVerdict
	if err := llm.DecodeJSON(text, &raw); err != nil {
		return Verdict{}, err
	}
	if raw.IsSatisfactory == nil {
		return Verdict{}, fmt.Errorf("verdict missing is_satisfactory")
	}
	var gaps []string
	for _, g := range raw.Gaps {
		if g = strings.TrimSpace(g); g != "" {
			gaps = append(gaps, g)
		}
	}
	return Verdict{
		IsSatisfactory: *raw.IsSatisfactory,
		Confidence:     max(0, min(1, raw.Confidence)),
		Reason:         raw.Reason,
		Gaps:           gaps,
	}, nil
}

// FallbackVerdict judges text with four checks: non-empty, at least 50
// characters, at least three sentences, no trailing question mark. All four
// must pass for a satisfactory verdict; confidence is the share passed. It
// never reports gaps and is deterministic.
func FallbackVerdict(text string) Verdict {
	t := strings.TrimSpace(text)
	checks := []struct {
		ok   bool
		fail string
	}{
		{t != "", "answer is empty"},
		{len([]rune(t)) >= fallbackMinChars, "answer is too short"},
		{countSentences(t) >= fallbackMinSentences, "answer has too few sentences"},
		{!strings.HasSuffix(t, "?"), "answer ends with a question"},
	}
	passed := 0
	var failures []string
	for _, c := range checks {
		if c.ok {
			passed++
		} else {
			failures = append(failures, c.fail)
		}
	}
	reason := "heuristic checks passed"
	if len(failures) > 0 {
		reason = "heuristic: " + strings.Join(failures, "; ")
	}
	return Verdict{
		IsSatisfactory: passed == fallbackChecks,
		Confidence:     float64(passed) / fallbackChecks,
		Reason:         reason,
		Fallback:       true,
	}
}
