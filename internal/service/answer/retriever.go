package answer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/ashita-ai/kotae/internal/llm"
	"github.com/ashita-ai/kotae/internal/model"
)

const (
	// relevanceCutoff is the minimum LLM relevance score a candidate needs.
	relevanceCutoff = 6
	// unscoredKeep is how many candidates survive when scoring fails.
	unscoredKeep = 5
	maxKeywords  = 10
)

// Retriever finds knowledge items relevant to a question: keyword extraction,
// knowledge base search, then LLM relevance scoring.
type Retriever struct {
	calls      *caller
	kb         KnowledgeBase
	candidates int
	logger     *slog.Logger
}

// FindContext returns references to relevant items, best first. Calls are
// metered on st. Knowledge base errors are returned; LLM failures degrade.
func (r *Retriever) FindContext(ctx context.Context, st *step, question string) ([]model.ContextRef, error) {
	keywords := r.keywords(ctx, st, question)
	if len(keywords) == 0 {
		return nil, nil
	}

	items, err := r.kb.SearchKnowledge(ctx, st.rc.OwnerID, keywords, r.candidates)
	if err != nil {
		return nil, fmt.Errorf("search knowledge: %w", err)
	}
	if len(items) == 0 {
		return nil, nil
	}

	scores, err := r.score(ctx, st, question, items)
	if err != nil {
		r.logger.Warn("answer: relevance scoring failed, keeping most recent candidates",
			"run_id", st.rc.RunID, "sub_question_id", st.subQuestionID, "error", err)
		n := min(unscoredKeep, len(items))
		refs := make([]model.ContextRef, n)
		for i := range n {
			refs[i] = refOf(items[i], 0)
		}
		return refs, nil
	}

	var refs []model.ContextRef
	for i, it := range items {
		if scores[i] >= relevanceCutoff {
			refs = append(refs, refOf(it, scores[i]))
		}
	}
	sort.SliceStable(refs, func(a, b int) bool { return refs[a].Score > refs[b].Score })
	return refs, nil
}

func refOf(it model.KnowledgeItem, score int) model.ContextRef {
	return model.ContextRef{Type: it.Type, ID: it.ID, Title: it.Title, Score: score}
}

// keywords asks the LLM for search keywords, falling back to naive
// tokenization on failure or an empty result.
func (r *Retriever) keywords(ctx context.Context, st *step, question string) []string {
	resp, err := r.calls.call(ctx, st, llm.Request{
		Operation: OpKeywords,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: keywordsPrompt},
			{Role: llm.RoleUser, Content: question},
		},
		Temperature: 0,
		Format:      llm.FormatJSON,
	})
	if err == nil {
		var kws []string
		if derr := llm.DecodeJSON(resp.Text, &kws); derr == nil {
			kws = cleanKeywords(kws)
			if len(kws) > 0 {
				return kws
			}
		}
	}
	return naiveKeywords(question, fallbackKeywordCap)
}

func cleanKeywords(in []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, k := range in {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
		if len(out) == maxKeywords {
			break
		}
	}
	return out
}

type relevanceScores struct {
	Scores []struct {
		Index int `json:"index"`
		Score int `json:"score"`
	} `json:"scores"`
}

// score rates every candidate in one call. Indexes in the response are 1-based;
// candidates the model omits score zero.
func (r *Retriever) score(ctx context.Context, st *step, question string, items []model.KnowledgeItem) ([]int, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Question:\n%s\n\nRecent conversation:\n%s\nRecords:\n",
		question, conversationTranscript(tail(st.rc.Conversation, 6), 300))
	for i, it := range items {
		fmt.Fprintf(&b, "%d. [%s] %s: %s\n", i+1, it.Type, it.Title, truncate(it.Body, 300))
	}

	resp, err := r.calls.call(ctx, st, llm.Request{
		Operation: OpRelevance,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: relevancePrompt},
			{Role: llm.RoleUser, Content: b.String()},
		},
		Temperature: 0,
		Format:      llm.FormatJSON,
	})
	if err != nil {
		return nil, err
	}
	var parsed relevanceScores
	if err := llm.DecodeJSON(resp.Text, &parsed); err != nil {
		return nil, err
	}
	scores := make([]int, len(items))
	for _, s := range parsed.Scores {
		if s.Index >= 1 && s.Index <= len(items) {
			scores[s.Index-1] = max(0, min(10, s.Score))
		}
	}
	return scores, nil
}

func tail[T any](s []T, n int) []T {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
