package answer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kotae/internal/llm"
	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/storage/sqlite"
	"github.com/ashita-ai/kotae/internal/testutil"
)

var errScripted = errors.New("scripted failure")

// handler answers one scripted operation. n is the 1-based call number for
// that operation.
type handler func(ctx context.Context, req llm.Request, n int) (llm.Response, error)

// scriptedGateway routes calls on Request.Operation and counts them.
type scriptedGateway struct {
	mu       sync.Mutex
	handlers map[string]handler
	calls    map[string]int
	requests map[string][]llm.Request
	total    atomic.Int64
}

func newScriptedGateway() *scriptedGateway {
	g := &scriptedGateway{
		handlers: make(map[string]handler),
		calls:    make(map[string]int),
		requests: make(map[string][]llm.Request),
	}
	// Defaults: one question, keyword and relevance that match everything,
	// a plain sub-answer, a long candidate, a satisfied evaluator.
	g.on(OpDecompose, reply(`{"essential": ["Where exactly is the planned spring trip going?"]}`))
	g.on(OpKeywords, reply(`["trip"]`))
	g.on(OpRelevance, reply(allScores(8)))
	g.on(OpSubAnswer, func(_ context.Context, req llm.Request, _ int) (llm.Response, error) {
		return ok("ANSWER(" + questionOf(req) + ")"), nil
	})
	g.on(OpSynthesize, reply("The trip goes to Oslo in April. Flights are booked. Pack a warm coat."))
	g.on(OpEvaluate, reply(`{"is_satisfactory": true, "confidence": 0.9, "reason": "complete"}`))
	return g
}

func (g *scriptedGateway) on(op string, h handler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[op] = h
}

func (g *scriptedGateway) Call(ctx context.Context, req llm.Request) (llm.Response, error) {
	g.total.Add(1)
	g.mu.Lock()
	g.calls[req.Operation]++
	n := g.calls[req.Operation]
	g.requests[req.Operation] = append(g.requests[req.Operation], req)
	h := g.handlers[req.Operation]
	g.mu.Unlock()
	if h == nil {
		return llm.Response{}, fmt.Errorf("unscripted operation %q", req.Operation)
	}
	return h(ctx, req, n)
}

func (g *scriptedGateway) count(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

func (g *scriptedGateway) requestsFor(op string) []llm.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]llm.Request(nil), g.requests[op]...)
}

func ok(text string) llm.Response {
	return llm.Response{
		Text:  text,
		Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		Cost:  0.001,
	}
}

func reply(text string) handler {
	return func(context.Context, llm.Request, int) (llm.Response, error) { return ok(text), nil }
}

func fail() handler {
	return func(context.Context, llm.Request, int) (llm.Response, error) { return llm.Response{}, errScripted }
}

func allScores(score int) string {
	parts := make([]string, 20)
	for i := range parts {
		parts[i] = fmt.Sprintf(`{"index": %d, "score": %d}`, i+1, score)
	}
	return `{"scores": [` + strings.Join(parts, ",") + `]}`
}

// questionOf extracts the sub-question from a sub-answer request.
func questionOf(req llm.Request) string {
	last := req.Messages[len(req.Messages)-1].Content
	if i := strings.LastIndex(last, "Question: "); i >= 0 {
		return last[i+len("Question: "):]
	}
	return last
}

// staticResolver always binds the same gateway and counts resolutions.
type staticResolver struct {
	gw       llm.Gateway
	resolved atomic.Int32
}

func (r *staticResolver) Resolve(context.Context, llm.Candidate) (llm.Binding, error) {
	r.resolved.Add(1)
	return llm.Binding{Gateway: r.gw, Provider: "scripted", Model: "scripted-1"}, nil
}

// fixture is an engine over an in-memory store with one thread and a small
// knowledge base.
type fixture struct {
	store    *sqlite.Store
	gw       *scriptedGateway
	resolver *staticResolver
	engine   *Engine
	thread   model.Thread
}

func newFixture(t *testing.T, cfg Config, kb func(*sqlite.Store) KnowledgeBase) *fixture {
	t.Helper()
	ctx := context.Background()
	store := testutil.NewSQLiteStore(t)
	gw := newScriptedGateway()
	resolver := &staticResolver{gw: gw}

	thread := model.Thread{ID: uuid.New(), OwnerID: uuid.New(), Title: "planning", CreatedAt: time.Now().UTC()}
	require.NoError(t, store.CreateThread(ctx, thread))

	base := time.Now().UTC().Add(-time.Hour)
	for i, it := range []model.KnowledgeItem{
		{Type: model.KnowledgeTask, Title: "Book trip flights", Body: "Oslo, April 3rd"},
		{Type: model.KnowledgeNote, Title: "Trip packing", Body: "warm coat, alpha charger"},
		{Type: model.KnowledgeLifeEvent, Title: "Gamma anniversary", Body: "dinner at gamma restaurant"},
		{Type: model.KnowledgeVaultItem, Title: "Passport", Body: "expires 2031"},
	} {
		it.ID = uuid.New()
		it.OwnerID = thread.OwnerID
		it.UpdatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.CreateKnowledgeItem(ctx, it))
	}

	var knowledge KnowledgeBase = store
	if kb != nil {
		knowledge = kb(store)
	}
	return &fixture{
		store:    store,
		gw:       gw,
		resolver: resolver,
		engine:   New(store, knowledge, resolver, cfg, testutil.TestLogger()),
		thread:   thread,
	}
}

func intPtr(v int) *int { return &v }

func (f *fixture) start(t *testing.T, minIter, maxIter int) model.Run {
	t.Helper()
	res, err := f.engine.Start(context.Background(), StartInput{
		ThreadID:      f.thread.ID,
		OwnerID:       f.thread.OwnerID,
		Content:       "What do I need to prepare for my spring trip?",
		MinIterations: intPtr(minIter),
		MaxIterations: intPtr(maxIter),
	})
	require.NoError(t, err)
	return res.Run
}

func (f *fixture) run(t *testing.T, minIter, maxIter int) RunResult {
	t.Helper()
	run := f.start(t, minIter, maxIter)
	res, err := f.engine.RunIteration(context.Background(), run.ID)
	require.NoError(t, err)
	return res
}

// failingKB fails searches that include a given keyword.
type failingKB struct {
	KnowledgeBase
	keyword string
}

func (k failingKB) SearchKnowledge(ctx context.Context, owner uuid.UUID, keywords []string, limit int) ([]model.KnowledgeItem, error) {
	for _, kw := range keywords {
		if kw == k.keyword {
			return nil, errors.New("knowledge index unavailable")
		}
	}
	return k.KnowledgeBase.SearchKnowledge(ctx, owner, keywords, limit)
}
