package mcp

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kotae/internal/ctxutil"
	"github.com/ashita-ai/kotae/internal/llm"
	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/service/answer"
	"github.com/ashita-ai/kotae/internal/testutil"
)

// cannedGateway answers every operation with a fixed, well-formed reply.
var cannedGateway = llm.GatewayFunc(func(_ context.Context, req llm.Request) (llm.Response, error) {
	text := "Pack a warm coat for Oslo."
	switch req.Operation {
	case answer.OpDecompose:
		text = `{"essential": ["Where is the spring trip going?"]}`
	case answer.OpKeywords:
		text = `["trip"]`
	case answer.OpRelevance:
		text = `{"scores": [{"index": 1, "score": 9}]}`
	case answer.OpSynthesize:
		text = "The trip goes to Oslo in April. Flights are booked. Pack a warm coat."
	case answer.OpEvaluate:
		text = `{"is_satisfactory": true, "confidence": 0.9, "reason": "complete"}`
	}
	return llm.Response{Text: text, Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}}, nil
})

type mcpFixture struct {
	server *Server
	runner *answer.Runner
	thread model.Thread
}

func newMCPFixture(t *testing.T, withRunner bool) *mcpFixture {
	t.Helper()
	ctx := context.Background()
	logger := testutil.TestLogger()
	store := testutil.NewSQLiteStore(t)

	thread := model.Thread{ID: uuid.New(), OwnerID: uuid.New(), Title: "travel", CreatedAt: time.Now().UTC()}
	require.NoError(t, store.CreateThread(ctx, thread))
	require.NoError(t, store.CreateKnowledgeItem(ctx, model.KnowledgeItem{
		ID: uuid.New(), OwnerID: thread.OwnerID, Type: model.KnowledgeTask,
		Title: "Book trip flights", Body: "Oslo, April 3rd", UpdatedAt: time.Now().UTC(),
	}))

	resolver := llm.NewResolver([]llm.Candidate{{Provider: "canned"}})
	resolver.Register("canned", "canned-1", func(context.Context, string) (llm.Gateway, error) {
		return cannedGateway, nil
	})
	engine := answer.New(store, store, resolver, answer.Config{}, logger)

	var runner *answer.Runner
	if withRunner {
		runner = answer.NewRunner(engine, 1, 4, logger)
		runner.Start(context.Background())
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			runner.Drain(ctx)
		})
	}
	return &mcpFixture{server: New(engine, runner, logger, "test"), runner: runner, thread: thread}
}

func (f *mcpFixture) ownerCtx() context.Context {
	return ctxutil.WithOwner(context.Background(), f.thread.OwnerID)
}

func toolRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{Params: mcplib.CallToolParams{Name: name, Arguments: args}}
}

// resultText returns the text of a single-content tool result.
func resultText(t *testing.T, res *mcplib.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.Len(t, res.Content, 1)
	tc, ok := res.Content[0].(mcplib.TextContent)
	require.True(t, ok, "expected text content, got %T", res.Content[0])
	return tc.Text
}
