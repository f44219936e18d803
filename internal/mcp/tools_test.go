package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kotae/internal/ctxutil"
	"github.com/ashita-ai/kotae/internal/model"
)

func TestAskAnswersInline(t *testing.T) {
	f := newMCPFixture(t, false)

	res, err := f.server.handleAsk(f.ownerCtx(), toolRequest("kotae_ask", map[string]any{
		"thread_id":      f.thread.ID.String(),
		"question":       "What do I need for my spring trip?",
		"max_iterations": 2,
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))

	var out model.CreateRunResponse
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	assert.Equal(t, model.RunStatusAnswered, out.Run.Status)
	assert.Equal(t, 2, out.Run.MaxIterations)
	require.NotNil(t, out.Message)
	assert.Equal(t, model.RoleAssistant, out.Message.Role)
	assert.Contains(t, out.Message.Content, "Oslo")
}

func TestAskAsyncThenStatus(t *testing.T) {
	f := newMCPFixture(t, true)
	ctx := f.ownerCtx()

	res, err := f.server.handleAsk(ctx, toolRequest("kotae_ask", map[string]any{
		"thread_id": f.thread.ID.String(),
		"question":  "When do I fly?",
		"async":     true,
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))

	var out model.CreateRunResponse
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	assert.Nil(t, out.Message)

	require.Eventually(t, func() bool {
		st, err := f.server.handleRunStatus(ctx, toolRequest("kotae_run_status", map[string]any{
			"run_id": out.Run.ID.String(),
		}))
		if err != nil || st.IsError {
			return false
		}
		var view model.RunView
		if json.Unmarshal([]byte(resultText(t, st)), &view) != nil {
			return false
		}
		return view.Run.Status == model.RunStatusAnswered
	}, 10*time.Second, 20*time.Millisecond)

	st, err := f.server.handleRunStatus(ctx, toolRequest("kotae_run_status", map[string]any{
		"run_id":                out.Run.ID.String(),
		"include_sub_questions": true,
	}))
	require.NoError(t, err)
	require.False(t, st.IsError)
	var detail struct {
		Status       model.RunView       `json:"status"`
		SubQuestions []model.SubQuestion `json:"sub_questions"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, st)), &detail))
	assert.NotEmpty(t, detail.SubQuestions)
	assert.Positive(t, detail.Status.Usage.Calls)
}

func TestAskRejectsBadInput(t *testing.T) {
	f := newMCPFixture(t, false)

	tests := []struct {
		name string
		ctx  context.Context
		args map[string]any
		want string
	}{
		{"unauthenticated", context.Background(), map[string]any{"thread_id": f.thread.ID.String(), "question": "q"}, "not authenticated"},
		{"bad thread id", f.ownerCtx(), map[string]any{"thread_id": "nope", "question": "q"}, "thread_id must be a valid UUID"},
		{"empty question", f.ownerCtx(), map[string]any{"thread_id": f.thread.ID.String(), "question": "  "}, "content is required"},
		{"unknown thread", f.ownerCtx(), map[string]any{"thread_id": uuid.NewString(), "question": "q"}, "not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.server.handleAsk(tt.ctx, toolRequest("kotae_ask", tt.args))
			require.NoError(t, err)
			require.True(t, res.IsError)
			assert.Contains(t, resultText(t, res), tt.want)
		})
	}
}

func TestRunStatusIsOwnerScoped(t *testing.T) {
	f := newMCPFixture(t, false)
	res, err := f.server.handleAsk(f.ownerCtx(), toolRequest("kotae_ask", map[string]any{
		"thread_id": f.thread.ID.String(),
		"question":  "Where am I going?",
	}))
	require.NoError(t, err)
	var out model.CreateRunResponse
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))

	stranger := ctxutil.WithOwner(context.Background(), uuid.New())
	st, err := f.server.handleRunStatus(stranger, toolRequest("kotae_run_status", map[string]any{
		"run_id": out.Run.ID.String(),
	}))
	require.NoError(t, err)
	require.True(t, st.IsError)
	assert.Contains(t, resultText(t, st), "not found")
}

func TestRunResource(t *testing.T) {
	f := newMCPFixture(t, false)
	res, err := f.server.handleAsk(f.ownerCtx(), toolRequest("kotae_ask", map[string]any{
		"thread_id": f.thread.ID.String(),
		"question":  "Where am I going?",
	}))
	require.NoError(t, err)
	var out model.CreateRunResponse
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))

	uri := "kotae://runs/" + out.Run.ID.String()
	contents, err := f.server.handleRunResource(f.ownerCtx(), mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: uri},
	})
	require.NoError(t, err)
	require.Len(t, contents, 1)
	text, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	assert.Equal(t, uri, text.URI)

	var view model.RunView
	require.NoError(t, json.Unmarshal([]byte(text.Text), &view))
	assert.Equal(t, out.Run.ID, view.Run.ID)
	assert.Equal(t, model.RunStatusAnswered, view.Run.Status)

	_, err = f.server.handleRunResource(f.ownerCtx(), mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: "kotae://runs/not-a-uuid"},
	})
	require.ErrorContains(t, err, "invalid run URI")
}

func TestParseRunURI(t *testing.T) {
	id := uuid.New()
	got, err := parseRunURI("kotae://runs/" + id.String() + "/")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = parseRunURI("other://runs/" + id.String())
	require.Error(t, err)
}
