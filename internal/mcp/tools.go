package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/service/answer"
	"github.com/ashita-ai/kotae/internal/storage"
)

func (s *Server) registerTools() {
	// kotae_ask: answer a question in a thread.
	s.mcpServer.AddTool(
		mcplib.NewTool("kotae_ask",
			mcplib.WithDescription(`Answer a question in a conversation thread.

The question is appended to the thread as a user message, broken into
sub-questions, answered from the owner's knowledge base and refined until the
answer is satisfactory or max_iterations is reached. The final answer is
added to the thread as an assistant message.

WHAT YOU GET BACK:
- run: the run state (status, iterations, usage, final_answer)
- message: the assistant message, when the run produced one

Set async=true for long questions; poll with kotae_run_status.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("thread_id",
				mcplib.Description("UUID of the thread to ask in"),
				mcplib.Required(),
			),
			mcplib.WithString("question",
				mcplib.Description("The question to answer"),
				mcplib.Required(),
			),
			mcplib.WithNumber("min_iterations",
				mcplib.Description("Minimum refinement iterations"),
				mcplib.Min(1),
				mcplib.Max(model.HardMaxIterations),
			),
			mcplib.WithNumber("max_iterations",
				mcplib.Description("Maximum refinement iterations"),
				mcplib.Min(1),
				mcplib.Max(model.HardMaxIterations),
			),
			mcplib.WithBoolean("async",
				mcplib.Description("Queue the run and return immediately"),
			),
		),
		s.handleAsk,
	)

	// kotae_run_status: poll a run.
	s.mcpServer.AddTool(
		mcplib.NewTool("kotae_run_status",
			mcplib.WithDescription("Get a run's status, sub-question counts and usage totals."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id",
				mcplib.Description("UUID of the run"),
				mcplib.Required(),
			),
			mcplib.WithBoolean("include_sub_questions",
				mcplib.Description("Also return every sub-question with its answer"),
			),
		),
		s.handleRunStatus,
	)
}

func (s *Server) handleAsk(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	owner, err := ownerFrom(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	threadID, err := uuid.Parse(request.GetString("thread_id", ""))
	if err != nil {
		return errorResult("thread_id must be a valid UUID"), nil
	}
	question := request.GetString("question", "")
	req := model.CreateRunRequest{
		Content:       question,
		MinIterations: optionalInt(request, "min_iterations"),
		MaxIterations: optionalInt(request, "max_iterations"),
		Async:         request.GetBool("async", false),
	}
	if err := req.Validate(); err != nil {
		return errorResult(err.Error()), nil
	}

	started, err := s.engine.Start(ctx, answer.StartInput{
		ThreadID:      threadID,
		OwnerID:       owner,
		Content:       req.Content,
		MinIterations: req.MinIterations,
		MaxIterations: req.MaxIterations,
	})
	if err != nil {
		return toolError("start run", err), nil
	}

	if req.Async && s.runner != nil {
		if err := s.runner.Submit(started.Run.ID); err != nil {
			s.logger.Warn("mcp: run not queued, left for resumption", "run_id", started.Run.ID, "error", err)
		}
		return jsonResult(model.CreateRunResponse{Run: started.Run})
	}

	res, err := s.engine.RunIteration(ctx, started.Run.ID)
	if err != nil {
		return toolError("run", err), nil
	}
	return jsonResult(model.CreateRunResponse{Run: res.Run, Message: res.Message})
}

func (s *Server) handleRunStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	owner, err := ownerFrom(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	runID, err := uuid.Parse(request.GetString("run_id", ""))
	if err != nil {
		return errorResult("run_id must be a valid UUID"), nil
	}

	view, err := s.engine.Status(ctx, runID, owner)
	if err != nil {
		return toolError("run status", err), nil
	}
	if !request.GetBool("include_sub_questions", false) {
		return jsonResult(view)
	}
	sqs, err := s.engine.SubQuestions(ctx, runID, owner)
	if err != nil {
		return toolError("sub-questions", err), nil
	}
	return jsonResult(map[string]any{
		"status":        view,
		"sub_questions": sqs,
	})
}

// optionalInt returns a pointer to the named numeric argument, or nil when absent.
func optionalInt(request mcplib.CallToolRequest, key string) *int {
	if _, ok := request.GetArguments()[key]; !ok {
		return nil
	}
	v := request.GetInt(key, 0)
	return &v
}

// toolError reports err to the caller. Internal failures are not detailed.
func toolError(action string, err error) *mcplib.CallToolResult {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return errorResult(action + ": not found")
	case errors.Is(err, answer.ErrInvalidInput):
		return errorResult(err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return errorResult(action + ": interrupted, the run stays pending and can be resumed")
	default:
		return errorResult(fmt.Sprintf("%s failed", action))
	}
}
