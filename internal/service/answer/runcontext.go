package answer

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/kotae/internal/llm"
	"github.com/ashita-ai/kotae/internal/model"
)

// runContext is the read-only per-run bundle shared by every component of one
// RunIteration invocation. It is built once and never mutated.
type runContext struct {
	RunID     uuid.UUID
	ThreadID  uuid.UUID
	MessageID uuid.UUID
	OwnerID   uuid.UUID

	SystemInstructions string
	Question           string
	// Conversation is the recent thread history in chronological order,
	// ending at (and including) the triggering message.
	Conversation []model.Message

	Binding llm.Binding
}

// buildRunContext loads the conversation and resolves the LLM binding for run.
func (e *Engine) buildRunContext(ctx context.Context, run model.Run) (*runContext, error) {
	thread, err := e.store.GetThread(ctx, run.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("load thread: %w", err)
	}
	trigger, err := e.store.GetMessage(ctx, run.MessageID)
	if err != nil {
		return nil, fmt.Errorf("load message: %w", err)
	}
	// Anchored on the trigger so later traffic in the thread cannot push the
	// run's own history out of the window.
	history, err := e.store.ListMessages(ctx, run.ThreadID, trigger.CreatedAt, e.cfg.ConversationWindow)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}

	pref := llm.Candidate{Provider: thread.Provider, Model: thread.Model}
	if run.Provider != "" {
		// A resumed run keeps the binding it started with.
		pref = llm.Candidate{Provider: run.Provider, Model: run.Model}
	}
	binding, err := e.resolver.Resolve(ctx, pref)
	if err != nil {
		return nil, fmt.Errorf("resolve provider: %w", err)
	}

	return &runContext{
		RunID:              run.ID,
		ThreadID:           run.ThreadID,
		MessageID:          run.MessageID,
		OwnerID:            run.OwnerID,
		SystemInstructions: thread.SystemInstructions,
		Question:           trigger.Content,
		Conversation:       conversationUpTo(history, trigger),
		Binding:            binding,
	}, nil
}

// conversationUpTo trims history to messages created no later than the
// trigger, so answers the run itself produced never feed back into it.
func conversationUpTo(history []model.Message, trigger model.Message) []model.Message {
	out := make([]model.Message, 0, len(history))
	for _, m := range history {
		if m.CreatedAt.After(trigger.CreatedAt) {
			break
		}
		out = append(out, m)
		if m.ID == trigger.ID {
			break
		}
	}
	return out
}

// recentAssistantText concatenates assistant turns in the conversation.
func (rc *runContext) recentAssistantText() string {
	var s string
	for _, m := range rc.Conversation {
		if m.Role == model.RoleAssistant {
			s += m.Content + "\n"
		}
	}
	return s
}
