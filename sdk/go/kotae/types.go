package kotae

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending  RunStatus = "pending"
	RunStatusAnswered RunStatus = "answered"
	RunStatusError    RunStatus = "error"
)

// Usage is a token and cost tally.
type Usage struct {
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	ReasoningTokens  int64   `json:"reasoning_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	Cost             float64 `json:"cost"`
}

// IntermediateAnswer is the candidate answer of one iteration.
type IntermediateAnswer struct {
	Iteration int       `json:"iteration"`
	Answer    string    `json:"answer"`
	CreatedAt time.Time `json:"created_at"`
}

// Run is one attempt to answer a user message.
type Run struct {
	ID                  uuid.UUID            `json:"id"`
	ThreadID            uuid.UUID            `json:"thread_id"`
	MessageID           uuid.UUID            `json:"message_id"`
	OwnerID             uuid.UUID            `json:"owner_id"`
	MinIterations       int                  `json:"min_iterations"`
	MaxIterations       int                  `json:"max_iterations"`
	CurrentIteration    int                  `json:"current_iteration"`
	Status              RunStatus            `json:"status"`
	IntermediateAnswers []IntermediateAnswer `json:"intermediate_answers"`
	FinalAnswer         string               `json:"final_answer,omitempty"`
	IsSatisfactory      bool                 `json:"is_satisfactory"`
	LastFeedback        []string             `json:"last_feedback,omitempty"`
	ErrorReason         string               `json:"error_reason,omitempty"`
	Provider            string               `json:"provider,omitempty"`
	Model               string               `json:"model,omitempty"`
	Usage               Usage                `json:"usage"`
	CreatedAt           time.Time            `json:"created_at"`
	UpdatedAt           time.Time            `json:"updated_at"`
	CompletedAt         *time.Time           `json:"completed_at,omitempty"`
}

// Terminal reports whether the run has reached answered or error.
func (r Run) Terminal() bool {
	return r.Status == RunStatusAnswered || r.Status == RunStatusError
}

// Message is one turn in a thread.
type Message struct {
	ID        uuid.UUID  `json:"id"`
	ThreadID  uuid.UUID  `json:"thread_id"`
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Provider  string     `json:"provider,omitempty"`
	Model     string     `json:"model,omitempty"`
	RunID     *uuid.UUID `json:"run_id,omitempty"`
	Usage     Usage      `json:"usage"`
	CreatedAt time.Time  `json:"created_at"`
}

// ContextRef points at a knowledge item used to answer a sub-question.
type ContextRef struct {
	Type  string    `json:"type"`
	ID    uuid.UUID `json:"id"`
	Title string    `json:"title,omitempty"`
	Score int       `json:"score"`
}

// SubQuestion is one narrower question generated during a run.
type SubQuestion struct {
	ID          uuid.UUID    `json:"id"`
	RunID       uuid.UUID    `json:"run_id"`
	Question    string       `json:"question"`
	Iteration   int          `json:"iteration"`
	Order       int          `json:"order"`
	Status      string       `json:"status"`
	Answer      string       `json:"answer,omitempty"`
	ContextRefs []ContextRef `json:"context_refs,omitempty"`
	ErrorReason string       `json:"error_reason,omitempty"`
	Usage       Usage        `json:"usage"`
}

// UsageTotals sums a run's ledger.
type UsageTotals struct {
	Total       Usage            `json:"total"`
	ByQueryType map[string]Usage `json:"by_query_type"`
	Calls       int              `json:"calls"`
}

// RunView is the polling view of a run.
type RunView struct {
	Run          Run            `json:"run"`
	SubQuestions map[string]int `json:"sub_questions"`
	Usage        UsageTotals    `json:"usage"`
}

// AskRequest starts a run. Exactly one of MessageID or Content must be set.
type AskRequest struct {
	MessageID     *uuid.UUID `json:"message_id,omitempty"`
	Content       string     `json:"content,omitempty"`
	MinIterations *int       `json:"min_iterations,omitempty"`
	MaxIterations *int       `json:"max_iterations,omitempty"`
	// Async returns as soon as the run is queued.
	Async bool `json:"async,omitempty"`
}

// RunResponse is returned by Ask and Resume. Message is set when a
// synchronous run produced a final answer.
type RunResponse struct {
	Run     Run      `json:"run"`
	Message *Message `json:"message,omitempty"`
}

type subQuestionsResponse struct {
	SubQuestions []SubQuestion `json:"sub_questions"`
	Total        int           `json:"total"`
}

type threadRunsResponse struct {
	Runs  []Run `json:"runs"`
	Total int   `json:"total"`
}
