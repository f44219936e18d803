// Package model defines the core domain types for kotae.
//
// Types map directly onto the tables in migrations/ and onto the JSON
// returned by the HTTP and MCP surfaces. Identifiers are UUIDs and
// enumerations are string-typed so they serialize readably.
package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of an answer run.
// Status only moves forward: pending → answered | error.
type RunStatus string

const (
	RunStatusPending  RunStatus = "pending"
	RunStatusAnswered RunStatus = "answered"
	RunStatusError    RunStatus = "error"
)

// HardMaxIterations is the absolute ceiling on max_iterations for any run.
const HardMaxIterations = 100

// IntermediateAnswer is the candidate answer synthesized during one iteration.
type IntermediateAnswer struct {
	Iteration int       `json:"iteration"`
	Answer    string    `json:"answer"`
	CreatedAt time.Time `json:"created_at"`
}

// Run is one end-to-end attempt to answer a user message.
// It is the aggregate root: sub-questions and usage records hang off it.
type Run struct {
	ID        uuid.UUID `json:"id"`
	ThreadID  uuid.UUID `json:"thread_id"`
	MessageID uuid.UUID `json:"message_id"`
	OwnerID   uuid.UUID `json:"owner_id"`

	MinIterations    int `json:"min_iterations"`
	MaxIterations    int `json:"max_iterations"`
	CurrentIteration int `json:"current_iteration"`

	Status              RunStatus            `json:"status"`
	IntermediateAnswers []IntermediateAnswer `json:"intermediate_answers"`
	FinalAnswer         string               `json:"final_answer,omitempty"`
	IsSatisfactory      bool                 `json:"is_satisfactory"`
	LastFeedback        []string             `json:"last_feedback,omitempty"`
	ErrorReason         string               `json:"error_reason,omitempty"`

	// Provider and Model record the LLM binding resolved for the run.
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`

	// Usage is a snapshot recomputed from the usage ledger on completion.
	Usage Usage `json:"usage"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether the run has reached answered or error.
func (r Run) Terminal() bool {
	return r.Status == RunStatusAnswered || r.Status == RunStatusError
}

// AnswerFor returns the intermediate answer synthesized in the given iteration.
func (r Run) AnswerFor(iteration int) (IntermediateAnswer, bool) {
	for _, ia := range r.IntermediateAnswers {
		if ia.Iteration == iteration {
			return ia, true
		}
	}
	return IntermediateAnswer{}, false
}

// SubQuestionStatus is the lifecycle state of a sub-question.
type SubQuestionStatus string

const (
	SubQuestionPending  SubQuestionStatus = "pending"
	SubQuestionAnswered SubQuestionStatus = "answered"
	SubQuestionSkipped  SubQuestionStatus = "skipped"
	SubQuestionError    SubQuestionStatus = "error"
)

// SubQuestion is one narrower question generated to close an information gap.
// A sub-question leaves pending exactly once.
type SubQuestion struct {
	ID              uuid.UUID         `json:"id"`
	RunID           uuid.UUID         `json:"run_id"`
	ThreadID        uuid.UUID         `json:"thread_id"`
	ParentMessageID uuid.UUID         `json:"parent_message_id"`
	Question        string            `json:"question"`
	Iteration       int               `json:"iteration"`
	Order           int               `json:"order"`
	Status          SubQuestionStatus `json:"status"`
	Answer          string            `json:"answer,omitempty"`
	ContextRefs     []ContextRef      `json:"context_refs,omitempty"`
	ErrorReason     string            `json:"error_reason,omitempty"`
	Usage           Usage             `json:"usage"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// RunView is the polling view of a run: its state plus progress counters.
type RunView struct {
	Run          Run                       `json:"run"`
	SubQuestions map[SubQuestionStatus]int `json:"sub_questions"`
	Usage        UsageTotals               `json:"usage"`
}
