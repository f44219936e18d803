package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxQuestionLen bounds the content of a message submitted for answering.
const MaxQuestionLen = 32 * 1024 // 32 KB

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeUnavailable   = "UNAVAILABLE"
)

// CreateRunRequest is the request body for POST /v1/threads/{thread_id}/runs.
// Exactly one of MessageID or Content must be set: Content appends a new user
// message to the thread, MessageID answers an existing one.
type CreateRunRequest struct {
	MessageID     *uuid.UUID `json:"message_id,omitempty"`
	Content       string     `json:"content,omitempty"`
	MinIterations *int       `json:"min_iterations,omitempty"`
	MaxIterations *int       `json:"max_iterations,omitempty"`
	Async         bool       `json:"async,omitempty"`
}

// Validate checks the shape of the request. Iteration bounds are validated by
// the run itself so that a bad combination is recorded on the run.
func (r CreateRunRequest) Validate() error {
	content := strings.TrimSpace(r.Content)
	switch {
	case r.MessageID == nil && content == "":
		return fmt.Errorf("one of message_id or content is required")
	case r.MessageID != nil && content != "":
		return fmt.Errorf("message_id and content are mutually exclusive")
	case len(r.Content) > MaxQuestionLen:
		return fmt.Errorf("content exceeds maximum length of %d bytes", MaxQuestionLen)
	}
	return nil
}

// CreateRunResponse is returned by run creation. Run is the final state for
// synchronous runs and the initial pending state for async ones.
type CreateRunResponse struct {
	Run     Run      `json:"run"`
	Message *Message `json:"message,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Store     string `json:"store"`
	Knowledge string `json:"knowledge,omitempty"`
	Runner    string `json:"runner,omitempty"`
	Uptime    int64  `json:"uptime_seconds"`
}
