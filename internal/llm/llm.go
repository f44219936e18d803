// Package llm is the pluggable chat-completion capability used by the answer
// engine. Each provider adapter turns a Request into one HTTP (or SDK) call
// and reports token usage so the caller can meter it.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role values accepted in Message.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// FormatJSON asks the provider for a JSON object response where supported.
const FormatJSON = "json"

// perCallTimeout bounds a single provider call when the caller's context has
// no tighter deadline.
const perCallTimeout = 90 * time.Second

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single chat-completion call.
type Request struct {
	// Operation labels the call for routing in tests and for metrics.
	Operation   string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	Format      string
}

// Usage is the token accounting reported by a provider.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	ReasoningTokens  int64
	TotalTokens      int64
}

// Response is the outcome of a successful call.
type Response struct {
	Text     string
	Usage    Usage
	Cost     float64
	Provider string
	Model    string
}

// Gateway performs chat completions against one provider and model.
type Gateway interface {
	Call(ctx context.Context, req Request) (Response, error)
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, req Request) (Response, error)

// Call implements Gateway.
func (f GatewayFunc) Call(ctx context.Context, req Request) (Response, error) { return f(ctx, req) }

// Pricing is a flat per-1K-token rate.
type Pricing struct {
	PromptPer1K     float64
	CompletionPer1K float64
}

// Cost prices u. Reasoning tokens are billed as completion tokens.
func (p Pricing) Cost(u Usage) float64 {
	return float64(u.PromptTokens)/1000*p.PromptPer1K +
		float64(u.CompletionTokens+u.ReasoningTokens)/1000*p.CompletionPer1K
}

// ErrEmptyResponse is returned when a provider answers with no content.
var ErrEmptyResponse = errors.New("llm: empty response")

// normalizeUsage fills TotalTokens when the provider omits it.
func normalizeUsage(u Usage) Usage {
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens + u.ReasoningTokens
	}
	return u
}

// ExtractJSON returns the first JSON object or array embedded in text,
// tolerating markdown code fences and surrounding prose.
func ExtractJSON(text string) (string, error) {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", fmt.Errorf("llm: no JSON value in response")
	}
	open, closing := s[start], byte('}')
	if open == '[' {
		closing = ']'
	}
	end := strings.LastIndexByte(s, closing)
	if end < start {
		return "", fmt.Errorf("llm: unterminated JSON value in response")
	}
	return s[start : end+1], nil
}

// DecodeJSON extracts the JSON value from text and unmarshals it into v.
func DecodeJSON(text string, v any) error {
	raw, err := ExtractJSON(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("llm: decode response: %w", err)
	}
	return nil
}

// withCallTimeout applies perCallTimeout unless ctx already ends sooner.
func withCallTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = perCallTimeout
	}
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < d {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
