package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OllamaConfig configures an OllamaGateway.
type OllamaConfig struct {
	BaseURL string
	Model   string
	Pricing Pricing
	Timeout time.Duration
}

// OllamaGateway calls a local Ollama chat model.
type OllamaGateway struct {
	cfg        OllamaConfig
	httpClient *http.Client
}

// NewOllamaGateway creates a gateway for cfg.Model.
func NewOllamaGateway(cfg OllamaConfig) *OllamaGateway {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "qwen2.5:3b"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = perCallTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &OllamaGateway{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout + 5*time.Second},
	}
}

type ollamaChatRequest struct {
	Model    string        `json:"model"`
	Messages []Message     `json:"messages"`
	Stream   bool          `json:"stream"`
	Format   string        `json:"format,omitempty"`
	Options  ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatResponse struct {
	Model   string `json:"model"`
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	PromptEvalCount int64 `json:"prompt_eval_count"`
	EvalCount       int64 `json:"eval_count"`
}

// Call implements Gateway.
func (g *OllamaGateway) Call(ctx context.Context, in Request) (Response, error) {
	callCtx, cancel := withCallTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	payload := ollamaChatRequest{
		Model:    g.cfg.Model,
		Messages: in.Messages,
		Stream:   false,
		Options:  ollamaOptions{Temperature: in.Temperature, NumPredict: in.MaxTokens},
	}
	if in.Format == FormatJSON {
		payload.Format = "json"
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("ollama: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, g.cfg.BaseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("ollama: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("ollama: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Response{}, fmt.Errorf("ollama: status %d: %s", resp.StatusCode, string(respBody))
	}

	var result ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Response{}, fmt.Errorf("ollama: decode response: %w", err)
	}
	if strings.TrimSpace(result.Message.Content) == "" {
		return Response{}, fmt.Errorf("ollama: %w", ErrEmptyResponse)
	}

	usage := normalizeUsage(Usage{PromptTokens: result.PromptEvalCount, CompletionTokens: result.EvalCount})
	return Response{
		Text:     result.Message.Content,
		Usage:    usage,
		Cost:     g.cfg.Pricing.Cost(usage),
		Provider: "ollama",
		Model:    g.cfg.Model,
	}, nil
}
