package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

// GeminiConfig configures a GeminiGateway. BaseURL overrides the API root.
type GeminiConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Pricing Pricing
	Timeout time.Duration
}

// GeminiGateway calls the Gemini generateContent API through the genai SDK.
type GeminiGateway struct {
	cfg    GeminiConfig
	client *genai.Client
}

// NewGeminiGateway creates a gateway for cfg.Model.
func NewGeminiGateway(ctx context.Context, cfg GeminiConfig) (*GeminiGateway, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = perCallTimeout
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &GeminiGateway{cfg: cfg, client: client}, nil
}

// Call implements Gateway. System messages become the system instruction and
// assistant turns are sent with the model role.
func (g *GeminiGateway) Call(ctx context.Context, in Request) (Response, error) {
	callCtx, cancel := withCallTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	var (
		system   []string
		contents []*genai.Content
	)
	for _, m := range in.Messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	temp := float32(in.Temperature)
	gc := &genai.GenerateContentConfig{Temperature: &temp}
	if in.MaxTokens > 0 {
		gc.MaxOutputTokens = int32(in.MaxTokens)
	}
	if in.Format == FormatJSON {
		gc.ResponseMIMEType = "application/json"
	}
	if len(system) > 0 {
		gc.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}

	resp, err := g.client.Models.GenerateContent(callCtx, g.cfg.Model, contents, gc)
	if err != nil {
		return Response{}, fmt.Errorf("gemini: generate content: %w", err)
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return Response{}, fmt.Errorf("gemini: %w", ErrEmptyResponse)
	}

	var usage Usage
	if md := resp.UsageMetadata; md != nil {
		usage = Usage{
			PromptTokens:     int64(md.PromptTokenCount),
			CompletionTokens: int64(md.CandidatesTokenCount),
			ReasoningTokens:  int64(md.ThoughtsTokenCount),
			TotalTokens:      int64(md.TotalTokenCount),
		}
	}
	usage = normalizeUsage(usage)
	return Response{
		Text:     text,
		Usage:    usage,
		Cost:     g.cfg.Pricing.Cost(usage),
		Provider: "gemini",
		Model:    g.cfg.Model,
	}, nil
}
