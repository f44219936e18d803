package kotae

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the kotae server (e.g. "http://localhost:8080").
	BaseURL string

	// Token is the bearer JWT identifying the owner. kotae only validates
	// tokens; they are issued by the surrounding application.
	Token string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// using Timeout is created.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 10 minutes,
	// long enough for a synchronous multi-iteration run.
	Timeout time.Duration
}

// Client is an HTTP client for the kotae answer API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("kotae: BaseURL is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("kotae: Token is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 10 * time.Minute
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  httpClient,
	}, nil
}

// Ask creates a run for a question in threadID. Without Async the call
// blocks until the run is answered or fails.
func (c *Client) Ask(ctx context.Context, threadID uuid.UUID, req AskRequest) (*RunResponse, error) {
	var resp RunResponse
	if err := c.post(ctx, "/v1/threads/"+threadID.String()+"/runs", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Resume continues a pending run from its persisted state. A terminal run
// returns its stored outcome.
func (c *Client) Resume(ctx context.Context, runID uuid.UUID, async bool) (*RunResponse, error) {
	path := "/v1/runs/" + runID.String() + "/resume"
	if async {
		path += "?async=true"
	}
	var resp RunResponse
	if err := c.post(ctx, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetRun returns the polling view of a run.
func (c *Client) GetRun(ctx context.Context, runID uuid.UUID) (*RunView, error) {
	var resp RunView
	if err := c.get(ctx, "/v1/runs/"+runID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubQuestions lists a run's sub-questions in iteration order.
func (c *Client) SubQuestions(ctx context.Context, runID uuid.UUID) ([]SubQuestion, error) {
	var resp subQuestionsResponse
	if err := c.get(ctx, "/v1/runs/"+runID.String()+"/sub-questions", &resp); err != nil {
		return nil, err
	}
	return resp.SubQuestions, nil
}

// ThreadRuns lists a thread's most recent runs, newest first. A limit of 0
// uses the server default.
func (c *Client) ThreadRuns(ctx context.Context, threadID uuid.UUID, limit int) ([]Run, error) {
	path := "/v1/threads/" + threadID.String() + "/runs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp threadRunsResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

// Usage returns a run's ledger totals.
func (c *Client) Usage(ctx context.Context, runID uuid.UUID) (*UsageTotals, error) {
	var resp UsageTotals
	if err := c.get(ctx, "/v1/runs/"+runID.String()+"/usage", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Wait polls GetRun every interval until the run is terminal or ctx ends.
func (c *Client) Wait(ctx context.Context, runID uuid.UUID, interval time.Duration) (*RunView, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		view, err := c.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if view.Run.Terminal() {
			return view, nil
		}
		select {
		case <-ctx.Done():
			return view, ctx.Err()
		case <-ticker.C:
		}
	}
}

// HealthResponse is returned by Health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Store     string `json:"store"`
	Knowledge string `json:"knowledge,omitempty"`
	Runner    string `json:"runner,omitempty"`
	Uptime    int64  `json:"uptime_seconds"`
}

// Health checks server health. It does not require authentication.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("kotae: create request: %w", err)
	}
	var resp HealthResponse
	if err := c.send(req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	var r io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("kotae: marshal request body: %w", err)
		}
		r = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("kotae: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("kotae: create request: %w", err)
	}
	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	req.Header.Set("Authorization", "Bearer "+c.token)
	return c.send(req, dest)
}

func (c *Client) send(req *http.Request, dest any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("kotae: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("kotae: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := parseErrorResponse(resp.StatusCode, bodyBytes)
		if s := resp.Header.Get("Retry-After"); s != "" {
			apiErr.RetryAfter, _ = strconv.Atoi(s)
		}
		return apiErr
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("kotae: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return fmt.Errorf("kotae: response has no data")
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}
	return apiErr
}
