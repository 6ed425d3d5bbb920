// Package llmclient implements the ModelClient backing the built-in
// kernel/llm-gateway artifact: a thin Anthropic Messages API client
// authenticated from ANTHROPIC_API_KEY, plus a deterministic null
// implementation for tests and for config-selected offline runs.
// SPEC_FULL.md §4.6 "[EXPANSION] LLM gateway artifact".
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultBaseURL = "https://api.anthropic.com/v1/messages"
const anthropicVersion = "2023-06-01"

// Request is one completion call: a system prompt plus the assembled
// user turn, as returned by scheduler.Assemble.
type Request struct {
	Model     string
	System    string
	Prompt    string
	MaxTokens int
}

// Response carries the model's text plus the token accounting the
// gateway needs to charge llm_dollars/llm_tokens against the caller.
type Response struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

// Client is an Anthropic Messages API client.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// New returns a Client reading its key from apiKey. Per spec.md §6's
// "environment variables (boundary only)" rule, the caller
// (internal/kernel's newModelClient) reads ANTHROPIC_API_KEY; this package never
// touches os.Getenv.
func New(apiKey string) *Client {
	return &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

type messagesRequest struct {
	Model     string           `json:"model"`
	System    string           `json:"system,omitempty"`
	MaxTokens int              `json:"max_tokens"`
	Messages  []messageContent `json:"messages"`
}

type messageContent struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete implements scheduler.ModelClient.
func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	if c.apiKey == "" {
		return Response{}, fmt.Errorf("llmclient: ANTHROPIC_API_KEY not configured")
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	body, err := json.Marshal(messagesRequest{
		Model: req.Model, System: req.System, MaxTokens: maxTokens,
		Messages: []messageContent{{Role: "user", Content: req.Prompt}},
	})
	if err != nil {
		return Response{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, err
	}
	var parsed messagesResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Response{}, fmt.Errorf("llmclient: malformed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := string(raw)
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return Response{}, fmt.Errorf("llmclient: anthropic returned %d: %s", resp.StatusCode, msg)
	}

	var text string
	for _, c := range parsed.Content {
		text += c.Text
	}
	return Response{Text: text, InputTokens: parsed.Usage.InputTokens, OutputTokens: parsed.Usage.OutputTokens}, nil
}

// NullClient returns a fixed, configurable sequence of responses without
// ever touching the network — backs tests and `llm.provider=null` runs so
// the scheduler's quota/backpressure machinery stays fully exercisable.
type NullClient struct {
	// Responder, if set, computes a response for each request. Falls
	// back to Fixed when nil.
	Responder func(req Request) Response
	Fixed     Response
}

// Complete implements scheduler.ModelClient.
func (c *NullClient) Complete(_ context.Context, req Request) (Response, error) {
	if c.Responder != nil {
		return c.Responder(req), nil
	}
	resp := c.Fixed
	if resp.Text == "" {
		resp.Text = `{"action_type":"noop","reasoning":"null model client default response"}`
	}
	if resp.InputTokens == 0 {
		resp.InputTokens = int64(len(req.Prompt) / 4)
	}
	if resp.OutputTokens == 0 {
		resp.OutputTokens = int64(len(resp.Text) / 4)
	}
	return resp, nil
}
