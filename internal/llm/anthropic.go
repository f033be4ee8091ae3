package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/planwright/internal/httpkit"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
	anthropicPingModel  = "claude-3-5-haiku-latest"
)

// AnthropicClient is a client for the Anthropic Messages API.
// Structured requests are served by forcing a single tool call whose
// input schema is the requested schema.
type AnthropicClient struct {
	apiKey     string
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &AnthropicClient{
		apiKey: apiKey,
		url:    anthropicAPIURL,
		logger: logger.With("provider", "anthropic"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0), // ctx carries the deadline
			httpkit.WithTransport(t),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		),
	}
}

type anthropicRequest struct {
	Model      string               `json:"model"`
	Messages   []anthropicMessage   `json:"messages"`
	System     string               `json:"system,omitempty"`
	MaxTokens  int                  `json:"max_tokens"`
	Tools      []anthropicTool      `json:"tools,omitempty"`
	ToolChoice *anthropicToolChoice `json:"tool_choice,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type anthropicContent struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type anthropicResponse struct {
	Model      string             `json:"model"`
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Complete sends a non-streaming Messages API request.
func (c *AnthropicClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	body := buildAnthropicRequest(req)

	c.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(body.Messages),
		"structured", req.Structured(),
		"system_len", len(body.System),
	)

	var resp anthropicResponse
	if err := c.post(ctx, body, &resp); err != nil {
		return nil, err
	}

	out := &Response{
		Model:        resp.Model,
		Content:      anthropicContentFor(req, &resp),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		Duration:     time.Since(start),
	}
	c.logger.Debug("response received",
		"model", out.Model,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"stop_reason", resp.StopReason,
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", out.Content)
	return out, nil
}

// Ping sends a one-token request to verify the API key.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	body := anthropicRequest{
		Model:     anthropicPingModel,
		Messages:  []anthropicMessage{{Role: RoleUser, Content: "ping"}},
		MaxTokens: 1,
	}
	var resp anthropicResponse
	return c.post(ctx, body, &resp)
}

func (c *AnthropicClient) post(ctx context.Context, body anthropicRequest, out *anthropicResponse) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return &StatusError{Provider: "anthropic", StatusCode: resp.StatusCode, Body: errBody}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// buildAnthropicRequest converts a Request to the Messages API shape.
// System messages move to the top-level system field.
func buildAnthropicRequest(req *Request) anthropicRequest {
	system, rest := splitSystem(req.Messages)
	msgs := make([]anthropicMessage, 0, len(rest))
	for _, m := range rest {
		msgs = append(msgs, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	out := anthropicRequest{
		Model:     req.Model,
		Messages:  msgs,
		System:    system,
		MaxTokens: maxTokens(req),
	}
	if req.Structured() {
		name := req.SchemaName
		if name == "" {
			name = "structured_output"
		}
		out.Tools = []anthropicTool{{
			Name:        name,
			Description: "Record the response in the required structure.",
			InputSchema: req.Schema,
		}}
		out.ToolChoice = &anthropicToolChoice{Type: "tool", Name: name}
	}
	return out
}

// anthropicContentFor extracts text, or for structured requests the
// forced tool call input.
func anthropicContentFor(req *Request, resp *anthropicResponse) string {
	if req.Structured() {
		for _, block := range resp.Content {
			if block.Type == "tool_use" {
				return string(block.Input)
			}
		}
		return ""
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text
}
