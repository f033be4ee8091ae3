package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/genai"

	"github.com/nugget/planwright/internal/httpkit"
)

// GeminiClient talks to the Gemini API through the genai SDK.
// Structured requests set a JSON response MIME type and schema.
type GeminiClient struct {
	client *genai.Client
	logger *slog.Logger
}

// NewGeminiClient creates a Gemini API client.
func NewGeminiClient(ctx context.Context, apiKey string, logger *slog.Logger) (*GeminiClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithLogger(logger)),
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiClient{client: client, logger: logger.With("provider", "gemini")}, nil
}

// Complete sends one GenerateContent request.
func (c *GeminiClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	contents, cfg := buildGeminiRequest(req)

	c.logger.Debug("preparing request",
		"model", req.Model,
		"contents", len(contents),
		"structured", req.Structured(),
	)

	resp, err := c.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, c.translate(err)
	}

	out := &Response{
		Model:    req.Model,
		Content:  resp.Text(),
		Duration: time.Since(start),
	}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	c.logger.Debug("response received",
		"model", out.Model,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", out.Content)
	return out, nil
}

// Ping lists one model to verify the key.
func (c *GeminiClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
		return c.translate(err)
	}
	return nil
}

func (c *GeminiClient) translate(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		c.logger.Error("API error", "status", apiErr.Code, "error", apiErr.Message)
		return &StatusError{Provider: "gemini", StatusCode: apiErr.Code, Body: apiErr.Message}
	}
	return fmt.Errorf("request failed: %w", err)
}

func buildGeminiRequest(req *Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	system, rest := splitSystem(req.Messages)

	contents := make([]*genai.Content, 0, len(rest))
	for _, m := range rest {
		role := genai.Role(genai.RoleUser)
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}

	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(maxTokens(req)),
	}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if req.Structured() {
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseJsonSchema = req.Schema
	}
	return contents, cfg
}
