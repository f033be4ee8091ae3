package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/nugget/planwright/internal/httpkit"
)

// OpenAIClient talks to the OpenAI chat completions API or any
// compatible endpoint. Structured requests use strict json_schema
// response formatting.
type OpenAIClient struct {
	client openai.Client
	logger *slog.Logger
}

// NewOpenAIClient creates a client. baseURL may be empty for the
// default OpenAI endpoint.
func NewOpenAIClient(apiKey, baseURL string, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithLogger(logger))),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIClient{
		client: openai.NewClient(opts...),
		logger: logger.With("provider", "openai"),
	}
}

// Complete sends one chat completion request.
func (c *OpenAIClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	params := openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(req.Model),
		Messages:            toOpenAIMessages(req.Messages),
		MaxCompletionTokens: openai.Int(int64(maxTokens(req))),
	}
	if req.Structured() {
		name := req.SchemaName
		if name == "" {
			name = "structured_output"
		}
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   name,
					Schema: req.Schema,
					Strict: openai.Bool(true),
				},
			},
		}
	}

	c.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(req.Messages),
		"structured", req.Structured(),
	)

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, c.translate(err)
	}

	var content string
	if len(completion.Choices) > 0 {
		content = completion.Choices[0].Message.Content
	}
	out := &Response{
		Model:        completion.Model,
		Content:      content,
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
		Duration:     time.Since(start),
	}
	c.logger.Debug("response received",
		"model", out.Model,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", out.Content)
	return out, nil
}

// Ping lists models to verify the key and endpoint.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx); err != nil {
		return c.translate(err)
	}
	return nil
}

// translate maps SDK API errors onto StatusError so callers can
// classify them without importing the SDK.
func (c *OpenAIClient) translate(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		c.logger.Error("API error", "status", apiErr.StatusCode, "error", apiErr.Message)
		return &StatusError{Provider: "openai", StatusCode: apiErr.StatusCode, Body: apiErr.Message}
	}
	return fmt.Errorf("request failed: %w", err)
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
