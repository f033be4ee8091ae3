package llm

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat message sent to a backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single completion request. When Schema is set the
// backend must constrain its output to a JSON document matching it.
type Request struct {
	Model      string
	Messages   []Message
	Schema     map[string]any
	SchemaName string
	MaxTokens  int
}

// Structured reports whether the request asks for schema-constrained output.
func (r *Request) Structured() bool {
	return len(r.Schema) > 0
}

// Response is the provider-neutral completion result. For structured
// requests Content holds the JSON document.
type Response struct {
	Model        string
	Content      string
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
}

// ErrRateLimited is returned when an outbound call is refused by the
// local limiter or the provider answers 429.
var ErrRateLimited = errors.New("rate limited")

// StatusError is a non-2xx response from a provider.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Is lets errors.Is match 429 responses against ErrRateLimited.
func (e *StatusError) Is(target error) bool {
	return target == ErrRateLimited && e.StatusCode == 429
}

const defaultMaxTokens = 4096

func maxTokens(req *Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return defaultMaxTokens
}

// splitSystem separates system messages from the conversation.
func splitSystem(messages []Message) (string, []Message) {
	var system string
	var rest []Message
	for _, m := range messages {
		if m.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}
