package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/planwright/internal/config"
	"github.com/nugget/planwright/internal/llm"
	"github.com/nugget/planwright/internal/ratelimit"
)

// backendSet is the assembled model backend plus the per-provider
// clients the health watcher probes.
type backendSet struct {
	backend   llm.Backend
	providers map[string]llm.Backend
}

// buildBackend assembles a multi-provider backend from cfg. Ollama is
// always present and serves any model not mapped to another provider.
// Hosted providers are added only when their credentials are set. When
// rate limiting is configured the whole backend is throttled per model;
// db backs the sqlite strategy and may be nil, in which case sqlite
// falls back to an in-process window.
func buildBackend(ctx context.Context, cfg *config.Config, db *sql.DB, logger *slog.Logger) (*backendSet, error) {
	ollama := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	multi := llm.NewMultiClient(ollama)
	multi.AddProvider("ollama", ollama)

	if cfg.Anthropic.APIKey != "" {
		multi.AddProvider("anthropic", llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger))
		logger.Info("anthropic provider configured")
	}
	if cfg.OpenAI.APIKey != "" {
		multi.AddProvider("openai", llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, logger))
		logger.Info("openai provider configured", "base_url", cfg.OpenAI.BaseURL)
	}
	if cfg.Gemini.APIKey != "" {
		g, err := llm.NewGeminiClient(ctx, cfg.Gemini.APIKey, logger)
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		multi.AddProvider("gemini", g)
		logger.Info("gemini provider configured")
	}

	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}

	var backend llm.Backend = &deadlineBackend{next: multi, timeout: cfg.Models.Timeout}

	limiter, err := newLimiter(cfg.RateLimit, db)
	if err != nil {
		return nil, err
	}
	if limiter != nil {
		backend = llm.NewThrottled(backend, limiter, logger)
		logger.Info("backend rate limiting enabled",
			"strategy", cfg.RateLimit.Strategy,
			"limit", cfg.RateLimit.Limit,
			"window", cfg.RateLimit.Window,
		)
	}

	return &backendSet{backend: backend, providers: multi.Providers()}, nil
}

// newLimiter builds the configured limiter, or nil when rate limiting
// is disabled.
func newLimiter(rl config.RateLimitConfig, db *sql.DB) (ratelimit.Limiter, error) {
	switch rl.Strategy {
	case "":
		return nil, nil
	case "memory":
		return ratelimit.NewFixedWindow(rl.Limit, rl.Window, nil)
	case "sqlite":
		if db == nil {
			return ratelimit.NewFixedWindow(rl.Limit, rl.Window, nil)
		}
		return ratelimit.NewSQLiteWindow(db, rl.Limit, rl.Window, nil)
	case "token_bucket":
		return ratelimit.NewTokenBucket(rl.Limit, rl.Window, nil)
	default:
		return nil, fmt.Errorf("unknown rate limit strategy %q", rl.Strategy)
	}
}

// deadlineBackend bounds every completion by the configured model
// timeout. Provider clients rely on the context for their deadline.
type deadlineBackend struct {
	next    llm.Backend
	timeout time.Duration
}

func (d *deadlineBackend) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	return d.next.Complete(ctx, req)
}

func (d *deadlineBackend) Ping(ctx context.Context) error {
	return d.next.Ping(ctx)
}
