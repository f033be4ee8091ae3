// Package invoke performs exactly one backend call for a conversation
// cycle and classifies what came back.
package invoke

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/planwright/internal/config"
	"github.com/nugget/planwright/internal/events"
	"github.com/nugget/planwright/internal/httpkit"
	"github.com/nugget/planwright/internal/llm"
	"github.com/nugget/planwright/internal/plan"
	"github.com/nugget/planwright/internal/router"
	"github.com/nugget/planwright/internal/usage"
	"github.com/nugget/planwright/internal/window"
)

// Site names the instruction template and output contract of a call.
type Site string

const (
	SiteTaskChat    Site = "task_chat"
	SiteProjectChat Site = "project_chat"
	SitePlan        Site = "plan"
)

// RequiresSchema reports whether the site demands structured output.
func (s Site) RequiresSchema() bool {
	return s == SitePlan
}

// UsageRecorder persists per-call usage. *usage.Store implements it.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Config holds the invoker's optional collaborators.
type Config struct {
	Usage       UsageRecorder
	Pricing     map[string]config.ModelPricing
	ProviderFor func(model string) string
	Bus         *events.Bus
	Logger      *slog.Logger
	// MaxTokens bounds output length; zero uses the backend default.
	MaxTokens int
}

// Request is one invocation.
type Request struct {
	Context window.Context
	Site    Site
	Tier    router.Tier
	Model   string
	// RequestID correlates the call with the router decision.
	RequestID string
}

// Result is a usable backend reply.
type Result struct {
	Text string
	// Structured holds the validated document for schema sites.
	Structured   map[string]any
	Plan         *plan.Artifact
	Model        string
	InputTokens  int
	OutputTokens int
	Latency      time.Duration
}

// Invoker calls a backend on behalf of the orchestrator.
type Invoker struct {
	backend llm.Backend
	cfg     Config
	logger  *slog.Logger
}

// New creates an invoker over backend.
func New(backend llm.Backend, cfg Config) *Invoker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{backend: backend, cfg: cfg, logger: logger.With("component", "invoke")}
}

// Invoke renders the call site's prompt over req.Context and makes one
// backend call. Failures are *InvocationError or *OutputError; no
// placeholder content is ever returned.
func (inv *Invoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	entity := req.Context.Entity.Ref.String()
	llmReq := &llm.Request{
		Model:     req.Model,
		Messages:  messages(req.Site, req.Context),
		MaxTokens: inv.cfg.MaxTokens,
	}
	if req.Site.RequiresSchema() {
		llmReq.Schema = plan.Schema()
		llmReq.SchemaName = plan.SchemaName
	}

	log := inv.logger.With("request_id", req.RequestID, "call_site", req.Site, "model", req.Model)
	log.Debug("invoking backend",
		"tier", req.Tier,
		"entity", entity,
		"turns", len(req.Context.Turns),
		"fingerprint", req.Context.Fingerprint(),
	)
	inv.cfg.Bus.Emit(events.SourceInvoker, events.KindLLMCall, entity, map[string]any{
		"request_id": req.RequestID,
		"call_site":  string(req.Site),
		"tier":       req.Tier.String(),
		"model":      req.Model,
	})

	start := time.Now()
	resp, err := inv.backend.Complete(ctx, llmReq)
	elapsed := time.Since(start)

	if err != nil {
		kind := Network
		if httpkit.IsTimeout(err) {
			kind = Timeout
		}
		inv.finish(ctx, req, nil, elapsed, false)
		return nil, &InvocationError{Kind: kind, Model: req.Model, Err: err}
	}

	res := &Result{
		Text:         resp.Content,
		Model:        resp.Model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Latency:      elapsed,
	}
	if res.Model == "" {
		res.Model = req.Model
	}

	if outErr := inv.check(req.Site, res); outErr != nil {
		inv.finish(ctx, req, res, elapsed, false)
		return nil, outErr
	}
	inv.finish(ctx, req, res, elapsed, true)
	return res, nil
}

// check classifies the reply and, for schema sites, parses it.
func (inv *Invoker) check(site Site, res *Result) *OutputError {
	if strings.TrimSpace(res.Text) == "" {
		return &OutputError{Kind: Empty, Model: res.Model}
	}
	if !site.RequiresSchema() {
		return nil
	}

	artifact, err := plan.Parse(res.Text)
	if err != nil {
		if errors.Is(err, plan.ErrEmpty) {
			return &OutputError{Kind: Empty, Model: res.Model, Err: err}
		}
		return &OutputError{Kind: SchemaViolation, Model: res.Model, Err: err}
	}
	fields, err := artifact.Fields()
	if err != nil {
		return &OutputError{Kind: SchemaViolation, Model: res.Model, Err: err}
	}
	res.Plan = artifact
	res.Structured = fields
	return nil
}

// finish records usage and publishes the response event. Usage errors
// are logged, never returned.
func (inv *Invoker) finish(ctx context.Context, req Request, res *Result, elapsed time.Duration, ok bool) {
	var in, out int
	model := req.Model
	if res != nil {
		in, out, model = res.InputTokens, res.OutputTokens, res.Model
	}
	cost := usage.ComputeCost(model, in, out, inv.cfg.Pricing)
	entity := req.Context.Entity.Ref.String()

	inv.logger.Info("backend call finished",
		"request_id", req.RequestID,
		"call_site", req.Site,
		"model", model,
		"ok", ok,
		"tokens_in", in,
		"tokens_out", out,
		"cost_usd", cost,
		"elapsed", elapsed.Round(time.Millisecond),
	)
	inv.cfg.Bus.Emit(events.SourceInvoker, events.KindLLMResponse, entity, map[string]any{
		"request_id": req.RequestID,
		"model":      model,
		"tokens_in":  in,
		"tokens_out": out,
		"cost_usd":   cost,
		"elapsed_ms": elapsed.Milliseconds(),
		"ok":         ok,
	})

	if inv.cfg.Usage == nil {
		return
	}
	provider := ""
	if inv.cfg.ProviderFor != nil {
		provider = inv.cfg.ProviderFor(model)
	}
	// Usage is recorded even when the caller has gone away.
	err := inv.cfg.Usage.Record(context.WithoutCancel(ctx), usage.Record{
		RequestID:    req.RequestID,
		Entity:       entity,
		CallSite:     string(req.Site),
		Tier:         req.Tier.String(),
		Model:        model,
		Provider:     provider,
		InputTokens:  in,
		OutputTokens: out,
		CostUSD:      cost,
		Success:      ok,
	})
	if err != nil {
		inv.logger.Warn("failed to record usage", "request_id", req.RequestID, "error", err)
	}
}
