// Package orchestrator runs conversation cycles: it records the user's
// turn, assembles context, invokes a model, applies embedded directives,
// and persists the reply.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/planwright/internal/directive"
	"github.com/nugget/planwright/internal/events"
	"github.com/nugget/planwright/internal/invoke"
	"github.com/nugget/planwright/internal/router"
	"github.com/nugget/planwright/internal/store"
	"github.com/nugget/planwright/internal/window"
)

// Store is the persistence the orchestrator needs.
type Store interface {
	GetLatestEntity(ctx context.Context, ref store.EntityRef) (store.Entity, error)
	ListSiblings(ctx context.Context, ref store.EntityRef) ([]store.Entity, error)
	PatchEntityFields(ctx context.Context, ref store.EntityRef, fields map[string]any) error
	AppendTurn(ctx context.Context, ref store.EntityRef, t store.Turn) error
	ListTurns(ctx context.Context, ref store.EntityRef) ([]store.Turn, error)
}

// Router picks the tier and model for an invocation.
type Router interface {
	Route(ctx context.Context, req router.Request) (router.Tier, *router.Decision)
	RecordOutcome(requestID string, latency time.Duration, tokensUsed int, success bool)
}

// Invoker makes one backend call.
type Invoker interface {
	Invoke(ctx context.Context, req invoke.Request) (*invoke.Result, error)
}

// Config holds optional orchestrator settings.
type Config struct {
	Sites  CallSites
	Bus    *events.Bus
	Logger *slog.Logger
	Now    func() time.Time
}

// PendingSuggestion is a proposed task awaiting the user's decision.
// It is never created automatically.
type PendingSuggestion struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Room  string `json:"room,omitempty"`
}

// Result is the outcome of one cycle.
type Result struct {
	DisplayText     string              `json:"display_text"`
	Suggestions     []PendingSuggestion `json:"pending_suggestions"`
	UserTurnID      string              `json:"user_turn_id"`
	AssistantTurnID string              `json:"assistant_turn_id"`
	Tier            router.Tier         `json:"tier"`
	Fallback        bool                `json:"fallback"`
	// PatchedFields lists fields changed by directives, plan fields included.
	PatchedFields []string `json:"patched_fields,omitempty"`
	PlanUpdated   bool     `json:"plan_updated,omitempty"`
}

// Orchestrator runs cycles. Independent entities run concurrently; one
// entity runs one cycle at a time.
type Orchestrator struct {
	store   Store
	router  Router
	invoker Invoker
	sites   CallSites
	bus     *events.Bus
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	inflight map[store.EntityRef]State
}

// New creates an orchestrator.
func New(st Store, rt Router, inv Invoker, cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		store:    st,
		router:   rt,
		invoker:  inv,
		sites:    cfg.Sites,
		bus:      cfg.Bus,
		logger:   logger.With("component", "orchestrator"),
		now:      now,
		inflight: make(map[store.EntityRef]State),
	}
}

// SubmitOption customizes a SubmitUserTurn call.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	turnID string
}

// WithTurnID supplies the user turn's identifier so a client can
// reconcile an optimistically rendered message.
func WithTurnID(id string) SubmitOption {
	return func(o *submitOptions) { o.turnID = id }
}

// State reports the cycle state of ref. Entities without a running
// cycle are Idle.
func (o *Orchestrator) State(ref store.EntityRef) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inflight[ref]
}

func (o *Orchestrator) acquire(ref store.EntityRef) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[ref]; busy {
		return false
	}
	o.inflight[ref] = Idle
	return true
}

func (o *Orchestrator) release(ref store.EntityRef) {
	o.mu.Lock()
	delete(o.inflight, ref)
	o.mu.Unlock()
}

func (o *Orchestrator) transition(ref store.EntityRef, turnID string, s State) {
	o.mu.Lock()
	o.inflight[ref] = s
	o.mu.Unlock()
	o.logger.Debug("cycle state", "entity", ref.String(), "user_turn_id", turnID, "state", s.String())
	o.bus.Emit(events.SourceOrchestrator, events.KindCycleState, ref.String(), map[string]any{
		"user_turn_id": turnID,
		"state":        s.String(),
	})
}

// SubmitUserTurn records a user message on ref and produces the reply.
//
// A failed or unusable model call yields one persisted fallback turn and
// Result.Fallback; it is not an error. If ctx ends before directives
// take effect the cycle is abandoned: nothing beyond the user turn is
// written and ErrAbandoned is returned. Store failures are returned as
// *PersistenceError.
func (o *Orchestrator) SubmitUserTurn(ctx context.Context, ref store.EntityRef, parts []store.Part, opts ...SubmitOption) (*Result, error) {
	var so submitOptions
	for _, opt := range opts {
		opt(&so)
	}

	if !o.acquire(ref) {
		return nil, fmt.Errorf("%w: %s", ErrCycleInFlight, ref)
	}
	defer o.release(ref)

	started := o.now()
	site := o.sites.chatSite(ref.Kind)
	log := o.logger.With("entity", ref.String(), "call_site", site.Site)

	if _, err := o.store.GetLatestEntity(ctx, ref); err != nil {
		if ctx.Err() != nil {
			return nil, o.abandon(ctx, ref, so.turnID)
		}
		return nil, persistErr("load entity", err)
	}

	userTurn := store.Turn{
		ID:        so.turnID,
		Role:      store.RoleUser,
		Parts:     parts,
		CreatedAt: o.now().UTC(),
	}
	if userTurn.ID == "" {
		userTurn.ID = newID()
	}
	if err := o.store.AppendTurn(ctx, ref, userTurn); err != nil {
		if ctx.Err() != nil {
			return nil, o.abandon(ctx, ref, userTurn.ID)
		}
		return nil, persistErr("append user turn", err)
	}
	res := &Result{UserTurnID: userTurn.ID, Suggestions: []PendingSuggestion{}}
	log = log.With("user_turn_id", userTurn.ID)

	wctx, err := o.buildContext(ctx, ref, site.Window)
	if err != nil {
		if ctx.Err() != nil {
			return nil, o.abandon(ctx, ref, userTurn.ID)
		}
		return nil, err
	}
	o.transition(ref, userTurn.ID, ContextBuilt)
	if ctx.Err() != nil {
		return nil, o.abandon(ctx, ref, userTurn.ID)
	}

	tier, decision := o.router.Route(ctx, router.Request{
		Signals:        wctx.Signals,
		RequiresSchema: site.Site.RequiresSchema(),
		CallSite:       string(site.Site),
		Entity:         ref.String(),
	})
	res.Tier = tier

	out, invErr := o.invoker.Invoke(ctx, invoke.Request{
		Context:   wctx,
		Site:      site.Site,
		Tier:      tier,
		Model:     decision.ModelSelected,
		RequestID: decision.RequestID,
	})
	o.recordOutcome(decision, out, invErr)
	if ctx.Err() != nil {
		return nil, o.abandon(ctx, ref, userTurn.ID)
	}
	if invErr != nil {
		return o.fallback(ctx, ref, res, invErr, started)
	}
	o.transition(ref, userTurn.ID, ModelInvoked)

	parsed := directive.Parse(out.Text)
	for _, d := range parsed.Dropped {
		o.logDropped(log, ref, d)
	}
	o.transition(ref, userTurn.ID, ResponseParsed)

	note, err := o.applyDirectives(ctx, log, ref, site, parsed.Directives, res)
	if err != nil {
		return nil, err
	}
	display := parsed.DisplayText
	if note != "" {
		if display != "" {
			display += "\n\n"
		}
		display += note
	}
	res.DisplayText = display
	o.transition(ref, userTurn.ID, DirectivesApplied)

	// Directives have taken effect; the reply is written even if the
	// caller has gone away.
	pctx := context.WithoutCancel(ctx)
	assistant := store.Turn{
		ID:        newID(),
		Role:      store.RoleAssistant,
		Parts:     []store.Part{{Text: display}},
		CreatedAt: o.now().UTC(),
	}
	if err := o.store.AppendTurn(pctx, ref, assistant); err != nil {
		return nil, persistErr("append assistant turn", err)
	}
	res.AssistantTurnID = assistant.ID
	o.transition(ref, userTurn.ID, Persisted)
	o.complete(ref, res, started)
	return res, nil
}

// buildContext loads current state and windows it. Any store error is a
// PersistenceError.
func (o *Orchestrator) buildContext(ctx context.Context, ref store.EntityRef, size int) (window.Context, error) {
	entity, err := o.store.GetLatestEntity(ctx, ref)
	if err != nil {
		return window.Context{}, persistErr("load entity", err)
	}
	siblings, err := o.store.ListSiblings(ctx, ref)
	if err != nil {
		return window.Context{}, persistErr("load siblings", err)
	}
	history, err := o.store.ListTurns(ctx, ref)
	if err != nil {
		return window.Context{}, persistErr("load history", err)
	}
	return window.Build(history, entity, siblings, size), nil
}

func (o *Orchestrator) recordOutcome(d *router.Decision, out *invoke.Result, err error) {
	var latency time.Duration
	var tokens int
	if out != nil {
		latency = out.Latency
		tokens = out.InputTokens + out.OutputTokens
	}
	o.router.RecordOutcome(d.RequestID, latency, tokens, err == nil)
}

func (o *Orchestrator) abandon(ctx context.Context, ref store.EntityRef, turnID string) error {
	o.logger.Info("cycle abandoned", "entity", ref.String(), "user_turn_id", turnID, "cause", ctx.Err())
	o.bus.Emit(events.SourceOrchestrator, events.KindCycleAbandoned, ref.String(), map[string]any{
		"user_turn_id": turnID,
	})
	return fmt.Errorf("%w: %w", ErrAbandoned, ctx.Err())
}

func (o *Orchestrator) complete(ref store.EntityRef, res *Result, started time.Time) {
	elapsed := o.now().Sub(started)
	o.logger.Info("cycle complete",
		"entity", ref.String(),
		"user_turn_id", res.UserTurnID,
		"assistant_turn_id", res.AssistantTurnID,
		"tier", res.Tier.String(),
		"fallback", res.Fallback,
		"suggestions", len(res.Suggestions),
		"patched", len(res.PatchedFields),
		"elapsed", elapsed.Round(time.Millisecond),
	)
	o.bus.Emit(events.SourceOrchestrator, events.KindCycleComplete, ref.String(), map[string]any{
		"user_turn_id":      res.UserTurnID,
		"assistant_turn_id": res.AssistantTurnID,
		"tier":              res.Tier.String(),
		"fallback":          res.Fallback,
		"elapsed_ms":        elapsed.Milliseconds(),
	})
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
