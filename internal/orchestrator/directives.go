package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/nugget/planwright/internal/directive"
	"github.com/nugget/planwright/internal/events"
	"github.com/nugget/planwright/internal/invoke"
	"github.com/nugget/planwright/internal/plan"
	"github.com/nugget/planwright/internal/prompts"
	"github.com/nugget/planwright/internal/router"
	"github.com/nugget/planwright/internal/store"
)

// applyDirectives gives effect to the parsed directives permitted at
// site. It returns a note to append to the reply, if any. The plan call
// runs before any mutation so a cancellation during it leaves nothing
// applied.
func (o *Orchestrator) applyDirectives(ctx context.Context, log *slog.Logger, ref store.EntityRef, site CallSite, dirs []directive.Directive, res *Result) (string, error) {
	var (
		suggestions []directive.SuggestEntity
		patch       *directive.PatchFields
		wantPlan    bool
	)
	for _, d := range dirs {
		if !site.Permitted(d.Kind()) {
			o.logDropped(log, ref, &directive.Error{
				Kind:   directive.NotPermitted,
				Tag:    d.Kind().Tag(),
				Reason: fmt.Sprintf("not accepted in %s", site.Site),
			})
			continue
		}
		switch d := d.(type) {
		case directive.SuggestEntity:
			suggestions = append(suggestions, d)
		case directive.RegeneratePlan:
			wantPlan = true
		case directive.PatchFields:
			patch = &d
		}
	}

	var (
		planFields map[string]any
		note       string
	)
	if wantPlan {
		fields, _, err := o.runPlan(ctx, ref)
		var pe *PersistenceError
		switch {
		case ctx.Err() != nil:
			return "", o.abandon(ctx, ref, res.UserTurnID)
		case errors.As(err, &pe):
			return "", err
		case err != nil:
			log.Error("plan regeneration failed", "cause_kind", causeKind(err), "error", err)
			note = prompts.PlanFailedResponse
		default:
			planFields = fields
		}
	}
	if ctx.Err() != nil {
		return "", o.abandon(ctx, ref, res.UserTurnID)
	}

	mctx := context.WithoutCancel(ctx)

	// Plan first so fields the user confirmed in the same reply win.
	if planFields != nil {
		if err := o.patch(mctx, ref, planFields, "plan"); err != nil {
			return "", err
		}
		res.PlanUpdated = true
		res.PatchedFields = append(res.PatchedFields, slices.Sorted(maps.Keys(planFields))...)
	}

	if patch != nil {
		fields, err := o.filterPatch(mctx, log, ref, patch.Fields)
		if err != nil {
			return "", err
		}
		if len(fields) > 0 {
			if err := o.patch(mctx, ref, fields, "directive"); err != nil {
				return "", err
			}
			for _, k := range slices.Sorted(maps.Keys(fields)) {
				if !slices.Contains(res.PatchedFields, k) {
					res.PatchedFields = append(res.PatchedFields, k)
				}
			}
		}
	}

	for _, s := range suggestions {
		ps := PendingSuggestion{ID: newID(), Title: s.Title, Room: s.Room}
		res.Suggestions = append(res.Suggestions, ps)
		o.bus.Emit(events.SourceOrchestrator, events.KindSuggestion, ref.String(), map[string]any{
			"suggestion_id": ps.ID,
			"title":         ps.Title,
			"room":          ps.Room,
		})
	}
	return note, nil
}

// filterPatch keeps recognized fields with scalar values, checked
// against the entity as it is now.
func (o *Orchestrator) filterPatch(ctx context.Context, log *slog.Logger, ref store.EntityRef, fields map[string]any) (map[string]any, error) {
	current, err := o.store.GetLatestEntity(ctx, ref)
	if err != nil {
		return nil, persistErr("reload entity", err)
	}

	kept := make(map[string]any, len(fields))
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		v := fields[k]
		switch {
		case !store.IsRecognized(current.Ref.Kind, k):
			o.logDropped(log, ref, &directive.Error{
				Kind:   directive.UnknownField,
				Tag:    directive.TagUpdateTask,
				Reason: fmt.Sprintf("%s has no field %q", current.Ref.Kind, k),
			})
		case store.ShapeOf(k) == store.ShapePlan:
			o.logDropped(log, ref, &directive.Error{
				Kind:   directive.MalformedPayload,
				Tag:    directive.TagUpdateTask,
				Reason: fmt.Sprintf("field %q is set by plan generation only", k),
			})
		case !fitsShape(store.ShapeOf(k), v):
			o.logDropped(log, ref, &directive.Error{
				Kind:   directive.MalformedPayload,
				Tag:    directive.TagUpdateTask,
				Reason: fmt.Sprintf("field %q: value has the wrong shape", k),
			})
		default:
			kept[k] = v
		}
	}
	return kept, nil
}

func fitsShape(shape store.FieldShape, v any) bool {
	if shape == store.ShapeStringList {
		list, ok := v.([]any)
		if !ok {
			return false
		}
		for _, item := range list {
			if _, ok := item.(string); !ok {
				return false
			}
		}
		return true
	}
	return isScalar(v)
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, float64, bool:
		return true
	}
	return false
}

func (o *Orchestrator) patch(ctx context.Context, ref store.EntityRef, fields map[string]any, cause string) error {
	if err := o.store.PatchEntityFields(ctx, ref, fields); err != nil {
		return persistErr("patch "+cause+" fields", err)
	}
	o.bus.Emit(events.SourceOrchestrator, events.KindEntityUpdated, ref.String(), map[string]any{
		"fields": slices.Sorted(maps.Keys(fields)),
		"cause":  cause,
	})
	return nil
}

// runPlan invokes the plan call site over freshly loaded state.
func (o *Orchestrator) runPlan(ctx context.Context, ref store.EntityRef) (map[string]any, *plan.Artifact, error) {
	site := o.sites.Plan
	wctx, err := o.buildContext(ctx, ref, site.Window)
	if err != nil {
		return nil, nil, err
	}
	_, decision := o.router.Route(ctx, router.Request{
		Signals:        wctx.Signals,
		RequiresSchema: true,
		CallSite:       string(site.Site),
		Entity:         ref.String(),
	})
	out, err := o.invoker.Invoke(ctx, invoke.Request{
		Context:   wctx,
		Site:      site.Site,
		Tier:      decision.Tier,
		Model:     decision.ModelSelected,
		RequestID: decision.RequestID,
	})
	o.recordOutcome(decision, out, err)
	if err != nil {
		return nil, nil, err
	}
	return out.Structured, out.Plan, nil
}

// GeneratePlan rebuilds the plan of task ref and stores it on the task.
// Invocation failures are returned as-is; there is no fallback.
func (o *Orchestrator) GeneratePlan(ctx context.Context, ref store.EntityRef) (*plan.Artifact, error) {
	if ref.Kind != store.KindTask {
		return nil, fmt.Errorf("%w: %s", ErrNoPlan, ref)
	}
	if !o.acquire(ref) {
		return nil, fmt.Errorf("%w: %s", ErrCycleInFlight, ref)
	}
	defer o.release(ref)

	fields, artifact, err := o.runPlan(ctx, ref)
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %w", ErrAbandoned, ctx.Err())
	}
	if err != nil {
		o.logger.Error("plan generation failed", "entity", ref.String(), "cause_kind", causeKind(err), "error", err)
		return nil, err
	}
	if err := o.patch(context.WithoutCancel(ctx), ref, fields, "plan"); err != nil {
		return nil, err
	}
	return artifact, nil
}

func (o *Orchestrator) logDropped(log *slog.Logger, ref store.EntityRef, d *directive.Error) {
	log.Warn("directive dropped", "tag", d.Tag, "error_kind", d.Kind.String(), "reason", d.Reason, "offset", d.Offset)
	o.bus.Emit(events.SourceOrchestrator, events.KindDirectiveDropped, ref.String(), map[string]any{
		"tag":        d.Tag,
		"reason":     d.Reason,
		"error_kind": d.Kind.String(),
	})
}
