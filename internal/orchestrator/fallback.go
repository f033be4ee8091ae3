package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/nugget/planwright/internal/invoke"
	"github.com/nugget/planwright/internal/prompts"
	"github.com/nugget/planwright/internal/store"
)

// fallback persists exactly one canned assistant turn for a failed
// invocation. There is no retry: the user can resend.
func (o *Orchestrator) fallback(ctx context.Context, ref store.EntityRef, res *Result, cause error, started time.Time) (*Result, error) {
	o.logger.Error("model invocation failed, sending fallback",
		"entity", ref.String(),
		"user_turn_id", res.UserTurnID,
		"cause_kind", causeKind(cause),
		"error", cause,
	)

	turn := store.Turn{
		ID:        newID(),
		Role:      store.RoleAssistant,
		Parts:     []store.Part{{Text: prompts.FallbackResponse}},
		Fallback:  true,
		CreatedAt: o.now().UTC(),
	}
	if err := o.store.AppendTurn(context.WithoutCancel(ctx), ref, turn); err != nil {
		return nil, persistErr("append fallback turn", err)
	}

	res.DisplayText = prompts.FallbackResponse
	res.AssistantTurnID = turn.ID
	res.Fallback = true
	o.transition(ref, res.UserTurnID, Persisted)
	o.complete(ref, res, started)
	return res, nil
}

// causeKind names the failure class for logs.
func causeKind(err error) string {
	var ie *invoke.InvocationError
	if errors.As(err, &ie) {
		return "invocation_" + ie.Kind.String()
	}
	var oe *invoke.OutputError
	if errors.As(err, &oe) {
		return "output_" + oe.Kind.String()
	}
	return "unknown"
}
