package invoke

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nugget/planwright/internal/llm"
	"github.com/nugget/planwright/internal/prompts"
	"github.com/nugget/planwright/internal/store"
	"github.com/nugget/planwright/internal/window"
)

// planNudge closes a plan conversation so the backend always answers a
// user message.
const planNudge = "Write the plan for this task now."

// messages renders the call site's instructions and the windowed turns.
func messages(site Site, ctx window.Context) []llm.Message {
	entity := renderEntity(ctx.Entity)
	fields := strings.Join(store.PatchableFields(ctx.Entity.Ref.Kind), ", ")

	var system string
	switch site {
	case SiteProjectChat:
		system = prompts.ProjectChatPrompt(entity, renderSiblings(ctx.Siblings), fields)
	case SitePlan:
		system = prompts.PlanPrompt(entity)
	default:
		system = prompts.TaskChatPrompt(entity, renderSiblings(ctx.Siblings), fields)
	}

	out := make([]llm.Message, 0, len(ctx.Turns)+2)
	out = append(out, llm.Message{Role: llm.RoleSystem, Content: system})
	for _, t := range ctx.Turns {
		role := llm.RoleUser
		if t.Role == store.RoleAssistant {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: renderTurn(t)})
	}
	if site == SitePlan {
		out = append(out, llm.Message{Role: llm.RoleUser, Content: planNudge})
	}
	return out
}

// renderEntity writes the snapshot as indented JSON with its identity
// folded in. Map keys marshal sorted, so output is stable.
func renderEntity(e store.Entity) string {
	doc := make(map[string]any, len(e.Fields)+2)
	for k, v := range e.Fields {
		doc[k] = v
	}
	doc["id"] = e.Ref.String()
	if e.ProjectID != "" {
		doc["project_id"] = e.ProjectID
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return e.Ref.String()
	}
	return string(data)
}

func renderSiblings(sibs []store.Entity) string {
	var sb strings.Builder
	for _, s := range sibs {
		fmt.Fprintf(&sb, "- %s (%s)", s.Title(), s.Ref)
		if status, ok := s.Fields["status"].(string); ok && status != "" {
			fmt.Fprintf(&sb, " [%s]", status)
		}
		sb.WriteByte('\n')
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

// renderTurn flattens a turn's parts. Media is referenced by handle; the
// backends here are text-only.
func renderTurn(t store.Turn) string {
	var parts []string
	for _, p := range t.Parts {
		if p.Text != "" {
			parts = append(parts, p.Text)
		}
		if p.Media != "" {
			parts = append(parts, fmt.Sprintf("(attached media: %s)", p.Media))
		}
	}
	return strings.Join(parts, "\n")
}
