package orchestrator

import (
	"slices"

	"github.com/nugget/planwright/internal/config"
	"github.com/nugget/planwright/internal/directive"
	"github.com/nugget/planwright/internal/invoke"
	"github.com/nugget/planwright/internal/store"
)

// CallSite parameterizes a cycle: which template and output contract
// apply, how much history is sent, and which directives take effect.
type CallSite struct {
	Site    invoke.Site
	Window  int
	Permits []directive.Kind
}

// Permitted reports whether directives of kind k take effect here.
func (c CallSite) Permitted(k directive.Kind) bool {
	return slices.Contains(c.Permits, k)
}

// CallSites is the set of call sites the orchestrator serves.
type CallSites struct {
	TaskChat    CallSite
	ProjectChat CallSite
	Plan        CallSite
}

// DefaultCallSites builds the call sites with window sizes from w.
func DefaultCallSites(w config.WindowsConfig) CallSites {
	return CallSites{
		TaskChat: CallSite{
			Site:    invoke.SiteTaskChat,
			Window:  w.TaskChat,
			Permits: []directive.Kind{directive.KindSuggestEntity, directive.KindRegeneratePlan, directive.KindPatchFields},
		},
		ProjectChat: CallSite{
			Site:    invoke.SiteProjectChat,
			Window:  w.ProjectChat,
			Permits: []directive.Kind{directive.KindSuggestEntity, directive.KindPatchFields},
		},
		Plan: CallSite{
			Site:   invoke.SitePlan,
			Window: w.Plan,
		},
	}
}

// chatSite returns the conversational call site for an entity kind.
func (c CallSites) chatSite(kind store.Kind) CallSite {
	if kind == store.KindProject {
		return c.ProjectChat
	}
	return c.TaskChat
}
