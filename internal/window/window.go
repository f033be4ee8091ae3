// Package window assembles the bounded conversation context sent to a
// generation backend on every cycle.
package window

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/nugget/planwright/internal/store"
)

// MaxSiblings caps how many related entities are embedded in a context.
// Signals still report the true count.
const MaxSiblings = 20

// Signals summarize the full conversation state for tier selection.
type Signals struct {
	// HasMedia is true when a user turn inside the window references media.
	HasMedia bool `json:"has_media"`
	// TurnCount is the length of the full history, not of the window.
	TurnCount int `json:"turn_count"`
	// EntityCount is the number of related entities before capping.
	EntityCount int `json:"entity_count"`
	// TextDepth is the byte length of user text inside the window.
	TextDepth int `json:"text_depth"`
}

// Context is the input to one model invocation. It is rebuilt from
// persisted state on every cycle and never cached.
type Context struct {
	Turns    []store.Turn   `json:"turns"`
	Entity   store.Entity   `json:"entity"`
	Siblings []store.Entity `json:"siblings"`
	Signals  Signals        `json:"signals"`
}

// Build keeps the most recent size turns of history, in order, and
// derives the signals. A non-positive size yields an empty window.
// Build never fails and performs no I/O.
func Build(history []store.Turn, entity store.Entity, siblings []store.Entity, size int) Context {
	size = max(size, 0)
	start := max(len(history)-size, 0)

	turns := make([]store.Turn, len(history)-start)
	copy(turns, history[start:])

	embedded := siblings
	if len(embedded) > MaxSiblings {
		embedded = embedded[:MaxSiblings]
	}
	sibs := make([]store.Entity, len(embedded))
	copy(sibs, embedded)

	sig := Signals{
		TurnCount:   len(history),
		EntityCount: len(siblings),
	}
	for _, t := range turns {
		if t.Role != store.RoleUser {
			continue
		}
		if t.HasMedia() {
			sig.HasMedia = true
		}
		for _, p := range t.Parts {
			sig.TextDepth += len(p.Text)
		}
	}

	return Context{Turns: turns, Entity: entity, Siblings: sibs, Signals: sig}
}

// Fingerprint is a stable hash of the context, logged with each
// invocation so identical inputs can be correlated.
func (c Context) Fingerprint() string {
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
