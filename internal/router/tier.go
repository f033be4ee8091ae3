package router

import "github.com/nugget/planwright/internal/window"

// Tier is an inference capability class.
type Tier int

const (
	// TierEconomy is the fast, cheap tier used for ordinary chat.
	TierEconomy Tier = iota
	// TierCapable handles media, long conversations, large projects, and
	// schema-constrained output.
	TierCapable
)

func (t Tier) String() string {
	switch t {
	case TierEconomy:
		return "economy"
	case TierCapable:
		return "capable"
	default:
		return "unknown"
	}
}

// MarshalText renders the tier by name in JSON and logs.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Policy holds the thresholds above which the Capable tier is used.
type Policy struct {
	MaxEntities int
	MaxTurns    int
}

// Rule names reported in decisions.
const (
	RuleMedia    = "has_media"
	RuleEntities = "entity_count"
	RuleTurns    = "turn_count"
	RuleSchema   = "requires_schema"
)

// Select is the tier selection rule. It is pure: the same signals and
// policy always yield the same tier.
func Select(sig window.Signals, p Policy, requiresSchema bool) Tier {
	tier, _ := selectWithRules(sig, p, requiresSchema)
	return tier
}

// selectWithRules also reports which rules forced the Capable tier.
func selectWithRules(sig window.Signals, p Policy, requiresSchema bool) (Tier, []string) {
	var matched []string
	if sig.HasMedia {
		matched = append(matched, RuleMedia)
	}
	if sig.EntityCount > p.MaxEntities {
		matched = append(matched, RuleEntities)
	}
	if sig.TurnCount > p.MaxTurns {
		matched = append(matched, RuleTurns)
	}
	if requiresSchema {
		matched = append(matched, RuleSchema)
	}
	if len(matched) > 0 {
		return TierCapable, matched
	}
	return TierEconomy, nil
}
