package orchestrator

// State is the position of an entity's conversation cycle.
type State int

const (
	Idle State = iota
	ContextBuilt
	ModelInvoked
	ResponseParsed
	DirectivesApplied
	Persisted
)

var stateNames = [...]string{
	Idle:              "idle",
	ContextBuilt:      "context_built",
	ModelInvoked:      "model_invoked",
	ResponseParsed:    "response_parsed",
	DirectivesApplied: "directives_applied",
	Persisted:         "persisted",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
