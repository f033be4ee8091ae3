package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// Artifact is a complete plan for one task.
type Artifact struct {
	Steps             []Step   `json:"steps"`
	Materials         []Item   `json:"materials"`
	Tools             []string `json:"tools"`
	SafetyNotes       []string `json:"safety_notes"`
	EstimatedCost     Cost     `json:"estimated_cost"`
	EstimatedDuration string   `json:"estimated_duration"`
	EscalationAdvice  string   `json:"escalation_advice"`
	Difficulty        string   `json:"difficulty"`
}

// Step is one ordered instruction.
type Step struct {
	Title        string `json:"title"`
	Instructions string `json:"instructions"`
}

// Item is a material with a free-form quantity ("2 gallons").
type Item struct {
	Name     string `json:"name"`
	Quantity string `json:"quantity"`
}

// Cost is an estimated cost range.
type Cost struct {
	Low      float64 `json:"low"`
	High     float64 `json:"high"`
	Currency string  `json:"currency"`
}

// ErrEmpty is returned for a blank document.
var ErrEmpty = errors.New("plan: empty document")

// ViolationError reports a document that parsed but does not satisfy
// the plan schema.
type ViolationError struct {
	Reason string
}

func (e *ViolationError) Error() string {
	return "plan: schema violation: " + e.Reason
}

// Parse decodes and validates a plan document. It returns ErrEmpty for
// blank input and *ViolationError for anything that is not a valid plan.
func Parse(doc string) (*Artifact, error) {
	if strings.TrimSpace(doc) == "" {
		return nil, ErrEmpty
	}

	var generic map[string]any
	if err := json.Unmarshal([]byte(doc), &generic); err != nil {
		return nil, &ViolationError{Reason: fmt.Sprintf("not a JSON object: %v", err)}
	}
	if err := Validate(generic); err != nil {
		return nil, err
	}

	var a Artifact
	if err := json.Unmarshal([]byte(doc), &a); err != nil {
		return nil, &ViolationError{Reason: err.Error()}
	}
	return &a, nil
}

// Validate checks a decoded document against the plan schema and the
// rules the schema cannot express.
func Validate(doc map[string]any) error {
	loadSchema()
	if schemaErr != nil {
		return fmt.Errorf("plan: load schema: %w", schemaErr)
	}
	if err := schemaDoc.VisitJSON(doc, openapi3.MultiErrors()); err != nil {
		return &ViolationError{Reason: err.Error()}
	}

	steps, _ := doc["steps"].([]any)
	if len(steps) == 0 {
		return &ViolationError{Reason: "steps must not be empty"}
	}
	if cost, ok := doc["estimated_cost"].(map[string]any); ok {
		low, _ := cost["low"].(float64)
		high, _ := cost["high"].(float64)
		if low < 0 || high < low {
			return &ViolationError{Reason: fmt.Sprintf("estimated_cost range %v-%v is invalid", low, high)}
		}
	}
	return nil
}

// Fields returns the artifact as entity fields keyed by task field name,
// with values in their decoded-JSON form.
func (a *Artifact) Fields() (map[string]any, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("plan: encode: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("plan: decode: %w", err)
	}
	return out, nil
}
