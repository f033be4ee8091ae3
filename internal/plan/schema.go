// Package plan defines the structured plan artifact produced for a task
// and the JSON schema generation backends must satisfy to produce one.
package plan

import (
	"encoding/json"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
)

// SchemaName identifies the plan schema to providers that require one.
const SchemaName = "task_plan"

// schemaJSON is the wire schema. Every object closes additionalProperties
// and lists all properties as required so providers with strict
// structured output accept it unchanged.
const schemaJSON = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["steps", "materials", "tools", "safety_notes", "estimated_cost", "estimated_duration", "escalation_advice", "difficulty"],
  "properties": {
    "steps": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["title", "instructions"],
        "properties": {
          "title": {"type": "string"},
          "instructions": {"type": "string"}
        }
      }
    },
    "materials": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["name", "quantity"],
        "properties": {
          "name": {"type": "string"},
          "quantity": {"type": "string"}
        }
      }
    },
    "tools": {"type": "array", "items": {"type": "string"}},
    "safety_notes": {"type": "array", "items": {"type": "string"}},
    "estimated_cost": {
      "type": "object",
      "additionalProperties": false,
      "required": ["low", "high", "currency"],
      "properties": {
        "low": {"type": "number"},
        "high": {"type": "number"},
        "currency": {"type": "string"}
      }
    },
    "estimated_duration": {"type": "string"},
    "escalation_advice": {"type": "string"},
    "difficulty": {"type": "string", "enum": ["easy", "moderate", "hard", "professional"]}
  }
}`

var (
	schemaOnce sync.Once
	schemaDoc  *openapi3.Schema
	schemaErr  error
)

func loadSchema() {
	schemaOnce.Do(func() {
		schemaDoc = &openapi3.Schema{}
		schemaErr = json.Unmarshal([]byte(schemaJSON), schemaDoc)
	})
}

// Schema returns a fresh copy of the plan schema as a generic map, the
// form backends embed in their requests.
func Schema() map[string]any {
	var out map[string]any
	if err := json.Unmarshal([]byte(schemaJSON), &out); err != nil {
		panic("plan: invalid embedded schema: " + err.Error())
	}
	return out
}
