// Package store persists conversation turns and the task and project
// entities they discuss.
//
// Turns are append-only and ordered by insertion. Entities carry a free
// map of recognized fields and a version that increases on every write,
// so concurrent editors can detect lost updates.
package store

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Sentinel errors.
var (
	ErrNotFound      = errors.New("store: not found")
	ErrDuplicateTurn = errors.New("store: duplicate turn id")
	ErrUnknownField  = errors.New("store: unrecognized field")
	ErrInvalidEntity = errors.New("store: invalid entity")
)

// Kind distinguishes tasks from projects.
type Kind string

const (
	KindTask    Kind = "task"
	KindProject Kind = "project"
)

// ParseKind validates a kind string.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindTask, KindProject:
		return Kind(s), nil
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidEntity, s)
}

// EntityRef names one task or project.
type EntityRef struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

func (r EntityRef) String() string {
	return string(r.Kind) + "/" + r.ID
}

// Role is the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Part is one piece of turn content: text or an opaque media reference.
type Part struct {
	Text  string `json:"text,omitempty"`
	Media string `json:"media,omitempty"`
}

// Turn is one immutable conversation message.
type Turn struct {
	ID        string    `json:"id"`
	Ref       EntityRef `json:"ref"`
	Role      Role      `json:"role"`
	Parts     []Part    `json:"parts"`
	Fallback  bool      `json:"fallback,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Text joins the text parts of the turn.
func (t Turn) Text() string {
	var texts []string
	for _, p := range t.Parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// HasMedia reports whether any part references media.
func (t Turn) HasMedia() bool {
	return slices.ContainsFunc(t.Parts, func(p Part) bool { return p.Media != "" })
}

// Entity is the latest persisted state of a task or project.
type Entity struct {
	Ref       EntityRef      `json:"ref"`
	ProjectID string         `json:"project_id,omitempty"`
	Fields    map[string]any `json:"fields"`
	Version   int64          `json:"version"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Title returns the title field, or "" if unset.
func (e Entity) Title() string {
	s, _ := e.Fields["title"].(string)
	return s
}

var recognized = map[Kind][]string{
	KindTask: {
		"title", "description", "room", "status", "priority", "difficulty",
		"due_date", "notes", "steps", "materials", "tools", "safety_notes",
		"estimated_cost", "estimated_duration", "escalation_advice",
	},
	KindProject: {
		"title", "description", "room", "status", "budget", "target_date", "notes",
	},
}

// RecognizedFields returns the fields an entity of kind may carry.
func RecognizedFields(kind Kind) []string {
	return slices.Clone(recognized[kind])
}

// IsRecognized reports whether field is valid for kind.
func IsRecognized(kind Kind, field string) bool {
	return slices.Contains(recognized[kind], field)
}

// FieldShape is the value form a directive may write to a field.
type FieldShape int

const (
	// ShapeScalar fields hold a string, number or boolean.
	ShapeScalar FieldShape = iota
	// ShapeStringList fields hold a list of strings.
	ShapeStringList
	// ShapePlan fields hold structured plan output and are only written
	// by plan generation.
	ShapePlan
)

var fieldShapes = map[string]FieldShape{
	"tools":          ShapeStringList,
	"safety_notes":   ShapeStringList,
	"steps":          ShapePlan,
	"materials":      ShapePlan,
	"estimated_cost": ShapePlan,
}

// ShapeOf returns the value form of a recognized field.
func ShapeOf(field string) FieldShape {
	return fieldShapes[field]
}

// PatchableFields returns the fields of kind a conversational update may
// write, with list fields marked, in the form shown to the model.
func PatchableFields(kind Kind) []string {
	var out []string
	for _, f := range recognized[kind] {
		switch ShapeOf(f) {
		case ShapePlan:
		case ShapeStringList:
			out = append(out, f+" (list of strings)")
		default:
			out = append(out, f)
		}
	}
	return out
}

// checkFields rejects any field outside the recognized set for kind.
func checkFields(kind Kind, fields map[string]any) error {
	for k := range fields {
		if !IsRecognized(kind, k) {
			return fmt.Errorf("%w: %s.%s", ErrUnknownField, kind, k)
		}
	}
	return nil
}

func validateEntity(e Entity) error {
	if _, err := ParseKind(string(e.Ref.Kind)); err != nil {
		return err
	}
	if e.Ref.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEntity)
	}
	if e.Ref.Kind == KindProject && e.ProjectID != "" {
		return fmt.Errorf("%w: projects cannot belong to a project", ErrInvalidEntity)
	}
	return checkFields(e.Ref.Kind, e.Fields)
}

func validateTurn(ref EntityRef, t Turn) error {
	if t.ID == "" {
		return fmt.Errorf("store: turn for %s has no id", ref)
	}
	if t.Role != RoleUser && t.Role != RoleAssistant {
		return fmt.Errorf("store: turn %s has invalid role %q", t.ID, t.Role)
	}
	return nil
}

// merge returns base with patch applied, without modifying either.
func merge(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}
