// Package directive extracts embedded commands from generated replies.
//
// A reply may contain bracketed tags, optionally followed by a JSON
// object payload:
//
//	[SUGGEST_TASK]{"title": "Seal grout", "room": "bathroom"}
//	[GENERATE_PLAN]
//	[UPDATE_TASK]{"status": "in_progress"}
//
// Tags are matched exactly and case-sensitively. Every recognized tag is
// removed from the display text whether or not its payload parses, so
// users never see directive syntax.
package directive

import (
	"encoding/json"
	"fmt"
)

// Wire tags.
const (
	TagSuggestTask  = "[SUGGEST_TASK]"
	TagGeneratePlan = "[GENERATE_PLAN]"
	TagUpdateTask   = "[UPDATE_TASK]"
)

// Kind identifies a directive variant.
type Kind int

const (
	KindSuggestEntity Kind = iota
	KindRegeneratePlan
	KindPatchFields
)

func (k Kind) String() string {
	switch k {
	case KindSuggestEntity:
		return "suggest_entity"
	case KindRegeneratePlan:
		return "regenerate_plan"
	case KindPatchFields:
		return "patch_fields"
	default:
		return "unknown"
	}
}

// Tag returns the wire tag for k.
func (k Kind) Tag() string {
	switch k {
	case KindSuggestEntity:
		return TagSuggestTask
	case KindRegeneratePlan:
		return TagGeneratePlan
	case KindPatchFields:
		return TagUpdateTask
	}
	return ""
}

// Directive is one parsed command. The concrete types are
// SuggestEntity, RegeneratePlan and PatchFields.
type Directive interface {
	Kind() Kind
	isDirective()
}

// SuggestEntity proposes a new task. It may appear several times in one reply.
type SuggestEntity struct {
	Title string `json:"title"`
	Room  string `json:"room,omitempty"`
}

// RegeneratePlan asks for the current task's plan to be rebuilt.
type RegeneratePlan struct{}

// PatchFields updates fields on the current entity.
type PatchFields struct {
	Fields map[string]any
}

func (SuggestEntity) Kind() Kind  { return KindSuggestEntity }
func (RegeneratePlan) Kind() Kind { return KindRegeneratePlan }
func (PatchFields) Kind() Kind    { return KindPatchFields }

func (SuggestEntity) isDirective()  {}
func (RegeneratePlan) isDirective() {}
func (PatchFields) isDirective()    {}

// ErrorKind classifies a dropped directive.
type ErrorKind int

const (
	// MalformedPayload covers missing, unbalanced, non-JSON, or invalid payloads.
	MalformedPayload ErrorKind = iota
	// UnknownField is a patch naming a field the entity does not have.
	UnknownField
	// Duplicate is a second occurrence of a singular directive.
	Duplicate
	// NotPermitted is a directive the current call site does not accept.
	NotPermitted
)

func (k ErrorKind) String() string {
	switch k {
	case MalformedPayload:
		return "malformed_payload"
	case UnknownField:
		return "unknown_field"
	case Duplicate:
		return "duplicate"
	case NotPermitted:
		return "not_permitted"
	default:
		return "unknown"
	}
}

// Error describes a directive that was stripped without taking effect.
// These are never surfaced to users.
type Error struct {
	Kind   ErrorKind
	Tag    string
	Offset int // byte offset of the tag in the original reply
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("directive %s at %d: %s: %s", e.Tag, e.Offset, e.Kind, e.Reason)
}

// Format renders a directive in wire form.
func Format(d Directive) string {
	switch d := d.(type) {
	case SuggestEntity:
		payload, _ := json.Marshal(d)
		return TagSuggestTask + string(payload)
	case RegeneratePlan:
		return TagGeneratePlan
	case PatchFields:
		payload, _ := json.Marshal(d.Fields)
		return TagUpdateTask + string(payload)
	}
	return ""
}
