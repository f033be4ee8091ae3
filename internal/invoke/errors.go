package invoke

import "fmt"

// InvocationErrorKind classifies a failed backend call.
type InvocationErrorKind int

const (
	// Network covers transport failures, provider errors, and local throttling.
	Network InvocationErrorKind = iota
	// Timeout is a call that exceeded its deadline.
	Timeout
)

func (k InvocationErrorKind) String() string {
	if k == Timeout {
		return "timeout"
	}
	return "network"
}

// InvocationError is a backend call that produced no output. The
// invoker never retries; callers decide.
type InvocationError struct {
	Kind  InvocationErrorKind
	Model string
	Err   error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("invoke %s: %s: %v", e.Model, e.Kind, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// OutputErrorKind classifies unusable backend output.
type OutputErrorKind int

const (
	// Empty is a reply with no usable text.
	Empty OutputErrorKind = iota
	// SchemaViolation is structured output that failed validation.
	SchemaViolation
)

func (k OutputErrorKind) String() string {
	if k == SchemaViolation {
		return "schema_violation"
	}
	return "empty"
}

// OutputError is a backend call that succeeded but returned output the
// call site cannot use.
type OutputError struct {
	Kind  OutputErrorKind
	Model string
	Err   error
}

func (e *OutputError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("invoke %s: %s output", e.Model, e.Kind)
	}
	return fmt.Sprintf("invoke %s: %s output: %v", e.Model, e.Kind, e.Err)
}

func (e *OutputError) Unwrap() error { return e.Err }
