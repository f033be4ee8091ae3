package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrCycleInFlight is returned when an entity already has a cycle running.
	ErrCycleInFlight = errors.New("orchestrator: cycle already in flight for entity")
	// ErrAbandoned is returned when the caller's context ended before any
	// directive took effect. It wraps the context error.
	ErrAbandoned = errors.New("orchestrator: cycle abandoned")
	// ErrNoPlan is returned when a plan is requested for a project.
	ErrNoPlan = errors.New("orchestrator: plans are generated for tasks only")
)

// PersistenceError is a failed read or write of durable state. It is the
// only failure SubmitUserTurn surfaces besides the sentinels above.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("orchestrator: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistErr(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}
