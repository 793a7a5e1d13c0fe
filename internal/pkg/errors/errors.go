package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is a generic sentinel for auth failures.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidArgument is a generic sentinel for invalid input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrRetryBudgetExhausted rejects a retry on a task that already spent its budget.
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
)

// TransitionError reports a rejected state transition. The record is left
// untouched; callers surface Current so the client can see who won.
type TransitionError struct {
	Entity  string
	ID      string
	Current string
	Wanted  string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot transition from %q to %q", e.Entity, e.ID, e.Current, e.Wanted)
}

func NewTransition(entity, id, current, wanted string) *TransitionError {
	return &TransitionError{Entity: entity, ID: id, Current: current, Wanted: wanted}
}

func IsTransition(err error) bool {
	var te *TransitionError
	return errors.As(err, &te)
}
