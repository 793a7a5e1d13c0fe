package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Error categories. Transient failures are retried with backoff; permanent
// failures go straight to failed with no retry budget spent on them.
const (
	CategoryTransient = "transient"
	CategoryPermanent = "permanent"
)

// TaskSpec is everything an executor needs to run one task. It is a value
// copy: executors never see or mutate the persisted row.
type TaskSpec struct {
	TaskID   uuid.UUID
	JobID    uuid.UUID
	TaskType string
	Section  string
	Seq      int
	Payload  datatypes.JSON
}

// Executor produces content for a single task. Implementations must honor
// ctx cancellation and return an *Error (or wrap one) so the runner can
// classify the failure.
type Executor interface {
	Execute(ctx context.Context, spec TaskSpec) (datatypes.JSON, error)
}

// Error carries the retry classification across the executor boundary.
type Error struct {
	Category string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s failure", e.Op, e.Category)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func Transient(op string, err error) *Error {
	return &Error{Category: CategoryTransient, Op: op, Err: err}
}

func Permanent(op string, err error) *Error {
	return &Error{Category: CategoryPermanent, Op: op, Err: err}
}

// Classify extracts the category from an execution error. Timeouts and
// cancellations count as transient (the work may succeed on another attempt);
// anything unclassified defaults to transient so a bug in an executor never
// silently burns a task.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	var ee *Error
	if errors.As(err, &ee) {
		if ee.Category == CategoryPermanent {
			return CategoryPermanent
		}
		return CategoryTransient
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return CategoryTransient
	}
	return CategoryTransient
}

// IsPermanent is a convenience for call sites that only branch on the hard
// failure case.
func IsPermanent(err error) bool {
	return Classify(err) == CategoryPermanent
}
