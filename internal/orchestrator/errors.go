package orchestrator

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationErrorCode categorizes batch validation failures.
type ValidationErrorCode string

const (
	// ErrCodeCycleDetected indicates the task dependency graph has a cycle.
	ErrCodeCycleDetected ValidationErrorCode = "CYCLE_DETECTED"

	// ErrCodeUnknownDependency indicates a task depends on an id not in the batch.
	ErrCodeUnknownDependency ValidationErrorCode = "UNKNOWN_DEPENDENCY"

	// ErrCodeDuplicateTask indicates two tasks share an id.
	ErrCodeDuplicateTask ValidationErrorCode = "DUPLICATE_TASK"

	// ErrCodeUnknownKind indicates a kind outside the enumerated set, or one
	// with no registered worker.
	ErrCodeUnknownKind ValidationErrorCode = "UNKNOWN_KIND"

	// ErrCodeInvalidPath indicates a read or write path failed validation.
	ErrCodeInvalidPath ValidationErrorCode = "INVALID_PATH"
)

// ValidationError rejects a whole batch before anything runs. It is never
// retried.
type ValidationError struct {
	Code    ValidationErrorCode
	TaskID  string
	Message string
	// Cycle is the offending path for CYCLE_DETECTED, first id repeated last.
	Cycle []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Cycle) > 0 {
		return fmt.Sprintf("%s: %s", e.Code, strings.Join(e.Cycle, " -> "))
	}
	if e.TaskID != "" {
		return fmt.Sprintf("%s: %s (task=%s)", e.Code, e.Message, e.TaskID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsCycleError reports whether err is a CYCLE_DETECTED validation error.
func IsCycleError(err error) bool {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Code == ErrCodeCycleDetected
	}
	return false
}

var (
	// ErrBusy is returned by Run while another batch is running.
	ErrBusy = errors.New("orchestrator: a batch is already running")

	// ErrUnknownTask is returned by Cancel for ids not in the running batch.
	ErrUnknownTask = errors.New("orchestrator: unknown task")

	// ErrNotCancellable is returned by Cancel once a task was dispatched or
	// reached a terminal state.
	ErrNotCancellable = errors.New("orchestrator: task already dispatched or finished")
)
