package workflow

import (
	"errors"
	"fmt"
)

// Registration and execution errors.
var (
	ErrDuplicateStage = errors.New("stage already registered")
	ErrUnknownStage   = errors.New("unknown stage")
	ErrNoStages       = errors.New("workflow has no stages")
	ErrRunTimeout     = errors.New("run timed out")
)

// StageError wraps a handler failure with its retry classification.
// Transient errors are retried per the executor's retry policy; fatal errors
// fail the run immediately.
type StageError struct {
	Stage     string
	Err       error
	Retryable bool
}

func (e *StageError) Error() string {
	kind := "fatal"
	if e.Retryable {
		kind = "transient"
	}
	return fmt.Sprintf("stage %s: %s: %v", e.Stage, kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Transient marks an error as retryable. Stage handlers return these for
// timeouts, rate limits, and transport failures from collaborators.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Err: err, Retryable: true}
}

// Fatal marks an error as non-retryable. Malformed input and contract
// violations bypass the retry loop entirely.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Err: err, Retryable: false}
}

// IsTransient reports whether err should be retried. Untagged errors are
// assumed transient: handler failures default to retryable, and handlers
// opt out with Fatal.
func IsTransient(err error) bool {
	var se *StageError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return true
}
