package cronjob

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned (wrapped with the id) for unknown job ids.
var ErrNotFound = errors.New("cron job not found")

// ValidationError reports a malformed job definition or patch.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ExecutionError wraps a collaborator failure during a fire. It is recorded
// on the job and in the run log, never returned to the loop.
type ExecutionError struct {
	JobID string
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute job %s: %v", e.JobID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// PersistenceError wraps a backend read or write failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
