package jobqueue

import (
	"errors"
	"fmt"
	"time"

	"background-job-queue/internal/store"
)

var (
	// ErrJobNotFound is returned when no job exists for an id. It matches store.ErrNotFound.
	ErrJobNotFound = fmt.Errorf("jobqueue: %w", store.ErrNotFound)
	// ErrInvalidState is returned when an operation does not apply to the job's status.
	ErrInvalidState = errors.New("jobqueue: invalid job state")
	// ErrQueueClosed is returned once Stop has been called.
	ErrQueueClosed = errors.New("jobqueue: queue closed")
)

// ValidationError rejects a CreateJob call before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("jobqueue: invalid %s: %s", e.Field, e.Reason)
}

// HandlerNotFoundError means no handler is registered for the job type.
// It counts as an attempt and is never retried.
type HandlerNotFoundError struct {
	Type string
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("jobqueue: handler not found for type %q", e.Type)
}

// HandlerExecutionError wraps an error returned (or a panic raised) by a handler.
type HandlerExecutionError struct {
	Err error
}

func (e *HandlerExecutionError) Error() string {
	return fmt.Sprintf("jobqueue: handler failed: %v", e.Err)
}

func (e *HandlerExecutionError) Unwrap() error { return e.Err }

// HandlerTimeoutError means the handler did not return within the job timeout.
type HandlerTimeoutError struct {
	Timeout time.Duration
}

func (e *HandlerTimeoutError) Error() string {
	return fmt.Sprintf("jobqueue: handler timed out after %s", e.Timeout)
}

// StoreError reports a failure of the persistent store or an index.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("jobqueue: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// retryable reports whether a failed attempt may be retried.
func retryable(err error) bool {
	var notFound *HandlerNotFoundError
	return !errors.As(err, &notFound)
}

func storeErr(op string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrJobNotFound, err)
	}
	return &StoreError{Op: op, Err: err}
}
