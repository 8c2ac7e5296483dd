package bus

import (
	"errors"

	"github.com/orbitfleet/orchestra/internal/model"
)

// retryableError and fatalError classify a handler's outcome (spec.md
// §4.2's "handler outcome semantics"). A handler that returns nil is
// acknowledged; an error wrapped by Fatal, or one that unwraps to
// model.ErrPermanent, is fatal; any other error is treated as Retryable by
// default (the conservative choice — an unclassified error should not
// silently drop the message).
type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Retryable marks err as recoverable: the bus will negative-ack with
// requeue, apply exponential backoff, and route to the DLQ once
// retry_count reaches max_retries.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// Fatal marks err as unrecoverable: the bus acknowledges the message and
// publishes a synthetic "<scope>.task.failed" event carrying the original
// trace_id and this error.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// classify returns (isFatal, isRetryable) for a handler's returned error.
// Fatal-wrapped errors and errors that unwrap to model.ErrPermanent are
// fatal; any other non-nil error defaults to retryable.
func classify(err error) (fatal, retryable bool) {
	if err == nil {
		return false, false
	}
	var fe *fatalError
	if errors.As(err, &fe) || errors.Is(err, model.ErrPermanent) {
		return true, false
	}
	return false, true
}
