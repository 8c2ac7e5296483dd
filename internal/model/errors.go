package model

import "errors"

// Error kinds from the error handling taxonomy. Handlers surface one of
// these wrapped in a *KindError. The bus treats an error that unwraps to
// ErrPermanent (errors.Is) as Fatal; every other kind is retried like any
// unclassified error unless the handler wraps it with bus.Fatal.
var (
	// ErrConfigInvalid marks a YAML parse/validation failure. Never crashes
	// the process; surfaced through the registry's errors() snapshot.
	ErrConfigInvalid = errors.New("model: config invalid")
	// ErrDependencyUnavailable marks the broker, cache, or durable store
	// being unreachable.
	ErrDependencyUnavailable = errors.New("model: dependency unavailable")
	// ErrTransient marks a timeout, 5xx, or rate-limit response. Retryable
	// with exponential backoff up to a caller-supplied max_retries.
	ErrTransient = errors.New("model: transient error")
	// ErrPermanent marks a bad descriptor reference, unknown agent, or
	// unsupported provider. Always fatal.
	ErrPermanent = errors.New("model: permanent error")
	// ErrStaleVersion marks an optimistic-concurrency rejection on
	// continuous state.
	ErrStaleVersion = errors.New("model: stale version")
	// ErrTimeout marks a per-step or per-task deadline exceeded.
	ErrTimeout = errors.New("model: timeout")
	// ErrCancelled marks an operator-initiated cancellation.
	ErrCancelled = errors.New("model: cancelled")

	// ErrNotFound is returned by the State Store when a key has no value.
	ErrNotFound = errors.New("model: not found")
)

// KindError wraps an underlying error with one of the taxonomy sentinels
// and preserves the operation that produced it for logging.
type KindError struct {
	Kind error
	Op   string
	Err  error
}

func (e *KindError) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.Error()
	}
	return e.Op + ": " + e.Kind.Error() + ": " + e.Err.Error()
}

func (e *KindError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Transient wraps err as a retryable error for a bus handler outcome.
func Transient(op string, err error) error {
	return &KindError{Kind: ErrTransient, Op: op, Err: err}
}

// Permanent wraps err as a fatal error for a bus handler outcome.
func Permanent(op string, err error) error {
	return &KindError{Kind: ErrPermanent, Op: op, Err: err}
}
