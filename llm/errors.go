package llm

import "errors"

// Request failures come in two classes: transient ones worth retrying
// (network faults, 5xx, rate limits) and fatal ones that will not
// improve on retry (auth failures, malformed requests).

// TransientError marks a failure as retryable.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string { return e.err.Error() }
func (e *TransientError) Unwrap() error { return e.err }

// NewTransientError wraps err as retryable.
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// FatalError marks a failure as permanent.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string { return e.err.Error() }
func (e *FatalError) Unwrap() error { return e.err }

// NewFatalError wraps err as permanent.
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsFatal reports whether err is permanent.
func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}
