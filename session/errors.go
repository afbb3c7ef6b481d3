package session

import "errors"

// Store operation errors.
var (
	// ErrAlreadyExists is returned by Create when the session id is in use.
	ErrAlreadyExists = errors.New("session already exists")

	// ErrNotFound is returned when the session id is unknown.
	ErrNotFound = errors.New("session not found")

	// ErrInvalidTransition is returned when a mutation would violate a
	// state invariant (single writer, decision exclusivity, or
	// dependency-before-use).
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrFrozen is returned when a mutation targets a terminal session.
	// Rewind and Reopen are the only ways past a terminal status.
	ErrFrozen = errors.New("session is frozen")

	// ErrNotRewindable is returned by Rewind on a session that is
	// awaiting user input.
	ErrNotRewindable = errors.New("session is not in a rewindable state")

	// ErrStaleDecision is returned when a submitted decision does not
	// match the currently pending decision.
	ErrStaleDecision = errors.New("stale decision")
)

// ErrorKind classifies a session failure by cause.
type ErrorKind string

const (
	ErrKindIntakeInvalid        ErrorKind = "intake_invalid"
	ErrKindClassificationFailed ErrorKind = "classification_failed"
	ErrKindUnmetDependency      ErrorKind = "planning_unmet_dependency"
	ErrKindWorkerTransient      ErrorKind = "worker_transient"
	ErrKindWorkerRecoverable    ErrorKind = "worker_recoverable"
	ErrKindWorkerFatal          ErrorKind = "worker_fatal"
	ErrKindUserTimeout          ErrorKind = "user_timeout"
	ErrKindCancelled            ErrorKind = "cancelled"
	ErrKindInvariantViolation   ErrorKind = "invariant_violation"
)
