// Package errors provides centralized error definitions and error handling
// utilities for the phoebed codebase. It defines domain-specific errors,
// semantic error types, error constructors with context wrapping, and error
// classification helpers.
//
// # Error Types
//
// The package provides two categories of errors:
//
// Sentinel errors represent the orchestrator's failure taxonomy:
//   - ErrPoolExhausted: no free ports remain in the configured range
//   - ErrWorkerStartTimeout: a worker failed its readiness handshake in time
//   - ErrWorkerCommandTimeout: a proxied command did not complete in time
//   - ErrQuotaExceeded: an owner hit the per-owner concurrent session limit
//   - ErrSessionNotFound: no session with the given ID exists
//   - ErrOwnershipMismatch: a caller operated on a session it does not own
//   - ErrWorkerCrashed: a worker process died unexpectedly
//
// Typed errors carry context for a specific subsystem:
//   - SessionError: errors related to session lifecycle management
//   - WorkerError: errors related to worker process supervision
//
// # Usage
//
// Creating errors:
//
//	err := errors.NewSessionError("start rejected", errors.ErrQuotaExceeded).WithOwner(owner)
//	err := errors.NewWorkerError("readiness probe failed", errors.ErrWorkerStartTimeout).WithPort(port)
//
// Checking errors:
//
//	if errors.Is(err, errors.ErrPoolExhausted) { ... }
//
//	var workerErr *errors.WorkerError
//	if errors.As(err, &workerErr) { ... }
//
//	if errors.IsRetryable(err) { ... }
package errors

import (
	"errors"
	"fmt"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo Severity = iota
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Pool-related sentinel errors
var (
	// ErrPoolExhausted indicates that no free ports remain in the pool.
	ErrPoolExhausted = New("port pool exhausted")
	// ErrPortOutOfRange indicates a port outside the configured pool range.
	ErrPortOutOfRange = New("port outside pool range")
)

// Session-related sentinel errors
var (
	// ErrSessionNotFound indicates that a session could not be found.
	ErrSessionNotFound = New("session not found")
	// ErrOwnershipMismatch indicates an operation by a non-owning caller.
	ErrOwnershipMismatch = New("session owned by another caller")
	// ErrQuotaExceeded indicates the per-owner session quota was reached.
	ErrQuotaExceeded = New("session quota exceeded")
	// ErrSessionNotActive indicates that a session is not in the active state.
	ErrSessionNotActive = New("session is not active")
	// ErrInvalidTransition indicates a disallowed lifecycle state change.
	ErrInvalidTransition = New("invalid session state transition")
)

// Worker-related sentinel errors
var (
	// ErrWorkerStartTimeout indicates a worker failed its readiness handshake.
	ErrWorkerStartTimeout = New("worker failed to become ready")
	// ErrWorkerCommandTimeout indicates a proxied command timed out.
	ErrWorkerCommandTimeout = New("worker command timed out")
	// ErrWorkerCrashed indicates a worker process died unexpectedly.
	ErrWorkerCrashed = New("worker process crashed")
	// ErrWorkerSpawnFailed indicates the worker process could not be launched.
	ErrWorkerSpawnFailed = New("worker process failed to spawn")
)

// General sentinel errors
var (
	// ErrShuttingDown indicates the orchestrator is shutting down.
	ErrShuttingDown = New("orchestrator shutting down")
)

// -----------------------------------------------------------------------------
// Typed Errors
// -----------------------------------------------------------------------------

// SessionError represents an error related to session lifecycle management.
// It wraps an underlying error and carries the session and owner identifiers
// involved, when known.
type SessionError struct {
	msg       string
	err       error
	SessionID string
	Owner     string
}

// NewSessionError creates a new SessionError wrapping the given error.
func NewSessionError(msg string, err error) *SessionError {
	return &SessionError{msg: msg, err: err}
}

// WithSession attaches a session ID to the error.
func (e *SessionError) WithSession(id string) *SessionError {
	e.SessionID = id
	return e
}

// WithOwner attaches an owner identity to the error.
func (e *SessionError) WithOwner(owner string) *SessionError {
	e.Owner = owner
	return e
}

// Error returns the error message including any attached context.
func (e *SessionError) Error() string {
	msg := e.msg
	if e.SessionID != "" {
		msg = fmt.Sprintf("%s (session %s)", msg, e.SessionID)
	}
	if e.err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *SessionError) Unwrap() error { return e.err }

// Severity returns the severity level of this error.
func (e *SessionError) Severity() Severity {
	switch {
	case Is(e.err, ErrSessionNotFound), Is(e.err, ErrQuotaExceeded):
		return SeverityInfo
	case Is(e.err, ErrOwnershipMismatch):
		return SeverityWarning
	default:
		return SeverityError
	}
}

// WorkerError represents an error related to worker process supervision.
type WorkerError struct {
	msg  string
	err  error
	Port int
	PID  int
}

// NewWorkerError creates a new WorkerError wrapping the given error.
func NewWorkerError(msg string, err error) *WorkerError {
	return &WorkerError{msg: msg, err: err}
}

// WithPort attaches the worker's port to the error.
func (e *WorkerError) WithPort(port int) *WorkerError {
	e.Port = port
	return e
}

// WithPID attaches the worker's process ID to the error.
func (e *WorkerError) WithPID(pid int) *WorkerError {
	e.PID = pid
	return e
}

// Error returns the error message including any attached context.
func (e *WorkerError) Error() string {
	msg := e.msg
	if e.Port != 0 {
		msg = fmt.Sprintf("%s (port %d)", msg, e.Port)
	}
	if e.err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *WorkerError) Unwrap() error { return e.err }

// Severity returns the severity level of this error.
func (e *WorkerError) Severity() Severity {
	if Is(e.err, ErrWorkerCrashed) {
		return SeverityCritical
	}
	return SeverityError
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable reports whether the error represents a transient condition that
// may succeed if the operation is attempted again.
func IsRetryable(err error) bool {
	return Is(err, ErrPoolExhausted) ||
		Is(err, ErrWorkerCommandTimeout) ||
		Is(err, ErrWorkerStartTimeout)
}

// IsUserFacing reports whether the error is safe and meaningful to return to
// an external caller, as opposed to an internal fault.
func IsUserFacing(err error) bool {
	return Is(err, ErrPoolExhausted) ||
		Is(err, ErrQuotaExceeded) ||
		Is(err, ErrSessionNotFound) ||
		Is(err, ErrOwnershipMismatch) ||
		Is(err, ErrSessionNotActive) ||
		Is(err, ErrWorkerCommandTimeout)
}

// SeverityOf returns the severity of an error, defaulting to SeverityError
// for errors that don't carry their own severity.
func SeverityOf(err error) Severity {
	var se *SessionError
	if As(err, &se) {
		return se.Severity()
	}
	var we *WorkerError
	if As(err, &we) {
		return we.Severity()
	}
	if Is(err, ErrWorkerCrashed) {
		return SeverityCritical
	}
	return SeverityError
}
