// SPDX-License-Identifier: Apache-2.0

// Package errs defines the error taxonomy shared across the remediation
// subsystem. Request-shape errors (validation, not-found) are surfaced to the
// caller directly; execution-domain errors are legitimate outcomes of a
// remediation attempt and are recorded on the action instead.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions that carry no extra context.
var (
	// ErrConnectionNotFound indicates no connection is registered for a server.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrNotFound indicates an unknown action, workflow, or step.
	ErrNotFound = errors.New("not found")

	// ErrConcurrencyConflict indicates a check-and-set transition lost to a
	// concurrent caller. Not an error to the caller: the loser observes the
	// state the winner produced.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrExecutionTimeout indicates a command exceeded its deadline and the
	// underlying process was terminated.
	ErrExecutionTimeout = errors.New("execution timeout")
)

// ValidationError indicates a malformed request.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s", e.Msg)
}

// NewValidation creates a ValidationError with a formatted message
func NewValidation(format string, args ...interface{}) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ParameterMissingError indicates a command template placeholder had no
// matching parameter. No process is spawned when this occurs.
type ParameterMissingError struct {
	Name string
}

func (e *ParameterMissingError) Error() string {
	return fmt.Sprintf("missing parameter: %s", e.Name)
}

// SafetyCheckError indicates a named safety check predicate failed or could
// not be evaluated. No process is spawned when this occurs.
type SafetyCheckError struct {
	Check  string
	Reason string
}

func (e *SafetyCheckError) Error() string {
	return fmt.Sprintf("safety check %q failed: %s", e.Check, e.Reason)
}

// NonZeroExitError indicates the command ran to completion with a non-zero
// exit code.
type NonZeroExitError struct {
	ExitCode int
}

func (e *NonZeroExitError) Error() string {
	return fmt.Sprintf("command exited with code %d", e.ExitCode)
}

// TransportError indicates a connection-level failure while dispatching a
// command (dial failure, dropped session, spawn failure).
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is a request-shape validation error
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound reports whether err indicates an unknown entity or connection
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrConnectionNotFound)
}

// IsConcurrencyConflict reports whether err is a lost check-and-set
func IsConcurrencyConflict(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsExecutionFailure reports whether err is an execution-domain outcome:
// something that should be recorded as the action's failed result rather than
// surfaced as an API failure.
func IsExecutionFailure(err error) bool {
	if errors.Is(err, ErrExecutionTimeout) {
		return true
	}
	var (
		pm *ParameterMissingError
		sc *SafetyCheckError
		nz *NonZeroExitError
		te *TransportError
	)
	return errors.As(err, &pm) || errors.As(err, &sc) ||
		errors.As(err, &nz) || errors.As(err, &te)
}
