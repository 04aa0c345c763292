package interfaces

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across components. Callers match with errors.Is.
var (
	// ErrInvalidInput marks malformed or missing caller-supplied data. Such
	// errors are returned immediately and are never retried.
	ErrInvalidInput = errors.New("invalid input")

	// ErrSecretUnavailable marks an unreachable secret store or a missing or
	// empty secret. Fatal at startup; retried with backoff for runtime reads.
	ErrSecretUnavailable = errors.New("secret unavailable")

	// ErrNotReady is returned when the signing gateway is asked to sign
	// before startup validation completed.
	ErrNotReady = errors.New("signing gateway not ready")

	// ErrGatewayDegraded is returned when repeated remote signing failures
	// tripped the gateway into its degraded state. Signing short-circuits
	// until the process is restarted.
	ErrGatewayDegraded = errors.New("signing gateway degraded")
)

// InputError reports a malformed or missing attribute. It unwraps to
// ErrInvalidInput so callers can classify it without string matching.
type InputError struct {
	Field string
	Msg   string
}

// NewInputError creates an InputError for the given field.
func NewInputError(field, msg string) *InputError {
	return &InputError{Field: field, Msg: msg}
}

// Error implements the error interface.
func (e *InputError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%v: %s", ErrInvalidInput, e.Msg)
	}
	return fmt.Sprintf("%v: %s: %s", ErrInvalidInput, e.Field, e.Msg)
}

// Unwrap makes errors.Is(err, ErrInvalidInput) true.
func (e *InputError) Unwrap() error {
	return ErrInvalidInput
}

// SigningError reports a failed remote HSM invocation. It is retry-safe:
// no signature was produced and the caller may re-issue the request.
type SigningError struct {
	// Op is the tool operation that failed (e.g. "sign", "slots", "login").
	Op string

	// Slot is the HSM slot involved, if any.
	Slot string

	// Timeout reports whether the subprocess was killed on deadline.
	Timeout bool

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *SigningError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("hsm %s on slot %q timed out: %v", e.Op, e.Slot, e.Err)
	}
	return fmt.Sprintf("hsm %s on slot %q failed: %v", e.Op, e.Slot, e.Err)
}

// Unwrap returns the underlying cause.
func (e *SigningError) Unwrap() error {
	return e.Err
}
