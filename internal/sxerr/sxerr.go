// Package sxerr defines the sx error taxonomy: a closed set of kinds that are
// formatted in the fixed, machine-greppable form "sx: <kind>: <detail>" so
// that automation and tests can assert on them.
package sxerr

import "fmt"

// Kind identifies a category of error sx can return.
type Kind string

const (
	// ConfigSchema marks a malformed or unknown-key config/profile file.
	ConfigSchema Kind = "ConfigSchema"
	// UnknownProfile marks a named profile that could not be resolved.
	UnknownProfile Kind = "UnknownProfile"
	// InvalidPath marks a path with an unresolved reference, control bytes,
	// or that is not absolute after expansion.
	InvalidPath Kind = "InvalidPath"
	// HardDenyViolation marks an explicit attempt to allow a hard-denied path.
	HardDenyViolation Kind = "HardDenyViolation"
	// ProfileRejected marks a Seatbelt profile the kernel refused to load.
	ProfileRejected Kind = "ProfileRejected"
	// SpawnFailure marks an inability to locate or launch sandbox-exec or the
	// target command.
	SpawnFailure Kind = "SpawnFailure"
	// Interrupted marks signal-driven termination.
	Interrupted Kind = "Interrupted"
)

// Error is a typed-kind error carrying an optional wrapped cause.
type Error struct {
	Kind   Kind
	Detail string
	Cause  error
}

// New constructs an Error with no wrapped cause.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap constructs an Error wrapping cause.
func Wrap(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, Cause: cause}
}

// Error implements the error interface in the fixed "sx: <kind>: <detail>"
// form.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("sx: %s: %s: %v", e.Kind, e.Detail, e.Cause)
	}

	return fmt.Sprintf("sx: %s: %s", e.Kind, e.Detail)
}

// Unwrap exposes the wrapped cause to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same Kind, so that
// errors.Is(err, sxerr.New(sxerr.InvalidPath, "")) works for kind checks.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return t.Kind == e.Kind
}
