package ir

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes capsule errors.
type ErrorKind string

const (
	// KindValidation indicates a malformed table definition or row shape.
	KindValidation ErrorKind = "VALIDATION"

	// KindNotFound indicates a missing row on update/delete.
	KindNotFound ErrorKind = "NOT_FOUND"

	// KindConstraint indicates a unique, foreign-key, NOT NULL or CHECK violation.
	KindConstraint ErrorKind = "CONSTRAINT"

	// KindTimeout indicates a sandbox call exceeded its wall-clock limit.
	KindTimeout ErrorKind = "TIMEOUT"

	// KindResourceExceeded indicates a sandbox instruction or memory limit was hit.
	KindResourceExceeded ErrorKind = "RESOURCE_EXCEEDED"

	// KindSync indicates a network or remote failure during sync. Non-fatal.
	KindSync ErrorKind = "SYNC"

	// KindScript indicates an error raised by guest code.
	KindScript ErrorKind = "SCRIPT"

	// KindPermission indicates a sandbox touched a capability it was not granted.
	KindPermission ErrorKind = "PERMISSION"

	// KindState indicates an illegal lifecycle transition.
	KindState ErrorKind = "STATE"
)

// Error is the structured error type shared by all capsule components.
type Error struct {
	// Kind identifies the error category.
	Kind ErrorKind

	// Op names the operation that failed, e.g. "update users".
	Op string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an Error of the given kind.
func NewError(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps cause as an Error of the given kind.
func WrapError(kind ErrorKind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool { return IsKind(err, KindValidation) }

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

// IsConstraint returns true if err is a constraint violation.
func IsConstraint(err error) bool { return IsKind(err, KindConstraint) }

// IsTimeout returns true if err is a sandbox timeout.
func IsTimeout(err error) bool { return IsKind(err, KindTimeout) }

// IsResourceExceeded returns true if err is a sandbox resource-limit error.
func IsResourceExceeded(err error) bool { return IsKind(err, KindResourceExceeded) }

// IsSync returns true if err is a sync error.
func IsSync(err error) bool { return IsKind(err, KindSync) }

// IsScript returns true if err was raised by guest code.
func IsScript(err error) bool { return IsKind(err, KindScript) }

// IsPermission returns true if err is a sandbox permission error.
func IsPermission(err error) bool { return IsKind(err, KindPermission) }

// IsState returns true if err is an illegal lifecycle transition.
func IsState(err error) bool { return IsKind(err, KindState) }
