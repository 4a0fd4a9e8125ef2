// errors.go defines the failure taxonomy shared by capture, spool and upload.

package crashpad

import (
	"errors"
	"fmt"
)

// FailureKind represents a structured failure classification.
type FailureKind string

const (
	// CaptureFailure indicates the stack walk or report assembly failed
	// during a fault. Always swallowed by the capturer.
	CaptureFailure FailureKind = "CAPTURE_FAILURE"

	// PersistenceFailure indicates a disk read or write error. Returned to
	// callers, never retried synchronously.
	PersistenceFailure FailureKind = "PERSISTENCE_FAILURE"

	// TransientDeliveryFailure indicates a network error, timeout, rate
	// limit or 5xx response. Retried on a later run.
	TransientDeliveryFailure FailureKind = "TRANSIENT_DELIVERY_FAILURE"

	// PermanentDeliveryFailure indicates a rejected request or a corrupt
	// spool entry. Discarded and never retried.
	PermanentDeliveryFailure FailureKind = "PERMANENT_DELIVERY_FAILURE"
)

// Error provides structured failure information. It includes a kind for
// programmatic handling, a human-readable message, the underlying cause, and
// optional context for debugging.
type Error struct {
	Kind    FailureKind
	Message string
	Cause   error
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for errors.Is and errors.As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given kind and message.
func NewError(kind FailureKind, message string) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
	}
}

// WrapError wraps an existing error with a kind and message.
func WrapError(kind FailureKind, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Cause:   cause,
	}
}

// WrapErrorWithContext wraps an error with additional context information.
func WrapErrorWithContext(kind FailureKind, message string, cause error, context map[string]any) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Cause:   cause,
		Context: context,
	}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if there
// is none.
func KindOf(err error) FailureKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsTransient reports whether err is a TransientDeliveryFailure.
func IsTransient(err error) bool {
	return KindOf(err) == TransientDeliveryFailure
}
