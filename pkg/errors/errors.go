// Package errors defines the classified error taxonomy of the messaging
// substrate. Every error that crosses a component boundary carries a class
// that determines how it propagates: retried locally, surfaced as a failed
// response, or routed to the dead-letter stream.
package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// Class represents the classification of an error
type Class int

const (
	// ClassUnknown indicates an unclassified error
	ClassUnknown Class = iota
	// ClassUnavailable indicates Redis or the network is unreachable; retryable
	ClassUnavailable
	// ClassTimeout indicates a deadline expired; the operation may still
	// complete server-side
	ClassTimeout
	// ClassPoison indicates an undecodable message; never retried
	ClassPoison
	// ClassHandler indicates a failure raised by the service handler
	ClassHandler
	// ClassPolicy indicates a tier limit rejection; terminal immediately
	ClassPolicy
	// ClassCorruption indicates stored state that cannot be decoded
	ClassCorruption
	// ClassValidation indicates malformed input at an API boundary
	ClassValidation
)

// String returns the wire name of the class, used as the error type in
// responses handed to edge services.
func (c Class) String() string {
	switch c {
	case ClassUnavailable:
		return "Unavailable"
	case ClassTimeout:
		return "Timeout"
	case ClassPoison:
		return "Poison"
	case ClassHandler:
		return "HandlerError"
	case ClassPolicy:
		return "TierLimitExceeded"
	case ClassCorruption:
		return "DataCorruption"
	case ClassValidation:
		return "ValidationError"
	default:
		return "Unknown"
	}
}

// Error is a classified error with an edge-safe code and message
type Error struct {
	Code          string      `json:"code"`
	Message       string      `json:"message"`
	Class         Class       `json:"class"`
	Details       interface{} `json:"details,omitempty"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`

	cause error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.CorrelationID != "" {
		return fmt.Sprintf("[%s] %s: %s (correlation_id: %s)", e.Code, e.Class, e.Message, e.CorrelationID)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Class, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.cause
}

// Retryable reports whether local retry with backoff is appropriate
func (e *Error) Retryable() bool {
	return e.Class == ClassUnavailable || e.Class == ClassTimeout
}

// WithDetails attaches structured details to the error
func (e *Error) WithDetails(details interface{}) *Error {
	e.Details = details
	return e
}

// WithCorrelationID ties the error to one request/response pair
func (e *Error) WithCorrelationID(id string) *Error {
	e.CorrelationID = id
	return e
}

// New creates a new classified error
func New(code string, message string, class Class) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Class:     class,
		Timestamp: time.Now().UTC(),
	}
}

// Wrap wraps an existing error with classification
func Wrap(err error, code string, class Class) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:      code,
		Message:   err.Error(),
		Class:     class,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

func classOf(err error) (Class, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Class, true
	}
	return ClassUnknown, false
}

// IsUnavailable reports whether err is a transport failure
func IsUnavailable(err error) bool {
	c, ok := classOf(err)
	return ok && c == ClassUnavailable
}

// IsTimeout reports whether err is a deadline expiry
func IsTimeout(err error) bool {
	c, ok := classOf(err)
	return ok && c == ClassTimeout
}

// IsPoison reports whether err marks an undecodable message
func IsPoison(err error) bool {
	c, ok := classOf(err)
	return ok && c == ClassPoison
}

// IsPolicy reports whether err is a tier limit rejection
func IsPolicy(err error) bool {
	c, ok := classOf(err)
	return ok && c == ClassPolicy
}

// IsCorruption reports whether err marks unparseable stored state
func IsCorruption(err error) bool {
	c, ok := classOf(err)
	return ok && c == ClassCorruption
}

// IsValidation reports whether err is an input validation failure
func IsValidation(err error) bool {
	c, ok := classOf(err)
	return ok && c == ClassValidation
}

// AsError extracts the classified error from err, synthesizing a
// ClassHandler wrapper when err carries no classification. Used where an
// arbitrary handler error must become a structured reply.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return Wrap(err, "HANDLER_FAILED", ClassHandler)
}
