package core

import (
	"context"
	"errors"
	"fmt"
)

// Error is the error shape shared by every component in the client core.
type Error struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Code       string    `json:"code,omitempty"`
	Underlying error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	// ErrTransient covers network and backend failures that the local
	// state recovers from. Never fatal to a turn.
	ErrTransient ErrorType = "transient_error"
	// ErrLimitReached is the distinguished usage-limit failure. It is the
	// only remote failure that propagates up from a message append.
	ErrLimitReached ErrorType = "limit_reached_error"
	// ErrPermission is a user-actionable denial (microphone access).
	ErrPermission ErrorType = "permission_error"
	// ErrSynthesis is a speech synthesis failure; reported only when the
	// on-device fallback is also unavailable.
	ErrSynthesis ErrorType = "synthesis_error"
	// ErrRecognition is a speech recognition failure other than an abort
	// the capture loop requested itself.
	ErrRecognition ErrorType = "recognition_error"
	// ErrPersistence is a local store failure. Logged, never fatal.
	ErrPersistence ErrorType = "persistence_error"
	// ErrInvalidRequest means the caller handed a component bad input.
	ErrInvalidRequest ErrorType = "invalid_request_error"
)

// NewTransientError wraps a network or backend failure.
func NewTransientError(message string, underlying error) *Error {
	return &Error{Type: ErrTransient, Message: message, Underlying: underlying}
}

// NewLimitReachedError creates the distinguished usage-limit error.
func NewLimitReachedError(message string) *Error {
	return &Error{Type: ErrLimitReached, Message: message, Code: "LIMIT_REACHED"}
}

// NewPermissionError creates a permission denial error.
func NewPermissionError(message string) *Error {
	return &Error{Type: ErrPermission, Message: message}
}

// NewSynthesisError wraps a speech synthesis failure.
func NewSynthesisError(message string, underlying error) *Error {
	return &Error{Type: ErrSynthesis, Message: message, Underlying: underlying}
}

// NewRecognitionError wraps a speech recognition failure.
func NewRecognitionError(message string, code string) *Error {
	return &Error{Type: ErrRecognition, Message: message, Code: code}
}

// NewPersistenceError wraps a local store failure.
func NewPersistenceError(message string, underlying error) *Error {
	return &Error{Type: ErrPersistence, Message: message, Underlying: underlying}
}

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message}
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	return e.Underlying
}

// IsLimitReached reports whether err carries the usage-limit kind.
func IsLimitReached(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Type == ErrLimitReached
}

// IsPermission reports whether err is a user-actionable permission denial.
func IsPermission(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Type == ErrPermission
}

// IsAbort reports whether err is a user-initiated cancellation. Aborts are
// not errors: callers suppress them from every reporting path.
func IsAbort(err error) bool {
	return errors.Is(err, context.Canceled)
}
