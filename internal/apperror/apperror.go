// Package apperror defines the error kinds surfaced by the chat write path.
package apperror

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for callers of the core.
type Kind string

const (
	KindInternal  Kind = "INTERNAL"
	KindInvalid   Kind = "INVALID_ARGUMENT"
	KindNotFound  Kind = "NOT_FOUND"
	KindConflict  Kind = "CONFLICT"
	KindForbidden Kind = "PERMISSION_DENIED"
	KindExhausted Kind = "EXHAUSTED"
	KindTransient Kind = "TRANSIENT"
)

// Error carries a Kind alongside a human readable message and an optional cause.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an error of the given kind.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an error of the given kind around cause.
func Wrap(kind Kind, message string, cause error) error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func Invalid(msg string) error   { return New(KindInvalid, msg) }
func NotFound(msg string) error  { return New(KindNotFound, msg) }
func Conflict(msg string) error  { return New(KindConflict, msg) }
func Forbidden(msg string) error { return New(KindForbidden, msg) }
func Exhausted(msg string) error { return New(KindExhausted, msg) }
func Internal(msg string) error  { return New(KindInternal, msg) }

// KindOf returns the kind of the outermost *Error in the chain, or KindInternal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}
