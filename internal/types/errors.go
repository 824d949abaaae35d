package types

import (
	"errors"
	"fmt"
)

// Kind classifies business failures so transports can map them uniformly
type Kind string

const (
	KindNotFound         Kind = "NOT_FOUND"
	KindStateConflict    Kind = "STATE_CONFLICT"
	KindPermissionDenied Kind = "PERMISSION_DENIED"
	KindValidation       Kind = "VALIDATION_ERROR"
	KindIntegrity        Kind = "INTEGRITY_FAILURE"
)

// Error is a named business-rule violation
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches on kind so errors.Is(err, &Error{Kind: KindNotFound}) works
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

func NotFound(msg string) error  { return &Error{Kind: KindNotFound, Message: msg} }
func Conflict(msg string) error  { return &Error{Kind: KindStateConflict, Message: msg} }
func Denied(msg string) error    { return &Error{Kind: KindPermissionDenied, Message: msg} }
func Invalid(msg string) error   { return &Error{Kind: KindValidation, Message: msg} }
func Integrity(msg string) error { return &Error{Kind: KindIntegrity, Message: msg} }

// Retryable is a conflict the caller may safely retry, e.g. a lock-wait timeout
func Retryable(msg string) error {
	return &Error{Kind: KindStateConflict, Message: msg, Retryable: true}
}

// KindOf returns the business kind of err, or "" for infrastructure failures
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind anywhere in its chain
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}

// IsRetryable reports whether err was flagged as safe to retry
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}
