package model

import (
	"errors"
	"fmt"
)

// ErrorKind is a stable, machine-checkable failure category
type ErrorKind string

const (
	KindValidationFailed     ErrorKind = "VALIDATION_FAILED"
	KindNotFound             ErrorKind = "NOT_FOUND"
	KindConflict             ErrorKind = "CONFLICT"
	KindExpired              ErrorKind = "EXPIRED"
	KindGone                 ErrorKind = "GONE"
	KindInvalidSignature     ErrorKind = "INVALID_SIGNATURE"
	KindInvalidToken         ErrorKind = "INVALID_TOKEN"
	KindInvalidCode          ErrorKind = "INVALID_CODE"
	KindDeviceLimitExceeded  ErrorKind = "DEVICE_LIMIT_EXCEEDED"
	KindTooManyAttempts      ErrorKind = "TOO_MANY_ATTEMPTS"
	KindRevalidationRequired ErrorKind = "REVALIDATION_REQUIRED"
	KindInvalidAttributeSet  ErrorKind = "INVALID_ATTRIBUTE_SET"
	KindForbidden            ErrorKind = "FORBIDDEN"
	KindUnexpected           ErrorKind = "UNEXPECTED"
)

// Sentinels for errors.Is checks against a kind.
var (
	ErrValidationFailed     = &Error{Kind: KindValidationFailed, Message: "validation failed"}
	ErrNotFound             = &Error{Kind: KindNotFound, Message: "not found"}
	ErrConflict             = &Error{Kind: KindConflict, Message: "conflict"}
	ErrExpired              = &Error{Kind: KindExpired, Message: "expired"}
	ErrGone                 = &Error{Kind: KindGone, Message: "gone"}
	ErrInvalidSignature     = &Error{Kind: KindInvalidSignature, Message: "invalid signature"}
	ErrInvalidToken         = &Error{Kind: KindInvalidToken, Message: "invalid token"}
	ErrInvalidCode          = &Error{Kind: KindInvalidCode, Message: "invalid code"}
	ErrDeviceLimitExceeded  = &Error{Kind: KindDeviceLimitExceeded, Message: "active device limit reached"}
	ErrTooManyAttempts      = &Error{Kind: KindTooManyAttempts, Message: "too many attempts"}
	ErrRevalidationRequired = &Error{Kind: KindRevalidationRequired, Message: "revalidation required"}
	ErrInvalidAttributeSet  = &Error{Kind: KindInvalidAttributeSet, Message: "invalid attribute set"}
	ErrForbidden            = &Error{Kind: KindForbidden, Message: "forbidden"}
	ErrUnexpected           = &Error{Kind: KindUnexpected, Message: "internal error"}
)

// Error is a domain failure with a kind and a human message safe to show callers.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound) works
// regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Errorf builds a domain error of the given kind.
func Errorf(kind ErrorKind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind carried by err, or KindUnexpected for unclassified errors.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnexpected
}

// MessageOf returns the caller-safe message for err.
func MessageOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Message
	}
	return ErrUnexpected.Message
}
