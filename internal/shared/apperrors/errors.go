// Package apperrors provides the tagged application error type shared by the
// booking path and the background pipeline.
//
// Every error carries a Kind for classification and an explicit Retryable
// flag chosen where the error is created. Callers never inspect messages.
package apperrors

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an application error.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindConflict
	KindNotFound
	KindServiceUnavailable
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindServiceUnavailable:
		return "service_unavailable"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "internal"
	}
}

// Sentinel errors for classification via errors.Is().
var (
	ErrInternal           = errors.New("internal error")
	ErrValidation         = errors.New("validation error")
	ErrConflict           = errors.New("conflict")
	ErrNotFound           = errors.New("not found")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrUnauthorized       = errors.New("unauthorized")
)

func sentinelFor(k Kind) error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindConflict:
		return ErrConflict
	case KindNotFound:
		return ErrNotFound
	case KindServiceUnavailable:
		return ErrServiceUnavailable
	case KindUnauthorized:
		return ErrUnauthorized
	default:
		return ErrInternal
	}
}

// Error is a structured application error.
type Error struct {
	Kind      Kind
	Message   string // Human-readable, user-safe message
	Field     string // For validation errors
	Resource  string // For not found/conflict errors
	Op        string // Operation that failed, e.g. "dispatch.create_job"
	Retryable bool
	Cause     error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	if e.Cause != nil && e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Cause)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{sentinelFor(e.Kind)}
	}
	return []error{sentinelFor(e.Kind), e.Cause}
}

// Validation creates a non-retryable validation error for a field.
func Validation(field, message string) error {
	return &Error{
		Kind:    KindValidation,
		Message: message,
		Field:   field,
	}
}

// Conflict creates a non-retryable conflict error for a resource.
func Conflict(resource, message string) error {
	return &Error{
		Kind:     KindConflict,
		Message:  message,
		Resource: resource,
	}
}

// NotFound creates a non-retryable not found error.
func NotFound(resource, id string) error {
	return &Error{
		Kind:     KindNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Unavailable creates a retryable error for a downstream dependency that is
// down, slow, or short-circuited.
func Unavailable(op string, cause error) error {
	return &Error{
		Kind:      KindServiceUnavailable,
		Message:   "service temporarily unavailable",
		Op:        op,
		Retryable: true,
		Cause:     cause,
	}
}

// Unauthorized creates a non-retryable credential error.
func Unauthorized(op, message string) error {
	return &Error{
		Kind:    KindUnauthorized,
		Message: message,
		Op:      op,
	}
}

// Internal creates a generic failure. Unclassified failures are retryable.
func Internal(op string, cause error) error {
	return &Error{
		Kind:      KindInternal,
		Message:   "internal error",
		Op:        op,
		Retryable: true,
		Cause:     cause,
	}
}

// Terminal wraps cause as a non-retryable internal failure.
func Terminal(op string, cause error) error {
	return &Error{
		Kind:    KindInternal,
		Message: "permanent failure",
		Op:      op,
		Cause:   cause,
	}
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether err may succeed if attempted again.
// Unclassified errors are treated as retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return true
}

// IsConflict reports whether err is a conflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsNotFound reports whether err is a not found error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsUnavailable reports whether err is a service unavailable error.
func IsUnavailable(err error) bool { return errors.Is(err, ErrServiceUnavailable) }

// IsTimeout reports whether err was caused by an exceeded deadline.
func IsTimeout(err error) bool { return errors.Is(err, context.DeadlineExceeded) }

// UserMessage returns a message safe to show to the end customer.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case KindValidation, KindConflict, KindNotFound:
			return e.Message
		case KindServiceUnavailable:
			return "the service is temporarily unavailable, please try again"
		}
	}
	return "something went wrong, please try again"
}
