package types

import (
	"errors"
	"fmt"
)

// Kind classifies an error the way the dispatcher and the ORM need to tell
// them apart: each kind maps to its own HTTP status and retry behaviour.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAccess
	KindMissing
	KindUser
	KindConcurrency
	KindIntegration
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAccess:
		return "access"
	case KindMissing:
		return "missing"
	case KindUser:
		return "user"
	case KindConcurrency:
		return "concurrency"
	case KindIntegration:
		return "integration"
	}
	return "unknown"
}

// Error is the kernel error type. Message is safe to surface to the caller;
// access and missing errors never carry protected record content.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	// Retryable is meaningful for integration errors only.
	Retryable bool  `json:"retryable,omitempty"`
	Wrapped   error `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Wrapped
}

// ValidationError reports input that violates a declared constraint.
func ValidationError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// AccessError reports a missing permission without leaking the protected data.
func AccessError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindAccess, Message: fmt.Sprintf(format, args...)}
}

// MissingError reports a record that does not exist or is not visible.
func MissingError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindMissing, Message: fmt.Sprintf(format, args...)}
}

// UserError reports a business rule raised from application code; the message
// is surfaced verbatim.
func UserError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindUser, Message: fmt.Sprintf(format, args...)}
}

// ConcurrencyError reports a serialization failure; the dispatcher retries a
// bounded number of times before surfacing it.
func ConcurrencyError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConcurrency, Message: fmt.Sprintf(format, args...)}
}

// IntegrationError reports an external service failure classified by the
// adapter into retryable or permanent.
func IntegrationError(retryable bool, err error, format string, args ...interface{}) *Error {
	return &Error{
		Kind:      KindIntegration,
		Message:   fmt.Sprintf(format, args...),
		Retryable: retryable,
		Wrapped:   err,
	}
}

// KindOf returns the kind of err, or KindUnknown for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}
