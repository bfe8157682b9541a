// Package common defines shared constants and sentinel errors used across
// the server layers of Shopkeeper. Callers should use errors.Is to
// match these values.
package common

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// Repository-level errors.
	ErrorNotFound          = errors.New("not found")
	ErrorAlreadyExists     = errors.New("already exists")
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// Service-level errors.
	ErrorInternal     = errors.New("internal error")
	ErrorUnauthorized = errors.New("unauthorized")
	ErrorForbidden    = errors.New("forbidden")
	ErrorValidation   = errors.New("validation error")

	// ErrorLockedOut is returned for logins during an active lockout window.
	// It matches ErrorUnauthorized with errors.Is.
	ErrorLockedOut error = lockedOutError{}

	// Crypto errors (malformed stored hash).
	ErrorCryptoFormat = errors.New("invalid password hash format")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")
)

type lockedOutError struct{}

func (lockedOutError) Error() string        { return "account locked out" }
func (lockedOutError) Is(target error) bool { return target == ErrorUnauthorized }

// FieldError describes one failed rule on a single input field.
type FieldError struct {
	Field   string
	Message string
}

// ValidationError carries field-level failures. Err is either ErrorValidation
// or ErrorAlreadyExists (duplicate registration).
type ValidationError struct {
	Err    error
	Fields []FieldError
}

// NewValidationError builds a ValidationError wrapping ErrorValidation.
func NewValidationError(fields ...FieldError) *ValidationError {
	return &ValidationError{Err: ErrorValidation, Fields: fields}
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Err.Error()
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Message))
	}
	return fmt.Sprintf("%s: %s", e.Err.Error(), strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Add appends a field failure.
func (e *ValidationError) Add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

// HasErrors reports whether any field failure was recorded.
func (e *ValidationError) HasErrors() bool { return len(e.Fields) > 0 }

// ByField groups messages by field name, in the shape of the HTTP error payload.
func (e *ValidationError) ByField() map[string][]string {
	out := make(map[string][]string, len(e.Fields))
	for _, f := range e.Fields {
		out[f.Field] = append(out[f.Field], f.Message)
	}
	for k := range out {
		sort.Strings(out[k])
	}
	return out
}
