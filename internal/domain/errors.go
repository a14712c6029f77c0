package domain

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrTenantRequired = errors.New("tenant ID is required")
	ErrNotImplemented = errors.New("not implemented")
	ErrNoSnapshot     = errors.New("no snapshot published for tenant")
)

// ValidationError reports a malformed request value: which field was bad and
// why. It unwraps to ErrInvalidInput so callers can branch with errors.Is.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// NewValidationError builds a ValidationError for a field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}
