package config

import (
	"errors"
	"fmt"
)

// ErrValidationFailed indicates a configuration struct failed field validation.
var ErrValidationFailed = errors.New("configuration validation failed")

// ValidationError wraps a configuration validation failure with the component
// and field that failed, so callers can report actionable errors to operators.
type ValidationError struct {
	Component string // e.g. "rate_limit", "session", "container"
	Field     string
	Err       error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: field %q: %v", e.Component, e.Field, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Component, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError creates a new ValidationError.
func NewValidationError(component, field string, err error) *ValidationError {
	return &ValidationError{Component: component, Field: field, Err: err}
}
