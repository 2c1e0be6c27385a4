package policy

import (
	"errors"
	"fmt"
)

// ErrTemplateNotFound is returned when no template matches a lookup.
var ErrTemplateNotFound = errors.New("policy template not found")

// ValidationError reports a single invalid or inconsistent config field.
// The wire layer maps it to config_invalid with field and reason attached.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config invalid on field '%s': %s", e.Field, e.Reason)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidationError checks whether err is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// AsValidationError extracts the ValidationError from err, if any.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
