package types

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy shared across components. Category sentinels support
// errors.Is matching; the struct types carry the detail each category needs
// (field names for validation, retry hints for unavailability).
var (
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("not found")
	ErrServiceUnavailable = errors.New("required service unavailable")
	ErrAdaptationFailed   = errors.New("adaptation failed")
	ErrInternal           = errors.New("internal error")
)

// ValidationError reports malformed or out-of-range input with field-level
// detail.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NewValidationError builds a field-scoped validation error.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// NotFoundError identifies an unknown session, classroom, or component id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NewNotFoundError builds a typed lookup failure.
func NewNotFoundError(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// ServiceUnavailableError means a required collaborator is absent or
// unhealthy. RetryAfter is a hint, not a guarantee.
type ServiceUnavailableError struct {
	Missing    []string
	RetryAfter time.Duration
}

func (e *ServiceUnavailableError) Error() string {
	return fmt.Sprintf("required service unavailable: missing %v (retry after %s)", e.Missing, e.RetryAfter)
}

func (e *ServiceUnavailableError) Is(target error) bool { return target == ErrServiceUnavailable }

// AdaptationError wraps a collaborator-call failure inside the adaptation
// path. Recoverable: it degrades the triggering operation instead of failing
// the owning session, except during session creation where the initial
// experience is mandatory.
type AdaptationError struct {
	SessionID string
	Cause     error
}

func (e *AdaptationError) Error() string {
	return fmt.Sprintf("adaptation failed for session %s: %v", e.SessionID, e.Cause)
}

func (e *AdaptationError) Is(target error) bool { return target == ErrAdaptationFailed }

func (e *AdaptationError) Unwrap() error { return e.Cause }
