package report

import (
	"errors"
	"fmt"
)

// ErrConflict is returned when a cycle cannot acquire a key because another
// cycle owns it. It is not a failure: callers log it and move on.
var ErrConflict = errors.New("refresh already in progress")

// ErrNotFound is returned when a metadata row or account mapping does not
// exist.
var ErrNotFound = errors.New("not found")

// ValidationError rejects malformed scheduling input before any state
// mutation. It is never retried.
type ValidationError struct {
	Reason string
}

func NewValidationError(reason string) *ValidationError {
	return &ValidationError{Reason: reason}
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// ProviderError wraps an upstream creation/polling failure or timeout. Code
// carries the provider's status code for classification and metrics.
type ProviderError struct {
	Op      string // "create" | "retrieve"
	Code    string
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider %s: %s: %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("provider %s: %s", e.Op, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// PersistenceError wraps a metadata-store write failure. It propagates up to
// the work-queue layer, which governs redelivery.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
