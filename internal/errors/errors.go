// Package errors provides consolidated error definitions for the xenfeed project.
//
// This file provides:
// - Sentinel errors for all error conditions
// - Error category checking functions
// - Error wrapping utilities
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Feed decode errors
	ErrMalformedFeed   = errors.New("malformed feed")
	ErrEmptyFeed       = errors.New("empty feed")
	ErrColumnMismatch  = errors.New("column count mismatch")
	ErrMalformedLegend = errors.New("malformed legend")

	// Transport errors
	ErrTransport  = errors.New("transport error")
	ErrHTTPStatus = errors.New("unexpected HTTP status")
	ErrTimeout    = errors.New("timeout")

	// Delivery errors
	ErrSink = errors.New("sink error")

	// Validation errors
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrInvalidInterval = errors.New("invalid interval")
	ErrMissingField    = errors.New("missing required field")

	// State errors
	ErrTargetNotFound = errors.New("target not found")
	ErrAlreadyRunning = errors.New("already running")
	ErrShuttingDown   = errors.New("shutting down")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// IsDecodeError returns true if err is a structural feed/legend decode failure.
// ErrEmptyFeed is deliberately excluded: an empty window is a normal outcome,
// not a decode failure.
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrMalformedFeed) ||
		errors.Is(err, ErrColumnMismatch) ||
		errors.Is(err, ErrMalformedLegend)
}

// IsTransportError returns true if err is a network/HTTP level failure.
func IsTransportError(err error) bool {
	return errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrHTTPStatus) ||
		errors.Is(err, ErrTimeout)
}

// IsValidation returns true if err is a configuration validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrInvalidInterval) ||
		errors.Is(err, ErrMissingField)
}

// IsRetriable returns true if the error should drive the poller into backoff
// rather than being treated as fatal. Decode errors are retriable: they are
// usually transient server-side inconsistency.
func IsRetriable(err error) bool {
	return IsTransportError(err) ||
		IsDecodeError(err) ||
		errors.Is(err, ErrSink)
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewInvalidValue creates an invalid value error.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrInvalidConfig)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns the first error for errors.Is/As support.
func (v *ValidationErrors) Unwrap() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v.Errors[0]
}
