package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Destination-related errors
	ErrDestinationNotFound   = errors.New("destination not found")
	ErrDestinationDisabled   = errors.New("destination disabled")
	ErrNoDestinations        = errors.New("no destinations resolved")
	ErrDefaultsNotConfigured = errors.New("no default destinations configured")

	// Delivery-related errors
	ErrDeliveryNotFound     = errors.New("delivery not found")
	ErrQueueItemNotFound    = errors.New("queue item not found")
	ErrPayloadTooLarge      = errors.New("payload exceeds maximum size")
	ErrInvalidPriority      = errors.New("priority out of range")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrDeliveryNotRetryable = errors.New("delivery not retryable")

	// Alert-related errors
	ErrAlertNotFound  = errors.New("alert not found")
	ErrAccessDenied   = errors.New("access denied")
	ErrTenantMismatch = errors.New("organization mismatch")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// Operation errors
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrNonRetryable       = errors.New("error is not retryable")
	ErrTimeout            = errors.New("operation timeout")
	ErrContextCanceled    = errors.New("context canceled")

	// Storage errors
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrAlreadyExists      = errors.New("already exists")
)

// CourierError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type CourierError struct {
	Op      string // Operation that failed (e.g., "delivery.Deliver")
	Kind    string // Error kind (e.g., "destination", "queue", "alert")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *CourierError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *CourierError) Unwrap() error {
	return e.Err
}

// NewCourierError creates a new CourierError
func NewCourierError(op, kind string, err error) *CourierError {
	return &CourierError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsNotFound checks if an error represents a "not found" condition.
// Tenant mismatches surface as not-found so cross-tenant existence never leaks.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDestinationNotFound) ||
		errors.Is(err, ErrDeliveryNotFound) ||
		errors.Is(err, ErrQueueItemNotFound) ||
		errors.Is(err, ErrAlertNotFound)
}

// IsAccessDenied checks if an error is an access control denial
func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied) ||
		errors.Is(err, ErrTenantMismatch)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}

// IsValidation checks if an error should be rejected synchronously and never
// retried
func IsValidation(err error) bool {
	return IsConfigurationError(err) ||
		errors.Is(err, ErrPayloadTooLarge) ||
		errors.Is(err, ErrInvalidPriority) ||
		errors.Is(err, ErrNoDestinations)
}
