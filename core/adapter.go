package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorClass categorizes adapter and access failures for retry decisions.
type ErrorClass string

const (
	ClassValidation     ErrorClass = "validation"
	ClassAuthentication ErrorClass = "authentication"
	ClassPermission     ErrorClass = "permission"
	ClassNotFound       ErrorClass = "not_found"
	ClassRetryable      ErrorClass = "retryable"
	ClassRateLimited    ErrorClass = "rate_limited"
	ClassNonRetryable   ErrorClass = "non_retryable"
	ClassInternal       ErrorClass = "internal"
)

// AdapterError is the inspectable error returned by transport adapters.
// The retry manager keys its eligibility decision off Class; rate-limited
// errors carry the Retry-After hint.
type AdapterError struct {
	Class      ErrorClass
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *AdapterError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("adapter error (%s, status %d): %s", e.Class, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("adapter error (%s): %s", e.Class, e.Message)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// ClassifyStatusCode maps an HTTP status code to an error class following the
// retry policy: 408/425/429/5xx are retryable, 401/403 are auth failures,
// other 4xx are non-retryable.
func ClassifyStatusCode(code int) ErrorClass {
	switch {
	case code == 401:
		return ClassAuthentication
	case code == 403:
		return ClassPermission
	case code == 408 || code == 425:
		return ClassRetryable
	case code == 429:
		return ClassRateLimited
	case code >= 500:
		return ClassRetryable
	case code >= 400:
		return ClassNonRetryable
	default:
		return ClassInternal
	}
}

// ClassOf extracts the error class from err. Timeouts and context deadline
// expiry classify as retryable; unknown errors classify as internal.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Class
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return ClassRetryable
	}
	if errors.Is(err, ErrTenantMismatch) || errors.Is(err, ErrAccessDenied) {
		return ClassPermission
	}
	if IsNotFound(err) {
		return ClassNotFound
	}
	if IsValidation(err) {
		return ClassValidation
	}
	return ClassInternal
}

// IsRetryableClass reports whether the class permits a retry.
func IsRetryableClass(class ErrorClass) bool {
	return class == ClassRetryable || class == ClassRateLimited || class == ClassInternal
}

// RetryAfterOf returns the Retry-After hint carried by a rate-limited error,
// or zero.
func RetryAfterOf(err error) time.Duration {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.RetryAfter
	}
	return 0
}

// SendResult is the outcome of one adapter delivery attempt.
type SendResult struct {
	Success              bool
	CrossSystemReference string
	Latency              time.Duration
}

// ProbeResult is the outcome of a connectivity test. Probe success does not
// imply delivery success.
type ProbeResult struct {
	Success bool
	Latency time.Duration
	Error   string
}

// TransportAdapter sends payloads to one destination type. Adapters must be
// idempotent or consult the idempotency key in the payload metadata, since
// the queue guarantees at-least-once execution.
type TransportAdapter interface {
	Send(ctx context.Context, dest *Destination, payload *DeliveryPayload) (*SendResult, error)
	Probe(ctx context.Context, dest *Destination) (*ProbeResult, error)
}

// AdapterRegistry resolves the adapter for a destination type.
type AdapterRegistry interface {
	AdapterFor(t DestinationType) (TransportAdapter, error)
}
