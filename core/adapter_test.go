package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyStatusCode(t *testing.T) {
	tests := []struct {
		code int
		want ErrorClass
	}{
		{401, ClassAuthentication},
		{403, ClassPermission},
		{408, ClassRetryable},
		{425, ClassRetryable},
		{429, ClassRateLimited},
		{500, ClassRetryable},
		{502, ClassRetryable},
		{503, ClassRetryable},
		{400, ClassNonRetryable},
		{404, ClassNonRetryable},
		{422, ClassNonRetryable},
	}
	for _, tt := range tests {
		assert.Equalf(t, tt.want, ClassifyStatusCode(tt.code), "status %d", tt.code)
	}
}

func TestClassOf(t *testing.T) {
	assert.Equal(t, ErrorClass(""), ClassOf(nil))

	ae := &AdapterError{Class: ClassRateLimited, StatusCode: 429, Message: "slow down"}
	assert.Equal(t, ClassRateLimited, ClassOf(ae))

	wrapped := NewCourierError("delivery.send", "adapter", ae)
	assert.Equal(t, ClassRateLimited, ClassOf(wrapped))

	assert.Equal(t, ClassRetryable, ClassOf(context.DeadlineExceeded))
	assert.Equal(t, ClassRetryable, ClassOf(ErrTimeout))
	assert.Equal(t, ClassPermission, ClassOf(ErrTenantMismatch))
	assert.Equal(t, ClassNotFound, ClassOf(ErrDestinationNotFound))
	assert.Equal(t, ClassValidation, ClassOf(ErrPayloadTooLarge))
	assert.Equal(t, ClassInternal, ClassOf(errors.New("connection reset by peer")))
}

func TestIsRetryableClass(t *testing.T) {
	assert.True(t, IsRetryableClass(ClassRetryable))
	assert.True(t, IsRetryableClass(ClassRateLimited))
	assert.True(t, IsRetryableClass(ClassInternal))
	assert.False(t, IsRetryableClass(ClassAuthentication))
	assert.False(t, IsRetryableClass(ClassPermission))
	assert.False(t, IsRetryableClass(ClassValidation))
	assert.False(t, IsRetryableClass(ClassNonRetryable))
}

func TestRetryAfterOf(t *testing.T) {
	ae := &AdapterError{Class: ClassRateLimited, RetryAfter: 42 * time.Second}
	assert.Equal(t, 42*time.Second, RetryAfterOf(ae))
	assert.Equal(t, time.Duration(0), RetryAfterOf(errors.New("plain")))
}

func TestCourierErrorUnwrap(t *testing.T) {
	err := NewCourierError("alerts.Resolve", "alert", ErrAccessDenied)
	err.ID = "al-1"

	assert.True(t, errors.Is(err, ErrAccessDenied))
	assert.Contains(t, err.Error(), "alerts.Resolve")
	assert.Contains(t, err.Error(), "al-1")
}
