package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		expected string
	}{
		{
			name: "error without cause",
			err: &AppError{
				Code:    ErrCodeInvalidConfig,
				Message: "configuration is invalid",
			},
			expected: "INVALID_CONFIG: configuration is invalid",
		},
		{
			name: "error with cause",
			err: &AppError{
				Code:    ErrCodePersistence,
				Message: "snapshot write failed",
				Cause:   errors.New("disk full"),
			},
			expected: "PERSISTENCE: snapshot write failed: disk full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	cause := errors.New("underlying error")
	err := Wrap(cause, ErrCodeInternalError, "something went wrong")

	assert.Equal(t, cause, err.Unwrap())
	assert.True(t, errors.Is(err, cause))
}

func TestAppError_WithContext(t *testing.T) {
	err := New(ErrCodeValidationFailed, "validation failed")

	result := err.WithContext("field", "device_id").WithContext("value", "")

	assert.Equal(t, err, result)
	assert.Len(t, err.Context, 2)
	assert.Equal(t, "device_id", err.Context["field"])
}

func TestIsRetryable(t *testing.T) {
	transportErr := NewTransportError("peer-a", "/peersync/message/1.0.0", errors.New("connection reset"))

	assert.True(t, IsRetryable(transportErr))
	assert.True(t, IsRetryable(fmt.Errorf("attempt: %w", transportErr)), "wrapped errors keep retryability")
	assert.False(t, IsRetryable(NewNotFoundError("message", "m1")))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsRetryable(nil))
}

func TestGetCode(t *testing.T) {
	assert.Equal(t, ErrCodeNotFound, GetCode(NewNotFoundError("message", "m1")))
	assert.Equal(t, ErrCodePersistence, GetCode(fmt.Errorf("flush: %w", NewPersistenceError("write", "queues.json", errors.New("EIO")))))
	assert.Equal(t, ErrCodeInternalError, GetCode(errors.New("plain")))
}

func TestIs(t *testing.T) {
	inner := NewTransportError("peer-a", "notify", errors.New("refused"))
	outer := Wrap(inner, ErrCodeTimeout, "push timed out")

	assert.True(t, Is(outer, ErrCodeTimeout))
	assert.True(t, Is(outer, ErrCodeTransport))
	assert.False(t, Is(outer, ErrCodeNotFound))
	assert.False(t, Is(errors.New("plain"), ErrCodeTransport))
}

func TestHTTPStatusCode(t *testing.T) {
	tests := []struct {
		err      error
		expected int
	}{
		{NewValidationError("device_id", "", "device ID cannot be empty"), http.StatusBadRequest},
		{New(ErrCodeInvalidInput, "bad"), http.StatusBadRequest},
		{NewNotFoundError("message", "m1"), http.StatusNotFound},
		{NewTimeoutError("push", "5s"), http.StatusRequestTimeout},
		{NewTransportError("p", "x", errors.New("e")), http.StatusBadGateway},
		{NewPersistenceError("write", "p", errors.New("e")), http.StatusServiceUnavailable},
		{NewClosedError("store"), http.StatusServiceUnavailable},
		{NewNotInitializedError("sync manager"), http.StatusServiceUnavailable},
		{errors.New("plain"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, HTTPStatusCode(tt.err), tt.err.Error())
	}
}

func TestToHTTPResponse(t *testing.T) {
	resp := ToHTTPResponse(NewNotFoundError("message", "m1"), "req_1")
	assert.Equal(t, ErrCodeNotFound, resp.Error.Code)
	assert.Equal(t, "message not found", resp.Error.Message)
	assert.Equal(t, "req_1", resp.RequestID)
	assert.NotNil(t, resp.Error.Context)

	resp = ToHTTPResponse(errors.New("secret detail"), "")
	assert.Equal(t, ErrCodeInternalError, resp.Error.Code)
	assert.NotContains(t, resp.Error.Message, "secret")
}
