package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// NewValidationError creates a validation error with field context
func NewValidationError(field, value, message string) *AppError {
	return New(ErrCodeValidationFailed, message).
		WithContext("field", field).
		WithContext("value", value)
}

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key)
}

// NewPersistenceError creates a snapshot persistence error. The store stays
// dirty, so the next flush retries the same data.
func NewPersistenceError(operation, path string, err error) *AppError {
	return Wrap(err, ErrCodePersistence, fmt.Sprintf("snapshot %s failed", operation)).
		WithContext("operation", operation).
		WithContext("path", path)
}

// NewDatabaseError creates a database error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation)
}

// NewTransportError creates a retryable peer transport error
func NewTransportError(peerID, protocol string, err error) *AppError {
	return WrapRetryable(err, ErrCodeTransport, "peer send failed").
		WithContext("peer", peerID).
		WithContext("protocol", protocol)
}

// NewNotFoundError creates a not found error with resource context
func NewNotFoundError(resource, identifier string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithContext("resource", resource).
		WithContext("identifier", identifier)
}

// NewTimeoutError creates a timeout error with context
func NewTimeoutError(operation string, duration string) *AppError {
	return New(ErrCodeTimeout, fmt.Sprintf("%s timed out after %s", operation, duration)).
		WithContext("operation", operation).
		WithContext("timeout", duration)
}

// NewClosedError reports an operation against a closed component
func NewClosedError(component string) *AppError {
	return New(ErrCodeClosed, fmt.Sprintf("%s is closed", component)).
		WithContext("component", component)
}

// NewNotInitializedError reports an operation against a component that has
// not finished starting
func NewNotInitializedError(component string) *AppError {
	return New(ErrCodeClosed, fmt.Sprintf("%s is not initialized", component)).
		WithContext("component", component)
}

// HTTPStatusCode maps error codes to appropriate HTTP status codes
func HTTPStatusCode(err error) int {
	switch GetCode(err) {
	case ErrCodeValidationFailed, ErrCodeInvalidInput, ErrCodeInvalidConfig:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeTimeout:
		return http.StatusRequestTimeout
	case ErrCodeTransport:
		return http.StatusBadGateway
	case ErrCodePersistence, ErrCodeDatabaseQuery, ErrCodeClosed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HTTPErrorResponse is the standardized HTTP error body
type HTTPErrorResponse struct {
	Error struct {
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Context interface{} `json:"context,omitempty"`
	} `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// ToHTTPResponse converts an error to a standardized HTTP response
func ToHTTPResponse(err error, requestID string) HTTPErrorResponse {
	response := HTTPErrorResponse{
		RequestID: requestID,
	}

	var appErr *AppError
	if stderrors.As(err, &appErr) {
		response.Error.Code = appErr.Code
		response.Error.Message = appErr.Message
		if len(appErr.Context) > 0 {
			response.Error.Context = appErr.Context
		}
	} else {
		response.Error.Code = ErrCodeInternalError
		response.Error.Message = "An internal error occurred"
	}

	return response
}
