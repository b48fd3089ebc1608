package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Common error types
var (
	ErrNotFound     = errors.New("resource not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrBadRequest   = errors.New("bad request")
	ErrConflict     = errors.New("conflict")
	ErrInternal     = errors.New("internal error")
	ErrValidation   = errors.New("validation error")

	// Timestamping error types
	ErrPolicyNotFound     = errors.New("tenant policy not found")
	ErrProviderTransport  = errors.New("provider transport error")
	ErrTokenValidation    = errors.New("token validation failed")
	ErrProvidersExhausted = errors.New("all providers exhausted")
	ErrQueueRejected      = errors.New("retry queue rejected request")
	ErrRetryLimitExceeded = errors.New("retry limit exceeded")
)

// AppError represents an application error with context
type AppError struct {
	Err        error             `json:"-"`
	Message    string            `json:"message"`
	Code       string            `json:"code"`
	HTTPStatus int               `json:"-"`
	Details    map[string]string `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a not found error
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Err:        ErrNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		Code:       "NOT_FOUND",
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]string{"resource": resource, "id": id},
	}
}

// Unauthorized creates an unauthorized error
func Unauthorized(message string) *AppError {
	return &AppError{
		Err:        ErrUnauthorized,
		Message:    message,
		Code:       "UNAUTHORIZED",
		HTTPStatus: http.StatusUnauthorized,
	}
}

// BadRequest creates a bad request error
func BadRequest(message string) *AppError {
	return &AppError{
		Err:        ErrBadRequest,
		Message:    message,
		Code:       "BAD_REQUEST",
		HTTPStatus: http.StatusBadRequest,
	}
}

// Validation creates a validation error with field details
func Validation(message string, details map[string]string) *AppError {
	return &AppError{
		Err:        ErrValidation,
		Message:    message,
		Code:       "VALIDATION_ERROR",
		HTTPStatus: http.StatusBadRequest,
		Details:    details,
	}
}

// Conflict creates a conflict error
func Conflict(message string) *AppError {
	return &AppError{
		Err:        ErrConflict,
		Message:    message,
		Code:       "CONFLICT",
		HTTPStatus: http.StatusConflict,
	}
}

// Internal creates an internal error
func Internal(err error) *AppError {
	return &AppError{
		Err:        err,
		Message:    "internal server error",
		Code:       "INTERNAL_ERROR",
		HTTPStatus: http.StatusInternalServerError,
	}
}

// PolicyNotFound creates an error for a tenant without a trust policy.
// This is fatal for the request: no timestamp is issued without an
// explicit policy.
func PolicyNotFound(tenantID string) *AppError {
	return &AppError{
		Err:        ErrPolicyNotFound,
		Message:    "no trust policy configured for tenant",
		Code:       "POLICY_NOT_FOUND",
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]string{"tenant_id": tenantID},
	}
}

// QueueRejected creates a backpressure error for a full retry queue.
// Callers should retry later with their own backoff.
func QueueRejected(reason string) *AppError {
	return &AppError{
		Err:        ErrQueueRejected,
		Message:    reason,
		Code:       "QUEUE_REJECTED",
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// RetryLimitExceeded creates an error for a dead-lettered request.
func RetryLimitExceeded(id string, retries int) *AppError {
	return &AppError{
		Err:        ErrRetryLimitExceeded,
		Message:    "request exceeded its retry budget",
		Code:       "RETRY_LIMIT_EXCEEDED",
		HTTPStatus: http.StatusGone,
		Details:    map[string]string{"request_id": id, "retries": fmt.Sprintf("%d", retries)},
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) *AppError {
	if appErr, ok := err.(*AppError); ok {
		appErr.Message = fmt.Sprintf("%s: %s", message, appErr.Message)
		return appErr
	}
	return &AppError{
		Err:        err,
		Message:    message,
		Code:       "INTERNAL_ERROR",
		HTTPStatus: http.StatusInternalServerError,
	}
}
