package entity

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies the failure class an error belongs to. The pipeline
// decides retry and degradation behavior from the code, not the message.
type ErrorCode string

const (
	// ErrCodeInvalidInput marks a malformed event or request. The pipeline
	// degrades feature quality instead of failing on these.
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// ErrCodeModelUnavailable marks scoring attempted before any model
	// version has been trained. Callers fall back to rule-based scoring.
	ErrCodeModelUnavailable ErrorCode = "MODEL_UNAVAILABLE"

	// ErrCodeNotFound marks an unknown incident, alert or model version id.
	// Surfaced to the caller, never retried.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeTransientStore marks a persistence I/O failure. Retried with
	// bounded backoff at the call site; the pipeline continues in memory.
	ErrCodeTransientStore ErrorCode = "TRANSIENT_STORE"

	// ErrCodeInvariantViolation marks a rejected state-machine transition.
	// The operation fails synchronously with no partial mutation.
	ErrCodeInvariantViolation ErrorCode = "INVARIANT_VIOLATION"

	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeRateLimited  ErrorCode = "RATE_LIMITED"
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
)

// AppError is a structured application error carrying a code, an
// operator-facing message and an optional cause.
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Details    string    `json:"details,omitempty"`
	Cause      error     `json:"-"`
	StatusCode int       `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithCause attaches the underlying cause to the error.
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// NewAppError creates a structured error with the HTTP status mapped from
// the code.
func NewAppError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: httpStatusFor(code),
	}
}

func httpStatusFor(code ErrorCode) int {
	switch code {
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeInvariantViolation:
		return http.StatusUnprocessableEntity
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeModelUnavailable, ErrCodeTransientStore:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// GetAppError extracts an AppError from an error chain, or nil.
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// HasErrorCode reports whether err carries the given code.
func HasErrorCode(err error, code ErrorCode) bool {
	if appErr := GetAppError(err); appErr != nil {
		return appErr.Code == code
	}
	return false
}

// Common constructors.

// ErrInvalidInput creates an invalid input error for a field.
func ErrInvalidInput(field string) *AppError {
	return NewAppError(ErrCodeInvalidInput, fmt.Sprintf("invalid input for field: %s", field))
}

// ErrNotFound creates a not found error for a resource.
func ErrNotFound(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

// ErrModelUnavailable creates a model unavailable error for a model type.
func ErrModelUnavailable(modelType string) *AppError {
	return NewAppError(ErrCodeModelUnavailable, fmt.Sprintf("no trained model available for type: %s", modelType))
}

// ErrTransientStore wraps a persistence failure as retryable.
func ErrTransientStore(operation string, cause error) *AppError {
	return NewAppError(ErrCodeTransientStore, fmt.Sprintf("store operation failed: %s", operation)).WithCause(cause)
}

// ErrInvariantViolation creates a rejected state transition error.
func ErrInvariantViolation(details string) *AppError {
	e := NewAppError(ErrCodeInvariantViolation, "state transition rejected")
	e.Details = details
	return e
}
