package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorType represents different types of errors that can occur
type ErrorType string

const (
	ErrorTypeNoEligibleIdentity  ErrorType = "no_eligible_identity"
	ErrorTypeNoHealthyProxy      ErrorType = "no_healthy_proxy"
	ErrorTypeRetryableFetch      ErrorType = "retryable_fetch"
	ErrorTypeFatalFetch          ErrorType = "fatal_fetch"
	ErrorTypePersistenceConflict ErrorType = "persistence_conflict"
	ErrorTypeMalformedPayload    ErrorType = "malformed_payload"
	ErrorTypeUnknown             ErrorType = "unknown"
)

// Error represents an engine error with type information
type Error struct {
	Type    ErrorType
	Message string
	Code    int
	Cause   error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s error (code %d): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an engine error of the given type
func New(t ErrorType, msg string) *Error {
	return &Error{Type: t, Message: msg}
}

// Wrap creates an engine error of the given type wrapping a cause
func Wrap(t ErrorType, msg string, cause error) *Error {
	return &Error{Type: t, Message: msg, Cause: cause}
}

// TypeOf returns the engine error type of err, or ErrorTypeUnknown
func TypeOf(err error) ErrorType {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeUnknown
}

// IsRetryable checks if an error type should be retried with a fresh
// identity/proxy assignment
func IsRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeRetryableFetch:
		return true
	case ErrorTypeFatalFetch, ErrorTypePersistenceConflict, ErrorTypeMalformedPayload:
		return false
	default:
		return false
	}
}

// IsTransient reports whether err is an exhaustion condition the caller
// should retry later rather than a job-terminating failure
func IsTransient(err error) bool {
	switch TypeOf(err) {
	case ErrorTypeNoEligibleIdentity, ErrorTypeNoHealthyProxy:
		return true
	}
	return false
}

// IsRetryableStatusCode checks if an HTTP status code indicates a retryable error
func IsRetryableStatusCode(statusCode int) bool {
	switch statusCode {
	case 0: // Network error
		return true
	case 429: // Too Many Requests
		return true
	case 500, 502, 503, 504: // Server errors
		return true
	case 401, 403, 404: // Client errors that won't change
		return false
	default:
		return statusCode >= 500 // Retry all 5xx errors
	}
}
