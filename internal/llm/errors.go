package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a structured error response from the completion endpoint.
// Callers should prefer the predicates (IsRateLimited, IsUnauthorized, ...)
// over asserting on this type directly.
type APIError struct {
	operation  string
	statusCode int
	errType    string
	message    string
}

func (e *APIError) Error() string {
	if e.errType != "" {
		return fmt.Sprintf("%s: HTTP %d: [%s] %s", e.operation, e.statusCode, e.errType, e.message)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.operation, e.statusCode, e.message)
}

func newAPIError(operation string, statusCode int, errType, message string) *APIError {
	return &APIError{
		operation:  operation,
		statusCode: statusCode,
		errType:    errType,
		message:    message,
	}
}

// StatusCode returns the HTTP status code from the response.
func (e *APIError) StatusCode() int { return e.statusCode }

// Type returns the provider's error type, if any.
func (e *APIError) Type() string { return e.errType }

// Message returns the human-readable error message.
func (e *APIError) Message() string { return e.message }

// IsRateLimited reports whether err is an API error with HTTP 429 status.
func IsRateLimited(err error) bool { return HasStatusCode(err, http.StatusTooManyRequests) }

// IsUnauthorized reports whether err is an API error with HTTP 401 status.
func IsUnauthorized(err error) bool { return HasStatusCode(err, http.StatusUnauthorized) }

// IsServerError reports whether err is an API error with a 5xx status.
func IsServerError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.statusCode >= 500
}

// HasStatusCode reports whether err is an API error whose HTTP status code matches.
func HasStatusCode(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.statusCode == code
}

// Retryable reports whether a failed generation is worth retrying later.
func Retryable(err error) bool { return IsRateLimited(err) || IsServerError(err) }
