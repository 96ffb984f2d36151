package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an authentication or authorization failure. Each kind
// maps to exactly one HTTP status.
type Kind string

// Error kinds.
const (
	KindAuthentication Kind = "authentication" // 401
	KindAuthorization  Kind = "authorization"  // 403
	KindValidation     Kind = "validation"     // 422
	KindQuota          Kind = "quota"          // 429
	KindRateLimit      Kind = "rate_limit"     // 429
)

// Error is the externally-visible failure type for the authentication
// core. The message is always safe to return to clients; specific
// diagnostics stay in internal logs.
type Error struct {
	Kind    Kind
	Message string

	// RetryAfter is set for rate-limit failures.
	RetryAfter time.Duration

	// cause is internal only, for logs and errors.Is chains.
	cause error
}

func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes the internal cause to errors.Is/As. The cause never
// reaches response bodies.
func (e *Error) Unwrap() error {
	return e.cause
}

// StatusCode maps the error kind to its HTTP status.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindAuthorization:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindQuota, KindRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusUnauthorized
	}
}

// NewAuthenticationError creates a 401 error.
func NewAuthenticationError(message string, cause error) *Error {
	return &Error{Kind: KindAuthentication, Message: message, cause: cause}
}

// NewAuthorizationError creates a 403 error naming the missing
// requirement.
func NewAuthorizationError(requirement string) *Error {
	return &Error{
		Kind:    KindAuthorization,
		Message: fmt.Sprintf("missing required %s", requirement),
	}
}

// NewValidationError creates a 422 error.
func NewValidationError(message string, cause error) *Error {
	return &Error{Kind: KindValidation, Message: message, cause: cause}
}

// NewQuotaError creates a 429 quota error.
func NewQuotaError(message string, cause error) *Error {
	return &Error{Kind: KindQuota, Message: message, cause: cause}
}

// NewRateLimitError creates a 429 rate-limit error carrying the retry
// hint.
func NewRateLimitError(retryAfter time.Duration, cause error) *Error {
	return &Error{
		Kind:       KindRateLimit,
		Message:    "rate limit exceeded",
		RetryAfter: retryAfter,
		cause:      cause,
	}
}

// AsError extracts an *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr, true
	}
	return nil, false
}
