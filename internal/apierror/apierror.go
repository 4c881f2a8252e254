// Package apierror defines the error taxonomy shared by every request path.
//
// Each kind carries a user-facing message and an optional wrapped cause. The
// translator renders them into the inbound dialect's error envelope.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ValidationError reports a malformed inbound payload.
type ValidationError struct {
	Message string
	Err     error
}

func (e *ValidationError) Error() string { return format(e.Message, e.Err) }

func (e *ValidationError) Unwrap() error { return e.Err }

// TranslationError reports a content part, tool shape or streamed fragment
// that cannot be mapped between dialects.
type TranslationError struct {
	Message string
	Err     error
}

func (e *TranslationError) Error() string { return format(e.Message, e.Err) }

func (e *TranslationError) Unwrap() error { return e.Err }

// AuthenticationError reports a missing, expired or unrefreshable credential.
type AuthenticationError struct {
	Message string
	Err     error
}

func (e *AuthenticationError) Error() string { return format(e.Message, e.Err) }

func (e *AuthenticationError) Unwrap() error { return e.Err }

// RateLimitError reports a request denied by the admission gate.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter.Round(time.Millisecond))
}

// UpstreamError carries a non-2xx response from the provider.
type UpstreamError struct {
	Status  int
	Type    string
	Message string
}

func (e *UpstreamError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("upstream status %d (%s): %s", e.Status, e.Type, e.Message)
	}
	return fmt.Sprintf("upstream status %d: %s", e.Status, e.Message)
}

// Validation builds a ValidationError from a format string.
func Validation(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// Translation builds a TranslationError from a format string.
func Translation(format string, args ...any) error {
	return &TranslationError{Message: fmt.Sprintf(format, args...)}
}

// Authentication wraps err as an AuthenticationError.
func Authentication(message string, err error) error {
	return &AuthenticationError{Message: message, Err: err}
}

// Status returns the HTTP status code a client should see for err.
func Status(err error) int {
	var (
		validationErr  *ValidationError
		translationErr *TranslationError
		authErr        *AuthenticationError
		rateErr        *RateLimitError
		upstreamErr    *UpstreamError
	)
	switch {
	case errors.As(err, &validationErr), errors.As(err, &translationErr):
		return http.StatusBadRequest
	case errors.As(err, &authErr):
		return http.StatusUnauthorized
	case errors.As(err, &rateErr):
		return http.StatusTooManyRequests
	case errors.As(err, &upstreamErr):
		if upstreamErr.Status >= 400 {
			return upstreamErr.Status
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func format(message string, err error) string {
	if err == nil {
		return message
	}
	if message == "" {
		return err.Error()
	}
	return fmt.Sprintf("%s: %v", message, err)
}
