package translator

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/tidwall/sjson"

	"copilot-gateway/internal/apierror"
)

// RenderError maps err onto the inbound dialect's error envelope and returns
// the HTTP status with the encoded body.
func RenderError(dialect Dialect, err error) (int, []byte) {
	status := apierror.Status(err)
	message := errorMessage(status, err)

	if dialect == DialectClaude {
		body, _ := sjson.SetBytes([]byte(`{"type":"error"}`), "error.type", claudeErrorType(status))
		body, _ = sjson.SetBytes(body, "error.message", message)
		return status, body
	}

	body, _ := sjson.SetBytes([]byte(`{}`), "error.message", message)
	body, _ = sjson.SetBytes(body, "error.type", openAIErrorType(status))
	body, _ = sjson.SetBytes(body, "error.code", errorCode(err))
	return status, body
}

// RetryAfter returns the Retry-After header value for rate limited errors.
func RetryAfter(err error) (string, bool) {
	var rateErr *apierror.RateLimitError
	if !errors.As(err, &rateErr) {
		return "", false
	}
	seconds := int(math.Ceil(rateErr.RetryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds), true
}

func errorMessage(status int, err error) string {
	var upstreamErr *apierror.UpstreamError
	if errors.As(err, &upstreamErr) && upstreamErr.Message != "" {
		return upstreamErr.Message
	}
	if status == http.StatusInternalServerError {
		return "internal server error"
	}
	return err.Error()
}

func claudeErrorType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusForbidden:
		return "permission_error"
	case http.StatusNotFound:
		return "not_found_error"
	case http.StatusRequestEntityTooLarge:
		return "request_too_large"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	case 529, http.StatusServiceUnavailable:
		return "overloaded_error"
	default:
		if status >= 400 && status < 500 {
			return "invalid_request_error"
		}
		return "api_error"
	}
}

func openAIErrorType(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusForbidden:
		return "permission_error"
	case status == http.StatusNotFound:
		return "not_found_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status >= 400 && status < 500:
		return "invalid_request_error"
	default:
		return "server_error"
	}
}

func errorCode(err error) string {
	var (
		validationErr  *apierror.ValidationError
		translationErr *apierror.TranslationError
		authErr        *apierror.AuthenticationError
		rateErr        *apierror.RateLimitError
		upstreamErr    *apierror.UpstreamError
	)
	switch {
	case errors.As(err, &validationErr):
		return "invalid_request"
	case errors.As(err, &translationErr):
		return "unsupported_content"
	case errors.As(err, &authErr):
		return "invalid_credential"
	case errors.As(err, &rateErr):
		return "rate_limit_exceeded"
	case errors.As(err, &upstreamErr):
		if upstreamErr.Type != "" {
			return upstreamErr.Type
		}
		return "upstream_error"
	default:
		return "internal_error"
	}
}
