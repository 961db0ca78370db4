package llm

import (
	"errors"
	"fmt"
	"time"
)

// ErrMissingAPIKey is returned when no provider credential is configured.
var ErrMissingAPIKey = errors.New("llm: openai api key is not configured")

// APIError is the base error for a failed provider call.
// StatusCode and ResponseBody are kept for operator diagnostics.
type APIError struct {
	StatusCode   int
	ResponseBody string
	Message      string
	Err          error
}

func (e *APIError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("llm: status %d: %s", e.StatusCode, msg)
	}
	return "llm: " + msg
}

func (e *APIError) Unwrap() error { return e.Err }

// RateLimitError is returned for HTTP 429.
type RateLimitError struct {
	*APIError
	// RetryAfter is zero when the provider did not send Retry-After.
	RetryAfter time.Duration
}

func (e *RateLimitError) Unwrap() error { return e.APIError }

// TimeoutError is returned when the configured per-call timeout expires.
type TimeoutError struct{ *APIError }

func (e *TimeoutError) Unwrap() error { return e.APIError }

// NetworkError is returned for connection-level failures.
type NetworkError struct{ *APIError }

func (e *NetworkError) Unwrap() error { return e.APIError }

// InvalidResponseError is returned when the provider answered 2xx with an unusable body,
// and by the parser when model output does not match the block shape.
type InvalidResponseError struct{ *APIError }

func (e *InvalidResponseError) Unwrap() error { return e.APIError }

// NewInvalidResponseError builds an InvalidResponseError carrying raw as the response body.
func NewInvalidResponseError(message, raw string, cause error) *InvalidResponseError {
	return &InvalidResponseError{APIError: &APIError{Message: message, ResponseBody: raw, Err: cause}}
}

// IsRateLimit reports whether err is a RateLimitError.
func IsRateLimit(err error) bool {
	var target *RateLimitError
	return errors.As(err, &target)
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var target *TimeoutError
	return errors.As(err, &target)
}

// StatusCode returns the provider HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var target *APIError
	if errors.As(err, &target) {
		return target.StatusCode
	}
	return 0
}

// UserMessage converts err into text suitable for end users.
func UserMessage(err error) string {
	var (
		rateErr    *RateLimitError
		timeoutErr *TimeoutError
		netErr     *NetworkError
		invalidErr *InvalidResponseError
		apiErr     *APIError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMissingAPIKey):
		return "The OpenAI API key is missing. Please check settings."
	case errors.As(err, &rateErr):
		return "The AI service is rate limiting requests. Please try again later."
	case errors.As(err, &timeoutErr):
		return "The AI service took too long to respond. Please try again."
	case errors.As(err, &netErr):
		return "Could not reach the AI service. Please check connectivity and try again."
	case errors.As(err, &invalidErr):
		return "The AI service returned content in an unexpected format. Please try again."
	case errors.As(err, &apiErr):
		return fmt.Sprintf("The AI service returned an error (status %d). Please try again.", apiErr.StatusCode)
	default:
		return "Content generation failed. Please try again."
	}
}
