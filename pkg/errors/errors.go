// Package errors defines the unified error taxonomy for llmrelay operations.
// Every error surfaced to a caller names the provider involved and, where it
// helps, a concrete remedy.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// IssueURL is the stable pointer included in internal error messages.
const IssueURL = "https://github.com/blueberrycongee/llmrelay/issues"

// Error type identifiers.
const (
	TypeConfig           = "config_error"
	TypeProviderNotFound = "provider_not_found"
	TypeNoKeysAvailable  = "no_keys_available"
	TypeRateLimit        = "rate_limit_error"
	TypeRequest          = "request_error"
	TypeResponse         = "response_error"
	TypeStream           = "stream_error"
	TypeAuthentication   = "authentication_error"
	TypeTimeout          = "timeout_error"
	TypeInternal         = "internal_error"
)

// Error is the standardized error for all llmrelay operations.
type Error struct {
	Type       string        `json:"type"`
	Message    string        `json:"message"`
	Provider   string        `json:"provider,omitempty"`
	Model      string        `json:"model,omitempty"`
	StatusCode int           `json:"status_code,omitempty"`
	RetryAfter time.Duration `json:"-"`
	Retryable  bool          `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// HTTPStatusCode returns the status code associated with the error, or 500.
func (e *Error) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// NewConfigError reports invalid configuration. The offending input should be
// echoed in the message so the caller can fix it.
func NewConfigError(format string, args ...any) *Error {
	return &Error{
		Type:    TypeConfig,
		Message: "configuration error: " + fmt.Sprintf(format, args...),
	}
}

// NewProviderNotFoundError reports a provider missing from the registry.
func NewProviderNotFoundError(provider string) *Error {
	return &Error{
		Type:     TypeProviderNotFound,
		Provider: provider,
		Message: fmt.Sprintf(
			"provider %q not found; add it to your config with a base_url",
			provider),
	}
}

// NewNoKeysError reports that no usable credentials exist for a provider.
func NewNoKeysError(provider string) *Error {
	return &Error{
		Type:     TypeNoKeysAvailable,
		Provider: provider,
		Message: fmt.Sprintf(
			"no API keys available for %q; set %s_API_KEY or add keys to the key pool config",
			provider, strings.ToUpper(provider)),
	}
}

// NewRateLimitError reports provider throttling. retryAfter is zero when the
// provider did not suggest a wait.
func NewRateLimitError(provider string, retryAfter time.Duration) *Error {
	msg := fmt.Sprintf("rate limited by %q; consider adding more API keys for rotation", provider)
	if retryAfter > 0 {
		msg = fmt.Sprintf("rate limited by %q, retry after %s", provider, retryAfter)
	}
	return &Error{
		Type:       TypeRateLimit,
		Provider:   provider,
		StatusCode: http.StatusTooManyRequests,
		RetryAfter: retryAfter,
		Retryable:  true,
		Message:    msg,
	}
}

// NewRequestError reports a failed HTTP exchange.
func NewRequestError(provider string, statusCode int, message string) *Error {
	return &Error{
		Type:       TypeRequest,
		Provider:   provider,
		StatusCode: statusCode,
		Message:    fmt.Sprintf("request to %q failed: %s", provider, message),
	}
}

// NewResponseError reports an unparseable or malformed provider response.
// Never retried.
func NewResponseError(provider, message string) *Error {
	return &Error{
		Type:     TypeResponse,
		Provider: provider,
		Message:  fmt.Sprintf("response from %q: %s", provider, message),
	}
}

// NewStreamError reports a failure while consuming a streamed response.
func NewStreamError(provider, message string) *Error {
	return &Error{
		Type:     TypeStream,
		Provider: provider,
		Message:  fmt.Sprintf("streaming error from %q: %s", provider, message),
	}
}

// NewAuthenticationError reports a 401/403 from the provider. Never retried.
func NewAuthenticationError(provider, message string) *Error {
	return &Error{
		Type:       TypeAuthentication,
		Provider:   provider,
		StatusCode: http.StatusUnauthorized,
		Message:    fmt.Sprintf("authentication failed for %q: %s; check your API key", provider, message),
	}
}

// NewTimeoutError reports a request that exceeded its deadline.
func NewTimeoutError(provider, message string) *Error {
	return &Error{
		Type:       TypeTimeout,
		Provider:   provider,
		StatusCode: http.StatusRequestTimeout,
		Retryable:  true,
		Message:    fmt.Sprintf("request to %q timed out: %s", provider, message),
	}
}

// NewInternalError reports a bug in llmrelay itself.
func NewInternalError(message string) *Error {
	return &Error{
		Type:    TypeInternal,
		Message: fmt.Sprintf("internal error: %s; please report this at %s", message, IssueURL),
	}
}

// IsType reports whether err is an *Error of the given type.
func IsType(err error, errType string) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == errType
}

// IsRateLimit reports whether err is a rate-limit error.
func IsRateLimit(err error) bool {
	return IsType(err, TypeRateLimit)
}

// As unwraps err into an *Error, or nil if it is not one.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}
