package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies an error into one of the provider-neutral categories.
type ErrorKind string

const (
	KindAuth           ErrorKind = "auth"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindNotFound       ErrorKind = "not_found"
	KindRateLimit      ErrorKind = "rate_limit"
	KindTimeout        ErrorKind = "timeout"
	KindServer         ErrorKind = "server"
	KindGeneric        ErrorKind = "generic"
)

// ErrorCode is the wire-level error code exposed in payloads.
type ErrorCode string

const (
	CodeAuth           ErrorCode = "auth_error"
	CodeInvalidRequest ErrorCode = "invalid_request_error"
	CodeNotFound       ErrorCode = "not_found_error"
	CodeRateLimit      ErrorCode = "rate_limit_error"
	CodeTimeout        ErrorCode = "timeout_error"
	CodeServer         ErrorCode = "server_error"
	CodeGeneric        ErrorCode = "provider_error"
)

// Error represents a structured error with kind, code, and metadata.
// Retryable is fixed per kind: rate-limit, timeout, and server errors
// retry; everything else fails fast.
type Error struct {
	Kind       ErrorKind      `json:"kind"`
	Code       ErrorCode      `json:"code"`
	Message    string         `json:"message"`
	HTTPStatus int            `json:"http_status,omitempty"`
	Retryable  bool           `json:"retryable"`
	Provider   string         `json:"provider,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Cause      error          `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Payload returns the structured wire shape surfaced by the engine.
func (e *Error) Payload() map[string]any {
	p := map[string]any{
		"message": e.Message,
		"type":    string(e.Kind),
		"code":    string(e.Code),
	}
	if e.Provider != "" {
		p["provider"] = e.Provider
	}
	if len(e.Details) > 0 {
		p["details"] = e.Details
	}
	return p
}

// NewError creates an Error of the given kind. Code, HTTP status, and the
// retryable bit are derived from the kind.
func NewError(kind ErrorKind, message string) *Error {
	e := &Error{Kind: kind, Message: message}
	switch kind {
	case KindAuth:
		e.Code, e.HTTPStatus = CodeAuth, http.StatusUnauthorized
	case KindInvalidRequest:
		e.Code, e.HTTPStatus = CodeInvalidRequest, http.StatusBadRequest
	case KindNotFound:
		e.Code, e.HTTPStatus = CodeNotFound, http.StatusNotFound
	case KindRateLimit:
		e.Code, e.HTTPStatus, e.Retryable = CodeRateLimit, http.StatusTooManyRequests, true
	case KindTimeout:
		e.Code, e.HTTPStatus, e.Retryable = CodeTimeout, http.StatusGatewayTimeout, true
	case KindServer:
		e.Code, e.HTTPStatus, e.Retryable = CodeServer, http.StatusBadGateway, true
	default:
		e.Kind, e.Code, e.HTTPStatus = KindGeneric, CodeGeneric, http.StatusBadGateway
	}
	return e
}

// AuthError creates an authentication error (401, not retried).
func AuthError(message string) *Error { return NewError(KindAuth, message) }

// InvalidRequestError creates a contract-violation error (400, not retried).
func InvalidRequestError(message string) *Error { return NewError(KindInvalidRequest, message) }

// NotFoundError creates an unknown-resource error (404, not retried).
func NotFoundError(message string) *Error { return NewError(KindNotFound, message) }

// RateLimitError creates a rate-limit error (429, retried with backoff).
func RateLimitError(message string) *Error { return NewError(KindRateLimit, message) }

// TimeoutError creates a timeout error (504, retried).
func TimeoutError(message string) *Error { return NewError(KindTimeout, message) }

// ServerError creates an upstream 5xx error (502, retried).
func ServerError(message string) *Error { return NewError(KindServer, message) }

// GenericError creates the fallback provider error (502, not retried).
func GenericError(message string) *Error { return NewError(KindGeneric, message) }

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus overrides the HTTP status code. The status a provider
// actually returned is kept even when it differs from the canonical one
// for the kind.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// WithDetails attaches provider-specific detail fields.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// IsRetryable checks whether an error may be retried.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetKind extracts the error kind; unclassified errors report KindGeneric.
func GetKind(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindGeneric
}

// AsError unwraps err to a *Error, or wraps it as a generic one so callers
// always get the structured shape.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return GenericError(err.Error()).WithCause(err)
}
