package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/BaSui01/thinkflow/types"
)

const (
	// maxErrorBodyBytes bounds how much of an error body is read.
	maxErrorBodyBytes = 64 << 10
	// maxResponseBodyBytes bounds how much of a success body is read.
	maxResponseBodyBytes = 32 << 20
)

// MapHTTPError converts an upstream HTTP status and message into the
// structured error taxonomy. The mapping is shared by every adapter so a
// given upstream failure classifies identically regardless of provider.
func MapHTTPError(status int, msg, provider string) *types.Error {
	if msg == "" {
		msg = http.StatusText(status)
	}

	var e *types.Error
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e = types.AuthError(msg)
	case status == http.StatusNotFound:
		e = types.NotFoundError(msg)
	case status == http.StatusTooManyRequests:
		e = types.RateLimitError(msg)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		e = types.TimeoutError(msg)
	case status == http.StatusPaymentRequired:
		e = types.GenericError(msg).WithDetails(map[string]any{"quota_exhausted": true})
	case status == http.StatusBadRequest:
		// Some upstreams report exhausted balances as 400 instead of 429.
		// Those are terminal, not malformed requests, and must not retry.
		if looksLikeQuotaExhaustion(msg) {
			e = types.GenericError(msg).WithDetails(map[string]any{"quota_exhausted": true})
		} else {
			e = types.InvalidRequestError(msg)
		}
	case status >= http.StatusInternalServerError:
		e = types.ServerError(msg)
	default:
		e = types.GenericError(msg)
	}
	return e.WithHTTPStatus(status).WithProvider(provider)
}

func looksLikeQuotaExhaustion(msg string) bool {
	lower := strings.ToLower(msg)
	for _, kw := range []string{"quota", "credit", "balance", "billing"} {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// MapTransportError classifies a failure from the HTTP client itself:
// deadline expiry maps to the timeout kind, caller cancellation fails fast,
// and anything else is a retryable upstream failure.
func MapTransportError(provider string, err error) *types.Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return types.TimeoutError("request deadline exceeded").WithCause(err).WithProvider(provider)
	case errors.Is(err, context.Canceled):
		return types.GenericError("request cancelled").WithCause(err).WithProvider(provider)
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return types.TimeoutError("request timed out").WithCause(err).WithProvider(provider)
	}
	return types.ServerError("upstream request failed").WithCause(err).WithProvider(provider)
}

// ReadErrorMessage extracts a human-readable message from an upstream error
// body. It understands the common {"error": {...}} envelope, both object and
// string forms, and falls back to the raw body text.
func ReadErrorMessage(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, maxErrorBodyBytes))
	if err != nil {
		return ""
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		return ""
	}

	var envelope struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if json.Unmarshal(body, &envelope) == nil {
		if len(envelope.Error) > 0 {
			var detail struct {
				Message string `json:"message"`
				Type    string `json:"type"`
				Status  string `json:"status"`
			}
			if json.Unmarshal(envelope.Error, &detail) == nil && detail.Message != "" {
				switch {
				case detail.Type != "":
					return fmt.Sprintf("%s (type: %s)", detail.Message, detail.Type)
				case detail.Status != "":
					return fmt.Sprintf("%s (status: %s)", detail.Message, detail.Status)
				default:
					return detail.Message
				}
			}
			var plain string
			if json.Unmarshal(envelope.Error, &plain) == nil && plain != "" {
				return plain
			}
		}
		if envelope.Message != "" {
			return envelope.Message
		}
	}
	return text
}

// HandleErrorResponse turns a non-2xx response into a taxonomy error.
func HandleErrorResponse(resp *http.Response, provider string) *types.Error {
	return MapHTTPError(resp.StatusCode, ReadErrorMessage(resp.Body), provider)
}

// ReadJSONResponse reads the full success body, decodes it into out, and
// returns the loosely-typed form alongside for the Raw diagnostic field.
// A body that fails to decode is treated as a retryable upstream fault.
func ReadJSONResponse(resp *http.Response, provider string, out any) (map[string]any, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	if err != nil {
		return nil, types.ServerError("failed to read response body").WithCause(err).WithProvider(provider)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return nil, types.ServerError("failed to decode response").WithCause(err).WithProvider(provider)
	}
	var raw map[string]any
	_ = json.Unmarshal(body, &raw)
	return raw, nil
}

// DrainAndClose discards any unread body and closes it so the transport can
// reuse the connection.
func DrainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxErrorBodyBytes))
	_ = body.Close()
}
