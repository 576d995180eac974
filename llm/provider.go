// Package llm defines the provider abstraction the reasoning engines call
// through: a closed set of wire variants, a capability bit-set, and the
// request/response types shared by every adapter.
package llm

import (
	"context"
	"strings"
	"time"

	"github.com/BaSui01/thinkflow/types"
)

// Variant names the wire dialect an adapter speaks. The set is closed:
// dispatch decisions switch over these values instead of probing optional
// interfaces at runtime.
type Variant uint8

const (
	// VariantChatCompletion is the single-turn chat wire: system prompt
	// prepended as a message, usage under prompt/completion token fields.
	VariantChatCompletion Variant = iota

	// VariantResponses is the richer endpoint of the same back-end: requests
	// chain through previous_response_id for server-side prefix caching and
	// each response carries an id to stash.
	VariantResponses

	// VariantMessagesWithCacheControl carries the system prompt as a
	// top-level field and marks cache participation per-message.
	VariantMessagesWithCacheControl
)

// String returns the variant's wire name.
func (v Variant) String() string {
	switch v {
	case VariantChatCompletion:
		return "chat_completion"
	case VariantResponses:
		return "responses"
	case VariantMessagesWithCacheControl:
		return "messages_with_cache_control"
	default:
		return "unknown"
	}
}

// Capability is a bit-set of optional provider features. Engines consult it
// before dispatching instead of trying a call and recovering.
type Capability uint8

const (
	CapResponses Capability = 1 << iota
	CapStreaming
	CapVision
	CapThinking
	CapCaching
)

// Has reports whether every bit in want is set.
func (c Capability) Has(want Capability) bool { return c&want == want }

// String renders the set bits in declaration order.
func (c Capability) String() string {
	if c == 0 {
		return "none"
	}
	names := []string{}
	for _, entry := range []struct {
		bit  Capability
		name string
	}{
		{CapResponses, "responses"},
		{CapStreaming, "streaming"},
		{CapVision, "vision"},
		{CapThinking, "thinking"},
		{CapCaching, "caching"},
	} {
		if c.Has(entry.bit) {
			names = append(names, entry.name)
		}
	}
	return strings.Join(names, "|")
}

// ErrNotSupported is returned when a call needs a capability the provider
// does not advertise.
var ErrNotSupported = types.InvalidRequestError("operation not supported by provider")

// ChatRequest is a single-turn chat call.
type ChatRequest struct {
	// Upstream model name
	Model string `json:"model"`
	// Conversation; the system prompt rides as the first message and
	// messages-style wires lift it into their own system field.
	Messages []types.Message `json:"messages"`
	// Sampling and decoding options
	Params types.CallParams `json:"params,omitempty"`
}

// ChatResponse is the adapter-normalised result of a chat call.
type ChatResponse struct {
	// Provider-assigned completion id, when present
	ID string `json:"id,omitempty"`
	// Provider name that served the call
	Provider string `json:"provider,omitempty"`
	// Upstream model that answered
	Model string `json:"model"`
	// Assistant text
	Text string `json:"text"`
	// Finish reason as reported on the wire
	FinishReason string `json:"finish_reason,omitempty"`
	// Normalised token accounting
	Usage types.UsageStats `json:"usage"`
	// Raw decoded response body for diagnostics
	Raw map[string]any `json:"raw,omitempty"`
	// Wall-clock completion time
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// ResponsesRequest is a call against the responses wire.
type ResponsesRequest struct {
	Model string `json:"model"`
	// Input items; on a chained call only the new suffix is sent
	Input []types.Message `json:"input"`
	// Ask the provider to retain the response for future chaining
	Store bool `json:"store,omitempty"`
	// Chain onto an earlier response's server-side prefix
	PreviousResponseID string `json:"previous_response_id,omitempty"`
	// Sampling and decoding options
	Params types.CallParams `json:"params,omitempty"`
}

// ResponsesResult is the adapter-normalised result of a responses call.
type ResponsesResult struct {
	// Response id to stash for chaining
	ResponseID string `json:"response_id"`
	Provider   string `json:"provider,omitempty"`
	Model      string `json:"model"`
	Text       string `json:"text"`
	// Normalised token accounting, reasoning tokens included
	Usage types.UsageStats `json:"usage"`
	Raw   map[string]any   `json:"raw,omitempty"`
}

// StreamChunk is one increment of a streamed chat call. The final chunk may
// carry usage; a failed stream delivers Err and closes.
type StreamChunk struct {
	// Text delta
	Delta string `json:"delta,omitempty"`
	// Set on the terminal chunk
	FinishReason string `json:"finish_reason,omitempty"`
	// Usage totals, usually only on the terminal chunk
	Usage *types.UsageStats `json:"usage,omitempty"`
	// Terminal error; the channel closes after delivering it
	Err *types.Error `json:"error,omitempty"`
}

// Provider is the uniform adapter interface over the three wire variants.
// Implementations are safe for concurrent use; every call honours ctx
// cancellation and deadlines.
type Provider interface {
	// Name returns the configured provider id.
	Name() string

	// Variant reports the wire dialect this adapter speaks.
	Variant() Variant

	// Capabilities reports the feature bits this adapter supports.
	Capabilities() Capability

	// Chat performs a synchronous chat call.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// ChatStream performs a streaming chat call. The returned channel is
	// closed when the stream ends. Providers without CapStreaming return
	// ErrNotSupported.
	ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)

	// Responses performs a call against the responses wire. Providers
	// without CapResponses return ErrNotSupported.
	Responses(ctx context.Context, req *ResponsesRequest) (*ResponsesResult, error)
}
