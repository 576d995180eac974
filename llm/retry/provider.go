package retry

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/thinkflow/llm"
)

// retryingProvider decorates a Provider so unary calls run under a retry
// policy. Streaming passes through undecorated: a half-delivered stream
// cannot be replayed.
type retryingProvider struct {
	inner   llm.Provider
	retryer Retryer
}

// WrapProvider returns p with Chat and Responses retried per policy. A nil
// policy gets the default; a zero retry budget returns p unwrapped.
func WrapProvider(p llm.Provider, policy *RetryPolicy, logger *zap.Logger) llm.Provider {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	if policy.MaxRetries <= 0 {
		return p
	}
	if logger != nil {
		logger = logger.With(zap.String("provider", p.Name()))
	}
	return &retryingProvider{
		inner:   p,
		retryer: NewBackoffRetryer(policy, logger),
	}
}

func (w *retryingProvider) Name() string                 { return w.inner.Name() }
func (w *retryingProvider) Variant() llm.Variant         { return w.inner.Variant() }
func (w *retryingProvider) Capabilities() llm.Capability { return w.inner.Capabilities() }

func (w *retryingProvider) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	return DoWithResultTyped(w.retryer, ctx, func() (*llm.ChatResponse, error) {
		return w.inner.Chat(ctx, req)
	})
}

func (w *retryingProvider) Responses(ctx context.Context, req *llm.ResponsesRequest) (*llm.ResponsesResult, error) {
	return DoWithResultTyped(w.retryer, ctx, func() (*llm.ResponsesResult, error) {
		return w.inner.Responses(ctx, req)
	})
}

func (w *retryingProvider) ChatStream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	return w.inner.ChatStream(ctx, req)
}
