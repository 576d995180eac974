package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/thinkflow/types"
)

// stubProvider is the minimal Provider used by registry tests.
type stubProvider struct {
	name string
}

func (s *stubProvider) Name() string             { return s.name }
func (s *stubProvider) Variant() Variant         { return VariantChatCompletion }
func (s *stubProvider) Capabilities() Capability { return CapStreaming }

func (s *stubProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	return &ChatResponse{Provider: s.name, Model: req.Model, Text: "ok"}, nil
}

func (s *stubProvider) ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	ch := make(chan StreamChunk)
	close(ch)
	return ch, nil
}

func (s *stubProvider) Responses(ctx context.Context, req *ResponsesRequest) (*ResponsesResult, error) {
	return nil, ErrNotSupported
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, 0, r.Len())

	r.Register("alpha", &stubProvider{name: "alpha"})
	r.Register("beta", &stubProvider{name: "beta"})

	p, ok := r.Get("alpha")
	require.True(t, ok)
	assert.Equal(t, "alpha", p.Name())

	_, ok = r.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"alpha", "beta"}, r.List())
	assert.Equal(t, 2, r.Len())
}

func TestRegistry_Default(t *testing.T) {
	r := NewRegistry()

	_, err := r.Default()
	assert.Error(t, err)

	r.Register("alpha", &stubProvider{name: "alpha"})
	assert.Error(t, r.SetDefault("missing"))
	require.NoError(t, r.SetDefault("alpha"))

	p, err := r.Default()
	require.NoError(t, err)
	assert.Equal(t, "alpha", p.Name())
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry()
	r.Register("alpha", &stubProvider{name: "alpha"})
	require.NoError(t, r.SetDefault("alpha"))

	r.Unregister("alpha")
	assert.Equal(t, 0, r.Len())

	// The cleared default must not resolve.
	_, err := r.Default()
	assert.Error(t, err)
}

func TestRegistry_ResolvePrefixed(t *testing.T) {
	r := NewRegistry()
	r.Register("openai", &stubProvider{name: "openai"})
	r.Register("anthropic", &stubProvider{name: "anthropic"})

	p, model, err := r.Resolve("anthropic:claude-sonnet-4")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Name())
	assert.Equal(t, "claude-sonnet-4", model)

	// Only the first colon separates; the model part keeps the rest.
	p, model, err = r.Resolve("openai:ft:gpt-4o:org::ckpt")
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
	assert.Equal(t, "ft:gpt-4o:org::ckpt", model)
}

func TestRegistry_ResolveDefault(t *testing.T) {
	r := NewRegistry()
	r.Register("openai", &stubProvider{name: "openai"})
	require.NoError(t, r.SetDefault("openai"))

	p, model, err := r.Resolve("gpt-4o-mini")
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
	assert.Equal(t, "gpt-4o-mini", model)
}

func TestRegistry_ResolveErrors(t *testing.T) {
	r := NewRegistry()
	r.Register("openai", &stubProvider{name: "openai"})

	_, _, err := r.Resolve("")
	assert.Equal(t, types.KindInvalidRequest, types.GetKind(err))

	_, _, err = r.Resolve(":gpt-4o")
	assert.Equal(t, types.KindInvalidRequest, types.GetKind(err))

	_, _, err = r.Resolve("openai:")
	assert.Equal(t, types.KindInvalidRequest, types.GetKind(err))

	_, _, err = r.Resolve("nosuch:model")
	assert.Equal(t, types.KindNotFound, types.GetKind(err))

	// Bare reference with no default provider configured.
	_, _, err = r.Resolve("gpt-4o")
	assert.Equal(t, types.KindNotFound, types.GetKind(err))
}
