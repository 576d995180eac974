package factory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/thinkflow/config"
	"github.com/BaSui01/thinkflow/llm"
	"github.com/BaSui01/thinkflow/llm/providers/openai"
	"github.com/BaSui01/thinkflow/types"
)

func baseConfig(typ string) config.ProviderConfig {
	return config.ProviderConfig{
		ID:      "main",
		Type:    typ,
		APIKey:  "test-key",
		Timeout: 5 * time.Second,
		Capabilities: config.CapabilityFlags{
			Streaming: true,
		},
	}
}

func TestNew_DispatchesOnType(t *testing.T) {
	cases := []struct {
		typ     string
		variant llm.Variant
	}{
		{config.ProviderTypeOpenAI, llm.VariantChatCompletion},
		{config.ProviderTypeAnthropic, llm.VariantMessagesWithCacheControl},
		{config.ProviderTypeGemini, llm.VariantChatCompletion},
	}
	for _, tc := range cases {
		p, err := New(baseConfig(tc.typ), zap.NewNop())
		require.NoError(t, err, tc.typ)
		assert.Equal(t, "main", p.Name(), tc.typ)
		assert.Equal(t, tc.variant, p.Variant(), tc.typ)
	}
}

func TestNew_ResponsesCapabilitySelectsVariant(t *testing.T) {
	cfg := baseConfig(config.ProviderTypeOpenAI)
	cfg.Capabilities.Responses = true
	p, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, llm.VariantResponses, p.Variant())
}

func TestNew_ResponsesMaskedOffOtherDialects(t *testing.T) {
	for _, typ := range []string{config.ProviderTypeAnthropic, config.ProviderTypeGemini} {
		cfg := baseConfig(typ)
		cfg.Capabilities.Responses = true
		p, err := New(cfg, zap.NewNop())
		require.NoError(t, err)
		assert.False(t, p.Capabilities().Has(llm.CapResponses), typ)
	}
}

func TestNew_UnknownTypeRejected(t *testing.T) {
	_, err := New(baseConfig("mistral"), zap.NewNop())
	require.Error(t, err)
	assert.Equal(t, types.KindInvalidRequest, types.GetKind(err))
	assert.Contains(t, err.Error(), "mistral")
}

func TestNew_RetryBudgetWrapsAdapter(t *testing.T) {
	cfg := baseConfig(config.ProviderTypeOpenAI)
	cfg.MaxRetries = 2
	p, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, "main", p.Name())
	_, bare := p.(*openai.Provider)
	assert.False(t, bare, "retry budget must wrap the adapter")
}

func TestCapabilityBits(t *testing.T) {
	assert.Equal(t, llm.Capability(0), CapabilityBits(config.CapabilityFlags{}))

	all := CapabilityBits(config.CapabilityFlags{
		Responses: true,
		Streaming: true,
		Vision:    true,
		Thinking:  true,
		Caching:   true,
	})
	for _, bit := range []llm.Capability{
		llm.CapResponses, llm.CapStreaming, llm.CapVision, llm.CapThinking, llm.CapCaching,
	} {
		assert.True(t, all.Has(bit))
	}

	one := CapabilityBits(config.CapabilityFlags{Thinking: true})
	assert.True(t, one.Has(llm.CapThinking))
	assert.False(t, one.Has(llm.CapStreaming))
}

func TestShared_MemoisesByConfig(t *testing.T) {
	ResetShared()
	t.Cleanup(ResetShared)

	cfg := baseConfig(config.ProviderTypeOpenAI)
	a, err := Shared(cfg, zap.NewNop())
	require.NoError(t, err)
	b, err := Shared(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Same(t, a, b, "identical configs share one adapter")

	other := cfg
	other.ID = "backup"
	c, err := Shared(other, zap.NewNop())
	require.NoError(t, err)
	assert.NotSame(t, a, c)

	ResetShared()
	d, err := Shared(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.NotSame(t, a, d, "reset drops the memo")
}

func TestNewRegistry_SingleProviderBecomesDefault(t *testing.T) {
	cfg := &config.Config{
		Providers: map[string]config.ProviderConfig{
			"main": baseConfig(config.ProviderTypeOpenAI),
		},
	}
	reg, err := NewRegistry(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Len())

	p, err := reg.Default()
	require.NoError(t, err)
	assert.Equal(t, "main", p.Name())

	resolved, model, err := reg.Resolve("gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "main", resolved.Name())
	assert.Equal(t, "gpt-4o", model)
}

func TestNewRegistry_SkipsBrokenProviders(t *testing.T) {
	good := baseConfig(config.ProviderTypeAnthropic)
	good.ID = "claude"
	bad := baseConfig("no-such-dialect")
	bad.ID = "broken"

	cfg := &config.Config{
		Providers: map[string]config.ProviderConfig{
			"claude": good,
			"broken": bad,
		},
	}
	reg, err := NewRegistry(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Len())

	_, found := reg.Get("claude")
	assert.True(t, found)
	_, found = reg.Get("broken")
	assert.False(t, found)
}

func TestNewRegistry_NoDefaultWithMultipleProviders(t *testing.T) {
	a := baseConfig(config.ProviderTypeOpenAI)
	a.ID = "openai"
	g := baseConfig(config.ProviderTypeGemini)
	g.ID = "gemini"

	cfg := &config.Config{
		Providers: map[string]config.ProviderConfig{
			"openai": a,
			"gemini": g,
		},
	}
	reg, err := NewRegistry(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Len())

	_, err = reg.Default()
	assert.Error(t, err, "ambiguous default must stay unset")

	resolved, model, err := reg.Resolve("gemini:gemini-2.5-pro")
	require.NoError(t, err)
	assert.Equal(t, "gemini", resolved.Name())
	assert.Equal(t, "gemini-2.5-pro", model)
}

func TestNewRegistry_FillsIDFromMapKey(t *testing.T) {
	entry := baseConfig(config.ProviderTypeGemini)
	entry.ID = ""

	cfg := &config.Config{
		Providers: map[string]config.ProviderConfig{"g1": entry},
	}
	reg, err := NewRegistry(cfg, zap.NewNop())
	require.NoError(t, err)

	p, found := reg.Get("g1")
	require.True(t, found)
	assert.Equal(t, "g1", p.Name())
}
