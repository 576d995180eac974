// Package factory constructs provider adapters from configuration. It sits
// apart from the adapter packages to break the import cycle that would occur
// if construction lived in llm directly: the factory imports every adapter
// sub-package, and those import llm for the contract.
package factory

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/thinkflow/config"
	"github.com/BaSui01/thinkflow/llm"
	"github.com/BaSui01/thinkflow/llm/providers/anthropic"
	"github.com/BaSui01/thinkflow/llm/providers/gemini"
	"github.com/BaSui01/thinkflow/llm/providers/openai"
	"github.com/BaSui01/thinkflow/llm/retry"
	"github.com/BaSui01/thinkflow/types"
)

// CapabilityBits converts declarative capability flags into the dispatch
// bit-set carried by adapters.
func CapabilityBits(flags config.CapabilityFlags) llm.Capability {
	var caps llm.Capability
	if flags.Responses {
		caps |= llm.CapResponses
	}
	if flags.Streaming {
		caps |= llm.CapStreaming
	}
	if flags.Vision {
		caps |= llm.CapVision
	}
	if flags.Thinking {
		caps |= llm.CapThinking
	}
	if flags.Caching {
		caps |= llm.CapCaching
	}
	return caps
}

// New builds the adapter for one provider entry. The type set is closed:
// anything but openai, anthropic, or gemini is rejected. An entry with a
// retry budget comes back wrapped in the backoff retryer.
func New(cfg config.ProviderConfig, logger *zap.Logger) (llm.Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	caps := CapabilityBits(cfg.Capabilities)

	var p llm.Provider
	switch cfg.Type {
	case config.ProviderTypeOpenAI:
		p = openai.New(openai.Config{
			Name:         cfg.ID,
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			Timeout:      cfg.Timeout,
			Capabilities: caps,
		}, logger)
	case config.ProviderTypeAnthropic:
		p = anthropic.New(anthropic.Config{
			Name:         cfg.ID,
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			Timeout:      cfg.Timeout,
			Capabilities: caps,
		}, logger)
	case config.ProviderTypeGemini:
		p = gemini.New(gemini.Config{
			Name:         cfg.ID,
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			Timeout:      cfg.Timeout,
			Capabilities: caps,
		}, logger)
	default:
		return nil, types.InvalidRequestError(fmt.Sprintf("unknown provider type %q", cfg.Type))
	}

	if cfg.MaxRetries > 0 {
		policy := retry.DefaultRetryPolicy()
		policy.MaxRetries = cfg.MaxRetries
		p = retry.WrapProvider(p, policy, logger)
	}
	return p, nil
}

var (
	sharedMu sync.Mutex
	shared   = map[string]llm.Provider{}
)

// Shared returns a process-wide adapter for cfg, building it on first use.
// Identical configurations share one instance, and with it one HTTP
// connection pool.
func Shared(cfg config.ProviderConfig, logger *zap.Logger) (llm.Provider, error) {
	key, err := configKey(cfg)
	if err != nil {
		return nil, err
	}

	sharedMu.Lock()
	defer sharedMu.Unlock()
	if p, ok := shared[key]; ok {
		return p, nil
	}
	p, err := New(cfg, logger)
	if err != nil {
		return nil, err
	}
	shared[key] = p
	return p, nil
}

// ResetShared drops every memoised adapter. Intended for tests.
func ResetShared() {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	shared = map[string]llm.Provider{}
}

func configKey(cfg config.ProviderConfig) (string, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", types.InvalidRequestError("failed to fingerprint provider config").WithCause(err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// NewRegistry builds a registry holding every configured provider. An entry
// that fails to construct is logged and skipped rather than sinking the
// whole registry. When exactly one provider is configured it becomes the
// default, so bare model references resolve without a prefix.
func NewRegistry(cfg *config.Config, logger *zap.Logger) (*llm.Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	reg := llm.NewRegistry()

	ids := make([]string, 0, len(cfg.Providers))
	for id := range cfg.Providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		pcfg := cfg.Providers[id]
		if pcfg.ID == "" {
			pcfg.ID = id
		}
		p, err := New(pcfg, logger)
		if err != nil {
			logger.Warn("skipping provider: initialization failed",
				zap.String("provider", id),
				zap.Error(err))
			continue
		}
		reg.Register(id, p)
		logger.Info("provider registered",
			zap.String("provider", id),
			zap.String("type", pcfg.Type),
			zap.Stringer("variant", p.Variant()))
	}

	if reg.Len() == 1 {
		sole := reg.List()[0]
		if err := reg.SetDefault(sole); err != nil {
			return reg, fmt.Errorf("failed to set default provider %q: %w", sole, err)
		}
	}

	return reg, nil
}
