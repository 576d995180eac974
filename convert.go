package thinkflow

import (
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/thinkflow/config"
	"github.com/BaSui01/thinkflow/llm/folding"
	"github.com/BaSui01/thinkflow/llm/meter"
	"github.com/BaSui01/thinkflow/llm/prefixcache"
	"github.com/BaSui01/thinkflow/llm/ratelimit"
)

// localTierTTL bounds the in-process tier of a tiered store. Kept short
// so cross-process invalidations converge quickly; redis holds the real
// TTL.
const localTierTTL = 5 * time.Minute

// newStore builds the prefix-cache backend named by the cache section.
func newStore(cfg config.CacheConfig, logger *zap.Logger) (prefixcache.Store, error) {
	switch cfg.Backend {
	case "redis":
		return prefixcache.NewRedisStore(newRedisClient(cfg.Redis)), nil
	case "tiered":
		remote := prefixcache.NewRedisStore(newRedisClient(cfg.Redis))
		return prefixcache.NewTieredStore(prefixcache.NewMemoryStore(), remote, localTierTTL, logger), nil
	default:
		return prefixcache.NewMemoryStore(), nil
	}
}

func newRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})
}

// pricingFrom converts the config price table to the meter's own type.
func pricingFrom(cfg config.PricingConfig) meter.Pricing {
	pricing := make(meter.Pricing, len(cfg))
	for provider, byModel := range cfg {
		entries := make(map[string]meter.Entry, len(byModel))
		for model, e := range byModel {
			entries[model] = meter.Entry{
				Prompt:       e.Prompt,
				Completion:   e.Completion,
				CachedPrompt: e.CachedPrompt,
				Reasoning:    e.Reasoning,
			}
		}
		pricing[provider] = entries
	}
	return pricing
}

// foldingConfigFrom maps the config folding section onto the folder's
// config, keeping the folder defaults for everything the section does not
// express (warm strategy, distill temperature, role merging).
func foldingConfigFrom(cfg config.FoldingConfig) folding.Config {
	out := folding.DefaultConfig()
	out.Enabled = cfg.Enabled
	if cfg.HotWindow > 0 {
		out.HotWindow = cfg.HotWindow
	}
	if cfg.WarmWindow > 0 {
		out.WarmWindow = cfg.WarmWindow
	}
	if cfg.Strategy != "" {
		out.ColdStrategy = cfg.Strategy
	}
	out.DistillModel = cfg.DistillModel
	if cfg.MaxDistillRetries > 0 {
		out.MaxDistillRetries = cfg.MaxDistillRetries
	}
	if cfg.CacheTTL > 0 {
		out.CacheTTL = cfg.CacheTTL
	}
	return out
}

// limitDefaultsFrom maps the config rate-limit section onto a bucket
// config. The bucket template is applied where keys are composed, not
// here.
func limitDefaultsFrom(cfg config.RateLimitConfig) ratelimit.Config {
	return ratelimit.Config{
		QPS:           cfg.QPS,
		Burst:         cfg.Burst,
		WindowLimit:   cfg.WindowLimit,
		WindowSeconds: cfg.WindowSeconds,
		Strategy:      ratelimit.Strategy(cfg.Strategy),
		Timeout:       cfg.Timeout,
	}
}
