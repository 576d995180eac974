package prefixcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/thinkflow/internal/metrics"
	"github.com/BaSui01/thinkflow/types"
)

// Key namespaces. The same fingerprint can carry a cached response, a
// provider response id, and one folded artefact per strategy without the
// entries colliding.
const (
	nsContent    = "content:"
	nsResponseID = "response_id:"
	nsFold       = "fold:"
)

// Artifact is the cached outcome of an LLM call: enough to answer the same
// request again without going to the provider.
type Artifact struct {
	Text      string           `json:"text"`
	Provider  string           `json:"provider,omitempty"`
	Model     string           `json:"model,omitempty"`
	Usage     types.UsageStats `json:"usage"`
	CreatedAt time.Time        `json:"created_at"`
}

// Cache layers the fingerprint namespaces over a Store. Read errors are
// demoted to misses and write errors are surfaced but safe to ignore: a
// broken cache slows runs down, it must not fail them.
type Cache struct {
	store     Store
	ttl       time.Duration
	logger    *zap.Logger
	collector *metrics.Collector
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets the default entry lifetime. Zero means entries never expire.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithLogger sets the cache logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// WithCollector sets the metrics collector for hit/miss counters.
func WithCollector(collector *metrics.Collector) Option {
	return func(c *Cache) { c.collector = collector }
}

// NewCache wraps a store. With no options entries live for 30 minutes and
// hits/misses go to the default collector.
func NewCache(store Store, opts ...Option) *Cache {
	c := &Cache{
		store:  store,
		ttl:    30 * time.Minute,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.collector == nil {
		c.collector = metrics.Default()
	}
	return c
}

// GetContent returns the cached artefact for a fingerprint. A hit lets the
// engine skip the provider call entirely.
func (c *Cache) GetContent(ctx context.Context, fingerprint string) (*Artifact, bool) {
	data, ok := c.get(ctx, nsContent+fingerprint, "content")
	if !ok {
		return nil, false
	}
	var artifact Artifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		c.logger.Warn("cached artefact is corrupt, dropping",
			zap.String("fingerprint", fingerprint), zap.Error(err))
		_ = c.store.Delete(ctx, nsContent+fingerprint)
		return nil, false
	}
	return &artifact, true
}

// SetContent caches the artefact produced for a fingerprint.
func (c *Cache) SetContent(ctx context.Context, fingerprint string, artifact *Artifact) error {
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now()
	}
	data, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("failed to encode artefact: %w", err)
	}
	return c.set(ctx, nsContent+fingerprint, data)
}

// GetResponseID returns the provider response id stashed for a fingerprint.
// The engine sends it as previous_response_id so the provider can reuse its
// server-side prefix state.
func (c *Cache) GetResponseID(ctx context.Context, fingerprint string) (string, bool) {
	data, ok := c.get(ctx, nsResponseID+fingerprint, "response_id")
	if !ok {
		return "", false
	}
	return string(data), true
}

// SetResponseID stashes a provider response id under a fingerprint.
func (c *Cache) SetResponseID(ctx context.Context, fingerprint, responseID string) error {
	return c.set(ctx, nsResponseID+fingerprint, []byte(responseID))
}

// GetFold returns the compressed history cached for a fold fingerprint and
// strategy.
func (c *Cache) GetFold(ctx context.Context, fingerprint, strategy string) ([]types.Message, bool) {
	data, ok := c.get(ctx, nsFold+fingerprint+":"+strategy, "fold")
	if !ok {
		return nil, false
	}
	var messages []types.Message
	if err := json.Unmarshal(data, &messages); err != nil {
		c.logger.Warn("cached fold artefact is corrupt, dropping",
			zap.String("fingerprint", fingerprint), zap.Error(err))
		_ = c.store.Delete(ctx, nsFold+fingerprint+":"+strategy)
		return nil, false
	}
	return messages, true
}

// SetFold caches a compressed history under a fold fingerprint and strategy.
func (c *Cache) SetFold(ctx context.Context, fingerprint, strategy string, messages []types.Message) error {
	data, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("failed to encode fold artefact: %w", err)
	}
	return c.set(ctx, nsFold+fingerprint+":"+strategy, data)
}

// Invalidate removes the content and response-id entries for a fingerprint.
func (c *Cache) Invalidate(ctx context.Context, fingerprint string) error {
	if err := c.store.Delete(ctx, nsContent+fingerprint); err != nil {
		return err
	}
	return c.store.Delete(ctx, nsResponseID+fingerprint)
}

// Len reports how many entries the underlying store holds, all namespaces
// included.
func (c *Cache) Len(ctx context.Context) (int, error) {
	return c.store.Len(ctx)
}

func (c *Cache) get(ctx context.Context, key, cacheType string) ([]byte, bool) {
	data, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		c.collector.RecordCacheMiss(cacheType)
		return nil, false
	}
	if !ok {
		c.collector.RecordCacheMiss(cacheType)
		return nil, false
	}
	c.collector.RecordCacheHit(cacheType)
	return data, true
}

func (c *Cache) set(ctx context.Context, key string, data []byte) error {
	if err := c.store.Set(ctx, key, data, c.ttl); err != nil {
		c.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}
