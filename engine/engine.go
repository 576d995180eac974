package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/thinkflow/internal/metrics"
	"github.com/BaSui01/thinkflow/llm"
	"github.com/BaSui01/thinkflow/llm/folding"
	"github.com/BaSui01/thinkflow/llm/meter"
	"github.com/BaSui01/thinkflow/llm/prefixcache"
	"github.com/BaSui01/thinkflow/llm/ratelimit"
	"github.com/BaSui01/thinkflow/llm/retry"
	"github.com/BaSui01/thinkflow/types"
)

const instrumentationName = "github.com/BaSui01/thinkflow/engine"

// Stage names route each call through ModelConfig.StageModels to a possibly
// distinct underlying model.
const (
	stageInitial      = "initial"
	stageVerification = "verification"
	stageCorrection   = "correction"
	stageSummary      = "summary"
	stagePlanning     = "planning"
	stageAgentConfig  = "agent_config"
	stageSynthesis    = "synthesis"
)

// core carries the collaborators both reasoning loops call through. The
// zero-value collaborators are safe: a nil cache disables caching, a nil
// folder disables history compression.
type core struct {
	provider    llm.Provider
	baseModel   string
	stageModels map[string]string
	meter       *meter.Meter
	cache       *prefixcache.Cache
	limiter     *ratelimit.Registry
	folder      *folding.Folder
	retryer     retry.Retryer
	limitCfg    ratelimit.Config
	logger      *zap.Logger
	tracer      trace.Tracer
	collector   *metrics.Collector
}

// Option injects a collaborator into an engine.
type Option func(*core)

// WithStageModels routes stages to distinct underlying models. Stages
// without an entry use the base model.
func WithStageModels(models map[string]string) Option {
	return func(c *core) { c.stageModels = models }
}

// WithMeter sets the usage meter. UltraThink passes its own meter to every
// worker so one run bills as one unit.
func WithMeter(m *meter.Meter) Option {
	return func(c *core) { c.meter = m }
}

// WithCache enables the prefix cache: content reuse for chat calls and
// response-id chaining for responses-capable providers.
func WithCache(cache *prefixcache.Cache) Option {
	return func(c *core) { c.cache = cache }
}

// WithLimiter sets the rate-limit registry. Defaults to the process-wide one.
func WithLimiter(r *ratelimit.Registry) Option {
	return func(c *core) { c.limiter = r }
}

// WithFolder enables memory folding of the working history.
func WithFolder(f *folding.Folder) Option {
	return func(c *core) { c.folder = f }
}

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *core) { c.logger = logger }
}

// WithCollector sets the Prometheus collector. Defaults to the process-wide
// collector.
func WithCollector(collector *metrics.Collector) Option {
	return func(c *core) { c.collector = collector }
}

// WithRetryer overrides the retry policy built from MaxRetries.
func WithRetryer(r retry.Retryer) Option {
	return func(c *core) { c.retryer = r }
}

func newCore(provider llm.Provider, baseModel string, limitCfg ratelimit.Config, maxRetries int, opts ...Option) core {
	c := core{
		provider:  provider,
		baseModel: baseModel,
		limitCfg:  limitCfg,
		logger:    zap.NewNop(),
		tracer:    otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(&c)
	}
	if c.meter == nil {
		c.meter = meter.NewMeter()
	}
	if c.limiter == nil {
		c.limiter = ratelimit.Default()
	}
	if c.collector == nil {
		c.collector = metrics.Default()
	}
	if c.retryer == nil && maxRetries > 0 {
		policy := retry.DefaultRetryPolicy()
		policy.MaxRetries = maxRetries
		c.retryer = retry.NewBackoffRetryer(policy, c.logger)
	}
	return c
}

// stageModel picks the underlying model for a stage.
func (c *core) stageModel(stage string) string {
	if m, ok := c.stageModels[stage]; ok && m != "" {
		return m
	}
	return c.baseModel
}

// stageResult is the normalised outcome of one stage call.
type stageResult struct {
	text       string
	responseID string
	usage      types.UsageStats
	// cached marks a content-cache hit: no provider call was made and no
	// usage was metered.
	cached bool
}

// callLLM runs one stage call: content-cache lookup, rate-limit admission,
// capability-routed dispatch with retry, metering, and cache write-back.
// Responses-capable providers skip the local content cache; their
// server-side prefix cache is fed through store/previousResponseID instead.
func (c *core) callLLM(ctx context.Context, stage string, messages []types.Message, params types.CallParams, store bool, previousResponseID string) (*stageResult, error) {
	model := c.stageModel(stage)
	useResponses := c.provider.Capabilities().Has(llm.CapResponses)

	ctx, span := c.tracer.Start(ctx, "engine.call",
		trace.WithAttributes(
			attribute.String("llm.provider", c.provider.Name()),
			attribute.String("llm.model", model),
			attribute.String("engine.stage", stage),
		))
	defer span.End()

	var fingerprint string
	if c.cache != nil && !useResponses {
		fp, err := c.contentFingerprint(model, messages, params)
		if err != nil {
			return nil, err
		}
		fingerprint = fp
		if artifact, ok := c.cache.GetContent(ctx, fingerprint); ok {
			span.SetAttributes(attribute.Bool("cache.hit", true))
			return &stageResult{text: artifact.Text, usage: artifact.Usage, cached: true}, nil
		}
	}

	key := ratelimit.ComposeKey(ratelimit.DefaultBucketTemplate, c.provider.Name(), model)
	if err := c.limiter.Acquire(ctx, key, c.limitCfg); err != nil {
		return nil, err
	}

	dispatch := func() (*stageResult, error) {
		return c.dispatch(ctx, model, messages, params, store, previousResponseID)
	}
	start := time.Now()
	var res *stageResult
	var err error
	if c.retryer != nil {
		res, err = retry.DoWithResultTyped(c.retryer, ctx, dispatch)
	} else {
		res, err = dispatch()
	}
	if err != nil {
		c.collector.RecordLLMCall(c.provider.Name(), model, stage, "error", time.Since(start))
		return nil, err
	}
	c.collector.RecordLLMCall(c.provider.Name(), model, stage, "success", time.Since(start))

	c.meter.Record(c.provider.Name(), model, stage, res.usage)

	if fingerprint != "" {
		artifact := &prefixcache.Artifact{
			Text:     res.text,
			Provider: c.provider.Name(),
			Model:    model,
			Usage:    res.usage,
		}
		if err := c.cache.SetContent(ctx, fingerprint, artifact); err != nil {
			c.logger.Warn("failed to cache stage result",
				zap.String("stage", stage), zap.Error(err))
		}
	}
	return res, nil
}

// dispatch routes the call over the provider's richest wire.
func (c *core) dispatch(ctx context.Context, model string, messages []types.Message, params types.CallParams, store bool, previousResponseID string) (*stageResult, error) {
	if c.provider.Capabilities().Has(llm.CapResponses) {
		res, err := c.provider.Responses(ctx, &llm.ResponsesRequest{
			Model:              model,
			Input:              messages,
			Store:              store,
			PreviousResponseID: previousResponseID,
			Params:             params,
		})
		if err != nil {
			return nil, err
		}
		return &stageResult{text: res.Text, responseID: res.ResponseID, usage: res.Usage}, nil
	}

	res, err := c.provider.Chat(ctx, &llm.ChatRequest{
		Model:    model,
		Messages: messages,
		Params:   params,
	})
	if err != nil {
		return nil, err
	}
	return &stageResult{text: res.Text, usage: res.Usage}, nil
}

// contentFingerprint keys one call's full input: system prompt, remaining
// messages, and effective params.
func (c *core) contentFingerprint(model string, messages []types.Message, params types.CallParams) (string, error) {
	system, rest := splitSystem(messages)
	return prefixcache.Fingerprint(c.provider.Name(), model, system, "", rest, params.Canonical())
}

// splitSystem separates system text from the conversational remainder.
func splitSystem(messages []types.Message) (string, []types.Message) {
	var system []string
	rest := make([]types.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == types.RoleSystem {
			system = append(system, m.Text())
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}

// abortErr converts a failure under a dead context into the run-level
// timeout the caller is promised. Returns nil while the context is live.
func abortErr(ctx context.Context, cause error) error {
	if ctx.Err() == nil {
		return nil
	}
	return types.TimeoutError("run aborted before completion").WithCause(cause)
}

// usageTally accumulates one run's own spend. The shared meter cannot serve
// here: under UltraThink several workers feed the same meter, but each
// result must report only what its run consumed.
type usageTally struct {
	mu    sync.Mutex
	total types.UsageStats
}

func (t *usageTally) add(u types.UsageStats) {
	t.mu.Lock()
	t.total.Add(u)
	t.mu.Unlock()
}

// addCall charges a stage call to the run. Content-cache hits cost nothing:
// the artifact's recorded usage was billed by the run that produced it.
func (t *usageTally) addCall(res *stageResult) {
	if res.cached {
		return
	}
	t.add(res.usage)
}

func (t *usageTally) snapshot() types.UsageStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}
