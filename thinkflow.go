// Package thinkflow exposes the reasoning engines behind one config-driven
// facade. A Core resolves logical model ids to provider adapters and runs
// the DeepThink and UltraThink loops with shared infrastructure: memoised
// adapters, a prefix-cache store, a rate-limit registry, the price table,
// and an optional usage ledger. Meters, cache handles, and folders are
// created fresh per request.
//
// Usage:
//
//	cfg, err := config.Load("config.yaml")
//	if err != nil { ... }
//	core, err := thinkflow.New(cfg)
//	if err != nil { ... }
//	defer core.Close()
//
//	out, err := core.RunDeepThink(ctx, "prover", "Prove that ...", nil)
package thinkflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/thinkflow/config"
	"github.com/BaSui01/thinkflow/engine"
	"github.com/BaSui01/thinkflow/llm"
	"github.com/BaSui01/thinkflow/llm/factory"
	"github.com/BaSui01/thinkflow/llm/folding"
	"github.com/BaSui01/thinkflow/llm/meter"
	"github.com/BaSui01/thinkflow/llm/prefixcache"
	"github.com/BaSui01/thinkflow/llm/ratelimit"
	"github.com/BaSui01/thinkflow/types"
)

// Core is the embedding surface. It is safe for concurrent use; every
// method may be called from multiple goroutines.
type Core struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *llm.Registry
	store    prefixcache.Store
	limiter  *ratelimit.Registry
	pricing  meter.Pricing
	foldCfg  folding.Config
	ledger   *meter.Ledger
	now      func() time.Time
}

// Option customises a Core.
type Option func(*Core)

// WithLogger overrides the logger built from the config's log section.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Core) { c.logger = logger }
}

// WithStore overrides the prefix-cache backend built from the config's
// cache section.
func WithStore(store prefixcache.Store) Option {
	return func(c *Core) { c.store = store }
}

// WithRegistry supplies pre-built provider adapters. A model whose
// provider id is registered here resolves to the registered adapter
// instead of a factory-built one.
func WithRegistry(registry *llm.Registry) Option {
	return func(c *Core) { c.registry = registry }
}

// WithLimiter overrides the rate-limit registry.
func WithLimiter(limiter *ratelimit.Registry) Option {
	return func(c *Core) { c.limiter = limiter }
}

// WithClock overrides the wall clock used for run timing.
func WithClock(now func() time.Time) Option {
	return func(c *Core) { c.now = now }
}

// New validates the configuration and builds a Core. The config is
// treated as read-only afterwards. When the ledger section is enabled the
// database is opened here; Close releases it.
func New(cfg *config.Config, opts ...Option) (*Core, error) {
	if cfg == nil {
		return nil, types.InvalidRequestError("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, types.InvalidRequestError("config rejected").WithCause(err)
	}

	c := &Core{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = config.NewLogger(cfg.Log)
	}
	if c.store == nil {
		store, err := newStore(cfg.Cache, c.logger)
		if err != nil {
			return nil, err
		}
		c.store = store
	}
	if c.limiter == nil {
		c.limiter = ratelimit.NewRegistry(ratelimit.WithLogger(c.logger))
	}
	c.pricing = pricingFrom(cfg.Pricing)
	c.foldCfg = foldingConfigFrom(cfg.Folding)

	if cfg.Ledger.Enabled {
		ledger, err := meter.OpenLedger(meter.LedgerOptions{
			Driver:          cfg.Ledger.Driver,
			DSN:             cfg.Ledger.DSN(),
			MaxOpenConns:    cfg.Ledger.MaxOpenConns,
			MaxIdleConns:    cfg.Ledger.MaxIdleConns,
			ConnMaxLifetime: cfg.Ledger.ConnMaxLifetime,
		}, c.logger)
		if err != nil {
			return nil, fmt.Errorf("open usage ledger: %w", err)
		}
		c.ledger = ledger
	}

	return c, nil
}

// Close releases resources held by the Core, currently the ledger
// connection pool. Safe to call when no ledger is configured.
func (c *Core) Close() error {
	if c.ledger != nil {
		return c.ledger.Close()
	}
	return nil
}

// Resolve maps a logical model id to its provider adapter, the upstream
// model name, and the model's engine settings. Adapters are memoised
// process-wide, so repeated resolutions share one HTTP connection pool.
// Unknown models and dangling provider references are not-found errors.
func (c *Core) Resolve(modelID string) (llm.Provider, string, *config.ModelConfig, error) {
	mcfg, ok := c.cfg.Model(modelID)
	if !ok {
		return nil, "", nil, types.NotFoundError(fmt.Sprintf("unknown model id %q", modelID))
	}
	if mcfg.ID == "" {
		mcfg.ID = modelID
	}

	if c.registry != nil {
		if p, found := c.registry.Get(mcfg.ProviderID); found {
			return p, mcfg.UnderlyingModel, &mcfg, nil
		}
	}

	pcfg, ok := c.cfg.Provider(mcfg.ProviderID)
	if !ok {
		return nil, "", nil, types.NotFoundError(
			fmt.Sprintf("model %q references unknown provider %q", modelID, mcfg.ProviderID)).
			WithProvider(mcfg.ProviderID)
	}
	if pcfg.ID == "" {
		pcfg.ID = mcfg.ProviderID
	}

	p, err := factory.Shared(pcfg, c.logger)
	if err != nil {
		return nil, "", nil, err
	}
	return p, mcfg.UnderlyingModel, &mcfg, nil
}

// ChatResult is the outcome of a ChatCompletion pass-through.
type ChatResult struct {
	Provider      string           `json:"provider"`
	Model         string           `json:"model"`
	Text          string           `json:"text"`
	Usage         types.UsageStats `json:"usage"`
	EstimatedCost float64          `json:"estimated_cost_usd"`
}

// ChatCompletion sends one chat call through the resolved provider. The
// call is rate-limited by the model's bucket and its usage is metered and
// ledgered like any engine stage.
func (c *Core) ChatCompletion(ctx context.Context, modelID string, messages []types.Message, params types.CallParams) (*ChatResult, error) {
	provider, model, mcfg, err := c.Resolve(modelID)
	if err != nil {
		return nil, err
	}
	if err := c.admit(ctx, provider.Name(), model, mcfg, nil); err != nil {
		return nil, err
	}

	res, err := provider.Chat(ctx, &llm.ChatRequest{
		Model:    model,
		Messages: messages,
		Params:   params,
	})
	if err != nil {
		return nil, err
	}

	m := c.newMeter(uuid.NewString())
	m.Record(provider.Name(), model, "chat", res.Usage)

	return &ChatResult{
		Provider:      res.Provider,
		Model:         res.Model,
		Text:          res.Text,
		Usage:         res.Usage,
		EstimatedCost: m.EstimateCost(c.pricing),
	}, nil
}

// ResponsesOutput is the outcome of a ResponsesCall. ResponseID is empty
// when the call was emulated through chat-completion.
type ResponsesOutput struct {
	Provider      string           `json:"provider"`
	Model         string           `json:"model"`
	Text          string           `json:"text"`
	ResponseID    string           `json:"response_id,omitempty"`
	Usage         types.UsageStats `json:"usage"`
	EstimatedCost float64          `json:"estimated_cost_usd"`
}

// ResponsesCall sends one stateful-responses call. Providers without the
// responses capability are served by chat emulation, which returns no
// response id; chaining a previousResponseID through such a provider is
// rejected rather than silently dropping the referenced context.
func (c *Core) ResponsesCall(ctx context.Context, modelID string, input []types.Message, params types.CallParams, store bool, previousResponseID string) (*ResponsesOutput, error) {
	provider, model, mcfg, err := c.Resolve(modelID)
	if err != nil {
		return nil, err
	}

	canChain := provider.Capabilities().Has(llm.CapResponses)
	if previousResponseID != "" && !canChain {
		return nil, types.InvalidRequestError(
			fmt.Sprintf("provider %q cannot chain previous_response_id", provider.Name())).
			WithProvider(provider.Name())
	}

	if err := c.admit(ctx, provider.Name(), model, mcfg, nil); err != nil {
		return nil, err
	}

	m := c.newMeter(uuid.NewString())

	if canChain {
		res, err := provider.Responses(ctx, &llm.ResponsesRequest{
			Model:              model,
			Input:              input,
			Store:              store,
			PreviousResponseID: previousResponseID,
			Params:             params,
		})
		if err != nil {
			return nil, err
		}
		m.Record(provider.Name(), model, "responses", res.Usage)
		return &ResponsesOutput{
			Provider:      res.Provider,
			Model:         res.Model,
			Text:          res.Text,
			ResponseID:    res.ResponseID,
			Usage:         res.Usage,
			EstimatedCost: m.EstimateCost(c.pricing),
		}, nil
	}

	res, err := provider.Chat(ctx, &llm.ChatRequest{
		Model:    model,
		Messages: input,
		Params:   params,
	})
	if err != nil {
		return nil, err
	}
	m.Record(provider.Name(), model, "responses", res.Usage)
	return &ResponsesOutput{
		Provider:      res.Provider,
		Model:         res.Model,
		Text:          res.Text,
		Usage:         res.Usage,
		EstimatedCost: m.EstimateCost(c.pricing),
	}, nil
}

// Overrides carries per-request engine settings. Nil pointer fields fall
// back to the model config; the engines' own defaults back anything the
// model config leaves at zero.
type Overrides struct {
	MaxIterations         *int
	RequiredVerifications *int
	NumAgents             *int
	ParallelRunAgents     *int
	MaxErrors             *int
	ParallelJudges        bool
	Params                *types.CallParams
	RateLimit             *ratelimit.Config
	Knowledge             string
	History               []types.Message
}

func (o *Overrides) orEmpty() *Overrides {
	if o == nil {
		return &Overrides{}
	}
	return o
}

func (o *Overrides) params() types.CallParams {
	if o.Params != nil {
		return *o.Params
	}
	return types.CallParams{}
}

// DeepThinkOutput wraps an engine result with the facade's accounting.
type DeepThinkOutput struct {
	engine.DeepThinkResult
	ModelID       string        `json:"model_id"`
	EstimatedCost float64       `json:"estimated_cost_usd"`
	Duration      time.Duration `json:"duration"`
}

// RunDeepThink executes the solve/verify/correct loop for a configured
// model. Request overrides win over model-config settings.
func (c *Core) RunDeepThink(ctx context.Context, modelID, problem string, ov *Overrides) (*DeepThinkOutput, error) {
	provider, model, mcfg, err := c.Resolve(modelID)
	if err != nil {
		return nil, err
	}
	ov = ov.orEmpty()

	runID := uuid.NewString()
	m := c.newMeter(runID)

	eng, err := engine.NewDeepThink(provider, model, engine.Options{
		MaxIterations:         intOr(ov.MaxIterations, mcfg.MaxIterations),
		RequiredVerifications: intOr(ov.RequiredVerifications, mcfg.RequiredVerifications),
		MaxErrors:             intOr(ov.MaxErrors, mcfg.MaxErrors),
		ParallelJudges:        ov.ParallelJudges,
		Params:                ov.params(),
		RateLimit:             ratelimit.Resolve(ov.RateLimit, mcfg.RPM, limitDefaultsFrom(c.cfg.RateLimit)),
		Knowledge:             ov.Knowledge,
		History:               ov.History,
		RunID:                 runID,
	}, c.engineOptions(provider, model, mcfg, m)...)
	if err != nil {
		return nil, err
	}

	start := c.now()
	out, err := eng.Run(ctx, problem)
	if err != nil {
		return nil, err
	}
	return &DeepThinkOutput{
		DeepThinkResult: *out,
		ModelID:         mcfg.ID,
		EstimatedCost:   m.EstimateCost(c.pricing),
		Duration:        c.now().Sub(start),
	}, nil
}

// UltraThinkOutput wraps an engine result with the facade's accounting.
type UltraThinkOutput struct {
	engine.UltraThinkResult
	ModelID       string        `json:"model_id"`
	EstimatedCost float64       `json:"estimated_cost_usd"`
	Duration      time.Duration `json:"duration"`
}

// RunUltraThink executes the plan/fan-out/synthesise orchestration for a
// configured model. Request overrides win over model-config settings.
func (c *Core) RunUltraThink(ctx context.Context, modelID, problem string, ov *Overrides) (*UltraThinkOutput, error) {
	provider, model, mcfg, err := c.Resolve(modelID)
	if err != nil {
		return nil, err
	}
	ov = ov.orEmpty()

	runID := uuid.NewString()
	m := c.newMeter(runID)

	eng, err := engine.NewUltraThink(provider, model, engine.UltraOptions{
		NumAgents:                     intOr(ov.NumAgents, mcfg.NumAgents),
		ParallelRunAgents:             intOr(ov.ParallelRunAgents, mcfg.ParallelRunAgents),
		MaxIterationsPerAgent:         intOr(ov.MaxIterations, mcfg.MaxIterations),
		RequiredVerificationsPerAgent: intOr(ov.RequiredVerifications, mcfg.RequiredVerifications),
		MaxErrors:                     intOr(ov.MaxErrors, mcfg.MaxErrors),
		ParallelJudges:                ov.ParallelJudges,
		Params:                        ov.params(),
		RateLimit:                     ratelimit.Resolve(ov.RateLimit, mcfg.RPM, limitDefaultsFrom(c.cfg.RateLimit)),
		Knowledge:                     ov.Knowledge,
		History:                       ov.History,
		RunID:                         runID,
	}, c.engineOptions(provider, model, mcfg, m)...)
	if err != nil {
		return nil, err
	}

	start := c.now()
	out, err := eng.Run(ctx, problem)
	if err != nil {
		return nil, err
	}
	return &UltraThinkOutput{
		UltraThinkResult: *out,
		ModelID:          mcfg.ID,
		EstimatedCost:    m.EstimateCost(c.pricing),
		Duration:         c.now().Sub(start),
	}, nil
}

// engineOptions assembles the per-request engine wiring: the shared
// limiter and a fresh meter, cache handle, and folder. The folder only
// exists when folding is enabled, and it distils through the run's own
// provider unless the config names a dedicated distill model.
func (c *Core) engineOptions(provider llm.Provider, model string, mcfg *config.ModelConfig, m *meter.Meter) []engine.Option {
	cache := prefixcache.NewCache(c.store,
		prefixcache.WithTTL(c.cfg.Cache.TTL),
		prefixcache.WithLogger(c.logger),
	)

	opts := []engine.Option{
		engine.WithMeter(m),
		engine.WithCache(cache),
		engine.WithLimiter(c.limiter),
		engine.WithLogger(c.logger),
	}
	if len(mcfg.StageModels) > 0 {
		opts = append(opts, engine.WithStageModels(mcfg.StageModels))
	}

	if c.foldCfg.Enabled {
		foldCfg := c.foldCfg
		if foldCfg.DistillModel == "" {
			foldCfg.DistillModel = model
		}
		folder, err := folding.NewFolder(foldCfg,
			folding.WithDistiller(provider),
			folding.WithCache(cache),
			folding.WithLogger(c.logger),
		)
		if err != nil {
			// The folding section was validated at New; a failure here means
			// the conversion produced something the folder rejects. Run
			// unfolded rather than failing the request.
			c.logger.Warn("folder construction failed, folding disabled for this run", zap.Error(err))
		} else {
			opts = append(opts, engine.WithFolder(folder))
		}
	}

	return opts
}

// admit runs one call through the model's rate-limit bucket.
func (c *Core) admit(ctx context.Context, providerName, model string, mcfg *config.ModelConfig, override *ratelimit.Config) error {
	cfg := ratelimit.Resolve(override, mcfg.RPM, limitDefaultsFrom(c.cfg.RateLimit))
	key := ratelimit.ComposeKey(c.cfg.RateLimit.BucketTemplate, providerName, model)
	return c.limiter.Acquire(ctx, key, cfg)
}

// newMeter builds a request-scoped meter carrying the shared pricing
// table and, when configured, the ledger.
func (c *Core) newMeter(runID string) *meter.Meter {
	opts := []meter.Option{
		meter.WithLogger(c.logger),
		meter.WithRunID(runID),
		meter.WithPricing(c.pricing),
	}
	if c.ledger != nil {
		opts = append(opts, meter.WithLedger(c.ledger))
	}
	return meter.NewMeter(opts...)
}

func intOr(override *int, fallback int) int {
	if override != nil {
		return *override
	}
	return fallback
}
