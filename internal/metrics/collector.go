// Package metrics provides internal Prometheus collection for the engine.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/thinkflow/types"
)

// Collector gathers engine-side metrics: provider calls, token flow, engine
// runs, cache and limiter behaviour, ledger pool state.
type Collector struct {
	// Provider call metrics
	llmRequestsTotal   *prometheus.CounterVec
	llmRequestDuration *prometheus.HistogramVec
	tokensUsed         *prometheus.CounterVec
	costTotal          *prometheus.CounterVec

	// Engine metrics
	engineRunsTotal   *prometheus.CounterVec
	engineRunDuration *prometheus.HistogramVec
	engineIterations  *prometheus.HistogramVec
	verificationTotal *prometheus.CounterVec

	// Prefix cache metrics
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// Rate limiter metrics
	rateLimitWaits        *prometheus.CounterVec
	rateLimitWaitDuration *prometheus.HistogramVec
	rateLimitRejects      *prometheus.CounterVec

	// Folding metrics
	foldingSavedTokens *prometheus.CounterVec

	// Ledger pool metrics
	ledgerConnectionsOpen *prometheus.GaugeVec
	ledgerConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
	mu     sync.RWMutex
}

// NewCollector creates a Collector registered on the default registry under
// the given namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.llmRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total number of LLM requests",
		},
		[]string{"provider", "model", "stage", "status"},
	)

	c.llmRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "LLM request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model"},
	)

	c.tokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_used_total",
			Help:      "Total number of tokens by category",
		},
		[]string{"provider", "model", "category"}, // input, output, cached, reasoning
	)

	c.costTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_cost_usd_total",
			Help:      "Total estimated LLM cost in USD",
		},
		[]string{"provider", "model"},
	)

	c.engineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_runs_total",
			Help:      "Total number of engine runs",
		},
		[]string{"engine", "status"}, // engine: deepthink, ultrathink
	)

	c.engineRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_run_duration_seconds",
			Help:      "Engine run duration in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"engine"},
	)

	c.engineIterations = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_iterations",
			Help:      "Solve/verify/correct iterations per run",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
		},
		[]string{"engine"},
	)

	c.verificationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Verification verdicts",
		},
		[]string{"verdict"}, // pass, fail, error
	)

	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"}, // content, response_id, fold
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	c.rateLimitWaits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_waits_total",
			Help:      "Admissions that had to wait",
		},
		[]string{"bucket"},
	)

	c.rateLimitWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ratelimit_wait_duration_seconds",
			Help:      "Time spent waiting for admission",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"bucket"},
	)

	c.rateLimitRejects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_rejects_total",
			Help:      "Admissions rejected under the error strategy",
		},
		[]string{"bucket"},
	)

	c.foldingSavedTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "folding_saved_tokens_total",
			Help:      "Tokens saved by history folding",
		},
		[]string{"strategy"},
	)

	c.ledgerConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_connections_open",
			Help:      "Open ledger database connections",
		},
		[]string{"database"},
	)

	c.ledgerConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_connections_idle",
			Help:      "Idle ledger database connections",
		},
		[]string{"database"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordLLMCall records one provider call. Token flow is recorded
// separately by the meter through AddTokens.
func (c *Collector) RecordLLMCall(provider, model, stage, status string, duration time.Duration) {
	c.llmRequestsTotal.WithLabelValues(provider, model, stage, status).Inc()
	c.llmRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
}

// AddTokens adds one call's token flow by category.
func (c *Collector) AddTokens(provider, model string, usage types.UsageStats) {
	c.tokensUsed.WithLabelValues(provider, model, "input").Add(float64(usage.Input))
	c.tokensUsed.WithLabelValues(provider, model, "output").Add(float64(usage.Output))
	c.tokensUsed.WithLabelValues(provider, model, "cached").Add(float64(usage.Cached))
	c.tokensUsed.WithLabelValues(provider, model, "reasoning").Add(float64(usage.Reasoning))
}

// RecordCost adds estimated spend for one provider call.
func (c *Collector) RecordCost(provider, model string, usd float64) {
	c.costTotal.WithLabelValues(provider, model).Add(usd)
}

// RecordEngineRun records a finished engine run.
func (c *Collector) RecordEngineRun(engine, status string, duration time.Duration, iterations int) {
	c.engineRunsTotal.WithLabelValues(engine, status).Inc()
	c.engineRunDuration.WithLabelValues(engine).Observe(duration.Seconds())
	c.engineIterations.WithLabelValues(engine).Observe(float64(iterations))
}

// RecordVerification records a verification verdict.
func (c *Collector) RecordVerification(verdict string) {
	c.verificationTotal.WithLabelValues(verdict).Inc()
}

// RecordCacheHit records a prefix cache hit.
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a prefix cache miss.
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordRateLimitWait records a waited admission.
func (c *Collector) RecordRateLimitWait(bucket string, waited time.Duration) {
	c.rateLimitWaits.WithLabelValues(bucket).Inc()
	c.rateLimitWaitDuration.WithLabelValues(bucket).Observe(waited.Seconds())
}

// RecordRateLimitReject records a rejected admission.
func (c *Collector) RecordRateLimitReject(bucket string) {
	c.rateLimitRejects.WithLabelValues(bucket).Inc()
}

// RecordFoldingSaved records tokens saved by a fold.
func (c *Collector) RecordFoldingSaved(strategy string, savedTokens int64) {
	if savedTokens < 0 {
		savedTokens = 0
	}
	c.foldingSavedTokens.WithLabelValues(strategy).Add(float64(savedTokens))
}

// RecordLedgerConnections records ledger pool state.
func (c *Collector) RecordLedgerConnections(database string, open, idle int) {
	c.ledgerConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.ledgerConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// Default collector, lazily constructed under the thinkflow namespace.
var (
	defaultCollector *Collector
	defaultOnce      sync.Once
)

// Default returns the process-wide Collector.
func Default() *Collector {
	defaultOnce.Do(func() {
		defaultCollector = NewCollector("thinkflow", zap.NewNop())
	})
	return defaultCollector
}
