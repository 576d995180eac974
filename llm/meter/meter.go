// Package meter accumulates token usage per run: per-(provider, model)
// breakdowns, a mirrored grand total, folding savings, and USD cost
// estimation against a price table.
//
// A Meter is request-scoped: each engine run creates its own and folds the
// result into the response payload. All methods are safe for concurrent use;
// UltraThink workers share one meter.
package meter

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/thinkflow/internal/metrics"
	"github.com/BaSui01/thinkflow/types"
)

// FoldingTotals accumulates the history-compression channel.
type FoldingTotals struct {
	// Tokens the folded span measured before compression
	OriginalTokens int64 `json:"original_tokens"`
	// Tokens the replacement summary measures
	CompressedTokens int64 `json:"compressed_tokens"`
	// Tokens spent on distillation calls
	DistillationTokens int64 `json:"distillation_tokens"`
	// Number of folds performed
	Folds int `json:"folds"`
}

// Saved returns the gross token saving.
func (f FoldingTotals) Saved() int64 {
	saved := f.OriginalTokens - f.CompressedTokens
	if saved < 0 {
		return 0
	}
	return saved
}

// NetSaved returns savings minus distillation spend. May be negative when a
// distillation cost more than it saved.
func (f FoldingTotals) NetSaved() int64 {
	return f.Saved() - f.DistillationTokens
}

// Meter accumulates usage for one run.
type Meter struct {
	mu         sync.Mutex
	byProvider map[string]map[string]types.UsageStats
	total      types.UsageStats
	folding    FoldingTotals
	anomalies  []string

	runID     string
	pricing   Pricing
	logger    *zap.Logger
	collector *metrics.Collector
	ledger    *Ledger
}

// Option configures a Meter.
type Option func(*Meter)

// WithLogger sets the logger. Defaults to a nop logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Meter) { m.logger = logger }
}

// WithCollector sets the Prometheus collector. Defaults to the process-wide
// collector.
func WithCollector(c *metrics.Collector) Option {
	return func(m *Meter) { m.collector = c }
}

// WithLedger attaches a usage ledger; every Record appends a row.
func WithLedger(l *Ledger) Option {
	return func(m *Meter) { m.ledger = l }
}

// WithRunID tags ledger rows with the owning run.
func WithRunID(id string) Option {
	return func(m *Meter) { m.runID = id }
}

// WithPricing lets the meter price each call as it lands (ledger rows and
// cost counters). Summary and EstimateCost still take pricing explicitly.
func WithPricing(p Pricing) Option {
	return func(m *Meter) { m.pricing = p }
}

// NewMeter creates an empty meter.
func NewMeter(opts ...Option) *Meter {
	m := &Meter{
		byProvider: make(map[string]map[string]types.UsageStats),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.collector == nil {
		m.collector = metrics.Default()
	}
	return m
}

// Record accumulates one call's usage under (provider, model). Accounting
// anomalies are logged and remembered, never fatal.
func (m *Meter) Record(provider, model, stage string, usage types.UsageStats) {
	for _, anomaly := range usage.Anomalies() {
		m.logger.Warn("usage accounting anomaly",
			zap.String("provider", provider),
			zap.String("model", model),
			zap.String("stage", stage),
			zap.String("anomaly", anomaly),
		)
	}

	var cost float64
	if m.pricing != nil {
		cost = m.pricing.CostOf(provider, model, usage)
	}

	m.mu.Lock()
	byModel, ok := m.byProvider[provider]
	if !ok {
		byModel = make(map[string]types.UsageStats)
		m.byProvider[provider] = byModel
	}
	entry := byModel[model]
	entry.Add(usage)
	byModel[model] = entry
	m.total.Add(usage)
	m.anomalies = append(m.anomalies, usage.Anomalies()...)
	m.mu.Unlock()

	m.collector.AddTokens(provider, model, usage)
	if cost > 0 {
		m.collector.RecordCost(provider, model, cost)
	}

	if m.ledger != nil {
		rec := &UsageRecord{
			RunID:           m.runID,
			Provider:        provider,
			Model:           model,
			Stage:           stage,
			InputTokens:     usage.Input,
			OutputTokens:    usage.Output,
			CachedTokens:    usage.Cached,
			ReasoningTokens: usage.Reasoning,
			CostUSD:         cost,
		}
		if err := m.ledger.Append(context.Background(), rec); err != nil {
			m.logger.Warn("ledger append failed", zap.Error(err))
		}
	}
}

// RecordFolding accumulates one fold's accounting.
func (m *Meter) RecordFolding(strategy string, originalTokens, compressedTokens, distillationTokens int64) {
	m.mu.Lock()
	m.folding.OriginalTokens += originalTokens
	m.folding.CompressedTokens += compressedTokens
	m.folding.DistillationTokens += distillationTokens
	m.folding.Folds++
	m.mu.Unlock()

	saved := originalTokens - compressedTokens
	m.collector.RecordFoldingSaved(strategy, saved)
}

// Total returns the accumulated grand total.
func (m *Meter) Total() types.UsageStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// Folding returns the accumulated folding totals.
func (m *Meter) Folding() FoldingTotals {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.folding
}

// Anomalies returns every accounting anomaly observed so far.
func (m *Meter) Anomalies() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.anomalies))
	copy(out, m.anomalies)
	return out
}

// EstimateCost prices the accumulated usage. Providers or models without a
// pricing entry contribute zero.
func (m *Meter) EstimateCost(pricing Pricing) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total float64
	for provider, byModel := range m.byProvider {
		for model, usage := range byModel {
			total += pricing.CostOf(provider, model, usage)
		}
	}
	return total
}

// ModelBreakdown is one model's slice of a summary.
type ModelBreakdown struct {
	Usage   types.UsageStats `json:"usage"`
	CostUSD float64          `json:"cost_usd"`
}

// ProviderBreakdown is one provider's slice of a summary.
type ProviderBreakdown struct {
	Usage   types.UsageStats          `json:"usage"`
	CostUSD float64                   `json:"cost_usd"`
	ByModel map[string]ModelBreakdown `json:"by_model"`
}

// Summary is the full usage report folded into run responses.
type Summary struct {
	TotalUsage   types.UsageStats             `json:"total_usage"`
	TotalCostUSD float64                      `json:"total_cost_usd"`
	ByProvider   map[string]ProviderBreakdown `json:"by_provider"`
	Folding      FoldingTotals                `json:"folding"`
	Anomalies    []string                     `json:"anomalies,omitempty"`
}

// Summarize builds the usage report against a price table.
func (m *Meter) Summarize(pricing Pricing) Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	summary := Summary{
		TotalUsage: m.total,
		ByProvider: make(map[string]ProviderBreakdown, len(m.byProvider)),
		Folding:    m.folding,
	}
	if len(m.anomalies) > 0 {
		summary.Anomalies = make([]string, len(m.anomalies))
		copy(summary.Anomalies, m.anomalies)
	}

	for provider, byModel := range m.byProvider {
		pb := ProviderBreakdown{
			ByModel: make(map[string]ModelBreakdown, len(byModel)),
		}
		for model, usage := range byModel {
			cost := pricing.CostOf(provider, model, usage)
			pb.Usage.Add(usage)
			pb.CostUSD += cost
			pb.ByModel[model] = ModelBreakdown{Usage: usage, CostUSD: cost}
		}
		summary.ByProvider[provider] = pb
		summary.TotalCostUSD += pb.CostUSD
	}

	return summary
}

// Providers returns the sorted provider names seen so far.
func (m *Meter) Providers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.byProvider))
	for name := range m.byProvider {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
