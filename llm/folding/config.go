package folding

import (
	"fmt"
	"strings"
	"time"
)

// Compression strategies. Warm layers consolidate or pass through; cold
// layers may additionally distill or summarise through an LLM.
const (
	StrategyConsolidate = "consolidate"
	StrategyDistill     = "distill"
	StrategySummarize   = "summarize"
	StrategyNone        = "none"
)

// Config controls the folding layers and strategies.
type Config struct {
	Enabled bool

	// HotWindow is how many recent turns stay verbatim.
	HotWindow int
	// WarmWindow is how many turns before the hot layer get consolidated.
	WarmWindow int

	WarmStrategy string
	ColdStrategy string

	// DistillModel runs the distill/summarize calls; DistillTemperature is
	// deliberately low so compressions stay faithful.
	DistillModel       string
	DistillTemperature float64
	MaxDistillRetries  int

	// CacheCompressed caches cold-layer artefacts so repeat folds of the
	// same prefix cost nothing.
	CacheCompressed bool
	CacheTTL        time.Duration

	// MergeConsecutiveRoles collapses adjacent same-role messages during
	// consolidation.
	MergeConsecutiveRoles bool
}

// DefaultConfig returns the folding defaults: enabled layering with a
// five-turn hot window, consolidation for warm, distillation for cold.
func DefaultConfig() Config {
	return Config{
		Enabled:               true,
		HotWindow:             5,
		WarmWindow:            10,
		WarmStrategy:          StrategyConsolidate,
		ColdStrategy:          StrategyDistill,
		DistillTemperature:    0.3,
		MaxDistillRetries:     2,
		CacheCompressed:       true,
		CacheTTL:              time.Hour,
		MergeConsecutiveRoles: true,
	}
}

// Validate reports every configuration violation in one error.
func (c Config) Validate() error {
	var issues []string

	if c.HotWindow < 0 {
		issues = append(issues, "hot_window must be >= 0")
	}
	if c.WarmWindow < 0 {
		issues = append(issues, "warm_window must be >= 0")
	}
	switch c.WarmStrategy {
	case StrategyConsolidate, StrategyNone:
	default:
		issues = append(issues, fmt.Sprintf("invalid warm_strategy: %q", c.WarmStrategy))
	}
	switch c.ColdStrategy {
	case StrategyConsolidate, StrategyDistill, StrategySummarize, StrategyNone:
	default:
		issues = append(issues, fmt.Sprintf("invalid cold_strategy: %q", c.ColdStrategy))
	}
	if c.DistillTemperature < 0 || c.DistillTemperature > 2 {
		issues = append(issues, "distill_temperature must be in [0.0, 2.0]")
	}
	if c.MaxDistillRetries < 0 {
		issues = append(issues, "max_distill_retries must be >= 0")
	}

	if len(issues) > 0 {
		return fmt.Errorf("folding config invalid: %s", strings.Join(issues, "; "))
	}
	return nil
}

// Stats describes one fold: what the history cost before and after, and what
// the compression itself cost.
type Stats struct {
	OriginalTokens     int64 `json:"original_tokens"`
	CompressedTokens   int64 `json:"compressed_tokens"`
	DistillationTokens int64 `json:"distillation_tokens"`
	// DistillFellBack marks that the LLM compression failed and the cold
	// layer was consolidated instead.
	DistillFellBack bool `json:"distill_fell_back,omitempty"`
}

// Saved is the gross token saving, clamped at zero.
func (s Stats) Saved() int64 {
	if s.OriginalTokens <= s.CompressedTokens {
		return 0
	}
	return s.OriginalTokens - s.CompressedTokens
}

// NetSaved subtracts what the distillation call itself consumed. It can go
// negative when compressing cost more than it saved.
func (s Stats) NetSaved() int64 {
	return s.Saved() - s.DistillationTokens
}
