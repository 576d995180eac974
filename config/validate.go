package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError collects every problem found in one validation pass.
type ValidationError struct {
	Issues []string
}

// Error joins all issues into a single message.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation errors: %s", strings.Join(e.Issues, "; "))
}

// Validate checks the whole configuration and returns a *ValidationError
// listing every violation, or nil when the config is sound.
func (c *Config) Validate() error {
	var errs []string

	for id, p := range c.Providers {
		errs = append(errs, validateProvider(id, p)...)
	}
	for id, m := range c.Models {
		errs = append(errs, c.validateModel(id, m)...)
	}
	errs = append(errs, c.validateRateLimit()...)
	errs = append(errs, c.validateFolding()...)
	errs = append(errs, c.validateCache()...)
	errs = append(errs, c.validateLedger()...)
	errs = append(errs, c.validateLog()...)
	errs = append(errs, c.validateTelemetry()...)

	if len(errs) > 0 {
		return &ValidationError{Issues: errs}
	}
	return nil
}

func validateProvider(id string, p ProviderConfig) []string {
	var errs []string
	prefix := fmt.Sprintf("provider %q:", id)

	switch p.Type {
	case ProviderTypeOpenAI, ProviderTypeAnthropic, ProviderTypeGemini:
	case "":
		errs = append(errs, prefix+" type is required")
	default:
		errs = append(errs, fmt.Sprintf("%s unknown type %q", prefix, p.Type))
	}

	if u, err := url.Parse(p.BaseURL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Sprintf("%s base_url %q is not a valid http(s) URL", prefix, p.BaseURL))
	}

	if p.APIKey == "" {
		errs = append(errs, prefix+" api_key is required")
	} else if strings.Contains(p.APIKey, "${") {
		errs = append(errs, prefix+" api_key contains an unresolved ${VAR} placeholder")
	}

	if p.Timeout <= 0 {
		errs = append(errs, prefix+" timeout must be positive")
	}
	if p.MaxRetries < 0 {
		errs = append(errs, prefix+" max_retries must not be negative")
	}

	return errs
}

func (c *Config) validateModel(id string, m ModelConfig) []string {
	var errs []string
	prefix := fmt.Sprintf("model %q:", id)

	if m.ProviderID == "" {
		errs = append(errs, prefix+" provider_id is required")
	} else if _, ok := c.Providers[m.ProviderID]; !ok {
		errs = append(errs, fmt.Sprintf("%s provider_id %q does not resolve", prefix, m.ProviderID))
	}

	if m.UnderlyingModel == "" {
		errs = append(errs, prefix+" underlying_model is required")
	}

	switch m.Level {
	case LevelDeepThink, LevelUltraThink:
	case "":
		errs = append(errs, prefix+" level is required")
	default:
		errs = append(errs, fmt.Sprintf("%s unknown level %q", prefix, m.Level))
	}

	if m.MaxIterations <= 0 {
		errs = append(errs, prefix+" max_iterations must be positive")
	}
	if m.RequiredVerifications <= 0 {
		errs = append(errs, prefix+" required_verifications must be positive")
	}
	if m.MaxErrors <= 0 {
		errs = append(errs, prefix+" max_errors must be positive")
	}
	if m.ParallelRunAgents <= 0 {
		errs = append(errs, prefix+" parallel_run_agents must be positive")
	}
	if m.Level == LevelUltraThink && m.NumAgents <= 0 {
		errs = append(errs, prefix+" num_agents must be positive for ultrathink models")
	}
	if m.RPM < 0 {
		errs = append(errs, prefix+" rpm must not be negative")
	}

	for stage := range m.StageModels {
		if !isKnownStage(stage) {
			errs = append(errs, fmt.Sprintf("%s unknown stage %q in stage_models", prefix, stage))
		}
	}

	return errs
}

func isKnownStage(stage string) bool {
	for _, known := range KnownStages {
		if stage == known {
			return true
		}
	}
	return false
}

func (c *Config) validateRateLimit() []string {
	var errs []string
	rl := c.RateLimit

	if rl.QPS < 0 {
		errs = append(errs, "rate_limit: qps must not be negative")
	}
	if rl.Burst < 0 {
		errs = append(errs, "rate_limit: burst must not be negative")
	}
	if rl.WindowLimit < 0 {
		errs = append(errs, "rate_limit: window_limit must not be negative")
	}
	if rl.WindowLimit > 0 && rl.WindowSeconds <= 0 {
		errs = append(errs, "rate_limit: window_seconds must be positive when window_limit is set")
	}
	switch rl.Strategy {
	case "wait", "error":
	default:
		errs = append(errs, fmt.Sprintf("rate_limit: unknown strategy %q", rl.Strategy))
	}
	if rl.BucketTemplate == "" {
		errs = append(errs, "rate_limit: bucket_template is required")
	}

	return errs
}

func (c *Config) validateFolding() []string {
	var errs []string
	f := c.Folding

	if !f.Enabled {
		return nil
	}
	if f.HotWindow <= 0 {
		errs = append(errs, "folding: hot_window must be positive")
	}
	if f.WarmWindow < 0 {
		errs = append(errs, "folding: warm_window must not be negative")
	}
	switch f.Strategy {
	case "consolidate", "distill", "summarize":
	default:
		errs = append(errs, fmt.Sprintf("folding: unknown strategy %q", f.Strategy))
	}
	if f.MaxDistillRetries < 0 {
		errs = append(errs, "folding: max_distill_retries must not be negative")
	}

	return errs
}

func (c *Config) validateCache() []string {
	var errs []string

	switch c.Cache.Backend {
	case "memory", "redis", "tiered":
	default:
		errs = append(errs, fmt.Sprintf("cache: unknown backend %q", c.Cache.Backend))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, "cache: ttl must be positive")
	}
	if c.Cache.Backend != "memory" && c.Cache.Redis.Addr == "" {
		errs = append(errs, "cache: redis.addr is required for redis and tiered backends")
	}

	return errs
}

func (c *Config) validateLedger() []string {
	var errs []string

	if !c.Ledger.Enabled {
		return nil
	}
	switch c.Ledger.Driver {
	case "sqlite", "mysql", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("ledger: unknown driver %q", c.Ledger.Driver))
	}
	if c.Ledger.Name == "" {
		errs = append(errs, "ledger: name is required")
	}

	return errs
}

func (c *Config) validateLog() []string {
	var errs []string

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log: unknown level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("log: unknown format %q", c.Log.Format))
	}

	return errs
}

func (c *Config) validateTelemetry() []string {
	var errs []string

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry: sample_rate must be between 0 and 1")
	}
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		errs = append(errs, "telemetry: otlp_endpoint is required when enabled")
	}

	return errs
}
