// Package config defines the typed configuration for the thinkflow engine.
//
// Configuration is loaded once at startup and treated as read-only
// afterwards. Validation is batched: every invalid field is reported in a
// single *ValidationError instead of failing on the first problem.
//
// Priority: defaults -> YAML file -> environment variables.
package config

import (
	"fmt"
	"time"
)

// Provider adapter types. Each names a wire dialect implemented under
// llm/providers/.
const (
	ProviderTypeOpenAI    = "openai"
	ProviderTypeAnthropic = "anthropic"
	ProviderTypeGemini    = "gemini"
)

// Model levels. The level selects which reasoning engine serves the model.
const (
	LevelDeepThink  = "deepthink"
	LevelUltraThink = "ultrathink"
)

// Stage names routable through ModelConfig.StageModels.
const (
	StageInitial      = "initial"
	StageVerification = "verification"
	StageCorrection   = "correction"
	StageImprovement  = "improvement"
	StageSummary      = "summary"
	StagePlanning     = "planning"
	StageAgentConfig  = "agent_config"
	StageSynthesis    = "synthesis"
)

// KnownStages lists every stage name a model config may route.
var KnownStages = []string{
	StageInitial,
	StageVerification,
	StageCorrection,
	StageImprovement,
	StageSummary,
	StagePlanning,
	StageAgentConfig,
	StageSynthesis,
}

// Config is the complete thinkflow configuration.
type Config struct {
	// Providers maps provider id to its connection settings.
	Providers map[string]ProviderConfig `yaml:"providers"`

	// Models maps logical model id to its engine settings.
	Models map[string]ModelConfig `yaml:"models"`

	// RateLimit holds system-wide admission defaults.
	RateLimit RateLimitConfig `yaml:"rate_limit" env:"RATE_LIMIT"`

	// Pricing is the USD-per-token price table.
	Pricing PricingConfig `yaml:"pricing"`

	// Folding configures conversation-history compression.
	Folding FoldingConfig `yaml:"folding" env:"FOLDING"`

	// Cache configures the prefix cache backend.
	Cache CacheConfig `yaml:"cache" env:"CACHE"`

	// Ledger configures the optional usage ledger database.
	Ledger LedgerConfig `yaml:"ledger" env:"LEDGER"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry configures OpenTelemetry export.
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// CapabilityFlags declares what a provider endpoint supports. The flags are
// converted to a dispatch bit-set when the adapter is constructed.
type CapabilityFlags struct {
	// Responses endpoint with previous_response_id chaining
	Responses bool `yaml:"supports_responses"`
	// Incremental streaming
	Streaming bool `yaml:"supports_streaming"`
	// Image parts in messages
	Vision bool `yaml:"supports_vision"`
	// Reasoning/thinking token reporting
	Thinking bool `yaml:"supports_thinking"`
	// Prompt cache participation
	Caching bool `yaml:"supports_caching"`
}

// ProviderConfig describes one upstream LLM endpoint.
type ProviderConfig struct {
	// Unique id, filled from the map key when omitted
	ID string `yaml:"id"`
	// Adapter type: openai, anthropic, gemini
	Type string `yaml:"type"`
	// Endpoint base URL
	BaseURL string `yaml:"base_url"`
	// API key; supports ${VAR} expansion at load time
	APIKey string `yaml:"api_key"`
	// Per-request timeout
	Timeout time.Duration `yaml:"timeout"`
	// Retry budget for retryable failures
	MaxRetries int `yaml:"max_retries"`
	// Endpoint capabilities
	Capabilities CapabilityFlags `yaml:"capabilities"`
}

// ModelConfig describes one logical model served by an engine.
type ModelConfig struct {
	// Unique id, filled from the map key when omitted
	ID string `yaml:"id"`
	// Human-readable name
	DisplayName string `yaml:"display_name"`
	// Provider serving this model
	ProviderID string `yaml:"provider_id"`
	// Upstream model name sent on the wire
	UnderlyingModel string `yaml:"underlying_model"`
	// Engine level: deepthink or ultrathink
	Level string `yaml:"level"`
	// Solve/verify/correct iteration ceiling
	MaxIterations int `yaml:"max_iterations"`
	// Consecutive verification passes required to accept
	RequiredVerifications int `yaml:"required_verifications"`
	// Provider-error budget before aborting a run
	MaxErrors int `yaml:"max_errors"`
	// Worker count for ultrathink fan-out
	NumAgents int `yaml:"num_agents"`
	// Concurrent worker ceiling for fan-out
	ParallelRunAgents int `yaml:"parallel_run_agents"`
	// Per-stage upstream model overrides
	StageModels map[string]string `yaml:"stage_models"`
	// Requests-per-minute budget; 0 means system defaults
	RPM int `yaml:"rpm"`
}

// StageModel returns the upstream model for a stage, falling back to the
// model's default when no stage override exists.
func (m *ModelConfig) StageModel(stage string) string {
	if m.StageModels != nil {
		if override, ok := m.StageModels[stage]; ok && override != "" {
			return override
		}
	}
	return m.UnderlyingModel
}

// RateLimitConfig holds system-wide admission defaults. A model's rpm or a
// request override takes precedence over these values.
type RateLimitConfig struct {
	// Token bucket refill rate (requests per second)
	QPS float64 `yaml:"qps" env:"QPS"`
	// Token bucket capacity
	Burst int `yaml:"burst" env:"BURST"`
	// Sliding window request cap; 0 disables the window cell
	WindowLimit int `yaml:"window_limit" env:"WINDOW_LIMIT"`
	// Sliding window span in seconds
	WindowSeconds int `yaml:"window_seconds" env:"WINDOW_SECONDS"`
	// Behaviour when a bucket rejects: wait or error
	Strategy string `yaml:"strategy" env:"STRATEGY"`
	// Upper bound on waiting when Strategy is wait
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// Bucket key template; {provider} and {model} are substituted
	BucketTemplate string `yaml:"bucket_template" env:"BUCKET_TEMPLATE"`
}

// PricingEntry holds USD-per-token prices for one upstream model.
type PricingEntry struct {
	// Uncached input tokens
	Prompt float64 `yaml:"prompt"`
	// Regular output tokens
	Completion float64 `yaml:"completion"`
	// Cache-hit input tokens
	CachedPrompt float64 `yaml:"cached_prompt"`
	// Reasoning output tokens
	Reasoning float64 `yaml:"reasoning"`
}

// PricingConfig maps provider id -> upstream model -> prices.
type PricingConfig map[string]map[string]PricingEntry

// FoldingConfig configures the three-layer history compressor.
type FoldingConfig struct {
	// Master switch
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Newest messages kept verbatim
	HotWindow int `yaml:"hot_window" env:"HOT_WINDOW"`
	// Messages kept verbatim behind the hot window
	WarmWindow int `yaml:"warm_window" env:"WARM_WINDOW"`
	// Cold-layer strategy: consolidate, distill, summarize
	Strategy string `yaml:"strategy" env:"STRATEGY"`
	// Model used for distillation; empty means the run's model
	DistillModel string `yaml:"distill_model" env:"DISTILL_MODEL"`
	// Distillation attempts before falling back to consolidate
	MaxDistillRetries int `yaml:"max_distill_retries" env:"MAX_DISTILL_RETRIES"`
	// TTL for cached fold artefacts
	CacheTTL time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
}

// CacheConfig selects and tunes the prefix cache backend.
type CacheConfig struct {
	// Backend: memory, redis, tiered
	Backend string `yaml:"backend" env:"BACKEND"`
	// Default entry TTL
	TTL time.Duration `yaml:"ttl" env:"TTL"`
	// Redis connection, used by redis and tiered backends
	Redis RedisConfig `yaml:"redis" env:"REDIS"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// LedgerConfig configures the optional append-only usage ledger.
type LedgerConfig struct {
	// Master switch; the engine runs fine without a ledger
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Driver: sqlite, mysql, postgres
	Driver string `yaml:"driver" env:"DRIVER"`
	// Host for mysql/postgres
	Host string `yaml:"host" env:"HOST"`
	// Port for mysql/postgres
	Port int `yaml:"port" env:"PORT"`
	// Credentials for mysql/postgres
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	// Database name, or file path for sqlite
	Name string `yaml:"name" env:"NAME"`
	// SSL mode for postgres
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// Connection pool tuning
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// DSN returns the database connection string for the configured driver.
func (l *LedgerConfig) DSN() string {
	switch l.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			l.Host, l.Port, l.User, l.Password, l.Name, l.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			l.User, l.Password, l.Host, l.Port, l.Name,
		)
	case "sqlite":
		return l.Name
	default:
		return ""
	}
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// Output paths, zap syntax
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// Annotate entries with caller file:line
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// Attach stacktraces at error level
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	// Master switch; disabled means no-op providers
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP gRPC endpoint
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// Reported service name
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// Trace sampling ratio in [0, 1]
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Provider returns the provider config for an id.
func (c *Config) Provider(id string) (ProviderConfig, bool) {
	p, ok := c.Providers[id]
	return p, ok
}

// Model returns the model config for an id.
func (c *Config) Model(id string) (ModelConfig, bool) {
	m, ok := c.Models[id]
	return m, ok
}

// PriceFor returns the pricing entry for (provider, model). A missing entry
// returns the zero entry so cost estimation degrades to zero cost.
func (p PricingConfig) PriceFor(provider, model string) PricingEntry {
	if byModel, ok := p[provider]; ok {
		if entry, ok := byModel[model]; ok {
			return entry
		}
	}
	return PricingEntry{}
}
