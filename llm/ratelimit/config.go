package ratelimit

import (
	"strings"
	"time"
)

// Strategy decides what happens when a bucket cannot admit a call right away.
type Strategy string

const (
	// StrategyWait blocks until the bucket admits, bounded by Timeout.
	StrategyWait Strategy = "wait"
	// StrategyError fails immediately with a rate-limit error.
	StrategyError Strategy = "error"
)

// DefaultBucketTemplate renders one bucket per provider/model pair.
const DefaultBucketTemplate = "{provider}:{model}"

// Config describes one bucket. QPS/Burst configure the token-bucket cell,
// WindowLimit/WindowSeconds the sliding-window cell; a zero value disables
// that cell. A config with both cells disabled admits everything.
type Config struct {
	QPS           float64
	Burst         int
	WindowLimit   int
	WindowSeconds int
	Strategy      Strategy
	Timeout       time.Duration
}

func (c Config) strategy() Strategy {
	if c.Strategy == StrategyError {
		return StrategyError
	}
	return StrategyWait
}

func (c Config) hasTokenBucket() bool {
	return c.QPS > 0
}

func (c Config) hasWindow() bool {
	return c.WindowLimit > 0 && c.WindowSeconds > 0
}

func (c Config) window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// FromRPM converts a requests-per-minute budget into token-bucket terms.
func FromRPM(rpm int) Config {
	if rpm <= 0 {
		return Config{}
	}
	burst := rpm / 60
	if burst < 1 {
		burst = 1
	}
	return Config{
		QPS:      float64(rpm) / 60.0,
		Burst:    burst,
		Strategy: StrategyWait,
	}
}

// Resolve picks the effective bucket config: a caller override wins outright,
// then a model-level RPM budget replaces the token-bucket cell of the
// defaults, then the defaults stand.
func Resolve(override *Config, modelRPM int, defaults Config) Config {
	if override != nil {
		return *override
	}
	cfg := defaults
	if modelRPM > 0 {
		rpm := FromRPM(modelRPM)
		cfg.QPS = rpm.QPS
		cfg.Burst = rpm.Burst
	}
	return cfg
}

// ComposeKey renders a bucket key from a template. An empty template falls
// back to DefaultBucketTemplate.
func ComposeKey(template, provider, model string) string {
	if template == "" {
		template = DefaultBucketTemplate
	}
	key := strings.ReplaceAll(template, "{provider}", provider)
	return strings.ReplaceAll(key, "{model}", model)
}
