package config

import "time"

// DefaultConfig returns the complete default configuration.
func DefaultConfig() *Config {
	return &Config{
		Providers: make(map[string]ProviderConfig),
		Models:    make(map[string]ModelConfig),
		RateLimit: DefaultRateLimitConfig(),
		Pricing:   make(PricingConfig),
		Folding:   DefaultFoldingConfig(),
		Cache:     DefaultCacheConfig(),
		Ledger:    DefaultLedgerConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultRateLimitConfig returns the default admission settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		QPS:            5,
		Burst:          10,
		WindowLimit:    0,
		WindowSeconds:  60,
		Strategy:       "wait",
		Timeout:        30 * time.Second,
		BucketTemplate: "{provider}:{model}",
	}
}

// DefaultFoldingConfig returns the default history-compression settings.
func DefaultFoldingConfig() FoldingConfig {
	return FoldingConfig{
		Enabled:           true,
		HotWindow:         5,
		WarmWindow:        10,
		Strategy:          "consolidate",
		DistillModel:      "",
		MaxDistillRetries: 2,
		CacheTTL:          time.Hour,
	}
}

// DefaultCacheConfig returns the default prefix cache settings.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Backend: "memory",
		TTL:     30 * time.Minute,
		Redis:   DefaultRedisConfig(),
	}
}

// DefaultRedisConfig returns the default Redis connection settings.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultLedgerConfig returns the default usage-ledger settings.
func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		Enabled:         false,
		Driver:          "sqlite",
		Host:            "localhost",
		Port:            5432,
		User:            "thinkflow",
		Password:        "",
		Name:            "thinkflow.db",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultLogConfig returns the default logging settings.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns the default telemetry settings.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "thinkflow",
		SampleRate:   0.1,
	}
}
