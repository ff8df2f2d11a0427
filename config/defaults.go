// =============================================================================
// 📦 docforge 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Providers: nil,
		Fallback:  DefaultFallbackConfig(),
		Budget:    DefaultBudgetConfig(),
		Synthesis: DefaultSynthesisConfig(),
		Cache:     DefaultCacheConfig(),
		Batch:     DefaultBatchConfig(),
		Redis:     DefaultRedisConfig(),
		Ledger:    DefaultLedgerConfig(),
		Log:       DefaultLogConfig(),
	}
}

// DefaultFallbackConfig 返回默认降级路由配置
func DefaultFallbackConfig() FallbackConfig {
	return FallbackConfig{
		Strategy:     "sequential",
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
	}
}

// DefaultBudgetConfig 返回默认成本配置（不限额）
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		DailyLimitUSD:   0,
		MonthlyLimitUSD: 0,
		WarnRatio:       0.8,
	}
}

// DefaultSynthesisConfig 返回默认合成配置
func DefaultSynthesisConfig() SynthesisConfig {
	return SynthesisConfig{
		Enabled:      false,
		MaxProviders: 3,
		Strategy:     "best_quality",
	}
}

// DefaultCacheConfig 返回默认缓存配置
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:           true,
		MaxEntries:        1024,
		TTL:               1 * time.Hour,
		Semantic:          false,
		SemanticThreshold: 0.92,
	}
}

// DefaultBatchConfig 返回默认批处理配置（默认关闭）
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		Workers:           0,
		MaxQueueSize:      256,
		MaxBatchSize:      10,
		MaxWait:           100 * time.Millisecond,
		RequestsPerSecond: 0,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:  false,
		Addr:     "localhost:6379",
		Password: "",
		DB:       0,
		TTL:      24 * time.Hour,
	}
}

// DefaultLedgerConfig 返回默认台账配置
func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		Enabled: true,
		Path:    "docforge.db",
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:  "info",
		Format: "json",
	}
}
