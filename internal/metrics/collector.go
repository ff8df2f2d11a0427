// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// LLM 指标
	llmRequestsTotal   *prometheus.CounterVec
	llmRequestDuration *prometheus.HistogramVec
	llmTokensUsed      *prometheus.CounterVec
	llmCost            *prometheus.CounterVec

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 降级/熔断指标
	fallbackAttempts  *prometheus.CounterVec
	breakerStateGauge *prometheus.GaugeVec

	// 预算指标
	budgetSpent  *prometheus.GaugeVec
	budgetAlerts *prometheus.CounterVec

	// 批处理指标
	batchCoalesced *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器.
// registerer 为 nil 时注册到默认注册表; 测试传独立 Registry 避免重复注册。
func NewCollector(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *Collector {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(registerer)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// LLM 指标
	c.llmRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total number of LLM requests",
		},
		[]string{"provider", "model", "status"},
	)

	c.llmRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "LLM request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)

	c.llmTokensUsed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_used_total",
			Help:      "Total number of tokens used",
		},
		[]string{"provider", "model", "type"},
	)

	c.llmCost = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_cost_usd_total",
			Help:      "Total LLM cost in USD",
		},
		[]string{"provider", "model"},
	)

	// 缓存指标
	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"tier"},
	)

	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"tier"},
	)

	// 降级/熔断指标
	c.fallbackAttempts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_attempts_total",
			Help:      "Total number of fallback attempts per provider",
		},
		[]string{"provider", "outcome"},
	)

	c.breakerStateGauge = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"provider"},
	)

	// 预算指标
	c.budgetSpent = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "budget_spent_usd",
			Help:      "Budget spent in the current period in USD",
		},
		[]string{"period"},
	)

	c.budgetAlerts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_alerts_total",
			Help:      "Total number of budget alerts",
		},
		[]string{"period", "level"},
	)

	// 批处理指标
	c.batchCoalesced = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_coalesced_total",
			Help:      "Total number of coalesced batch submissions",
		},
		[]string{"provider"},
	)

	return c
}

// =============================================================================
// 记录方法
// =============================================================================

// RecordLLMRequest 记录一次 LLM 请求
func (c *Collector) RecordLLMRequest(provider, model, status string, duration time.Duration, promptTokens, completionTokens int, cost float64) {
	c.llmRequestsTotal.WithLabelValues(provider, model, status).Inc()
	c.llmRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	c.llmTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	c.llmTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	c.llmCost.WithLabelValues(provider, model).Add(cost)
}

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(tier string) {
	c.cacheHits.WithLabelValues(tier).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(tier string) {
	c.cacheMisses.WithLabelValues(tier).Inc()
}

// RecordFallbackAttempt 记录一次降级尝试
func (c *Collector) RecordFallbackAttempt(provider, outcome string) {
	c.fallbackAttempts.WithLabelValues(provider, outcome).Inc()
}

// RecordBreakerState 记录熔断器状态
func (c *Collector) RecordBreakerState(provider string, state int) {
	c.breakerStateGauge.WithLabelValues(provider).Set(float64(state))
}

// RecordBudgetSpend 记录周期消费
func (c *Collector) RecordBudgetSpend(period string, spent float64) {
	c.budgetSpent.WithLabelValues(period).Set(spent)
}

// RecordBudgetAlert 记录预算告警
func (c *Collector) RecordBudgetAlert(period, level string) {
	c.budgetAlerts.WithLabelValues(period, level).Inc()
}

// RecordBatchCoalesced 记录批处理合并
func (c *Collector) RecordBatchCoalesced(provider string) {
	c.batchCoalesced.WithLabelValues(provider).Inc()
}
