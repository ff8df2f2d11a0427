package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCollectorRecordsLLMRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("docforge", reg, zap.NewNop())

	c.RecordLLMRequest("openai", "gpt-4o", "success", 1200*time.Millisecond, 100, 50, 0.0125)
	c.RecordLLMRequest("openai", "gpt-4o", "success", 800*time.Millisecond, 200, 80, 0.02)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	assert.InDelta(t, 2, testutil.ToFloat64(
		c.llmRequestsTotal.WithLabelValues("openai", "gpt-4o", "success")), 1e-9)
	assert.InDelta(t, 300, testutil.ToFloat64(
		c.llmTokensUsed.WithLabelValues("openai", "gpt-4o", "prompt")), 1e-9)
	assert.InDelta(t, 0.0325, testutil.ToFloat64(
		c.llmCost.WithLabelValues("openai", "gpt-4o")), 1e-9)
}

func TestCollectorCacheAndFallbackCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("docforge", reg, zap.NewNop())

	c.RecordCacheHit("exact")
	c.RecordCacheHit("exact")
	c.RecordCacheMiss("semantic")
	c.RecordFallbackAttempt("anthropic", "failure")
	c.RecordBreakerState("anthropic", 1)
	c.RecordBudgetSpend("daily", 4.2)
	c.RecordBudgetAlert("daily", "warning")
	c.RecordBatchCoalesced("openai")

	assert.InDelta(t, 2, testutil.ToFloat64(c.cacheHits.WithLabelValues("exact")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(c.cacheMisses.WithLabelValues("semantic")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(c.fallbackAttempts.WithLabelValues("anthropic", "failure")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(c.breakerStateGauge.WithLabelValues("anthropic")), 1e-9)
	assert.InDelta(t, 4.2, testutil.ToFloat64(c.budgetSpent.WithLabelValues("daily")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(c.budgetAlerts.WithLabelValues("daily", "warning")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(c.batchCoalesced.WithLabelValues("openai")), 1e-9)
}

func TestCollectorSeparateRegistries(t *testing.T) {
	a := NewCollector("docforge", prometheus.NewRegistry(), zap.NewNop())
	b := NewCollector("docforge", prometheus.NewRegistry(), zap.NewNop())

	a.RecordCacheHit("exact")
	assert.InDelta(t, 0, testutil.ToFloat64(b.cacheHits.WithLabelValues("exact")), 1e-9)
}
