package budget

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/docforge-ai/docforge/llm"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	ledger, err := NewLedger(db)
	require.NoError(t, err)
	return ledger
}

func newTestGuard(t *testing.T, config Config, ledger *Ledger) (*Guard, *time.Time) {
	t.Helper()
	g, err := NewGuard(config, ledger, zap.NewNop())
	require.NoError(t, err)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	g.dayStart = dayOf(now)
	g.monthStart = monthOf(now)
	return g, &now
}

func responseWithCost(provider string, cost float64) *llm.Response {
	return &llm.Response{
		Content:  "ok",
		Provider: provider,
		Model:    "test-model",
		Usage: llm.TokenUsage{
			PromptTokens:     100,
			CompletionTokens: 50,
			TotalTokens:      150,
			TotalCost:        cost,
		},
	}
}

// --- guard pre-flight ---

func TestCanAffordRejectsWhenEstimateBreaksDailyLimit(t *testing.T) {
	g, _ := newTestGuard(t, Config{DailyLimitUSD: 10.00}, nil)

	require.NoError(t, g.Record(context.Background(), responseWithCost("openai", 9.99)))

	err := g.CanAfford(0.02)
	require.Error(t, err)
	assert.True(t, llm.IsBudgetExceeded(err))
	assert.Contains(t, err.Error(), "daily budget")

	// 刚好到上限仍放行
	assert.NoError(t, g.CanAfford(0.01))
}

func TestCanAffordChecksMonthlyLimit(t *testing.T) {
	g, _ := newTestGuard(t, Config{MonthlyLimitUSD: 100.00}, nil)

	require.NoError(t, g.Record(context.Background(), responseWithCost("openai", 99.50)))

	err := g.CanAfford(1.00)
	require.Error(t, err)
	assert.True(t, llm.IsBudgetExceeded(err))
	assert.Contains(t, err.Error(), "monthly budget")
}

func TestZeroLimitMeansUnlimited(t *testing.T) {
	g, _ := newTestGuard(t, Config{}, nil)
	require.NoError(t, g.Record(context.Background(), responseWithCost("openai", 10000)))
	assert.NoError(t, g.CanAfford(10000))
}

func TestDailySpendResetsAtDayBoundary(t *testing.T) {
	g, now := newTestGuard(t, Config{DailyLimitUSD: 10.00, MonthlyLimitUSD: 100.00}, nil)

	require.NoError(t, g.Record(context.Background(), responseWithCost("openai", 9.99)))
	require.Error(t, g.CanAfford(0.02))

	*now = now.Add(24 * time.Hour)
	assert.NoError(t, g.CanAfford(0.02), "daily spend must reset on a new day")

	// 月累计不随日切重置
	snap := g.Snapshot()
	assert.Equal(t, 0.0, snap.DaySpent)
	assert.InDelta(t, 9.99, snap.MonthSpent, 1e-9)
}

func TestCachedResponsesDoNotCountAgainstBudget(t *testing.T) {
	g, _ := newTestGuard(t, Config{DailyLimitUSD: 1.00}, nil)

	resp := responseWithCost("openai", 5.00)
	resp.Cached = true
	require.NoError(t, g.Record(context.Background(), resp))

	assert.NoError(t, g.CanAfford(0.50))
	assert.Equal(t, 0.0, g.Snapshot().DaySpent)
}

// --- alerts ---

func TestAlertsFireOncePerLevel(t *testing.T) {
	var alerts []Alert
	g, _ := newTestGuard(t, Config{
		DailyLimitUSD: 10.00,
		OnAlert:       func(a Alert) { alerts = append(alerts, a) },
	}, nil)

	ctx := context.Background()

	require.NoError(t, g.Record(ctx, responseWithCost("openai", 7.00)))
	assert.Empty(t, alerts, "below warn ratio, no alert")

	require.NoError(t, g.Record(ctx, responseWithCost("openai", 1.50)))
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertWarning, alerts[0].Level)
	assert.Equal(t, PeriodDaily, alerts[0].Period)

	require.NoError(t, g.Record(ctx, responseWithCost("openai", 0.25)))
	assert.Len(t, alerts, 1, "second crossing of warn ratio must not re-alert")

	require.NoError(t, g.Record(ctx, responseWithCost("openai", 2.00)))
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertExceeded, alerts[1].Level)

	require.NoError(t, g.Record(ctx, responseWithCost("openai", 1.00)))
	assert.Len(t, alerts, 2, "exceeded alert fires once per day")
}

func TestAlertFlagsResetOnNewDay(t *testing.T) {
	var alerts []Alert
	g, now := newTestGuard(t, Config{
		DailyLimitUSD: 10.00,
		OnAlert:       func(a Alert) { alerts = append(alerts, a) },
	}, nil)

	require.NoError(t, g.Record(context.Background(), responseWithCost("openai", 9.00)))
	require.Len(t, alerts, 1)

	*now = now.Add(24 * time.Hour)
	require.NoError(t, g.Record(context.Background(), responseWithCost("openai", 9.00)))
	assert.Len(t, alerts, 2, "warning must fire again on a new day")
}

// --- ledger ---

func TestLedgerRecordsAndAggregates(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.Record(ctx, &UsageLog{
		RequestID: "req-1", Provider: "openai", Model: "gpt-4o",
		PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150, Cost: 0.05,
	}))
	require.NoError(t, ledger.Record(ctx, &UsageLog{
		RequestID: "req-2", Provider: "anthropic", Model: "claude-3-5-sonnet",
		PromptTokens: 200, CompletionTokens: 100, TotalTokens: 300, Cost: 0.12,
	}))
	require.NoError(t, ledger.Record(ctx, &UsageLog{
		RequestID: "req-3", Provider: "openai", Model: "gpt-4o",
		TotalTokens: 150, Cost: 0, Cached: true,
	}))

	total, err := ledger.SpentSince(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 0.17, total, 1e-9)

	byProvider, err := ledger.SpendByProvider(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, byProvider, 2)
	assert.Equal(t, "anthropic", byProvider[0].Provider, "ordered by cost desc")
	assert.InDelta(t, 0.12, byProvider[0].Cost, 1e-9)

	recent, err := ledger.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "req-3", recent[0].RequestID)
}

func TestGuardRestoresSpendFromLedger(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.Record(ctx, &UsageLog{
		RequestID: "req-1", Provider: "openai", Cost: 9.99,
	}))

	g, err := NewGuard(Config{DailyLimitUSD: 10.00}, ledger, zap.NewNop())
	require.NoError(t, err)

	err = g.CanAfford(0.02)
	require.Error(t, err)
	assert.True(t, llm.IsBudgetExceeded(err))
}

func TestGuardPersistsUsageThroughLedger(t *testing.T) {
	ledger := newTestLedger(t)
	g, _ := newTestGuard(t, Config{DailyLimitUSD: 10.00}, ledger)
	ctx := context.Background()

	require.NoError(t, g.Record(ctx, responseWithCost("gemini", 0.42)))

	recent, err := ledger.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "gemini", recent[0].Provider)
	assert.InDelta(t, 0.42, recent[0].Cost, 1e-9)
	assert.Equal(t, 150, recent[0].TotalTokens)
}
