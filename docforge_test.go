package docforge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docforge-ai/docforge/llm"
	"github.com/docforge-ai/docforge/llm/fallback"
	"github.com/docforge-ai/docforge/llm/testutil"
)

func TestNewRequiresProvider(t *testing.T) {
	_, err := New()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one provider")
}

func TestNewWithCustomProvider(t *testing.T) {
	mock := testutil.NewMockProvider("primary")
	a, err := New(WithProvider(mock, 0.9))
	require.NoError(t, err)
	t.Cleanup(a.Close)

	req := llm.NewRequest("mock-model", []llm.Message{{Role: llm.RoleUser, Content: "hi"}})
	resp, err := a.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "primary", resp.Provider)
}

func TestNewFallsBackAcrossProviders(t *testing.T) {
	// 限流错误不在提供商内重试, 直接切换候选
	broken := testutil.NewMockProvider("broken")
	broken.Err = llm.NewRateLimitError("broken", "window exhausted")
	backup := testutil.NewMockProvider("backup")

	a, err := New(
		WithProvider(broken, 0.9),
		WithProvider(backup, 0.5),
		WithStrategy(fallback.StrategySequential),
	)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	req := llm.NewRequest("mock-model", []llm.Message{{Role: llm.RoleUser, Content: "hi"}})
	resp, err := a.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "backup", resp.Provider)
}

func TestNewWithDailyBudget(t *testing.T) {
	expensive := testutil.NewMockProvider("expensive")
	expensive.CostPerCall = 2.0

	a, err := New(WithProvider(expensive, 0.9), WithDailyBudget(1.0))
	require.NoError(t, err)
	t.Cleanup(a.Close)

	req := llm.NewRequest("mock-model", []llm.Message{{Role: llm.RoleUser, Content: "hi"}})
	_, err = a.Generate(context.Background(), req)
	require.Error(t, err)
	assert.True(t, llm.IsBudgetExceeded(err))
	assert.Zero(t, expensive.Calls())
}

func TestNewBuildsEnvKeyProviders(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	a, err := New(WithOpenAI("gpt-4o-mini"), WithDailyBudget(5))
	require.NoError(t, err)
	t.Cleanup(a.Close)
}
