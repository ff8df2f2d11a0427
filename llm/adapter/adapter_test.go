package adapter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/docforge-ai/docforge/llm"
	"github.com/docforge-ai/docforge/llm/budget"
	"github.com/docforge-ai/docforge/llm/cache"
	"github.com/docforge-ai/docforge/llm/fallback"
	"github.com/docforge-ai/docforge/llm/retry"
	"github.com/docforge-ai/docforge/llm/testutil"
)

func fastFallback() fallback.Config {
	return fallback.Config{
		Strategy: fallback.StrategySequential,
		Retry:    &retry.Policy{MaxRetries: 0, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}
}

func testRequest(content string) *llm.Request {
	return llm.NewRequest("mock-model", []llm.Message{
		{Role: llm.RoleUser, Content: content},
	})
}

func respWithCost(provider, content string, cost float64) *llm.Response {
	return &llm.Response{
		Content:      content,
		FinishReason: llm.FinishStop,
		Model:        "mock-model",
		Provider:     provider,
		Usage: llm.TokenUsage{
			PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30, TotalCost: cost,
		},
	}
}

// --- end to end ---

func TestGenerateFallsBackSequentially(t *testing.T) {
	primary := testutil.NewMockProvider("primary")
	primary.Err = llm.NewProviderError("primary", "upstream down", nil)
	secondary := testutil.NewMockProvider("secondary")

	a, err := New(Options{
		Candidates: []fallback.Candidate{{Provider: primary}, {Provider: secondary}},
		Fallback:   fastFallback(),
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	defer a.Close()

	resp, err := a.Generate(context.Background(), testRequest("hello"))
	require.NoError(t, err)
	assert.Equal(t, "secondary", resp.Provider)
	assert.EqualValues(t, 1, primary.Calls())
	assert.EqualValues(t, 1, secondary.Calls())
}

func TestGenerateRejectsInvalidRequest(t *testing.T) {
	a, err := New(Options{
		Candidates: []fallback.Candidate{{Provider: testutil.NewMockProvider("p")}},
		Fallback:   fastFallback(),
	})
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Generate(context.Background(), &llm.Request{Model: "m"})
	require.Error(t, err)
	var le *llm.Error
	require.ErrorAs(t, err, &le)
	assert.Equal(t, llm.ErrInvalidRequest, le.Code)
}

// --- cache wiring ---

func TestGenerateServesSecondCallFromCache(t *testing.T) {
	p := testutil.NewMockProvider("openai")
	p.Response = respWithCost("openai", "cached answer", 0.01)

	a, err := New(Options{
		Candidates: []fallback.Candidate{{Provider: p}},
		Fallback:   fastFallback(),
		Cache:      cache.New(nil, cache.DefaultConfig(), zap.NewNop()),
	})
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	first, err := a.Generate(ctx, testRequest("what is Go?"))
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := a.Generate(ctx, testRequest("what is Go?"))
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Content, second.Content)
	assert.EqualValues(t, 1, p.Calls(), "cache hit must not reach the provider")
}

// --- budget wiring ---

func TestGenerateRejectedWhenBudgetExhausted(t *testing.T) {
	p := testutil.NewMockProvider("openai")
	p.CostPerCall = 0.02

	guard, err := budget.NewGuard(budget.Config{DailyLimitUSD: 10.00}, nil, zap.NewNop())
	require.NoError(t, err)

	a, err := New(Options{
		Candidates: []fallback.Candidate{{Provider: p}},
		Fallback:   fastFallback(),
		Guard:      guard,
	})
	require.NoError(t, err)
	defer a.Close()

	// 已消费 $9.99, 预估 $0.02 会突破 $10.00 上限
	require.NoError(t, guard.Record(context.Background(), respWithCost("openai", "x", 9.99)))

	_, err = a.Generate(context.Background(), testRequest("one more"))
	require.Error(t, err)
	assert.True(t, llm.IsBudgetExceeded(err))
	assert.EqualValues(t, 0, p.Calls(), "budget rejection happens before any provider call")
}

func TestGenerateRecordsSpend(t *testing.T) {
	p := testutil.NewMockProvider("openai")
	p.Response = respWithCost("openai", "answer", 0.25)

	guard, err := budget.NewGuard(budget.Config{DailyLimitUSD: 10.00}, nil, zap.NewNop())
	require.NoError(t, err)

	a, err := New(Options{
		Candidates: []fallback.Candidate{{Provider: p}},
		Fallback:   fastFallback(),
		Guard:      guard,
	})
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Generate(context.Background(), testRequest("hello"))
	require.NoError(t, err)
	assert.InDelta(t, 0.25, guard.Snapshot().DaySpent, 1e-9)
}

// --- batch wiring ---

func TestBatchModeCoalescesAndBillsOnce(t *testing.T) {
	p := testutil.NewMockProvider("openai")
	p.Response = respWithCost("openai", "shared answer", 0.10)
	p.Delay = 50 * time.Millisecond

	guard, err := budget.NewGuard(budget.Config{DailyLimitUSD: 10.00}, nil, zap.NewNop())
	require.NoError(t, err)

	a, err := New(Options{
		Candidates:   []fallback.Candidate{{Provider: p}},
		Fallback:     fastFallback(),
		Guard:        guard,
		BatchWorkers: 2,
		BatchMaxWait: time.Millisecond,
	})
	require.NoError(t, err)
	defer a.Close()

	// 同内容并发请求应合并为一次上游调用, 只计一次费用
	req := testRequest("identical prompt")
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := a.Generate(context.Background(), req.Normalized())
			assert.NoError(t, err)
			assert.Equal(t, "shared answer", resp.Content)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, p.Calls())
	assert.InDelta(t, 0.10, guard.Snapshot().DaySpent, 1e-9)
}

// --- streaming ---

func TestGenerateStreamRecordsUsage(t *testing.T) {
	p := testutil.NewMockProvider("openai")
	p.Response = respWithCost("openai", "streamed", 0.05)

	guard, err := budget.NewGuard(budget.Config{DailyLimitUSD: 10.00}, nil, zap.NewNop())
	require.NoError(t, err)

	a, err := New(Options{
		Candidates: []fallback.Candidate{{Provider: p}},
		Fallback:   fastFallback(),
		Guard:      guard,
	})
	require.NoError(t, err)
	defer a.Close()

	ch, err := a.GenerateStream(context.Background(), testRequest("stream it"))
	require.NoError(t, err)

	var content string
	for chunk := range ch {
		content += chunk.Content
	}
	assert.Equal(t, "streamed", content)

	require.Eventually(t, func() bool {
		return guard.Snapshot().DaySpent > 0
	}, time.Second, 5*time.Millisecond)
	assert.InDelta(t, 0.05, guard.Snapshot().DaySpent, 1e-9)
}

// --- stats ---

func TestUsageStatsReportsProviders(t *testing.T) {
	p1 := testutil.NewMockProvider("openai")
	p2 := testutil.NewMockProvider("anthropic")
	p2.Unhealthy = true

	a, err := New(Options{
		Candidates: []fallback.Candidate{{Provider: p1}, {Provider: p2}},
		Fallback:   fastFallback(),
	})
	require.NoError(t, err)
	defer a.Close()

	stats, err := a.UsageStats(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, stats.Providers, 2)
	assert.True(t, stats.Providers[0].Healthy)
	assert.False(t, stats.Providers[1].Healthy)
	assert.NotEmpty(t, stats.Providers[0].Models)
}
