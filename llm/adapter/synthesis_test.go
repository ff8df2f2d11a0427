package adapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/docforge-ai/docforge/llm"
	"github.com/docforge-ai/docforge/llm/fallback"
	"github.com/docforge-ai/docforge/llm/testutil"
)

func TestSynthesizeBestQualityPicksCompleteLongAnswer(t *testing.T) {
	short := testutil.NewMockProvider("short")
	short.Response = &llm.Response{
		Content: "Brief.", FinishReason: llm.FinishStop,
		Provider: "short", Model: "mock-model",
	}
	truncated := testutil.NewMockProvider("truncated")
	truncated.Response = &llm.Response{
		Content:      "A very long but cut-off answer that goes on and on and never actually finishes because the model ran out of",
		FinishReason: llm.FinishLength,
		Provider:     "truncated", Model: "mock-model",
	}
	full := testutil.NewMockProvider("full")
	full.Response = &llm.Response{
		Content:      "A complete and reasonably detailed answer that covers the question end to end with a proper conclusion.",
		FinishReason: llm.FinishStop,
		Provider:     "full", Model: "mock-model",
	}

	a, err := New(Options{
		Candidates: []fallback.Candidate{
			{Provider: short}, {Provider: truncated}, {Provider: full},
		},
		Fallback:  fastFallback(),
		Synthesis: SynthesisOptions{Strategy: SynthesisBestQuality, MaxProviders: 3},
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	defer a.Close()

	resp, err := a.Synthesize(context.Background(), testRequest("explain Go interfaces"))
	require.NoError(t, err)
	assert.Equal(t, "full", resp.Provider)
	assert.Greater(t, resp.QualityScore, 0.5)
	assert.Equal(t, "best_quality", resp.Metadata["synthesis_strategy"])
	assert.Equal(t, "3", resp.Metadata["synthesis_sources"])
}

func TestSynthesizeConsensusPicksMajorityAnswer(t *testing.T) {
	agree1 := testutil.NewMockProvider("agree1")
	agree1.Response = &llm.Response{
		Content: "The capital of France is Paris.", FinishReason: llm.FinishStop,
		Provider: "agree1", Model: "mock-model",
	}
	agree2 := testutil.NewMockProvider("agree2")
	agree2.Response = &llm.Response{
		Content: "Paris is the capital of France.", FinishReason: llm.FinishStop,
		Provider: "agree2", Model: "mock-model",
	}
	outlier := testutil.NewMockProvider("outlier")
	outlier.Response = &llm.Response{
		Content: "Berlin, obviously.", FinishReason: llm.FinishStop,
		Provider: "outlier", Model: "mock-model",
	}

	a, err := New(Options{
		Candidates: []fallback.Candidate{
			{Provider: outlier}, {Provider: agree1}, {Provider: agree2},
		},
		Fallback:  fastFallback(),
		Synthesis: SynthesisOptions{Strategy: SynthesisConsensus, MaxProviders: 3},
	})
	require.NoError(t, err)
	defer a.Close()

	resp, err := a.Synthesize(context.Background(), testRequest("capital of France?"))
	require.NoError(t, err)
	assert.Contains(t, []string{"agree1", "agree2"}, resp.Provider)
}

func TestSynthesizeWeightedFavorsHighWeightProvider(t *testing.T) {
	budgetModel := testutil.NewMockProvider("budget")
	budgetModel.Response = &llm.Response{
		Content:      "An adequate answer with a decent amount of detail in it overall.",
		FinishReason: llm.FinishStop,
		Provider:     "budget", Model: "mock-model",
	}
	premium := testutil.NewMockProvider("premium")
	premium.Response = &llm.Response{
		Content:      "An adequate answer with a decent amount of detail in it overall.",
		FinishReason: llm.FinishStop,
		Provider:     "premium", Model: "mock-model",
	}

	a, err := New(Options{
		Candidates: []fallback.Candidate{
			{Provider: budgetModel, QualityWeight: 0.3},
			{Provider: premium, QualityWeight: 0.9},
		},
		Fallback:  fastFallback(),
		Synthesis: SynthesisOptions{Strategy: SynthesisWeighted, MaxProviders: 2},
	})
	require.NoError(t, err)
	defer a.Close()

	resp, err := a.Synthesize(context.Background(), testRequest("same answer, different weight"))
	require.NoError(t, err)
	assert.Equal(t, "premium", resp.Provider)
}

func TestSynthesizeDegradesToGenerateWithOneProvider(t *testing.T) {
	only := testutil.NewMockProvider("only")
	down := testutil.NewMockProvider("down")
	down.Unhealthy = true

	a, err := New(Options{
		Candidates: []fallback.Candidate{{Provider: only}, {Provider: down}},
		Fallback:   fastFallback(),
	})
	require.NoError(t, err)
	defer a.Close()

	resp, err := a.Synthesize(context.Background(), testRequest("hello"))
	require.NoError(t, err)
	assert.Equal(t, "only", resp.Provider)
	assert.Empty(t, resp.Metadata["synthesis_strategy"], "degraded path is a plain generation")
	assert.EqualValues(t, 0, down.Calls())
}

func TestSynthesizeSurvivesPartialFailure(t *testing.T) {
	broken := testutil.NewMockProvider("broken")
	broken.Err = llm.NewProviderError("broken", "boom", nil)
	ok1 := testutil.NewMockProvider("ok1")
	ok2 := testutil.NewMockProvider("ok2")

	a, err := New(Options{
		Candidates: []fallback.Candidate{
			{Provider: broken}, {Provider: ok1}, {Provider: ok2},
		},
		Fallback: fastFallback(),
	})
	require.NoError(t, err)
	defer a.Close()

	resp, err := a.Synthesize(context.Background(), testRequest("hello"))
	require.NoError(t, err)
	assert.Contains(t, []string{"ok1", "ok2"}, resp.Provider)
	assert.Equal(t, "2", resp.Metadata["synthesis_sources"])
}

func TestSynthesizeAllFailed(t *testing.T) {
	a1 := testutil.NewMockProvider("a1")
	a1.Err = llm.NewProviderError("a1", "boom", nil)
	a2 := testutil.NewMockProvider("a2")
	a2.Err = llm.NewProviderError("a2", "boom", nil)

	a, err := New(Options{
		Candidates: []fallback.Candidate{{Provider: a1}, {Provider: a2}},
		Fallback:   fastFallback(),
	})
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Synthesize(context.Background(), testRequest("hello"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "synthesis")
}
