package openaicompat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/docforge-ai/docforge/llm"
	"github.com/docforge-ai/docforge/llm/providers"
)

func testProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return New(Config{
		ProviderName: "openai",
		APIKey:       "test-key",
		BaseURL:      srv.URL,
		DefaultModel: "gpt-4o-mini",
		Models:       []string{"gpt-4o", "gpt-4o-mini"},
	}, nil, zap.NewNop())
}

func chatRequest() *llm.Request {
	return llm.NewRequest("gpt-4o-mini", []llm.Message{
		{Role: llm.RoleSystem, Content: "You are a helpful assistant."},
		{Role: llm.RoleUser, Content: "Say hello."},
	})
}

// --- Generate ---

func TestGenerate(t *testing.T) {
	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body providers.OpenAICompatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o-mini", body.Model)
		assert.Len(t, body.Messages, 2)
		assert.False(t, body.Stream)

		json.NewEncoder(w).Encode(providers.OpenAICompatResponse{
			ID:    "chatcmpl-123",
			Model: "gpt-4o-mini",
			Choices: []providers.OpenAICompatChoice{{
				FinishReason: "stop",
				Message:      providers.OpenAICompatMessage{Role: "assistant", Content: "Hello!"},
			}},
			Usage: &providers.OpenAICompatUsage{PromptTokens: 20, CompletionTokens: 5, TotalTokens: 25},
		})
	})

	resp, err := p.Generate(context.Background(), chatRequest())
	require.NoError(t, err)
	assert.Equal(t, "Hello!", resp.Content)
	assert.Equal(t, llm.FinishStop, resp.FinishReason)
	assert.Equal(t, "openai", resp.Provider)
	assert.Equal(t, 25, resp.Usage.TotalTokens)
	assert.Greater(t, resp.Usage.TotalCost, 0.0)
	assert.False(t, resp.Cached)
	assert.True(t, p.Healthy())
}

func TestGenerateMapsUpstreamErrors(t *testing.T) {
	status := http.StatusInternalServerError
	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		fmt.Fprint(w, `{"error": {"message": "upstream failure"}}`)
	})

	_, err := p.Generate(context.Background(), chatRequest())
	require.Error(t, err)
	assert.True(t, llm.IsRetryable(err))

	status = http.StatusUnauthorized
	_, err = p.Generate(context.Background(), chatRequest())
	require.Error(t, err)
	assert.True(t, llm.IsAuthError(err))
	assert.False(t, llm.IsRetryable(err))
}

func TestGenerateInvalidRequestRejectedLocally(t *testing.T) {
	called := false
	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	_, err := p.Generate(context.Background(), &llm.Request{Model: "gpt-4o"})
	require.Error(t, err)
	assert.False(t, llm.IsRetryable(err))
	assert.False(t, called)
}

func TestGenerateHealthTracking(t *testing.T) {
	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	for i := 0; i < 3; i++ {
		_, err := p.Generate(context.Background(), chatRequest())
		require.Error(t, err)
	}
	assert.False(t, p.Healthy())
}

func TestGenerateAuthFailureDoesNotPoisonHealth(t *testing.T) {
	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	for i := 0; i < 5; i++ {
		_, err := p.Generate(context.Background(), chatRequest())
		require.Error(t, err)
	}
	assert.True(t, p.Healthy())
}

// --- rate limiting ---

func TestGenerateLocalRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(providers.OpenAICompatResponse{
			Choices: []providers.OpenAICompatChoice{{
				FinishReason: "stop",
				Message:      providers.OpenAICompatMessage{Content: "ok"},
			}},
		})
	}))
	defer srv.Close()

	p := New(Config{
		ProviderName:      "openai",
		BaseURL:           srv.URL,
		DefaultModel:      "gpt-4o-mini",
		RequestsPerMinute: 5,
	}, nil, zap.NewNop())

	for i := 0; i < 5; i++ {
		_, err := p.Generate(context.Background(), chatRequest())
		require.NoError(t, err, "request %d", i)
	}

	_, err := p.Generate(context.Background(), chatRequest())
	require.Error(t, err)
	assert.True(t, llm.IsRateLimited(err))
}

// --- streaming ---

func TestGenerateStream(t *testing.T) {
	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var body providers.OpenAICompatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, body.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":20,\"completion_tokens\":2,\"total_tokens\":22}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	ch, err := p.GenerateStream(context.Background(), chatRequest())
	require.NoError(t, err)

	var content string
	var final llm.StreamChunk
	for chunk := range ch {
		require.Nil(t, chunk.Err)
		content += chunk.Content
		if chunk.FinishReason != "" {
			final = chunk
		}
	}

	assert.Equal(t, "Hello", content)
	assert.Equal(t, llm.FinishStop, final.FinishReason)
	require.NotNil(t, final.Usage)
	assert.Equal(t, 22, final.Usage.TotalTokens)
}

func TestGenerateStreamUpstreamError(t *testing.T) {
	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error": {"message": "rate limited"}}`)
	})

	_, err := p.GenerateStream(context.Background(), chatRequest())
	require.Error(t, err)
	assert.True(t, llm.IsRateLimited(err))
}

// --- cost estimation ---

func TestEstimateCost(t *testing.T) {
	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {})

	req := chatRequest()
	req.MaxTokens = 1000
	cost, err := p.EstimateCost(req)
	require.NoError(t, err)
	assert.Greater(t, cost, 0.0)

	// a larger completion budget must not lower the estimate
	req2 := chatRequest()
	req2.MaxTokens = 2000
	cost2, err := p.EstimateCost(req2)
	require.NoError(t, err)
	assert.Greater(t, cost2, cost)
}

// --- connection validation ---

func TestValidateConnection(t *testing.T) {
	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		fmt.Fprint(w, `{"object":"list","data":[]}`)
	})

	ok, err := p.ValidateConnection(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestValidateConnectionBadKey(t *testing.T) {
	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key"}}`)
	})

	ok, err := p.ValidateConnection(context.Background())
	require.Error(t, err)
	assert.False(t, ok)
	assert.True(t, llm.IsAuthError(err))
}
