package gemini

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
)

func testProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return New(Options{
		APIKey:  "test-key",
		BaseURL: srv.URL,
	}, nil, zap.NewNop())
}

func chatRequest() *llm.Request {
	return llm.NewRequest("gemini-2.0-flash", []llm.Message{
		{Role: llm.RoleSystem, Content: "Answer briefly."},
		{Role: llm.RoleUser, Content: "What is Go?"},
		{Role: llm.RoleAssistant, Content: "A programming language."},
		{Role: llm.RoleUser, Content: "Elaborate."},
	})
}

func TestGenerate(t *testing.T) {
	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/gemini-2.0-flash:generateContent", r.URL.Path)
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))

		var body geminiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.NotNil(t, body.SystemInstruction)
		require.Len(t, body.Contents, 3)
		assert.Equal(t, "user", body.Contents[0].Role)
		assert.Equal(t, "model", body.Contents[1].Role)

		json.NewEncoder(w).Encode(geminiResponse{
			Candidates: []geminiCandidate{{
				Content:      geminiContent{Role: "model", Parts: []geminiPart{{Text: "Go is a compiled language."}}},
				FinishReason: "STOP",
			}},
			UsageMetadata: &geminiUsage{PromptTokenCount: 25, CandidatesTokenCount: 7, TotalTokenCount: 32},
		})
	})

	resp, err := p.Generate(context.Background(), chatRequest())
	require.NoError(t, err)
	assert.Equal(t, "Go is a compiled language.", resp.Content)
	assert.Equal(t, llm.FinishStop, resp.FinishReason)
	assert.Equal(t, "gemini", resp.Provider)
	assert.Equal(t, 32, resp.Usage.TotalTokens)
}

func TestGenerateMapsErrors(t *testing.T) {
	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"message":"model not found"}}`)
	})

	_, err := p.Generate(context.Background(), chatRequest())
	require.Error(t, err)
	assert.True(t, llm.IsModelNotFound(err))
}

func TestGenerateStream(t *testing.T) {
	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"Go is \"}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"fast.\"}]},\"finishReason\":\"STOP\"}],\"usageMetadata\":{\"promptTokenCount\":25,\"candidatesTokenCount\":3,\"totalTokenCount\":28}}\n\n")
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

	assert.Equal(t, "Go is fast.", content)
	assert.Equal(t, llm.FinishStop, final.FinishReason)
	require.NotNil(t, final.Usage)
	assert.Equal(t, 28, final.Usage.TotalTokens)
}

func TestValidateConnection(t *testing.T) {
	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models", r.URL.Path)
		fmt.Fprint(w, `{"models":[]}`)
	})

	ok, err := p.ValidateConnection(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}
