package providers

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/docforge-ai/docforge/llm"
)

func TestMapHTTPError(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		msg       string
		wantCode  llm.ErrorCode
		retryable bool
	}{
		{"unauthorized", http.StatusUnauthorized, "invalid key", llm.ErrUnauthorized, false},
		{"forbidden", http.StatusForbidden, "denied", llm.ErrUnauthorized, false},
		{"rate limited", http.StatusTooManyRequests, "slow down", llm.ErrRateLimited, false},
		{"model not found", http.StatusNotFound, "no such model", llm.ErrModelNotFound, false},
		{"quota keyword", http.StatusBadRequest, "You exceeded your current quota", llm.ErrQuotaExceeded, false},
		{"billing keyword", http.StatusBadRequest, "billing hard limit reached", llm.ErrQuotaExceeded, false},
		{"model missing in 400", http.StatusBadRequest, "The model `gpt-9` does not exist", llm.ErrModelNotFound, false},
		{"plain bad request", http.StatusBadRequest, "temperature out of range", llm.ErrInvalidRequest, false},
		{"payment required", http.StatusPaymentRequired, "add credits", llm.ErrQuotaExceeded, false},
		{"server error", http.StatusInternalServerError, "boom", llm.ErrProvider, true},
		{"bad gateway", http.StatusBadGateway, "upstream", llm.ErrProvider, true},
		{"overloaded", 529, "overloaded", llm.ErrProvider, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := MapHTTPError(tc.status, tc.msg, "openai")
			assert.Equal(t, tc.wantCode, err.Code)
			assert.Equal(t, tc.retryable, err.Retryable)
			assert.Equal(t, "openai", err.Provider)
			assert.Equal(t, tc.status, err.HTTPStatus)
		})
	}
}

func TestReadErrorMessage(t *testing.T) {
	jsonBody := `{"error": {"message": "invalid api key", "type": "auth_error"}}`
	msg := ReadErrorMessage(strings.NewReader(jsonBody))
	assert.Equal(t, "invalid api key (type: auth_error)", msg)

	plain := ReadErrorMessage(strings.NewReader("upstream exploded"))
	assert.Equal(t, "upstream exploded", plain)
}

func TestMapFinishReason(t *testing.T) {
	assert.Equal(t, llm.FinishStop, MapFinishReason("stop"))
	assert.Equal(t, llm.FinishStop, MapFinishReason("end_turn"))
	assert.Equal(t, llm.FinishStop, MapFinishReason("STOP"))
	assert.Equal(t, llm.FinishLength, MapFinishReason("length"))
	assert.Equal(t, llm.FinishLength, MapFinishReason("max_tokens"))
	assert.Equal(t, llm.FinishReason(""), MapFinishReason(""))
	assert.Equal(t, llm.FinishReason("content_filter"), MapFinishReason("content_filter"))
}

func TestChooseModel(t *testing.T) {
	req := llm.NewRequest("gpt-4o", []llm.Message{{Role: llm.RoleUser, Content: "hi"}})
	assert.Equal(t, "gpt-4o", ChooseModel(req, "gpt-4o-mini"))

	req.Model = ""
	assert.Equal(t, "gpt-4o-mini", ChooseModel(req, "gpt-4o-mini"))
	assert.Equal(t, "gpt-4o-mini", ChooseModel(nil, "gpt-4o-mini"))
}
