// Package local 本地推理服务提供者 (Ollama / vLLM 等 OpenAI 兼容端点)。
// 成本恒为零, 通常作为降级链的最后一环。
package local

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/docforge-ai/docforge/llm/connpool"
	"github.com/docforge-ai/docforge/llm/pricing"
	"github.com/docforge-ai/docforge/llm/providers/openaicompat"
)

const (
	defaultBaseURL = "http://localhost:11434"
	defaultModel   = "llama3.1"
)

// Provider 本地模型提供者
type Provider struct {
	*openaicompat.Provider
}

// Options 创建参数
type Options struct {
	BaseURL           string
	DefaultModel      string
	Models            []string
	RequestsPerMinute int
	Pool              *connpool.Pool
}

// New 创建本地提供者.
// 本地端点一般不校验鉴权, APIKey 留空。
func New(opts Options, prices *pricing.Table, logger *zap.Logger) *Provider {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.DefaultModel == "" {
		opts.DefaultModel = defaultModel
	}
	if len(opts.Models) == 0 {
		opts.Models = []string{opts.DefaultModel}
	}

	return &Provider{
		Provider: openaicompat.New(openaicompat.Config{
			ProviderName:      "local",
			BaseURL:           opts.BaseURL,
			DefaultModel:      opts.DefaultModel,
			Models:            opts.Models,
			RequestsPerMinute: opts.RequestsPerMinute,
			Pool:              opts.Pool,
			// Ollama 不需要鉴权 header
			BuildHeaders: func(r *http.Request, _ string) {
				r.Header.Set("Content-Type", "application/json")
			},
		}, prices, logger),
	}
}
