// Package openai OpenAI 官方 API 提供者.
// 完整的 OpenAI 兼容实现由 openaicompat 基类承担。
package openai

import (
	"go.uber.org/zap"

	"github.com/docforge-ai/docforge/llm/connpool"
	"github.com/docforge-ai/docforge/llm/pricing"
	"github.com/docforge-ai/docforge/llm/providers/openaicompat"
)

const (
	defaultBaseURL = "https://api.openai.com"
	defaultModel   = "gpt-4o-mini"
)

// Provider OpenAI 提供者
type Provider struct {
	*openaicompat.Provider
}

// Options 创建参数
type Options struct {
	APIKey            string
	BaseURL           string
	DefaultModel      string
	Models            []string
	RequestsPerMinute int
	DailyRequestCap   int
	Pool              *connpool.Pool
}

// New 创建 OpenAI 提供者
func New(opts Options, prices *pricing.Table, logger *zap.Logger) *Provider {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.DefaultModel == "" {
		opts.DefaultModel = defaultModel
	}
	if len(opts.Models) == 0 {
		opts.Models = []string{"gpt-4o", "gpt-4o-mini", "gpt-4-turbo", "gpt-3.5-turbo"}
	}

	return &Provider{
		Provider: openaicompat.New(openaicompat.Config{
			ProviderName:      "openai",
			APIKey:            opts.APIKey,
			BaseURL:           opts.BaseURL,
			DefaultModel:      opts.DefaultModel,
			Models:            opts.Models,
			RequestsPerMinute: opts.RequestsPerMinute,
			DailyRequestCap:   opts.DailyRequestCap,
			Pool:              opts.Pool,
		}, prices, logger),
	}
}
