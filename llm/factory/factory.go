// Package factory 提供 Provider 的集中式工厂,
// 通过名称映射创建实例, 打破 llm 包与各 provider 子包之间的循环依赖。
package factory

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/docforge-ai/docforge/llm"
	"github.com/docforge-ai/docforge/llm/connpool"
	"github.com/docforge-ai/docforge/llm/pricing"
	"github.com/docforge-ai/docforge/llm/providers/anthropic"
	"github.com/docforge-ai/docforge/llm/providers/gemini"
	"github.com/docforge-ai/docforge/llm/providers/local"
	"github.com/docforge-ai/docforge/llm/providers/openai"
	"github.com/docforge-ai/docforge/llm/providers/openaicompat"
)

// ProviderConfig 工厂接受的通用配置, 扁平结构.
type ProviderConfig struct {
	APIKey            string        `json:"api_key" yaml:"api_key"`
	BaseURL           string        `json:"base_url" yaml:"base_url"`
	Model             string        `json:"model,omitempty" yaml:"model,omitempty"`
	Models            []string      `json:"models,omitempty" yaml:"models,omitempty"`
	Timeout           time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	RequestsPerMinute int           `json:"requests_per_minute,omitempty" yaml:"requests_per_minute,omitempty"`
	DailyRequestCap   int           `json:"daily_request_cap,omitempty" yaml:"daily_request_cap,omitempty"`

	// Pool 持久 HTTP 会话池, 仅 OpenAI 兼容系提供者使用.
	Pool *connpool.Pool `json:"-" yaml:"-"`
}

// New 按名称创建 Provider 实例.
//
// 支持的名称: openai, anthropic, claude, gemini, google, local, ollama,
// openai-compatible.
func New(name string, cfg ProviderConfig, prices *pricing.Table, logger *zap.Logger) (llm.Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prices == nil {
		prices = pricing.NewTable()
	}

	switch name {
	case "openai":
		return openai.New(openai.Options{
			APIKey:            cfg.APIKey,
			BaseURL:           cfg.BaseURL,
			DefaultModel:      cfg.Model,
			Models:            cfg.Models,
			RequestsPerMinute: cfg.RequestsPerMinute,
			DailyRequestCap:   cfg.DailyRequestCap,
			Pool:              cfg.Pool,
		}, prices, logger), nil

	case "anthropic", "claude":
		return anthropic.New(anthropic.Options{
			APIKey:            cfg.APIKey,
			BaseURL:           cfg.BaseURL,
			DefaultModel:      cfg.Model,
			Models:            cfg.Models,
			Timeout:           cfg.Timeout,
			RequestsPerMinute: cfg.RequestsPerMinute,
			DailyRequestCap:   cfg.DailyRequestCap,
		}, prices, logger), nil

	case "gemini", "google":
		return gemini.New(gemini.Options{
			APIKey:            cfg.APIKey,
			BaseURL:           cfg.BaseURL,
			DefaultModel:      cfg.Model,
			Models:            cfg.Models,
			Timeout:           cfg.Timeout,
			RequestsPerMinute: cfg.RequestsPerMinute,
			DailyRequestCap:   cfg.DailyRequestCap,
		}, prices, logger), nil

	case "local", "ollama":
		return local.New(local.Options{
			BaseURL:           cfg.BaseURL,
			DefaultModel:      cfg.Model,
			Models:            cfg.Models,
			RequestsPerMinute: cfg.RequestsPerMinute,
			Pool:              cfg.Pool,
		}, prices, logger), nil

	case "openai-compatible":
		return openaicompat.New(openaicompat.Config{
			ProviderName:      name,
			APIKey:            cfg.APIKey,
			BaseURL:           cfg.BaseURL,
			DefaultModel:      cfg.Model,
			Models:            cfg.Models,
			Timeout:           cfg.Timeout,
			RequestsPerMinute: cfg.RequestsPerMinute,
			DailyRequestCap:   cfg.DailyRequestCap,
			Pool:              cfg.Pool,
		}, prices, logger), nil

	default:
		return nil, fmt.Errorf("unknown provider: %q", name)
	}
}

// Supported 返回工厂支持的全部提供商名称.
func Supported() []string {
	return []string{"openai", "anthropic", "gemini", "local", "openai-compatible"}
}
