// Package docforge provides a top-level convenience entry point for creating
// a multi-provider LLM adapter with minimal boilerplate.
//
// Usage:
//
//	import "github.com/docforge-ai/docforge"
//
//	a, err := docforge.New(docforge.WithOpenAI("gpt-4o-mini"))
//	a, err := docforge.New(
//	    docforge.WithOpenAI("gpt-4o-mini"),
//	    docforge.WithAnthropic("claude-sonnet-4-20250514"),
//	    docforge.WithDailyBudget(10),
//	)
//
// This is a thin wrapper around [adapter.New]; use the adapter and config
// packages directly when you need full control over caching, batching or
// the usage ledger.
package docforge

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/docforge-ai/docforge/llm"
	"github.com/docforge-ai/docforge/llm/adapter"
	"github.com/docforge-ai/docforge/llm/budget"
	"github.com/docforge-ai/docforge/llm/factory"
	"github.com/docforge-ai/docforge/llm/fallback"
)

type options struct {
	candidates []fallback.Candidate
	strategy   fallback.Strategy
	daily      float64
	monthly    float64
	logger     *zap.Logger
	errs       []error
}

// Option configures the adapter created by [New].
type Option func(*options)

// WithProvider adds a pre-built provider with the given quality weight.
func WithProvider(p llm.Provider, quality float64) Option {
	return func(o *options) {
		o.candidates = append(o.candidates, fallback.Candidate{Provider: p, QualityWeight: quality})
	}
}

// withFactory 按名称创建提供商并加入候选, API key 取自环境变量.
func withFactory(name, model, envKey string) Option {
	return func(o *options) {
		p, err := factory.New(name, factory.ProviderConfig{
			APIKey: os.Getenv(envKey),
			Model:  model,
		}, nil, o.logger)
		if err != nil {
			o.errs = append(o.errs, fmt.Errorf("provider %s: %w", name, err))
			return
		}
		o.candidates = append(o.candidates, fallback.Candidate{Provider: p, QualityWeight: 0.8})
	}
}

// WithOpenAI adds an OpenAI provider. API key from OPENAI_API_KEY env.
func WithOpenAI(model string) Option {
	return withFactory("openai", model, "OPENAI_API_KEY")
}

// WithAnthropic adds an Anthropic Claude provider. API key from ANTHROPIC_API_KEY env.
func WithAnthropic(model string) Option {
	return withFactory("anthropic", model, "ANTHROPIC_API_KEY")
}

// WithGemini adds a Google Gemini provider. API key from GEMINI_API_KEY env.
func WithGemini(model string) Option {
	return withFactory("gemini", model, "GEMINI_API_KEY")
}

// WithLocal adds a local (Ollama-style) provider. No API key required.
func WithLocal(model string) Option {
	return withFactory("local", model, "")
}

// WithStrategy sets the fallback routing strategy.
func WithStrategy(s fallback.Strategy) Option {
	return func(o *options) { o.strategy = s }
}

// WithDailyBudget caps spend per calendar day (USD). 0 means unlimited.
func WithDailyBudget(usd float64) Option {
	return func(o *options) { o.daily = usd }
}

// WithMonthlyBudget caps spend per calendar month (USD). 0 means unlimited.
func WithMonthlyBudget(usd float64) Option {
	return func(o *options) { o.monthly = usd }
}

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// New creates an [adapter.Adapter] with minimal configuration.
// At least one provider must be added via the With* provider options.
// Providers are tried in the order they were added.
func New(opts ...Option) (*adapter.Adapter, error) {
	o := &options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	if len(o.errs) > 0 {
		return nil, o.errs[0]
	}
	if len(o.candidates) == 0 {
		return nil, fmt.Errorf("docforge: at least one provider option required")
	}

	aOpts := adapter.Options{
		Candidates: o.candidates,
		Fallback:   fallback.Config{Strategy: o.strategy},
		Logger:     o.logger,
	}

	if o.daily > 0 || o.monthly > 0 {
		guard, err := budget.NewGuard(budget.Config{
			DailyLimitUSD:   o.daily,
			MonthlyLimitUSD: o.monthly,
		}, nil, o.logger)
		if err != nil {
			return nil, err
		}
		aOpts.Guard = guard
	}

	return adapter.New(aOpts)
}
