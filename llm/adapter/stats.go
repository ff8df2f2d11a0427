package adapter

import (
	"context"
	"time"

	"github.com/docforge-ai/docforge/llm/batch"
	"github.com/docforge-ai/docforge/llm/budget"
	"github.com/docforge-ai/docforge/llm/cache"
	"github.com/docforge-ai/docforge/llm/circuitbreaker"
)

// ProviderStatus 单个提供商的运行状态
type ProviderStatus struct {
	Name         string               `json:"name"`
	Healthy      bool                 `json:"healthy"`
	BreakerState circuitbreaker.State `json:"breaker_state"`
	DefaultModel string               `json:"default_model"`
	Models       []string             `json:"models"`
}

// UsageStats 门面级运行统计快照
type UsageStats struct {
	Budget    budget.Usage           `json:"budget"`
	Providers []ProviderStatus       `json:"providers"`
	Spend     []budget.ProviderSpend `json:"spend,omitempty"`
	Cache     *cache.Stats           `json:"cache,omitempty"`
	Batch     *batch.Stats           `json:"batch,omitempty"`
}

// UsageStats 汇总预算、提供商健康/熔断状态与缓存/批处理统计.
// days 控制按提供商聚合消费的回看窗口, <=0 时不查台账。
func (a *Adapter) UsageStats(ctx context.Context, days int) (*UsageStats, error) {
	out := &UsageStats{}

	if a.guard != nil {
		out.Budget = a.guard.Snapshot()
	}

	for _, c := range a.candidates {
		out.Providers = append(out.Providers, ProviderStatus{
			Name:         c.Provider.Name(),
			Healthy:      c.Provider.Healthy(),
			BreakerState: a.fb.Breaker(c.Provider.Name()).State(),
			DefaultModel: c.Provider.DefaultModel(),
			Models:       c.Provider.Models(),
		})
	}

	if a.ledger != nil && days > 0 {
		since := time.Now().AddDate(0, 0, -days)
		spend, err := a.ledger.SpendByProvider(ctx, since)
		if err != nil {
			return nil, err
		}
		out.Spend = spend
	}

	if a.cache != nil {
		stats := a.cache.Stats()
		out.Cache = &stats
	}
	if a.batch != nil {
		stats := a.batch.Stats()
		out.Batch = &stats
	}

	return out, nil
}
