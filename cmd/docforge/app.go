// =============================================================================
// 🔧 组件装配
// =============================================================================
// 按配置把提供商、缓存、预算、台账、指标装配成一个 Adapter
// =============================================================================
package main

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/glebarez/sqlite"

	"github.com/docforge-ai/docforge/config"
	"github.com/docforge-ai/docforge/internal/metrics"
	"github.com/docforge-ai/docforge/llm/adapter"
	"github.com/docforge-ai/docforge/llm/budget"
	"github.com/docforge-ai/docforge/llm/cache"
	"github.com/docforge-ai/docforge/llm/connpool"
	"github.com/docforge-ai/docforge/llm/factory"
	"github.com/docforge-ai/docforge/llm/fallback"
	"github.com/docforge-ai/docforge/llm/pricing"
	"github.com/docforge-ai/docforge/llm/retry"
)

// buildAdapter 按配置装配完整的 LLM 门面.
func buildAdapter(cfg *config.Config, logger *zap.Logger) (*adapter.Adapter, error) {
	prices := pricing.NewTable()

	candidates, err := buildCandidates(cfg, prices, logger)
	if err != nil {
		return nil, err
	}

	opts := adapter.Options{
		Candidates: candidates,
		Fallback: fallback.Config{
			Strategy: fallback.Strategy(cfg.Fallback.Strategy),
			Retry: &retry.Policy{
				MaxRetries:   cfg.Fallback.MaxRetries,
				InitialDelay: cfg.Fallback.InitialDelay,
			},
		},
		Metrics:        metrics.NewCollector("docforge", nil, logger.Named("metrics")),
		Logger:         logger,
		BatchWorkers:   cfg.Batch.Workers,
		BatchQueueSize: cfg.Batch.MaxQueueSize,
		BatchMaxSize:   cfg.Batch.MaxBatchSize,
		BatchMaxWait:   cfg.Batch.MaxWait,
		BatchRateLimit: cfg.Batch.RequestsPerSecond,
		Synthesis: adapter.SynthesisOptions{
			Strategy:     adapter.SynthesisStrategy(cfg.Synthesis.Strategy),
			MaxProviders: cfg.Synthesis.MaxProviders,
		},
	}

	if cfg.Cache.Enabled {
		opts.Cache = buildCache(cfg, logger)
	}

	if cfg.Ledger.Enabled || cfg.Budget.DailyLimitUSD > 0 || cfg.Budget.MonthlyLimitUSD > 0 {
		guard, ledger, err := buildBudget(cfg, logger)
		if err != nil {
			return nil, err
		}
		opts.Guard = guard
		opts.Ledger = ledger
	}

	return adapter.New(opts)
}

// buildCandidates 按 Priority 降序创建启用的提供商.
func buildCandidates(cfg *config.Config, prices *pricing.Table, logger *zap.Logger) ([]fallback.Candidate, error) {
	enabled := cfg.EnabledProviders()
	if len(enabled) == 0 {
		return nil, fmt.Errorf("no enabled providers in config")
	}

	pools := connpool.NewManager(connpool.DefaultConfig(), logger.Named("connpool"))

	candidates := make([]fallback.Candidate, 0, len(enabled))
	for _, pc := range enabled {
		typ := pc.Type
		if typ == "" {
			typ = pc.Name
		}
		fc := factory.ProviderConfig{
			APIKey:            pc.APIKey,
			BaseURL:           pc.BaseURL,
			Model:             pc.DefaultModel,
			Models:            pc.Models,
			Timeout:           pc.Timeout,
			RequestsPerMinute: pc.RequestsPerMinute,
			DailyRequestCap:   pc.DailyRequestCap,
		}
		// OpenAI 兼容系提供者走持久会话池
		switch typ {
		case "openai", "local", "ollama", "openai-compatible":
			fc.Pool = pools.Pool(pc.Name)
		}
		p, err := factory.New(typ, fc, prices, logger.Named(pc.Name))
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", pc.Name, err)
		}
		candidates = append(candidates, fallback.Candidate{
			Provider:      p,
			QualityWeight: pc.Quality,
		})
	}
	return candidates, nil
}

// buildCache 创建响应缓存, Redis 层按配置可选.
func buildCache(cfg *config.Config, logger *zap.Logger) *cache.ResponseCache {
	cc := cache.DefaultConfig()
	cc.MaxEntries = cfg.Cache.MaxEntries
	cc.TTL = cfg.Cache.TTL
	cc.EnableSemantic = cfg.Cache.Semantic
	if cfg.Cache.SemanticThreshold > 0 {
		cc.SemanticThreshold = cfg.Cache.SemanticThreshold
	}
	cc.EnableRedis = cfg.Redis.Enabled
	cc.RedisTTL = cfg.Redis.TTL

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	return cache.New(rdb, cc, logger.Named("cache"))
}

// buildBudget 打开台账数据库并创建预算守卫.
func buildBudget(cfg *config.Config, logger *zap.Logger) (*budget.Guard, *budget.Ledger, error) {
	path := cfg.Ledger.Path
	if path == "" {
		path = ":memory:"
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	ledger, err := budget.NewLedger(db)
	if err != nil {
		return nil, nil, err
	}

	guard, err := budget.NewGuard(budget.Config{
		DailyLimitUSD:   cfg.Budget.DailyLimitUSD,
		MonthlyLimitUSD: cfg.Budget.MonthlyLimitUSD,
		WarnRatio:       cfg.Budget.WarnRatio,
		OnAlert: func(a budget.Alert) {
			logger.Warn("budget alert",
				zap.String("level", string(a.Level)),
				zap.String("period", string(a.Period)),
				zap.Float64("spent_usd", a.Spent),
				zap.Float64("limit_usd", a.Limit),
			)
		},
	}, ledger, logger.Named("budget"))
	if err != nil {
		return nil, nil, err
	}

	return guard, ledger, nil
}
