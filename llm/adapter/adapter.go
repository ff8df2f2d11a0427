// Package adapter 是 LLM 层的门面: 把缓存、预算、批处理合并、
// 降级路由与可观测性按固定顺序接成一条调用链。
//
// 调用顺序: 缓存查找 → 预算预检 → 批处理或直接降级路由 → 缓存写入 → 记账。
package adapter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/docforge-ai/docforge/internal/metrics"
	"github.com/docforge-ai/docforge/llm"
	"github.com/docforge-ai/docforge/llm/batch"
	"github.com/docforge-ai/docforge/llm/budget"
	"github.com/docforge-ai/docforge/llm/cache"
	"github.com/docforge-ai/docforge/llm/fallback"
	"github.com/docforge-ai/docforge/llm/observability"
	"github.com/docforge-ai/docforge/llm/ratelimit"
)

// SynthesisOptions 多提供商合成配置
type SynthesisOptions struct {
	// Strategy 合成策略, 空值取 SynthesisBestQuality
	Strategy SynthesisStrategy
	// MaxProviders 并发咨询的提供商上限, <2 时取 3
	MaxProviders int
}

// Options 适配器装配配置. Candidates 必填, 其余组件缺省时对应环节跳过。
type Options struct {
	Candidates []fallback.Candidate
	Fallback   fallback.Config

	Cache   *cache.ResponseCache
	Guard   *budget.Guard
	Ledger  *budget.Ledger
	Metrics *metrics.Collector
	Tracer  *observability.Tracer
	Logger  *zap.Logger

	// BatchWorkers >0 时启用批处理合并层
	BatchWorkers   int
	BatchQueueSize int
	// BatchMaxSize/BatchMaxWait 控制凑批上限与等待时长, 零值用批处理默认
	BatchMaxSize int
	BatchMaxWait time.Duration
	// BatchRateLimit 上游每秒请求数上限, 0 不限速
	BatchRateLimit float64

	Synthesis SynthesisOptions
}

// Adapter LLM 门面. 显式构造, 无包级单例, 一个进程可以有多个实例。
type Adapter struct {
	fb        *fallback.Manager
	batch     *batch.Processor
	cache     *cache.ResponseCache
	guard     *budget.Guard
	ledger    *budget.Ledger
	metrics   *metrics.Collector
	tracer    *observability.Tracer
	logger    *zap.Logger
	synthesis SynthesisOptions

	candidates []fallback.Candidate
}

// New 装配适配器.
func New(opts Options) (*Adapter, error) {
	if len(opts.Candidates) == 0 {
		return nil, fmt.Errorf("adapter: at least one provider candidate required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = observability.NewTracer("docforge", nil, logger)
	}
	if opts.Synthesis.MaxProviders < 2 {
		opts.Synthesis.MaxProviders = 3
	}
	if opts.Synthesis.Strategy == "" {
		opts.Synthesis.Strategy = SynthesisBestQuality
	}

	a := &Adapter{
		fb:         fallback.New(opts.Fallback, opts.Candidates, logger.Named("fallback")),
		cache:      opts.Cache,
		guard:      opts.Guard,
		ledger:     opts.Ledger,
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		logger:     logger,
		synthesis:  opts.Synthesis,
		candidates: opts.Candidates,
	}

	if opts.BatchWorkers > 0 {
		cfg := batch.Config{
			Workers:      opts.BatchWorkers,
			MaxQueueSize: opts.BatchQueueSize,
			MaxBatchSize: opts.BatchMaxSize,
			MaxWait:      opts.BatchMaxWait,
		}
		if opts.BatchRateLimit > 0 {
			burst := opts.BatchWorkers
			if burst < 1 {
				burst = 1
			}
			cfg.Limiter = ratelimit.NewBucket(opts.BatchRateLimit, burst)
		}
		a.batch = batch.New(cfg, a.execute, logger.Named("batch"))
	}

	return a, nil
}

// Close 停止后台组件. 只需调用一次。
func (a *Adapter) Close() {
	if a.batch != nil {
		a.batch.Close()
	}
}

// Generate 单次生成.
// Metadata["provider"] 指定优先提供商, Metadata["priority"] 指定批处理优先级。
func (a *Adapter) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, &llm.Error{Code: llm.ErrInvalidRequest, Message: err.Error()}
	}
	norm := req.Normalized()

	return a.tracer.TraceGenerate(ctx, "llm.generate", norm, func(ctx context.Context) (*llm.Response, error) {
		return a.generate(ctx, norm)
	})
}

func (a *Adapter) generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if resp, ok := a.cacheGet(ctx, req); ok {
		return resp, nil
	}

	if err := a.preflight(req, a.estimateCost(req)); err != nil {
		return nil, err
	}

	if a.batch != nil {
		return a.batch.Submit(ctx, req, requestPriority(req))
	}
	return a.execute(ctx, req)
}

// execute 是降级路由之后的完整后半段: 路由、缓存写入与记账.
// 批处理合并时每个上游调用只经过这里一次, 费用不会被等待者重复记账。
func (a *Adapter) execute(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	resp, attempts, err := a.fb.ExecutePreferred(ctx, req, req.Metadata["provider"])
	a.recordAttempts(attempts)

	if err != nil {
		a.logger.Warn("generation failed",
			zap.String("request_id", req.RequestID),
			zap.Int("attempts", len(attempts)),
			zap.Error(err))
		if a.metrics != nil {
			a.metrics.RecordLLMRequest("none", req.Model, "failure", 0, 0, 0, 0)
		}
		return nil, err
	}

	a.finish(ctx, req, resp)
	return resp, nil
}

// finish 缓存写入 + 预算记账 + 指标.
func (a *Adapter) finish(ctx context.Context, req *llm.Request, resp *llm.Response) {
	if a.cache != nil {
		if err := a.cache.Set(ctx, resp.Provider, req, resp); err != nil {
			a.logger.Warn("cache store failed", zap.Error(err))
		}
	}
	if a.guard != nil {
		if err := a.guard.Record(ctx, resp); err != nil {
			a.logger.Warn("usage record failed", zap.Error(err))
		}
	}
	if a.metrics != nil {
		a.metrics.RecordLLMRequest(resp.Provider, resp.Model, "success", resp.Latency,
			resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Usage.TotalCost)
		if a.guard != nil {
			snap := a.guard.Snapshot()
			a.metrics.RecordBudgetSpend("daily", snap.DaySpent)
			a.metrics.RecordBudgetSpend("monthly", snap.MonthSpent)
		}
	}
}

func (a *Adapter) cacheGet(ctx context.Context, req *llm.Request) (*llm.Response, bool) {
	if a.cache == nil {
		return nil, false
	}
	resp, ok := a.cache.Get(ctx, "", req)
	if ok {
		if a.metrics != nil {
			a.metrics.RecordCacheHit("response")
		}
		return resp, true
	}
	if a.metrics != nil {
		a.metrics.RecordCacheMiss("response")
	}
	return nil, false
}

// preflight 预算预检. estimated 为候选中的最低预估成本。
func (a *Adapter) preflight(req *llm.Request, estimated float64) error {
	if a.guard == nil {
		return nil
	}
	if err := a.guard.CanAfford(estimated); err != nil {
		a.logger.Warn("budget rejected request",
			zap.String("request_id", req.RequestID),
			zap.Float64("estimated", estimated))
		return err
	}
	return nil
}

// estimateCost 取全部候选中最低的预估成本.
// 预检用下界: 任何候选都付不起时才拒绝。
func (a *Adapter) estimateCost(req *llm.Request) float64 {
	best := -1.0
	for _, c := range a.candidates {
		cost, err := c.Provider.EstimateCost(req)
		if err != nil {
			continue
		}
		if best < 0 || cost < best {
			best = cost
		}
	}
	if best < 0 {
		return 0
	}
	return best
}

func (a *Adapter) recordAttempts(attempts []fallback.Attempt) {
	if a.metrics == nil {
		return
	}
	for _, at := range attempts {
		outcome := "success"
		switch {
		case at.Skipped:
			outcome = "skipped"
		case at.Error != "":
			outcome = "failure"
		}
		a.metrics.RecordFallbackAttempt(at.Provider, outcome)
	}
}

// GenerateStream 流式生成: 缓存与批处理不适用, 预算在流结束后按实际用量记账.
func (a *Adapter) GenerateStream(ctx context.Context, req *llm.Request) (<-chan llm.StreamChunk, error) {
	if err := req.Validate(); err != nil {
		return nil, &llm.Error{Code: llm.ErrInvalidRequest, Message: err.Error()}
	}
	norm := req.Normalized()

	if err := a.preflight(norm, a.estimateCost(norm)); err != nil {
		return nil, err
	}

	upstream, attempts, err := a.fb.ExecuteStream(ctx, norm)
	a.recordAttempts(attempts)
	if err != nil {
		return nil, err
	}

	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		var usage llm.TokenUsage
		var provider, model string
		for chunk := range upstream {
			if chunk.Provider != "" {
				provider = chunk.Provider
			}
			if chunk.Model != "" {
				model = chunk.Model
			}
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if a.guard != nil && usage.TotalCost > 0 {
			rec := &llm.Response{
				RequestID: norm.RequestID,
				Provider:  provider,
				Model:     model,
				Usage:     usage,
			}
			if err := a.guard.Record(context.WithoutCancel(ctx), rec); err != nil {
				a.logger.Warn("stream usage record failed", zap.Error(err))
			}
		}
	}()
	return out, nil
}

// requestPriority 从请求元数据读批处理优先级, 默认 Normal.
func requestPriority(req *llm.Request) batch.Priority {
	switch strings.ToLower(req.Metadata["priority"]) {
	case "high":
		return batch.PriorityHigh
	case "low":
		return batch.PriorityLow
	default:
		return batch.PriorityNormal
	}
}
