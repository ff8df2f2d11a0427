// Package fallback 实现多提供商降级路由：
// 四种候选排序策略 + 每提供商熔断器 + 尝试日志。
package fallback

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/docforge-ai/docforge/llm"
	"github.com/docforge-ai/docforge/llm/circuitbreaker"
	"github.com/docforge-ai/docforge/llm/retry"
)

// Strategy 候选提供商的排序/分发策略
type Strategy string

const (
	// StrategySequential 按配置顺序逐个尝试
	StrategySequential Strategy = "sequential"
	// StrategyCostOptimized 按预估成本升序尝试
	StrategyCostOptimized Strategy = "cost_optimized"
	// StrategyQualityOptimized 按质量权重降序尝试
	StrategyQualityOptimized Strategy = "quality_optimized"
	// StrategyParallel 同时分发给所有可用候选, 最快的成功响应胜出
	StrategyParallel Strategy = "parallel"
)

// Candidate 一个候选提供商及其质量权重.
type Candidate struct {
	Provider llm.Provider
	// QualityWeight 质量权重, quality_optimized 策略下越大越优先.
	QualityWeight float64
}

// Attempt 对单个提供商的一次尝试记录.
type Attempt struct {
	Provider string        `json:"provider"`
	Model    string        `json:"model"`
	Error    string        `json:"error,omitempty"`
	Skipped  bool          `json:"skipped,omitempty"` // 熔断/不健康被跳过
	Latency  time.Duration `json:"latency"`
}

// ExhaustedError 全部候选失败后的聚合错误.
// Last 保留最后一次真实尝试的底层错误, 跳过的候选不计。
type ExhaustedError struct {
	Attempts []Attempt
	Last     error
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		if a.Skipped {
			parts = append(parts, fmt.Sprintf("%s: skipped (%s)", a.Provider, a.Error))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", a.Provider, a.Error))
	}
	return "all providers failed: " + strings.Join(parts, "; ")
}

// Config 降级管理器配置
type Config struct {
	Strategy Strategy
	// Breaker 每提供商熔断器配置, nil 用默认值 (阈值 5, 60s 复位)
	Breaker *circuitbreaker.Config
	// Retry 单提供商内的重试策略, nil 用默认策略
	Retry *retry.Policy
}

// Manager 降级管理器.
// 每个提供商持有独立熔断器; 不健康或熔断中的候选被跳过并记录。
type Manager struct {
	config     Config
	candidates []Candidate
	registry   *llm.ProviderRegistry
	retryer    *retry.Retryer
	logger     *zap.Logger

	mu       sync.Mutex
	breakers map[string]*circuitbreaker.Breaker
}

// New 创建降级管理器.
// 第一个候选被登记为注册表的默认提供商。
func New(config Config, candidates []Candidate, logger *zap.Logger) *Manager {
	if config.Strategy == "" {
		config.Strategy = StrategySequential
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := llm.NewProviderRegistry()
	for i, c := range candidates {
		registry.Register(c.Provider.Name(), c.Provider)
		if i == 0 {
			_ = registry.SetDefault(c.Provider.Name())
		}
	}

	return &Manager{
		config:     config,
		candidates: candidates,
		registry:   registry,
		retryer:    retry.New(config.Retry, logger.Named("retry")),
		logger:     logger,
		breakers:   make(map[string]*circuitbreaker.Breaker),
	}
}

// Registry 返回按名称索引的提供商注册表.
func (m *Manager) Registry() *llm.ProviderRegistry {
	return m.registry
}

// Breaker 返回提供商的熔断器, 首次访问时创建.
func (m *Manager) Breaker(provider string) *circuitbreaker.Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[provider]
	if !ok {
		b = circuitbreaker.New(m.config.Breaker, m.logger.Named("breaker."+provider))
		m.breakers[provider] = b
	}
	return b
}

// order 根据策略对候选排序.
// parallel 策略不排序, 由 executeParallel 全量分发。
func (m *Manager) order(req *llm.Request) []Candidate {
	out := append([]Candidate(nil), m.candidates...)

	switch m.config.Strategy {
	case StrategyCostOptimized:
		costs := make(map[string]float64, len(out))
		for _, c := range out {
			cost, err := c.Provider.EstimateCost(req)
			if err != nil {
				// 估算失败的候选排到最后
				cost = 1e9
			}
			costs[c.Provider.Name()] = cost
		}
		sort.SliceStable(out, func(i, j int) bool {
			return costs[out[i].Provider.Name()] < costs[out[j].Provider.Name()]
		})

	case StrategyQualityOptimized:
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].QualityWeight > out[j].QualityWeight
		})
	}

	return out
}

// Execute 按策略路由请求.
// 返回响应、全部尝试记录与最终错误。
func (m *Manager) Execute(ctx context.Context, req *llm.Request) (*llm.Response, []Attempt, error) {
	return m.ExecutePreferred(ctx, req, "")
}

// ExecutePreferred 同 Execute, 但名为 preferred 的提供商排到最前
// (parallel 策略下仅影响尝试记录顺序)。
func (m *Manager) ExecutePreferred(ctx context.Context, req *llm.Request, preferred string) (*llm.Response, []Attempt, error) {
	if preferred != "" {
		if _, ok := m.registry.Get(preferred); !ok {
			m.logger.Debug("preferred provider not registered, ignoring",
				zap.String("preferred", preferred))
			preferred = ""
		}
	}
	if m.config.Strategy == StrategyParallel {
		return m.executeParallel(ctx, req)
	}
	return m.executeSequential(ctx, req, preferred)
}

// promote 把 preferred 提到候选列表首位, 其余保持相对顺序.
func promote(candidates []Candidate, preferred string) []Candidate {
	if preferred == "" {
		return candidates
	}
	for i, c := range candidates {
		if c.Provider.Name() == preferred {
			out := make([]Candidate, 0, len(candidates))
			out = append(out, c)
			out = append(out, candidates[:i]...)
			out = append(out, candidates[i+1:]...)
			return out
		}
	}
	return candidates
}

func (m *Manager) executeSequential(ctx context.Context, req *llm.Request, preferred string) (*llm.Response, []Attempt, error) {
	var attempts []Attempt
	var lastErr error

	for _, cand := range promote(m.order(req), preferred) {
		name := cand.Provider.Name()

		if skip, reason := m.skipReason(cand.Provider); skip {
			attempts = append(attempts, Attempt{
				Provider: name,
				Model:    req.Model,
				Error:    reason,
				Skipped:  true,
			})
			m.logger.Debug("provider skipped",
				zap.String("provider", name),
				zap.String("reason", reason))
			continue
		}

		resp, attempt, err := m.tryProvider(ctx, cand.Provider, req)
		attempts = append(attempts, attempt)
		if resp != nil {
			return resp, attempts, nil
		}
		lastErr = err

		// 上下文取消时不再尝试后续候选
		if ctx.Err() != nil {
			break
		}
	}

	return nil, attempts, &ExhaustedError{Attempts: attempts, Last: lastErr}
}

// skipReason 判断候选是否应被跳过.
// 健康检查在 Allow 之前, 避免半开状态下白白占用探测名额。
func (m *Manager) skipReason(p llm.Provider) (bool, string) {
	if !p.Healthy() {
		return true, "provider unhealthy"
	}
	if err := m.Breaker(p.Name()).Allow(); err != nil {
		return true, "circuit breaker open"
	}
	return false, ""
}

// tryProvider 在单个提供商内完成一次完整尝试 (含可重试错误的退避重试
// 与模型缺失时的默认模型降级), 并维护其熔断器。
func (m *Manager) tryProvider(ctx context.Context, p llm.Provider, req *llm.Request) (*llm.Response, Attempt, error) {
	name := p.Name()
	start := time.Now()

	resp, err := retry.DoWithResult(ctx, m.retryer, func() (*llm.Response, error) {
		return p.Generate(ctx, req)
	})

	// 请求的模型不存在时用提供商默认模型再试一次
	if err != nil && llm.IsModelNotFound(err) && req.Model != p.DefaultModel() && p.DefaultModel() != "" {
		m.logger.Info("model not found, retrying with provider default",
			zap.String("provider", name),
			zap.String("requested_model", req.Model),
			zap.String("default_model", p.DefaultModel()))

		downgraded := req.Normalized()
		downgraded.Model = p.DefaultModel()
		resp, err = retry.DoWithResult(ctx, m.retryer, func() (*llm.Response, error) {
			return p.Generate(ctx, downgraded)
		})
	}

	attempt := Attempt{
		Provider: name,
		Model:    req.Model,
		Latency:  time.Since(start),
	}

	if err != nil {
		attempt.Error = err.Error()
		m.recordOutcome(name, err)
		m.logger.Warn("provider attempt failed",
			zap.String("provider", name),
			zap.Error(err))
		return nil, attempt, err
	}

	m.Breaker(name).RecordSuccess()
	return resp, attempt, nil
}

// recordOutcome 失败上报熔断器.
// 客户端侧错误 (认证/参数/配额/模型缺失) 不计入熔断失败。
func (m *Manager) recordOutcome(provider string, err error) {
	// 取消/超时来自调用方 (含 parallel 竞速落败), 既不算成功也不算失败;
	// 半开探测被取消时必须复位, 否则探测名额被永久占用
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if m.Breaker(provider).State() == circuitbreaker.StateHalfOpen {
			m.Breaker(provider).RecordFailure()
		}
		return
	}
	if llm.IsAuthError(err) || llm.IsQuotaExceeded(err) || llm.IsModelNotFound(err) {
		m.Breaker(provider).RecordSuccess()
		return
	}
	var le *llm.Error
	if errors.As(err, &le) && le.Code == llm.ErrInvalidRequest {
		m.Breaker(provider).RecordSuccess()
		return
	}
	m.Breaker(provider).RecordFailure()
}

// executeParallel 同时分发给全部可用候选.
// 第一个成功响应胜出并取消其余调用; 全部失败时聚合错误。
func (m *Manager) executeParallel(ctx context.Context, req *llm.Request) (*llm.Response, []Attempt, error) {
	available := make([]Candidate, 0, len(m.candidates))
	var attempts []Attempt
	var lastErr error
	var attemptsMu sync.Mutex

	for _, cand := range m.candidates {
		if skip, reason := m.skipReason(cand.Provider); skip {
			attempts = append(attempts, Attempt{
				Provider: cand.Provider.Name(),
				Model:    req.Model,
				Error:    reason,
				Skipped:  true,
			})
			continue
		}
		available = append(available, cand)
	}

	if len(available) == 0 {
		return nil, attempts, &ExhaustedError{Attempts: attempts}
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	winner := make(chan *llm.Response, 1)
	g, gctx := errgroup.WithContext(raceCtx)

	for _, cand := range available {
		p := cand.Provider
		g.Go(func() error {
			resp, attempt, err := m.tryProvider(gctx, p, req)
			attemptsMu.Lock()
			attempts = append(attempts, attempt)
			if err != nil {
				lastErr = err
			}
			attemptsMu.Unlock()

			if resp != nil {
				select {
				case winner <- resp:
					cancel()
				default:
				}
			}
			return nil
		})
	}

	_ = g.Wait()

	select {
	case resp := <-winner:
		return resp, attempts, nil
	default:
		return nil, attempts, &ExhaustedError{Attempts: attempts, Last: lastErr}
	}
}

// ExecuteStream 流式路由.
// 只做候选选择与熔断维护, 不跨提供商接力半途的流。
func (m *Manager) ExecuteStream(ctx context.Context, req *llm.Request) (<-chan llm.StreamChunk, []Attempt, error) {
	var attempts []Attempt
	var lastErr error

	for _, cand := range m.order(req) {
		name := cand.Provider.Name()

		if skip, reason := m.skipReason(cand.Provider); skip {
			attempts = append(attempts, Attempt{
				Provider: name,
				Model:    req.Model,
				Error:    reason,
				Skipped:  true,
			})
			continue
		}

		start := time.Now()
		ch, err := cand.Provider.GenerateStream(ctx, req)
		attempt := Attempt{
			Provider: name,
			Model:    req.Model,
			Latency:  time.Since(start),
		}
		if err != nil {
			attempt.Error = err.Error()
			attempts = append(attempts, attempt)
			m.recordOutcome(name, err)
			lastErr = err
			continue
		}

		attempts = append(attempts, attempt)
		m.Breaker(name).RecordSuccess()
		return ch, attempts, nil
	}

	return nil, attempts, &ExhaustedError{Attempts: attempts, Last: lastErr}
}
