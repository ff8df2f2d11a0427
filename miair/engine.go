package miair

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/docforge-ai/docforge/llm"
)

// Generator 精炼循环依赖的最小生成接口, 由 adapter.Adapter 满足.
type Generator interface {
	Generate(ctx context.Context, req *llm.Request) (*llm.Response, error)
}

// Config 精炼引擎配置
type Config struct {
	// Model 生成用模型, 空值交给路由决定
	Model string
	// MaxIterations 精炼轮数上限, <=0 时取 5
	MaxIterations int
	// Epsilon 质量分提升低于该值即收敛停止, <=0 时取 0.01
	Epsilon float64
	// Temperature 精炼生成温度, 0 用请求默认
	Temperature float64
	// MaxTokens 单轮生成上限, 0 用请求默认
	MaxTokens int
}

// Iteration 单轮精炼记录
type Iteration struct {
	Number  int     `json:"number"`
	Before  Score   `json:"before"`
	After   Score   `json:"after"`
	Gain    float64 `json:"gain"`
	CostUSD float64 `json:"cost_usd"`
	Kept    bool    `json:"kept"` // 改写是否被采纳
}

// Result 一次完整精炼的结果
type Result struct {
	Document   string      `json:"document"`
	Initial    Score       `json:"initial"`
	Final      Score       `json:"final"`
	Iterations []Iteration `json:"iterations"`
	TotalCost  float64     `json:"total_cost"`
	Converged  bool        `json:"converged"`
}

// Engine 熵驱动的文档精炼循环.
// 每轮让模型改写文档, 重打分, 提升低于 Epsilon 或达到轮数上限即停。
type Engine struct {
	gen    Generator
	config Config
	logger *zap.Logger
}

// NewEngine 创建精炼引擎.
func NewEngine(gen Generator, config Config, logger *zap.Logger) *Engine {
	if config.MaxIterations <= 0 {
		config.MaxIterations = 5
	}
	if config.Epsilon <= 0 {
		config.Epsilon = 0.01
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{gen: gen, config: config, logger: logger}
}

// Refine 迭代精炼文档直至收敛.
// 改写导致质量下降时保留原稿并停止; LLM 调用失败立即返回错误与已完成进度。
func (e *Engine) Refine(ctx context.Context, document string) (*Result, error) {
	if document == "" {
		return nil, fmt.Errorf("miair: empty document")
	}

	result := &Result{
		Document: document,
		Initial:  ScoreDocument(document),
	}
	result.Final = result.Initial
	current := result.Initial

	for i := 1; i <= e.config.MaxIterations; i++ {
		revised, cost, err := e.revise(ctx, result.Document, current)
		if err != nil {
			result.TotalCost += cost
			return result, fmt.Errorf("miair: iteration %d: %w", i, err)
		}

		after := ScoreDocument(revised)
		gain := after.Quality - current.Quality
		iter := Iteration{
			Number:  i,
			Before:  current,
			After:   after,
			Gain:    gain,
			CostUSD: cost,
			Kept:    gain > 0,
		}
		result.Iterations = append(result.Iterations, iter)
		result.TotalCost += cost

		e.logger.Debug("refinement iteration",
			zap.Int("iteration", i),
			zap.Float64("quality_before", current.Quality),
			zap.Float64("quality_after", after.Quality),
			zap.Float64("gain", gain))

		if gain > 0 {
			result.Document = revised
			result.Final = after
			current = after
		}

		if gain < e.config.Epsilon {
			result.Converged = true
			break
		}
	}

	return result, nil
}

// revise 让模型改写一轮, 返回改写稿与本轮费用.
func (e *Engine) revise(ctx context.Context, document string, score Score) (string, float64, error) {
	prompt := fmt.Sprintf(
		"Revise the document below to improve clarity and information density. "+
			"Reduce repetition, tighten wording, and keep all factual content. "+
			"Current redundancy estimate: %.0f%%. Return only the revised document.\n\n%s",
		score.Redundancy*100, document)

	req := llm.NewRequest(e.config.Model, []llm.Message{
		{Role: llm.RoleSystem, Content: "You are a precise technical editor."},
		{Role: llm.RoleUser, Content: prompt},
	})
	if e.config.Temperature > 0 {
		req.Temperature = e.config.Temperature
	}
	if e.config.MaxTokens > 0 {
		req.MaxTokens = e.config.MaxTokens
	}

	resp, err := e.gen.Generate(ctx, req)
	if err != nil {
		return "", 0, err
	}
	if resp.Content == "" {
		return "", resp.Usage.TotalCost, fmt.Errorf("empty revision")
	}
	return resp.Content, resp.Usage.TotalCost, nil
}
