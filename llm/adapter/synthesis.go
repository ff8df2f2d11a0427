package adapter

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/docforge-ai/docforge/llm"
	"github.com/docforge-ai/docforge/llm/fallback"
)

// SynthesisStrategy 多提供商合成时的胜出规则.
// 三种策略都是启发式: 不调用额外的评审模型。
type SynthesisStrategy string

const (
	// SynthesisBestQuality 按响应质量启发式评分取最高
	SynthesisBestQuality SynthesisStrategy = "best_quality"
	// SynthesisConsensus 取与其他响应词面重合度最高的响应
	SynthesisConsensus SynthesisStrategy = "consensus"
	// SynthesisWeighted 质量评分乘以候选权重取最高
	SynthesisWeighted SynthesisStrategy = "weighted"
)

// Synthesize 并发咨询多个提供商并按策略选出一个响应.
// 可用提供商不足 2 个时退化为普通 Generate。
func (a *Adapter) Synthesize(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, &llm.Error{Code: llm.ErrInvalidRequest, Message: err.Error()}
	}
	norm := req.Normalized()

	return a.tracer.TraceGenerate(ctx, "llm.synthesize", norm, func(ctx context.Context) (*llm.Response, error) {
		return a.synthesize(ctx, norm)
	})
}

func (a *Adapter) synthesize(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	participants := a.healthyCandidates(a.synthesis.MaxProviders)
	if len(participants) < 2 {
		a.logger.Debug("synthesis degraded to single generation",
			zap.Int("available", len(participants)))
		return a.generate(ctx, req)
	}

	// 预算预检用全体参与者的预估成本之和, 合成是多倍开销
	var estimated float64
	for _, c := range participants {
		if cost, err := c.Provider.EstimateCost(req); err == nil {
			estimated += cost
		}
	}
	if err := a.preflight(req, estimated); err != nil {
		return nil, err
	}

	type outcome struct {
		resp   *llm.Response
		weight float64
	}

	var mu sync.Mutex
	var results []outcome
	var lastErr error

	g, gctx := errgroup.WithContext(ctx)
	for _, cand := range participants {
		c := cand
		g.Go(func() error {
			resp, err := c.Provider.Generate(gctx, req)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				lastErr = err
				a.logger.Warn("synthesis provider failed",
					zap.String("provider", c.Provider.Name()),
					zap.Error(err))
				return nil
			}
			results = append(results, outcome{resp: resp, weight: c.QualityWeight})
			return nil
		})
	}
	_ = g.Wait()

	if len(results) == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("synthesis: all providers failed: %w", lastErr)
		}
		return nil, llm.NewProviderError("", "synthesis: no responses", nil)
	}

	// 全部成功响应都要记账, 费用是真实发生的
	for _, r := range results {
		if a.guard != nil {
			if err := a.guard.Record(ctx, r.resp); err != nil {
				a.logger.Warn("synthesis usage record failed", zap.Error(err))
			}
		}
		if a.metrics != nil {
			a.metrics.RecordLLMRequest(r.resp.Provider, r.resp.Model, "success",
				r.resp.Latency, r.resp.Usage.PromptTokens, r.resp.Usage.CompletionTokens,
				r.resp.Usage.TotalCost)
		}
	}

	responses := make([]*llm.Response, len(results))
	weights := make([]float64, len(results))
	for i, r := range results {
		responses[i] = r.resp
		weights[i] = r.weight
	}

	winner := pickWinner(a.synthesis.Strategy, responses, weights)
	if winner.Metadata == nil {
		winner.Metadata = make(map[string]string)
	}
	winner.Metadata["synthesis_strategy"] = string(a.synthesis.Strategy)
	winner.Metadata["synthesis_sources"] = fmt.Sprintf("%d", len(responses))

	if a.cache != nil {
		if err := a.cache.Set(ctx, winner.Provider, req, winner); err != nil {
			a.logger.Warn("synthesis cache store failed", zap.Error(err))
		}
	}
	return winner, nil
}

// healthyCandidates 返回前 max 个健康候选, 保持配置顺序.
func (a *Adapter) healthyCandidates(max int) []fallback.Candidate {
	out := make([]fallback.Candidate, 0, max)
	for _, c := range a.candidates {
		if !c.Provider.Healthy() {
			continue
		}
		out = append(out, c)
		if len(out) == max {
			break
		}
	}
	return out
}

// pickWinner 按策略选响应, 并把质量分写回 QualityScore.
func pickWinner(strategy SynthesisStrategy, responses []*llm.Response, weights []float64) *llm.Response {
	scores := make([]float64, len(responses))
	switch strategy {
	case SynthesisConsensus:
		for i := range responses {
			scores[i] = consensusScore(i, responses)
		}
	case SynthesisWeighted:
		for i, r := range responses {
			w := weights[i]
			if w <= 0 {
				w = 1
			}
			scores[i] = qualityScore(r) * w
		}
	default: // SynthesisBestQuality
		for i, r := range responses {
			scores[i] = qualityScore(r)
		}
	}

	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	responses[best].QualityScore = scores[best]
	return responses[best]
}

// qualityScore 响应质量启发式: 完整结束占大头, 长度饱和计入.
func qualityScore(r *llm.Response) float64 {
	score := 0.0
	if r.FinishReason == llm.FinishStop {
		score += 0.5
	}
	length := float64(len(r.Content))
	score += 0.5 * (length / (length + 500))
	return score
}

// consensusScore 第 i 个响应与其余响应的平均词面 Jaccard 相似度.
func consensusScore(i int, responses []*llm.Response) float64 {
	if len(responses) < 2 {
		return qualityScore(responses[i])
	}
	self := wordSet(responses[i].Content)
	var total float64
	for j, other := range responses {
		if j == i {
			continue
		}
		total += jaccard(self, wordSet(other.Content))
	}
	return total / float64(len(responses)-1)
}

func wordSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		out[strings.Trim(w, ".,;:!?\"'()")] = struct{}{}
	}
	delete(out, "")
	return out
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
