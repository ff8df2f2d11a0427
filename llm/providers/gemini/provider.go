// Package gemini Google Gemini API 提供者.
// 走 generateContent 原生协议: 角色映射为 user/model, key 通过查询参数传递。
package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/docforge-ai/docforge/internal/tlsutil"
	"github.com/docforge-ai/docforge/llm"
	"github.com/docforge-ai/docforge/llm/pricing"
	"github.com/docforge-ai/docforge/llm/providers"
	"github.com/docforge-ai/docforge/llm/ratelimit"
	"github.com/docforge-ai/docforge/llm/tokenizer"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com"
	defaultModel   = "gemini-2.0-flash"
)

// Options 创建参数
type Options struct {
	APIKey            string
	BaseURL           string
	DefaultModel      string
	Models            []string
	Timeout           time.Duration
	RequestsPerMinute int
	DailyRequestCap   int
	HTTPClient        *http.Client
}

// Provider Gemini 提供者
type Provider struct {
	opts   Options
	client *http.Client
	logger *zap.Logger

	prices  *pricing.Table
	health  *llm.HealthTracker
	limiter *ratelimit.Limiter
}

// New 创建 Gemini 提供者
func New(opts Options, prices *pricing.Table, logger *zap.Logger) *Provider {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.DefaultModel == "" {
		opts.DefaultModel = defaultModel
	}
	if len(opts.Models) == 0 {
		opts.Models = []string{"gemini-2.0-flash", "gemini-1.5-pro", "gemini-1.5-flash"}
	}
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if prices == nil {
		prices = pricing.NewTable()
	}

	client := opts.HTTPClient
	if client == nil {
		client = tlsutil.SecureHTTPClient(opts.Timeout)
	}

	return &Provider{
		opts:    opts,
		client:  client,
		logger:  logger,
		prices:  prices,
		health:  llm.NewHealthTracker(0, 0),
		limiter: ratelimit.New(opts.RequestsPerMinute, opts.DailyRequestCap),
	}
}

func (p *Provider) Name() string         { return "gemini" }
func (p *Provider) Models() []string     { return p.opts.Models }
func (p *Provider) DefaultModel() string { return p.opts.DefaultModel }
func (p *Provider) Healthy() bool        { return p.health.Healthy() }

// Health exposes the underlying tracker for the fallback layer.
func (p *Provider) Health() *llm.HealthTracker { return p.health }

// ---- wire types ----

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature,omitempty"`
	TopP            float64 `json:"topP,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata *geminiUsage      `json:"usageMetadata"`
}

// convertMessages 转换消息: system 提示拆为 systemInstruction,
// assistant 映射为 model 角色。
func convertMessages(msgs []llm.Message) (system *geminiContent, contents []geminiContent) {
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleSystem:
			if system == nil {
				system = &geminiContent{}
			}
			system.Parts = append(system.Parts, geminiPart{Text: m.Content})
		case llm.RoleAssistant:
			contents = append(contents, geminiContent{
				Role:  "model",
				Parts: []geminiPart{{Text: m.Content}},
			})
		default:
			contents = append(contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: m.Content}},
			})
		}
	}
	return system, contents
}

func (p *Provider) endpoint(model, method, extraQuery string) string {
	url := fmt.Sprintf("%s/v1beta/models/%s:%s?key=%s",
		strings.TrimRight(p.opts.BaseURL, "/"), model, method, p.opts.APIKey)
	if extraQuery != "" {
		url += "&" + extraQuery
	}
	return url
}

func (p *Provider) checkLimit() error {
	res := p.limiter.Allow()
	if res.Allowed {
		return nil
	}
	msg := fmt.Sprintf("local rate limit exceeded, retry after %s", res.RetryAfter.Round(time.Second))
	if res.DailyExhausted {
		msg = "daily request cap exhausted"
	}
	return llm.NewRateLimitError(p.Name(), msg)
}

// EstimateCost 预估请求成本 (USD), 输出按 MaxTokens 上界.
func (p *Provider) EstimateCost(req *llm.Request) (float64, error) {
	n := req.Normalized()
	model := providers.ChooseModel(n, p.opts.DefaultModel)

	counter := tokenizer.ForModel(model)
	msgs := make([]tokenizer.Message, 0, len(n.Messages))
	for _, m := range n.Messages {
		msgs = append(msgs, tokenizer.Message{Role: string(m.Role), Content: m.Content})
	}
	promptTokens, err := counter.CountMessages(msgs)
	if err != nil {
		return 0, err
	}

	return p.prices.Cost(p.Name(), model, promptTokens, n.MaxTokens), nil
}

func (p *Provider) buildBody(n *llm.Request) geminiRequest {
	system, contents := convertMessages(n.Messages)
	return geminiRequest{
		Contents:          contents,
		SystemInstruction: system,
		GenerationConfig: &geminiGenerationConfig{
			Temperature:     n.Temperature,
			TopP:            n.TopP,
			MaxOutputTokens: n.MaxTokens,
		},
	}
}

// Generate 非流式生成
func (p *Provider) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, &llm.Error{
			Code:       llm.ErrInvalidRequest,
			Message:    err.Error(),
			HTTPStatus: http.StatusBadRequest,
			Provider:   p.Name(),
		}
	}
	if err := p.checkLimit(); err != nil {
		return nil, err
	}

	n := req.Normalized()
	model := providers.ChooseModel(n, p.opts.DefaultModel)

	payload, err := json.Marshal(p.buildBody(n))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(model, "generateContent", ""), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.health.RecordFailure()
		if ctx.Err() != nil {
			return nil, llm.NewTimeoutError(p.Name(), err)
		}
		return nil, providers.WrapTransportError(err, p.Name())
	}
	defer providers.SafeCloseBody(resp.Body)

	if resp.StatusCode >= 400 {
		msg := providers.ReadErrorMessage(resp.Body)
		mapped := providers.MapHTTPError(resp.StatusCode, msg, p.Name())
		p.recordOutcome(mapped)
		return nil, mapped
	}

	var gResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&gResp); err != nil {
		p.health.RecordFailure()
		return nil, providers.WrapTransportError(err, p.Name())
	}
	p.health.RecordSuccess()

	out := &llm.Response{
		Model:     model,
		Provider:  p.Name(),
		RequestID: n.RequestID,
		Latency:   time.Since(start),
		CreatedAt: time.Now(),
	}
	if len(gResp.Candidates) > 0 {
		cand := gResp.Candidates[0]
		var content strings.Builder
		for _, part := range cand.Content.Parts {
			content.WriteString(part.Text)
		}
		out.Content = content.String()
		out.FinishReason = providers.MapFinishReason(cand.FinishReason)
	}
	if gResp.UsageMetadata != nil {
		in, outCost := p.prices.Split(p.Name(), model,
			gResp.UsageMetadata.PromptTokenCount, gResp.UsageMetadata.CandidatesTokenCount)
		out.Usage = llm.TokenUsage{
			PromptTokens:     gResp.UsageMetadata.PromptTokenCount,
			CompletionTokens: gResp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      gResp.UsageMetadata.TotalTokenCount,
			PromptCost:       in,
			CompletionCost:   outCost,
			TotalCost:        in + outCost,
		}
	}
	return out, nil
}

// GenerateStream SSE 流式生成 (streamGenerateContent?alt=sse).
func (p *Provider) GenerateStream(ctx context.Context, req *llm.Request) (<-chan llm.StreamChunk, error) {
	if err := req.Validate(); err != nil {
		return nil, &llm.Error{
			Code:       llm.ErrInvalidRequest,
			Message:    err.Error(),
			HTTPStatus: http.StatusBadRequest,
			Provider:   p.Name(),
		}
	}
	if err := p.checkLimit(); err != nil {
		return nil, err
	}

	n := req.Normalized()
	model := providers.ChooseModel(n, p.opts.DefaultModel)

	payload, err := json.Marshal(p.buildBody(n))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.endpoint(model, "streamGenerateContent", "alt=sse"), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.health.RecordFailure()
		return nil, providers.WrapTransportError(err, p.Name())
	}
	if resp.StatusCode >= 400 {
		defer providers.SafeCloseBody(resp.Body)
		msg := providers.ReadErrorMessage(resp.Body)
		mapped := providers.MapHTTPError(resp.StatusCode, msg, p.Name())
		p.recordOutcome(mapped)
		return nil, mapped
	}
	p.health.RecordSuccess()

	return p.streamSSE(ctx, resp.Body, model), nil
}

func (p *Provider) streamSSE(ctx context.Context, body io.ReadCloser, model string) <-chan llm.StreamChunk {
	ch := make(chan llm.StreamChunk)
	go func() {
		defer body.Close()
		defer close(ch)

		var usage *llm.TokenUsage
		finish := llm.FinishStop

		reader := bufio.NewReader(body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					select {
					case <-ctx.Done():
					case ch <- llm.StreamChunk{Err: providers.WrapTransportError(err, p.Name())}:
					}
					return
				}
				// Gemini 不发 [DONE] 标记, EOF 即结束
				final := llm.StreamChunk{
					Provider:     p.Name(),
					Model:        model,
					FinishReason: finish,
					Usage:        usage,
				}
				select {
				case <-ctx.Done():
				case ch <- final:
				}
				return
			}
			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

			var gResp geminiResponse
			if err := json.Unmarshal([]byte(data), &gResp); err != nil {
				continue
			}

			if gResp.UsageMetadata != nil {
				in, out := p.prices.Split(p.Name(), model,
					gResp.UsageMetadata.PromptTokenCount, gResp.UsageMetadata.CandidatesTokenCount)
				usage = &llm.TokenUsage{
					PromptTokens:     gResp.UsageMetadata.PromptTokenCount,
					CompletionTokens: gResp.UsageMetadata.CandidatesTokenCount,
					TotalTokens:      gResp.UsageMetadata.TotalTokenCount,
					PromptCost:       in,
					CompletionCost:   out,
					TotalCost:        in + out,
				}
			}

			for _, cand := range gResp.Candidates {
				if cand.FinishReason != "" {
					finish = providers.MapFinishReason(cand.FinishReason)
				}
				for _, part := range cand.Content.Parts {
					if part.Text == "" {
						continue
					}
					select {
					case <-ctx.Done():
						return
					case ch <- llm.StreamChunk{
						Content:  part.Text,
						Provider: p.Name(),
						Model:    model,
					}:
					}
				}
			}
		}
	}()
	return ch
}

// ValidateConnection 验证 key 与连通性.
func (p *Provider) ValidateConnection(ctx context.Context) (bool, error) {
	url := fmt.Sprintf("%s/v1beta/models?key=%s", strings.TrimRight(p.opts.BaseURL, "/"), p.opts.APIKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return false, providers.WrapTransportError(err, p.Name())
	}
	defer providers.SafeCloseBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		msg := providers.ReadErrorMessage(resp.Body)
		return false, providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}
	return true, nil
}

// recordOutcome 客户端错误不计为 Provider 故障.
func (p *Provider) recordOutcome(err *llm.Error) {
	switch err.Code {
	case llm.ErrInvalidRequest, llm.ErrUnauthorized, llm.ErrQuotaExceeded, llm.ErrModelNotFound:
		return
	default:
		p.health.RecordFailure()
	}
}
