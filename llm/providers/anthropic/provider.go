// Package anthropic Anthropic Messages API 提供者.
// 走 /v1/messages 原生协议: system 提示单独携带, SSE 按事件类型分发。
package anthropic

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
	defaultBaseURL = "https://api.anthropic.com"
	defaultModel   = "claude-3-5-sonnet-20241022"
	apiVersion     = "2023-06-01"
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

// Provider Anthropic 提供者
type Provider struct {
	opts   Options
	client *http.Client
	logger *zap.Logger

	prices  *pricing.Table
	health  *llm.HealthTracker
	limiter *ratelimit.Limiter
}

// New 创建 Anthropic 提供者
func New(opts Options, prices *pricing.Table, logger *zap.Logger) *Provider {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.DefaultModel == "" {
		opts.DefaultModel = defaultModel
	}
	if len(opts.Models) == 0 {
		opts.Models = []string{
			"claude-3-5-sonnet-20241022",
			"claude-3-opus-20240229",
			"claude-3-haiku-20240307",
		}
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

func (p *Provider) Name() string         { return "anthropic" }
func (p *Provider) Models() []string     { return p.opts.Models }
func (p *Provider) DefaultModel() string { return p.opts.DefaultModel }
func (p *Provider) Healthy() bool        { return p.health.Healthy() }

// Health exposes the underlying tracker for the fallback layer.
func (p *Provider) Health() *llm.HealthTracker { return p.health }

// ---- wire types ----

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature,omitempty"`
	TopP        float64            `json:"top_p,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Model      string             `json:"model"`
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
}

// convertMessages 拆分 system 提示并转换剩余消息.
// Messages API 要求 system 不出现在 messages 数组中。
func convertMessages(msgs []llm.Message) (system string, out []anthropicMessage) {
	for _, m := range msgs {
		if m.Role == llm.RoleSystem {
			if system != "" {
				system += "\n"
			}
			system += m.Content
			continue
		}
		out = append(out, anthropicMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	return system, out
}

func (p *Provider) buildHeaders(req *http.Request) {
	req.Header.Set("x-api-key", p.opts.APIKey)
	req.Header.Set("anthropic-version", apiVersion)
	req.Header.Set("Content-Type", "application/json")
}

func (p *Provider) endpoint(path string) string {
	return strings.TrimRight(p.opts.BaseURL, "/") + path
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
	system, msgs := convertMessages(n.Messages)

	body := anthropicRequest{
		Model:       model,
		MaxTokens:   n.MaxTokens,
		System:      system,
		Messages:    msgs,
		Temperature: n.Temperature,
		TopP:        n.TopP,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint("/v1/messages"), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.buildHeaders(httpReq)

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

	var aResp anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&aResp); err != nil {
		p.health.RecordFailure()
		return nil, providers.WrapTransportError(err, p.Name())
	}
	p.health.RecordSuccess()

	var content strings.Builder
	for _, c := range aResp.Content {
		if c.Type == "text" {
			content.WriteString(c.Text)
		}
	}

	in, out := p.prices.Split(p.Name(), model, aResp.Usage.InputTokens, aResp.Usage.OutputTokens)
	return &llm.Response{
		Content:      content.String(),
		FinishReason: providers.MapFinishReason(aResp.StopReason),
		Model:        model,
		Provider:     p.Name(),
		RequestID:    n.RequestID,
		Latency:      time.Since(start),
		CreatedAt:    time.Now(),
		Usage: llm.TokenUsage{
			PromptTokens:     aResp.Usage.InputTokens,
			CompletionTokens: aResp.Usage.OutputTokens,
			TotalTokens:      aResp.Usage.InputTokens + aResp.Usage.OutputTokens,
			PromptCost:       in,
			CompletionCost:   out,
			TotalCost:        in + out,
		},
	}, nil
}

// ---- streaming ----

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	Usage anthropicUsage `json:"usage"`
}

// GenerateStream SSE 流式生成.
// Messages API 按事件类型分发: content_block_delta 携带文本增量,
// message_delta 携带 stop_reason 与输出 token 数。
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
	system, msgs := convertMessages(n.Messages)

	body := anthropicRequest{
		Model:       model,
		MaxTokens:   n.MaxTokens,
		System:      system,
		Messages:    msgs,
		Temperature: n.Temperature,
		TopP:        n.TopP,
		Stream:      true,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint("/v1/messages"), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.buildHeaders(httpReq)

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

	return p.streamEvents(ctx, resp.Body, model), nil
}

func (p *Provider) streamEvents(ctx context.Context, body io.ReadCloser, model string) <-chan llm.StreamChunk {
	ch := make(chan llm.StreamChunk)
	go func() {
		defer body.Close()
		defer close(ch)

		var inputTokens, outputTokens int
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
				}
				return
			}
			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

			var ev anthropicStreamEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}

			switch ev.Type {
			case "message_start":
				inputTokens = ev.Message.Usage.InputTokens

			case "content_block_delta":
				if ev.Delta.Text == "" {
					continue
				}
				select {
				case <-ctx.Done():
					return
				case ch <- llm.StreamChunk{
					Content:  ev.Delta.Text,
					Provider: p.Name(),
					Model:    model,
				}:
				}

			case "message_delta":
				if ev.Delta.StopReason != "" {
					finish = providers.MapFinishReason(ev.Delta.StopReason)
				}
				if ev.Usage.OutputTokens > 0 {
					outputTokens = ev.Usage.OutputTokens
				}

			case "message_stop":
				in, out := p.prices.Split(p.Name(), model, inputTokens, outputTokens)
				usage := llm.TokenUsage{
					PromptTokens:     inputTokens,
					CompletionTokens: outputTokens,
					TotalTokens:      inputTokens + outputTokens,
					PromptCost:       in,
					CompletionCost:   out,
					TotalCost:        in + out,
				}
				select {
				case <-ctx.Done():
				case ch <- llm.StreamChunk{
					Provider:     p.Name(),
					Model:        model,
					FinishReason: finish,
					Usage:        &usage,
				}:
				}
				return
			}
		}
	}()
	return ch
}

// ValidateConnection 用一次最小请求验证密钥与连通性.
func (p *Provider) ValidateConnection(ctx context.Context) (bool, error) {
	probe := llm.NewRequest(p.opts.DefaultModel, []llm.Message{
		{Role: llm.RoleUser, Content: "ping"},
	})
	probe.MaxTokens = 1

	_, err := p.Generate(ctx, probe)
	if err != nil {
		if llm.IsAuthError(err) {
			return false, err
		}
		// 限流或上游抖动仍视为可连通
		if llm.IsRateLimited(err) {
			return true, nil
		}
		return false, err
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
