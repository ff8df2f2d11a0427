// =============================================================================
// OpenAI-Compatible Provider Base
// =============================================================================
// Shared implementation for all OpenAI-compatible LLM providers.
// The openai and local providers embed this and only override what
// differs (Name, BaseURL, default model, headers).
// =============================================================================

package openaicompat

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
	"github.com/docforge-ai/docforge/llm/connpool"
	"github.com/docforge-ai/docforge/llm/pricing"
	"github.com/docforge-ai/docforge/llm/providers"
	"github.com/docforge-ai/docforge/llm/ratelimit"
	"github.com/docforge-ai/docforge/llm/tokenizer"
)

// Config holds the configuration for an OpenAI-compatible provider.
type Config struct {
	// ProviderName is the unique identifier for this provider (e.g., "openai", "local").
	ProviderName string

	// APIKey is the authentication key for the provider's API.
	APIKey string

	// BaseURL is the base URL for the provider's API.
	BaseURL string

	// DefaultModel is the model to use when none is specified in the request.
	DefaultModel string

	// Models is the set of models this provider serves.
	Models []string

	// Timeout is the HTTP client timeout. Defaults to 30s if zero.
	Timeout time.Duration

	// EndpointPath is the chat completions endpoint path. Defaults to "/v1/chat/completions".
	EndpointPath string

	// ModelsEndpoint is the models list endpoint path. Defaults to "/v1/models".
	ModelsEndpoint string

	// RequestsPerMinute caps requests in a sliding 60s window. 0 disables.
	RequestsPerMinute int

	// DailyRequestCap caps requests per calendar day. 0 disables.
	DailyRequestCap int

	// BuildHeaders is an optional function to set custom headers on each request.
	// If nil, the default "Authorization: Bearer <apiKey>" header is used.
	BuildHeaders func(req *http.Request, apiKey string)

	// RequestHook is an optional function to modify the request body before sending.
	RequestHook func(req *llm.Request, body *providers.OpenAICompatRequest)

	// HTTPClient overrides the default TLS-hardened client (tests).
	HTTPClient *http.Client

	// Pool, when set, supplies pooled HTTP sessions instead of the
	// shared client. Failed sessions are discarded rather than returned.
	Pool *connpool.Pool
}

// Provider is the base implementation for all OpenAI-compatible LLM providers.
type Provider struct {
	Cfg    Config
	Client *http.Client
	Logger *zap.Logger

	prices  *pricing.Table
	health  *llm.HealthTracker
	limiter *ratelimit.Limiter
}

// New creates a new OpenAI-compatible provider with the given config.
func New(cfg Config, prices *pricing.Table, logger *zap.Logger) *Provider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/v1/chat/completions"
	}
	if cfg.ModelsEndpoint == "" {
		cfg.ModelsEndpoint = "/v1/models"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if prices == nil {
		prices = pricing.NewTable()
	}

	client := cfg.HTTPClient
	if client == nil {
		client = tlsutil.SecureHTTPClient(timeout)
	}

	return &Provider{
		Cfg:     cfg,
		Client:  client,
		Logger:  logger,
		prices:  prices,
		health:  llm.NewHealthTracker(0, 0),
		limiter: ratelimit.New(cfg.RequestsPerMinute, cfg.DailyRequestCap),
	}
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.Cfg.ProviderName }

// Models returns the models this provider serves.
func (p *Provider) Models() []string { return p.Cfg.Models }

// DefaultModel returns the model used when a request carries none.
func (p *Provider) DefaultModel() string { return p.Cfg.DefaultModel }

// Healthy reports whether the provider passed its recent calls.
func (p *Provider) Healthy() bool { return p.health.Healthy() }

// Health exposes the underlying tracker for the fallback layer.
func (p *Provider) Health() *llm.HealthTracker { return p.health }

// buildHeaders applies headers to the HTTP request.
func (p *Provider) buildHeaders(req *http.Request) {
	if p.Cfg.BuildHeaders != nil {
		p.Cfg.BuildHeaders(req, p.Cfg.APIKey)
		return
	}
	providers.BearerTokenHeaders(req, p.Cfg.APIKey)
}

// endpoint builds the full URL for a given path.
func (p *Provider) endpoint(path string) string {
	return fmt.Sprintf("%s%s", strings.TrimRight(p.Cfg.BaseURL, "/"), path)
}

// acquire returns the HTTP client for one request and a release callback.
// Without a pool the shared client is used and release is a no-op.
func (p *Provider) acquire(ctx context.Context) (*http.Client, func(failed bool), error) {
	if p.Cfg.Pool == nil {
		return p.Client, func(bool) {}, nil
	}
	conn, err := p.Cfg.Pool.Acquire(ctx)
	if err != nil {
		return nil, nil, llm.NewProviderError(p.Name(), "connection pool exhausted", err)
	}
	release := func(failed bool) {
		if failed {
			p.Cfg.Pool.Discard(conn)
			return
		}
		p.Cfg.Pool.Release(conn)
	}
	return conn.Client, release, nil
}

// checkLimit 本地限流预检, 拒绝时返回 LLM_RATE_LIMITED.
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

// EstimateCost 预估请求成本 (USD).
// 输出 token 按 MaxTokens 上界估算, 结果偏保守。
func (p *Provider) EstimateCost(req *llm.Request) (float64, error) {
	n := req.Normalized()
	model := providers.ChooseModel(n, p.Cfg.DefaultModel)

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

// Generate performs a non-streaming chat completion.
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
	model := providers.ChooseModel(n, p.Cfg.DefaultModel)

	body := providers.OpenAICompatRequest{
		Model:            model,
		Messages:         providers.ConvertMessagesToOpenAI(n.Messages),
		MaxTokens:        n.MaxTokens,
		Temperature:      n.Temperature,
		TopP:             n.TopP,
		FrequencyPenalty: n.FrequencyPenalty,
		PresencePenalty:  n.PresencePenalty,
	}
	if p.Cfg.RequestHook != nil {
		p.Cfg.RequestHook(n, &body)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(p.Cfg.EndpointPath), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.buildHeaders(httpReq)

	client, release, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		release(true)
		p.health.RecordFailure()
		if ctx.Err() != nil {
			return nil, llm.NewTimeoutError(p.Name(), err)
		}
		return nil, providers.WrapTransportError(err, p.Name())
	}
	defer release(false)
	defer providers.SafeCloseBody(resp.Body)

	if resp.StatusCode >= 400 {
		msg := providers.ReadErrorMessage(resp.Body)
		mapped := providers.MapHTTPError(resp.StatusCode, msg, p.Name())
		p.recordOutcome(mapped)
		return nil, mapped
	}

	var oaResp providers.OpenAICompatResponse
	if err := json.NewDecoder(resp.Body).Decode(&oaResp); err != nil {
		p.health.RecordFailure()
		return nil, providers.WrapTransportError(err, p.Name())
	}
	p.health.RecordSuccess()

	return p.toResponse(&oaResp, n, model, time.Since(start)), nil
}

// toResponse 把上游响应转换为统一响应并计费.
func (p *Provider) toResponse(oaResp *providers.OpenAICompatResponse, req *llm.Request, model string, latency time.Duration) *llm.Response {
	out := &llm.Response{
		Model:     model,
		Provider:  p.Name(),
		RequestID: req.RequestID,
		Latency:   latency,
		CreatedAt: time.Now(),
	}
	if oaResp.Model != "" {
		out.Model = oaResp.Model
	}
	if oaResp.Created != 0 {
		out.CreatedAt = time.Unix(oaResp.Created, 0)
	}
	if len(oaResp.Choices) > 0 {
		out.Content = oaResp.Choices[0].Message.Content
		out.FinishReason = providers.MapFinishReason(oaResp.Choices[0].FinishReason)
	}
	if oaResp.Usage != nil {
		out.Usage = p.priceUsage(out.Model, oaResp.Usage.PromptTokens, oaResp.Usage.CompletionTokens)
	}
	return out
}

// priceUsage 按价目表填充 usage 的费用字段.
func (p *Provider) priceUsage(model string, promptTokens, completionTokens int) llm.TokenUsage {
	in, out := p.prices.Split(p.Name(), model, promptTokens, completionTokens)
	return llm.TokenUsage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		PromptCost:       in,
		CompletionCost:   out,
		TotalCost:        in + out,
	}
}

// recordOutcome 按错误类别上报健康状态.
// 客户端错误 (无效请求/认证/配额) 不计为 Provider 故障。
func (p *Provider) recordOutcome(err *llm.Error) {
	switch err.Code {
	case llm.ErrInvalidRequest, llm.ErrUnauthorized, llm.ErrQuotaExceeded, llm.ErrModelNotFound:
		return
	default:
		p.health.RecordFailure()
	}
}

// GenerateStream performs a streaming chat completion via SSE.
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
	model := providers.ChooseModel(n, p.Cfg.DefaultModel)

	body := providers.OpenAICompatRequest{
		Model:            model,
		Messages:         providers.ConvertMessagesToOpenAI(n.Messages),
		MaxTokens:        n.MaxTokens,
		Temperature:      n.Temperature,
		TopP:             n.TopP,
		FrequencyPenalty: n.FrequencyPenalty,
		PresencePenalty:  n.PresencePenalty,
		Stream:           true,
		StreamOptions:    &providers.StreamOptions{IncludeUsage: true},
	}
	if p.Cfg.RequestHook != nil {
		p.Cfg.RequestHook(n, &body)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(p.Cfg.EndpointPath), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.buildHeaders(httpReq)

	client, release, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		release(true)
		p.health.RecordFailure()
		return nil, providers.WrapTransportError(err, p.Name())
	}
	if resp.StatusCode >= 400 {
		defer release(false)
		defer providers.SafeCloseBody(resp.Body)
		msg := providers.ReadErrorMessage(resp.Body)
		mapped := providers.MapHTTPError(resp.StatusCode, msg, p.Name())
		p.recordOutcome(mapped)
		return nil, mapped
	}
	p.health.RecordSuccess()

	// 会话在流结束后归还
	return p.streamSSE(ctx, resp.Body, model, release), nil
}

// streamSSE parses an SSE stream from an OpenAI-compatible API and
// forwards deltas as StreamChunks. The final chunk carries usage.
func (p *Provider) streamSSE(ctx context.Context, body io.ReadCloser, model string, release func(failed bool)) <-chan llm.StreamChunk {
	ch := make(chan llm.StreamChunk)
	go func() {
		defer release(false)
		defer body.Close()
		defer close(ch)

		var usage *llm.TokenUsage
		var finish llm.FinishReason

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
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				// 终止 chunk 携带 finish reason 与 usage
				final := llm.StreamChunk{
					Provider:     p.Name(),
					Model:        model,
					FinishReason: finish,
					Usage:        usage,
				}
				if final.FinishReason == "" {
					final.FinishReason = llm.FinishStop
				}
				select {
				case <-ctx.Done():
				case ch <- final:
				}
				return
			}

			var oaResp providers.OpenAICompatResponse
			if err := json.Unmarshal([]byte(data), &oaResp); err != nil {
				select {
				case <-ctx.Done():
				case ch <- llm.StreamChunk{Err: providers.WrapTransportError(err, p.Name())}:
				}
				return
			}

			if oaResp.Usage != nil {
				u := p.priceUsage(model, oaResp.Usage.PromptTokens, oaResp.Usage.CompletionTokens)
				usage = &u
			}

			for _, choice := range oaResp.Choices {
				if choice.FinishReason != "" {
					finish = providers.MapFinishReason(choice.FinishReason)
				}
				if choice.Delta == nil || choice.Delta.Content == "" {
					continue
				}
				select {
				case <-ctx.Done():
					return
				case ch <- llm.StreamChunk{
					Content:  choice.Delta.Content,
					Provider: p.Name(),
					Model:    model,
				}:
				}
			}
		}
	}()
	return ch
}

// ValidateConnection verifies the provider is reachable with the
// configured credentials.
func (p *Provider) ValidateConnection(ctx context.Context) (bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint(p.Cfg.ModelsEndpoint), nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	p.buildHeaders(httpReq)

	client, release, err := p.acquire(ctx)
	if err != nil {
		return false, err
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		release(true)
		return false, providers.WrapTransportError(err, p.Name())
	}
	defer release(false)
	defer providers.SafeCloseBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		msg := providers.ReadErrorMessage(resp.Body)
		return false, providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}
	return true, nil
}
