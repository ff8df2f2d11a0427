// Package observability 为 LLM 调用提供 OpenTelemetry 追踪.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/docforge-ai/docforge/llm"
)

// Tracer 在适配器入口处为每次生成/合成打 span.
// 具体导出后端 (OTLP 等) 由调用方注入的 TracerProvider 决定。
type Tracer struct {
	tracer oteltrace.Tracer
	logger *zap.Logger
}

// NewTracer 创建追踪器. provider 为 nil 时用 noop, 所有 span 零开销。
func NewTracer(serviceName string, provider oteltrace.TracerProvider, logger *zap.Logger) *Tracer {
	if provider == nil {
		provider = noop.NewTracerProvider()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracer{
		tracer: provider.Tracer(serviceName),
		logger: logger.With(zap.String("component", "tracer")),
	}
}

// StartGeneration 为一次生成开启 span.
func (t *Tracer) StartGeneration(ctx context.Context, op string, req *llm.Request) (context.Context, oteltrace.Span) {
	ctx, span := t.tracer.Start(ctx, op)
	span.SetAttributes(
		attribute.String("llm.request_id", req.RequestID),
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.max_tokens", req.MaxTokens),
		attribute.Float64("llm.temperature", req.Temperature),
		attribute.Int("llm.message_count", len(req.Messages)),
	)
	return ctx, span
}

// EndGeneration 收尾 span: 记录响应属性或错误状态.
func (t *Tracer) EndGeneration(span oteltrace.Span, resp *llm.Response, err error) {
	defer span.End()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	if resp == nil {
		return
	}
	span.SetAttributes(
		attribute.String("llm.provider", resp.Provider),
		attribute.String("llm.response_model", resp.Model),
		attribute.String("llm.finish_reason", string(resp.FinishReason)),
		attribute.Int("llm.prompt_tokens", resp.Usage.PromptTokens),
		attribute.Int("llm.completion_tokens", resp.Usage.CompletionTokens),
		attribute.Float64("llm.cost_usd", resp.Usage.TotalCost),
		attribute.Bool("llm.cached", resp.Cached),
	)
	span.SetStatus(codes.Ok, "")
}

// TraceGenerate 把一次生成包进 span.
func (t *Tracer) TraceGenerate(ctx context.Context, op string, req *llm.Request, fn func(context.Context) (*llm.Response, error)) (*llm.Response, error) {
	ctx, span := t.StartGeneration(ctx, op, req)
	resp, err := fn(ctx)
	t.EndGeneration(span, resp, err)
	return resp, err
}
