package llm

import (
	"context"
)

// Provider 定义了统一的 LLM 适配接口，便于路由、降级与监控。
// 各后端（OpenAI 兼容、Anthropic、Gemini、本地模型）把自己的线协议
// 翻译成 Request/Response，并把 HTTP 错误映射到统一错误码（见 errors.go）。
type Provider interface {
	// Name 返回 Provider 的唯一标识
	Name() string

	// Generate 发起同步生成请求，返回完整响应
	Generate(ctx context.Context, req *Request) (*Response, error)

	// GenerateStream 发起流式生成请求，返回增量响应通道。
	// 最后一个 chunk 携带 FinishReason 与 Usage。
	GenerateStream(ctx context.Context, req *Request) (<-chan StreamChunk, error)

	// EstimateCost 按价目表预估请求成本（USD），用于预算预检与成本排序，
	// 不发起网络调用。
	EstimateCost(req *Request) (float64, error)

	// Models 返回该 Provider 配置的可用模型列表
	Models() []string

	// DefaultModel 返回模型缺失/不可用时的降级模型
	DefaultModel() string

	// ValidateConnection 执行轻量级探活
	ValidateConnection(ctx context.Context) (bool, error)

	// Healthy 返回 Provider 的本地健康信号。
	// 这是乐观信号，路由决策以 Fallback Manager 的熔断器为准。
	Healthy() bool
}
