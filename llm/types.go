package llm

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role 消息角色
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message 表示一条对话消息.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// FinishReason 生成结束原因
type FinishReason string

const (
	FinishStop   FinishReason = "stop"
	FinishLength FinishReason = "length"
	FinishError  FinishReason = "error"
)

// 生成参数默认值，与各 Provider 的服务端默认对齐。
const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1024
	DefaultTopP        = 1.0
)

// Request 是统一的生成请求。构造后视为不可变：
// 所有组件只读取字段，规范化通过 Normalized() 返回副本完成。
type Request struct {
	RequestID        string            `json:"request_id"`
	Model            string            `json:"model"`
	Messages         []Message         `json:"messages"`
	Temperature      float64           `json:"temperature,omitempty"`
	MaxTokens        int               `json:"max_tokens,omitempty"`
	TopP             float64           `json:"top_p,omitempty"`
	FrequencyPenalty float64           `json:"frequency_penalty,omitempty"`
	PresencePenalty  float64           `json:"presence_penalty,omitempty"`
	Stream           bool              `json:"stream,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// NewRequest 创建带默认参数的请求。RequestID 自动生成。
func NewRequest(model string, messages []Message) *Request {
	return &Request{
		RequestID:   uuid.NewString(),
		Model:       model,
		Messages:    messages,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
		TopP:        DefaultTopP,
	}
}

// Validate 校验请求不变量：messages 非空、temperature ∈ [0,2]、top_p ∈ [0,1]。
func (r *Request) Validate() error {
	if r == nil {
		return fmt.Errorf("request is nil")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("request %s: messages must not be empty", r.RequestID)
	}
	for i, m := range r.Messages {
		if m.Role == "" {
			return fmt.Errorf("request %s: message %d has empty role", r.RequestID, i)
		}
	}
	if r.Temperature < 0 || r.Temperature > 2 {
		return fmt.Errorf("request %s: temperature %.2f out of range [0,2]", r.RequestID, r.Temperature)
	}
	if r.TopP < 0 || r.TopP > 1 {
		return fmt.Errorf("request %s: top_p %.2f out of range [0,1]", r.RequestID, r.TopP)
	}
	if r.MaxTokens < 0 {
		return fmt.Errorf("request %s: max_tokens must be >= 0", r.RequestID)
	}
	return nil
}

// Normalized 返回一份补齐默认值的副本，原请求不被修改。
// 缺失的 RequestID 在副本中生成。
func (r *Request) Normalized() *Request {
	cp := *r
	cp.Messages = append([]Message(nil), r.Messages...)
	if cp.RequestID == "" {
		cp.RequestID = uuid.NewString()
	}
	if cp.Temperature == 0 {
		cp.Temperature = DefaultTemperature
	}
	if cp.MaxTokens == 0 {
		cp.MaxTokens = DefaultMaxTokens
	}
	if cp.TopP == 0 {
		cp.TopP = DefaultTopP
	}
	return &cp
}

// PromptText 拼接全部消息文本，用于 token 估算与语义缓存特征。
func (r *Request) PromptText() string {
	var out string
	for _, m := range r.Messages {
		if out != "" {
			out += "\n"
		}
		out += m.Content
	}
	return out
}

// TokenUsage 记录一次调用的 token 消耗与对应费用（USD）。
// 由 Provider 按价目表在构造 Response 时一次性计算，之后不再修改。
type TokenUsage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	PromptCost       float64 `json:"prompt_cost"`
	CompletionCost   float64 `json:"completion_cost"`
	TotalCost        float64 `json:"total_cost"`
}

// Response 是统一的生成响应，创建后不可变（缓存命中计数除外，由缓存层自理）。
type Response struct {
	Content      string            `json:"content"`
	FinishReason FinishReason      `json:"finish_reason"`
	Model        string            `json:"model"`
	Provider     string            `json:"provider"`
	Usage        TokenUsage        `json:"usage"`
	RequestID    string            `json:"request_id"`
	Latency      time.Duration     `json:"latency"`
	QualityScore float64           `json:"quality_score,omitempty"`
	Cached       bool              `json:"cached,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// StreamChunk 是流式生成的增量片段。
// 最后一个 chunk 携带 FinishReason 与 Usage。
type StreamChunk struct {
	Content      string       `json:"content,omitempty"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
	Provider     string       `json:"provider,omitempty"`
	Model        string       `json:"model,omitempty"`
	Usage        *TokenUsage  `json:"usage,omitempty"`
	Err          *Error       `json:"error,omitempty"`
}
