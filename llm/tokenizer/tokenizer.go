// Package tokenizer 提供预检用的 token 计数：
// OpenAI 家族模型走 tiktoken 精确计数，其余模型走字符估算。
package tokenizer

// Counter 是统一的 token 计数接口.
type Counter interface {
	// CountTokens 返回给定文本的 token 数.
	CountTokens(text string) (int, error)

	// CountMessages 返回消息列表的总 token 数,
	// 包括每条消息的角色标记与分隔符开销。
	CountMessages(messages []Message) (int, error)

	// Name 返回计数器名称.
	Name() string
}

// Message 是轻量消息结构, 避免与 llm 包循环依赖。
type Message struct {
	Role    string
	Content string
}

// ForModel 为给定模型选择计数器：已知 tiktoken 编码的模型用精确计数，
// 其余回退到字符估算。
func ForModel(model string) Counter {
	if t, ok := NewTiktokenCounter(model); ok {
		return t
	}
	return NewEstimator()
}
