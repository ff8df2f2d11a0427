package tokenizer

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// modelEncodings 模型前缀到编码方案的映射.
var modelEncodings = map[string]string{
	"gpt-4o":        "o200k_base",
	"gpt-4.1":       "o200k_base",
	"o1":            "o200k_base",
	"o3":            "o200k_base",
	"gpt-4":         "cl100k_base",
	"gpt-3.5-turbo": "cl100k_base",
	"text-embedding": "cl100k_base",
}

// 每条消息的固定开销: <|start|>role\n ... <|end|>\n
const (
	tokensPerMessage = 4
	tokensPerReply   = 3
)

// TiktokenCounter 基于 tiktoken 的精确计数器.
type TiktokenCounter struct {
	model    string
	encoding string

	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
}

// NewTiktokenCounter 为模型创建精确计数器.
// 未知模型返回 ok=false, 调用方应回退到估算器。
func NewTiktokenCounter(model string) (*TiktokenCounter, bool) {
	enc, ok := encodingForModel(model)
	if !ok {
		return nil, false
	}
	return &TiktokenCounter{model: model, encoding: enc}, true
}

func encodingForModel(model string) (string, bool) {
	if enc, ok := modelEncodings[model]; ok {
		return enc, true
	}
	// 前缀匹配, 覆盖带日期后缀的模型名 (gpt-4o-2024-08-06 等)
	for prefix, enc := range modelEncodings {
		if strings.HasPrefix(model, prefix) {
			return enc, true
		}
	}
	return "", false
}

func (t *TiktokenCounter) init() {
	t.once.Do(func() {
		t.enc, t.initErr = tiktoken.GetEncoding(t.encoding)
	})
}

// CountTokens 精确计数.
func (t *TiktokenCounter) CountTokens(text string) (int, error) {
	t.init()
	if t.initErr != nil {
		return 0, t.initErr
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

// CountMessages 按 OpenAI chat 格式计数, 含每条消息的开销.
func (t *TiktokenCounter) CountMessages(messages []Message) (int, error) {
	t.init()
	if t.initErr != nil {
		return 0, t.initErr
	}
	total := 0
	for _, m := range messages {
		total += tokensPerMessage
		total += len(t.enc.Encode(m.Role, nil, nil))
		total += len(t.enc.Encode(m.Content, nil, nil))
	}
	total += tokensPerReply
	return total, nil
}

// Name 返回计数器名称.
func (t *TiktokenCounter) Name() string {
	return "tiktoken/" + t.encoding
}
