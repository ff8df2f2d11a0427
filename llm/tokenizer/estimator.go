package tokenizer

import "unicode"

// 估算比例: CJK 约 1.5 字符/token, 其余约 4 字符/token.
const (
	cjkCharsPerToken   = 1.5
	asciiCharsPerToken = 4.0
)

// Estimator 基于字符统计的估算计数器, 用于无 tiktoken 编码的模型.
// 结果偏保守 (略高估), 预检预算时安全。
type Estimator struct{}

// NewEstimator 创建估算计数器.
func NewEstimator() *Estimator {
	return &Estimator{}
}

// CountTokens 按字符类别估算 token 数.
func (e *Estimator) CountTokens(text string) (int, error) {
	var cjk, other int
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	n := int(float64(cjk)/cjkCharsPerToken + float64(other)/asciiCharsPerToken)
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n, nil
}

// CountMessages 估算消息列表的总开销.
func (e *Estimator) CountMessages(messages []Message) (int, error) {
	total := 0
	for _, m := range messages {
		total += tokensPerMessage
		n, _ := e.CountTokens(m.Role)
		total += n
		n, _ = e.CountTokens(m.Content)
		total += n
	}
	total += tokensPerReply
	return total, nil
}

// Name 返回计数器名称.
func (e *Estimator) Name() string {
	return "estimator"
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}
