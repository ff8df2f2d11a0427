package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/docforge-ai/docforge/llm"
)

// keyMaterial 参与缓存键计算的请求字段.
// 字段集合固定：消息、模型与全部采样参数相同的请求视为同一请求，
// RequestID、元数据等易变字段不参与。
type keyMaterial struct {
	Messages         []llm.Message `json:"messages"`
	Model            string        `json:"model"`
	Temperature      float64       `json:"temperature"`
	MaxTokens        int           `json:"max_tokens"`
	TopP             float64       `json:"top_p"`
	FrequencyPenalty float64       `json:"frequency_penalty"`
	PresencePenalty  float64       `json:"presence_penalty"`
}

// Key 生成请求的全局缓存键.
// 对归一化后的请求做 sha256, 相同语义的请求产生相同键。
func Key(req *llm.Request) string {
	n := req.Normalized()
	data, _ := json.Marshal(keyMaterial{
		Messages:         n.Messages,
		Model:            n.Model,
		Temperature:      n.Temperature,
		MaxTokens:        n.MaxTokens,
		TopP:             n.TopP,
		FrequencyPenalty: n.FrequencyPenalty,
		PresencePenalty:  n.PresencePenalty,
	})
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// ProviderKey 生成提供商作用域的缓存键.
func ProviderKey(provider string, req *llm.Request) string {
	return provider + ":" + Key(req)
}
