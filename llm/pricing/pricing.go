// Package pricing 维护各提供商模型的价目表 (USD / 1K tokens)。
package pricing

import "sync"

// ModelPrice 模型价格
type ModelPrice struct {
	Provider    string
	Model       string
	PriceInput  float64 // USD per 1K tokens
	PriceOutput float64 // USD per 1K tokens
}

// Table 价目表, 线程安全
type Table struct {
	mu     sync.RWMutex
	prices map[string]*ModelPrice // key: provider:model
}

// NewTable 创建带默认价格的价目表
func NewTable() *Table {
	t := &Table{prices: make(map[string]*ModelPrice)}
	t.loadDefaults()
	return t
}

// loadDefaults 加载默认价格（可从配置覆盖）
func (t *Table) loadDefaults() {
	defaults := []ModelPrice{
		// OpenAI
		{Provider: "openai", Model: "gpt-4o", PriceInput: 0.005, PriceOutput: 0.015},
		{Provider: "openai", Model: "gpt-4o-mini", PriceInput: 0.00015, PriceOutput: 0.0006},
		{Provider: "openai", Model: "gpt-4-turbo", PriceInput: 0.01, PriceOutput: 0.03},
		{Provider: "openai", Model: "gpt-3.5-turbo", PriceInput: 0.0005, PriceOutput: 0.0015},
		// Anthropic
		{Provider: "anthropic", Model: "claude-3-5-sonnet-20241022", PriceInput: 0.003, PriceOutput: 0.015},
		{Provider: "anthropic", Model: "claude-3-opus-20240229", PriceInput: 0.015, PriceOutput: 0.075},
		{Provider: "anthropic", Model: "claude-3-haiku-20240307", PriceInput: 0.00025, PriceOutput: 0.00125},
		// Gemini
		{Provider: "gemini", Model: "gemini-1.5-pro", PriceInput: 0.00125, PriceOutput: 0.005},
		{Provider: "gemini", Model: "gemini-1.5-flash", PriceInput: 0.000075, PriceOutput: 0.0003},
		{Provider: "gemini", Model: "gemini-2.0-flash", PriceInput: 0.0001, PriceOutput: 0.0004},
		// 本地模型按零成本计
		{Provider: "local", Model: "*", PriceInput: 0, PriceOutput: 0},
	}
	for _, p := range defaults {
		t.Set(p.Provider, p.Model, p.PriceInput, p.PriceOutput)
	}
}

// Set 设置模型价格
func (t *Table) Set(provider, model string, priceInput, priceOutput float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prices[provider+":"+model] = &ModelPrice{
		Provider:    provider,
		Model:       model,
		PriceInput:  priceInput,
		PriceOutput: priceOutput,
	}
}

// Get 获取模型价格, 未登记的模型回退到 provider:* 通配条目
func (t *Table) Get(provider, model string) *ModelPrice {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if p, ok := t.prices[provider+":"+model]; ok {
		return p
	}
	return t.prices[provider+":*"]
}

// Cost 计算一次调用的成本 (USD).
// 未知模型返回 0, 调用方自行决定是否拒绝。
func (t *Table) Cost(provider, model string, tokensInput, tokensOutput int) float64 {
	in, out := t.Split(provider, model, tokensInput, tokensOutput)
	return in + out
}

// Split 分别返回输入与输出成本.
func (t *Table) Split(provider, model string, tokensInput, tokensOutput int) (inputCost, outputCost float64) {
	p := t.Get(provider, model)
	if p == nil {
		return 0, 0
	}
	return float64(tokensInput) / 1000 * p.PriceInput,
		float64(tokensOutput) / 1000 * p.PriceOutput
}

// Update 批量更新价格（从配置）
func (t *Table) Update(prices []ModelPrice) {
	for _, p := range prices {
		t.Set(p.Provider, p.Model, p.PriceInput, p.PriceOutput)
	}
}
