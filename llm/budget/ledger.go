// Package budget 提供成本预算守卫与持久化用量台账。
package budget

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/docforge-ai/docforge/llm"
)

// UsageLog 一次 LLM 调用的用量记录
type UsageLog struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	RequestID        string    `gorm:"size:64;index" json:"request_id"`
	Provider         string    `gorm:"size:32;index:idx_provider_created" json:"provider"`
	Model            string    `gorm:"size:100" json:"model"`
	PromptTokens     int       `gorm:"default:0" json:"prompt_tokens"`
	CompletionTokens int       `gorm:"default:0" json:"completion_tokens"`
	TotalTokens      int       `gorm:"default:0" json:"total_tokens"`
	Cost             float64   `gorm:"type:decimal(12,8);default:0" json:"cost"` // USD
	Cached           bool      `gorm:"default:false" json:"cached"`              // 缓存命中不产生费用
	CreatedAt        time.Time `gorm:"index:idx_provider_created;index" json:"created_at"`
}

// TableName GORM 表名
func (UsageLog) TableName() string {
	return "usage_logs"
}

// ProviderSpend 按提供商聚合的消费
type ProviderSpend struct {
	Provider string  `json:"provider"`
	Requests int64   `json:"requests"`
	Tokens   int64   `json:"tokens"`
	Cost     float64 `json:"cost"`
}

// Ledger 持久化用量台账, 背靠 GORM (生产 SQLite, 测试 :memory:).
type Ledger struct {
	db *gorm.DB
}

// NewLedger 创建台账并自动迁移表结构.
func NewLedger(db *gorm.DB) (*Ledger, error) {
	if db == nil {
		return nil, fmt.Errorf("budget: nil database handle")
	}
	if err := db.AutoMigrate(&UsageLog{}); err != nil {
		return nil, fmt.Errorf("failed to auto migrate usage_logs: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Record 落库一条用量记录.
func (l *Ledger) Record(ctx context.Context, log *UsageLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}
	if err := l.db.WithContext(ctx).Create(log).Error; err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// SpentSince 统计 since 之后的总消费 (USD). 缓存命中不计费。
func (l *Ledger) SpentSince(ctx context.Context, since time.Time) (float64, error) {
	var total float64
	err := l.db.WithContext(ctx).
		Model(&UsageLog{}).
		Select("COALESCE(SUM(cost), 0)").
		Where("created_at >= ? AND cached = ?", since, false).
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum usage: %w", err)
	}
	return total, nil
}

// SpendByProvider 按提供商聚合 since 之后的消费.
func (l *Ledger) SpendByProvider(ctx context.Context, since time.Time) ([]ProviderSpend, error) {
	var out []ProviderSpend
	err := l.db.WithContext(ctx).
		Model(&UsageLog{}).
		Select("provider, COUNT(*) AS requests, COALESCE(SUM(total_tokens), 0) AS tokens, COALESCE(SUM(cost), 0) AS cost").
		Where("created_at >= ?", since).
		Group("provider").
		Order("cost DESC").
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage: %w", err)
	}
	return out, nil
}

// Recent 返回最近 n 条用量记录, 新的在前.
func (l *Ledger) Recent(ctx context.Context, n int) ([]UsageLog, error) {
	var out []UsageLog
	err := l.db.WithContext(ctx).
		Order("created_at DESC, id DESC").
		Limit(n).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}
	return out, nil
}

// logFromResponse 把统一响应转换为台账记录.
func logFromResponse(resp *llm.Response) *UsageLog {
	return &UsageLog{
		RequestID:        resp.RequestID,
		Provider:         resp.Provider,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		Cost:             resp.Usage.TotalCost,
		Cached:           resp.Cached,
	}
}
