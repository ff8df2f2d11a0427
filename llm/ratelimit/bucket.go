package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Bucket 令牌桶限流器, 用于平滑突发流量的场景
// (批处理 worker 向上游发请求时使用)。
type Bucket struct {
	limiter *rate.Limiter
}

// NewBucket 创建令牌桶: 每秒补充 perSecond 个令牌, 突发上限 burst.
func NewBucket(perSecond float64, burst int) *Bucket {
	return &Bucket{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Wait 阻塞直到获得令牌或 ctx 取消.
func (b *Bucket) Wait(ctx context.Context) error {
	return b.limiter.Wait(ctx)
}

// TryAcquire 非阻塞获取一个令牌.
func (b *Bucket) TryAcquire() bool {
	return b.limiter.Allow()
}
