// Package ratelimit 提供提供商侧的请求限流：
// 60 秒滑动窗口 RPM 限制, 可选的每日请求配额。
package ratelimit

import (
	"sync"
	"time"
)

// Limiter 滑动窗口限流器.
// 线程安全, 每个提供商持有一个实例。
type Limiter struct {
	mu sync.Mutex

	rpm      int // 每分钟请求上限, <=0 表示不限
	dailyCap int // 每日请求上限, <=0 表示不限

	window []time.Time // 最近 60 秒内的请求时间戳

	dayStart time.Time
	dayCount int

	now func() time.Time // 测试注入
}

// Result 描述一次限流判定.
type Result struct {
	Allowed bool
	// RetryAfter 拒绝时建议的等待时间.
	RetryAfter time.Duration
	// DailyExhausted 为 true 表示当日配额已用尽而非窗口超限.
	DailyExhausted bool
}

// New 创建限流器.
func New(rpm, dailyCap int) *Limiter {
	return &Limiter{
		rpm:      rpm,
		dailyCap: dailyCap,
		now:      time.Now,
	}
}

// Allow 判定并记录一次请求.
// 允许时计入窗口与当日计数, 拒绝时不计入。
func (l *Limiter) Allow() Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.rollDay(now)
	l.evict(now)

	if l.dailyCap > 0 && l.dayCount >= l.dailyCap {
		return Result{
			Allowed:        false,
			RetryAfter:     l.untilNextDay(now),
			DailyExhausted: true,
		}
	}

	if l.rpm > 0 && len(l.window) >= l.rpm {
		// 最早的请求滑出窗口后才会腾出名额
		oldest := l.window[0]
		return Result{
			Allowed:    false,
			RetryAfter: oldest.Add(time.Minute).Sub(now),
		}
	}

	l.window = append(l.window, now)
	l.dayCount++
	return Result{Allowed: true}
}

// InWindow 返回当前窗口内的请求数.
func (l *Limiter) InWindow() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evict(l.now())
	return len(l.window)
}

// Today 返回当日已计入的请求数.
func (l *Limiter) Today() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollDay(l.now())
	return l.dayCount
}

func (l *Limiter) evict(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(l.window) && !l.window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.window = append(l.window[:0], l.window[i:]...)
	}
}

func (l *Limiter) rollDay(now time.Time) {
	day := now.Truncate(24 * time.Hour)
	if !day.Equal(l.dayStart) {
		l.dayStart = day
		l.dayCount = 0
	}
}

func (l *Limiter) untilNextDay(now time.Time) time.Duration {
	return l.dayStart.Add(24 * time.Hour).Sub(now)
}
