package llm

import (
	"sync"
	"time"
)

// 本地健康信号的参考值：连续 3 次失败置为不健康，5 分钟冷却后自动恢复。
const (
	DefaultUnhealthyThreshold = 3
	DefaultRecoveryCooldown   = 5 * time.Minute
)

// HealthTracker 维护单个 Provider 的本地健康状态。
// 成功清零失败计数；连续失败达到阈值置为不健康；冷却窗口过后
// 下一次检查乐观恢复。与 Fallback Manager 的熔断器相互独立，
// 熔断器才是路由的权威依据。
type HealthTracker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration

	healthy      bool
	failures     int
	lastFailure  time.Time
	lastRecovery time.Time
}

// NewHealthTracker 创建健康跟踪器，初始为健康。
func NewHealthTracker(threshold int, cooldown time.Duration) *HealthTracker {
	if threshold <= 0 {
		threshold = DefaultUnhealthyThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultRecoveryCooldown
	}
	return &HealthTracker{threshold: threshold, cooldown: cooldown, healthy: true}
}

// RecordSuccess 记录一次成功调用。
func (t *HealthTracker) RecordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = 0
	t.healthy = true
}

// RecordFailure 记录一次失败调用。
func (t *HealthTracker) RecordFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures++
	t.lastFailure = time.Now()
	if t.failures >= t.threshold {
		t.healthy = false
	}
}

// Healthy 返回当前健康信号，冷却窗口过后乐观恢复。
func (t *HealthTracker) Healthy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.healthy && time.Since(t.lastFailure) >= t.cooldown {
		t.healthy = true
		t.failures = 0
		t.lastRecovery = time.Now()
	}
	return t.healthy
}

// ConsecutiveFailures 返回当前连续失败次数。
func (t *HealthTracker) ConsecutiveFailures() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures
}

// LastFailure 返回最近一次失败时间（零值表示从未失败）。
func (t *HealthTracker) LastFailure() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastFailure
}
