// Package circuitbreaker 实现每提供商一个实例的熔断器状态机。
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态（正常工作）
	StateClosed State = iota
	// StateOpen 打开状态（熔断中）
	StateOpen
	// StateHalfOpen 半开状态（试探性恢复）
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// ErrCircuitOpen 熔断中, 调用被拒绝
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config 熔断器配置
type Config struct {
	// Threshold 连续失败次数阈值（触发熔断）
	Threshold int

	// ResetTimeout 熔断恢复等待时间（从 Open -> HalfOpen）
	ResetTimeout time.Duration

	// OnStateChange 状态变更回调
	OnStateChange func(from State, to State)
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Threshold:    5,
		ResetTimeout: 60 * time.Second,
	}
}

// Breaker 熔断器.
// 半开状态只放行一个探测请求：成功则关闭, 失败则重新打开。
type Breaker struct {
	config *Config
	logger *zap.Logger

	mu              sync.Mutex
	state           State
	failureCount    int
	lastFailureTime time.Time
	probeInFlight   bool

	now func() time.Time // 测试注入
}

// New 创建熔断器
func New(config *Config, logger *zap.Logger) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Threshold <= 0 {
		config.Threshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Breaker{
		config: config,
		logger: logger,
		state:  StateClosed,
		now:    time.Now,
	}
}

// Allow 调用前检查.
// 返回 nil 表示放行, 放行后调用方必须用 RecordSuccess/RecordFailure 上报结果。
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if b.now().Sub(b.lastFailureTime) >= b.config.ResetTimeout {
			b.setState(StateHalfOpen)
			b.probeInFlight = true
			b.logger.Info("熔断器进入半开状态")
			return nil
		}
		return ErrCircuitOpen

	case StateHalfOpen:
		// 半开状态只允许一个在途探测
		if b.probeInFlight {
			return ErrCircuitOpen
		}
		b.probeInFlight = true
		return nil

	default:
		return ErrCircuitOpen
	}
}

// RecordSuccess 上报一次成功调用
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount = 0

	case StateHalfOpen:
		b.logger.Info("熔断器恢复正常")
		b.setState(StateClosed)
		b.failureCount = 0
		b.probeInFlight = false
	}
}

// RecordFailure 上报一次失败调用
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureTime = b.now()

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.config.Threshold {
			b.logger.Warn("熔断器打开",
				zap.Int("failure_count", b.failureCount),
				zap.Int("threshold", b.config.Threshold),
			)
			b.setState(StateOpen)
		}

	case StateHalfOpen:
		// 探测失败, 重新打开
		b.logger.Warn("熔断器半开探测失败，重新打开")
		b.setState(StateOpen)
		b.probeInFlight = false
	}
}

// State 获取当前状态
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// NextRetryAt 返回打开状态下一次允许探测的时间.
// 非打开状态返回零值。
func (b *Breaker) NextRetryAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return time.Time{}
	}
	return b.lastFailureTime.Add(b.config.ResetTimeout)
}

// Reset 重置熔断器（手动恢复）
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	oldState := b.state
	b.state = StateClosed
	b.failureCount = 0
	b.probeInFlight = false

	b.logger.Info("熔断器已重置",
		zap.String("from_state", oldState.String()),
	)

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(oldState, StateClosed)
	}
}

// setState 设置状态并触发回调, 调用方持锁
func (b *Breaker) setState(newState State) {
	oldState := b.state
	b.state = newState

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(oldState, newState)
	}
}
