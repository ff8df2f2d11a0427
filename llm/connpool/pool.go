// Package connpool 管理到各提供商端点的连接会话:
// min/max 边界、获取超时与空闲回收。
package connpool

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docforge-ai/docforge/internal/tlsutil"
)

var (
	ErrPoolClosed     = errors.New("connection pool closed")
	ErrAcquireTimeout = errors.New("connection acquire timeout")
)

// Conn 池中的一个会话.
// 承载独立的 http.Client (共享 TLS 配置, 独立连接复用)。
type Conn struct {
	ID        string
	Provider  string
	Client    *http.Client
	CreatedAt time.Time

	lastUsed time.Time
}

// Config 连接池配置
type Config struct {
	// MinConns 保活的最小连接数
	MinConns int
	// MaxConns 最大连接数, 超限的 Acquire 等待
	MaxConns int
	// AcquireTimeout 获取连接的最长等待时间
	AcquireTimeout time.Duration
	// IdleTimeout 空闲连接的回收阈值
	IdleTimeout time.Duration
	// RequestTimeout 每个连接上单次请求的超时
	RequestTimeout time.Duration
	// ReapInterval 空闲回收扫描间隔, <=0 关闭后台回收
	ReapInterval time.Duration
}

// DefaultConfig 返回默认连接池配置
func DefaultConfig() Config {
	return Config{
		MinConns:       1,
		MaxConns:       10,
		AcquireTimeout: 5 * time.Second,
		IdleTimeout:    10 * time.Minute,
		RequestTimeout: 60 * time.Second,
		ReapInterval:   time.Minute,
	}
}

// Pool 单个提供商的连接池.
// 空闲连接放在缓冲 channel 里, 等待获取的调用方直接在 channel 上排队。
type Pool struct {
	provider string
	config   Config
	logger   *zap.Logger

	free chan *Conn

	mu     sync.Mutex
	total  int // 已创建且未销毁的连接数
	closed bool

	stopReaper chan struct{}

	// 计量
	acquired  int64
	reclaimed int64
	timeouts  int64
}

// New 创建连接池并预热 MinConns 个连接.
func New(provider string, config Config, logger *zap.Logger) *Pool {
	if config.MaxConns <= 0 {
		config.MaxConns = 10
	}
	if config.MinConns < 0 {
		config.MinConns = 0
	}
	if config.MinConns > config.MaxConns {
		config.MinConns = config.MaxConns
	}
	if config.AcquireTimeout <= 0 {
		config.AcquireTimeout = 5 * time.Second
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		provider:   provider,
		config:     config,
		logger:     logger,
		free:       make(chan *Conn, config.MaxConns),
		stopReaper: make(chan struct{}),
	}

	// 预热
	for i := 0; i < config.MinConns; i++ {
		p.free <- p.newConn()
		p.total++
	}

	if config.ReapInterval > 0 {
		go p.reaperLoop()
	}

	return p
}

func (p *Pool) newConn() *Conn {
	return &Conn{
		ID:       uuid.NewString(),
		Provider: p.provider,
		Client: &http.Client{
			Timeout:   p.config.RequestTimeout,
			Transport: tlsutil.SecureTransport(2),
		},
		CreatedAt: time.Now(),
		lastUsed:  time.Now(),
	}
}

// Acquire 获取一个连接.
// 优先复用空闲连接; 未达 MaxConns 时新建; 池满时等待直到
// 有连接归还、ctx 取消或 AcquireTimeout。
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	select {
	case conn := <-p.free:
		p.acquired++
		p.mu.Unlock()
		return conn, nil
	default:
	}

	if p.total < p.config.MaxConns {
		p.total++
		p.acquired++
		p.mu.Unlock()
		return p.newConn(), nil
	}
	p.mu.Unlock()

	timer := time.NewTimer(p.config.AcquireTimeout)
	defer timer.Stop()

	select {
	case conn, ok := <-p.free:
		if !ok || conn == nil {
			return nil, ErrPoolClosed
		}
		p.mu.Lock()
		p.acquired++
		p.mu.Unlock()
		return conn, nil

	case <-ctx.Done():
		return nil, ctx.Err()

	case <-timer.C:
		p.mu.Lock()
		p.timeouts++
		p.mu.Unlock()
		return nil, ErrAcquireTimeout
	}
}

// Release 归还连接.
func (p *Pool) Release(conn *Conn) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	if p.closed {
		p.total--
		p.mu.Unlock()
		conn.Client.CloseIdleConnections()
		return
	}
	conn.lastUsed = time.Now()
	p.mu.Unlock()

	// 缓冲等于 MaxConns, 不会阻塞
	p.free <- conn
}

// Discard 销毁连接而不归还 (请求失败后连接状态存疑时用).
func (p *Pool) Discard(conn *Conn) {
	if conn == nil {
		return
	}
	conn.Client.CloseIdleConnections()

	p.mu.Lock()
	p.total--
	p.mu.Unlock()
}

// ReapIdle 回收空闲超时的连接, 总数不低于 MinConns.
// 由后台循环周期调用, 也可手动触发。
func (p *Pool) ReapIdle() int {
	cutoff := time.Now().Add(-p.config.IdleTimeout)
	var victims []*Conn

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0
	}

	// 把空闲连接全部摘下来检查, 留下的放回去
	var kept []*Conn
drain:
	for {
		select {
		case conn := <-p.free:
			if conn.lastUsed.Before(cutoff) && p.total-len(victims) > p.config.MinConns {
				victims = append(victims, conn)
			} else {
				kept = append(kept, conn)
			}
		default:
			break drain
		}
	}
	for _, conn := range kept {
		p.free <- conn
	}
	p.total -= len(victims)
	p.reclaimed += int64(len(victims))
	p.mu.Unlock()

	for _, conn := range victims {
		conn.Client.CloseIdleConnections()
	}

	if len(victims) > 0 {
		p.logger.Debug("reclaimed idle connections",
			zap.String("provider", p.provider),
			zap.Int("count", len(victims)))
	}
	return len(victims)
}

func (p *Pool) reaperLoop() {
	ticker := time.NewTicker(p.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.ReapIdle()
		case <-p.stopReaper:
			return
		}
	}
}

// Close 关闭连接池, 借出的连接在 Release 时销毁.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true

	var idle []*Conn
drain:
	for {
		select {
		case conn := <-p.free:
			idle = append(idle, conn)
		default:
			break drain
		}
	}
	p.total -= len(idle)
	p.mu.Unlock()

	close(p.stopReaper)
	for _, conn := range idle {
		conn.Client.CloseIdleConnections()
	}
}

// Stats 连接池统计
type Stats struct {
	Provider  string `json:"provider"`
	Total     int    `json:"total"`
	Idle      int    `json:"idle"`
	InUse     int    `json:"in_use"`
	MaxConns  int    `json:"max_conns"`
	Acquired  int64  `json:"acquired"`
	Reclaimed int64  `json:"reclaimed"`
	Timeouts  int64  `json:"timeouts"`
}

// Stats 返回统计快照.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	idle := len(p.free)
	return Stats{
		Provider:  p.provider,
		Total:     p.total,
		Idle:      idle,
		InUse:     p.total - idle,
		MaxConns:  p.config.MaxConns,
		Acquired:  p.acquired,
		Reclaimed: p.reclaimed,
		Timeouts:  p.timeouts,
	}
}

// Manager 按提供商维护独立连接池.
type Manager struct {
	mu     sync.RWMutex
	pools  map[string]*Pool
	config Config
	logger *zap.Logger
}

// NewManager 创建连接池管理器.
func NewManager(config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		pools:  make(map[string]*Pool),
		config: config,
		logger: logger,
	}
}

// Pool 返回提供商的连接池, 首次访问时创建.
func (m *Manager) Pool(provider string) *Pool {
	m.mu.RLock()
	p, ok := m.pools[provider]
	m.mu.RUnlock()
	if ok {
		return p
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[provider]; ok {
		return p
	}
	p = New(provider, m.config, m.logger)
	m.pools[provider] = p
	return p
}

// StatsAll 返回全部池的统计.
func (m *Manager) StatsAll() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Stats, len(m.pools))
	for name, p := range m.pools {
		out[name] = p.Stats()
	}
	return out
}

// Close 关闭全部池.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pools {
		p.Close()
	}
}
