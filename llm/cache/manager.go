package cache

import (
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Manager manages named cache instances so that independent call
// sites (documentation generation, review, synthesis) can tune
// capacity and TTL separately without sharing eviction pressure.
type Manager struct {
	mu     sync.RWMutex
	caches map[string]*ResponseCache
	rdb    *redis.Client
	logger *zap.Logger
}

// NewManager creates a cache manager. rdb may be nil.
func NewManager(rdb *redis.Client, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		caches: make(map[string]*ResponseCache),
		rdb:    rdb,
		logger: logger,
	}
}

// Get returns the named cache, creating it with config on first use.
// Subsequent calls ignore config and return the existing instance.
func (m *Manager) Get(name string, config *Config) *ResponseCache {
	m.mu.RLock()
	c, ok := m.caches[name]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.caches[name]; ok {
		return c
	}
	c = New(m.rdb, config, m.logger.Named("cache."+name))
	m.caches[name] = c
	return c
}

// Names returns the registered cache names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.caches))
	for name := range m.caches {
		names = append(names, name)
	}
	return names
}

// StatsAll returns stats for every registered cache.
func (m *Manager) StatsAll() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Stats, len(m.caches))
	for name, c := range m.caches {
		out[name] = c.Stats()
	}
	return out
}
