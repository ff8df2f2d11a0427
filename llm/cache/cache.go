// Package cache 实现响应缓存：
// 本地 LRU 精确层 (全局键 + 提供商作用域键)、可选 Redis 层与近似语义层。
// 查找顺序：全局精确 -> 提供商精确 -> Redis -> 语义。
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/docforge-ai/docforge/llm"
)

var ErrCacheMiss = errors.New("cache miss")

// Config 缓存配置
type Config struct {
	MaxEntries        int           // 精确层最大条目数
	TTL               time.Duration // 本地条目 TTL
	RedisTTL          time.Duration // Redis 条目 TTL
	EnableSemantic    bool          // 是否启用语义层
	SemanticThreshold float64       // 语义命中阈值
	EnableRedis       bool          // 是否启用 Redis 层
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		MaxEntries:        1000,
		TTL:               30 * time.Minute,
		RedisTTL:          time.Hour,
		EnableSemantic:    true,
		SemanticThreshold: DefaultSimilarityThreshold,
	}
}

// Stats 缓存统计快照
type Stats struct {
	ExactHits    int64   `json:"exact_hits"`
	ProviderHits int64   `json:"provider_hits"`
	RedisHits    int64   `json:"redis_hits"`
	SemanticHits int64   `json:"semantic_hits"`
	Misses       int64   `json:"misses"`
	Stores       int64   `json:"stores"`
	HitRate      float64 `json:"hit_rate"`
	Size         int     `json:"size"`
	Capacity     int     `json:"capacity"`
	TokensSaved  int64   `json:"tokens_saved"`
	CostSaved    float64 `json:"cost_saved"`
}

// ResponseCache 多层响应缓存
type ResponseCache struct {
	exact    *LRUCache
	semantic *SemanticIndex
	redis    *redis.Client
	config   *Config
	logger   *zap.Logger

	mu          sync.Mutex
	stats       Stats
	tokensSaved int64
	costSaved   float64
}

// New 创建响应缓存.
// rdb 可为 nil (纯本地模式)。
func New(rdb *redis.Client, config *Config, logger *zap.Logger) *ResponseCache {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var semantic *SemanticIndex
	if config.EnableSemantic {
		semantic = NewSemanticIndex(config.MaxEntries, config.SemanticThreshold, config.TTL)
	}

	return &ResponseCache{
		exact:    NewLRUCache(config.MaxEntries, config.TTL),
		semantic: semantic,
		redis:    rdb,
		config:   config,
		logger:   logger,
	}
}

// Get 按层级查找缓存的响应.
// provider 为空时跳过提供商作用域层。命中时返回 Cached=true 的副本。
func (c *ResponseCache) Get(ctx context.Context, provider string, req *llm.Request) (*llm.Response, bool) {
	key := Key(req)

	// 1. 全局精确层
	if entry, ok := c.exact.Get(key); ok {
		c.recordHit(&c.stats.ExactHits, entry)
		c.logger.Debug("cache hit (exact)", zap.String("key", key))
		return cachedCopy(entry.Response), true
	}

	// 2. 提供商作用域精确层
	if provider != "" {
		if entry, ok := c.exact.Get(ProviderKey(provider, req)); ok {
			c.recordHit(&c.stats.ProviderHits, entry)
			c.logger.Debug("cache hit (provider)",
				zap.String("provider", provider),
				zap.String("key", key))
			return cachedCopy(entry.Response), true
		}
	}

	// 3. Redis 层
	if c.config.EnableRedis && c.redis != nil {
		if entry := c.redisGet(ctx, key); entry != nil {
			// 回填本地缓存
			c.exact.Set(key, entry)
			c.recordHit(&c.stats.RedisHits, entry)
			c.logger.Debug("cache hit (redis)", zap.String("key", key))
			return cachedCopy(entry.Response), true
		}
	}

	// 4. 语义层
	if c.semantic != nil {
		if hitKey, sim, ok := c.semantic.Lookup(req.Normalized().Model, req.PromptText()); ok {
			if entry, ok := c.exact.Get(hitKey); ok {
				c.recordHit(&c.stats.SemanticHits, entry)
				c.logger.Debug("cache hit (semantic)",
					zap.String("key", hitKey),
					zap.Float64("similarity", sim))
				return cachedCopy(entry.Response), true
			}
			// 精确层条目已被淘汰, 索引条目作废
			c.semantic.Remove(hitKey)
		}
	}

	c.mu.Lock()
	c.stats.Misses++
	c.mu.Unlock()
	return nil, false
}

// Set 写入缓存.
// 同时写全局键与提供商作用域键, 并登记到语义索引与 Redis。
// 流式响应与空内容不缓存。
func (c *ResponseCache) Set(ctx context.Context, provider string, req *llm.Request, resp *llm.Response) error {
	if req.Stream || resp == nil || resp.Content == "" {
		return nil
	}

	key := Key(req)
	entry := &Entry{
		Response:  resp,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(c.config.TTL),
	}
	entry.TokensSaved = resp.Usage.TotalTokens
	entry.CostSaved = resp.Usage.TotalCost

	c.exact.Set(key, entry)
	if provider != "" {
		c.exact.Set(ProviderKey(provider, req), entry)
	}

	if c.semantic != nil {
		c.semantic.Add(key, req.Normalized().Model, req.PromptText())
	}

	if c.config.EnableRedis && c.redis != nil {
		if err := c.redisSet(ctx, key, entry); err != nil {
			c.logger.Warn("redis set error", zap.Error(err))
		}
	}

	c.mu.Lock()
	c.stats.Stores++
	c.mu.Unlock()

	c.logger.Debug("cache set", zap.String("key", key))
	return nil
}

// Invalidate 删除请求对应的缓存条目.
func (c *ResponseCache) Invalidate(ctx context.Context, provider string, req *llm.Request) error {
	key := Key(req)

	c.exact.Delete(key)
	if provider != "" {
		c.exact.Delete(ProviderKey(provider, req))
	}
	if c.semantic != nil {
		c.semantic.Remove(key)
	}
	if c.config.EnableRedis && c.redis != nil {
		return c.redis.Del(ctx, c.redisKey(key)).Err()
	}
	return nil
}

// Clear 清空全部缓存层.
func (c *ResponseCache) Clear() {
	c.exact.Clear()
	if c.semantic != nil {
		c.semantic = NewSemanticIndex(c.config.MaxEntries, c.config.SemanticThreshold, c.config.TTL)
	}

	c.mu.Lock()
	c.stats = Stats{}
	c.tokensSaved = 0
	c.costSaved = 0
	c.mu.Unlock()
}

// Stats 返回统计快照.
func (c *ResponseCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Size, s.Capacity = c.exact.Stats()
	s.TokensSaved = c.tokensSaved
	s.CostSaved = c.costSaved

	hits := s.ExactHits + s.ProviderHits + s.RedisHits + s.SemanticHits
	if total := hits + s.Misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}

func (c *ResponseCache) recordHit(counter *int64, entry *Entry) {
	c.mu.Lock()
	*counter++
	c.tokensSaved += int64(entry.TokensSaved)
	c.costSaved += entry.CostSaved
	c.mu.Unlock()
}

func (c *ResponseCache) redisKey(key string) string {
	return "llm:response_cache:" + key
}

func (c *ResponseCache) redisGet(ctx context.Context, key string) *Entry {
	data, err := c.redis.Get(ctx, c.redisKey(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("redis get error", zap.Error(err))
		}
		return nil
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil
	}
	return &entry
}

func (c *ResponseCache) redisSet(ctx context.Context, key string, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.redis.Set(ctx, c.redisKey(key), data, c.config.RedisTTL).Err()
}

// cachedCopy 返回标记为缓存命中的响应副本.
func cachedCopy(resp *llm.Response) *llm.Response {
	cp := *resp
	cp.Cached = true
	cp.Latency = 0
	return &cp
}
