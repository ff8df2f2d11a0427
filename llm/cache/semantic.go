package cache

import (
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"time"
	"unicode"
)

// DefaultSimilarityThreshold 语义命中的最低余弦相似度
const DefaultSimilarityThreshold = 0.92

// embeddingDim 哈希词袋向量维度
const embeddingDim = 256

// SemanticIndex 近似语义索引.
// 不依赖外部 embedding 服务：用哈希词袋向量 + 余弦相似度做本地近似匹配。
// 阈值设得高 (0.92), 只命中措辞几乎一致的请求。
type SemanticIndex struct {
	mu        sync.RWMutex
	capacity  int
	threshold float64
	ttl       time.Duration
	entries   []semanticEntry
}

type semanticEntry struct {
	key       string // 对应精确缓存的全局键
	vector    [embeddingDim]float64
	model     string
	expiresAt time.Time
}

// NewSemanticIndex 创建语义索引.
// threshold<=0 时使用默认阈值。
func NewSemanticIndex(capacity int, threshold float64, ttl time.Duration) *SemanticIndex {
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}
	return &SemanticIndex{
		capacity:  capacity,
		threshold: threshold,
		ttl:       ttl,
	}
}

// Add 把请求文本加入索引, key 指向精确缓存条目.
func (s *SemanticIndex) Add(key, model, text string) {
	vec := embed(text)

	s.mu.Lock()
	defer s.mu.Unlock()

	// 容量满时淘汰最早的条目
	if len(s.entries) >= s.capacity && s.capacity > 0 {
		s.entries = s.entries[1:]
	}
	s.entries = append(s.entries, semanticEntry{
		key:       key,
		vector:    vec,
		model:     model,
		expiresAt: time.Now().Add(s.ttl),
	})
}

// Lookup 返回最相似且超过阈值的条目键.
// 只在相同模型的条目内匹配。
func (s *SemanticIndex) Lookup(model, text string) (key string, similarity float64, ok bool) {
	query := embed(text)
	now := time.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	best := -1.0
	for i := range s.entries {
		e := &s.entries[i]
		if e.model != model || now.After(e.expiresAt) {
			continue
		}
		sim := cosine(&query, &e.vector)
		if sim > best {
			best = sim
			key = e.key
		}
	}

	if best >= s.threshold {
		return key, best, true
	}
	return "", best, false
}

// Remove 删除指向给定键的条目.
func (s *SemanticIndex) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.key != key {
			kept = append(kept, e)
		}
	}
	s.entries = kept
}

// Len 返回索引中的条目数.
func (s *SemanticIndex) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// embed 把文本映射为哈希词袋向量.
// 每个词取 FNV 哈希落入固定桶, 最后做 L2 归一化。
func embed(text string) [embeddingDim]float64 {
	var vec [embeddingDim]float64

	for _, tok := range tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[h.Sum32()%embeddingDim]++
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}

// tokenize 小写分词: 字母数字连成词, CJK 按单字切分。
func tokenize(text string) []string {
	var tokens []string
	var b strings.Builder

	flush := func() {
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}

	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) && r < 0x2E80, unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.Is(unicode.Han, r):
			flush()
			tokens = append(tokens, string(r))
		default:
			flush()
		}
	}
	flush()
	return tokens
}

func cosine(a, b *[embeddingDim]float64) float64 {
	var dot float64
	for i := range a {
		dot += a[i] * b[i]
	}
	// 向量已归一化, 点积即余弦
	return dot
}
