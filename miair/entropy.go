// Package miair 实现基于香农熵的文档打分与迭代精炼循环,
// 是 LLM 适配器在仓库内的主要消费方。
package miair

import (
	"math"
	"strings"
	"unicode"
)

// Score 一篇文档的统计评分
type Score struct {
	// Entropy 词分布香农熵 (bits)
	Entropy float64 `json:"entropy"`
	// NormalizedEntropy 熵除以均匀分布上界, 0..1
	NormalizedEntropy float64 `json:"normalized_entropy"`
	// Redundancy 1 - NormalizedEntropy, 越高越啰嗦
	Redundancy float64 `json:"redundancy"`
	// Words 词数
	Words int `json:"words"`
	// Sentences 句数
	Sentences int `json:"sentences"`
	// Quality 0..1 综合质量分
	Quality float64 `json:"quality"`
}

// ScoreDocument 对文档做一次纯统计评分, 不发起任何 LLM 调用.
//
// 质量分由三部分组成: 词汇多样性 (归一化熵), 句长合理度,
// 以及篇幅饱和项。空文档得零分。
func ScoreDocument(text string) Score {
	words := tokenize(text)
	if len(words) == 0 {
		return Score{}
	}

	freq := make(map[string]int, len(words))
	for _, w := range words {
		freq[w]++
	}

	var entropy float64
	total := float64(len(words))
	for _, n := range freq {
		p := float64(n) / total
		entropy -= p * math.Log2(p)
	}

	// 均匀分布上界 log2(vocab); 单词汇文档熵为 0
	var normalized float64
	if len(freq) > 1 {
		normalized = entropy / math.Log2(float64(len(freq)))
	}

	sentences := countSentences(text)
	score := Score{
		Entropy:           entropy,
		NormalizedEntropy: normalized,
		Redundancy:        1 - normalized,
		Words:             len(words),
		Sentences:         sentences,
	}
	score.Quality = quality(score)
	return score
}

// quality 综合质量启发式.
func quality(s Score) float64 {
	if s.Words == 0 {
		return 0
	}

	// 词汇多样性: 归一化熵直接计入
	diversity := s.NormalizedEntropy

	// 句长合理度: 每句 8~30 词视为可读, 两侧线性衰减
	sentenceLen := float64(s.Words)
	if s.Sentences > 0 {
		sentenceLen = float64(s.Words) / float64(s.Sentences)
	}
	var readability float64
	switch {
	case sentenceLen >= 8 && sentenceLen <= 30:
		readability = 1
	case sentenceLen < 8:
		readability = sentenceLen / 8
	default:
		readability = math.Max(0, 1-(sentenceLen-30)/30)
	}

	// 篇幅饱和项: 过短的文档信息量不足
	length := float64(s.Words) / (float64(s.Words) + 50)

	return 0.5*diversity + 0.3*readability + 0.2*length
}

func tokenize(text string) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, strings.ToLower(cur.String()))
			cur.Reset()
		}
	}
	for _, r := range text {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			cur.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return out
}

func countSentences(text string) int {
	n := 0
	for _, r := range text {
		switch r {
		case '.', '!', '?', '。', '！', '？':
			n++
		}
	}
	return n
}
