package merge

import (
	"strings"
	"unicode"
)

// tokenSet 小写分词，仅保留长度大于 2 的词
func tokenSet(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if len([]rune(f)) > 2 {
			set[f] = struct{}{}
		}
	}
	return set
}

// jaccard 两个词集合的 Jaccard 相似度；两者皆空视为相同
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// meanSimilarities 每个回答与其余回答的平均相似度
func meanSimilarities(responses []Response) []float64 {
	sets := make([]map[string]struct{}, len(responses))
	for i := range responses {
		sets[i] = tokenSet(responses[i].Content)
	}
	n := len(responses)
	means := make([]float64, n)
	if n < 2 {
		for i := range means {
			means[i] = 1
		}
		return means
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			s := jaccard(sets[i], sets[j])
			means[i] += s
			means[j] += s
		}
	}
	for i := range means {
		means[i] /= float64(n - 1)
	}
	return means
}
