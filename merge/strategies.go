package merge

import (
	"math"
	"time"
)

// =============================================================================
// 🧮 确定性策略
// =============================================================================

// selected 选中 idx，其余平分 rest；只有一个回答时贡献为 1
func selected(responses []Response, idx int, weight float64) []Contribution {
	out := make([]Contribution, len(responses))
	if len(responses) == 1 {
		weight = 1
	}
	rest := 0.0
	if len(responses) > 1 {
		rest = (1 - weight) / float64(len(responses)-1)
	}
	for i := range responses {
		out[i] = Contribution{ModelID: responses[i].ModelID, Weight: rest}
	}
	out[idx].Weight = weight
	out[idx].Selected = true
	return out
}

// latencyMillis 延迟不足 1ms 按 1ms 计
func latencyMillis(d time.Duration) float64 {
	ms := float64(d) / float64(time.Millisecond)
	if ms < 1 {
		return 1
	}
	return ms
}

func mergeBest(responses []Response, preferred string) (int, []Contribution, float64) {
	idx := -1
	if preferred != "" {
		for i := range responses {
			if responses[i].ModelID == preferred {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		bestScore := math.Inf(-1)
		for i := range responses {
			score := responses[i].confidence() / latencyMillis(responses[i].Latency)
			if score > bestScore {
				bestScore = score
				idx = i
			}
		}
	}
	return idx, selected(responses, idx, 1), responses[idx].confidence()
}

func mergeConsensus(responses []Response, threshold float64) (int, []Contribution, float64) {
	means := meanSimilarities(responses)
	idx := 0
	for i := range means {
		if means[i] > means[idx] {
			idx = i
		}
	}
	return idx, selected(responses, idx, 0.8), math.Max(threshold, means[idx])
}

func mergeWeighted(responses []Response, weights map[string]float64) (int, []Contribution, float64) {
	w := make([]float64, len(responses))
	sum := 0.0
	for i := range responses {
		w[i] = 1.0
		if v, ok := weights[responses[i].ModelID]; ok && v >= 0 {
			w[i] = v
		}
		sum += w[i]
	}

	idx := 0
	bestScore := math.Inf(-1)
	for i := range responses {
		score := responses[i].confidence() * w[i]
		if score > bestScore {
			bestScore = score
			idx = i
		}
	}

	out := make([]Contribution, len(responses))
	for i := range responses {
		share := 1 / float64(len(responses))
		if sum > 0 {
			share = w[i] / sum
		}
		out[i] = Contribution{ModelID: responses[i].ModelID, Weight: share, Selected: i == idx}
	}
	return idx, out, responses[idx].confidence()
}

func mergeChain(responses []Response) (int, []Contribution, float64) {
	idx := len(responses) - 1
	return idx, selected(responses, idx, 0.6), responses[idx].confidence()
}

// fallbackIndex synthesis 失败时按 confidence × log(len+1) 选择
func fallbackIndex(responses []Response) int {
	idx := 0
	bestScore := math.Inf(-1)
	for i := range responses {
		score := responses[i].confidence() * math.Log(float64(len(responses[i].Content))+1)
		if score > bestScore {
			bestScore = score
			idx = i
		}
	}
	return idx
}
