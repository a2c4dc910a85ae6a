package merge

import "time"

// Strategy 合并策略
type Strategy string

const (
	StrategyBest      Strategy = "best"
	StrategyConsensus Strategy = "consensus"
	StrategyWeighted  Strategy = "weighted"
	StrategyChain     Strategy = "chain"
	StrategySynthesis Strategy = "synthesis"
)

// Valid 检查策略名
func (s Strategy) Valid() bool {
	switch s {
	case StrategyBest, StrategyConsensus, StrategyWeighted, StrategyChain, StrategySynthesis:
		return true
	default:
		return false
	}
}

// DefaultConfidence 未提供置信度时使用
const DefaultConfidence = 0.5

// Response 单个模型的回答
type Response struct {
	ModelID    string        `json:"model_id"`
	Content    string        `json:"content"`
	TokensUsed int           `json:"tokens_used"`
	Latency    time.Duration `json:"latency"`
	Confidence *float64      `json:"confidence,omitempty"`
}

// confidence 返回置信度，缺省为 0.5
func (r *Response) confidence() float64 {
	if r.Confidence == nil {
		return DefaultConfidence
	}
	return *r.Confidence
}

// Contribution 单个来源对结果的贡献
type Contribution struct {
	ModelID  string  `json:"model_id"`
	Weight   float64 `json:"weight"`
	Selected bool    `json:"selected"`
}

// Result 合并结果。Sources 的 Weight 之和为 1。
type Result struct {
	Content     string         `json:"content"`
	Sources     []Contribution `json:"sources"`
	Strategy    Strategy       `json:"strategy"`
	TotalTokens int            `json:"total_tokens"`
	Elapsed     time.Duration  `json:"elapsed"`
	Confidence  float64        `json:"confidence"`
	// Fallback synthesis 失败后退回单一回答
	Fallback bool `json:"fallback,omitempty"`
}

// Options 单次合并参数
type Options struct {
	Strategy Strategy
	// TenantID synthesis 调用模型时使用
	TenantID string
	// PreferredModel best 策略优先选择的模型
	PreferredModel string
	// Weights weighted 策略的模型权重，缺省 1.0
	Weights map[string]float64
}
