package merge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/agentcore/config"
	"github.com/BaSui01/agentcore/internal/metrics"
	"github.com/BaSui01/agentcore/internal/retry"
	"github.com/BaSui01/agentcore/internal/telemetry"
	"github.com/BaSui01/agentcore/internal/tokenizer"
	"github.com/BaSui01/agentcore/types"
)

// synthesisInstruction 合成提示词前缀
const synthesisInstruction = `You are given several answers to the same question from different models.
Write one answer that reconciles any contradictions between them, keeps every
correct detail, and drops statements that the other answers refute.
Return only the final answer.`

// =============================================================================
// 🔀 Engine
// =============================================================================

// Engine 把多个模型回答合并为一个
type Engine struct {
	invoker types.ModelInvoker
	retryer *retry.Retryer
	counter tokenizer.Counter
	config  config.MergeConfig
	metrics *metrics.Collector
	logger  *zap.Logger
	now     func() time.Time
}

// EngineOption Engine 可选项
type EngineOption func(*Engine)

// WithRetryer 替换 synthesis 的重试器
func WithRetryer(r *retry.Retryer) EngineOption {
	return func(e *Engine) { e.retryer = r }
}

// WithTokenCounter 替换 token 估算器
func WithTokenCounter(c tokenizer.Counter) EngineOption {
	return func(e *Engine) { e.counter = c }
}

// WithMetrics 记录合并指标
func WithMetrics(c *metrics.Collector) EngineOption {
	return func(e *Engine) { e.metrics = c }
}

// NewEngine 创建合并引擎。invoker 为 nil 时 synthesis 直接走回退逻辑。
func NewEngine(cfg config.MergeConfig, invoker types.ModelInvoker, logger *zap.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := config.DefaultMergeConfig()
	if !Strategy(cfg.DefaultStrategy).Valid() {
		cfg.DefaultStrategy = def.DefaultStrategy
	}
	if cfg.SynthesisMaxAttempts <= 0 {
		cfg.SynthesisMaxAttempts = def.SynthesisMaxAttempts
	}

	e := &Engine{
		invoker: invoker,
		counter: tokenizer.NewEstimator(),
		config:  cfg,
		logger:  logger.With(zap.String("component", "merge")),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.retryer == nil {
		policy := retry.DefaultPolicy()
		policy.MaxAttempts = cfg.SynthesisMaxAttempts
		e.retryer = retry.New(policy, logger)
	}
	return e
}

// Merge 按策略合并回答
func (e *Engine) Merge(ctx context.Context, responses []Response, opts Options) (res *Result, err error) {
	if len(responses) == 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "at least one response is required")
	}
	strategy := opts.Strategy
	if strategy == "" {
		strategy = Strategy(e.config.DefaultStrategy)
	}
	if !strategy.Valid() {
		return nil, types.Errorf(types.ErrInvalidRequest, "unknown merge strategy %q", strategy)
	}

	ctx, span := telemetry.StartSpan(ctx, "merge", "merge."+string(strategy),
		attribute.Int("agentcore.responses", len(responses)))
	defer func() { telemetry.EndSpan(span, err) }()

	start := e.now()
	res = &Result{Strategy: strategy}
	for i := range responses {
		res.TotalTokens += responses[i].TokensUsed
	}

	if len(responses) == 1 {
		res.Content = responses[0].Content
		res.Sources = selected(responses, 0, 1)
		res.Confidence = responses[0].confidence()
		return e.finish(res, start), nil
	}

	var idx int
	switch strategy {
	case StrategyBest:
		idx, res.Sources, res.Confidence = mergeBest(responses, opts.PreferredModel)
	case StrategyConsensus:
		idx, res.Sources, res.Confidence = mergeConsensus(responses, e.config.ConsensusThreshold)
	case StrategyWeighted:
		idx, res.Sources, res.Confidence = mergeWeighted(responses, opts.Weights)
	case StrategyChain:
		idx, res.Sources, res.Confidence = mergeChain(responses)
	case StrategySynthesis:
		e.synthesize(ctx, responses, opts.TenantID, res)
		return e.finish(res, start), nil
	}
	res.Content = responses[idx].Content
	return e.finish(res, start), nil
}

func (e *Engine) finish(res *Result, start time.Time) *Result {
	res.Elapsed = e.now().Sub(start)
	e.metrics.RecordMerge(string(res.Strategy), res.Confidence, res.Fallback)
	return res
}

// synthesize 调用模型合成，失败或输出为空时回退到单一回答
func (e *Engine) synthesize(ctx context.Context, responses []Response, tenantID string, res *Result) {
	conf := 0.0
	for i := range responses {
		conf += responses[i].confidence()
	}
	conf /= float64(len(responses))

	if e.invoker != nil {
		prompt := synthesisPrompt(responses)
		reply, err := retry.Do(ctx, e.retryer, func(ctx context.Context) (*types.ModelResponse, error) {
			r, err := e.invoker.Invoke(ctx, tenantID, e.config.SynthesisModel, prompt)
			if err != nil {
				return nil, err
			}
			if r == nil || strings.TrimSpace(r.Content) == "" {
				return nil, types.NewError(types.ErrInternalError, "synthesis returned empty content")
			}
			return r, nil
		})
		if err == nil {
			tokens := reply.TokensUsed
			if tokens == 0 {
				tokens = e.counter.CountTokens(e.config.SynthesisModel, prompt) +
					e.counter.CountTokens(e.config.SynthesisModel, reply.Content)
			}
			res.Content = reply.Content
			res.TotalTokens += tokens
			res.Confidence = conf
			res.Sources = make([]Contribution, len(responses))
			for i := range responses {
				res.Sources[i] = Contribution{ModelID: responses[i].ModelID, Weight: 1 / float64(len(responses)), Selected: true}
			}
			return
		}
		e.logger.Warn("synthesis failed, falling back to best single response",
			zap.String("model", e.config.SynthesisModel),
			zap.String("tenant_id", tenantID),
			zap.Error(err))
	}

	idx := fallbackIndex(responses)
	res.Content = responses[idx].Content
	res.Sources = selected(responses, idx, 1)
	res.Confidence = responses[idx].confidence()
	res.Fallback = true
}

func synthesisPrompt(responses []Response) string {
	var b strings.Builder
	b.WriteString(synthesisInstruction)
	b.WriteString("\n\n")
	for i := range responses {
		fmt.Fprintf(&b, "### Answer %d (%s)\n%s\n\n", i+1, responses[i].ModelID, responses[i].Content)
	}
	return b.String()
}

// =============================================================================
// 📡 并发收集
// =============================================================================

// Collect 并发调用多个模型，返回成功的回答（保持 models 顺序）。全部失败时返回错误。
func (e *Engine) Collect(ctx context.Context, tenantID string, models []string, prompt string) ([]Response, error) {
	if e.invoker == nil {
		return nil, types.NewError(types.ErrInternalError, "no model invoker configured")
	}
	if len(models) == 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "at least one model is required")
	}

	slots := make([]*Response, len(models))
	errs := make([]error, len(models))
	var g errgroup.Group
	for i, model := range models {
		g.Go(func() error {
			start := e.now()
			reply, err := e.invoker.Invoke(ctx, tenantID, model, prompt)
			if err != nil {
				errs[i] = err
				e.logger.Warn("model call failed during collect",
					zap.String("model", model), zap.String("tenant_id", tenantID), zap.Error(err))
				return nil
			}
			tokens := reply.TokensUsed
			if tokens == 0 {
				tokens = e.counter.CountTokens(model, prompt) + e.counter.CountTokens(model, reply.Content)
			}
			slots[i] = &Response{
				ModelID:    model,
				Content:    reply.Content,
				TokensUsed: tokens,
				Latency:    e.now().Sub(start),
				Confidence: reply.Confidence,
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]Response, 0, len(models))
	for _, r := range slots {
		if r != nil {
			out = append(out, *r)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("all %d model calls failed: %w", len(models), errs[0])
	}
	return out, nil
}
