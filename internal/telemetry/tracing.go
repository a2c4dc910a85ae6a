package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName 是各子系统 tracer/meter 的统一前缀
const InstrumentationName = "github.com/BaSui01/agentcore"

// =============================================================================
// 🔭 Span 辅助
// =============================================================================

// Tracer 返回子系统 tracer，始终从全局 provider 获取，Init 之后立即生效
func Tracer(subsystem string) trace.Tracer {
	return otel.Tracer(InstrumentationName + "/" + subsystem)
}

// StartSpan 启动 span 并附带属性
func StartSpan(ctx context.Context, subsystem, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer(subsystem).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan 记录错误并结束 span
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// ExecutionAttrs 构造执行相关的公共属性
func ExecutionAttrs(executionID, tenantID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("agentcore.execution_id", executionID),
		attribute.String("agentcore.tenant_id", tenantID),
	}
}

// =============================================================================
// 📈 OTel 计量
// =============================================================================

// Instruments 是通过 OTLP 导出的计数器，与 Prometheus 采集并行存在
type Instruments struct {
	iterations metric.Int64Counter
	tokens     metric.Int64Counter
}

// NewInstruments 在全局 MeterProvider 上创建计数器
func NewInstruments() (*Instruments, error) {
	meter := otel.Meter(InstrumentationName + "/orchestrator")

	iterations, err := meter.Int64Counter("agentcore.iterations",
		metric.WithDescription("Iterations executed by the state machine"))
	if err != nil {
		return nil, err
	}
	tokens, err := meter.Int64Counter("agentcore.tokens",
		metric.WithDescription("Tokens charged to executions"))
	if err != nil {
		return nil, err
	}
	return &Instruments{iterations: iterations, tokens: tokens}, nil
}

// RecordIteration 记录一次迭代；nil 接收者安全
func (i *Instruments) RecordIteration(ctx context.Context, phase string, tokens int64) {
	if i == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("phase", phase))
	i.iterations.Add(ctx, 1, attrs)
	if tokens > 0 {
		i.tokens.Add(ctx, tokens, attrs)
	}
}
