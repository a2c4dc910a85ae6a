// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。nil *Collector 的记录方法为空操作。
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 执行指标
	executionsStarted   *prometheus.CounterVec
	executionsFinished  *prometheus.CounterVec
	phaseDuration       *prometheus.HistogramVec
	modelCost           *prometheus.CounterVec
	modelTokens         *prometheus.CounterVec
	statusTransitions   *prometheus.CounterVec
	timeoutSweepMatches prometheus.Counter

	// 调度指标
	dispatchTotal *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 归档指标
	archiveBytes     *prometheus.CounterVec
	archiveArtifacts *prometheus.CounterVec

	// 合并指标
	mergeTotal      *prometheus.CounterVec
	mergeConfidence *prometheus.HistogramVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// 执行指标
	c.executionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_started_total",
			Help:      "Total number of executions started",
		},
		[]string{"agent_id", "mode"},
	)

	c.executionsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_finished_total",
			Help:      "Total number of executions reaching a terminal status",
		},
		[]string{"status"},
	)

	c.phaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Duration of a single iteration phase in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"phase", "outcome"},
	)

	c.modelCost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_cost_usd_total",
			Help:      "Model spend charged to executions in USD",
		},
		[]string{"model"},
	)

	c.modelTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_tokens_total",
			Help:      "Tokens charged to executions",
		},
		[]string{"model", "source"},
	)

	c.statusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "execution_status_transitions_total",
			Help:      "Execution status transitions",
		},
		[]string{"from", "to"},
	)

	c.timeoutSweepMatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timeout_sweep_expired_total",
			Help:      "Executions expired by the wall-clock timeout sweep",
		},
	)

	// 调度指标
	c.dispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_messages_total",
			Help:      "Messages handed to the queue backend",
		},
		[]string{"queue", "type", "status"},
	)

	c.queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Approximate queue depth by state",
		},
		[]string{"queue", "state"},
	)

	// 缓存指标
	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"kind"},
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"kind"},
	)

	// 归档指标
	c.archiveBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_bytes_total",
			Help:      "Artifact bytes archived, original vs stored",
		},
		[]string{"backend", "kind"},
	)

	c.archiveArtifacts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_operations_total",
			Help:      "Archive operations by backend and result",
		},
		[]string{"operation", "backend", "status"},
	)

	// 合并指标
	c.mergeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_total",
			Help:      "Result merges by strategy",
		},
		[]string{"strategy", "fallback"},
	)

	c.mergeConfidence = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "merge_confidence",
			Help:      "Confidence of merged results",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		},
		[]string{"strategy"},
	)

	// 数据库指标
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.logger.Debug("metrics collector registered", zap.String("namespace", namespace))
	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 🔁 执行指标记录
// =============================================================================

// RecordExecutionStarted 记录执行创建
func (c *Collector) RecordExecutionStarted(agentID, mode string) {
	if c == nil {
		return
	}
	c.executionsStarted.WithLabelValues(agentID, mode).Inc()
}

// RecordExecutionFinished 记录执行进入终态
func (c *Collector) RecordExecutionFinished(status string) {
	if c == nil {
		return
	}
	c.executionsFinished.WithLabelValues(status).Inc()
}

// RecordPhase 记录单个阶段耗时，outcome 为 ok 或 error
func (c *Collector) RecordPhase(phase, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.phaseDuration.WithLabelValues(phase, outcome).Observe(duration.Seconds())
}

// RecordModelUsage 记录模型花费与 token；estimated 表示 token 由本地分词器估算
func (c *Collector) RecordModelUsage(model string, tokens int, cost float64, estimated bool) {
	if c == nil {
		return
	}
	source := "reported"
	if estimated {
		source = "estimated"
	}
	c.modelTokens.WithLabelValues(model, source).Add(float64(tokens))
	if cost > 0 {
		c.modelCost.WithLabelValues(model).Add(cost)
	}
}

// RecordStatusTransition 记录状态转换
func (c *Collector) RecordStatusTransition(from, to string) {
	if c == nil {
		return
	}
	c.statusTransitions.WithLabelValues(from, to).Inc()
}

// RecordTimeoutSweep 记录超时扫描命中数
func (c *Collector) RecordTimeoutSweep(expired int) {
	if c == nil {
		return
	}
	c.timeoutSweepMatches.Add(float64(expired))
}

// =============================================================================
// 📬 调度指标记录
// =============================================================================

// RecordDispatch 记录一次消息投递
func (c *Collector) RecordDispatch(queue, msgType string, success bool) {
	if c == nil {
		return
	}
	c.dispatchTotal.WithLabelValues(queue, msgType, outcome(success)).Inc()
}

// RecordQueueDepth 记录队列深度
func (c *Collector) RecordQueueDepth(queue string, visible, inFlight, delayed int64) {
	if c == nil {
		return
	}
	c.queueDepth.WithLabelValues(queue, "visible").Set(float64(visible))
	c.queueDepth.WithLabelValues(queue, "in_flight").Set(float64(inFlight))
	c.queueDepth.WithLabelValues(queue, "delayed").Set(float64(delayed))
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(kind string) {
	if c == nil {
		return
	}
	c.cacheHits.WithLabelValues(kind).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(kind string) {
	if c == nil {
		return
	}
	c.cacheMisses.WithLabelValues(kind).Inc()
}

// =============================================================================
// 🗄️ 归档指标记录
// =============================================================================

// RecordArchive 记录一次归档写入
func (c *Collector) RecordArchive(backend string, originalSize, storedSize int64, err error) {
	if c == nil {
		return
	}
	c.archiveArtifacts.WithLabelValues("archive", backend, outcome(err == nil)).Inc()
	if err != nil {
		return
	}
	c.archiveBytes.WithLabelValues(backend, "original").Add(float64(originalSize))
	c.archiveBytes.WithLabelValues(backend, "stored").Add(float64(storedSize))
}

// RecordArchiveOperation 记录 retrieve/delete/cleanup 等操作
func (c *Collector) RecordArchiveOperation(operation, backend string, err error) {
	if c == nil {
		return
	}
	c.archiveArtifacts.WithLabelValues(operation, backend, outcome(err == nil)).Inc()
}

// =============================================================================
// 🔀 合并指标记录
// =============================================================================

// RecordMerge 记录一次结果合并
func (c *Collector) RecordMerge(strategy string, confidence float64, fallback bool) {
	if c == nil {
		return
	}
	fb := "false"
	if fallback {
		fb = "true"
	}
	c.mergeTotal.WithLabelValues(strategy, fb).Inc()
	c.mergeConfidence.WithLabelValues(strategy).Observe(confidence)
}

// =============================================================================
// 🗃️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	if c == nil {
		return
	}
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
