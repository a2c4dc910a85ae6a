package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/BaSui01/agentcore/archive"
	"github.com/BaSui01/agentcore/dispatch"
	"github.com/BaSui01/agentcore/internal/cache"
	"github.com/BaSui01/agentcore/types"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 运维统计 Handler
// =============================================================================

// QueueMetricsSource 队列深度来源，由 *dispatch.Dispatcher 实现
type QueueMetricsSource interface {
	GetQueueMetrics(ctx context.Context, queueName string) (dispatch.QueueMetrics, error)
}

// CacheStatsSource 缓存统计来源，由 *cache.Manager 实现
type CacheStatsSource interface {
	Stats() cache.Stats
}

// ArchiveStatsSource 归档统计来源，由 *archive.Archiver 实现
type ArchiveStatsSource interface {
	Stats(ctx context.Context, tenantID string) (*archive.Stats, error)
}

// OpsHandler 队列、缓存与归档的只读统计。未配置的来源返回 503。
type OpsHandler struct {
	queues   QueueMetricsSource
	cache    CacheStatsSource
	archives ArchiveStatsSource
	logger   *zap.Logger
}

// NewOpsHandler 创建统计处理器，任一来源可为 nil
func NewOpsHandler(queues QueueMetricsSource, cacheStats CacheStatsSource, archives ArchiveStatsSource, logger *zap.Logger) *OpsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpsHandler{
		queues:   queues,
		cache:    cacheStats,
		archives: archives,
		logger:   logger.With(zap.String("component", "ops_handler")),
	}
}

// HandleQueueMetrics GET /api/v1/queues/metrics?queue=name，缺省为共享默认队列
func (h *OpsHandler) HandleQueueMetrics(w http.ResponseWriter, r *http.Request) {
	if h.queues == nil {
		h.unavailable(w, "dispatch")
		return
	}
	queueName := strings.TrimSpace(r.URL.Query().Get("queue"))
	m, err := h.queues.GetQueueMetrics(r.Context(), queueName)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, m)
}

// HandleCacheStats GET /api/v1/cache/stats
func (h *OpsHandler) HandleCacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.unavailable(w, "cache")
		return
	}
	WriteSuccess(w, h.cache.Stats())
}

// HandleArchiveStats GET /api/v1/archive/stats，按请求租户汇总
func (h *OpsHandler) HandleArchiveStats(w http.ResponseWriter, r *http.Request) {
	if h.archives == nil {
		h.unavailable(w, "archive")
		return
	}
	tenantID, ok := RequireTenant(w, r, h.logger)
	if !ok {
		return
	}
	stats, err := h.archives.Stats(r.Context(), tenantID)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, stats)
}

func (h *OpsHandler) unavailable(w http.ResponseWriter, component string) {
	WriteErrorMessage(w, http.StatusServiceUnavailable, types.ErrInternalError, component+" is not configured", h.logger)
}
