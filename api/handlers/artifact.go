package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/BaSui01/agentcore/types"
	"go.uber.org/zap"
)

// ArtifactSource 归档读取来源，由 *archive.Archiver 实现
type ArtifactSource interface {
	Retrieve(ctx context.Context, tenantID, artifactID string) ([]byte, error)
}

// ArtifactHandler 归档产物下载
type ArtifactHandler struct {
	source ArtifactSource
	logger *zap.Logger
}

// NewArtifactHandler 创建归档下载处理器，source 为 nil 时返回 503
func NewArtifactHandler(source ArtifactSource, logger *zap.Logger) *ArtifactHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArtifactHandler{
		source: source,
		logger: logger.With(zap.String("component", "artifact_handler")),
	}
}

// HandleGet GET /api/v1/artifacts/{id}，返回校验通过的原始字节
func (h *ArtifactHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	if h.source == nil {
		WriteErrorMessage(w, http.StatusServiceUnavailable, types.ErrInternalError, "archive is not configured", h.logger)
		return
	}
	tenantID, ok := RequireTenant(w, r, h.logger)
	if !ok {
		return
	}
	artifactID := strings.TrimSpace(r.PathValue("id"))
	if artifactID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "artifact id is required", h.logger)
		return
	}

	data, err := h.source.Retrieve(r.Context(), tenantID, artifactID)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.logger.Debug("artifact write aborted", zap.String("artifact_id", artifactID), zap.Error(err))
	}
}
