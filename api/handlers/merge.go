package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/BaSui01/agentcore/api"
	"github.com/BaSui01/agentcore/merge"
	"github.com/BaSui01/agentcore/types"
	"go.uber.org/zap"
)

// =============================================================================
// 🔀 结果合并 Handler
// =============================================================================

// MergeService 合并引擎操作，由 *merge.Engine 实现
type MergeService interface {
	Merge(ctx context.Context, responses []merge.Response, opts merge.Options) (*merge.Result, error)
	Collect(ctx context.Context, tenantID string, models []string, prompt string) ([]merge.Response, error)
}

// MergeHandler 多模型结果合并处理器
type MergeHandler struct {
	service MergeService
	logger  *zap.Logger
}

// NewMergeHandler 创建合并处理器
func NewMergeHandler(service MergeService, logger *zap.Logger) *MergeHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MergeHandler{
		service: service,
		logger:  logger.With(zap.String("component", "merge_handler")),
	}
}

// HandleMerge POST /api/v1/merge
func (h *MergeHandler) HandleMerge(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := RequireTenant(w, r, h.logger)
	if !ok {
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.MergeRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Strategy != "" && !req.Strategy.Valid() {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "unknown strategy: "+string(req.Strategy), h.logger)
		return
	}

	responses := req.Responses
	if len(responses) == 0 {
		if strings.TrimSpace(req.Prompt) == "" || len(req.Models) == 0 {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "responses or models with prompt are required", h.logger)
			return
		}
		collected, err := h.service.Collect(r.Context(), tenantID, req.Models, req.Prompt)
		if err != nil {
			WriteError(w, err, h.logger)
			return
		}
		responses = collected
	}

	res, err := h.service.Merge(r.Context(), responses, merge.Options{
		Strategy:       req.Strategy,
		TenantID:       tenantID,
		PreferredModel: req.PreferredModel,
		Weights:        req.Weights,
	})
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, res)
}
