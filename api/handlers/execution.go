package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/BaSui01/agentcore/api"
	"github.com/BaSui01/agentcore/orchestrator"
	"github.com/BaSui01/agentcore/types"
	"go.uber.org/zap"
)

// =============================================================================
// 🧭 执行管理 Handler
// =============================================================================

// ExecutionService 执行状态机对 HTTP 层暴露的操作，由 *orchestrator.Orchestrator 实现
type ExecutionService interface {
	StartExecution(ctx context.Context, req orchestrator.StartRequest) (*orchestrator.StartResult, error)
	GetExecution(ctx context.Context, executionID, tenantID string) (*types.Execution, error)
	IterationLogs(ctx context.Context, executionID, tenantID string) ([]types.IterationLog, error)
	RunIteration(ctx context.Context, executionID, tenantID string) (*orchestrator.IterationResult, error)
	CancelExecution(ctx context.Context, executionID, tenantID, reason string) (*types.Execution, error)
	ResumeExecution(ctx context.Context, executionID, tenantID string, mods *orchestrator.Modifications) (*types.Execution, error)
}

// ExecutionHandler 执行管理处理器
type ExecutionHandler struct {
	service ExecutionService
	logger  *zap.Logger
}

// NewExecutionHandler 创建执行管理处理器
func NewExecutionHandler(service ExecutionService, logger *zap.Logger) *ExecutionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecutionHandler{
		service: service,
		logger:  logger.With(zap.String("component", "execution_handler")),
	}
}

// HandleStart POST /api/v1/executions
func (h *ExecutionHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := RequireTenant(w, r, h.logger)
	if !ok {
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.StartExecutionRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if strings.TrimSpace(req.AgentID) == "" || strings.TrimSpace(req.Goal) == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "agent_id and goal are required", h.logger)
		return
	}

	res, err := h.service.StartExecution(r.Context(), orchestrator.StartRequest{
		AgentID:     req.AgentID,
		TenantID:    tenantID,
		UserID:      requestUser(r),
		SessionID:   req.SessionID,
		Goal:        req.Goal,
		Constraints: req.Constraints,
		Config:      req.Config,
	})
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	h.logger.Info("execution created",
		zap.String("execution_id", res.ExecutionID),
		zap.String("tenant_id", tenantID),
		zap.String("agent_id", req.AgentID),
	)
	WriteCreated(w, api.StartExecutionResponse{ExecutionID: res.ExecutionID, Status: res.Status})
}

// HandleGet GET /api/v1/executions/{id}
func (h *ExecutionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	tenantID, executionID, ok := h.target(w, r)
	if !ok {
		return
	}
	exec, err := h.service.GetExecution(r.Context(), executionID, tenantID)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, exec)
}

// HandleLogs GET /api/v1/executions/{id}/logs
func (h *ExecutionHandler) HandleLogs(w http.ResponseWriter, r *http.Request) {
	tenantID, executionID, ok := h.target(w, r)
	if !ok {
		return
	}
	logs, err := h.service.IterationLogs(r.Context(), executionID, tenantID)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, api.NewIterationLogViews(logs))
}

// HandleIterate POST /api/v1/executions/{id}/iterate，供同步 Agent 的调用方逐步推进
func (h *ExecutionHandler) HandleIterate(w http.ResponseWriter, r *http.Request) {
	tenantID, executionID, ok := h.target(w, r)
	if !ok {
		return
	}
	res, err := h.service.RunIteration(r.Context(), executionID, tenantID)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, res)
}

// HandleCancel POST /api/v1/executions/{id}/cancel
func (h *ExecutionHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	tenantID, executionID, ok := h.target(w, r)
	if !ok {
		return
	}
	var req api.CancelExecutionRequest
	if hasBody(r) {
		if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
			return
		}
	}
	exec, err := h.service.CancelExecution(r.Context(), executionID, tenantID, req.Reason)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, exec)
}

// HandleResume POST /api/v1/executions/{id}/resume
func (h *ExecutionHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	tenantID, executionID, ok := h.target(w, r)
	if !ok {
		return
	}
	var req api.ResumeExecutionRequest
	if hasBody(r) {
		if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
			return
		}
	}
	var mods *orchestrator.Modifications
	if len(req.Plan) > 0 {
		mods = &orchestrator.Modifications{Plan: req.Plan}
	}
	exec, err := h.service.ResumeExecution(r.Context(), executionID, tenantID, mods)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, exec)
}

func (h *ExecutionHandler) target(w http.ResponseWriter, r *http.Request) (tenantID, executionID string, ok bool) {
	tenantID, ok = RequireTenant(w, r, h.logger)
	if !ok {
		return "", "", false
	}
	executionID = strings.TrimSpace(r.PathValue("id"))
	if executionID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "execution id is required", h.logger)
		return "", "", false
	}
	return tenantID, executionID, true
}

func hasBody(r *http.Request) bool {
	return r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0
}
