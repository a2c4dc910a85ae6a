package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentcore/config"
	"github.com/BaSui01/agentcore/internal/tlsutil"
	"github.com/BaSui01/agentcore/orchestrator"
	"github.com/BaSui01/agentcore/types"
)

// =============================================================================
// 🔧 HTTP 工具网关客户端
// =============================================================================

type toolRequest struct {
	Params      map[string]any `json:"params"`
	TenantID    string         `json:"tenant_id,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
}

// ToolClient 把工具调用转发到 POST {base}/v1/tools/{name}/execute
type ToolClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

// NewToolClient 创建工具网关客户端。ToolBaseURL 为空时返回错误。
func NewToolClient(cfg config.GatewayConfig, logger *zap.Logger) (*ToolClient, error) {
	if strings.TrimSpace(cfg.ToolBaseURL) == "" {
		return nil, fmt.Errorf("gateway tool_base_url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &ToolClient{
		baseURL: strings.TrimRight(cfg.ToolBaseURL, "/"),
		apiKey:  cfg.ToolAPIKey,
		client:  tlsutil.HTTPClient(timeout),
		logger:  logger.With(zap.String("component", "tool_gateway")),
	}, nil
}

// Execute 实现 orchestrator.ToolExecutor。
// 网关以 200 返回的失败结果（success=false）原样交给状态机记录，不视为传输错误。
func (c *ToolClient) Execute(ctx context.Context, tool string, params map[string]any) (*orchestrator.ToolResult, error) {
	body := toolRequest{Params: params}
	body.TenantID, _ = types.TenantID(ctx)
	body.ExecutionID, _ = types.ExecutionID(ctx)
	if body.Params == nil {
		body.Params = map[string]any{}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal tool params: %w", err)
	}

	endpoint := c.baseURL + "/v1/tools/" + url.PathEscape(tool) + "/execute"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create tool request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body.TenantID != "" {
		req.Header.Set("X-Tenant-ID", body.TenantID)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, transportError("tool gateway", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, mapHTTPError("tool gateway", resp.StatusCode, readErrorMessage(resp.Body))
	}

	var res orchestrator.ToolResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, types.NewError(types.ErrInternalError, "decode tool result").WithCause(err)
	}
	c.logger.Debug("tool call completed",
		zap.String("tool", tool),
		zap.String("execution_id", body.ExecutionID),
		zap.Bool("success", res.Success),
		zap.Duration("latency", time.Since(start)))
	return &res, nil
}
