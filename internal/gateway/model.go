package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentcore/config"
	"github.com/BaSui01/agentcore/internal/tlsutil"
	"github.com/BaSui01/agentcore/types"
)

// =============================================================================
// 🤖 OpenAI 兼容模型客户端
// =============================================================================

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	User     string        `json:"user,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// ModelClient 通过 OpenAI 兼容接口调用模型
type ModelClient struct {
	baseURL string
	path    string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

// NewModelClient 创建模型客户端。BaseURL 为空时返回错误。
func NewModelClient(cfg config.GatewayConfig, logger *zap.Logger) (*ModelClient, error) {
	if strings.TrimSpace(cfg.ModelBaseURL) == "" {
		return nil, fmt.Errorf("gateway model_base_url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	path := cfg.ModelPath
	if path == "" {
		path = "/v1/chat/completions"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &ModelClient{
		baseURL: strings.TrimRight(cfg.ModelBaseURL, "/"),
		path:    path,
		apiKey:  cfg.ModelAPIKey,
		client:  tlsutil.HTTPClient(timeout),
		logger:  logger.With(zap.String("component", "model_gateway")),
	}, nil
}

// Invoke 实现 types.ModelInvoker。提示词作为单条 user 消息发送，租户写入 user 字段。
func (c *ModelClient) Invoke(ctx context.Context, tenantID, model, prompt string) (*types.ModelResponse, error) {
	payload, err := json.Marshal(chatRequest{
		Model:    model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
		User:     tenantID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, transportError("model gateway", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := mapHTTPError("model gateway", resp.StatusCode, readErrorMessage(resp.Body))
		c.logger.Warn("model call failed",
			zap.String("model", model),
			zap.String("tenant_id", tenantID),
			zap.Int("status", resp.StatusCode),
			zap.Duration("latency", time.Since(start)))
		return nil, apiErr
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, types.NewError(types.ErrInternalError, "decode model response").
			WithCause(err).WithRetryable(true)
	}
	if len(out.Choices) == 0 {
		return nil, types.Errorf(types.ErrInternalError, "model %s returned no choices", model)
	}

	res := &types.ModelResponse{
		Model:      out.Model,
		Content:    out.Choices[0].Message.Content,
		TokensUsed: out.Usage.TotalTokens,
	}
	if res.Model == "" {
		res.Model = model
	}
	c.logger.Debug("model call completed",
		zap.String("model", res.Model),
		zap.String("tenant_id", tenantID),
		zap.Int("tokens", res.TokensUsed),
		zap.Duration("latency", time.Since(start)))
	return res, nil
}
