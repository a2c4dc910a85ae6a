package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/BaSui01/agentcore/types"
)

// maxErrorBody 读取上游错误体的上限
const maxErrorBody = 4096

// mapHTTPError 把上游状态码映射为 types.Error
func mapHTTPError(upstream string, status int, msg string) *types.Error {
	text := fmt.Sprintf("%s returned %d: %s", upstream, status, msg)
	switch {
	case status == http.StatusTooManyRequests:
		return types.NewError(types.ErrRateLimited, text).WithHTTPStatus(status).WithRetryable(true)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return types.NewError(types.ErrUnauthorized, text).WithHTTPStatus(http.StatusBadGateway)
	case status >= http.StatusInternalServerError:
		return types.NewError(types.ErrInternalError, text).WithHTTPStatus(http.StatusBadGateway).WithRetryable(true)
	default:
		return types.NewError(types.ErrInvalidRequest, text).WithHTTPStatus(http.StatusBadGateway)
	}
}

// transportError 网络层失败，可重试
func transportError(upstream string, err error) *types.Error {
	return types.Errorf(types.ErrInternalError, "%s unreachable", upstream).
		WithCause(err).WithHTTPStatus(http.StatusBadGateway).WithRetryable(true)
}

// readErrorMessage 优先取 {"error":{"message":...}} 或 {"error":"..."}，否则返回原文
func readErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, maxErrorBody))
	if err != nil {
		return "failed to read error response"
	}

	var nested struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &nested) == nil && nested.Error.Message != "" {
		if nested.Error.Type != "" {
			return fmt.Sprintf("%s (type: %s)", nested.Error.Message, nested.Error.Type)
		}
		return nested.Error.Message
	}

	var flat struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &flat) == nil && flat.Error != "" {
		return flat.Error
	}
	return strings.TrimSpace(string(data))
}
