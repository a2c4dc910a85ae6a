package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/BaSui01/agentcore/types"
)

// 路由属性名
const (
	AttrTenantID    = "tenant_id"
	AttrExecutionID = "execution_id"
	AttrType        = "type"
)

// Message 状态机延续消息
type Message struct {
	Type        types.MessageType `json:"type"`
	TenantID    string            `json:"tenant_id"`
	ExecutionID string            `json:"execution_id"`
	Payload     map[string]any    `json:"payload,omitempty"`

	// ScheduledAt 绝对投递时间，换算为受队列上限约束的延迟
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`

	// Timestamp 消息创建时间，参与去重键计算
	Timestamp time.Time `json:"timestamp"`
}

// Validate 校验消息必填字段
func (m *Message) Validate() error {
	if !m.Type.Valid() {
		return types.Errorf(types.ErrInvalidRequest, "unknown message type %q", m.Type)
	}
	if m.TenantID == "" {
		return types.NewError(types.ErrInvalidRequest, "message tenant_id is required")
	}
	if m.ExecutionID == "" {
		return types.NewError(types.ErrInvalidRequest, "message execution_id is required")
	}
	return nil
}

// DedupKey = sha256(executionID|type|timestamp)
func (m *Message) DedupKey() string {
	ts := strconv.FormatInt(m.Timestamp.UnixNano(), 10)
	sum := sha256.Sum256([]byte(m.ExecutionID + "|" + string(m.Type) + "|" + ts))
	return hex.EncodeToString(sum[:])
}

// Attributes 返回路由属性
func (m *Message) Attributes() map[string]string {
	return map[string]string{
		AttrTenantID:    m.TenantID,
		AttrExecutionID: m.ExecutionID,
		AttrType:        string(m.Type),
	}
}

// DecodeMessage 从队列消息体还原 Message
func DecodeMessage(body []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Result 单条投递结果。失败不返回 error，而是 Success=false。
type Result struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	QueueName string `json:"queue_name,omitempty"`
	Error     string `json:"error,omitempty"`
}

// QueueMetrics 队列近似深度
type QueueMetrics struct {
	QueueName string `json:"queue_name"`
	Visible   int64  `json:"visible"`
	InFlight  int64  `json:"in_flight"`
	Delayed   int64  `json:"delayed"`
}
