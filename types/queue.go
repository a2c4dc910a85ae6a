package types

import "time"

// MessageType 调度消息类型
type MessageType string

const (
	MessageStart   MessageType = "start"
	MessageIterate MessageType = "iterate"
	MessageResume  MessageType = "resume"
	MessageCancel  MessageType = "cancel"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageStart, MessageIterate, MessageResume, MessageCancel:
		return true
	}
	return false
}

// TenantQueue 租户到队列的路由记录；缺省时使用共享默认队列
type TenantQueue struct {
	TenantID     string        `json:"tenant_id"`
	QueueName    string        `json:"queue_name"`
	FIFO         bool          `json:"fifo"`
	Dedicated    bool          `json:"dedicated"`
	MaxDelay     time.Duration `json:"max_delay"`
	MaxBatchSize int           `json:"max_batch_size"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}
