package dispatch

import (
	"context"
	"time"
)

// Envelope 队列中传输的消息封装
type Envelope struct {
	ID           string            `json:"id"`
	Body         []byte            `json:"body"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	GroupKey     string            `json:"group_key,omitempty"`
	DedupKey     string            `json:"dedup_key,omitempty"`
	Delay        time.Duration     `json:"-"`
	SentAt       time.Time         `json:"sent_at"`
	ReceiveCount int               `json:"receive_count"`
}

// Delivery 一次接收到的消息，Ack/Nack 时回传
type Delivery struct {
	Envelope *Envelope
	handle   string
}

// SendResult 批量发送中单条的结果
type SendResult struct {
	MessageID string
	Duplicate bool
	Err       error
}

// Queue 队列后端
type Queue interface {
	// Send 投递一条消息；去重窗口内重复的 DedupKey 返回首条消息 ID 且不再入队
	Send(ctx context.Context, queue string, env *Envelope) (SendResult, error)

	// SendBatch 批量投递，结果与输入一一对应
	SendBatch(ctx context.Context, queue string, envs []*Envelope) ([]SendResult, error)

	// Receive 先将到期的延迟消息转入就绪，再取出最多 max 条放入处理中
	Receive(ctx context.Context, queue string, max int) ([]*Delivery, error)

	// Ack 从处理中移除
	Ack(ctx context.Context, queue string, d *Delivery) error

	// Nack 从处理中移除并在 delay 后重新可见，ReceiveCount 加一
	Nack(ctx context.Context, queue string, d *Delivery, delay time.Duration) error

	// Metrics 返回近似深度
	Metrics(ctx context.Context, queue string) (QueueMetrics, error)
}
