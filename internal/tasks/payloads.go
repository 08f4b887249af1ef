package tasks

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

// 任务类型常量，确保队列生产者与消费者一致。
const (
	TypeHeadshotGenerate = "headshot:generate"
)

// HeadshotGeneratePayload 描述执行一次头像生成所需的最小信息。
type HeadshotGeneratePayload struct {
	HeadshotID    uint   `json:"headshot_id"`
	CorrelationID string `json:"correlation_id"`
}

// NewHeadshotGenerateTask 构造一个新的头像生成任务。
// 流水线的失败语义由 Headshot 行自身承载，队列层不做重试。
func NewHeadshotGenerateTask(id uint, correlationID string) (*asynq.Task, error) {
	payload, err := json.Marshal(HeadshotGeneratePayload{
		HeadshotID:    id,
		CorrelationID: correlationID,
	})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeHeadshotGenerate, payload, asynq.MaxRetry(0)), nil
}
