package collab

import "time"

// 操作日志事件，发往 Kafka 供下游（分析、审计、冷备）消费。
// 不参与副本间同步，丢失不影响收敛性
type OpEvent struct {
	EventType   string         `json:"eventType"` // 固定 "OP_APPLIED"
	SessionID   string         `json:"sessionId"`
	OperationID string         `json:"operationId"`
	OpType      string         `json:"opType"`
	TargetType  string         `json:"targetType"`
	TargetID    string         `json:"targetId"`
	AuthorID    string         `json:"authorId"`
	Version     uint64         `json:"version"`
	Data        map[string]any `json:"data,omitempty"`
	AppliedAt   time.Time      `json:"appliedAt"`
}
