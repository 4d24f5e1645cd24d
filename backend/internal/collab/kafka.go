package collab

import "time"

// NodeOpEvent 已应用操作的事件流载荷，按文档 id 分区投递给下游
// （搜索索引、活动流等）。不参与同步语义
type NodeOpEvent struct {
	EventType      string    `json:"eventType"` // 固定 "OP_APPLIED"
	DocumentID     string    `json:"documentId"`
	OperationID    string    `json:"operationId"`
	OpType         string    `json:"opType"`
	TargetNodeID   string    `json:"targetNodeId"`
	ActorID        uint64    `json:"actorId"`
	ServerSequence uint64    `json:"serverSequence"`
	Version        uint64    `json:"version"`
	AppliedAt      time.Time `json:"appliedAt"`
}
