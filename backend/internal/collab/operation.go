package collab

import (
	"errors"
	"time"

	"mindmapServer/backend/internal/mindmap"
	"mindmapServer/backend/internal/model"
)

type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
	OpMove   OpType = "move"
)

var (
	ErrInvalidOperation = errors.New("INVALID_OPERATION")
	ErrRoomClosed       = errors.New("ROOM_CLOSED")
	ErrRoomUnavailable  = errors.New("ROOM_UNAVAILABLE")
)

// CreatePayload 携带新节点的初始内容，节点 id 以 Operation.TargetNodeID 为准
type CreatePayload struct {
	ParentID string     `json:"parentId"`
	Node     model.Node `json:"node"`
}

type MovePayload struct {
	NewParentID string `json:"newParentId"`
}

// Operation 客户端提交的单个编辑意图。带类型标签的载荷：每种操作
// 只会有一个对应的载荷字段非空，冲突解决器据此穷举匹配。
// ClientTimestamp 仅作展示用元数据，排序唯一以 ServerSequence 为准
// （客户端时钟不可信）
type Operation struct {
	ID           string `json:"id"`
	DocumentID   string `json:"documentId"`
	ActorID      uint64 `json:"actorId"`
	Type         OpType `json:"type"`
	TargetNodeID string `json:"targetNodeId"`

	Create *CreatePayload      `json:"create,omitempty"`
	Update *mindmap.FieldPatch `json:"update,omitempty"`
	Move   *MovePayload        `json:"move,omitempty"`

	ClientTimestamp time.Time `json:"clientTimestamp,omitempty"`
	// 房间受理时分配，唯一的排序权威
	ServerSequence uint64 `json:"serverSequence,omitempty"`
}

// Validate 校验类型与载荷是否一致（不校验目标是否存在，那是房间的事）
func (op *Operation) Validate() error {
	if op.ID == "" || op.TargetNodeID == "" {
		return ErrInvalidOperation
	}
	switch op.Type {
	case OpCreate:
		if op.Create == nil || op.Create.ParentID == "" {
			return ErrInvalidOperation
		}
	case OpUpdate:
		if op.Update == nil || op.Update.Empty() {
			return ErrInvalidOperation
		}
	case OpDelete:
		// 无载荷
	case OpMove:
		if op.Move == nil || op.Move.NewParentID == "" {
			return ErrInvalidOperation
		}
	default:
		return ErrInvalidOperation
	}
	return nil
}

// AppliedResult 单个操作经过房间处理后的结果。冲突不是错误：
// 被解决的冲突 Applied 仍可能为 true，并附带 Conflict 记录；
// 被解决策略整体丢弃的操作 Applied=false 且 Conflict 非空
type AppliedResult struct {
	Operation        Operation             `json:"operation"`
	Applied          bool                  `json:"applied"`
	ResultingVersion uint64                `json:"resultingVersion"`
	Conflict         *model.ConflictRecord `json:"conflict,omitempty"`
	Error            string                `json:"error,omitempty"`
}

// BatchResult 离线批量提交的结果，逐操作与提交顺序一一对应
type BatchResult struct {
	Processed    int             `json:"processed"`
	ErrorCount   int             `json:"errorCount"`
	VersionStale bool            `json:"versionStale"`
	Results      []AppliedResult `json:"results"`
	Errors       []BatchError    `json:"errors"`
}

type BatchError struct {
	OperationID string `json:"operationId"`
	Error       string `json:"error"`
}
