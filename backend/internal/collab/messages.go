package collab

import (
	"encoding/json"

	"mindmapServer/backend/internal/model"
)

// Outbound 房间推送给客户端的消息。发送顺序由房间协程串行广播 +
// 每个会话的 send 通道保证，不依赖任何回调注册顺序
type Outbound interface {
	MessageType() string
}

// Sink 一个会话的出站通道。实现方（ws 连接）入队不得阻塞：
// 连接已关闭或队列已满时直接丢弃
type Sink interface {
	Enqueue(msg Outbound)
}

// Participant 带上最近的光标，入房方一次拿全在场者的位置
type Participant struct {
	ActorID  uint64          `json:"actorId"`
	UserName string          `json:"userName"`
	Color    string          `json:"color"`
	Cursor   json.RawMessage `json:"cursor,omitempty"`
}

// InitialDataMessage 入房时下发的全量状态
type InitialDataMessage struct {
	Type           string          `json:"type"` // 固定 "initial_data"
	MindmapState   json.RawMessage `json:"mindmapState"`
	Version        uint64          `json:"version"`
	ConnectedUsers []Participant   `json:"connectedUsers"`
}

// OperationMessage 操作成功应用后的广播（包括提交者自己）。
// PositionFixes 是本次冲突解决顺带写入的其他节点坐标，
// 与 Operation 同属一次逻辑变更，客户端需一并应用
type OperationMessage struct {
	Type             string        `json:"type"` // 固定 "operation"
	Operation        Operation     `json:"operation"`
	ResultingVersion uint64        `json:"resultingVersion"`
	PositionFixes    []PositionFix `json:"positionFixes,omitempty"`
}

// ConflictMessage 与被解决的操作一同广播，仅供客户端提示
type ConflictMessage struct {
	Type           string                `json:"type"` // 固定 "conflict"
	ConflictRecord *model.ConflictRecord `json:"conflictRecord"`
}

type UserEventMessage struct {
	Type     string `json:"type"` // "user_joined" | "user_left"
	ActorID  uint64 `json:"actorId"`
	UserName string `json:"userName"`
	Color    string `json:"color"`
}

type PresenceMessage struct {
	Type    string          `json:"type"` // 固定 "presence"
	ActorID uint64          `json:"actorId"`
	Cursor  json.RawMessage `json:"cursor"`
}

// HistoryMessage 追平用：since 之后的操作日志
type HistoryMessage struct {
	Type    string     `json:"type"` // 固定 "history"
	Entries []LogEntry `json:"entries"`
}

type ErrorMessage struct {
	Type        string `json:"type"` // 固定 "error"
	Code        string `json:"code"`
	OperationID string `json:"operationId,omitempty"`
}

func (m InitialDataMessage) MessageType() string { return m.Type }
func (m OperationMessage) MessageType() string   { return m.Type }
func (m ConflictMessage) MessageType() string    { return m.Type }
func (m UserEventMessage) MessageType() string   { return m.Type }
func (m PresenceMessage) MessageType() string    { return m.Type }
func (m HistoryMessage) MessageType() string     { return m.Type }
func (m ErrorMessage) MessageType() string       { return m.Type }
