package ws

import (
	"encoding/json"

	"mindmapServer/backend/internal/collab"
)

// ClientMessage 客户端经实时通道发来的消息。服务端到客户端的
// 消息词汇表定义在 collab 包（由房间产生，连接只负责透传序列化）
type ClientMessage struct {
	Type string `json:"type"`
	// type == "operation"
	Operation *collab.Operation `json:"operation,omitempty"`
	// type == "presence"
	Cursor json.RawMessage `json:"cursor,omitempty"`
	// type == "catch_up"
	Since uint64 `json:"since,omitempty"`
	Limit int    `json:"limit,omitempty"`
}
