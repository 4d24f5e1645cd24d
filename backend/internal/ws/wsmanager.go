package ws

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"mindmapServer/backend/internal/cache"
	"mindmapServer/backend/internal/collab"
)

// 全局的 WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

// 光标颜色按 actorId 固定分配，重连后颜色不变
var colorPalette = []string{
	"#e74c3c", "#3498db", "#2ecc71", "#f39c12",
	"#9b59b6", "#1abc9c", "#e67e22", "#34495e",
}

func colorFor(actorID uint64) string {
	return colorPalette[actorID%uint64(len(colorPalette))]
}

type Manager struct {
	registry *collab.Registry
	presence cache.PresenceCache
	sem      *collab.SemaphoreControl
}

func NewManager(registry *collab.Registry, presence cache.PresenceCache, sem *collab.SemaphoreControl) *Manager {
	return &Manager{registry: registry, presence: presence, sem: sem}
}

// WebSocketConnect 升级连接并把会话挂进文档房间。
// 鉴权中间件已把 userId/username 写入 gin 上下文
func (m *Manager) WebSocketConnect(c *gin.Context) {
	actorID := c.GetUint64("userId")
	userName := c.GetString("username")
	docID := c.Query("documentId")
	if docID == "" {
		c.String(http.StatusBadRequest, "missing documentId")
		return
	}

	// 房间查找/创建（含快照加载）放在升级前，加载失败能回 HTTP 错误
	room, err := m.registry.GetOrCreate(c.Request.Context(), docID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    collab.ErrRoomUnavailable.Error(),
			"message": "room failed to load, retry the join",
		})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	defer conn.Close()

	wsConn := NewConn(conn, room, m.presence, m.sem, docID, actorID, userName, colorFor(actorID))

	// 先启动写循环：join 回执的 initial_data 要能立即发出去
	go wsConn.writeLoop()

	if _, err := room.Join(c.Request.Context(), actorID, userName, colorFor(actorID), wsConn); err != nil {
		log.Printf("join failed doc=%s actor=%d: %v", docID, actorID, err)
		wsConn.Close()
		return
	}
	if err := m.presence.Touch(c.Request.Context(), docID, actorID, userName); err != nil {
		log.Printf("presence touch failed doc=%s actor=%d: %v", docID, actorID, err)
	}

	// 读循环阻塞至连接关闭
	wsConn.readLoop(c.Request.Context())
}
