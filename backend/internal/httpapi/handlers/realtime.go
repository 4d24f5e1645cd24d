package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"mindmapServer/backend/internal/cache"
	"mindmapServer/backend/internal/collab"
	"mindmapServer/backend/internal/store"
)

// RealtimeHandler 房间状态查询与手动落盘。只查不建：
// 状态接口不应该把沉睡的文档拉起来
type RealtimeHandler struct {
	registry *collab.Registry
	presence cache.PresenceCache
	docs     *store.DocumentStore
}

func NewRealtimeHandler(registry *collab.Registry, presence cache.PresenceCache, docs *store.DocumentStore) *RealtimeHandler {
	return &RealtimeHandler{registry: registry, presence: presence, docs: docs}
}

// RoomStatus GET /realtime/room/:documentId/status
func (h *RealtimeHandler) RoomStatus(c *gin.Context) {
	docID := c.Param("documentId")

	if room, ok := h.registry.Get(docID); ok {
		status, err := room.Status(c.Request.Context())
		if err == nil {
			c.JSON(http.StatusOK, status)
			return
		}
	}

	// 没有活跃房间：最后活动时间从文档元数据取
	status := collab.RoomStatus{IsActive: false, Participants: []collab.Participant{}}
	if doc, err := h.docs.Get(c.Request.Context(), docID); err == nil {
		status.LastActivity = doc.UpdatedAt
		status.Version = doc.Version
	}
	c.JSON(http.StatusOK, status)
}

// Participants GET /realtime/room/:documentId/participants
func (h *RealtimeHandler) Participants(c *gin.Context) {
	docID := c.Param("documentId")

	if room, ok := h.registry.Get(docID); ok {
		status, err := room.Status(c.Request.Context())
		if err == nil {
			c.JSON(http.StatusOK, gin.H{"participants": status.Participants})
			return
		}
	}

	// 房间不在本实例时退回 redis 的在线表
	members, err := h.presence.GetAliveMembers(c.Request.Context(), docID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "PRESENCE_UNAVAILABLE"})
		return
	}
	out := make([]collab.Participant, 0, len(members))
	for _, m := range members {
		p := collab.Participant{ActorID: m.ActorID, UserName: m.UserName}
		// 光标单独存，在线但没动过光标的成员没有这个键
		if cur, err := h.presence.GetCursor(c.Request.Context(), docID, m.ActorID); err == nil && len(cur) > 0 {
			p.Cursor = cur
		}
		out = append(out, p)
	}
	c.JSON(http.StatusOK, gin.H{"participants": out})
}

// History GET /realtime/room/:documentId/history?limit=&since=
// 返回操作日志里 since 序号之后的记录；没有活跃房间时日志为空
// （更早的内容都在快照里）
func (h *RealtimeHandler) History(c *gin.Context) {
	docID := c.Param("documentId")
	since, _ := strconv.ParseUint(c.Query("since"), 10, 64)
	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	room, ok := h.registry.Get(docID)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"entries": []collab.LogEntry{}})
		return
	}
	entries, err := room.History(c.Request.Context(), since, limit)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": err.Error()})
		return
	}
	if entries == nil {
		entries = []collab.LogEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// ForceSync POST /realtime/room/:documentId/sync
func (h *RealtimeHandler) ForceSync(c *gin.Context) {
	docID := c.Param("documentId")

	room, ok := h.registry.Get(docID)
	if !ok {
		// 没有活跃房间就没有未落盘的状态
		c.JSON(http.StatusOK, gin.H{"flushed": false})
		return
	}
	if err := room.Flush(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"flushed": true})
}
