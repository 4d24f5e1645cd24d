package ws

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"mindmapServer/backend/internal/cache"
	"mindmapServer/backend/internal/collab"
)

// Conn 一条实时连接。实现 collab.Sink：房间广播经 send 通道
// 由写循环串行发出，通道语义保证了到达顺序
type Conn struct {
	ws       *websocket.Conn
	room     *collab.Room
	presence cache.PresenceCache
	sem      *collab.SemaphoreControl

	docID    string
	actorID  uint64
	userName string
	color    string

	send      chan collab.Outbound
	closed    chan struct{}
	closeOnce sync.Once
}

func NewConn(ws *websocket.Conn, room *collab.Room, presence cache.PresenceCache, sem *collab.SemaphoreControl, docID string, actorID uint64, userName, color string) *Conn {
	return &Conn{
		ws:       ws,
		room:     room,
		presence: presence,
		sem:      sem,
		docID:    docID,
		actorID:  actorID,
		userName: userName,
		color:    color,
		send:     make(chan collab.Outbound, 64),
		closed:   make(chan struct{}),
	}
}

// Enqueue 不阻塞房间协程：连接已关或队列满时直接丢弃
// （连接关闭后待发的广播就该被丢掉，没有补发语义）
func (c *Conn) Enqueue(msg collab.Outbound) {
	select {
	case <-c.closed:
		return
	default:
	}
	select {
	case c.send <- msg:
	default:
	}
}

// Close 终止写循环。可重复调用
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *Conn) writeLoop() {
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.WriteJSON(msg)
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		c.Close()
		c.room.Leave(c.actorID)
		if err := c.presence.Remove(context.Background(), c.docID, c.actorID); err != nil {
			log.Printf("presence remove failed doc=%s actor=%d: %v", c.docID, c.actorID, err)
		}
	}()

	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			log.Printf("read json error (actor=%d, doc=%s): %v", c.actorID, c.docID, err)
			return
		}
		switch msg.Type {
		case "operation":
			if msg.Operation == nil {
				c.Enqueue(collab.ErrorMessage{Type: "error", Code: collab.ErrInvalidOperation.Error()})
				continue
			}
			c.handleOperation(ctx, *msg.Operation)

		case "presence":
			if err := c.presence.SetCursor(ctx, c.docID, c.actorID, msg.Cursor); err != nil {
				log.Printf("set cursor failed doc=%s actor=%d: %v", c.docID, c.actorID, err)
			}
			c.room.UpdateCursor(c.actorID, msg.Cursor)

		case "heartbeat":
			if err := c.presence.Touch(ctx, c.docID, c.actorID, c.userName); err != nil {
				log.Printf("presence touch failed doc=%s actor=%d: %v", c.docID, c.actorID, err)
			}

		case "catch_up":
			entries, err := c.room.History(ctx, msg.Since, msg.Limit)
			if err != nil {
				c.Enqueue(collab.ErrorMessage{Type: "error", Code: err.Error()})
				continue
			}
			c.Enqueue(collab.HistoryMessage{Type: "history", Entries: entries})

		default:
			c.Enqueue(collab.ErrorMessage{Type: "error", Code: "UNKNOWN_MESSAGE_TYPE"})
		}
	}
}

func (c *Conn) handleOperation(ctx context.Context, op collab.Operation) {
	submitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	if err := c.sem.Acquire(submitCtx); err != nil {
		c.Enqueue(collab.ErrorMessage{Type: "error", Code: err.Error(), OperationID: op.ID})
		return
	}
	defer c.sem.Release()

	// 身份以连接鉴权结果为准，不信客户端自报的 actorId
	op.DocumentID = c.docID
	op.ActorID = c.actorID

	res, err := c.room.Submit(ctx, op)
	if err != nil {
		code := err.Error()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			code = collab.ErrRoomClosed.Error()
		}
		c.Enqueue(collab.ErrorMessage{Type: "error", Code: code, OperationID: op.ID})
		return
	}
	// 应用成功（含被解决的冲突）走房间广播；结构性拒绝只回给提交者
	if res.Error != "" {
		c.Enqueue(collab.ErrorMessage{Type: "error", Code: res.Error, OperationID: op.ID})
	}
}
