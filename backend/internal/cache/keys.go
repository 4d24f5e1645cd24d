package cache

import "fmt"

// 键语义：
// - roomKey(docID):   房间在线成员（ZSet<actorId, expireAtUnixMilli>，score=expireAt）
// - namesKey(docID):  房间内 actorId→userName 映射（Hash）
// - cursorKey:        单个成员的光标状态（String，JSON）

const (
	keyRoomFmt   = "presence:room:{docID:%s}"       // ZSet<actorId, expireAtUnixMilli>
	keyNamesFmt  = "presence:room:names:{docID:%s}" // Hash<actorId -> userName>
	keyCursorFmt = "presence:cursor:{docID:%s}:%d"  // String(JSON)
)

func roomKey(docID string) string  { return fmt.Sprintf(keyRoomFmt, docID) }
func namesKey(docID string) string { return fmt.Sprintf(keyNamesFmt, docID) }

func cursorKey(docID string, actorID uint64) string {
	return fmt.Sprintf(keyCursorFmt, docID, actorID)
}
