package collab

import "time"

// LogEntry 操作日志的一条记录。AcceptedAt 是房间受理时刻（房间协程
// 单线程读时钟，沿序列单调）；Discarded 表示该操作被冲突解决整体丢弃，
// 没有改动树，也没有推进版本
type LogEntry struct {
	Op         Operation `json:"operation"`
	AcceptedAt time.Time `json:"acceptedAt"`
	Version    uint64    `json:"version"`
	Discarded  bool      `json:"discarded,omitempty"`
}

// OpLog 自上次快照以来已受理操作的有界日志，用于断线追平和
// 冲突窗口分析。达到容量时丢最老的一条，容量之外的追平走快照
type OpLog struct {
	entries  []LogEntry
	capacity int
}

func NewOpLog(capacity int) *OpLog {
	if capacity <= 0 {
		capacity = 1024
	}
	return &OpLog{entries: make([]LogEntry, 0, capacity), capacity: capacity}
}

func (l *OpLog) Append(e LogEntry) {
	if len(l.entries) == l.capacity {
		copy(l.entries[0:], l.entries[1:])
		l.entries = l.entries[:len(l.entries)-1]
	}
	l.entries = append(l.entries, e)
}

func (l *OpLog) Len() int { return len(l.entries) }

// Window 返回受理时刻落在 [now-w, now] 内、且未被丢弃的记录，
// 供冲突检测扫描。日志按受理顺序存储，从尾部向前找即可
func (l *OpLog) Window(now time.Time, w time.Duration) []LogEntry {
	cut := now.Add(-w)
	var out []LogEntry
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if e.AcceptedAt.Before(cut) {
			break
		}
		if e.Discarded {
			continue
		}
		out = append(out, e)
	}
	// 反转回受理顺序
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Since 返回 ServerSequence 大于 seq 的记录，用于客户端追平
func (l *OpLog) Since(seq uint64, limit int) []LogEntry {
	var out []LogEntry
	for _, e := range l.entries {
		if e.Op.ServerSequence > seq {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

// TruncateThrough 快照落盘成功后丢弃已持久化版本之前的记录。
// 被丢弃的操作（version 为受理时的版本，未推进）一并随之清掉
func (l *OpLog) TruncateThrough(version uint64) {
	idx := 0
	for idx < len(l.entries) && l.entries[idx].Version <= version {
		idx++
	}
	if idx > 0 {
		l.entries = append(l.entries[:0], l.entries[idx:]...)
	}
}
