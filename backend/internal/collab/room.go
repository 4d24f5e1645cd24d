package collab

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"mindmapServer/backend/internal/mindmap"
	"mindmapServer/backend/internal/model"
)

// RoomOptions 房间运行参数，零值走默认
type RoomOptions struct {
	ConflictWindow    time.Duration // 冲突窗口，默认 1000ms
	CreationProximity float64       // 并发创建的邻近阈值，默认 50
	SnapshotEvery     int           // 每应用 N 个操作触发一次落盘，默认 20
	IdleGrace         time.Duration // 最后一个会话离开后的驻留宽限，默认 30s
	LogCapacity       int           // 操作日志容量，默认 1024
	QueueSize         int           // 入站命令队列长度，默认 256
}

func (o *RoomOptions) normalize() {
	if o.ConflictWindow <= 0 {
		o.ConflictWindow = time.Second
	}
	if o.CreationProximity <= 0 {
		o.CreationProximity = 50
	}
	if o.SnapshotEvery <= 0 {
		o.SnapshotEvery = 20
	}
	if o.IdleGrace <= 0 {
		o.IdleGrace = 30 * time.Second
	}
	if o.LogCapacity <= 0 {
		o.LogCapacity = 1024
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
}

// Session 一条已注册的连接，归属房间，断开或超时即销毁
type Session struct {
	ActorID  uint64
	UserName string
	Color    string
	Cursor   json.RawMessage
	sink     Sink
}

// Room 单个文档的唯一逻辑持有者：串行受理全部操作、检测重叠时
// 调用冲突解决器、应用到树模型、广播结果。房间内没有并行——
// 一个协程配一条入站队列，这正是解决器确定性的前提。
// 持久化 I/O 全部走 Bridge 后台队列，永远不挡 submit
type Room struct {
	DocumentID string

	inbound chan roomCmd
	done    chan struct{}
	once    sync.Once

	// 以下状态仅 run 协程访问
	tree         *mindmap.Tree
	version      uint64
	seq          uint64
	oplog        *OpLog
	sessions     map[uint64]*Session
	lastActivity time.Time
	sinceFlush   int

	opts    RoomOptions
	bridge  *Bridge
	events  *KafkaDispatcher
	onEvict func(r *Room)
}

type roomCmd interface{ isRoomCmd() }

type joinCmd struct {
	actorID  uint64
	userName string
	color    string
	sink     Sink
	reply    chan JoinResult
}

type leaveCmd struct{ actorID uint64 }

type submitCmd struct {
	op    Operation
	reply chan AppliedResult
}

type batchCmd struct {
	ops             []Operation
	expectedVersion uint64
	reply           chan BatchResult
}

type cursorCmd struct {
	actorID uint64
	cursor  json.RawMessage
}

type statusCmd struct{ reply chan RoomStatus }

type historyCmd struct {
	since uint64
	limit int
	reply chan []LogEntry
}

type flushCmd struct{ reply chan error }

// truncateCmd 由 Bridge 在快照落盘成功后回送
type truncateCmd struct{ version uint64 }

func (joinCmd) isRoomCmd()     {}
func (leaveCmd) isRoomCmd()    {}
func (submitCmd) isRoomCmd()   {}
func (batchCmd) isRoomCmd()    {}
func (cursorCmd) isRoomCmd()   {}
func (statusCmd) isRoomCmd()   {}
func (historyCmd) isRoomCmd()  {}
func (flushCmd) isRoomCmd()    {}
func (truncateCmd) isRoomCmd() {}

type JoinResult struct {
	Version uint64
	Err     error
}

type RoomStatus struct {
	IsActive     bool          `json:"isActive"`
	Participants []Participant `json:"participants"`
	Version      uint64        `json:"version"`
	LastActivity time.Time     `json:"lastActivity"`
}

// NewRoom 以已加载好的树和版本启动房间协程。快照加载（Loading 态）
// 由 Registry 在启动前完成，Active 态不做任何阻塞 I/O
func NewRoom(documentID string, tree *mindmap.Tree, version uint64, opts RoomOptions, bridge *Bridge, events *KafkaDispatcher, onEvict func(*Room)) *Room {
	opts.normalize()
	r := &Room{
		DocumentID:   documentID,
		inbound:      make(chan roomCmd, opts.QueueSize),
		done:         make(chan struct{}),
		tree:         tree,
		version:      version,
		oplog:        NewOpLog(opts.LogCapacity),
		sessions:     make(map[uint64]*Session),
		lastActivity: time.Now(),
		opts:         opts,
		bridge:       bridge,
		events:       events,
		onEvict:      onEvict,
	}
	go r.run()
	return r
}

func (r *Room) Done() <-chan struct{} { return r.done }

// ---- 对外入口：全部经由入站队列串行化 ----

func (r *Room) send(ctx context.Context, cmd roomCmd) error {
	select {
	case <-r.done:
		return ErrRoomClosed
	default:
	}
	select {
	case r.inbound <- cmd:
		return nil
	case <-r.done:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// awaitReply 等待房间协程的回复。等待期间房间被驱逐时补读一次
// （drain 可能已经代答），确实没有回复才报房间已关，调用方不会悬死
func awaitReply[T any](ctx context.Context, r *Room, reply chan T) (T, error) {
	select {
	case res := <-reply:
		return res, nil
	case <-r.done:
		select {
		case res := <-reply:
			return res, nil
		default:
			var zero T
			return zero, ErrRoomClosed
		}
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (r *Room) Join(ctx context.Context, actorID uint64, userName, color string, sink Sink) (JoinResult, error) {
	reply := make(chan JoinResult, 1)
	if err := r.send(ctx, joinCmd{actorID: actorID, userName: userName, color: color, sink: sink, reply: reply}); err != nil {
		return JoinResult{}, err
	}
	res, err := awaitReply(ctx, r, reply)
	if err != nil {
		return JoinResult{}, err
	}
	return res, res.Err
}

func (r *Room) Leave(actorID uint64) {
	select {
	case r.inbound <- leaveCmd{actorID: actorID}:
	case <-r.done:
	}
}

// Submit 唯一的变更入口。入队即受理，之后必定被处理（没有取消），
// 结果通过广播和返回值异步送达
func (r *Room) Submit(ctx context.Context, op Operation) (AppliedResult, error) {
	reply := make(chan AppliedResult, 1)
	if err := r.send(ctx, submitCmd{op: op, reply: reply}); err != nil {
		return AppliedResult{}, err
	}
	return awaitReply(ctx, r, reply)
}

// SubmitBatch 离线重连后的批量重放，与实时操作走同一串行点，
// 交错时的冲突行为因此和实时提交完全一致
func (r *Room) SubmitBatch(ctx context.Context, ops []Operation, expectedVersion uint64) (BatchResult, error) {
	reply := make(chan BatchResult, 1)
	if err := r.send(ctx, batchCmd{ops: ops, expectedVersion: expectedVersion, reply: reply}); err != nil {
		return BatchResult{}, err
	}
	return awaitReply(ctx, r, reply)
}

func (r *Room) UpdateCursor(actorID uint64, cursor json.RawMessage) {
	select {
	case r.inbound <- cursorCmd{actorID: actorID, cursor: cursor}:
	case <-r.done:
	}
}

func (r *Room) Status(ctx context.Context) (RoomStatus, error) {
	reply := make(chan RoomStatus, 1)
	if err := r.send(ctx, statusCmd{reply: reply}); err != nil {
		return RoomStatus{}, err
	}
	return awaitReply(ctx, r, reply)
}

func (r *Room) History(ctx context.Context, since uint64, limit int) ([]LogEntry, error) {
	reply := make(chan []LogEntry, 1)
	if err := r.send(ctx, historyCmd{since: since, limit: limit, reply: reply}); err != nil {
		return nil, err
	}
	return awaitReply(ctx, r, reply)
}

// Flush 强制立即落盘（入队 Bridge 后即返回）
func (r *Room) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := r.send(ctx, flushCmd{reply: reply}); err != nil {
		return err
	}
	res, err := awaitReply(ctx, r, reply)
	if err != nil {
		return err
	}
	return res
}

// ---- 房间协程 ----

func (r *Room) run() {
	// 定时器初始就上膛：创建后没人 join 的房间同样在宽限期后驱逐
	idle := time.NewTimer(r.opts.IdleGrace)

	for {
		select {
		case cmd := <-r.inbound:
			switch c := cmd.(type) {
			case joinCmd:
				r.handleJoin(c)
				idle.Stop()
			case leaveCmd:
				r.handleLeave(c.actorID)
				if len(r.sessions) == 0 {
					// 进入 Idle：先落盘，再等宽限期驱逐
					r.enqueueFlush()
					idle.Reset(r.opts.IdleGrace)
				}
			case submitCmd:
				c.reply <- r.handleSubmit(c.op)
			case batchCmd:
				c.reply <- r.handleBatch(c)
			case cursorCmd:
				r.handleCursor(c)
			case statusCmd:
				c.reply <- r.handleStatus()
			case historyCmd:
				c.reply <- r.oplog.Since(c.since, c.limit)
			case flushCmd:
				r.enqueueFlush()
				c.reply <- nil
			case truncateCmd:
				r.oplog.TruncateThrough(c.version)
			}
		case <-idle.C:
			if len(r.sessions) > 0 {
				continue
			}
			// 驱逐路径的最终落盘必须同步完成：done 关闭前快照已可读，
			// 紧跟着重建的房间不会回退到旧版本
			r.flushSync()
			if r.onEvict != nil {
				r.onEvict(r)
			}
			r.once.Do(func() { close(r.done) })
			r.drain()
			return
		}
	}
}

// drain 驱逐后清空已入队的命令，让等回复的调用方立即失败而不是挂到超时
func (r *Room) drain() {
	for {
		select {
		case cmd := <-r.inbound:
			switch c := cmd.(type) {
			case joinCmd:
				c.reply <- JoinResult{Err: ErrRoomClosed}
			case submitCmd:
				c.reply <- AppliedResult{Error: ErrRoomClosed.Error()}
			case batchCmd:
				c.reply <- BatchResult{}
			case statusCmd:
				c.reply <- RoomStatus{}
			case historyCmd:
				c.reply <- nil
			case flushCmd:
				c.reply <- ErrRoomClosed
			}
		default:
			return
		}
	}
}

func (r *Room) handleJoin(c joinCmd) {
	// 幂等重连：同一 actor 未 leave 再次 join，替换旧会话即可，
	// 不产生重复的 presence 条目，也不广播 user_left
	_, rejoin := r.sessions[c.actorID]
	s := &Session{
		ActorID:  c.actorID,
		UserName: c.userName,
		Color:    c.color,
		sink:     c.sink,
	}
	r.sessions[c.actorID] = s
	r.lastActivity = time.Now()

	state, err := json.Marshal(model.MindmapState{
		DocumentID: r.DocumentID,
		Root:       r.tree.Root(),
		Version:    r.version,
		UpdatedAt:  r.lastActivity,
	})
	if err != nil {
		delete(r.sessions, c.actorID)
		c.reply <- JoinResult{Err: err}
		return
	}
	c.sink.Enqueue(InitialDataMessage{
		Type:           "initial_data",
		MindmapState:   state,
		Version:        r.version,
		ConnectedUsers: r.participants(),
	})
	if !rejoin {
		r.broadcastExcept(c.actorID, UserEventMessage{Type: "user_joined", ActorID: c.actorID, UserName: c.userName, Color: c.color})
	}
	c.reply <- JoinResult{Version: r.version}
}

func (r *Room) handleLeave(actorID uint64) {
	s, ok := r.sessions[actorID]
	if !ok {
		return
	}
	delete(r.sessions, actorID)
	r.lastActivity = time.Now()
	r.broadcastExcept(actorID, UserEventMessage{Type: "user_left", ActorID: actorID, UserName: s.UserName, Color: s.Color})
}

// handleSubmit 操作处理主路径：载荷校验 → 分配序号 → 冲突窗口扫描 →
// （解决后）应用 → 记日志 → 广播 → 发事件流 → 按需触发落盘
func (r *Room) handleSubmit(op Operation) AppliedResult {
	now := time.Now()
	r.lastActivity = now

	if err := op.Validate(); err != nil {
		return AppliedResult{Operation: op, ResultingVersion: r.version, Error: err.Error()}
	}
	r.seq++
	op.ServerSequence = r.seq

	window := r.oplog.Window(now, r.opts.ConflictWindow)
	if res, conflicted := Resolve(op, window, r.tree, r.opts.CreationProximity, now); conflicted {
		if res.Discard {
			// 整体丢弃：树不变、版本不推进，日志里留痕供窗口分析
			r.oplog.Append(LogEntry{Op: op, AcceptedAt: now, Version: r.version, Discarded: true})
			r.broadcast(ConflictMessage{Type: "conflict", ConflictRecord: res.Record})
			return AppliedResult{Operation: op, ResultingVersion: r.version, Conflict: res.Record}
		}
		op = res.Op
		if err := r.applyEffect(op); err != nil {
			return AppliedResult{Operation: op, ResultingVersion: r.version, Error: err.Error()}
		}
		for _, f := range res.PositionFixes {
			x, y := f.X, f.Y
			if err := r.tree.ApplyUpdate(f.NodeID, &mindmap.FieldPatch{X: &x, Y: &y}); err != nil {
				log.Printf("position fix failed doc=%s node=%s: %v", r.DocumentID, f.NodeID, err)
			}
		}
		r.version++
		r.oplog.Append(LogEntry{Op: op, AcceptedAt: now, Version: r.version})
		r.broadcast(OperationMessage{Type: "operation", Operation: op, ResultingVersion: r.version, PositionFixes: res.PositionFixes})
		r.broadcast(ConflictMessage{Type: "conflict", ConflictRecord: res.Record})
		r.publishEvent(op)
		r.maybeFlush()
		return AppliedResult{Operation: op, Applied: true, ResultingVersion: r.version, Conflict: res.Record}
	}

	if err := r.applyEffect(op); err != nil {
		// 结构性错误只拒绝这一个操作，不影响后续处理
		return AppliedResult{Operation: op, ResultingVersion: r.version, Error: err.Error()}
	}
	r.version++
	r.oplog.Append(LogEntry{Op: op, AcceptedAt: now, Version: r.version})
	r.broadcast(OperationMessage{Type: "operation", Operation: op, ResultingVersion: r.version})
	r.publishEvent(op)
	r.maybeFlush()
	return AppliedResult{Operation: op, Applied: true, ResultingVersion: r.version}
}

func (r *Room) applyEffect(op Operation) error {
	switch op.Type {
	case OpCreate:
		node := op.Create.Node
		node.ID = op.TargetNodeID
		return r.tree.ApplyCreate(op.Create.ParentID, &node)
	case OpUpdate:
		return r.tree.ApplyUpdate(op.TargetNodeID, op.Update)
	case OpDelete:
		_, err := r.tree.ApplyDelete(op.TargetNodeID)
		return err
	case OpMove:
		return r.tree.ApplyMove(op.TargetNodeID, op.Move.NewParentID)
	}
	return ErrInvalidOperation
}

// handleBatch 逐操作走 handleSubmit。版本过期不拒绝整批
// （避免饿死离线编辑者），只是每个操作各自承担冲突解决
func (r *Room) handleBatch(c batchCmd) BatchResult {
	out := BatchResult{Results: make([]AppliedResult, 0, len(c.ops))}
	if c.expectedVersion != 0 && c.expectedVersion != r.version {
		out.VersionStale = true
		log.Printf("stale batch doc=%s expected=%d current=%d ops=%d",
			r.DocumentID, c.expectedVersion, r.version, len(c.ops))
	}
	for _, op := range c.ops {
		res := r.handleSubmit(op)
		out.Results = append(out.Results, res)
		out.Processed++
		if res.Error != "" {
			out.ErrorCount++
			out.Errors = append(out.Errors, BatchError{OperationID: op.ID, Error: res.Error})
		}
	}
	return out
}

func (r *Room) handleCursor(c cursorCmd) {
	s, ok := r.sessions[c.actorID]
	if !ok {
		return
	}
	s.Cursor = c.cursor
	r.lastActivity = time.Now()
	r.broadcastExcept(c.actorID, PresenceMessage{Type: "presence", ActorID: c.actorID, Cursor: c.cursor})
}

func (r *Room) handleStatus() RoomStatus {
	return RoomStatus{
		IsActive:     len(r.sessions) > 0,
		Participants: r.participants(),
		Version:      r.version,
		LastActivity: r.lastActivity,
	}
}

func (r *Room) participants() []Participant {
	out := make([]Participant, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, Participant{ActorID: s.ActorID, UserName: s.UserName, Color: s.Color, Cursor: s.Cursor})
	}
	return out
}

func (r *Room) broadcast(msg Outbound) {
	for _, s := range r.sessions {
		s.sink.Enqueue(msg)
	}
}

func (r *Room) broadcastExcept(actorID uint64, msg Outbound) {
	for id, s := range r.sessions {
		if id == actorID {
			continue
		}
		s.sink.Enqueue(msg)
	}
}

func (r *Room) publishEvent(op Operation) {
	if r.events == nil {
		return
	}
	r.events.EnqueueNoWait(NodeOpEvent{
		EventType:      "OP_APPLIED",
		DocumentID:     r.DocumentID,
		OperationID:    op.ID,
		OpType:         string(op.Type),
		TargetNodeID:   op.TargetNodeID,
		ActorID:        op.ActorID,
		ServerSequence: op.ServerSequence,
		Version:        r.version,
		AppliedAt:      r.lastActivity,
	})
}

// maybeFlush 每应用满 N 个操作触发一次后台落盘，限制宕机时的丢失量
func (r *Room) maybeFlush() {
	r.sinceFlush++
	if r.sinceFlush >= r.opts.SnapshotEvery {
		r.enqueueFlush()
	}
}

func (r *Room) marshalState() ([]byte, error) {
	return json.Marshal(model.MindmapState{
		DocumentID: r.DocumentID,
		Root:       r.tree.Root(),
		Version:    r.version,
		UpdatedAt:  r.lastActivity,
	})
}

// flushSync 驱逐时的最终快照，在房间协程上同步写穿。房间此刻已不再
// 受理操作（Idle 态），阻塞 I/O 不影响任何提交方
func (r *Room) flushSync() {
	if r.bridge == nil {
		return
	}
	state, err := r.marshalState()
	if err != nil {
		log.Printf("snapshot marshal failed doc=%s: %v", r.DocumentID, err)
		return
	}
	r.sinceFlush = 0
	r.bridge.SaveSync(FlushJob{DocumentID: r.DocumentID, Version: r.version, State: state})
}

func (r *Room) enqueueFlush() {
	if r.bridge == nil {
		return
	}
	state, err := r.marshalState()
	if err != nil {
		log.Printf("snapshot marshal failed doc=%s: %v", r.DocumentID, err)
		return
	}
	r.sinceFlush = 0
	flushed := r.version
	r.bridge.Enqueue(FlushJob{
		DocumentID: r.DocumentID,
		Version:    flushed,
		State:      state,
		OnSuccess: func() {
			// 落盘成功后回到房间协程截断日志；房间已驱逐则放弃
			select {
			case r.inbound <- truncateCmd{version: flushed}:
			case <-r.done:
			}
		},
	})
}
