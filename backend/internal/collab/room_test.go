package collab

import (
	"context"
	"encoding/json"
	"math"
	"reflect"
	"sync"
	"testing"
	"time"

	"mindmapServer/backend/internal/mindmap"
	"mindmapServer/backend/internal/model"
)

// recordSink 收集房间广播，线程安全（入队发生在房间协程）
type recordSink struct {
	mu   sync.Mutex
	msgs []Outbound
}

func (s *recordSink) Enqueue(msg Outbound) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
}

func (s *recordSink) operations() []OperationMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []OperationMessage
	for _, m := range s.msgs {
		if op, ok := m.(OperationMessage); ok {
			out = append(out, op)
		}
	}
	return out
}

func (s *recordSink) conflicts() []ConflictMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ConflictMessage
	for _, m := range s.msgs {
		if cf, ok := m.(ConflictMessage); ok {
			out = append(out, cf)
		}
	}
	return out
}

func (s *recordSink) userEvents(typ string) []UserEventMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []UserEventMessage
	for _, m := range s.msgs {
		if ev, ok := m.(UserEventMessage); ok && ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func newTestRoom(t *testing.T, opts RoomOptions) *Room {
	t.Helper()
	tree := mindmap.New(&model.Node{ID: "root", Text: "中心主题"})
	if err := tree.ApplyCreate("root", &model.Node{ID: "n1", X: 200, Y: 200}); err != nil {
		t.Fatalf("ApplyCreate(n1) error = %v", err)
	}
	if err := tree.ApplyCreate("root", &model.Node{ID: "n2", X: 600, Y: 200}); err != nil {
		t.Fatalf("ApplyCreate(n2) error = %v", err)
	}
	if opts.IdleGrace == 0 {
		opts.IdleGrace = time.Hour
	}
	return NewRoom("doc1", tree, 0, opts, nil, nil, nil)
}

// snapshotNode 通过新会话的 initial_data 读取当前树（不触碰房间内部状态）
func snapshotNode(t *testing.T, r *Room, actorID uint64, nodeID string) *model.Node {
	t.Helper()
	sink := &recordSink{}
	if _, err := r.Join(context.Background(), actorID, "observer", "#000", sink); err != nil {
		t.Fatalf("Join error = %v", err)
	}
	defer r.Leave(actorID)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	for _, m := range sink.msgs {
		init, ok := m.(InitialDataMessage)
		if !ok {
			continue
		}
		var state model.MindmapState
		if err := json.Unmarshal(init.MindmapState, &state); err != nil {
			t.Fatalf("unmarshal initial_data error = %v", err)
		}
		tr, err := mindmap.FromRoot(state.Root)
		if err != nil {
			t.Fatalf("FromRoot error = %v", err)
		}
		n, _ := tr.Get(nodeID)
		return n
	}
	t.Fatalf("no initial_data received")
	return nil
}

func mustSubmit(t *testing.T, r *Room, op Operation) AppliedResult {
	t.Helper()
	res, err := r.Submit(context.Background(), op)
	if err != nil {
		t.Fatalf("Submit(%s) error = %v", op.ID, err)
	}
	return res
}

func mustJoin(t *testing.T, r *Room, actorID uint64, name string) *recordSink {
	t.Helper()
	sink := &recordSink{}
	if _, err := r.Join(context.Background(), actorID, name, "#fff", sink); err != nil {
		t.Fatalf("Join(%d) error = %v", actorID, err)
	}
	return sink
}

// 场景：A 提交 update(N1, {text}) 与 B 的 update(N1, {x,y}) 在窗口内相撞。
// 期望：N1 同时带上 text 和新坐标，双方都收到 concurrent_update 冲突记录
func TestRoom_ConcurrentUpdateFieldMerge(t *testing.T) {
	r := newTestRoom(t, RoomOptions{})
	sinkA := mustJoin(t, r, 1, "alice")
	sinkB := mustJoin(t, r, 2, "bob")

	text := "Hello"
	x, y := 250.0, 220.0
	res1 := mustSubmit(t, r, Operation{
		ID: "opA", ActorID: 1, Type: OpUpdate, TargetNodeID: "n1",
		Update: &mindmap.FieldPatch{Text: &text},
	})
	res2 := mustSubmit(t, r, Operation{
		ID: "opB", ActorID: 2, Type: OpUpdate, TargetNodeID: "n1",
		Update: &mindmap.FieldPatch{X: &x, Y: &y},
	})

	if !res1.Applied || res1.Conflict != nil {
		t.Fatalf("res1 = %+v, want applied without conflict", res1)
	}
	if !res2.Applied || res2.Conflict == nil || res2.Conflict.Type != model.ConflictConcurrentUpdate {
		t.Fatalf("res2 conflict = %+v, want concurrent_update", res2.Conflict)
	}
	if res2.ResultingVersion != 2 {
		t.Fatalf("ResultingVersion = %d, want 2", res2.ResultingVersion)
	}
	want := []string{"opA", "opB"}
	if !reflect.DeepEqual(res2.Conflict.InvolvedOperations, want) {
		t.Fatalf("InvolvedOperations = %v, want %v", res2.Conflict.InvolvedOperations, want)
	}

	n1 := snapshotNode(t, r, 99, "n1")
	if n1.Text != "Hello" || n1.X != 250 || n1.Y != 220 {
		t.Fatalf("n1 = {text:%q x:%v y:%v}, want merged {Hello 250 220}", n1.Text, n1.X, n1.Y)
	}

	// 冲突记录广播给包括提交者在内的所有会话
	if len(sinkA.conflicts()) != 1 || len(sinkB.conflicts()) != 1 {
		t.Fatalf("conflict broadcasts = %d/%d, want 1/1", len(sinkA.conflicts()), len(sinkB.conflicts()))
	}
}

// 场景：两个客户端在根节点下邻近坐标各建一个节点。
// 期望：两个节点都保留，最终坐标被推开到阈值之外
func TestRoom_ConcurrentCreationSpread(t *testing.T) {
	r := newTestRoom(t, RoomOptions{})
	mustJoin(t, r, 1, "alice")
	sinkB := mustJoin(t, r, 2, "bob")

	mustSubmit(t, r, Operation{
		ID: "opA", ActorID: 1, Type: OpCreate, TargetNodeID: "a1",
		Create: &CreatePayload{ParentID: "root", Node: model.Node{X: 300, Y: 400}},
	})
	res2 := mustSubmit(t, r, Operation{
		ID: "opB", ActorID: 2, Type: OpCreate, TargetNodeID: "a2",
		Create: &CreatePayload{ParentID: "root", Node: model.Node{X: 310, Y: 405}},
	})

	if !res2.Applied || res2.Conflict == nil || res2.Conflict.Type != model.ConflictConcurrentCreation {
		t.Fatalf("res2 conflict = %+v, want concurrent_creation", res2.Conflict)
	}

	a1 := snapshotNode(t, r, 99, "a1")
	a2 := snapshotNode(t, r, 98, "a2")
	if a1 == nil || a2 == nil {
		t.Fatalf("both created nodes must survive, got a1=%v a2=%v", a1, a2)
	}
	if d := math.Hypot(a1.X-a2.X, a1.Y-a2.Y); d < 50 {
		t.Fatalf("distance after spread = %v, want >= 50", d)
	}

	// 广播携带对先建节点的坐标修正，客户端据此保持收敛
	ops := sinkB.operations()
	last := ops[len(ops)-1]
	if len(last.PositionFixes) != 1 || last.PositionFixes[0].NodeID != "a1" {
		t.Fatalf("PositionFixes = %+v, want fix for a1", last.PositionFixes)
	}
}

// 删除与更新相撞：先删者胜，后到的 update 被丢弃、版本不推进，
// 被删节点的子节点挂回原父节点
func TestRoom_DeletionConflictPreservesChildren(t *testing.T) {
	r := newTestRoom(t, RoomOptions{})
	mustJoin(t, r, 1, "alice")

	mustSubmit(t, r, Operation{
		ID: "opC", ActorID: 1, Type: OpCreate, TargetNodeID: "c1",
		Create: &CreatePayload{ParentID: "n1", Node: model.Node{X: 0, Y: 0}},
	})
	resDel := mustSubmit(t, r, Operation{ID: "opD", ActorID: 1, Type: OpDelete, TargetNodeID: "n1"})
	resUpd := mustSubmit(t, r, Operation{
		ID: "opU", ActorID: 2, Type: OpUpdate, TargetNodeID: "n1",
		Update: &mindmap.FieldPatch{Text: strPtr("late")},
	})

	if !resDel.Applied {
		t.Fatalf("delete not applied: %+v", resDel)
	}
	if resUpd.Applied {
		t.Fatalf("late update applied, want discarded")
	}
	if resUpd.Conflict == nil || resUpd.Conflict.Type != model.ConflictDeletion {
		t.Fatalf("conflict = %+v, want deletion_conflict", resUpd.Conflict)
	}
	// 丢弃的操作不推进版本
	if resUpd.ResultingVersion != resDel.ResultingVersion {
		t.Fatalf("version advanced by discarded op: %d -> %d", resDel.ResultingVersion, resUpd.ResultingVersion)
	}

	if n1 := snapshotNode(t, r, 99, "n1"); n1 != nil {
		t.Fatalf("n1 still present after delete")
	}
	c1 := snapshotNode(t, r, 98, "c1")
	if c1 == nil {
		t.Fatalf("child c1 lost on delete, want reparented")
	}
}

// 结构性错误只拒绝单个操作，批次继续
func TestRoom_BatchContinuesPastStructuralError(t *testing.T) {
	r := newTestRoom(t, RoomOptions{})
	mustJoin(t, r, 1, "alice")

	text := "ok"
	batch, err := r.SubmitBatch(context.Background(), []Operation{
		{ID: "bad", ActorID: 1, Type: OpUpdate, TargetNodeID: "ghost", Update: &mindmap.FieldPatch{Text: &text}},
		{ID: "good", ActorID: 1, Type: OpUpdate, TargetNodeID: "n1", Update: &mindmap.FieldPatch{Text: &text}},
	}, 0)
	if err != nil {
		t.Fatalf("SubmitBatch error = %v", err)
	}
	if batch.Processed != 2 || batch.ErrorCount != 1 {
		t.Fatalf("batch = processed %d errors %d, want 2/1", batch.Processed, batch.ErrorCount)
	}
	if batch.Results[0].Error == "" {
		t.Fatalf("Results[0].Error empty, want NODE_NOT_FOUND")
	}
	if !batch.Results[1].Applied {
		t.Fatalf("Results[1] not applied: %+v", batch.Results[1])
	}
}

// 版本过期的批次不整批拒绝，只打标记，操作照常逐个处理
func TestRoom_StaleBatchNotRejected(t *testing.T) {
	r := newTestRoom(t, RoomOptions{})
	mustJoin(t, r, 1, "alice")

	text := "offline edit"
	batch, err := r.SubmitBatch(context.Background(), []Operation{
		{ID: "op1", ActorID: 1, Type: OpUpdate, TargetNodeID: "n1", Update: &mindmap.FieldPatch{Text: &text}},
	}, 99)
	if err != nil {
		t.Fatalf("SubmitBatch error = %v", err)
	}
	if !batch.VersionStale {
		t.Fatalf("VersionStale = false, want true")
	}
	if !batch.Results[0].Applied {
		t.Fatalf("stale batch op not applied: %+v", batch.Results[0])
	}
}

// 同一 actor 不 leave 直接重复 join：会话被替换，不出现重复 presence
func TestRoom_IdempotentRejoin(t *testing.T) {
	r := newTestRoom(t, RoomOptions{})
	sinkB := mustJoin(t, r, 2, "bob")
	mustJoin(t, r, 1, "alice")
	mustJoin(t, r, 1, "alice")

	status, err := r.Status(context.Background())
	if err != nil {
		t.Fatalf("Status error = %v", err)
	}
	if len(status.Participants) != 2 {
		t.Fatalf("participants = %d, want 2", len(status.Participants))
	}
	if got := len(sinkB.userEvents("user_joined")); got != 1 {
		t.Fatalf("user_joined broadcasts to bob = %d, want 1", got)
	}
}

// 收敛性：两个会话收到的操作广播流完全一致
func TestRoom_BroadcastStreamsConverge(t *testing.T) {
	r := newTestRoom(t, RoomOptions{})
	sinkA := mustJoin(t, r, 1, "alice")
	sinkB := mustJoin(t, r, 2, "bob")

	text := "t"
	x := 1.0
	mustSubmit(t, r, Operation{ID: "o1", ActorID: 1, Type: OpUpdate, TargetNodeID: "n1", Update: &mindmap.FieldPatch{Text: &text}})
	mustSubmit(t, r, Operation{ID: "o2", ActorID: 2, Type: OpUpdate, TargetNodeID: "n1", Update: &mindmap.FieldPatch{X: &x}})
	mustSubmit(t, r, Operation{
		ID: "o3", ActorID: 1, Type: OpCreate, TargetNodeID: "a1",
		Create: &CreatePayload{ParentID: "root", Node: model.Node{X: 10, Y: 10}},
	})
	mustSubmit(t, r, Operation{ID: "o4", ActorID: 2, Type: OpMove, TargetNodeID: "n2", Move: &MovePayload{NewParentID: "a1"}})

	if !reflect.DeepEqual(sinkA.operations(), sinkB.operations()) {
		t.Fatalf("broadcast streams diverge:\nA=%+v\nB=%+v", sinkA.operations(), sinkB.operations())
	}
}

// 入房时 initial_data 的在场者列表带上各自最近的光标位置
func TestRoom_CursorHydrationOnJoin(t *testing.T) {
	r := newTestRoom(t, RoomOptions{})
	mustJoin(t, r, 1, "alice")
	cursor := json.RawMessage(`{"nodeId":"n1","x":10,"y":20}`)
	r.UpdateCursor(1, cursor)

	// 命令队列先进先出：光标更新在 join 之前被处理
	sink := &recordSink{}
	if _, err := r.Join(context.Background(), 2, "bob", "#fff", sink); err != nil {
		t.Fatalf("Join error = %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	for _, m := range sink.msgs {
		init, ok := m.(InitialDataMessage)
		if !ok {
			continue
		}
		for _, p := range init.ConnectedUsers {
			if p.ActorID == 1 {
				if string(p.Cursor) != string(cursor) {
					t.Fatalf("cursor in initial_data = %s, want %s", p.Cursor, cursor)
				}
				return
			}
		}
		t.Fatalf("actor 1 missing from ConnectedUsers: %+v", init.ConnectedUsers)
	}
	t.Fatalf("no initial_data received")
}

// 最后一个会话离开后，宽限期一到房间驱逐，之后的提交报房间已关
func TestRoom_EvictedAfterIdleGrace(t *testing.T) {
	r := newTestRoom(t, RoomOptions{IdleGrace: 20 * time.Millisecond})
	mustJoin(t, r, 1, "alice")
	r.Leave(1)

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("room not evicted after idle grace")
	}

	text := "x"
	_, err := r.Submit(context.Background(), Operation{
		ID: "late", ActorID: 1, Type: OpUpdate, TargetNodeID: "n1",
		Update: &mindmap.FieldPatch{Text: &text},
	})
	if err != ErrRoomClosed {
		t.Fatalf("Submit after eviction error = %v, want ErrRoomClosed", err)
	}
}
