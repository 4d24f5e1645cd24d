package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"mindmapServer/backend/internal/model"
)

// fakeSnapshotStore 内存快照存储，可注入加载/保存故障
type fakeSnapshotStore struct {
	mu        sync.Mutex
	states    map[string][]byte
	versions  map[string]uint64
	loadErr   error
	saveFails int
	saveDelay time.Duration
	saves     int
}

func newFakeSnapshotStore() *fakeSnapshotStore {
	return &fakeSnapshotStore{
		states:   make(map[string][]byte),
		versions: make(map[string]uint64),
	}
}

func (f *fakeSnapshotStore) SaveSnapshot(ctx context.Context, documentID string, version uint64, state []byte) error {
	if f.saveDelay > 0 {
		time.Sleep(f.saveDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveFails > 0 {
		f.saveFails--
		return errors.New("store down")
	}
	f.states[documentID] = state
	f.versions[documentID] = version
	f.saves++
	return nil
}

func (f *fakeSnapshotStore) LoadLatest(ctx context.Context, documentID string) ([]byte, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, 0, f.loadErr
	}
	state, ok := f.states[documentID]
	if !ok {
		return nil, 0, ErrSnapshotNotFound
	}
	return state, f.versions[documentID], nil
}

func (f *fakeSnapshotStore) setLoadErr(err error) {
	f.mu.Lock()
	f.loadErr = err
	f.mu.Unlock()
}

func (f *fakeSnapshotStore) savedVersion(documentID string) (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.versions[documentID]
	return v, ok
}

func newTestRegistry(store SnapshotStore, opts RoomOptions) *Registry {
	if opts.IdleGrace == 0 {
		opts.IdleGrace = time.Hour
	}
	return NewRegistry(store, nil, nil, opts)
}

// 同一文档的并发请求必须落到同一个房间实例上
func TestRegistry_ConcurrentGetOrCreateSingleRoom(t *testing.T) {
	g := newTestRegistry(newFakeSnapshotStore(), RoomOptions{})

	const callers = 16
	rooms := make([]*Room, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := g.GetOrCreate(context.Background(), "doc1")
			if err != nil {
				t.Errorf("GetOrCreate error = %v", err)
				return
			}
			rooms[i] = r
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if rooms[i] != rooms[0] {
			t.Fatalf("GetOrCreate returned distinct rooms for one document")
		}
	}
}

func TestRegistry_GetDoesNotCreate(t *testing.T) {
	g := newTestRegistry(newFakeSnapshotStore(), RoomOptions{})
	if _, ok := g.Get("nope"); ok {
		t.Fatalf("Get() created a room, want lookup only")
	}
}

// 快照加载失败对外统一报 ROOM_UNAVAILABLE，条目被清掉，存储恢复后可重试
func TestRegistry_LoadFailureThenRetry(t *testing.T) {
	store := newFakeSnapshotStore()
	store.setLoadErr(errors.New("mysql down"))
	g := newTestRegistry(store, RoomOptions{})

	if _, err := g.GetOrCreate(context.Background(), "doc1"); err != ErrRoomUnavailable {
		t.Fatalf("GetOrCreate error = %v, want ErrRoomUnavailable", err)
	}

	store.setLoadErr(nil)
	r, err := g.GetOrCreate(context.Background(), "doc1")
	if err != nil {
		t.Fatalf("GetOrCreate after recovery error = %v", err)
	}
	if r == nil {
		t.Fatalf("GetOrCreate after recovery returned nil room")
	}
}

// 加载已有快照：房间以快照的树和版本启动
func TestRegistry_LoadsExistingSnapshot(t *testing.T) {
	store := newFakeSnapshotStore()
	state, err := json.Marshal(model.MindmapState{
		DocumentID: "doc1",
		Root: &model.Node{ID: "root", Children: []*model.Node{
			{ID: "k1", Text: "restored"},
		}},
		Version: 7,
	})
	if err != nil {
		t.Fatalf("marshal snapshot error = %v", err)
	}
	store.states["doc1"] = state
	store.versions["doc1"] = 7

	g := newTestRegistry(store, RoomOptions{})
	r, err := g.GetOrCreate(context.Background(), "doc1")
	if err != nil {
		t.Fatalf("GetOrCreate error = %v", err)
	}
	status, err := r.Status(context.Background())
	if err != nil {
		t.Fatalf("Status error = %v", err)
	}
	if status.Version != 7 {
		t.Fatalf("Version = %d, want 7 (from snapshot)", status.Version)
	}
	if n := snapshotNode(t, r, 1, "k1"); n == nil || n.Text != "restored" {
		t.Fatalf("k1 = %+v, want restored from snapshot", n)
	}
}

// 驱逐顺序：最终快照写穿之后才摘条目、关 done。慢存储上紧跟着的
// 重建读到的是含全部已应用操作的版本，不回退
func TestRegistry_EvictionFlushCompletesBeforeRebuild(t *testing.T) {
	store := newFakeSnapshotStore()
	store.saveDelay = 300 * time.Millisecond
	bridge := NewBridge(store, BridgeOptions{BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond})
	g := NewRegistry(store, bridge, nil, RoomOptions{IdleGrace: 50 * time.Millisecond})

	r1, err := g.GetOrCreate(context.Background(), "doc1")
	if err != nil {
		t.Fatalf("GetOrCreate error = %v", err)
	}
	mustJoin(t, r1, 1, "alice")
	mustSubmit(t, r1, Operation{
		ID: "o1", ActorID: 1, Type: OpCreate, TargetNodeID: "a1",
		Create: &CreatePayload{ParentID: "root", Node: model.Node{X: 100, Y: 100}},
	})
	r1.Leave(1)

	select {
	case <-r1.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("room not evicted after idle grace")
	}
	// done 关闭时快照必须已经落稳
	if v, ok := store.savedVersion("doc1"); !ok || v != 1 {
		t.Fatalf("snapshot at eviction = (version %d, saved %v), want version 1 before done closes", v, ok)
	}

	r2, err := g.GetOrCreate(context.Background(), "doc1")
	if err != nil {
		t.Fatalf("GetOrCreate after eviction error = %v", err)
	}
	sink := &recordSink{}
	join, err := r2.Join(context.Background(), 9, "observer", "#000", sink)
	if err != nil {
		t.Fatalf("Join error = %v", err)
	}
	if join.Version != 1 {
		t.Fatalf("rebuilt room version = %d, want 1 (op o1 must survive eviction)", join.Version)
	}
}

// 驱逐后的文档再次请求时重建房间，拿到的是新实例
func TestRegistry_RecreateAfterEviction(t *testing.T) {
	g := newTestRegistry(newFakeSnapshotStore(), RoomOptions{IdleGrace: 20 * time.Millisecond})

	r1, err := g.GetOrCreate(context.Background(), "doc1")
	if err != nil {
		t.Fatalf("GetOrCreate error = %v", err)
	}
	select {
	case <-r1.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("room not evicted after idle grace")
	}

	r2, err := g.GetOrCreate(context.Background(), "doc1")
	if err != nil {
		t.Fatalf("GetOrCreate after eviction error = %v", err)
	}
	if r2 == r1 {
		t.Fatalf("GetOrCreate returned the evicted room")
	}
	if _, ok := g.Get("doc1"); !ok {
		t.Fatalf("Get() after recreate = false, want live room")
	}
}
