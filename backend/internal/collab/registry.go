package collab

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"mindmapServer/backend/internal/mindmap"
	"mindmapServer/backend/internal/model"
)

// Registry 文档 id 到房间实例的映射。“一个文档同时只有一个持有者”
// 由每个 id 的创建条目结构性保证：第一个请求者占住条目做快照加载
// （Loading 态），其余请求者等 ready，不会出现双房间
type Registry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry

	store  SnapshotStore
	bridge *Bridge
	events *KafkaDispatcher
	opts   RoomOptions
}

type registryEntry struct {
	ready chan struct{}
	room  *Room
	err   error
}

func NewRegistry(store SnapshotStore, bridge *Bridge, events *KafkaDispatcher, opts RoomOptions) *Registry {
	return &Registry{
		entries: make(map[string]*registryEntry),
		store:   store,
		bridge:  bridge,
		events:  events,
		opts:    opts,
	}
}

// Get 只查不建（REST 状态查询用）
func (g *Registry) Get(documentID string) (*Room, bool) {
	g.mu.Lock()
	e, ok := g.entries[documentID]
	g.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-e.ready:
	default:
		return nil, false
	}
	if e.err != nil || e.room == nil {
		return nil, false
	}
	select {
	case <-e.room.Done():
		return nil, false
	default:
		return e.room, true
	}
}

// GetOrCreate 查找或创建房间。创建者负责从存储加载最新快照，
// 加载期间的并发请求等待同一个条目；加载失败对外统一为 ROOM_UNAVAILABLE，
// 客户端应重试 join
func (g *Registry) GetOrCreate(ctx context.Context, documentID string) (*Room, error) {
	for {
		g.mu.Lock()
		if e, ok := g.entries[documentID]; ok {
			g.mu.Unlock()
			select {
			case <-e.ready:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if e.err != nil {
				return nil, e.err
			}
			select {
			case <-e.room.Done():
				// 房间已在宽限期后被驱逐，摘掉旧条目重来
				g.remove(documentID, e.room)
				continue
			default:
				return e.room, nil
			}
		}
		e := &registryEntry{ready: make(chan struct{})}
		g.entries[documentID] = e
		g.mu.Unlock()

		room, err := g.load(ctx, documentID)
		if err != nil {
			e.err = ErrRoomUnavailable
			close(e.ready)
			g.mu.Lock()
			delete(g.entries, documentID)
			g.mu.Unlock()
			log.Printf("room load failed doc=%s: %v", documentID, err)
			return nil, ErrRoomUnavailable
		}
		e.room = room
		close(e.ready)
		return room, nil
	}
}

// load Loading 态：从持久化桥取最新快照并重建树；没有快照则按
// 新文档初始化（只含根节点）
func (g *Registry) load(ctx context.Context, documentID string) (*Room, error) {
	var tree *mindmap.Tree
	var version uint64

	state, ver, err := g.store.LoadLatest(ctx, documentID)
	switch err {
	case nil:
		var snap model.MindmapState
		if err := json.Unmarshal(state, &snap); err != nil {
			return nil, err
		}
		tree, err = mindmap.FromRoot(snap.Root)
		if err != nil {
			return nil, err
		}
		version = ver
	case ErrSnapshotNotFound:
		tree = mindmap.New(&model.Node{ID: "root", Text: "中心主题", X: 400, Y: 300})
	default:
		return nil, err
	}

	onEvict := func(r *Room) { g.remove(documentID, r) }
	return NewRoom(documentID, tree, version, g.opts, g.bridge, g.events, onEvict), nil
}

func (g *Registry) remove(documentID string, room *Room) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.entries[documentID]; ok && e.room == room {
		delete(g.entries, documentID)
	}
}
