package collab

import (
	"fmt"
	"math"
	"time"

	"mindmapServer/backend/internal/mindmap"
	"mindmapServer/backend/internal/model"
)

// 冲突解决器：纯函数，给定相同的输入集合与到达顺序，输出恒等。
// 没有隐藏状态、不读时钟、不用随机数——收敛性依赖这一点。
//
// 判定在冲突窗口（房间受理时刻相差 W 毫秒以内）内的已受理操作与
// 新到操作之间的重叠：
//   concurrent_update    同一节点的两次 update，按字段做 last-writer-wins 合并
//   concurrent_creation  同一父节点下、坐标距离小于阈值的两次 create，坐标外推散开
//   deletion_conflict    delete 与同节点的 update/delete 相撞，先删者胜，子节点保留
//   merge_conflict       其余结构性干涉（如 move 撞上并发 delete），拒绝后到者

// PositionFix 散开时对已入树节点坐标的修正（绝对坐标）
type PositionFix struct {
	NodeID string  `json:"nodeId"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

// Resolution 一次冲突的解决结果
type Resolution struct {
	Record *model.ConflictRecord
	// true 表示新到操作被整体丢弃，树不变、版本不推进
	Discard bool
	// 将要实际应用的操作（可能被调整过，如 create 的坐标被散开）
	Op Operation
	// 对窗口内已应用节点的坐标修正（仅 concurrent_creation 产生）
	PositionFixes []PositionFix
}

// Resolve 检查新到操作与窗口内已受理操作的重叠。无冲突时返回 false，
// 房间直接走正常应用路径。incoming 已被分配 ServerSequence
func Resolve(incoming Operation, window []LogEntry, tree *mindmap.Tree, proximity float64, now time.Time) (Resolution, bool) {
	switch incoming.Type {
	case OpUpdate:
		if e, ok := findByType(window, OpDelete, incoming.TargetNodeID); ok {
			return firstDeleteWins(incoming, e, now), true
		}
		if peers := collectByType(window, OpUpdate, incoming.TargetNodeID); len(peers) > 0 {
			return mergeFields(incoming, peers, now), true
		}

	case OpDelete:
		if e, ok := findByType(window, OpDelete, incoming.TargetNodeID); ok {
			return firstDeleteWins(incoming, e, now), true
		}
		peers := collectByType(window, OpUpdate, incoming.TargetNodeID)
		peers = append(peers, collectByType(window, OpMove, incoming.TargetNodeID)...)
		if len(peers) > 0 {
			return honorDelete(incoming, peers, now), true
		}

	case OpCreate:
		if e, ok := findByType(window, OpDelete, incoming.Create.ParentID); ok {
			return rejectLater(incoming, []LogEntry{e}, now), true
		}
		if peers := nearbyCreates(window, tree, incoming, proximity); len(peers) > 0 {
			return spreadPositions(incoming, peers, tree, proximity, now), true
		}

	case OpMove:
		if e, ok := findByType(window, OpDelete, incoming.TargetNodeID); ok {
			return rejectLater(incoming, []LogEntry{e}, now), true
		}
		if e, ok := findByType(window, OpDelete, incoming.Move.NewParentID); ok {
			return rejectLater(incoming, []LogEntry{e}, now), true
		}
		if e, ok := findByType(window, OpMove, incoming.TargetNodeID); ok {
			return rejectLater(incoming, []LogEntry{e}, now), true
		}
	}
	return Resolution{}, false
}

// concurrent_update：后到者（ServerSequence 更大，即 incoming）按字段覆盖，
// 两边不相交的字段都存活。补丁原样应用即可——先到者已写入树，
// 再应用 incoming 的字段自然得到按字段合并的结果
func mergeFields(incoming Operation, peers []LogEntry, now time.Time) Resolution {
	mine := incoming.Update.Fields()
	overwritten := make([]string, 0, len(mine))
	for _, f := range mine {
		for _, p := range peers {
			if hasField(p.Op.Update.Fields(), f) {
				overwritten = append(overwritten, f)
				break
			}
		}
	}
	rec := newRecord(incoming, peers, model.ConflictConcurrentUpdate, model.ResolutionFieldMerge, now)
	rec.OverwrittenFields = overwritten
	rec.AffectedNodeIDs = []string{incoming.TargetNodeID}
	return Resolution{Record: rec, Op: incoming}
}

// deletion_conflict，incoming 是后到的 delete 或撞上已删节点的 update：
// 序号更小的 delete 获胜，incoming 被丢弃
func firstDeleteWins(incoming Operation, winner LogEntry, now time.Time) Resolution {
	rec := newRecord(incoming, []LogEntry{winner}, model.ConflictDeletion, model.ResolutionFirstDeleteWins, now)
	rec.AffectedNodeIDs = []string{incoming.TargetNodeID}
	rec.DataLoss = incoming.Type == OpUpdate
	return Resolution{Record: rec, Op: incoming, Discard: true}
}

// deletion_conflict，incoming 是窗口内第一条 delete：删除照常执行
// （子节点挂回父节点），窗口内针对该节点的 update/move 已成历史
func honorDelete(incoming Operation, peers []LogEntry, now time.Time) Resolution {
	rec := newRecord(incoming, peers, model.ConflictDeletion, model.ResolutionFirstDeleteWins, now)
	rec.AffectedNodeIDs = []string{incoming.TargetNodeID}
	return Resolution{Record: rec, Op: incoming}
}

// merge_conflict：保留先到者，拒绝后到者，明确告知客户端有数据丢失
func rejectLater(incoming Operation, peers []LogEntry, now time.Time) Resolution {
	rec := newRecord(incoming, peers, model.ConflictMerge, model.ResolutionRejectLater, now)
	rec.AffectedNodeIDs = []string{incoming.TargetNodeID}
	rec.DataLoss = true
	return Resolution{Record: rec, Op: incoming, Discard: true}
}

// concurrent_creation：节点都保留，把整簇坐标从质心向外推开，
// 推开后任意两点距离不小于阈值。方向取各点相对质心的方向；
// 重合点按受理顺序均匀分配角度，保证确定性
func spreadPositions(incoming Operation, peers []LogEntry, tree *mindmap.Tree, proximity float64, now time.Time) Resolution {
	type member struct {
		id   string
		x, y float64
	}
	cluster := make([]member, 0, len(peers)+1)
	for _, p := range peers {
		// 先到的节点已入树，取树上当前坐标（可能已被上一轮散开过）
		if n, ok := tree.Get(p.Op.TargetNodeID); ok {
			cluster = append(cluster, member{id: n.ID, x: n.X, y: n.Y})
		}
	}
	cluster = append(cluster, member{id: incoming.TargetNodeID, x: incoming.Create.Node.X, y: incoming.Create.Node.Y})

	n := len(cluster)
	var cx, cy float64
	for _, m := range cluster {
		cx += m.x
		cy += m.y
	}
	cx /= float64(n)
	cy /= float64(n)

	// 半径保证 n 个点均匀分布时两两间距 >= proximity
	radius := proximity
	if n > 2 {
		if r := proximity / (2 * math.Sin(math.Pi/float64(n))); r > radius {
			radius = r
		}
	}

	rec := newRecord(incoming, peers, model.ConflictConcurrentCreation, model.ResolutionPositionSpread, now)
	out := Resolution{Record: rec, Op: incoming}

	for i, m := range cluster {
		dx, dy := m.x-cx, m.y-cy
		norm := math.Hypot(dx, dy)
		var ux, uy float64
		if norm < 1e-6 {
			// 点与质心重合（常见：两端同时在同一坐标建节点），按序号定角度
			angle := 2 * math.Pi * float64(i) / float64(n)
			ux, uy = math.Cos(angle), math.Sin(angle)
		} else {
			ux, uy = dx/norm, dy/norm
		}
		nx, ny := cx+ux*radius, cy+uy*radius
		rec.AffectedNodeIDs = append(rec.AffectedNodeIDs, m.id)
		rec.Adjustments = append(rec.Adjustments, model.PositionAdjustment{NodeID: m.id, DX: nx - m.x, DY: ny - m.y})
		if m.id == incoming.TargetNodeID {
			adjusted := *incoming.Create
			adjusted.Node.X = nx
			adjusted.Node.Y = ny
			out.Op.Create = &adjusted
		} else {
			out.PositionFixes = append(out.PositionFixes, PositionFix{NodeID: m.id, X: nx, Y: ny})
		}
	}
	return out
}

// nearbyCreates 找窗口内同一父节点下、与新节点距离小于阈值的 create
func nearbyCreates(window []LogEntry, tree *mindmap.Tree, incoming Operation, proximity float64) []LogEntry {
	var out []LogEntry
	for _, e := range window {
		if e.Op.Type != OpCreate || e.Op.Create.ParentID != incoming.Create.ParentID {
			continue
		}
		n, ok := tree.Get(e.Op.TargetNodeID)
		if !ok {
			continue
		}
		if math.Hypot(n.X-incoming.Create.Node.X, n.Y-incoming.Create.Node.Y) < proximity {
			out = append(out, e)
		}
	}
	return out
}

func newRecord(incoming Operation, peers []LogEntry, typ model.ConflictType, strategy model.ResolutionStrategy, now time.Time) *model.ConflictRecord {
	involved := make([]string, 0, len(peers)+1)
	for _, p := range peers {
		involved = append(involved, p.Op.ID)
	}
	involved = append(involved, incoming.ID)
	return &model.ConflictRecord{
		// 序号在文档内唯一，记录 id 因而对相同输入是确定的
		ID:                 fmt.Sprintf("cf-%s-%d", incoming.DocumentID, incoming.ServerSequence),
		Type:               typ,
		InvolvedOperations: involved,
		ResolutionStrategy: strategy,
		ProducedAt:         now,
	}
}

func findByType(window []LogEntry, t OpType, target string) (LogEntry, bool) {
	for _, e := range window {
		if e.Op.Type == t && e.Op.TargetNodeID == target {
			return e, true
		}
	}
	return LogEntry{}, false
}

func collectByType(window []LogEntry, t OpType, target string) []LogEntry {
	var out []LogEntry
	for _, e := range window {
		if e.Op.Type == t && e.Op.TargetNodeID == target {
			out = append(out, e)
		}
	}
	return out
}

func hasField(fields []string, f string) bool {
	for _, x := range fields {
		if x == f {
			return true
		}
	}
	return false
}
