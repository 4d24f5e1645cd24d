package mindmap

import (
	"errors"

	"mindmapServer/backend/internal/model"
)

var (
	ErrNodeNotFound      = errors.New("NODE_NOT_FOUND")
	ErrParentNotFound    = errors.New("PARENT_NOT_FOUND")
	ErrDuplicateNode     = errors.New("DUPLICATE_NODE")
	ErrCannotDeleteRoot  = errors.New("CANNOT_DELETE_ROOT")
	ErrCircularReference = errors.New("CIRCULAR_REFERENCE")
)

// Tree 是单个文档节点层级的内存表示，负责把“已经解决完冲突”的
// 单个效果应用到树上。不做并发保护：由房间协程独占持有
type Tree struct {
	root *model.Node
	// id -> 节点 / 父节点，避免每次操作都递归查找
	index   map[string]*model.Node
	parents map[string]*model.Node
}

// New 创建只含根节点的空树
func New(root *model.Node) *Tree {
	t := &Tree{
		root:    root,
		index:   map[string]*model.Node{root.ID: root},
		parents: map[string]*model.Node{},
	}
	return t
}

// FromRoot 从快照反序列化出来的根节点重建树和索引。
// 发现重复 id 时拒绝加载（快照已损坏，不能静默吞掉）
func FromRoot(root *model.Node) (*Tree, error) {
	t := &Tree{
		root:    root,
		index:   make(map[string]*model.Node),
		parents: make(map[string]*model.Node),
	}
	var walk func(n *model.Node, parent *model.Node) error
	walk = func(n *model.Node, parent *model.Node) error {
		if _, ok := t.index[n.ID]; ok {
			return ErrDuplicateNode
		}
		t.index[n.ID] = n
		if parent != nil {
			t.parents[n.ID] = parent
		}
		for _, c := range n.Children {
			if err := walk(c, n); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root, nil); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tree) Root() *model.Node { return t.root }

func (t *Tree) Get(id string) (*model.Node, bool) {
	n, ok := t.index[id]
	return n, ok
}

// Parent 返回节点的父节点；根节点没有父节点
func (t *Tree) Parent(id string) (*model.Node, bool) {
	p, ok := t.parents[id]
	return p, ok
}

func (t *Tree) Size() int { return len(t.index) }

// ApplyCreate 把新节点追加到父节点 children 末尾（按到达顺序）
func (t *Tree) ApplyCreate(parentID string, node *model.Node) error {
	parent, ok := t.index[parentID]
	if !ok {
		return ErrParentNotFound
	}
	if _, exists := t.index[node.ID]; exists {
		return ErrDuplicateNode
	}
	// 子树不允许由客户端一次性带进来，create 只建单个节点
	node.Children = nil
	parent.Children = append(parent.Children, node)
	t.index[node.ID] = node
	t.parents[node.ID] = parent
	return nil
}

// ApplyUpdate 只合并补丁中出现的字段
func (t *Tree) ApplyUpdate(nodeID string, patch *FieldPatch) error {
	n, ok := t.index[nodeID]
	if !ok {
		return ErrNodeNotFound
	}
	if patch.Text != nil {
		n.Text = *patch.Text
	}
	if patch.X != nil {
		n.X = *patch.X
	}
	if patch.Y != nil {
		n.Y = *patch.Y
	}
	if patch.StyleAttrs != nil {
		if n.StyleAttrs == nil {
			n.StyleAttrs = make(map[string]string, len(patch.StyleAttrs))
		}
		for k, v := range patch.StyleAttrs {
			n.StyleAttrs[k] = v
		}
	}
	if patch.Collapsed != nil {
		n.Collapsed = *patch.Collapsed
	}
	return nil
}

// ApplyDelete 删除节点，被删节点的子节点整体挂回其父节点（避免静默丢数据）。
// 返回被重新挂接的子节点 id
func (t *Tree) ApplyDelete(nodeID string) ([]string, error) {
	n, ok := t.index[nodeID]
	if !ok {
		return nil, ErrNodeNotFound
	}
	if n == t.root {
		return nil, ErrCannotDeleteRoot
	}
	parent := t.parents[nodeID]

	reparented := make([]string, 0, len(n.Children))
	for _, c := range n.Children {
		t.parents[c.ID] = parent
		reparented = append(reparented, c.ID)
	}

	// 在父节点的 children 中用被删节点的子节点原位替换它，保持相对顺序
	newChildren := make([]*model.Node, 0, len(parent.Children)-1+len(n.Children))
	for _, c := range parent.Children {
		if c == n {
			newChildren = append(newChildren, n.Children...)
			continue
		}
		newChildren = append(newChildren, c)
	}
	parent.Children = newChildren

	delete(t.index, nodeID)
	delete(t.parents, nodeID)
	return reparented, nil
}

// ApplyMove 把节点挂到新的父节点下。目标父节点是自身后代时报环
func (t *Tree) ApplyMove(nodeID, newParentID string) error {
	n, ok := t.index[nodeID]
	if !ok {
		return ErrNodeNotFound
	}
	if n == t.root {
		return ErrCircularReference
	}
	newParent, ok := t.index[newParentID]
	if !ok {
		return ErrParentNotFound
	}
	if t.IsDescendant(nodeID, newParentID) || nodeID == newParentID {
		return ErrCircularReference
	}

	oldParent := t.parents[nodeID]
	if oldParent == newParent {
		return nil
	}
	for i, c := range oldParent.Children {
		if c == n {
			oldParent.Children = append(oldParent.Children[:i], oldParent.Children[i+1:]...)
			break
		}
	}
	newParent.Children = append(newParent.Children, n)
	t.parents[nodeID] = newParent
	return nil
}

// IsDescendant 判断 candidate 是否在 ancestorID 的子树里。
// 沿 candidate 的祖先链向根走，步数以树深为界
func (t *Tree) IsDescendant(ancestorID, candidateID string) bool {
	p, ok := t.parents[candidateID]
	for ok {
		if p.ID == ancestorID {
			return true
		}
		p, ok = t.parents[p.ID]
	}
	return false
}

// Flatten 前序遍历。每次调用重新遍历，不做缓存（树在调用之间会变）
func (t *Tree) Flatten() []*model.Node {
	out := make([]*model.Node, 0, len(t.index))
	var walk func(n *model.Node)
	walk = func(n *model.Node) {
		out = append(out, n)
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(t.root)
	return out
}
