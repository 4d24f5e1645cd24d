package mindmap

import (
	"testing"

	"mindmapServer/backend/internal/model"
)

func newTestTree(t *testing.T) *Tree {
	t.Helper()
	tr := New(&model.Node{ID: "root", Text: "中心主题"})
	if err := tr.ApplyCreate("root", &model.Node{ID: "n1", Text: "a", X: 200, Y: 200}); err != nil {
		t.Fatalf("ApplyCreate(n1) error = %v", err)
	}
	if err := tr.ApplyCreate("root", &model.Node{ID: "n2", Text: "b", X: 600, Y: 200}); err != nil {
		t.Fatalf("ApplyCreate(n2) error = %v", err)
	}
	return tr
}

func TestTree_CreateAppendsInArrivalOrder(t *testing.T) {
	tr := newTestTree(t)
	root := tr.Root()
	if len(root.Children) != 2 {
		t.Fatalf("len(children) = %d, want 2", len(root.Children))
	}
	if root.Children[0].ID != "n1" || root.Children[1].ID != "n2" {
		t.Fatalf("children order = [%s %s], want [n1 n2]", root.Children[0].ID, root.Children[1].ID)
	}
}

func TestTree_CreateParentNotFound(t *testing.T) {
	tr := newTestTree(t)
	if err := tr.ApplyCreate("ghost", &model.Node{ID: "n3"}); err != ErrParentNotFound {
		t.Fatalf("ApplyCreate error = %v, want ErrParentNotFound", err)
	}
}

func TestTree_CreateDuplicateID(t *testing.T) {
	tr := newTestTree(t)
	if err := tr.ApplyCreate("root", &model.Node{ID: "n1"}); err != ErrDuplicateNode {
		t.Fatalf("ApplyCreate error = %v, want ErrDuplicateNode", err)
	}
}

func TestTree_UpdateMergesOnlyPatchedFields(t *testing.T) {
	tr := newTestTree(t)
	text := "hello"
	x := 250.0
	if err := tr.ApplyUpdate("n1", &FieldPatch{Text: &text, X: &x}); err != nil {
		t.Fatalf("ApplyUpdate error = %v", err)
	}
	n, _ := tr.Get("n1")
	if n.Text != "hello" || n.X != 250 {
		t.Fatalf("node = {text:%q x:%v}, want {text:\"hello\" x:250}", n.Text, n.X)
	}
	// 未出现在补丁中的字段不动
	if n.Y != 200 {
		t.Fatalf("Y = %v, want 200 (untouched)", n.Y)
	}
}

func TestTree_UpdateNodeNotFound(t *testing.T) {
	tr := newTestTree(t)
	text := "x"
	if err := tr.ApplyUpdate("ghost", &FieldPatch{Text: &text}); err != ErrNodeNotFound {
		t.Fatalf("ApplyUpdate error = %v, want ErrNodeNotFound", err)
	}
}

// 删除带 N 个子节点的节点：N 个子节点全部挂回原父节点，一个不少
func TestTree_DeleteReparentsAllChildren(t *testing.T) {
	tr := newTestTree(t)
	for _, id := range []string{"c1", "c2", "c3"} {
		if err := tr.ApplyCreate("n1", &model.Node{ID: id}); err != nil {
			t.Fatalf("ApplyCreate(%s) error = %v", id, err)
		}
	}
	reparented, err := tr.ApplyDelete("n1")
	if err != nil {
		t.Fatalf("ApplyDelete error = %v", err)
	}
	if len(reparented) != 3 {
		t.Fatalf("reparented = %d children, want 3", len(reparented))
	}
	root := tr.Root()
	// n1 原位被其子节点替换：c1 c2 c3 n2
	want := []string{"c1", "c2", "c3", "n2"}
	if len(root.Children) != len(want) {
		t.Fatalf("len(root.Children) = %d, want %d", len(root.Children), len(want))
	}
	for i, id := range want {
		if root.Children[i].ID != id {
			t.Fatalf("root.Children[%d] = %s, want %s", i, root.Children[i].ID, id)
		}
	}
	if _, ok := tr.Get("n1"); ok {
		t.Fatalf("deleted node n1 still indexed")
	}
	if p, _ := tr.Parent("c2"); p.ID != "root" {
		t.Fatalf("Parent(c2) = %s, want root", p.ID)
	}
}

func TestTree_DeleteRootRejected(t *testing.T) {
	tr := newTestTree(t)
	if _, err := tr.ApplyDelete("root"); err != ErrCannotDeleteRoot {
		t.Fatalf("ApplyDelete(root) error = %v, want ErrCannotDeleteRoot", err)
	}
}

func TestTree_MoveReparents(t *testing.T) {
	tr := newTestTree(t)
	if err := tr.ApplyMove("n2", "n1"); err != nil {
		t.Fatalf("ApplyMove error = %v", err)
	}
	if p, _ := tr.Parent("n2"); p.ID != "n1" {
		t.Fatalf("Parent(n2) = %s, want n1", p.ID)
	}
	if len(tr.Root().Children) != 1 {
		t.Fatalf("root children = %d, want 1", len(tr.Root().Children))
	}
}

// 把 A 移到自己后代下面必须报环，且树保持原样
func TestTree_MoveCircularReferenceRejected(t *testing.T) {
	tr := newTestTree(t)
	if err := tr.ApplyCreate("n1", &model.Node{ID: "c1"}); err != nil {
		t.Fatalf("ApplyCreate error = %v", err)
	}
	before := len(tr.Flatten())

	if err := tr.ApplyMove("n1", "c1"); err != ErrCircularReference {
		t.Fatalf("ApplyMove(n1->c1) error = %v, want ErrCircularReference", err)
	}
	if err := tr.ApplyMove("n1", "n1"); err != ErrCircularReference {
		t.Fatalf("ApplyMove(n1->n1) error = %v, want ErrCircularReference", err)
	}
	if got := len(tr.Flatten()); got != before {
		t.Fatalf("tree size changed after rejected move: %d -> %d", before, got)
	}
	if p, _ := tr.Parent("n1"); p.ID != "root" {
		t.Fatalf("Parent(n1) = %s, want root (unchanged)", p.ID)
	}
}

func TestTree_FlattenPreOrder(t *testing.T) {
	tr := newTestTree(t)
	if err := tr.ApplyCreate("n1", &model.Node{ID: "c1"}); err != nil {
		t.Fatalf("ApplyCreate error = %v", err)
	}
	got := tr.Flatten()
	want := []string{"root", "n1", "c1", "n2"}
	if len(got) != len(want) {
		t.Fatalf("Flatten() len = %d, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("Flatten()[%d] = %s, want %s", i, got[i].ID, id)
		}
	}
}

func TestTree_FromRootRejectsDuplicateIDs(t *testing.T) {
	root := &model.Node{ID: "root", Children: []*model.Node{
		{ID: "a"}, {ID: "a"},
	}}
	if _, err := FromRoot(root); err != ErrDuplicateNode {
		t.Fatalf("FromRoot error = %v, want ErrDuplicateNode", err)
	}
}

func TestTree_FromRootRebuildsIndex(t *testing.T) {
	root := &model.Node{ID: "root", Children: []*model.Node{
		{ID: "a", Children: []*model.Node{{ID: "b"}}},
	}}
	tr, err := FromRoot(root)
	if err != nil {
		t.Fatalf("FromRoot error = %v", err)
	}
	if p, _ := tr.Parent("b"); p.ID != "a" {
		t.Fatalf("Parent(b) = %s, want a", p.ID)
	}
	if tr.Size() != 3 {
		t.Fatalf("Size() = %d, want 3", tr.Size())
	}
}
