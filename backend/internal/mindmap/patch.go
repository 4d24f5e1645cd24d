package mindmap

// FieldPatch 是 update 操作的字段补丁：只有非 nil 的字段会被写入节点。
// 用指针区分“未提交该字段”和“提交了零值”，冲突解决器按字段粒度合并时依赖这一点
type FieldPatch struct {
	Text       *string           `json:"text,omitempty"`
	X          *float64          `json:"x,omitempty"`
	Y          *float64          `json:"y,omitempty"`
	StyleAttrs map[string]string `json:"styleAttrs,omitempty"`
	Collapsed  *bool             `json:"collapsed,omitempty"`
}

// Fields 返回补丁中出现的字段名，顺序固定，便于确定性的冲突元数据
func (p *FieldPatch) Fields() []string {
	var out []string
	if p.Text != nil {
		out = append(out, "text")
	}
	if p.X != nil {
		out = append(out, "x")
	}
	if p.Y != nil {
		out = append(out, "y")
	}
	if p.StyleAttrs != nil {
		out = append(out, "styleAttrs")
	}
	if p.Collapsed != nil {
		out = append(out, "collapsed")
	}
	return out
}

func (p *FieldPatch) Empty() bool {
	return p.Text == nil && p.X == nil && p.Y == nil && p.StyleAttrs == nil && p.Collapsed == nil
}
