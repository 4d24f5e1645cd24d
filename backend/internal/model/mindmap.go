package model

import "time"

// AttachmentRef 指向文件服务里的附件，核心引擎只保存引用，不管文件内容
type AttachmentRef struct {
	ID       string `json:"id"`
	FileName string `json:"fileName,omitempty"`
	URL      string `json:"url,omitempty"`
}

// MapLinkRef 指向另一张思维导图的链接
type MapLinkRef struct {
	TargetMapID string `json:"targetMapId"`
	Label       string `json:"label,omitempty"`
}

// Node 思维导图中的一个节点。Children 有序且归属于父节点，
// 除根节点外每个节点恰好有一个父节点（不变量：无环、id 在文档内唯一）
type Node struct {
	ID          string            `json:"id"`
	Text        string            `json:"text"`
	X           float64           `json:"x"`
	Y           float64           `json:"y"`
	StyleAttrs  map[string]string `json:"styleAttrs,omitempty"`
	Collapsed   bool              `json:"collapsed"`
	Children    []*Node           `json:"children,omitempty"`
	Attachments []AttachmentRef   `json:"attachments,omitempty"`
	Links       []MapLinkRef      `json:"links,omitempty"`
}

// MindmapState 单个文档的内存态：节点树 + 单调版本号。
// version 每成功应用一个操作恰好 +1（被解决的冲突算一次逻辑操作）
type MindmapState struct {
	DocumentID string    `json:"documentId"`
	Root       *Node     `json:"rootNode"`
	Version    uint64    `json:"version"`
	UpdatedAt  time.Time `json:"updatedAt"`
}
