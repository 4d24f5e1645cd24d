package model

import "time"

type ConflictType string

const (
	ConflictConcurrentUpdate   ConflictType = "concurrent_update"
	ConflictConcurrentCreation ConflictType = "concurrent_creation"
	ConflictDeletion           ConflictType = "deletion_conflict"
	ConflictMerge              ConflictType = "merge_conflict"
)

type ResolutionStrategy string

const (
	ResolutionFieldMerge      ResolutionStrategy = "field_merge"
	ResolutionPositionSpread  ResolutionStrategy = "position_spread"
	ResolutionFirstDeleteWins ResolutionStrategy = "first_delete_wins"
	ResolutionRejectLater     ResolutionStrategy = "reject_later"
)

// PositionAdjustment 记录 position_spread 对某个节点坐标的修正量
type PositionAdjustment struct {
	NodeID string  `json:"nodeId"`
	DX     float64 `json:"dx"`
	DY     float64 `json:"dy"`
}

// ConflictRecord 描述一次冲突是如何被解决的，创建后不可变，
// 只用于通知客户端，不会被重放
type ConflictRecord struct {
	ID                 string               `json:"id"`
	Type               ConflictType         `json:"type"`
	InvolvedOperations []string             `json:"involvedOperations"`
	ResolutionStrategy ResolutionStrategy   `json:"resolutionStrategy"`
	AffectedNodeIDs    []string             `json:"affectedNodeIds"`
	OverwrittenFields  []string             `json:"overwrittenFields,omitempty"`
	Adjustments        []PositionAdjustment `json:"adjustments,omitempty"`
	DataLoss           bool                 `json:"dataLoss,omitempty"`
	ProducedAt         time.Time            `json:"producedAt"`
}
