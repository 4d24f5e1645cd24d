package store

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// MindmapDocument 文档元数据。所有权、标题等 CRUD 由外部服务维护，
// 这里只读元数据、由快照落盘时顺带刷新版本
type MindmapDocument struct {
	ID        string `gorm:"primaryKey;size:64"`
	Title     string `gorm:"size:255"`
	OwnerID   uint64
	Version   uint64
	UpdatedAt time.Time
}

func (MindmapDocument) TableName() string { return "mindmap_documents" }

type DocumentStore struct{ db *gorm.DB }

func NewDocumentStore(db *gorm.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

func (s *DocumentStore) Get(ctx context.Context, documentID string) (MindmapDocument, error) {
	var doc MindmapDocument
	err := s.db.WithContext(ctx).First(&doc, "id = ?", documentID).Error
	return doc, err
}
