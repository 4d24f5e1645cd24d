package store

import (
	"context"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"mindmapServer/backend/internal/collab"
)

// MindmapSnapshot 快照表：每行一份完整的 MindmapState JSON。
// (document_id, version) 唯一，重复落盘天然幂等
type MindmapSnapshot struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	DocumentID string    `gorm:"size:64;uniqueIndex:uk_doc_version"`
	Version    uint64    `gorm:"uniqueIndex:uk_doc_version"`
	State      []byte    `gorm:"type:longblob"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
}

func (MindmapSnapshot) TableName() string { return "mindmap_snapshots" }

type SnapshotStore struct{ db *gorm.DB }

func NewSnapshotStore(db *gorm.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// SaveSnapshot 写入快照并顺带刷新文档元数据的版本和时间。
// 同版本重复写入按成功处理（Bridge 可能重试）
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, documentID string, version uint64, state []byte) error {
	err := s.db.WithContext(ctx).Create(&MindmapSnapshot{
		DocumentID: documentID,
		Version:    version,
		State:      state,
	}).Error
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return err
	}
	return s.db.WithContext(ctx).Model(&MindmapDocument{}).
		Where("id = ?", documentID).
		Updates(map[string]interface{}{"version": version, "updated_at": time.Now()}).Error
}

// LoadLatest 取版本最高的一份快照
func (s *SnapshotStore) LoadLatest(ctx context.Context, documentID string) ([]byte, uint64, error) {
	var snap MindmapSnapshot
	err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("version DESC").
		First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, 0, collab.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	return snap.State, snap.Version, nil
}
