// Package store 提供 Memory 和 MemoryLink 的关系型存储。
// 检索子系统将其视为按记忆 id 寻址的事务性键值存储。
package store

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/memflow/types"
)

// MemoryStore 基于 GORM 的关系型存储。
type MemoryStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewMemoryStore 创建存储并迁移表结构。
func NewMemoryStore(db *gorm.DB, logger *zap.Logger) (*MemoryStore, error) {
	if db == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := db.AutoMigrate(&types.Memory{}, &types.MemoryLink{}); err != nil {
		return nil, types.NewError(types.ErrStoreFailed, "migrate memory tables").WithCause(err)
	}

	return &MemoryStore{
		db:     db,
		logger: logger.With(zap.String("component", "memory_store")),
	}, nil
}

// Create 写入新记忆行。
func (s *MemoryStore) Create(ctx context.Context, m *types.Memory) error {
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return types.NewError(types.ErrStoreFailed, "create memory").WithCause(err)
	}
	return nil
}

// Get 按 id 读取记忆。
func (s *MemoryStore) Get(ctx context.Context, id string) (*types.Memory, error) {
	var m types.Memory
	err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrNotFound, "memory not found: "+id)
	}
	if err != nil {
		return nil, types.NewError(types.ErrStoreFailed, "get memory").WithCause(err)
	}
	return &m, nil
}

// GetByIDs 批量读取；结果顺序不保证，调用方按 id 重组。
func (s *MemoryStore) GetByIDs(ctx context.Context, ids []string) ([]*types.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var ms []*types.Memory
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&ms).Error; err != nil {
		return nil, types.NewError(types.ErrStoreFailed, "get memories").WithCause(err)
	}
	return ms, nil
}

// Update 全量更新记忆行。
func (s *MemoryStore) Update(ctx context.Context, m *types.Memory) error {
	m.UpdatedAt = time.Now()
	if err := s.db.WithContext(ctx).Save(m).Error; err != nil {
		return types.NewError(types.ErrStoreFailed, "update memory").WithCause(err)
	}
	return nil
}

// SetVectorStatus 更新向量一致性状态。
func (s *MemoryStore) SetVectorStatus(ctx context.Context, id string, status types.VectorStatus) error {
	err := s.db.WithContext(ctx).Model(&types.Memory{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"vector_status": status,
			"updated_at":    time.Now(),
		}).Error
	if err != nil {
		return types.NewError(types.ErrStoreFailed, "set vector status").WithCause(err)
	}
	return nil
}

// IncrementVectorAttempts 补偿重试计数 +1。
func (s *MemoryStore) IncrementVectorAttempts(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Model(&types.Memory{}).
		Where("id = ?", id).
		UpdateColumn("vector_attempts", gorm.Expr("vector_attempts + 1")).Error
	if err != nil {
		return types.NewError(types.ErrStoreFailed, "increment vector attempts").WithCause(err)
	}
	return nil
}

// Touch 批量记录访问：access_count +1，last_accessed 置为当前时间。
func (s *MemoryStore) Touch(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now()
	err := s.db.WithContext(ctx).Model(&types.Memory{}).
		Where("id IN ?", ids).
		Updates(map[string]any{
			"access_count":  gorm.Expr("access_count + 1"),
			"last_accessed": now,
		}).Error
	if err != nil {
		return types.NewError(types.ErrStoreFailed, "touch memories").WithCause(err)
	}
	return nil
}

// UpdateImportance 更新重要性（取值校验在服务层完成）。
func (s *MemoryStore) UpdateImportance(ctx context.Context, id string, importance int) error {
	res := s.db.WithContext(ctx).Model(&types.Memory{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"importance": importance,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return types.NewError(types.ErrStoreFailed, "update importance").WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		return types.NewError(types.ErrNotFound, "memory not found: "+id)
	}
	return nil
}

// Delete 在一个事务中删除记忆行及其两个方向的关联链接。
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("from_id = ? OR to_id = ?", id, id).Delete(&types.MemoryLink{}).Error; err != nil {
			return err
		}
		return tx.Delete(&types.Memory{}, "id = ?", id).Error
	})
	if err != nil {
		return types.NewError(types.ErrStoreFailed, "delete memory").WithCause(err)
	}
	return nil
}

// ListExpired 列出已过期且未归档的记忆。
func (s *MemoryStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*types.Memory, error) {
	var ms []*types.Memory
	q := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at < ?", now)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&ms).Error; err != nil {
		return nil, types.NewError(types.ErrStoreFailed, "list expired").WithCause(err)
	}
	return ms, nil
}

// ListByVectorStatus 列出指定向量状态、重试次数低于预算的记忆。
func (s *MemoryStore) ListByVectorStatus(ctx context.Context, status types.VectorStatus, maxAttempts, limit int) ([]*types.Memory, error) {
	var ms []*types.Memory
	q := s.db.WithContext(ctx).Where("vector_status = ?", status)
	if maxAttempts > 0 {
		q = q.Where("vector_attempts < ?", maxAttempts)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Order("updated_at asc").Find(&ms).Error; err != nil {
		return nil, types.NewError(types.ErrStoreFailed, "list by vector status").WithCause(err)
	}
	return ms, nil
}

// ListIDsByType 返回某记忆类型的全部行 id（孤儿向量清理用）。
func (s *MemoryStore) ListIDsByType(ctx context.Context, memType types.MemoryType) (map[string]bool, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&types.Memory{}).
		Where("memory_type = ?", memType).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, types.NewError(types.ErrStoreFailed, "list ids by type").WithCause(err)
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}

// ListBySource 按来源列出记忆（最新在前）。
func (s *MemoryStore) ListBySource(ctx context.Context, sourceType, sourceID string, limit int) ([]*types.Memory, error) {
	var ms []*types.Memory
	q := s.db.WithContext(ctx).
		Where("source_type = ? AND source_id = ?", sourceType, sourceID).
		Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&ms).Error; err != nil {
		return nil, types.NewError(types.ErrStoreFailed, "list by source").WithCause(err)
	}
	return ms, nil
}

// ListActive 分页列出未归档的记忆（重要性重算用），按 id 排序保证分页稳定。
func (s *MemoryStore) ListActive(ctx context.Context, limit, offset int) ([]*types.Memory, error) {
	var ms []*types.Memory
	q := s.db.WithContext(ctx).
		Where("is_archived = ?", false).
		Order("id asc").
		Offset(offset)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&ms).Error; err != nil {
		return nil, types.NewError(types.ErrStoreFailed, "list active").WithCause(err)
	}
	return ms, nil
}

// CountByType 返回某记忆类型的行数。
func (s *MemoryStore) CountByType(ctx context.Context, memType types.MemoryType) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&types.Memory{}).
		Where("memory_type = ?", memType).Count(&n).Error
	if err != nil {
		return 0, types.NewError(types.ErrStoreFailed, "count by type").WithCause(err)
	}
	return n, nil
}

// ============================================================
// 链接操作
// ============================================================

// UpsertLink 写入链接；(from, to, type) 冲突时更新强度和元数据。
func (s *MemoryStore) UpsertLink(ctx context.Context, link *types.MemoryLink) error {
	if link.FromID == link.ToID {
		return types.NewError(types.ErrInvalidRequest, "self-links are not allowed")
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "from_id"}, {Name: "to_id"}, {Name: "type"}},
		DoUpdates: clause.AssignmentColumns([]string{"strength", "metadata"}),
	}).Create(link).Error
	if err != nil {
		return types.NewError(types.ErrStoreFailed, "upsert link").WithCause(err)
	}
	return nil
}

// GetLink 按 (from, to, type) 读取链接。
func (s *MemoryStore) GetLink(ctx context.Context, fromID, toID, relType string) (*types.MemoryLink, error) {
	var link types.MemoryLink
	err := s.db.WithContext(ctx).
		First(&link, "from_id = ? AND to_id = ? AND type = ?", fromID, toID, relType).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrNotFound, "link not found")
	}
	if err != nil {
		return nil, types.NewError(types.ErrStoreFailed, "get link").WithCause(err)
	}
	return &link, nil
}

// ListLinksFrom 列出从某记忆出发的链接。
func (s *MemoryStore) ListLinksFrom(ctx context.Context, fromID string) ([]*types.MemoryLink, error) {
	var links []*types.MemoryLink
	err := s.db.WithContext(ctx).
		Where("from_id = ?", fromID).
		Order("strength desc").
		Find(&links).Error
	if err != nil {
		return nil, types.NewError(types.ErrStoreFailed, "list links").WithCause(err)
	}
	return links, nil
}

// PruneLinks 删除超过保留窗口且强度低于阈值的链接，返回删除数。
func (s *MemoryStore) PruneLinks(ctx context.Context, olderThan time.Time, maxStrength float64) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("created_at < ? AND strength < ?", olderThan, maxStrength).
		Delete(&types.MemoryLink{})
	if res.Error != nil {
		return 0, types.NewError(types.ErrStoreFailed, "prune links").WithCause(res.Error)
	}
	return res.RowsAffected, nil
}

// PruneOrphanLinks 删除端点已不存在的链接，返回删除数。
func (s *MemoryStore) PruneOrphanLinks(ctx context.Context) (int64, error) {
	sub := s.db.Model(&types.Memory{}).Select("id")
	res := s.db.WithContext(ctx).
		Where("from_id NOT IN (?) OR to_id NOT IN (?)", sub, sub).
		Delete(&types.MemoryLink{})
	if res.Error != nil {
		return 0, types.NewError(types.ErrStoreFailed, "prune orphan links").WithCause(res.Error)
	}
	return res.RowsAffected, nil
}
