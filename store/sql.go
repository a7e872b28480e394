package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/agentrelay/types"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// =============================================================================
// 🗃️ SQL 存储（GORM）
// =============================================================================
// 表结构与 internal/migration 中的迁移脚本保持一致。
// =============================================================================

type contextRow struct {
	ID        string    `gorm:"primaryKey;size:64"`
	TaskID    string    `gorm:"size:128;not null;index:idx_preserved_contexts_task_session"`
	SessionID string    `gorm:"size:128;not null;index:idx_preserved_contexts_task_session"`
	Data      string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null;index"`
}

func (contextRow) TableName() string { return "preserved_contexts" }

type liveRow struct {
	TaskID    string    `gorm:"primaryKey;size:128"`
	SessionID string    `gorm:"primaryKey;size:128"`
	ContextID string    `gorm:"size:64;not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (liveRow) TableName() string { return "live_contexts" }

type snapshotRow struct {
	ID        string    `gorm:"primaryKey;size:64"`
	Name      string    `gorm:"size:255"`
	TaskID    string    `gorm:"size:128;not null;index"`
	SessionID string    `gorm:"size:128"`
	Data      string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null;index"`
}

func (snapshotRow) TableName() string { return "context_snapshots" }

type handoffRow struct {
	ID                 string    `gorm:"primaryKey;size:64"`
	TaskID             string    `gorm:"size:128;not null;index"`
	SessionID          string    `gorm:"size:128;not null"`
	FromPlatform       string    `gorm:"size:64;not null"`
	ToPlatform         string    `gorm:"size:64"`
	TriggeredBy        string    `gorm:"size:32;not null"`
	PreservedContextID string    `gorm:"size:64"`
	Success            bool      `gorm:"not null"`
	ContextSize        int64     `gorm:"not null;default:0"`
	Error              string    `gorm:"type:text"`
	Timestamp          time.Time `gorm:"not null;index"`
}

func (handoffRow) TableName() string { return "handoff_records" }

func (r handoffRow) record() types.HandoffRecord {
	return types.HandoffRecord{
		ID:                 r.ID,
		TaskID:             r.TaskID,
		SessionID:          r.SessionID,
		FromPlatform:       r.FromPlatform,
		ToPlatform:         r.ToPlatform,
		TriggeredBy:        r.TriggeredBy,
		PreservedContextID: r.PreservedContextID,
		Success:            r.Success,
		ContextSize:        r.ContextSize,
		Error:              r.Error,
		Timestamp:          r.Timestamp,
	}
}

// SQLStore 基于 GORM 的关系型数据库实现（PostgreSQL / MySQL / SQLite）
type SQLStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewSQLStore 创建 SQL 存储。表结构由迁移负责创建，测试可调用 AutoMigrate。
func NewSQLStore(db *gorm.DB, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{db: db, logger: logger.With(zap.String("component", "sql_store"))}
}

// AutoMigrate 使用 GORM 模型建表，仅用于开发与测试
func (s *SQLStore) AutoMigrate() error {
	return s.db.AutoMigrate(&contextRow{}, &liveRow{}, &snapshotRow{}, &handoffRow{})
}

// SaveContext 实现 ContextStore
func (s *SQLStore) SaveContext(ctx context.Context, pc *types.PreservedContext) error {
	if err := validateContext(pc); err != nil {
		return err
	}
	data, err := json.Marshal(pc)
	if err != nil {
		return fmt.Errorf("failed to marshal preserved context: %w", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&contextRow{
			ID:        pc.ID,
			TaskID:    pc.TaskID,
			SessionID: pc.SessionID,
			Data:      string(data),
			CreatedAt: pc.CreatedAt,
		}).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "task_id"}, {Name: "session_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"context_id", "updated_at"}),
		}).Create(&liveRow{
			TaskID:    pc.TaskID,
			SessionID: pc.SessionID,
			ContextID: pc.ID,
			UpdatedAt: pc.CreatedAt,
		}).Error
	})
	return Unavailable("sql save context", err)
}

// LatestContext 实现 ContextStore
func (s *SQLStore) LatestContext(ctx context.Context, taskID, sessionID string) (*types.PreservedContext, error) {
	var live liveRow
	err := s.db.WithContext(ctx).
		Where("task_id = ? AND session_id = ?", taskID, sessionID).
		First(&live).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, Unavailable("sql latest context", err)
	}
	return s.GetContext(ctx, live.ContextID)
}

// GetContext 实现 ContextStore
func (s *SQLStore) GetContext(ctx context.Context, id string) (*types.PreservedContext, error) {
	var row contextRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, Unavailable("sql get context", err)
	}

	var pc types.PreservedContext
	if err := json.Unmarshal([]byte(row.Data), &pc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal preserved context: %w", err)
	}
	return &pc, nil
}

// SaveSnapshot 实现 ContextStore
func (s *SQLStore) SaveSnapshot(ctx context.Context, snap *types.Snapshot) error {
	if err := validateSnapshot(snap); err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	err = s.db.WithContext(ctx).Create(&snapshotRow{
		ID:        snap.ID,
		Name:      snap.Name,
		TaskID:    snap.TaskID,
		SessionID: snap.SessionID,
		Data:      string(data),
		CreatedAt: snap.CreatedAt,
	}).Error
	return Unavailable("sql save snapshot", err)
}

// ListSnapshots 实现 ContextStore
func (s *SQLStore) ListSnapshots(ctx context.Context, taskID string) ([]types.Snapshot, error) {
	var rows []snapshotRow
	if err := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("created_at ASC").
		Find(&rows).Error; err != nil {
		return nil, Unavailable("sql list snapshots", err)
	}

	out := make([]types.Snapshot, 0, len(rows))
	for _, row := range rows {
		var snap types.Snapshot
		if err := json.Unmarshal([]byte(row.Data), &snap); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot %s: %w", row.ID, err)
		}
		out = append(out, snap)
	}
	return out, nil
}

// AppendHandoff 实现 HandoffLog
func (s *SQLStore) AppendHandoff(ctx context.Context, rec types.HandoffRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Create(&handoffRow{
		ID:                 rec.ID,
		TaskID:             rec.TaskID,
		SessionID:          rec.SessionID,
		FromPlatform:       rec.FromPlatform,
		ToPlatform:         rec.ToPlatform,
		TriggeredBy:        rec.TriggeredBy,
		PreservedContextID: rec.PreservedContextID,
		Success:            rec.Success,
		ContextSize:        rec.ContextSize,
		Error:              rec.Error,
		Timestamp:          rec.Timestamp,
	}).Error
	return Unavailable("sql append handoff", err)
}

// ListHandoffs 实现 HandoffLog
func (s *SQLStore) ListHandoffs(ctx context.Context, taskID string) ([]types.HandoffRecord, error) {
	var rows []handoffRow
	if err := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("timestamp ASC").
		Find(&rows).Error; err != nil {
		return nil, Unavailable("sql list handoffs", err)
	}
	return toRecords(rows), nil
}

// RecentHandoffs 实现 HandoffLog
func (s *SQLStore) RecentHandoffs(ctx context.Context, limit int) ([]types.HandoffRecord, error) {
	q := s.db.WithContext(ctx).Order("timestamp DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []handoffRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, Unavailable("sql recent handoffs", err)
	}
	return toRecords(rows), nil
}

func toRecords(rows []handoffRow) []types.HandoffRecord {
	out := make([]types.HandoffRecord, len(rows))
	for i, r := range rows {
		out[i] = r.record()
	}
	return out
}

// Purge 实现 Store
func (s *SQLStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("created_at < ?", before).Delete(&contextRow{})
		if res.Error != nil {
			return res.Error
		}
		total += res.RowsAffected

		if err := tx.Where("context_id NOT IN (?)", tx.Model(&contextRow{}).Select("id")).
			Delete(&liveRow{}).Error; err != nil {
			return err
		}

		res = tx.Where("created_at < ?", before).Delete(&snapshotRow{})
		if res.Error != nil {
			return res.Error
		}
		total += res.RowsAffected

		res = tx.Where("timestamp < ?", before).Delete(&handoffRow{})
		if res.Error != nil {
			return res.Error
		}
		total += res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, Unavailable("sql purge", err)
	}
	return total, nil
}

// Ping 实现 Store
func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 实现 Store。连接池由 internal/database 管理，这里不关闭。
func (s *SQLStore) Close() error {
	return nil
}
