package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"rent-radar/internal/model"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Store 封装 SQLite 数据库访问，负责历史记录、运行日志、订阅。
type Store struct {
	db *gorm.DB
}

// NewStore 创建 Store 并自动迁移数据表。
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(dbPath+"?_busy_timeout=5000"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql DB: %w", err)
	}
	// SQLite 单写者，串行化连接避免 database is locked
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&model.HistoryEntry{}, &model.RunLog{}, &model.Subscription{}); err != nil {
		return nil, fmt.Errorf("auto migrate models: %w", err)
	}

	return &Store{db: db}, nil
}

// Close 关闭底层数据库连接。
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql DB: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("close db: %w", err)
	}
	return nil
}

// Ping 检查数据库可用。
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// InsertIfAbsent 原子写入 (subscriber_id, listing_id)；返回 true 表示新建，
// 唯一键冲突返回 false 且不视为错误。
func (s *Store) InsertIfAbsent(ctx context.Context, entry model.HistoryEntry) (bool, error) {
	entry.ID = 0
	if entry.FirstSeenAt.IsZero() {
		entry.FirstSeenAt = time.Now().UTC()
	}
	tx := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "subscriber_id"}, {Name: "listing_id"}},
		DoNothing: true,
	}).Create(&entry)
	if tx.Error != nil {
		return false, fmt.Errorf("insert history: %w", tx.Error)
	}
	return tx.RowsAffected == 1, nil
}

// MarkDelivered 投递确认后置 delivered=true。
func (s *Store) MarkDelivered(ctx context.Context, subscriberID, listingID string, at time.Time) error {
	tx := s.db.WithContext(ctx).Model(&model.HistoryEntry{}).
		Where("subscriber_id = ? AND listing_id = ?", subscriberID, listingID).
		Updates(map[string]any{"delivered": true, "delivered_at": at.UTC()})
	if tx.Error != nil {
		return fmt.Errorf("mark delivered: %w", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return fmt.Errorf("mark delivered %s/%s: %w", subscriberID, listingID, ErrNotFound)
	}
	return nil
}

// ListHistory 按首次出现时间倒序返回订阅者的历史记录。
func (s *Store) ListHistory(ctx context.Context, subscriberID string, q HistoryQuery) ([]model.HistoryEntry, error) {
	var entries []model.HistoryEntry
	query := applyHistoryFilters(s.db.WithContext(ctx).Model(&model.HistoryEntry{}), subscriberID, q).
		Order("first_seen_at DESC").Order("id DESC").
		Limit(q.limit())
	if err := query.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return entries, nil
}

// CountHistory 返回满足条件的历史记录数量。
func (s *Store) CountHistory(ctx context.Context, subscriberID string, q HistoryQuery) (int64, error) {
	var total int64
	query := applyHistoryFilters(s.db.WithContext(ctx).Model(&model.HistoryEntry{}), subscriberID, q)
	if err := query.Count(&total).Error; err != nil {
		return 0, fmt.Errorf("count history: %w", err)
	}
	return total, nil
}

// AppendRunLog 追加一条运行日志，ID 为空时生成 UUID。
func (s *Store) AppendRunLog(ctx context.Context, run *model.RunLog) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("append run log: %w", err)
	}
	return nil
}

// ListRunLogs 按开始时间倒序返回运行日志。
func (s *Store) ListRunLogs(ctx context.Context, subscriberID string, limit int) ([]model.RunLog, error) {
	var runs []model.RunLog
	if limit <= 0 {
		limit = defaultListLimit
	}
	if err := s.db.WithContext(ctx).
		Where("subscriber_id = ?", subscriberID).
		Order("started_at DESC").
		Limit(limit).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("list run logs: %w", err)
	}
	return runs, nil
}

// CreateSubscription 新增订阅。
func (s *Store) CreateSubscription(ctx context.Context, sub *model.Subscription) error {
	if err := s.db.WithContext(ctx).Create(sub).Error; err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

// UpdateSubscription 覆盖订阅的条件与渠道字段。
func (s *Store) UpdateSubscription(ctx context.Context, sub *model.Subscription) error {
	tx := s.db.WithContext(ctx).Model(&model.Subscription{}).Where("id = ?", sub.ID).
		Select("channel", "address", "regions", "min_bedrooms", "max_price", "result_cap", "max_pages", "interval", "active").
		Updates(sub)
	if tx.Error != nil {
		return fmt.Errorf("update subscription: %w", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return fmt.Errorf("update subscription %s: %w", sub.ID, ErrNotFound)
	}
	return nil
}

// GetSubscription 根据 ID 获取订阅。
func (s *Store) GetSubscription(ctx context.Context, id string) (model.Subscription, error) {
	var sub model.Subscription
	if err := s.db.WithContext(ctx).First(&sub, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return sub, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
		}
		return sub, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

// ListSubscriptions 返回所有订阅记录。
func (s *Store) ListSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	var subs []model.Subscription
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return subs, nil
}

// SetSubscriptionActive 启用或停用订阅。
func (s *Store) SetSubscriptionActive(ctx context.Context, id string, active bool) error {
	tx := s.db.WithContext(ctx).Model(&model.Subscription{}).Where("id = ?", id).Update("active", active)
	if tx.Error != nil {
		return fmt.Errorf("set subscription active: %w", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListSubscribersDue 返回所有启用订阅的 ID。
func (s *Store) ListSubscribersDue(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&model.Subscription{}).
		Where("active = ?", true).
		Order("created_at ASC").
		Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list subscribers due: %w", err)
	}
	return ids, nil
}

func applyHistoryFilters(db *gorm.DB, subscriberID string, q HistoryQuery) *gorm.DB {
	db = db.Where("subscriber_id = ?", subscriberID)
	if q.Delivered != nil {
		db = db.Where("delivered = ?", *q.Delivered)
	}
	if !q.Since.IsZero() {
		db = db.Where("first_seen_at >= ?", q.Since.UTC())
	}
	return db
}
