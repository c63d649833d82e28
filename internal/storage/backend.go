package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"rent-radar/internal/model"
)

// ErrNotFound 记录不存在。
var ErrNotFound = errors.New("record not found")

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Config 数据库配置，driver 为 sqlite 或 postgres。
type Config struct {
	Driver string `yaml:"driver" json:"driver"`
	Path   string `yaml:"path" json:"path"`
	DSN    string `yaml:"dsn" json:"dsn"`
}

// HistoryQuery 历史记录筛选条件；Delivered 为 nil 表示不限。
type HistoryQuery struct {
	Delivered *bool
	Since     time.Time
	Limit     int
}

func (q HistoryQuery) limit() int {
	switch {
	case q.Limit <= 0:
		return defaultListLimit
	case q.Limit > maxListLimit:
		return maxListLimit
	default:
		return q.Limit
	}
}

// Backend 两种存储实现共同满足的接口。
type Backend interface {
	InsertIfAbsent(ctx context.Context, entry model.HistoryEntry) (bool, error)
	MarkDelivered(ctx context.Context, subscriberID, listingID string, at time.Time) error
	ListHistory(ctx context.Context, subscriberID string, q HistoryQuery) ([]model.HistoryEntry, error)
	CountHistory(ctx context.Context, subscriberID string, q HistoryQuery) (int64, error)
	AppendRunLog(ctx context.Context, run *model.RunLog) error
	ListRunLogs(ctx context.Context, subscriberID string, limit int) ([]model.RunLog, error)
	CreateSubscription(ctx context.Context, sub *model.Subscription) error
	UpdateSubscription(ctx context.Context, sub *model.Subscription) error
	GetSubscription(ctx context.Context, id string) (model.Subscription, error)
	ListSubscriptions(ctx context.Context) ([]model.Subscription, error)
	SetSubscriptionActive(ctx context.Context, id string, active bool) error
	ListSubscribersDue(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Backend = (*Store)(nil)
	_ Backend = (*PostgresStore)(nil)
)

// Open 按配置打开存储，默认 SQLite。
func Open(ctx context.Context, cfg Config) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite":
		path := cfg.Path
		if path == "" {
			path = "data/rent-radar.db"
		}
		return NewStore(path)
	case "postgres", "postgresql", "pgx":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres driver requires dsn")
		}
		return NewPostgresStore(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
