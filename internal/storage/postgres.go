package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"rent-radar/internal/model"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/datatypes"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS history_entries (
	id            BIGSERIAL PRIMARY KEY,
	subscriber_id TEXT NOT NULL,
	listing_id    TEXT NOT NULL,
	url           TEXT NOT NULL DEFAULT '',
	title         TEXT NOT NULL DEFAULT '',
	first_seen_at TIMESTAMPTZ NOT NULL,
	delivered     BOOLEAN NOT NULL DEFAULT FALSE,
	delivered_at  TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_history_subscriber_listing ON history_entries (subscriber_id, listing_id);
CREATE INDEX IF NOT EXISTS idx_history_first_seen ON history_entries (first_seen_at);

CREATE TABLE IF NOT EXISTS run_logs (
	id                 TEXT PRIMARY KEY,
	subscriber_id      TEXT NOT NULL,
	criteria           JSONB NOT NULL DEFAULT '{}'::jsonb,
	found              INTEGER NOT NULL DEFAULT 0,
	new                INTEGER NOT NULL DEFAULT 0,
	delivered          INTEGER NOT NULL DEFAULT 0,
	failed_extractions INTEGER NOT NULL DEFAULT 0,
	failed_deliveries  INTEGER NOT NULL DEFAULT 0,
	started_at         TIMESTAMPTZ NOT NULL,
	duration_ms        BIGINT NOT NULL DEFAULT 0,
	outcome            TEXT NOT NULL,
	error              TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_runlog_subscriber_started ON run_logs (subscriber_id, started_at);

CREATE TABLE IF NOT EXISTS subscriptions (
	id           TEXT PRIMARY KEY,
	channel      TEXT NOT NULL DEFAULT '',
	address      TEXT NOT NULL DEFAULT '',
	regions      JSONB NOT NULL DEFAULT '[]'::jsonb,
	min_bedrooms INTEGER NOT NULL DEFAULT 0,
	max_price    INTEGER NOT NULL DEFAULT 0,
	result_cap   INTEGER NOT NULL DEFAULT 0,
	max_pages    INTEGER NOT NULL DEFAULT 0,
	"interval"   TEXT NOT NULL DEFAULT '',
	active       BOOLEAN NOT NULL DEFAULT FALSE,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_subscriptions_active ON subscriptions (active);
`

const subscriptionColumns = `id, channel, address, regions, min_bedrooms, max_price, result_cap, max_pages, "interval", active, created_at, updated_at`

// PostgresStore 基于 pgx 连接池的存储实现，表结构与 SQLite 版本一致。
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore 连接 Postgres、校验连通性并建表。
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	return &PostgresStore{pool: pool, now: time.Now}, nil
}

// Close 关闭连接池。
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

// Ping 检查数据库可用。
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// InsertIfAbsent 以 ON CONFLICT DO NOTHING 写入，RowsAffected 即新旧信号。
func (p *PostgresStore) InsertIfAbsent(ctx context.Context, entry model.HistoryEntry) (bool, error) {
	if entry.FirstSeenAt.IsZero() {
		entry.FirstSeenAt = p.now().UTC()
	}
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO history_entries (subscriber_id, listing_id, url, title, first_seen_at, delivered, delivered_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (subscriber_id, listing_id) DO NOTHING`,
		entry.SubscriberID, entry.ListingID, entry.URL, entry.Title, entry.FirstSeenAt, entry.Delivered, entry.DeliveredAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert history: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkDelivered 投递确认后置 delivered=true。
func (p *PostgresStore) MarkDelivered(ctx context.Context, subscriberID, listingID string, at time.Time) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE history_entries SET delivered = TRUE, delivered_at = $3
		 WHERE subscriber_id = $1 AND listing_id = $2`,
		subscriberID, listingID, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark delivered %s/%s: %w", subscriberID, listingID, ErrNotFound)
	}
	return nil
}

// ListHistory 按首次出现时间倒序返回订阅者的历史记录。
func (p *PostgresStore) ListHistory(ctx context.Context, subscriberID string, q HistoryQuery) ([]model.HistoryEntry, error) {
	where, args := historyWhere(subscriberID, q)
	args = append(args, q.limit())
	rows, err := p.pool.Query(ctx,
		`SELECT id, subscriber_id, listing_id, url, title, first_seen_at, delivered, delivered_at
		 FROM history_entries WHERE `+where+
			fmt.Sprintf(` ORDER BY first_seen_at DESC, id DESC LIMIT $%d`, len(args)),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var entries []model.HistoryEntry
	for rows.Next() {
		var e model.HistoryEntry
		var id int64
		if err := rows.Scan(&id, &e.SubscriberID, &e.ListingID, &e.URL, &e.Title, &e.FirstSeenAt, &e.Delivered, &e.DeliveredAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.ID = uint(id)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountHistory 返回满足条件的历史记录数量。
func (p *PostgresStore) CountHistory(ctx context.Context, subscriberID string, q HistoryQuery) (int64, error) {
	where, args := historyWhere(subscriberID, q)
	var total int64
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM history_entries WHERE `+where, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("count history: %w", err)
	}
	return total, nil
}

func historyWhere(subscriberID string, q HistoryQuery) (string, []any) {
	where := "subscriber_id = $1"
	args := []any{subscriberID}
	if q.Delivered != nil {
		args = append(args, *q.Delivered)
		where += fmt.Sprintf(" AND delivered = $%d", len(args))
	}
	if !q.Since.IsZero() {
		args = append(args, q.Since.UTC())
		where += fmt.Sprintf(" AND first_seen_at >= $%d", len(args))
	}
	return where, args
}

// AppendRunLog 追加一条运行日志，ID 为空时生成 UUID。
func (p *PostgresStore) AppendRunLog(ctx context.Context, run *model.RunLog) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	criteria, err := json.Marshal(run.Criteria)
	if err != nil {
		return fmt.Errorf("marshal criteria: %w", err)
	}
	if _, err := p.pool.Exec(ctx,
		`INSERT INTO run_logs (id, subscriber_id, criteria, found, new, delivered, failed_extractions,
		                       failed_deliveries, started_at, duration_ms, outcome, error)
		 VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		run.ID, run.SubscriberID, string(criteria), run.Found, run.New, run.Delivered, run.FailedExtractions,
		run.FailedDeliveries, run.StartedAt.UTC(), run.DurationMS, string(run.Outcome), run.Error,
	); err != nil {
		return fmt.Errorf("append run log: %w", err)
	}
	return nil
}

// ListRunLogs 按开始时间倒序返回运行日志。
func (p *PostgresStore) ListRunLogs(ctx context.Context, subscriberID string, limit int) ([]model.RunLog, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := p.pool.Query(ctx,
		`SELECT id, subscriber_id, criteria, found, new, delivered, failed_extractions, failed_deliveries,
		        started_at, duration_ms, outcome, error
		 FROM run_logs WHERE subscriber_id = $1 ORDER BY started_at DESC LIMIT $2`,
		subscriberID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list run logs: %w", err)
	}
	defer rows.Close()

	var runs []model.RunLog
	for rows.Next() {
		var r model.RunLog
		var criteria []byte
		var outcome string
		if err := rows.Scan(&r.ID, &r.SubscriberID, &criteria, &r.Found, &r.New, &r.Delivered, &r.FailedExtractions,
			&r.FailedDeliveries, &r.StartedAt, &r.DurationMS, &outcome, &r.Error); err != nil {
			return nil, fmt.Errorf("scan run log: %w", err)
		}
		r.Outcome = model.RunOutcome(outcome)
		r.Criteria = datatypes.JSONMap{}
		if len(criteria) > 0 {
			if err := json.Unmarshal(criteria, &r.Criteria); err != nil {
				return nil, fmt.Errorf("decode criteria: %w", err)
			}
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// CreateSubscription 新增订阅。
func (p *PostgresStore) CreateSubscription(ctx context.Context, sub *model.Subscription) error {
	now := p.now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	regions, err := json.Marshal([]string(sub.Regions))
	if err != nil {
		return fmt.Errorf("marshal regions: %w", err)
	}
	if _, err := p.pool.Exec(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
		 VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8, $9, $10, $11, $12)`,
		sub.ID, sub.Channel, sub.Address, string(regions), sub.MinBedrooms, sub.MaxPrice, sub.ResultCap, sub.MaxPages,
		sub.Interval, sub.Active, sub.CreatedAt, sub.UpdatedAt,
	); err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

// UpdateSubscription 覆盖订阅的条件与渠道字段。
func (p *PostgresStore) UpdateSubscription(ctx context.Context, sub *model.Subscription) error {
	regions, err := json.Marshal([]string(sub.Regions))
	if err != nil {
		return fmt.Errorf("marshal regions: %w", err)
	}
	sub.UpdatedAt = p.now().UTC()
	tag, err := p.pool.Exec(ctx,
		`UPDATE subscriptions SET channel = $2, address = $3, regions = $4::jsonb, min_bedrooms = $5, max_price = $6,
		        result_cap = $7, max_pages = $8, "interval" = $9, active = $10, updated_at = $11
		 WHERE id = $1`,
		sub.ID, sub.Channel, sub.Address, string(regions), sub.MinBedrooms, sub.MaxPrice, sub.ResultCap, sub.MaxPages,
		sub.Interval, sub.Active, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update subscription %s: %w", sub.ID, ErrNotFound)
	}
	return nil
}

// GetSubscription 根据 ID 获取订阅。
func (p *PostgresStore) GetSubscription(ctx context.Context, id string) (model.Subscription, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return sub, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return sub, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

// ListSubscriptions 返回所有订阅记录。
func (p *PostgresStore) ListSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// SetSubscriptionActive 启用或停用订阅。
func (p *PostgresStore) SetSubscriptionActive(ctx context.Context, id string, active bool) error {
	tag, err := p.pool.Exec(ctx, `UPDATE subscriptions SET active = $2, updated_at = $3 WHERE id = $1`, id, active, p.now().UTC())
	if err != nil {
		return fmt.Errorf("set subscription active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListSubscribersDue 返回所有启用订阅的 ID。
func (p *PostgresStore) ListSubscribersDue(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT id FROM subscriptions WHERE active = TRUE ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list subscribers due: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan subscriber id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanSubscription(row pgx.Row) (model.Subscription, error) {
	var sub model.Subscription
	var regions []byte
	if err := row.Scan(&sub.ID, &sub.Channel, &sub.Address, &regions, &sub.MinBedrooms, &sub.MaxPrice, &sub.ResultCap,
		&sub.MaxPages, &sub.Interval, &sub.Active, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return sub, err
	}
	var list []string
	if len(regions) > 0 {
		if err := json.Unmarshal(regions, &list); err != nil {
			return sub, fmt.Errorf("decode regions: %w", err)
		}
	}
	sub.Regions = datatypes.JSONSlice[string](list)
	return sub, nil
}
