package dedup

import (
	"context"
	"fmt"
	"time"

	"rent-radar/internal/model"
)

// HistoryWriter 去重所需的唯一原语。
type HistoryWriter interface {
	InsertIfAbsent(ctx context.Context, entry model.HistoryEntry) (bool, error)
}

// Engine 以持久化历史为准判定新房源，不保留任何内存状态。
type Engine struct {
	store HistoryWriter
	now   func() time.Time
}

// New 创建去重引擎。
func New(store HistoryWriter) *Engine {
	return &Engine{store: store, now: time.Now}
}

// FilterNew 为每条房源写入历史，返回首次写入成功的子集，保持输入顺序。
// 输入内重复的 ID 只评估一次；任一写入失败立即返回错误，已写入的记录保持有效。
func (e *Engine) FilterNew(ctx context.Context, subscriberID string, listings []model.Listing) ([]model.Listing, error) {
	fresh := make([]model.Listing, 0)
	evaluated := make(map[string]struct{}, len(listings))
	for _, l := range listings {
		if _, dup := evaluated[l.ID]; dup {
			continue
		}
		evaluated[l.ID] = struct{}{}

		created, err := e.store.InsertIfAbsent(ctx, model.HistoryEntry{
			SubscriberID: subscriberID,
			ListingID:    l.ID,
			URL:          l.URL,
			Title:        l.Title,
			FirstSeenAt:  e.now().UTC(),
		})
		if err != nil {
			return fresh, fmt.Errorf("evaluate listing %s: %w", l.ID, err)
		}
		if created {
			fresh = append(fresh, l)
		}
	}
	return fresh, nil
}
