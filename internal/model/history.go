package model

import (
	"time"

	"gorm.io/datatypes"
)

// HistoryEntry 记录某订阅者已评估过的房源。
// (SubscriberID, ListingID) 唯一；Delivered 只由投递确认后置为 true。
type HistoryEntry struct {
	ID           uint       `gorm:"primaryKey" json:"-"`
	SubscriberID string     `gorm:"uniqueIndex:idx_history_subscriber_listing;not null" json:"subscriber_id"`
	ListingID    string     `gorm:"uniqueIndex:idx_history_subscriber_listing;not null" json:"listing_id"`
	URL          string     `json:"url"`
	Title        string     `json:"title"`
	FirstSeenAt  time.Time  `gorm:"index" json:"first_seen_at"`
	Delivered    bool       `gorm:"index" json:"delivered"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty"`
}

// RunOutcome 单次 tick 的结果。
type RunOutcome string

const (
	RunSuccess RunOutcome = "success"
	RunError   RunOutcome = "error"
)

// RunLog 每个 tick 追加一行，仅用于观测，创建后不再修改。
type RunLog struct {
	ID                string            `gorm:"primaryKey" json:"id"`
	SubscriberID      string            `gorm:"index:idx_runlog_subscriber_started" json:"subscriber_id"`
	Criteria          datatypes.JSONMap `json:"criteria"`
	Found             int               `json:"found"`
	New               int               `json:"new"`
	Delivered         int               `json:"delivered"`
	FailedExtractions int               `json:"failed_extractions"`
	FailedDeliveries  int               `json:"failed_deliveries"`
	StartedAt         time.Time         `gorm:"index:idx_runlog_subscriber_started" json:"started_at"`
	DurationMS        int64             `json:"duration_ms"`
	Outcome           RunOutcome        `json:"outcome"`
	Error             string            `json:"error,omitempty"`
}

// CriteriaSnapshot 把搜索条件转成可持久化的 JSON 快照。
func CriteriaSnapshot(c SearchCriteria) datatypes.JSONMap {
	regions := make([]any, 0, len(c.Regions))
	for _, r := range c.Regions {
		regions = append(regions, r)
	}
	return datatypes.JSONMap{
		"regions":      regions,
		"min_bedrooms": c.MinBedrooms,
		"max_price":    c.MaxPrice,
		"result_cap":   c.ResultCap,
		"max_pages":    c.MaxPages,
	}
}
