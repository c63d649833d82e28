package model

import (
	"time"

	"gorm.io/datatypes"
)

// SearchCriteria 订阅者的搜索条件，每个 tick 现读现用。
type SearchCriteria struct {
	Regions     []string `json:"regions"`
	MinBedrooms int      `json:"min_bedrooms"`
	MaxPrice    int      `json:"max_price"`
	ResultCap   int      `json:"result_cap"`
	MaxPages    int      `json:"max_pages"`
}

// Subscription 订阅记录，由订阅服务维护，调度器只读。
// - ID: 订阅者标识，同时作为历史记录的归属键
// - Channel/Address: 投递渠道与地址
// - Interval: "@every 15m" 或 5 段 cron 表达式
type Subscription struct {
	ID          string                      `gorm:"primaryKey" json:"id"`
	Channel     string                      `json:"channel"`
	Address     string                      `json:"address"`
	Regions     datatypes.JSONSlice[string] `json:"regions"`
	MinBedrooms int                         `json:"min_bedrooms"`
	MaxPrice    int                         `json:"max_price"`
	ResultCap   int                         `json:"result_cap"`
	MaxPages    int                         `json:"max_pages"`
	Interval    string                      `json:"interval"`
	Active      bool                        `gorm:"index" json:"active"`
	CreatedAt   time.Time                   `json:"created_at"`
	UpdatedAt   time.Time                   `json:"updated_at"`
}

// Criteria 返回订阅当前的搜索条件快照。
func (s Subscription) Criteria() SearchCriteria {
	regions := make([]string, len(s.Regions))
	copy(regions, s.Regions)
	return SearchCriteria{
		Regions:     regions,
		MinBedrooms: s.MinBedrooms,
		MaxPrice:    s.MaxPrice,
		ResultCap:   s.ResultCap,
		MaxPages:    s.MaxPages,
	}
}
