package subscription

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"rent-radar/internal/model"
	"rent-radar/internal/scheduler"
	"rent-radar/internal/storage"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

var (
	// ErrSubscriptionNotFound 订阅不存在。
	ErrSubscriptionNotFound = errors.New("subscription not found")
	// ErrInvalidCriteria 订阅条件或投递设置不合法。
	ErrInvalidCriteria = errors.New("invalid subscription criteria")
)

const (
	maxRegions  = 20
	maxPagesCap = 50
)

// Store 定义持久化接口。
type Store interface {
	CreateSubscription(ctx context.Context, sub *model.Subscription) error
	UpdateSubscription(ctx context.Context, sub *model.Subscription) error
	GetSubscription(ctx context.Context, id string) (model.Subscription, error)
	ListSubscriptions(ctx context.Context) ([]model.Subscription, error)
	SetSubscriptionActive(ctx context.Context, id string, active bool) error
}

// Config 控制可用渠道与缺省条件。
type Config struct {
	AllowedChannels []string `yaml:"allowed_channels" json:"allowed_channels"`
	DefaultInterval string   `yaml:"default_interval" json:"default_interval"`
	DefaultMaxPages int      `yaml:"default_max_pages" json:"default_max_pages"`
}

// Request 表示创建或更新订阅的请求。
type Request struct {
	ID          string   `json:"id"`
	Channel     string   `json:"channel"`
	Address     string   `json:"address"`
	Regions     []string `json:"regions"`
	MinBedrooms int      `json:"min_bedrooms"`
	MaxPrice    int      `json:"max_price"`
	ResultCap   int      `json:"result_cap"`
	MaxPages    int      `json:"max_pages"`
	Interval    string   `json:"interval"`
}

// Service 负责校验与写入订阅，调度器只通过存储读取结果。
type Service struct {
	store    Store
	channels map[string]struct{}
	interval string
	maxPages int
	newID    func() string
}

// NewService 创建订阅服务。
func NewService(store Store, cfg Config) *Service {
	channels := make(map[string]struct{})
	for _, ch := range cfg.AllowedChannels {
		if trimmed := strings.ToLower(strings.TrimSpace(ch)); trimmed != "" {
			channels[trimmed] = struct{}{}
		}
	}
	if len(channels) == 0 {
		channels["email"] = struct{}{}
		channels["log"] = struct{}{}
	}
	interval := strings.TrimSpace(cfg.DefaultInterval)
	if _, err := scheduler.ParseInterval(interval); err != nil {
		interval = scheduler.DefaultInterval
	}
	maxPages := cfg.DefaultMaxPages
	if maxPages <= 0 {
		maxPages = 1
	}
	return &Service{store: store, channels: channels, interval: interval, maxPages: maxPages, newID: uuid.NewString}
}

// Create 校验请求并写入新订阅，新订阅默认启用。
func (s *Service) Create(ctx context.Context, req Request) (model.Subscription, error) {
	sub, err := s.build(req)
	if err != nil {
		return model.Subscription{}, err
	}
	sub.ID = strings.TrimSpace(req.ID)
	if sub.ID == "" {
		sub.ID = s.newID()
	}
	sub.Active = true
	if err := s.store.CreateSubscription(ctx, &sub); err != nil {
		return model.Subscription{}, err
	}
	return sub, nil
}

// Update 覆盖订阅条件，保留启用状态；下一个 tick 即生效。
func (s *Service) Update(ctx context.Context, id string, req Request) (model.Subscription, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return model.Subscription{}, err
	}
	sub, err := s.build(req)
	if err != nil {
		return model.Subscription{}, err
	}
	sub.ID = current.ID
	sub.Active = current.Active
	sub.CreatedAt = current.CreatedAt
	if err := s.store.UpdateSubscription(ctx, &sub); err != nil {
		return model.Subscription{}, mapNotFound(err)
	}
	return sub, nil
}

// Get 读取订阅。
func (s *Service) Get(ctx context.Context, id string) (model.Subscription, error) {
	sub, err := s.store.GetSubscription(ctx, strings.TrimSpace(id))
	if err != nil {
		return model.Subscription{}, mapNotFound(err)
	}
	return sub, nil
}

// List 返回全部订阅。
func (s *Service) List(ctx context.Context) ([]model.Subscription, error) {
	return s.store.ListSubscriptions(ctx)
}

// SetActive 启用或停用订阅；调度器在下一次对账时跟进。
func (s *Service) SetActive(ctx context.Context, id string, active bool) error {
	if err := s.store.SetSubscriptionActive(ctx, strings.TrimSpace(id), active); err != nil {
		return mapNotFound(err)
	}
	return nil
}

func (s *Service) build(req Request) (model.Subscription, error) {
	channel := strings.ToLower(strings.TrimSpace(req.Channel))
	if channel == "" {
		channel = "email"
	}
	if _, ok := s.channels[channel]; !ok {
		return model.Subscription{}, fmt.Errorf("%w: unsupported channel %s", ErrInvalidCriteria, channel)
	}

	address := strings.TrimSpace(req.Address)
	if channel == "email" {
		parsed, err := mail.ParseAddress(address)
		if err != nil {
			return model.Subscription{}, fmt.Errorf("%w: invalid email: %v", ErrInvalidCriteria, err)
		}
		address = parsed.Address
	}

	regions, err := normalizeRegions(req.Regions)
	if err != nil {
		return model.Subscription{}, err
	}
	if req.MinBedrooms < 0 || req.MinBedrooms > model.MaxBedrooms {
		return model.Subscription{}, fmt.Errorf("%w: min_bedrooms must be within 0..%d", ErrInvalidCriteria, model.MaxBedrooms)
	}
	if req.MaxPrice < 0 {
		return model.Subscription{}, fmt.Errorf("%w: max_price must not be negative", ErrInvalidCriteria)
	}
	if req.ResultCap < 0 {
		return model.Subscription{}, fmt.Errorf("%w: result_cap must not be negative", ErrInvalidCriteria)
	}
	maxPages := req.MaxPages
	if maxPages == 0 {
		maxPages = s.maxPages
	}
	if maxPages < 0 || maxPages > maxPagesCap {
		return model.Subscription{}, fmt.Errorf("%w: max_pages must be within 1..%d", ErrInvalidCriteria, maxPagesCap)
	}

	interval := strings.TrimSpace(req.Interval)
	if interval == "" {
		interval = s.interval
	}
	if _, err := scheduler.ParseInterval(interval); err != nil {
		return model.Subscription{}, fmt.Errorf("%w: %v", ErrInvalidCriteria, err)
	}

	return model.Subscription{
		Channel:     channel,
		Address:     address,
		Regions:     datatypes.JSONSlice[string](regions),
		MinBedrooms: req.MinBedrooms,
		MaxPrice:    req.MaxPrice,
		ResultCap:   req.ResultCap,
		MaxPages:    maxPages,
		Interval:    interval,
	}, nil
}

// normalizeRegions 统一小写、去空白与重复，保持原有顺序。
func normalizeRegions(raw []string) ([]string, error) {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		region := strings.ToLower(strings.TrimSpace(r))
		if region == "" {
			continue
		}
		if strings.ContainsAny(region, "/?#") {
			return nil, fmt.Errorf("%w: invalid region %q", ErrInvalidCriteria, r)
		}
		if _, ok := seen[region]; ok {
			continue
		}
		seen[region] = struct{}{}
		out = append(out, region)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: at least one region required", ErrInvalidCriteria)
	}
	if len(out) > maxRegions {
		return nil, fmt.Errorf("%w: at most %d regions", ErrInvalidCriteria, maxRegions)
	}
	return out, nil
}

func mapNotFound(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrSubscriptionNotFound, err)
	}
	return err
}
