package notifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rent-radar/internal/model"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// GateConfig 投递节奏配置。
type GateConfig struct {
	MinDelay string `yaml:"min_delay" json:"min_delay"`
	Timeout  string `yaml:"timeout" json:"timeout"`
}

const (
	defaultMinDelay        = 2 * time.Second
	defaultDeliveryTimeout = 30 * time.Second
	markTimeout            = 5 * time.Second
)

// DeliveryMarker 投递确认后回写历史。
type DeliveryMarker interface {
	MarkDelivered(ctx context.Context, subscriberID, listingID string, at time.Time) error
}

// Recorder 接收投递结果计数。
type Recorder interface {
	Delivery(result string)
}

type nopRecorder struct{}

func (nopRecorder) Delivery(string) {}

// Failure 单条投递失败。
type Failure struct {
	ListingID string
	Err       error
}

// DeliveryReport 一批投递的结果。
type DeliveryReport struct {
	Attempted int
	Delivered int
	Failed    []Failure
	// Canceled 上下文取消导致剩余房源未发送
	Canceled bool
}

// Gate 对同一订阅者串行投递并保证最小间隔，确认后才标记 delivered。
type Gate struct {
	deliverer Deliverer
	marker    DeliveryMarker
	minDelay  time.Duration
	timeout   time.Duration
	recorder  Recorder
	logger    zerolog.Logger
	now       func() time.Time

	mu    sync.Mutex
	lanes map[string]*lane
}

type lane struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	refs    int
}

// NewGate 创建投递闸门。
func NewGate(d Deliverer, marker DeliveryMarker, cfg GateConfig, logger zerolog.Logger) *Gate {
	return &Gate{
		deliverer: d,
		marker:    marker,
		minDelay:  parseDuration(cfg.MinDelay, defaultMinDelay, true),
		timeout:   parseDuration(cfg.Timeout, defaultDeliveryTimeout, false),
		recorder:  nopRecorder{},
		logger:    logger.With().Str("component", "delivery").Logger(),
		now:       time.Now,
		lanes:     make(map[string]*lane),
	}
}

// SetRecorder 设置指标接收方。
func (g *Gate) SetRecorder(r Recorder) {
	if r != nil {
		g.recorder = r
	}
}

// acquire 取得订阅者的投递通道，顺带清理空闲且节流已恢复的通道。
func (g *Gate) acquire(subscriberID string) *lane {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, l := range g.lanes {
		if id != subscriberID && g.idle(l) {
			delete(g.lanes, id)
		}
	}
	l, ok := g.lanes[subscriberID]
	if !ok {
		limit := rate.Inf
		if g.minDelay > 0 {
			limit = rate.Every(g.minDelay)
		}
		l = &lane{limiter: rate.NewLimiter(limit, 1)}
		g.lanes[subscriberID] = l
	}
	l.refs++
	return l
}

func (g *Gate) release(l *lane) {
	g.mu.Lock()
	defer g.mu.Unlock()
	l.refs--
}

// idle 无人持有且令牌已满，移除后重建的通道行为一致。
func (g *Gate) idle(l *lane) bool {
	return l.refs == 0 && (g.minDelay <= 0 || l.limiter.Tokens() >= 1)
}

// Deliver 逐条投递；失败只记录，不在本次重试，历史保持 delivered=false。
func (g *Gate) Deliver(ctx context.Context, sub model.Subscription, listings []model.Listing) DeliveryReport {
	var report DeliveryReport
	if len(listings) == 0 {
		return report
	}
	ln := g.acquire(sub.ID)
	defer g.release(ln)
	ln.mu.Lock()
	defer ln.mu.Unlock()

	for _, l := range listings {
		if err := ln.limiter.Wait(ctx); err != nil {
			report.Canceled = true
			break
		}
		report.Attempted++
		if err := g.deliverOne(ctx, sub, l); err != nil {
			report.Failed = append(report.Failed, Failure{ListingID: l.ID, Err: err})
			g.recorder.Delivery("failed")
			g.logger.Warn().Str("subscriber", sub.ID).Str("listing_id", l.ID).Err(err).Msg("delivery failed")
			if ctx.Err() != nil {
				report.Canceled = true
				break
			}
			continue
		}
		report.Delivered++
		g.recorder.Delivery("ok")
	}
	return report
}

func (g *Gate) deliverOne(ctx context.Context, sub model.Subscription, l model.Listing) error {
	dctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if err := g.deliverer.Deliver(dctx, sub, l); err != nil {
		return err
	}
	// 已送达的确认不受取消影响；回写失败按投递失败计，历史保持 delivered=false
	mctx, mcancel := context.WithTimeout(context.WithoutCancel(ctx), markTimeout)
	defer mcancel()
	if err := g.marker.MarkDelivered(mctx, sub.ID, l.ID, g.now().UTC()); err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

func parseDuration(raw string, fallback time.Duration, allowZero bool) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 || (d == 0 && !allowZero) {
		return fallback
	}
	return d
}
