package notifier

import (
	"context"
	"fmt"
	"strings"

	"rent-radar/internal/model"
)

const (
	ChannelEmail = "email"
	ChannelLog   = "log"
)

// Deliverer 单条房源投递；返回 nil 即视为确认。
type Deliverer interface {
	Deliver(ctx context.Context, sub model.Subscription, l model.Listing) error
}

// Router 按订阅渠道选择投递器。
type Router struct {
	channels map[string]Deliverer
	fallback Deliverer
}

// NewRouter 创建路由，fallback 用于未知或空渠道，为 nil 时未知渠道返回错误。
func NewRouter(fallback Deliverer) *Router {
	return &Router{channels: make(map[string]Deliverer), fallback: fallback}
}

// Handle 注册渠道。
func (r *Router) Handle(channel string, d Deliverer) *Router {
	r.channels[normalizeChannel(channel)] = d
	return r
}

// Deliver 转发到订阅对应的渠道。
func (r *Router) Deliver(ctx context.Context, sub model.Subscription, l model.Listing) error {
	if d, ok := r.channels[normalizeChannel(sub.Channel)]; ok {
		return d.Deliver(ctx, sub, l)
	}
	if r.fallback != nil {
		return r.fallback.Deliver(ctx, sub, l)
	}
	return fmt.Errorf("no deliverer for channel %q", sub.Channel)
}

// Supports 渠道是否已注册。
func (r *Router) Supports(channel string) bool {
	_, ok := r.channels[normalizeChannel(channel)]
	return ok
}

func normalizeChannel(channel string) string {
	return strings.ToLower(strings.TrimSpace(channel))
}
