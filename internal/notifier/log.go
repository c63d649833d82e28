package notifier

import (
	"context"

	"rent-radar/internal/model"

	"github.com/rs/zerolog"
)

// LogDeliverer 仅打印新房源，适合开发阶段使用。
type LogDeliverer struct {
	logger zerolog.Logger
}

// NewLogDeliverer 创建日志投递器。
func NewLogDeliverer(logger zerolog.Logger) *LogDeliverer {
	return &LogDeliverer{logger: logger.With().Str("component", "notify").Logger()}
}

// Deliver 打印单条房源，始终确认成功。
func (d *LogDeliverer) Deliver(ctx context.Context, sub model.Subscription, l model.Listing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ev := d.logger.Info().
		Str("subscriber", sub.ID).
		Str("listing_id", l.ID).
		Str("title", l.Title).
		Str("url", l.URL)
	if l.Price != nil {
		ev = ev.Int("price", *l.Price)
	}
	if l.Bedrooms != nil {
		ev = ev.Int("bedrooms", *l.Bedrooms)
	}
	ev.Msg("new listing")
	return nil
}
