package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"rent-radar/internal/api"
	"rent-radar/internal/crawler"
	"rent-radar/internal/dedup"
	"rent-radar/internal/events"
	"rent-radar/internal/extractor"
	"rent-radar/internal/fetcher"
	"rent-radar/internal/metrics"
	"rent-radar/internal/model"
	"rent-radar/internal/notifier"
	"rent-radar/internal/scheduler"
	"rent-radar/internal/storage"
	"rent-radar/internal/subscription"

	"github.com/rs/zerolog"
)

// backgroundRunner 随进程运行直到 ctx 取消。
type backgroundRunner interface {
	Run(ctx context.Context) error
}

// onceRunner 执行单次 tick。
type onceRunner interface {
	RunOnce(ctx context.Context, subscriberID string) (model.RunLog, error)
}

// appDeps 组装后的依赖。
type appDeps struct {
	sched   backgroundRunner
	once    onceRunner
	handler http.Handler
}

type builder func(ctx context.Context, cfg AppConfig, logger zerolog.Logger) (appDeps, func(), error)

// buildApp 按配置组装全部组件，返回的 cleanup 关闭外部连接。
func buildApp(ctx context.Context, cfg AppConfig, logger zerolog.Logger) (appDeps, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	store, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		return appDeps{}, cleanup, fmt.Errorf("init store: %w", err)
	}
	closers = append(closers, func() { _ = store.Close() })

	m := metrics.New()

	var fetch fetcher.Fetcher
	switch strings.ToLower(cfg.Fetcher.Mode) {
	case "browser":
		bf := fetcher.NewBrowserFetcher(cfg.Fetcher, logger)
		closers = append(closers, bf.Close)
		fetch = bf
	default:
		fetch = fetcher.NewHTTPFetcher(cfg.Fetcher, nil, logger)
	}

	c, err := crawler.New(fetch, extractor.New(), cfg.Crawler, logger)
	if err != nil {
		return appDeps{}, cleanup, fmt.Errorf("init crawler: %w", err)
	}
	c.SetRecorder(m)

	gate := notifier.NewGate(buildRouter(cfg.Email, logger), store, cfg.Delivery, logger)
	gate.SetRecorder(m)

	runner := scheduler.NewRunner(store, c, dedup.New(store), gate, store,
		parseDurationOr(cfg.Scheduler.TickTimeout, 0), logger)
	runner.SetRecorder(m)
	if cfg.Redis.URL != "" {
		rdb, err := events.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			logger.Warn().Err(err).Msg("run events disabled")
		} else {
			closers = append(closers, func() { _ = rdb.Close() })
			runner.SetPublisher(events.NewRedisPublisher(rdb, cfg.Redis.Channel))
		}
	}

	manager := scheduler.NewManager(runner, store, cfg.Scheduler, logger)
	manager.SetRecorder(m)

	handler := api.NewHandler(api.Deps{
		Subscriptions: subscription.NewService(store, cfg.Subscription),
		Scheduler:     manager,
		Store:         store,
		Metrics:       m.Handler(),
		Logger:        logger,
	})

	return appDeps{sched: manager, once: manager, handler: handler}, cleanup, nil
}

// buildRouter 邮件配置完整时启用 email 渠道，其余渠道落到日志。
func buildRouter(cfg notifier.EmailConfig, logger zerolog.Logger) *notifier.Router {
	logDeliverer := notifier.NewLogDeliverer(logger)
	router := notifier.NewRouter(logDeliverer).Handle(notifier.ChannelLog, logDeliverer)
	if cfg.Host == "" || cfg.Port == 0 || cfg.From == "" {
		logger.Info().Msg("email delivery disabled: missing host/port/from")
		return router
	}
	return router.Handle(notifier.ChannelEmail, notifier.NewEmailDeliverer(cfg, nil))
}

// runOnceManual 组装依赖后为单个订阅者执行一次 tick。
func runOnceManual(ctx context.Context, cfg AppConfig, subscriberID string, logger zerolog.Logger, build builder) (model.RunLog, error) {
	deps, cleanup, err := build(ctx, cfg, logger)
	defer cleanup()
	if err != nil {
		return model.RunLog{}, err
	}
	return deps.once.RunOnce(ctx, subscriberID)
}
