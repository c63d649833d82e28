package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"rent-radar/internal/crawler"
	"rent-radar/internal/model"
	"rent-radar/internal/notifier"

	"github.com/rs/zerolog"
)

// SubscriptionSource 订阅配置只读访问。
type SubscriptionSource interface {
	ListSubscribersDue(ctx context.Context) ([]string, error)
	GetSubscription(ctx context.Context, id string) (model.Subscription, error)
}

// Crawler 按条件抓取房源。
type Crawler interface {
	Crawl(ctx context.Context, criteria model.SearchCriteria) (crawler.Result, error)
}

// Deduper 返回订阅者首次见到的房源。
type Deduper interface {
	FilterNew(ctx context.Context, subscriberID string, listings []model.Listing) ([]model.Listing, error)
}

// Delivery 节流投递新房源。
type Delivery interface {
	Deliver(ctx context.Context, sub model.Subscription, listings []model.Listing) notifier.DeliveryReport
}

// RunLogWriter 追加运行日志。
type RunLogWriter interface {
	AppendRunLog(ctx context.Context, run *model.RunLog) error
}

// EventPublisher 发布运行结果，失败不影响 tick。
type EventPublisher interface {
	PublishRun(ctx context.Context, run model.RunLog) error
}

// Recorder 接收 tick 结果与运行中任务数。
type Recorder interface {
	Tick(outcome string, elapsed time.Duration)
	JobsRunning(n int)
}

type nopRecorder struct{}

func (nopRecorder) Tick(string, time.Duration) {}
func (nopRecorder) JobsRunning(int)            {}

// TickResult 单次 tick 的结果；Subscription 为本次读取到的订阅。
type TickResult struct {
	Run          model.RunLog
	Subscription model.Subscription
	Err          error
}

// Runner 执行单个订阅者的一次 tick：条件 → 抓取 → 去重 → 投递 → 运行日志。
type Runner struct {
	source    SubscriptionSource
	crawler   Crawler
	dedup     Deduper
	delivery  Delivery
	runs      RunLogWriter
	publisher EventPublisher
	recorder  Recorder
	timeout   time.Duration
	logger    zerolog.Logger
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*tickLock
}

// tickLock 订阅者级互斥；refs 归零即移除，订阅者流失不会累积条目。
type tickLock struct {
	mu   sync.Mutex
	refs int
}

// NewRunner 创建 Runner，tickTimeout 为单次 tick 的总超时。
func NewRunner(source SubscriptionSource, c Crawler, d Deduper, delivery Delivery, runs RunLogWriter, tickTimeout time.Duration, logger zerolog.Logger) *Runner {
	if tickTimeout <= 0 {
		tickTimeout = defaultTickTimeout
	}
	return &Runner{
		source:   source,
		crawler:  c,
		dedup:    d,
		delivery: delivery,
		runs:     runs,
		recorder: nopRecorder{},
		timeout:  tickTimeout,
		logger:   logger.With().Str("component", "runner").Logger(),
		now:      time.Now,
		locks:    make(map[string]*tickLock),
	}
}

// SetPublisher 设置运行事件发布方。
func (r *Runner) SetPublisher(p EventPublisher) { r.publisher = p }

// SetRecorder 设置指标接收方。
func (r *Runner) SetRecorder(rec Recorder) {
	if rec != nil {
		r.recorder = rec
	}
}

// Tick 执行一次完整流程；同一订阅者的 tick 串行执行。错误只体现在结果与运行日志中。
func (r *Runner) Tick(ctx context.Context, subscriberID string) TickResult {
	l := r.acquire(subscriberID)
	defer r.release(subscriberID, l)

	start := r.now()
	run := model.RunLog{SubscriberID: subscriberID, StartedAt: start.UTC(), Outcome: model.RunSuccess}
	res := TickResult{}

	sub, err := r.safeTick(ctx, subscriberID, &run)
	res.Subscription = sub
	if err != nil {
		run.Outcome = model.RunError
		run.Error = err.Error()
		res.Err = err
	}
	elapsed := r.now().Sub(start)
	run.DurationMS = elapsed.Milliseconds()

	// 任务被取消时仍落盘本次结果
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.runs.AppendRunLog(persistCtx, &run); err != nil {
		r.logger.Error().Str("subscriber", subscriberID).Err(err).Msg("append run log failed")
	}
	if r.publisher != nil {
		if err := r.publisher.PublishRun(persistCtx, run); err != nil {
			r.logger.Warn().Str("subscriber", subscriberID).Err(err).Msg("publish run event failed")
		}
	}
	r.recorder.Tick(string(run.Outcome), elapsed)

	ev := r.logger.Info()
	if res.Err != nil {
		ev = r.logger.Warn().Err(res.Err)
	}
	ev.Str("subscriber", subscriberID).
		Int("found", run.Found).
		Int("new", run.New).
		Int("delivered", run.Delivered).
		Int64("duration_ms", run.DurationMS).
		Str("outcome", string(run.Outcome)).
		Msg("tick done")

	res.Run = run
	return res
}

func (r *Runner) acquire(subscriberID string) *tickLock {
	r.mu.Lock()
	l, ok := r.locks[subscriberID]
	if !ok {
		l = &tickLock{}
		r.locks[subscriberID] = l
	}
	l.refs++
	r.mu.Unlock()
	l.mu.Lock()
	return l
}

func (r *Runner) release(subscriberID string, l *tickLock) {
	l.mu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if l.refs--; l.refs == 0 {
		delete(r.locks, subscriberID)
	}
}

// safeTick 将流程中的 panic 转为本次 tick 的错误。
func (r *Runner) safeTick(ctx context.Context, subscriberID string, run *model.RunLog) (sub model.Subscription, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Str("subscriber", subscriberID).
				Msg("panic recovered")
			err = fmt.Errorf("tick panic: %v", rec)
		}
	}()
	return r.tick(ctx, subscriberID, run)
}

func (r *Runner) tick(ctx context.Context, subscriberID string, run *model.RunLog) (model.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	sub, err := r.source.GetSubscription(ctx, subscriberID)
	if err != nil {
		return sub, fmt.Errorf("read criteria: %w", err)
	}
	criteria := sub.Criteria()
	run.Criteria = model.CriteriaSnapshot(criteria)

	result, err := r.crawler.Crawl(ctx, criteria)
	run.Found = result.Stats.Found
	run.FailedExtractions = result.Stats.Failed
	if err != nil {
		return sub, fmt.Errorf("crawl: %w", err)
	}

	fresh, dedupErr := r.dedup.FilterNew(ctx, sub.ID, result.Listings)
	run.New = len(fresh)

	// 去重中途失败时，已写入历史的部分仍然投递
	report := r.delivery.Deliver(ctx, sub, fresh)
	run.Delivered = report.Delivered
	run.FailedDeliveries = len(report.Failed)

	if dedupErr != nil {
		return sub, fmt.Errorf("dedup: %w", dedupErr)
	}
	if report.Canceled {
		if err := ctx.Err(); err != nil {
			return sub, fmt.Errorf("deliver: %w", err)
		}
		return sub, errors.New("deliver: canceled")
	}
	return sub, nil
}
