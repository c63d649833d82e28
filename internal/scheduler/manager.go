package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"rent-radar/internal/model"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Config 用于调度配置。
type Config struct {
	DefaultInterval   string `yaml:"default_interval" json:"default_interval"`
	TickTimeout       string `yaml:"tick_timeout" json:"tick_timeout"`
	ReconcileInterval string `yaml:"reconcile_interval" json:"reconcile_interval"`
}

const (
	defaultTickTimeout       = 10 * time.Minute
	defaultReconcileInterval = time.Minute
)

// StartResult Start 的结果。
type StartResult string

// StopResult Stop 的结果。
type StopResult string

const (
	Started        StartResult = "started"
	AlreadyRunning StartResult = "already_running"
	Stopped        StopResult  = "stopped"
	NotRunning     StopResult  = "not_running"
)

// ErrShutdown 调度器已关闭。
var ErrShutdown = errors.New("scheduler shut down")

// Ticker 执行一次 tick。
type Ticker interface {
	Tick(ctx context.Context, subscriberID string) TickResult
}

type timer interface {
	C() <-chan time.Time
	Stop() bool
}

type job struct {
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager 为每个订阅者维护一个可取消的循环任务，同一订阅者任意时刻最多一个。
type Manager struct {
	ticker    Ticker
	source    SubscriptionSource
	fallback  cron.Schedule
	reconcile time.Duration
	recorder  Recorder
	logger    zerolog.Logger
	newTimer  func(time.Duration) timer
	now       func() time.Time

	base     context.Context
	shutdown context.CancelFunc

	mu     sync.Mutex
	jobs   map[string]*job
	gen    uint64
	closed bool
	wg     sync.WaitGroup
}

// NewManager 创建任务管理器。
func NewManager(t Ticker, source SubscriptionSource, cfg Config, logger zerolog.Logger) *Manager {
	logger = logger.With().Str("component", "scheduler").Logger()
	fallback, err := ParseInterval(cfg.DefaultInterval)
	if err != nil {
		if cfg.DefaultInterval != "" {
			logger.Warn().Str("interval", cfg.DefaultInterval).Err(err).Msg("invalid default interval, using " + DefaultInterval)
		}
		fallback, _ = ParseInterval(DefaultInterval)
	}
	reconcile := defaultReconcileInterval
	if d, err := time.ParseDuration(cfg.ReconcileInterval); err == nil && d > 0 {
		reconcile = d
	}
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		ticker:    t,
		source:    source,
		fallback:  fallback,
		reconcile: reconcile,
		recorder:  nopRecorder{},
		logger:    logger,
		newTimer:  defaultTimer,
		now:       time.Now,
		base:      base,
		shutdown:  cancel,
		jobs:      make(map[string]*job),
	}
}

// SetRecorder 设置指标接收方。
func (m *Manager) SetRecorder(rec Recorder) {
	if rec != nil {
		m.recorder = rec
	}
}

// Start 为订阅者启动循环任务；已在运行时返回 AlreadyRunning。
func (m *Manager) Start(subscriberID string) (StartResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrShutdown
	}
	if _, ok := m.jobs[subscriberID]; ok {
		return AlreadyRunning, nil
	}
	m.gen++
	ctx, cancel := context.WithCancel(m.base)
	j := &job{gen: m.gen, cancel: cancel, done: make(chan struct{})}
	m.jobs[subscriberID] = j
	m.recorder.JobsRunning(len(m.jobs))

	m.wg.Add(1)
	go m.loop(ctx, subscriberID, j)
	m.logger.Info().Str("subscriber", subscriberID).Msg("job started")
	return Started, nil
}

// Stop 取消订阅者的任务并等待其退出；未运行时返回 NotRunning。
func (m *Manager) Stop(subscriberID string) StopResult {
	m.mu.Lock()
	j, ok := m.jobs[subscriberID]
	if ok {
		delete(m.jobs, subscriberID)
		m.recorder.JobsRunning(len(m.jobs))
	}
	m.mu.Unlock()
	if !ok {
		return NotRunning
	}
	j.cancel()
	<-j.done
	m.logger.Info().Str("subscriber", subscriberID).Msg("job stopped")
	return Stopped
}

// Running 订阅者当前是否有任务。
func (m *Manager) Running(subscriberID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.jobs[subscriberID]
	return ok
}

// RunningIDs 返回运行中的订阅者，按 ID 排序。
func (m *Manager) RunningIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.jobs))
	for id := range m.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RunOnce 手动执行一次 tick，与循环任务共享同一把订阅者锁。
func (m *Manager) RunOnce(ctx context.Context, subscriberID string) (model.RunLog, error) {
	res := m.tick(ctx, subscriberID)
	return res.Run, res.Err
}

// Run 周期性对账：为到期订阅启动任务，停止不再到期的任务；ctx 取消后关闭所有任务。
func (m *Manager) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			if err := m.Reconcile(gctx); err != nil {
				m.logger.Warn().Err(err).Msg("reconcile failed")
			}
			t := m.newTimer(m.reconcile)
			select {
			case <-gctx.Done():
				t.Stop()
				return nil
			case <-t.C():
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		m.Shutdown()
		return nil
	})
	return g.Wait()
}

// Reconcile 执行一次对账。
func (m *Manager) Reconcile(ctx context.Context) error {
	due, err := m.source.ListSubscribersDue(ctx)
	if err != nil {
		return fmt.Errorf("list subscribers due: %w", err)
	}
	want := make(map[string]struct{}, len(due))
	for _, id := range due {
		want[id] = struct{}{}
		if _, err := m.Start(id); err != nil {
			return err
		}
	}
	for _, id := range m.RunningIDs() {
		if _, ok := want[id]; !ok {
			m.Stop(id)
		}
	}
	return nil
}

// Shutdown 取消全部任务并等待退出，之后 Start 返回 ErrShutdown。
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.wg.Wait()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.shutdown()
	m.wg.Wait()
	m.logger.Info().Msg("scheduler stopped")
}

func (m *Manager) loop(ctx context.Context, subscriberID string, j *job) {
	defer m.wg.Done()
	defer close(j.done)
	defer func() {
		m.mu.Lock()
		if cur, ok := m.jobs[subscriberID]; ok && cur.gen == j.gen {
			delete(m.jobs, subscriberID)
			m.recorder.JobsRunning(len(m.jobs))
		}
		m.mu.Unlock()
	}()

	for {
		res := m.tick(ctx, subscriberID)
		if ctx.Err() != nil {
			return
		}
		delay := nextDelay(res.Subscription.Interval, m.fallback, m.now())
		t := m.newTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C():
		}
	}
}

// tick 调用 Ticker，panic 按失败处理，循环继续。
func (m *Manager) tick(ctx context.Context, subscriberID string) (res TickResult) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Str("subscriber", subscriberID).
				Msg("panic recovered")
			res = TickResult{Err: fmt.Errorf("tick panic: %v", rec)}
		}
	}()
	return m.ticker.Tick(ctx, subscriberID)
}

type realTimer struct{ *time.Timer }

func (t realTimer) C() <-chan time.Time { return t.Timer.C }

func defaultTimer(d time.Duration) timer { return realTimer{time.NewTimer(d)} }
