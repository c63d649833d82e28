package fetcher

import (
	"context"
	"time"
)

// RetryPolicy 控制有界重试与退避。
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy 3 次尝试，500ms 起翻倍。
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second}

// OutcomeKind 重试结果类型。
type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeTransient OutcomeKind = "transient"
	OutcomePermanent OutcomeKind = "permanent"
)

// Outcome 描述一次带重试调用的最终结果。
type Outcome struct {
	Kind     OutcomeKind
	Attempts int
	Err      error
}

// OK 是否成功。
func (o Outcome) OK() bool { return o.Kind == OutcomeSuccess }

// Retry 执行 fn，遇到可重试错误按退避等待后重试，最多 MaxAttempts 次。
// 不可重试错误立即返回；上下文取消时以最后的错误返回 permanent。
func Retry(ctx context.Context, p RetryPolicy, sleep func(context.Context, time.Duration) error, fn func(context.Context) error) Outcome {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if sleep == nil {
		sleep = SleepContext
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, p.delay(attempt-1)); err != nil {
				return Outcome{Kind: OutcomePermanent, Attempts: attempt - 1, Err: err}
			}
		}
		err := fn(ctx)
		if err == nil {
			return Outcome{Kind: OutcomeSuccess, Attempts: attempt}
		}
		lastErr = err
		if ctx.Err() != nil {
			return Outcome{Kind: OutcomePermanent, Attempts: attempt, Err: ctx.Err()}
		}
		if !IsTransient(err) {
			return Outcome{Kind: OutcomePermanent, Attempts: attempt, Err: err}
		}
	}
	return Outcome{Kind: OutcomeTransient, Attempts: p.MaxAttempts, Err: lastErr}
}

func (p RetryPolicy) delay(retry int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < retry; i++ {
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// SleepContext 可被取消的 sleep。
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
