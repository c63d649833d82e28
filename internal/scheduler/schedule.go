package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultInterval 订阅未设置间隔时使用。
const DefaultInterval = "@every 30m"

// ParseInterval 解析订阅间隔：Go duration（"45m"）、"@every 15m"、"@hourly" 或 5 段 cron 表达式。
func ParseInterval(spec string) (cron.Schedule, error) {
	trimmed := strings.TrimSpace(spec)
	if trimmed == "" {
		return nil, fmt.Errorf("empty interval")
	}
	if d, err := time.ParseDuration(trimmed); err == nil {
		if d < time.Second {
			return nil, fmt.Errorf("interval %s too short", d)
		}
		return cron.Every(d), nil
	}
	schedule, err := cron.ParseStandard(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse interval %q: %w", trimmed, err)
	}
	return schedule, nil
}

// nextDelay 返回从 now 到下一次触发的等待时间，非法间隔回退到 fallback。
func nextDelay(spec string, fallback cron.Schedule, now time.Time) time.Duration {
	schedule, err := ParseInterval(spec)
	if err != nil {
		schedule = fallback
	}
	d := schedule.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
