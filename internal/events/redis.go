package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"rent-radar/internal/model"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel 运行事件默认发布的频道。
const DefaultChannel = "rent-radar:runs"

// EventRunCompleted 每个 tick 结束时发布。
const EventRunCompleted = "RUN_COMPLETED"

// Config Redis 事件配置，URL 为空时不发布。
type Config struct {
	URL     string `yaml:"url" json:"url"`
	Channel string `yaml:"channel" json:"channel"`
}

type publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RunEvent 发布到频道的运行摘要。
type RunEvent struct {
	Type              string    `json:"type"`
	RunID             string    `json:"runId"`
	SubscriberID      string    `json:"subscriberId"`
	Outcome           string    `json:"outcome"`
	Found             int       `json:"found"`
	New               int       `json:"new"`
	Delivered         int       `json:"delivered"`
	FailedExtractions int       `json:"failedExtractions"`
	FailedDeliveries  int       `json:"failedDeliveries"`
	StartedAt         time.Time `json:"startedAt"`
	DurationMS        int64     `json:"durationMs"`
	Error             string    `json:"error,omitempty"`
}

// RedisPublisher 通过 Redis pub/sub 广播每次运行结果。
type RedisPublisher struct {
	client  publisher
	channel string
}

// NewRedisClient 解析 URL 并检查连通性。
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// NewRedisPublisher 创建发布器，channel 为空时使用 DefaultChannel。
func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return newPublisher(client, channel)
}

func newPublisher(client publisher, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

// PublishRun 发布一条运行摘要。
func (p *RedisPublisher) PublishRun(ctx context.Context, run model.RunLog) error {
	payload, err := json.Marshal(RunEvent{
		Type:              EventRunCompleted,
		RunID:             run.ID,
		SubscriberID:      run.SubscriberID,
		Outcome:           string(run.Outcome),
		Found:             run.Found,
		New:               run.New,
		Delivered:         run.Delivered,
		FailedExtractions: run.FailedExtractions,
		FailedDeliveries:  run.FailedDeliveries,
		StartedAt:         run.StartedAt,
		DurationMS:        run.DurationMS,
		Error:             run.Error,
	})
	if err != nil {
		return fmt.Errorf("marshal run event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", p.channel, err)
	}
	return nil
}
