package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"taskboard/internal/config"
)

// NewRedisClient 创建 Redis 客户端并在 5 秒内完成连通性检查
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// RedisRelay 通过 Redis pub/sub 在多个实例间转发实时事件
type RedisRelay struct {
	client  *redis.Client
	channel string
	logger  *logrus.Logger
}

func NewRedisRelay(client *redis.Client, channel string, logger *logrus.Logger) *RedisRelay {
	if logger == nil {
		logger = logrus.New()
	}
	if channel == "" {
		channel = "taskboard:realtime"
	}
	return &RedisRelay{client: client, channel: channel, logger: logger}
}

var _ RealtimeRelay = (*RedisRelay)(nil)

func (r *RedisRelay) Publish(ctx context.Context, msg RealtimeMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal realtime message: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish realtime message: %w", err)
	}
	return nil
}

// Subscribe 阻塞读取频道消息直到 ctx 结束
func (r *RedisRelay) Subscribe(ctx context.Context, deliver func(RealtimeMessage)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", r.channel, err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg RealtimeMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				r.logger.Warnf("invalid realtime payload on %s: %v", r.channel, err)
				continue
			}
			deliver(msg)
		}
	}
}
