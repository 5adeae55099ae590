package bus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisSink publishes each message body on the Redis channel named by its topic.
type RedisSink struct {
	client redis.UniversalClient
}

// NewRedisSink wraps client.
func NewRedisSink(client redis.UniversalClient) *RedisSink {
	return &RedisSink{client: client}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Publish(ctx context.Context, msg Message) error {
	if err := s.client.Publish(ctx, msg.Topic, msg.Body).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", msg.Topic, err)
	}
	return nil
}

// RedisSubscriber consumes Redis channels through PSUBSCRIBE.
type RedisSubscriber struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// NewRedisSubscriber wraps client.
func NewRedisSubscriber(client redis.UniversalClient, logger *slog.Logger) *RedisSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSubscriber{client: client, logger: logger.With("component", "redis_subscriber")}
}

func (s *RedisSubscriber) Subscribe(ctx context.Context, pattern string, handler Handler) error {
	pubsub := s.client.PSubscribe(ctx, pattern)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("psubscribe %s: %w", pattern, err)
	}
	s.logger.InfoContext(ctx, "subscribed", "pattern", pattern)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription %s closed", pattern)
			}
			msg := Message{Topic: m.Channel, Body: []byte(m.Payload)}
			if err := safeHandle(ctx, handler, msg); err != nil {
				s.logger.ErrorContext(ctx, "subscriber failed", "pattern", pattern, "topic", m.Channel, "error", err)
			}
		}
	}
}
