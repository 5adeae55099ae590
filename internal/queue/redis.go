package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vanshika/fintrace/riskpipe/internal/domain"
)

const defaultPollInterval = 5 * time.Second

// RedisQueue is a Redis list used as a FIFO: producers LPUSH, consumers pop from the
// right. In reliable mode items are moved onto a processing list with BLMOVE and only
// removed on Ack, so a crashed consumer leaves its item recoverable.
type RedisQueue struct {
	client       redis.UniversalClient
	key          string
	processing   string
	reliable     bool
	pollInterval time.Duration
	closed       atomic.Bool
}

// RedisOption customises a RedisQueue.
type RedisOption func(*RedisQueue)

// WithReliableDelivery enables the processing list.
func WithReliableDelivery(enabled bool) RedisOption {
	return func(q *RedisQueue) { q.reliable = enabled }
}

// WithPollInterval bounds each blocking pop so Dequeue observes cancellation.
func WithPollInterval(d time.Duration) RedisOption {
	return func(q *RedisQueue) {
		if d > 0 {
			q.pollInterval = d
		}
	}
}

// NewRedisQueue builds a queue over the list at key.
func NewRedisQueue(client redis.UniversalClient, key string, opts ...RedisOption) *RedisQueue {
	q := &RedisQueue{
		client:       client,
		key:          key,
		processing:   key + ":processing",
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *RedisQueue) Enqueue(ctx context.Context, tx domain.Transaction) error {
	if q.closed.Load() {
		return ErrClosed
	}
	body, err := encode(tx)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.key, body).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", q.key, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		if q.closed.Load() {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var (
			body string
			err  error
		)
		if q.reliable {
			body, err = q.client.BLMove(ctx, q.key, q.processing, "RIGHT", "LEFT", q.pollInterval).Result()
		} else {
			var res []string
			res, err = q.client.BRPop(ctx, q.pollInterval, q.key).Result()
			if err == nil && len(res) == 2 {
				body = res[1]
			}
		}
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("pop %s: %w", q.key, err)
		}
		return q.delivery(body), nil
	}
}

func (q *RedisQueue) delivery(body string) *Delivery {
	d := &Delivery{Body: []byte(body)}
	if !q.reliable {
		d.reject = func(ctx context.Context, requeue bool) error {
			if !requeue {
				return nil
			}
			return q.client.RPush(ctx, q.key, body).Err()
		}
		return d
	}

	d.ack = func(ctx context.Context) error {
		return q.client.LRem(ctx, q.processing, 1, body).Err()
	}
	d.reject = func(ctx context.Context, requeue bool) error {
		_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.LRem(ctx, q.processing, 1, body)
			if requeue {
				p.RPush(ctx, q.key, body)
			}
			return nil
		})
		return err
	}
	return d
}

// Recover moves items left on the processing list by crashed consumers back onto the
// head of the queue, oldest nearest the head. It returns the number of items moved.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	if !q.reliable {
		return 0, nil
	}
	moved := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.key, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("recover %s: %w", q.processing, err)
		}
		moved++
	}
}

// Close stops Dequeue loops. The Redis client is owned by the caller.
func (q *RedisQueue) Close() error {
	q.closed.Store(true)
	return nil
}
