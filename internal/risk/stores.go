package risk

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// VelocityCounter records a transfer and returns how many transfers the sender made
// inside the trailing window, including this one. Recording is idempotent per txnID.
type VelocityCounter interface {
	Observe(ctx context.Context, userID, txnID string, at time.Time, window time.Duration) (int, error)
}

// Blocklist answers whether a counterparty is barred.
type Blocklist interface {
	Contains(ctx context.Context, id string) (bool, error)
}

const memorySweepEvery = 1024

// MemoryVelocityCounter keeps per-sender observations in process. Senders whose
// observations have all aged out are dropped on a periodic sweep.
type MemoryVelocityCounter struct {
	mu       sync.Mutex
	events   map[string]map[string]time.Time
	observed int
}

// NewMemoryVelocityCounter returns an empty counter.
func NewMemoryVelocityCounter() *MemoryVelocityCounter {
	return &MemoryVelocityCounter{events: make(map[string]map[string]time.Time)}
}

func (c *MemoryVelocityCounter) Observe(_ context.Context, userID, txnID string, at time.Time, window time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	byTxn, ok := c.events[userID]
	if !ok {
		byTxn = make(map[string]time.Time)
		c.events[userID] = byTxn
	}
	if _, dup := byTxn[txnID]; !dup {
		byTxn[txnID] = at
	}

	cutoff := at.Add(-window)
	count := pruneBefore(byTxn, cutoff, at)
	if len(byTxn) == 0 {
		delete(c.events, userID)
	}

	c.observed++
	if c.observed%memorySweepEvery == 0 {
		for id, other := range c.events {
			if id == userID {
				continue
			}
			if pruneBefore(other, cutoff, at); len(other) == 0 {
				delete(c.events, id)
			}
		}
	}
	return count, nil
}

// Senders reports how many senders still hold observations.
func (c *MemoryVelocityCounter) Senders() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// pruneBefore drops entries older than cutoff and counts those at or before at.
func pruneBefore(byTxn map[string]time.Time, cutoff, at time.Time) int {
	count := 0
	for id, ts := range byTxn {
		if ts.Before(cutoff) {
			delete(byTxn, id)
			continue
		}
		if !ts.After(at) {
			count++
		}
	}
	return count
}

// RedisVelocityCounter keeps one sorted set per sender scored by epoch millis.
type RedisVelocityCounter struct {
	client redis.Cmdable
	prefix string
}

// NewRedisVelocityCounter builds a counter whose keys are prefix+userID.
func NewRedisVelocityCounter(client redis.Cmdable, prefix string) *RedisVelocityCounter {
	if prefix == "" {
		prefix = "velocity:"
	}
	return &RedisVelocityCounter{client: client, prefix: prefix}
}

func (c *RedisVelocityCounter) Observe(ctx context.Context, userID, txnID string, at time.Time, window time.Duration) (int, error) {
	key := c.prefix + userID
	now := at.UnixMilli()
	var card *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAddNX(ctx, key, redis.Z{Score: float64(now), Member: txnID})
		p.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(now-window.Milliseconds(), 10))
		card = p.ZCount(ctx, key, "-inf", strconv.FormatInt(now, 10))
		p.PExpire(ctx, key, window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("velocity window for %s: %w", userID, err)
	}
	return int(card.Val()), nil
}

// StaticBlocklist is a fixed in-process set.
type StaticBlocklist map[string]struct{}

// NewStaticBlocklist builds a blocklist from ids.
func NewStaticBlocklist(ids ...string) StaticBlocklist {
	out := make(StaticBlocklist, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func (b StaticBlocklist) Contains(_ context.Context, id string) (bool, error) {
	_, ok := b[id]
	return ok, nil
}

// RedisBlocklist checks membership of a Redis set.
type RedisBlocklist struct {
	client redis.Cmdable
	key    string
}

// NewRedisBlocklist builds a blocklist over the set at key.
func NewRedisBlocklist(client redis.Cmdable, key string) *RedisBlocklist {
	return &RedisBlocklist{client: client, key: key}
}

func (b *RedisBlocklist) Contains(ctx context.Context, id string) (bool, error) {
	ok, err := b.client.SIsMember(ctx, b.key, id).Result()
	if err != nil {
		return false, fmt.Errorf("blocklist lookup: %w", err)
	}
	return ok, nil
}
