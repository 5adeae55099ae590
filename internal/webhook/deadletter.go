package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DeadLetter is a failed delivery kept for later replay.
type DeadLetter struct {
	TxnID     string          `json:"txnId"`
	URL       string          `json:"url"`
	Attempts  int             `json:"attempts"`
	Error     string          `json:"error"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
	FailedAt  time.Time       `json:"failedAt"`
}

// DeadLetterStore parks deliveries that exhausted their attempts.
type DeadLetterStore interface {
	Park(ctx context.Context, dl DeadLetter) error
}

// RedisDeadLetters pushes entries onto a Redis list.
type RedisDeadLetters struct {
	client redis.Cmdable
	key    string
}

// NewRedisDeadLetters builds a store over the list at key.
func NewRedisDeadLetters(client redis.Cmdable, key string) *RedisDeadLetters {
	return &RedisDeadLetters{client: client, key: key}
}

func (r *RedisDeadLetters) Park(ctx context.Context, dl DeadLetter) error {
	raw, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	if err := r.client.LPush(ctx, r.key, raw).Err(); err != nil {
		return fmt.Errorf("park dead letter %s: %w", dl.TxnID, err)
	}
	return nil
}

// MemoryDeadLetters keeps entries in process.
type MemoryDeadLetters struct {
	mu      sync.Mutex
	entries []DeadLetter
}

func (m *MemoryDeadLetters) Park(_ context.Context, dl DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, dl)
	return nil
}

// Entries returns a snapshot of parked deliveries.
func (m *MemoryDeadLetters) Entries() []DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DeadLetter(nil), m.entries...)
}
