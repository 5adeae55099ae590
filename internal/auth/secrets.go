package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// SecretStore resolves the shared secret for a client. ok is false for unknown clients.
type SecretStore interface {
	Secret(ctx context.Context, clientID string) (secret string, ok bool, err error)
}

// StaticSecrets is an immutable in-process secret table.
type StaticSecrets struct {
	mu      sync.RWMutex
	secrets map[string]string
}

// NewStaticSecrets copies the provided table.
func NewStaticSecrets(secrets map[string]string) *StaticSecrets {
	cp := make(map[string]string, len(secrets))
	for k, v := range secrets {
		cp[k] = v
	}
	return &StaticSecrets{secrets: cp}
}

func (s *StaticSecrets) Secret(_ context.Context, clientID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	secret, ok := s.secrets[clientID]
	return secret, ok, nil
}

// RedisSecretStore reads client secrets from a Redis hash (field = client id).
type RedisSecretStore struct {
	client redis.Cmdable
	key    string
}

// NewRedisSecretStore builds a store over the hash at key.
func NewRedisSecretStore(client redis.Cmdable, key string) *RedisSecretStore {
	return &RedisSecretStore{client: client, key: key}
}

func (s *RedisSecretStore) Secret(ctx context.Context, clientID string) (string, bool, error) {
	secret, err := s.client.HGet(ctx, s.key, clientID).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup client secret: %w", err)
	}
	return secret, secret != "", nil
}
