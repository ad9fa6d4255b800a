package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/atinyakov/smartmark/internal/auth"
	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces session keys in Redis.
const KeyPrefix = "smartmark:session:"

// kv is the part of the Redis client the store uses.
type kv interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisStore keeps sessions in Redis with native expiry.
type RedisStore struct {
	client kv
}

// NewRedisStore returns a store on client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, id string) (auth.State, error) {
	raw, err := s.client.Get(ctx, KeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return auth.State{}, nil
	}
	if err != nil {
		return auth.State{}, fmt.Errorf("failed to get session: %w", err)
	}
	var st auth.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return auth.State{}, fmt.Errorf("failed to decode session: %w", err)
	}
	return st, nil
}

func (s *RedisStore) Put(ctx context.Context, id string, st auth.State, ttl time.Duration) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := s.client.Set(ctx, KeyPrefix+id, raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, KeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
