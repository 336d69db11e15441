package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists sessions as JSON blobs with a TTL so that every
// dispatcher instance shares state and sessions survive restarts.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(addr, password string) *RedisStore {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisStore{client: c, prefix: "match:session:"}
}

// NewRedisStoreWithClient wires an existing client, used when the
// dispatcher shares a connection with the command scheduler.
func NewRedisStoreWithClient(c *redis.Client) *RedisStore {
	return &RedisStore{client: c, prefix: "match:session:"}
}

func (r *RedisStore) key(requestID string) string { return r.prefix + requestID }

func (r *RedisStore) Get(ctx context.Context, requestID string) (*Session, error) {
	b, err := r.client.Get(ctx, r.key(requestID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session get %s: %w", requestID, err)
	}
	var s Session
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("session decode %s: %w", requestID, err)
	}
	return &s, nil
}

func (r *RedisStore) Put(ctx context.Context, s *Session, ttl time.Duration) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("session encode %s: %w", s.RequestID, err)
	}
	if err := r.client.Set(ctx, r.key(s.RequestID), b, ttl).Err(); err != nil {
		return fmt.Errorf("session put %s: %w", s.RequestID, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, requestID string) error {
	if err := r.client.Del(ctx, r.key(requestID)).Err(); err != nil {
		return fmt.Errorf("session delete %s: %w", requestID, err)
	}
	return nil
}
