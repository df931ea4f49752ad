package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"od-database/internal/models"
)

// RedisStatusStore stores the crawl snapshot in Redis as a single JSON value,
// so a read always returns a busy flag and website that were written together.
type RedisStatusStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisStatusStore initializes a Redis-backed StatusStore. A zero ttl keeps
// the value forever; otherwise the writer must refresh it before it expires.
func NewRedisStatusStore(addr, key string, ttl time.Duration) *RedisStatusStore {
	return NewRedisStatusStoreWithClient(redis.NewClient(&redis.Options{Addr: addr}), key, ttl)
}

// NewRedisStatusStoreWithClient wraps an existing client.
func NewRedisStatusStoreWithClient(client *redis.Client, key string, ttl time.Duration) *RedisStatusStore {
	return &RedisStatusStore{
		client: client,
		key:    key,
		ttl:    ttl,
	}
}

// Close closes the Redis client.
func (s *RedisStatusStore) Close() error {
	return s.client.Close()
}

// SetStatus writes the snapshot to Redis.
func (s *RedisStatusStore) SetStatus(ctx context.Context, status models.CrawlSnapshot) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key, payload, s.ttl).Err()
}

// GetStatus reads the snapshot from Redis. ok is false when no worker has
// published one or the last one expired.
func (s *RedisStatusStore) GetStatus(ctx context.Context) (models.CrawlSnapshot, bool, error) {
	val, err := s.client.Get(ctx, s.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.CrawlSnapshot{}, false, nil
		}
		return models.CrawlSnapshot{}, false, err
	}

	var status models.CrawlSnapshot
	if err := json.Unmarshal([]byte(val), &status); err != nil {
		return models.CrawlSnapshot{}, false, err
	}
	return status, true, nil
}
