package intake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"od-database/internal/logger"
)

const (
	// DefaultRedisLockTTL bounds how long a crashed holder can block a host.
	DefaultRedisLockTTL = 30 * time.Second
	// DefaultRedisLockRetry is the delay between acquisition attempts.
	DefaultRedisLockRetry = 50 * time.Millisecond
)

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// RedisLocker is a Locker shared by every API instance using the same Redis.
type RedisLocker struct {
	client     *redis.Client
	prefix     string
	ttl        time.Duration
	retryDelay time.Duration
	log        logger.Logger
}

// NewRedisLocker builds a RedisLocker. Zero durations use the defaults.
func NewRedisLocker(client *redis.Client, prefix string, ttl, retryDelay time.Duration, log logger.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultRedisLockTTL
	}
	if retryDelay <= 0 {
		retryDelay = DefaultRedisLockRetry
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &RedisLocker{
		client:     client,
		prefix:     prefix,
		ttl:        ttl,
		retryDelay: retryDelay,
		log:        log,
	}
}

// Lock polls SETNX until the key is acquired or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + key
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", redisKey, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retryDelay):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(redisKey, token) })
	}, nil
}

func (l *RedisLocker) release(redisKey, token string) {
	releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err(); err != nil {
		l.log.Warn("failed to release lock", logger.String("key", redisKey), logger.Error(err))
	}
}
