package queues

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/schue/moqui-mcp-sub002/logger"
)

// DefaultRedisPrefix namespaces queue keys in a shared Redis database.
const DefaultRedisPrefix = "mcp:pending:"

// RedisQueue stores each list as a Redis list of JSON documents, pushed at
// the tail and consumed from the head.
type RedisQueue[T any] struct {
	redisClient redis.Cmdable
	prefix      string
	logger      *logger.Logger
}

// RedisOption configures a RedisQueue.
type RedisOption func(*redisOptions)

type redisOptions struct {
	logger *logger.Logger
}

// WithRedisLogger sets the logger the queue reports through.
func WithRedisLogger(l *logger.Logger) RedisOption {
	return func(o *redisOptions) {
		o.logger = l
	}
}

func NewRedisQueue[T any](redisClient redis.Cmdable, prefix string, opts ...RedisOption) *RedisQueue[T] {
	o := redisOptions{logger: logger.DefaultLogger}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisQueue[T]{
		redisClient: redisClient,
		prefix:      prefix,
		logger:      o.logger.Component("redis-queue"),
	}
}

func (r *RedisQueue[T]) key(sessionID string) string {
	return r.prefix + sessionID
}

// Push serializes the item to JSON and appends it to the Redis list.
func (r *RedisQueue[T]) Push(ctx context.Context, key string, item T) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal item for redis queue: %w", err)
	}
	if err := r.redisClient.RPush(ctx, r.key(key), payload).Err(); err != nil {
		return fmt.Errorf("failed to push item to redis queue '%s': %w", key, err)
	}
	r.logger.Debug("queued item", "session_id", key)
	return nil
}

// Drain reads the head with LINDEX and only pops it once fn accepted it,
// so a failed delivery leaves the item in place.
func (r *RedisQueue[T]) Drain(ctx context.Context, key string, fn func(T) error) (int, error) {
	drained := 0
	for {
		raw, err := r.redisClient.LIndex(ctx, r.key(key), 0).Result()
		if errors.Is(err, redis.Nil) {
			return drained, nil
		}
		if err != nil {
			return drained, fmt.Errorf("failed to read redis queue '%s': %w", key, err)
		}

		var item T
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			r.logger.Error("dropping undecodable queued item", "session_id", key, "raw", raw, "error", err)
			if err := r.redisClient.LPop(ctx, r.key(key)).Err(); err != nil && !errors.Is(err, redis.Nil) {
				return drained, fmt.Errorf("failed to pop redis queue '%s': %w", key, err)
			}
			continue
		}

		if err := fn(item); err != nil {
			if errors.Is(err, ErrStopDrain) {
				return drained, nil
			}
			return drained, err
		}
		if err := r.redisClient.LPop(ctx, r.key(key)).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return drained, fmt.Errorf("failed to pop redis queue '%s': %w", key, err)
		}
		drained++
	}
}

func (r *RedisQueue[T]) Len(ctx context.Context, key string) (int, error) {
	n, err := r.redisClient.LLen(ctx, r.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read length of redis queue '%s': %w", key, err)
	}
	return int(n), nil
}

func (r *RedisQueue[T]) Delete(ctx context.Context, key string) error {
	if err := r.redisClient.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete redis queue '%s': %w", key, err)
	}
	return nil
}
