package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key prefixes for the per-user scheduling registry.
const (
	pendingKeyPrefix = "newsletter:pending:" // userID -> live cycle task ID
	cancelKeyPrefix  = "newsletter:cancel:"  // userID -> "1" while a cancel is requested
)

// registryTTL bounds how long registry entries can outlive their cycle.
// Longer than the longest frequency interval plus retry backoff, so a
// healthy schedule never expires; an orphaned entry eventually does.
const registryTTL = 30 * 24 * time.Hour

// RedisStateStore is the production StateStore. It shares the Redis
// instance that backs the task queue, so the live-cycle registry and the
// queue survive restarts together.
type RedisStateStore struct {
	rdb *redis.Client
}

// NewRedisStateStore connects a state store to the given Redis URL.
func NewRedisStateStore(redisURL string) (*RedisStateStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	return &RedisStateStore{rdb: redis.NewClient(opts)}, nil
}

func (s *RedisStateStore) ClaimPending(ctx context.Context, userID, taskID string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, pendingKeyPrefix+userID, taskID, registryTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim pending slot: %w", err)
	}
	return ok, nil
}

func (s *RedisStateStore) SetPending(ctx context.Context, userID, taskID string) error {
	if err := s.rdb.Set(ctx, pendingKeyPrefix+userID, taskID, registryTTL).Err(); err != nil {
		return fmt.Errorf("failed to set pending slot: %w", err)
	}
	return nil
}

func (s *RedisStateStore) PendingTask(ctx context.Context, userID string) (string, bool, error) {
	id, err := s.rdb.Get(ctx, pendingKeyPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read pending slot: %w", err)
	}
	return id, true, nil
}

func (s *RedisStateStore) ClearPending(ctx context.Context, userID string) error {
	if err := s.rdb.Del(ctx, pendingKeyPrefix+userID).Err(); err != nil {
		return fmt.Errorf("failed to clear pending slot: %w", err)
	}
	return nil
}

func (s *RedisStateStore) RequestCancel(ctx context.Context, userID string) error {
	if err := s.rdb.Set(ctx, cancelKeyPrefix+userID, "1", registryTTL).Err(); err != nil {
		return fmt.Errorf("failed to set cancellation token: %w", err)
	}
	return nil
}

func (s *RedisStateStore) CancelRequested(ctx context.Context, userID string) (bool, error) {
	_, err := s.rdb.Get(ctx, cancelKeyPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cancellation token: %w", err)
	}
	return true, nil
}

func (s *RedisStateStore) ClearCancel(ctx context.Context, userID string) error {
	if err := s.rdb.Del(ctx, cancelKeyPrefix+userID).Err(); err != nil {
		return fmt.Errorf("failed to clear cancellation token: %w", err)
	}
	return nil
}

// Close closes the underlying Redis connection.
func (s *RedisStateStore) Close() error {
	return s.rdb.Close()
}
