package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/railsignal/fleet-sentinel/internal/domain"
)

// RedisHistoryStore keeps per-entity history in a Redis sorted set scored
// by record time, so count and age eviction stay atomic across instances.
type RedisHistoryStore struct {
	client   *redis.Client
	prefix   string
	capacity int
	maxAge   time.Duration
	clock    domain.Clock
}

// NewRedisHistoryStore creates a Redis-backed history store.
func NewRedisHistoryStore(client *redis.Client, prefix string, capacity int, maxAge time.Duration, clock domain.Clock) *RedisHistoryStore {
	return &RedisHistoryStore{
		client:   client,
		prefix:   prefix,
		capacity: capacity,
		maxAge:   maxAge,
		clock:    clock,
	}
}

func (s *RedisHistoryStore) key(entityID string) string {
	return fmt.Sprintf("%s:history:%s", s.prefix, entityID)
}

// Append records a sample and evicts by age and count in one pipeline.
func (s *RedisHistoryStore) Append(ctx context.Context, entityID string, sample PositionSample) error {
	payload, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to marshal sample: %w", err)
	}

	key := s.key(entityID)
	now := s.clock.Now()
	cutoff := now.Add(-s.maxAge)

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(sample.Recorded.UnixNano()),
		Member: string(payload),
	})
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff.UnixNano(), 10))
	pipe.ZRemRangeByRank(ctx, key, 0, int64(-s.capacity-1))
	pipe.Expire(ctx, key, s.maxAge)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// Recent returns up to limit retained samples, newest last.
func (s *RedisHistoryStore) Recent(ctx context.Context, entityID string, limit int) ([]PositionSample, error) {
	key := s.key(entityID)
	cutoff := s.clock.Now().Add(-s.maxAge)

	if err := s.client.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff.UnixNano(), 10)).Err(); err != nil {
		return nil, fmt.Errorf("failed to prune history: %w", err)
	}

	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	members, err := s.client.ZRange(ctx, key, start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	samples := make([]PositionSample, 0, len(members))
	for _, member := range members {
		var sample PositionSample
		if err := json.Unmarshal([]byte(member), &sample); err != nil {
			continue
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

// RedisRateCounter counts events in a Redis sorted set keyed by event time.
type RedisRateCounter struct {
	client *redis.Client
	prefix string
	clock  domain.Clock
}

// NewRedisRateCounter creates a Redis-backed sliding-window counter.
func NewRedisRateCounter(client *redis.Client, prefix string, clock domain.Clock) *RedisRateCounter {
	return &RedisRateCounter{client: client, prefix: prefix, clock: clock}
}

// Incr records one event for key and returns the in-window count.
func (c *RedisRateCounter) Incr(ctx context.Context, key string, window time.Duration) (int, error) {
	redisKey := fmt.Sprintf("%s:rate:%s", c.prefix, key)
	now := c.clock.Now()
	cutoff := now.Add(-window)

	pipe := c.client.TxPipeline()
	pipe.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: strconv.FormatInt(now.UnixNano(), 10),
	})
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", strconv.FormatInt(cutoff.UnixNano(), 10))
	count := pipe.ZCard(ctx, redisKey)
	pipe.Expire(ctx, redisKey, window)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment rate counter: %w", err)
	}
	return int(count.Val()), nil
}
