package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"
)

const flushBatch = 500

// RedisStore is a sliding-window CounterStore shared by every instance that
// talks to the same Redis. Each key is a sorted set of event timestamps
// (milliseconds since epoch).
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Hit prunes events older than now-window, counts what is left, records the
// current event and refreshes the key TTL in a single MULTI/EXEC so that two
// concurrent hits can never observe the same pre-increment count.
func (s *RedisStore) Hit(ctx context.Context, key string, window time.Duration, now time.Time) (Window, error) {
	nowMs := now.UnixMilli()
	cutoff := nowMs - window.Milliseconds()
	member := strconv.FormatInt(nowMs, 10) + "-" + xid.New().String()

	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
	card := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(nowMs), Member: member})
	pipe.PExpire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Window{}, fmt.Errorf("redis sliding window: %w", err)
	}

	return Window{
		Count:   card.Val() + 1,
		ResetAt: now.Add(window),
	}, nil
}

// Flush deletes every key matching prefix*, scanning in batches.
func (s *RedisStore) Flush(ctx context.Context, prefix string) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, prefix+"*", flushBatch).Result()
		if err != nil {
			return fmt.Errorf("redis scan %q: %w", prefix, err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis del %q: %w", prefix, err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Ping reports whether Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
