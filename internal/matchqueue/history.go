package matchqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// PairHistory remembers who recently played whom so the queue can avoid
// immediate rematches.
type PairHistory interface {
	Recent(ctx context.Context, identity string) ([]string, error)
	Record(ctx context.Context, a, b string) error
}

const (
	historyKeyPrefix = "mm:recent:"
	historyDepth     = 5
	historyTTL       = 24 * time.Hour
)

// RedisHistory keeps a capped per-identity list of recent opponents.
type RedisHistory struct {
	rdb *redis.Client
}

func NewRedisHistory(rdb *redis.Client) *RedisHistory {
	return &RedisHistory{rdb: rdb}
}

func historyKey(identity string) string {
	return historyKeyPrefix + identity
}

func (h *RedisHistory) Recent(ctx context.Context, identity string) ([]string, error) {
	vals, err := h.rdb.LRange(ctx, historyKey(identity), 0, historyDepth-1).Result()
	if err != nil {
		return nil, fmt.Errorf("pair history lrange: %w", err)
	}
	return vals, nil
}

// Record stores the pairing symmetrically, trimming each list to the
// lookback depth.
func (h *RedisHistory) Record(ctx context.Context, a, b string) error {
	pipe := h.rdb.TxPipeline()
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		key := historyKey(pair[0])
		pipe.LPush(ctx, key, pair[1])
		pipe.LTrim(ctx, key, 0, historyDepth-1)
		pipe.Expire(ctx, key, historyTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pair history record: %w", err)
	}
	return nil
}

// NoHistory disables anti-repeat pairing. Used when redis is unavailable
// in tests.
type NoHistory struct{}

func (NoHistory) Recent(context.Context, string) ([]string, error) { return nil, nil }
func (NoHistory) Record(context.Context, string, string) error     { return nil }
