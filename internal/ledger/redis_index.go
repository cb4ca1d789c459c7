package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisIndex is a Redis-backed hot dedup index. It is an accelerator in front
// of the in-memory index, not a source of truth: misses fall through, and
// failures only cost a warning.
type redisIndex struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisIndex connects a hot idempotency index at addr. Keys expire after
// ttl; segment recovery covers anything older.
func NewRedisIndex(ctx context.Context, addr string, db int, ttl time.Duration) (DedupIndex, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	return &redisIndex{client: client, ttl: ttl}, nil
}

func (r *redisIndex) Seen(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Exists(ctx, dedupKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

func (r *redisIndex) Mark(ctx context.Context, id string) error {
	if err := r.client.Set(ctx, dedupKey(id), 1, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func dedupKey(id string) string {
	return "arbiter:decision:" + id
}
