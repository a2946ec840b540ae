package admitter

import (
	"context"

	"github.com/go-redis/redis/v8"
)

// RedisCounter backs ConcurrencyCounter with a real Redis client, the same
// client wrapper shape as db.RedisClient.
type RedisCounter struct {
	Client *redis.Client
}

func (c *RedisCounter) Incr(ctx context.Context, key string) (int64, error) {
	return c.Client.Incr(ctx, key).Result()
}

func (c *RedisCounter) Decr(ctx context.Context, key string) error {
	return c.Client.Decr(ctx, key).Err()
}
