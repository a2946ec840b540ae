package abuse

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"apex-orchestrator/internal/logging"
)

// RedisAlertGate suppresses repeat alerts for 10 minutes per (user, rule)
// using SETNX, grounded on internal/admitter's RedisCounter and
// internal/db/redis.go's go-redis/v8 client shape.
type RedisAlertGate struct {
	Client *redis.Client
	TTL    time.Duration
}

func NewRedisAlertGate(client *redis.Client) *RedisAlertGate {
	return &RedisAlertGate{Client: client, TTL: 10 * time.Minute}
}

func (g *RedisAlertGate) ShouldFire(ctx context.Context, userID uint, rule Rule) bool {
	ttl := g.TTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	key := fmt.Sprintf("apex:abuse:alert:%d:%s", userID, rule)
	ok, err := g.Client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		logging.S().Warnw("abuse: alert gate unavailable, firing open", "error", err)
		return true
	}
	return ok
}
