package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// InflightGuard rejects a duplicate submission while the first one is still
// running, across processes. The database claim stays authoritative; the
// guard only spares it the contention.
type InflightGuard interface {
	Acquire(ctx context.Context, tenantID snowflake.ID, key string) (release func(), acquired bool, err error)
}

type redisGuard struct {
	client *redis.Client
	ttl    time.Duration
}

// Deletes the key only if it still holds our token, so an expired guard
// re-acquired by another attempt is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func NewRedisGuard(client *redis.Client, ttl time.Duration) InflightGuard {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &redisGuard{client: client, ttl: ttl}
}

func (g *redisGuard) Acquire(ctx context.Context, tenantID snowflake.ID, key string) (func(), bool, error) {
	redisKey := fmt.Sprintf("credits:inflight:%s:%s", tenantID.String(), key)
	token := uuid.NewString()

	ok, err := g.client.SetNX(ctx, redisKey, token, g.ttl).Result()
	if err != nil {
		return func() {}, false, err
	}
	if !ok {
		return func() {}, false, nil
	}
	return func() {
		_ = releaseScript.Run(context.Background(), g.client, []string{redisKey}, token).Err()
	}, true, nil
}
