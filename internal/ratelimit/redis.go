package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "ratelimit"

// incrementScript increments a window counter up to ARGV[1] and sets its TTL
// on first use.
var incrementScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current >= tonumber(ARGV[1]) then
	return current
end
current = redis.call("INCR", KEYS[1])
if current == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return current
`)

type RedisStore struct {
	client redis.Scripter
}

func NewRedisStore(client redis.Scripter) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Increment(ctx context.Context, clientKey, route string, windowStart time.Time, window time.Duration, ceiling int) (int, error) {
	key := redisKey(clientKey, route, windowStart)
	ttl := (2 * window).Milliseconds()

	hits, err := incrementScript.Run(ctx, s.client, []string{key}, ceiling, ttl).Int()
	if err != nil {
		return 0, fmt.Errorf("redis increment %s: %w", route, err)
	}
	return hits, nil
}

func redisKey(clientKey, route string, windowStart time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%s", redisKeyPrefix, route, clientKey, strconv.FormatInt(windowStart.Unix(), 10))
}

// OpenRedis parses url and pings the server. An empty url returns nil.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}
