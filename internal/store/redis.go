package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis backs the store with a shared redis instance so that multiple server
// processes enforce one set of CSRF/rate-limit state. All multi-step
// operations run as Lua scripts to keep per-key atomicity on the server side.
type Redis struct {
	client *redis.Client
}

// compare-and-delete: delete the key only when it still holds the expected
// value. Redis executes scripts atomically, so of N racers exactly one sees
// the value and performs the DEL.
var cadScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// fixed-window take: the key's TTL is the window. First request creates the
// window with count=1; later requests increment only while the result stays
// within the limit, so a denied request never advances the counter.
var windowScript = redis.NewScript(`
local count = tonumber(redis.call("GET", KEYS[1]) or "0")
if count == 0 then
	redis.call("SET", KEYS[1], 1, "PX", ARGV[2])
	return {1, 0}
end
if count + 1 > tonumber(ARGV[1]) then
	local ttl = redis.call("PTTL", KEYS[1])
	if ttl < 0 then
		ttl = 0
	end
	return {0, ttl}
end
redis.call("INCR", KEYS[1])
return {1, 0}
`)

// NewRedis connects and pings the given URL (redis://host:port/db).
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opt.DialTimeout = 5 * time.Second
	opt.MinIdleConns = 2

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{client: client}, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable(err)
	}
	return val, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, val, ttl).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (r *Redis) CompareAndDelete(ctx context.Context, key string, expect []byte) (bool, error) {
	n, err := cadScript.Run(ctx, r.client, []string{key}, expect).Int()
	if err != nil {
		return false, unavailable(err)
	}
	return n == 1, nil
}

func (r *Redis) TakeWindow(ctx context.Context, key string, limit int64, window time.Duration) (bool, time.Duration, error) {
	res, err := windowScript.Run(ctx, r.client, []string{key},
		limit, window.Milliseconds()).Slice()
	if err != nil {
		return false, 0, unavailable(err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("window script returned %d values, want 2", len(res))
	}
	allowed, _ := res[0].(int64)
	retryMs, _ := res[1].(int64)
	return allowed == 1, time.Duration(retryMs) * time.Millisecond, nil
}

func (r *Redis) Close() error { return r.client.Close() }

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
