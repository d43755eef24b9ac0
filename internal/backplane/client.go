// Package backplane wraps the Redis-compatible external store Eventhub
// depends on for cross-instance pub/sub, the message cache, and the KV
// store, and defines the narrow command surface other packages depend on
// so they can be exercised against a fake in tests.
package backplane

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Commander is the subset of *redis.Client operations Eventhub uses. Kept
// narrow and explicit so internal/cache (and the rpc tests built on it) can
// be tested against a hand-written fake instead of a real Redis instance.
type Commander interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	HIncrBy(ctx context.Context, key, field string, incr int64) *redis.IntCmd
	HKeys(ctx context.Context, key string) *redis.StringSliceCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	ZScore(ctx context.Context, key, member string) *redis.FloatCmd
	ZRem(ctx context.Context, key string, members ...any) *redis.IntCmd
	ZRemRangeByRank(ctx context.Context, key string, start, stop int64) *redis.IntCmd
	ZRemRangeByScore(ctx context.Context, key, min, max string) *redis.IntCmd
	ZCard(ctx context.Context, key string) *redis.IntCmd
	ZRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	PSubscribe(ctx context.Context, patterns ...string) *redis.PubSub
}

// Options configures the backplane connection.
type Options struct {
	Host     string
	Port     int
	Password string
	PoolSize int
}

// Client is Eventhub's handle onto the backplane: a pooled connection used
// for publish/cache/KV operations, satisfying Commander.
type Client struct {
	*redis.Client
}

// New dials the backplane. The connection is lazy (go-redis connects on
// first command), matching the teacher's pattern of constructing clients
// up front and discovering connectivity problems at first use.
func New(opts Options) *Client {
	return &Client{
		Client: redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%d", opts.Host, opts.Port),
			Password: opts.Password,
			PoolSize: opts.PoolSize,
		}),
	}
}

// Ping verifies connectivity with one PING round trip. Nothing in this
// module calls it: neither startup nor the health endpoint checks the
// backplane.
func (c *Client) Ping(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}
