package notify

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	counterKeyPrefix = "notify:unread:"
	defaultUnreadTTL = time.Hour
)

// Counter mirrors per-recipient unread counts.
type Counter interface {
	// Get reports the cached count and whether it was present.
	Get(ctx context.Context, recipientID string) (int64, bool, error)
	Set(ctx context.Context, recipientID string, n int64) error
	Incr(ctx context.Context, recipientID string) error
	// Decr decrements, never going below zero.
	Decr(ctx context.Context, recipientID string) error
	// Invalidate drops the cached count so the next read recounts.
	Invalidate(ctx context.Context, recipientID string) error
}

// incrScript only bumps a count that is already cached. A missing key stays
// missing so the next read rebuilds it from the durable store.
var incrScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
local n = redis.call("INCR", KEYS[1])
redis.call("PEXPIRE", KEYS[1], ARGV[1])
return n
`)

var decrScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
local n = redis.call("DECR", KEYS[1])
if n < 0 then
  redis.call("SET", KEYS[1], 0)
  n = 0
end
redis.call("PEXPIRE", KEYS[1], ARGV[1])
return n
`)

// RedisCounter keeps unread counts in Redis with a TTL.
type RedisCounter struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisCounter builds a counter whose entries live for ttl after each write.
func NewRedisCounter(client redis.UniversalClient, ttl time.Duration) *RedisCounter {
	if ttl <= 0 {
		ttl = defaultUnreadTTL
	}
	return &RedisCounter{client: client, ttl: ttl}
}

func (c *RedisCounter) Get(ctx context.Context, recipientID string) (int64, bool, error) {
	raw, err := c.client.Get(ctx, counterKey(recipientID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, false, nil
	}
	return n, true, nil
}

func (c *RedisCounter) Set(ctx context.Context, recipientID string, n int64) error {
	if n < 0 {
		n = 0
	}
	return c.client.Set(ctx, counterKey(recipientID), n, c.ttl).Err()
}

func (c *RedisCounter) Incr(ctx context.Context, recipientID string) error {
	return incrScript.Run(ctx, c.client, []string{counterKey(recipientID)}, c.ttl.Milliseconds()).Err()
}

func (c *RedisCounter) Decr(ctx context.Context, recipientID string) error {
	return decrScript.Run(ctx, c.client, []string{counterKey(recipientID)}, c.ttl.Milliseconds()).Err()
}

func (c *RedisCounter) Invalidate(ctx context.Context, recipientID string) error {
	return c.client.Del(ctx, counterKey(recipientID)).Err()
}

func counterKey(recipientID string) string {
	return counterKeyPrefix + recipientID
}
