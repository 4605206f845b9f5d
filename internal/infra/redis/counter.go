package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWindowScript atomically increments a windowed counter. The window
// TTL is set only when the key is created, so the window never slides.
// Returns {count, pttl_ms} in a single round trip.
var incrWindowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
return {count, ttl}
`)

// Counter provides fixed-window counters shared across instances.
type Counter struct {
	client *Client
}

// NewCounter creates a new counter backed by the given client.
func NewCounter(client *Client) (*Counter, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &Counter{client: client}, nil
}

// Incr increments the counter for key, creating it with the window TTL on
// first use. Returns the new count and the remaining window.
func (c *Counter) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if key == "" {
		return 0, 0, errors.New("key is required")
	}
	if window <= 0 {
		return 0, 0, errors.New("window must be positive")
	}

	done := Timed("counter_incr")
	res, err := incrWindowScript.Run(ctx, c.client.client, []string{key}, window.Milliseconds()).Result()
	done(err)
	if err != nil {
		return 0, 0, fmt.Errorf("counter incr: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, 0, fmt.Errorf("counter incr: unexpected reply %v", res)
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)

	ttl := time.Duration(ttlMs) * time.Millisecond
	if ttlMs < 0 {
		ttl = window
	}

	return count, ttl, nil
}

// Get returns the current count without incrementing. A missing key
// counts as zero.
func (c *Counter) Get(ctx context.Context, key string) (int64, error) {
	if key == "" {
		return 0, errors.New("key is required")
	}

	n, err := c.client.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("counter get: %w", err)
	}
	return n, nil
}

// Reset deletes the counter. Resetting a missing counter is a no-op.
func (c *Counter) Reset(ctx context.Context, key string) error {
	if key == "" {
		return errors.New("key is required")
	}

	if err := c.client.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("counter reset: %w", err)
	}
	return nil
}
