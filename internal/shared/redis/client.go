package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrKeyNotFound is returned by Get for a missing key
var ErrKeyNotFound = errors.New("key not found")

type Client struct {
	client *redis.Client
}

// New creates a new Redis client
func New(ctx context.Context, redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("Redis ping failed: %w", err)
	}

	return &Client{client: client}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

// Ping reports whether Redis is reachable
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Get retrieves a value by key
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// Set stores a value with TTL
func (c *Client) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// Admission outcomes returned by Admit
const (
	AdmitDeniedMonthly = 0
	AdmitDeniedBurst   = 1
	AdmitAllowed       = 2
)

// admitScript checks both windows and, only if both have room, increments
// them and sets their expiry. Counts are returned as they were before the
// increment.
//
// KEYS[1] monthly counter, KEYS[2] minute counter
// ARGV[1] monthly limit, ARGV[2] burst limit, ARGV[3] monthly ttl (s), ARGV[4] minute ttl (s)
var admitScript = redis.NewScript(`
local monthly = tonumber(redis.call('GET', KEYS[1]) or '0')
local minute = tonumber(redis.call('GET', KEYS[2]) or '0')
if monthly >= tonumber(ARGV[1]) then
	return {0, monthly, minute}
end
if minute >= tonumber(ARGV[2]) then
	return {1, monthly, minute}
end
redis.call('INCR', KEYS[1])
if redis.call('TTL', KEYS[1]) < 0 then
	redis.call('EXPIRE', KEYS[1], ARGV[3])
end
redis.call('INCR', KEYS[2])
if redis.call('TTL', KEYS[2]) < 0 then
	redis.call('EXPIRE', KEYS[2], ARGV[4])
end
return {2, monthly, minute}
`)

// Admit runs the dual-window admission check as a single atomic script.
func (c *Client) Admit(ctx context.Context, monthKey, minuteKey string, monthlyLimit, burstLimit int64, monthTTL, minuteTTL time.Duration) (outcome int, monthly, minute int64, err error) {
	res, err := admitScript.Run(ctx, c.client,
		[]string{monthKey, minuteKey},
		monthlyLimit, burstLimit, ttlSeconds(monthTTL), ttlSeconds(minuteTTL),
	).Slice()
	if err != nil {
		return 0, 0, 0, fmt.Errorf("admission script: %w", err)
	}
	if len(res) != 3 {
		return 0, 0, 0, fmt.Errorf("admission script: unexpected reply %v", res)
	}

	vals := make([]int64, 3)
	for i, v := range res {
		n, ok := v.(int64)
		if !ok {
			return 0, 0, 0, fmt.Errorf("admission script: non-integer reply %v", v)
		}
		vals[i] = n
	}
	return int(vals[0]), vals[1], vals[2], nil
}

// Counters reads integer counters without modifying them. Missing keys read as 0.
func (c *Client) Counters(ctx context.Context, keys ...string) ([]int64, error) {
	res, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]int64, len(keys))
	for i, v := range res {
		s, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("counter %s is not an integer: %w", keys[i], err)
		}
		out[i] = n
	}
	return out, nil
}

func ttlSeconds(d time.Duration) int64 {
	s := int64(d / time.Second)
	if s < 1 {
		return 1
	}
	return s
}
