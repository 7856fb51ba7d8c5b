// Package botredis wraps go-redis with the subset of commands the engine's
// optional Redis-backed stores need: JSON snapshot get/set, sorted-set
// sliding windows, and bounded lists/sets for velocity tracking.
package botredis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config configures the connection to a Redis instance used for hot decaying
// state and distributed coordination. It is intentionally separate from the
// engine's Config so a host can wire Redis independently of engine tuning.
type Config struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Client wraps *redis.Client with the engine's persistence vocabulary.
type Client struct {
	rdb *redis.Client
}

// NewClient dials Redis and verifies connectivity with a bounded ping.
func NewClient(cfg Config) (*Client, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 5 * time.Second
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 3 * time.Second
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = 3 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("botredis: connect: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error { return c.rdb.Close() }

// HealthCheck pings Redis.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// SetJSON marshals value and stores it with the given expiration (0 = no
// expiry). Used by the Markov snapshot store.
func (c *Client) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("botredis: marshal: %w", err)
	}
	return c.rdb.Set(ctx, key, data, ttl).Err()
}

// GetJSON reads and unmarshals a JSON value. Returns redis.Nil if absent.
func (c *Client) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(data), dest)
}

// SetBytes stores a raw binary payload with the given expiration (0 = no
// expiry). Used for opaque snapshot blobs whose format the caller owns.
func (c *Client) SetBytes(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, data, ttl).Err()
}

// GetBytes reads a raw binary payload, returning (nil, nil) when absent.
func (c *Client) GetBytes(ctx context.Context, key string) ([]byte, error) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return data, err
}

// Delete removes a key.
func (c *Client) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

// Expire refreshes a key's TTL.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, key, ttl).Err()
}

// ErrNil is returned (wrapping redis.Nil) when a lookup misses.
var ErrNil = redis.Nil

// ZAddDecaying adds/updates a member's score in a sorted set, used to back a
// distributed DecayingTransitionMatrix edge weight when the engine runs
// across more than one process.
func (c *Client) ZAddDecaying(ctx context.Context, key, member string, score float64) error {
	return c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// ZScore returns a member's score, 0 if absent.
func (c *Client) ZScore(ctx context.Context, key, member string) (float64, error) {
	v, err := c.rdb.ZScore(ctx, key, member).Result()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

// ZRangeWithScores returns the whole sorted set.
func (c *Client) ZRangeWithScores(ctx context.Context, key string) ([]redis.Z, error) {
	return c.rdb.ZRangeWithScores(ctx, key, 0, -1).Result()
}

// SlidingWindowCount trims a sorted-set timestamp window to [now-window, now]
// and returns its cardinality, the core of a Redis-backed request-rate
// counter keyed by signature.
func (c *Client) SlidingWindowCount(ctx context.Context, key string, now time.Time, window time.Duration, member string) (int64, error) {
	pipe := c.rdb.Pipeline()
	cutoff := now.Add(-window).UnixMilli()
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", cutoff))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: member})
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, window+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return card.Val(), nil
}

// ListPush appends a value to the head of a list, trimming to maxLen, used
// for the recent-transition / recent-interval ring buffers when run behind
// Redis instead of in-process memory.
func (c *Client) ListPush(ctx context.Context, key string, value interface{}, maxLen int64) error {
	pipe := c.rdb.Pipeline()
	pipe.LPush(ctx, key, value)
	pipe.LTrim(ctx, key, 0, maxLen-1)
	_, err := pipe.Exec(ctx)
	return err
}

// ListRange returns the full contents of a list, oldest-last (as pushed).
func (c *Client) ListRange(ctx context.Context, key string) ([]string, error) {
	return c.rdb.LRange(ctx, key, 0, -1).Result()
}

// SetAdd adds a member to a set with an expiration refresh.
func (c *Client) SetAdd(ctx context.Context, key string, member interface{}, ttl time.Duration) error {
	pipe := c.rdb.Pipeline()
	pipe.SAdd(ctx, key, member)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// SetCard returns the cardinality of a set.
func (c *Client) SetCard(ctx context.Context, key string) (int64, error) {
	return c.rdb.SCard(ctx, key).Result()
}

// SetIsMember checks set membership.
func (c *Client) SetIsMember(ctx context.Context, key string, member interface{}) (bool, error) {
	return c.rdb.SIsMember(ctx, key, member).Result()
}

// SetMembers returns all members of a set.
func (c *Client) SetMembers(ctx context.Context, key string) ([]string, error) {
	return c.rdb.SMembers(ctx, key).Result()
}

// DeletePattern deletes every key matching pattern, found via SCAN; used to flush a stale cohort's
// distributed state.
func (c *Client) DeletePattern(ctx context.Context, pattern string) error {
	iter := c.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	pipe := c.rdb.Pipeline()
	for iter.Next(ctx) {
		pipe.Del(ctx, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("botredis: scan: %w", err)
	}
	_, err := pipe.Exec(ctx)
	return err
}
