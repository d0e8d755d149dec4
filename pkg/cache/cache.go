package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"

	"github.com/sasewaddle/manager/pkg/config"
)

// Cache wraps the redis client used for token metadata, rule bundles,
// sliding-window counters, and the block list.
type Cache struct {
	rdb *redis.Client
}

// New creates a cache backed by the configured redis instance
func New(cfg config.RedisConfig) *Cache {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Cache{rdb: rdb}
}

// NewFromClient wraps an existing client. Tests use this with miniredis.
func NewFromClient(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// Ping verifies connectivity
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return trace.ConnectionProblem(err, "redis unreachable")
	}
	return nil
}

// Close releases the underlying connection pool
func (c *Cache) Close() error {
	return c.rdb.Close()
}

// SetJSON stores v JSON-encoded under key with the given TTL.
// A zero TTL means no expiry.
func (c *Cache) SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return trace.ConnectionProblem(err, "redis set %s", key)
	}
	return nil
}

// GetJSON loads the value at key into out. Returns a NotFound error on miss.
func (c *Cache) GetJSON(ctx context.Context, key string, out interface{}) error {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return trace.NotFound("cache key not found: %s", key)
	}
	if err != nil {
		return trace.ConnectionProblem(err, "redis get %s", key)
	}
	return trace.Wrap(json.Unmarshal(data, out))
}

// Set stores a raw string value
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return trace.ConnectionProblem(err, "redis set %s", key)
	}
	return nil
}

// Get loads a raw string value. Returns a NotFound error on miss.
func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", trace.NotFound("cache key not found: %s", key)
	}
	if err != nil {
		return "", trace.ConnectionProblem(err, "redis get %s", key)
	}
	return val, nil
}

// Delete removes the given keys
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return trace.ConnectionProblem(err, "redis del")
	}
	return nil
}

// Exists reports whether key is present
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, trace.ConnectionProblem(err, "redis exists %s", key)
	}
	return n > 0, nil
}

// TTL returns the remaining lifetime of key. Zero means no expiry,
// a NotFound error means the key is absent.
func (c *Cache) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := c.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, trace.ConnectionProblem(err, "redis ttl %s", key)
	}
	if d == -2 {
		return 0, trace.NotFound("cache key not found: %s", key)
	}
	if d == -1 {
		return 0, nil
	}
	return d, nil
}

// ScanKeys returns all keys matching pattern using incremental SCAN
func (c *Cache) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, trace.ConnectionProblem(err, "redis scan %s", pattern)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// DeletePattern removes every key matching pattern, returning the count
func (c *Cache) DeletePattern(ctx context.Context, pattern string) (int, error) {
	keys, err := c.ScanKeys(ctx, pattern)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return 0, trace.ConnectionProblem(err, "redis del")
	}
	return len(keys), nil
}

// RateWindow records one hit at now in the sorted-set window at key,
// drops entries older than the window, and returns the resulting count
// together with the oldest surviving entry. The key expires one window
// after the last hit.
func (c *Cache) RateWindow(ctx context.Context, key string, now time.Time, window time.Duration) (int64, time.Time, error) {
	min := now.Add(-window)

	pipe := c.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", formatScore(min))
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixMicro()),
		Member: now.UnixNano(),
	})
	card := pipe.ZCard(ctx, key)
	oldest := pipe.ZRangeWithScores(ctx, key, 0, 0)
	pipe.Expire(ctx, key, window)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, trace.ConnectionProblem(err, "redis rate window %s", key)
	}

	count := card.Val()
	var oldestAt time.Time
	if zs := oldest.Val(); len(zs) > 0 {
		oldestAt = time.UnixMicro(int64(zs[0].Score))
	}
	return count, oldestAt, nil
}

// formatScore renders an exclusive upper-bound score argument
func formatScore(t time.Time) string {
	return "(" + strconv.FormatFloat(float64(t.UnixMicro()), 'f', -1, 64)
}
