package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	return NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()})), mr
}

func TestJSONRoundtrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	require.NoError(t, c.SetJSON(ctx, "k", payload{Name: "x", Count: 3}, time.Minute))

	var out payload
	require.NoError(t, c.GetJSON(ctx, "k", &out))
	assert.Equal(t, "x", out.Name)
	assert.Equal(t, 3, out.Count)

	err := c.GetJSON(ctx, "missing", &out)
	assert.True(t, trace.IsNotFound(err))
}

func TestGetSetDelete(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", 0))
	val, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)

	exists, err := c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, c.Delete(ctx, "k"))
	_, err = c.Get(ctx, "k")
	assert.True(t, trace.IsNotFound(err))

	// Deleting nothing is a no-op
	require.NoError(t, c.Delete(ctx))
}

func TestTTL(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "expiring", "v", time.Minute))
	ttl, err := c.TTL(ctx, "expiring")
	require.NoError(t, err)
	assert.Greater(t, ttl, 50*time.Second)

	require.NoError(t, c.Set(ctx, "forever", "v", 0))
	ttl, err = c.TTL(ctx, "forever")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), ttl)

	_, err = c.TTL(ctx, "missing")
	assert.True(t, trace.IsNotFound(err))
}

func TestScanAndDeletePattern(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	for _, k := range []string{"token:n1:a", "token:n1:b", "token:n2:c"} {
		require.NoError(t, c.Set(ctx, k, "v", 0))
	}

	keys, err := c.ScanKeys(ctx, "token:n1:*")
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	n, err := c.DeletePattern(ctx, "token:n1:*")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	keys, err = c.ScanKeys(ctx, "token:*")
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestRateWindow(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	window := time.Minute

	// Hits accumulate inside the window
	for i := 0; i < 3; i++ {
		count, oldest, err := c.RateWindow(ctx, "rate:test", start.Add(time.Duration(i)*time.Second), window)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), count)
		assert.Equal(t, start.UnixMicro(), oldest.UnixMicro())
	}

	// A hit past the window evicts the expired entries
	count, oldest, err := c.RateWindow(ctx, "rate:test", start.Add(61*time.Second), window)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
	assert.Equal(t, start.Add(time.Second).UnixMicro(), oldest.UnixMicro())

	// Far in the future only the new hit survives
	count, oldest, err = c.RateWindow(ctx, "rate:test", start.Add(time.Hour), window)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, start.Add(time.Hour).UnixMicro(), oldest.UnixMicro())
}

func TestRateWindowIndependentKeys(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	now := time.Now()

	count, _, err := c.RateWindow(ctx, "rate:a", now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, _, err = c.RateWindow(ctx, "rate:b", now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
