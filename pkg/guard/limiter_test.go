package guard

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sasewaddle/manager/pkg/cache"
	"github.com/sasewaddle/manager/pkg/events"
	"github.com/sasewaddle/manager/pkg/storage"
	"github.com/sasewaddle/manager/pkg/types"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mr := miniredis.RunT(t)
	c := cache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	l, err := NewLimiter(c, store, broker)
	require.NoError(t, err)
	return l, mr
}

func TestDefaultRuleOrder(t *testing.T) {
	l, _ := newTestLimiter(t)

	rules := l.Rules()
	require.Len(t, rules, 4)
	assert.Equal(t, "auth_strict", rules[0].Name)
	assert.Equal(t, "web_lenient", rules[3].Name)
}

func TestPickRuleByEndpoint(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	tests := []struct {
		endpoint string
		want     string
	}{
		{"/api/v1/auth/token", "auth_strict"},
		{"/api/v1/clients/abc/heartbeat", "config_moderate"},
		{"/api/v1/status", "api_strict"},
		{"/anything-else", "web_lenient"},
	}
	for _, tt := range tests {
		rule := l.pickRule(ctx, "203.0.113.9", tt.endpoint)
		require.NotNil(t, rule, "endpoint %s", tt.endpoint)
		assert.Equal(t, tt.want, rule.Name, "endpoint %s", tt.endpoint)
	}
}

func TestExemptIPBypasses(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	require.NoError(t, l.SaveRule(&types.RateLimitRule{
		Name:          "auth_strict",
		MaxRequests:   5,
		WindowSeconds: 60,
		BlockDuration: 900,
		Endpoints:     []string{"/api/v1/auth"},
		ExemptIPs:     []string{"10.0.0.1"},
		Priority:      10,
		Enabled:       true,
	}))

	for i := 0; i < 50; i++ {
		result := l.Allow(ctx, "10.0.0.1", "/api/v1/auth/token")
		require.True(t, result.Allowed)
	}
}

func TestAllowBlocksOverLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	// auth_strict allows 5 per 60s
	for i := 0; i < 5; i++ {
		result := l.Allow(ctx, "203.0.113.9", "/api/v1/auth/token")
		require.True(t, result.Allowed, "request %d", i+1)
		assert.Equal(t, "auth_strict", result.Rule)
	}

	result := l.Allow(ctx, "203.0.113.9", "/api/v1/auth/token")
	assert.False(t, result.Allowed)
	assert.Greater(t, result.RetryAfter, time.Duration(0))

	// The IP is now on the block list for all endpoints
	result = l.Allow(ctx, "203.0.113.9", "/anything")
	assert.False(t, result.Allowed)
	assert.True(t, result.Blocked)

	// Other IPs are unaffected
	result = l.Allow(ctx, "203.0.113.10", "/api/v1/auth/token")
	assert.True(t, result.Allowed)

	// The violation is on the audit log
	recorded, err := l.store.ListSecurityEvents(10)
	require.NoError(t, err)
	require.NotEmpty(t, recorded)
	assert.Equal(t, "rate_limit_exceeded", recorded[0].EventType)
}

func TestBlockAndUnblock(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	l.Block(ctx, "198.51.100.1", 10*time.Minute, "manual")

	blocked := l.BlockedIPs(ctx)
	require.Contains(t, blocked, "198.51.100.1")
	assert.Greater(t, blocked["198.51.100.1"], 9*time.Minute)

	result := l.Allow(ctx, "198.51.100.1", "/api/v1/status")
	assert.False(t, result.Allowed)
	assert.True(t, result.Blocked)

	require.NoError(t, l.Unblock(ctx, "198.51.100.1"))
	assert.NotContains(t, l.BlockedIPs(ctx), "198.51.100.1")

	result = l.Allow(ctx, "198.51.100.1", "/api/v1/status")
	assert.True(t, result.Allowed)
}

func TestEmergencyMode(t *testing.T) {
	l, mr := newTestLimiter(t)
	ctx := context.Background()

	assert.False(t, l.EmergencyActive(ctx))

	require.NoError(t, l.EnableEmergency(ctx, time.Hour))
	assert.True(t, l.EmergencyActive(ctx))

	// Every endpoint is clamped to the emergency rule
	rule := l.pickRule(ctx, "203.0.113.9", "/anything")
	require.NotNil(t, rule)
	assert.Equal(t, "emergency", rule.Name)

	// 10 per 60s under the clamp
	for i := 0; i < 10; i++ {
		result := l.Allow(ctx, "203.0.113.20", "/api/v1/status")
		require.True(t, result.Allowed, "request %d", i+1)
	}
	result := l.Allow(ctx, "203.0.113.20", "/api/v1/status")
	assert.False(t, result.Allowed)

	require.NoError(t, l.DisableEmergency(ctx))
	assert.False(t, l.EmergencyActive(ctx))

	// Emergency mode expires on its own via the key TTL
	require.NoError(t, l.EnableEmergency(ctx, time.Minute))
	mr.FastForward(2 * time.Minute)
	assert.False(t, l.EmergencyActive(ctx))
}

func TestMemoryFallbackWhenRedisDown(t *testing.T) {
	l, mr := newTestLimiter(t)
	ctx := context.Background()

	mr.SetError("connection refused")

	for i := 0; i < 5; i++ {
		result := l.Allow(ctx, "203.0.113.30", "/api/v1/auth/token")
		require.True(t, result.Allowed, "request %d", i+1)
	}
	result := l.Allow(ctx, "203.0.113.30", "/api/v1/auth/token")
	assert.False(t, result.Allowed)

	// The in-memory block holds without redis
	result = l.Allow(ctx, "203.0.113.30", "/anything")
	assert.False(t, result.Allowed)
	assert.True(t, result.Blocked)

	blocked := l.BlockedIPs(ctx)
	assert.Contains(t, blocked, "203.0.113.30")
}

func TestStoredRuleOverridesDefault(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.SaveRateLimitRule(&types.RateLimitRule{
		Name:          "auth_strict",
		MaxRequests:   2,
		WindowSeconds: 60,
		BlockDuration: 900,
		Endpoints:     []string{"/api/v1/auth"},
		Priority:      10,
		Enabled:       true,
	}))

	mr := miniredis.RunT(t)
	c := cache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	l, err := NewLimiter(c, store, broker)
	require.NoError(t, err)

	for _, r := range l.Rules() {
		if r.Name == "auth_strict" {
			assert.Equal(t, 2, r.MaxRequests)
			return
		}
	}
	t.Fatal("auth_strict rule missing")
}

func TestSaveRuleValidation(t *testing.T) {
	l, _ := newTestLimiter(t)

	err := l.SaveRule(&types.RateLimitRule{MaxRequests: 10, WindowSeconds: 60})
	assert.Error(t, err)

	err = l.SaveRule(&types.RateLimitRule{Name: "x", MaxRequests: 0, WindowSeconds: 60})
	assert.Error(t, err)
}
