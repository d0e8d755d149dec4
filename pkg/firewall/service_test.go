package firewall

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sasewaddle/manager/pkg/cache"
	"github.com/sasewaddle/manager/pkg/events"
	"github.com/sasewaddle/manager/pkg/storage"
	"github.com/sasewaddle/manager/pkg/types"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mr := miniredis.RunT(t)
	c := cache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	return NewService(store, c, broker), mr
}

func testRule(userID string, priority int) *types.AccessRule {
	return &types.AccessRule{
		UserID:     userID,
		RuleType:   types.RuleTypeDomain,
		Pattern:    "example.com",
		AccessType: types.AccessAllow,
		Priority:   priority,
		IsActive:   true,
	}
}

func TestAddRuleValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		rule *types.AccessRule
	}{
		{"missing user", &types.AccessRule{RuleType: types.RuleTypeDomain, Pattern: "x.com", AccessType: types.AccessAllow, IsActive: true}},
		{"bad access type", &types.AccessRule{UserID: "u1", RuleType: types.RuleTypeDomain, Pattern: "x.com", AccessType: "maybe", IsActive: true}},
		{"bad ip", &types.AccessRule{UserID: "u1", RuleType: types.RuleTypeIP, Pattern: "not-an-ip", AccessType: types.AccessDeny, IsActive: true}},
		{"bad cidr", &types.AccessRule{UserID: "u1", RuleType: types.RuleTypeIPRange, Pattern: "10.0.0.0", AccessType: types.AccessDeny, IsActive: true}},
		{"bad rule type", &types.AccessRule{UserID: "u1", RuleType: "weird", Pattern: "x", AccessType: types.AccessAllow, IsActive: true}},
		{"protocol without protocol", &types.AccessRule{UserID: "u1", RuleType: types.RuleTypeProtocolRule, AccessType: types.AccessDeny, IsActive: true}},
		{"negative priority", &types.AccessRule{UserID: "u1", RuleType: types.RuleTypeDomain, Pattern: "x.com", AccessType: types.AccessAllow, Priority: -1, IsActive: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.AddRule(ctx, tt.rule)
			assert.True(t, trace.IsBadParameter(err), "got %v", err)
		})
	}
}

func TestRuleLifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.AddRule(ctx, testRule("u1", 10))
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := svc.GetRule(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "example.com", got.Pattern)

	// Update preserves owner and creation time
	got.Pattern = "updated.com"
	got.UserID = "someone-else"
	updated, err := svc.UpdateRule(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, "u1", updated.UserID)
	assert.Equal(t, created.CreatedAt.Unix(), updated.CreatedAt.Unix())

	require.NoError(t, svc.DeleteRule(ctx, created.ID))
	_, err = svc.GetRule(created.ID)
	assert.True(t, trace.IsNotFound(err))
}

func TestListRulesSorted(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for _, p := range []int{30, 10, 20} {
		_, err := svc.AddRule(ctx, testRule("u1", p))
		require.NoError(t, err)
	}

	rules, err := svc.ListRules("u1")
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, []int{10, 20, 30}, []int{rules[0].Priority, rules[1].Priority, rules[2].Priority})
}

func TestCheckAccess(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CheckAccess(ctx, "u1", "")
	assert.True(t, trace.IsBadParameter(err))

	// No rules: unrestricted
	d, err := svc.CheckAccess(ctx, "u1", "anything.com")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	_, err = svc.AddRule(ctx, testRule("u1", 10))
	require.NoError(t, err)

	d, err = svc.CheckAccess(ctx, "u1", "example.com")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = svc.CheckAccess(ctx, "u1", "other.com")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestExportUserCaching(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	_, err := svc.AddRule(ctx, testRule("u1", 10))
	require.NoError(t, err)

	bundle, err := svc.ExportUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, bundle.AllowDomains, 1)
	assert.True(t, mr.Exists("firewall:user:u1"))

	// A second export is served from the cache even if the store
	// changes underneath it
	deny := testRule("u1", 5)
	deny.ID = "rule-direct"
	deny.AccessType = types.AccessDeny
	require.NoError(t, svc.store.CreateAccessRule(deny))

	cached, err := svc.ExportUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, cached.DenyDomains, 0)
}

func TestMutationInvalidatesCache(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	created, err := svc.AddRule(ctx, testRule("u1", 10))
	require.NoError(t, err)

	_, err = svc.ExportUser(ctx, "u1")
	require.NoError(t, err)
	_, err = svc.ExportAll(ctx)
	require.NoError(t, err)
	require.True(t, mr.Exists("firewall:user:u1"))
	require.True(t, mr.Exists("firewall:all_rules"))

	// Any mutation drops both keys before returning
	require.NoError(t, svc.DeleteRule(ctx, created.ID))
	assert.False(t, mr.Exists("firewall:user:u1"))
	assert.False(t, mr.Exists("firewall:all_rules"))

	bundle, err := svc.ExportUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, bundle.AllowDomains, 0)
}

func TestExportDegradesWithoutRedis(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	_, err := svc.AddRule(ctx, testRule("u1", 10))
	require.NoError(t, err)

	mr.SetError("connection refused")

	// Cache failures fall back to store reads
	bundle, err := svc.ExportUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, bundle.AllowDomains, 1)

	all, err := svc.ExportAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, all.RulesCount)
}

func TestExportAllGroupsByUser(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.AddRule(ctx, testRule("u1", 10))
	require.NoError(t, err)
	_, err = svc.AddRule(ctx, testRule("u1", 20))
	require.NoError(t, err)
	deny := testRule("u2", 10)
	deny.AccessType = types.AccessDeny
	_, err = svc.AddRule(ctx, deny)
	require.NoError(t, err)

	export, err := svc.ExportAll(ctx)
	require.NoError(t, err)
	assert.False(t, export.Timestamp.IsZero())
	assert.Equal(t, 3, export.RulesCount)
	require.Len(t, export.UserRules, 2)
	assert.Len(t, export.UserRules["u1"].AllowDomains, 2)
	assert.Len(t, export.UserRules["u2"].DenyDomains, 1)
}

func TestBuildBundleCategorizes(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	rules := []*types.AccessRule{
		{UserID: "u1", RuleType: types.RuleTypeDomain, Pattern: "a.com", AccessType: types.AccessAllow, IsActive: true},
		{UserID: "u1", RuleType: types.RuleTypeDomain, Pattern: "b.com", AccessType: types.AccessDeny, IsActive: true},
		{UserID: "u1", RuleType: types.RuleTypeIP, Pattern: "10.0.0.1", AccessType: types.AccessDeny, IsActive: true},
		{UserID: "u1", RuleType: types.RuleTypeIPRange, Pattern: "10.0.0.0/8", AccessType: types.AccessAllow, IsActive: true},
		{UserID: "u1", RuleType: types.RuleTypeURLPattern, Pattern: "https://x.com/*", AccessType: types.AccessAllow, IsActive: true},
		{UserID: "u1", RuleType: types.RuleTypeProtocolRule, Protocol: "tcp", DstPort: "22", AccessType: types.AccessDeny, IsActive: true},
	}
	inactive := testRule("u1", 99)
	inactive.IsActive = false
	rules = append(rules, inactive)

	for _, r := range rules {
		_, err := svc.AddRule(ctx, r)
		require.NoError(t, err)
	}

	bundle, err := svc.ExportUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, bundle.AllowDomains, 1)
	assert.Len(t, bundle.DenyDomains, 1)
	assert.Len(t, bundle.DenyIPs, 1)
	assert.Len(t, bundle.AllowIPRanges, 1)
	assert.Len(t, bundle.AllowURLPatterns, 1)
	assert.Len(t, bundle.DenyProtocolRules, 1)
	assert.Equal(t, "u1", bundle.UserID)
}
