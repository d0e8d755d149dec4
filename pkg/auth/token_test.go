package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sasewaddle/manager/pkg/cache"
	"github.com/sasewaddle/manager/pkg/config"
	"github.com/sasewaddle/manager/pkg/events"
	"github.com/sasewaddle/manager/pkg/types"
)

func newTestService(t *testing.T, cfg config.AuthConfig) (*TokenService, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	c := cache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	if cfg.AccessTokenTTL == 0 {
		cfg.AccessTokenTTL = time.Hour
	}
	if cfg.RefreshTokenTTL == 0 {
		cfg.RefreshTokenTTL = 24 * time.Hour
	}
	return NewTokenService(key, c, broker, cfg), mr
}

func TestGenerateAndValidate(t *testing.T) {
	svc, _ := newTestService(t, config.AuthConfig{})
	ctx := context.Background()

	pair, err := svc.GenerateTokenPair(ctx, "cluster-1", types.NodeTypeHeadend, ClusterPermissions, map[string]string{"region": "us-east"})
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, "bearer", pair.TokenType)

	claims, err := svc.ValidateToken(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "cluster-1", claims.Subject)
	assert.Equal(t, types.NodeTypeHeadend, claims.NodeType)
	assert.Equal(t, types.TokenKindAccess, claims.Kind)
	assert.Equal(t, ClusterPermissions, claims.Permissions)
	assert.Equal(t, "us-east", claims.Metadata["region"])

	refreshClaims, err := svc.ValidateToken(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, types.TokenKindRefresh, refreshClaims.Kind)
}

func TestValidateGarbage(t *testing.T) {
	svc, _ := newTestService(t, config.AuthConfig{})

	_, err := svc.ValidateToken(context.Background(), "not-a-token")
	assert.True(t, trace.IsAccessDenied(err))
}

func TestValidateExpired(t *testing.T) {
	svc, _ := newTestService(t, config.AuthConfig{AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	ctx := context.Background()

	issued := time.Now()
	svc.now = func() time.Time { return issued }

	pair, err := svc.GenerateTokenPair(ctx, "client-1", types.NodeTypeClient, ClientPermissions, nil)
	require.NoError(t, err)

	// Still valid just before expiry
	svc.now = func() time.Time { return issued.Add(30 * time.Second) }
	_, err = svc.ValidateToken(ctx, pair.AccessToken)
	require.NoError(t, err)

	// Rejected after expiry
	svc.now = func() time.Time { return issued.Add(2 * time.Minute) }
	_, err = svc.ValidateToken(ctx, pair.AccessToken)
	assert.True(t, trace.IsAccessDenied(err))
}

func TestRevokeToken(t *testing.T) {
	svc, _ := newTestService(t, config.AuthConfig{})
	ctx := context.Background()

	pair, err := svc.GenerateTokenPair(ctx, "client-1", types.NodeTypeClient, ClientPermissions, nil)
	require.NoError(t, err)

	claims, err := svc.ValidateToken(ctx, pair.AccessToken)
	require.NoError(t, err)

	require.NoError(t, svc.RevokeToken(ctx, claims.ID))

	// Signature is still good but the metadata record is inactive
	_, err = svc.ValidateToken(ctx, pair.AccessToken)
	assert.True(t, trace.IsAccessDenied(err))

	// The refresh token is untouched
	_, err = svc.ValidateToken(ctx, pair.RefreshToken)
	assert.NoError(t, err)
}

func TestRevokeAllTokens(t *testing.T) {
	svc, _ := newTestService(t, config.AuthConfig{})
	ctx := context.Background()

	pair1, err := svc.GenerateTokenPair(ctx, "client-1", types.NodeTypeClient, ClientPermissions, nil)
	require.NoError(t, err)
	pair2, err := svc.GenerateTokenPair(ctx, "client-1", types.NodeTypeClient, ClientPermissions, nil)
	require.NoError(t, err)
	other, err := svc.GenerateTokenPair(ctx, "client-2", types.NodeTypeClient, ClientPermissions, nil)
	require.NoError(t, err)

	revoked, err := svc.RevokeAllTokens(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, 4, revoked)

	for _, token := range []string{pair1.AccessToken, pair1.RefreshToken, pair2.AccessToken, pair2.RefreshToken} {
		_, err := svc.ValidateToken(ctx, token)
		assert.True(t, trace.IsAccessDenied(err))
	}

	// Other nodes are untouched
	_, err = svc.ValidateToken(ctx, other.AccessToken)
	assert.NoError(t, err)
}

func TestRefreshToken(t *testing.T) {
	svc, _ := newTestService(t, config.AuthConfig{})
	ctx := context.Background()

	pair, err := svc.GenerateTokenPair(ctx, "client-1", types.NodeTypeClient, ClientPermissions, nil)
	require.NoError(t, err)

	newPair, err := svc.RefreshToken(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.AccessToken, newPair.AccessToken)

	_, err = svc.ValidateToken(ctx, newPair.AccessToken)
	require.NoError(t, err)

	// The consumed refresh token is revoked
	_, err = svc.ValidateToken(ctx, pair.RefreshToken)
	assert.True(t, trace.IsAccessDenied(err))
}

func TestRefreshWithAccessToken(t *testing.T) {
	svc, _ := newTestService(t, config.AuthConfig{})
	ctx := context.Background()

	pair, err := svc.GenerateTokenPair(ctx, "client-1", types.NodeTypeClient, ClientPermissions, nil)
	require.NoError(t, err)

	_, err = svc.RefreshToken(ctx, pair.AccessToken)
	assert.True(t, trace.IsAccessDenied(err))
}

func TestValidationFailsClosedWhenRedisDown(t *testing.T) {
	svc, mr := newTestService(t, config.AuthConfig{})
	ctx := context.Background()

	pair, err := svc.GenerateTokenPair(ctx, "client-1", types.NodeTypeClient, ClientPermissions, nil)
	require.NoError(t, err)

	mr.SetError("connection refused")

	_, err = svc.ValidateToken(ctx, pair.AccessToken)
	assert.True(t, trace.IsAccessDenied(err))
}

func TestIssuanceFailOpen(t *testing.T) {
	ctx := context.Background()

	// Fail closed by default
	svc, mr := newTestService(t, config.AuthConfig{})
	mr.SetError("connection refused")
	_, err := svc.GenerateTokenPair(ctx, "client-1", types.NodeTypeClient, ClientPermissions, nil)
	assert.True(t, trace.IsConnectionProblem(err))

	// Fail open when configured
	svc, mr = newTestService(t, config.AuthConfig{FailOpenIssue: true})
	mr.SetError("connection refused")
	pair, err := svc.GenerateTokenPair(ctx, "client-1", types.NodeTypeClient, ClientPermissions, nil)
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
}

func TestTokenLifecycleEvents(t *testing.T) {
	svc, _ := newTestService(t, config.AuthConfig{})
	ctx := context.Background()

	sub := svc.broker.Subscribe()
	defer svc.broker.Unsubscribe(sub)

	pair, err := svc.GenerateTokenPair(ctx, "client-1", types.NodeTypeClient, ClientPermissions, nil)
	require.NoError(t, err)

	ev := receiveEvent(t, sub)
	assert.Equal(t, events.EventTokenIssued, ev.Type)
	assert.Equal(t, "client-1", ev.Metadata["node_id"])

	claims, err := svc.ValidateToken(ctx, pair.AccessToken)
	require.NoError(t, err)
	require.NoError(t, svc.RevokeToken(ctx, claims.ID))

	ev = receiveEvent(t, sub)
	assert.Equal(t, events.EventTokenRevoked, ev.Type)
	assert.Equal(t, claims.ID, ev.Metadata["jti"])
}

func receiveEvent(t *testing.T, sub events.Subscriber) *events.Event {
	t.Helper()
	select {
	case ev := <-sub:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return nil
	}
}

func TestPublicKeyPEM(t *testing.T) {
	svc, _ := newTestService(t, config.AuthConfig{})

	pemStr, err := svc.PublicKeyPEM()
	require.NoError(t, err)
	assert.Contains(t, pemStr, "BEGIN PUBLIC KEY")
}
