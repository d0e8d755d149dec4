package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/rs/zerolog"

	"github.com/sasewaddle/manager/pkg/cache"
	"github.com/sasewaddle/manager/pkg/config"
	"github.com/sasewaddle/manager/pkg/events"
	"github.com/sasewaddle/manager/pkg/log"
	"github.com/sasewaddle/manager/pkg/types"
)

// Permission sets granted at registration
var (
	ClusterPermissions = []string{"headend", "proxy", "wireguard", "mirror_traffic"}
	ClientPermissions  = []string{"connect", "tunnel", "route"}
)

// Claims is the JWT payload issued by the token service
type Claims struct {
	NodeType    types.NodeType    `json:"node_type"`
	Permissions []string          `json:"permissions"`
	Kind        types.TokenKind   `json:"type"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	jwt.RegisteredClaims
}

// TokenPair is the result of issuance or refresh
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// TokenService issues and validates RS256 JWTs. Signature checks alone
// never grant access: every token carries a jti whose metadata record
// in redis must exist and be active. Deleting or deactivating the
// record revokes the token immediately, signature notwithstanding.
type TokenService struct {
	signKey *rsa.PrivateKey
	cache   *cache.Cache
	broker  *events.Broker
	cfg     config.AuthConfig
	logger  zerolog.Logger

	now func() time.Time
}

// NewTokenService creates a token service signing with the given key
func NewTokenService(signKey *rsa.PrivateKey, c *cache.Cache, broker *events.Broker, cfg config.AuthConfig) *TokenService {
	return &TokenService{
		signKey: signKey,
		cache:   c,
		broker:  broker,
		cfg:     cfg,
		logger:  log.WithComponent("auth"),
		now:     time.Now,
	}
}

func metadataKey(jti string) string {
	return "token_metadata:" + jti
}

func nodeIndexKey(nodeID, jti string) string {
	return fmt.Sprintf("token:%s:%s", nodeID, jti)
}

// GenerateTokenPair issues an access and refresh token for a node
func (s *TokenService) GenerateTokenPair(ctx context.Context, nodeID string, nodeType types.NodeType, permissions []string, metadata map[string]string) (*TokenPair, error) {
	now := s.now()

	access, accessJTI, err := s.sign(nodeID, nodeType, permissions, metadata, types.TokenKindAccess, now, s.cfg.AccessTokenTTL)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	refresh, refreshJTI, err := s.sign(nodeID, nodeType, permissions, metadata, types.TokenKindRefresh, now, s.cfg.RefreshTokenTTL)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if err := s.record(ctx, nodeID, nodeType, permissions, accessJTI, types.TokenKindAccess, now, s.cfg.AccessTokenTTL); err != nil {
		return nil, err
	}
	if err := s.record(ctx, nodeID, nodeType, permissions, refreshJTI, types.TokenKindRefresh, now, s.cfg.RefreshTokenTTL); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("node_id", nodeID).
		Str("node_type", string(nodeType)).
		Str("jti", accessJTI).
		Msg("token pair issued")
	s.broker.Emit(events.EventTokenIssued, "token pair issued", map[string]string{
		"node_id":   nodeID,
		"node_type": string(nodeType),
		"jti":       accessJTI,
	})

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresAt:    now.Add(s.cfg.AccessTokenTTL),
	}, nil
}

func (s *TokenService) sign(nodeID string, nodeType types.NodeType, permissions []string, metadata map[string]string, kind types.TokenKind, now time.Time, ttl time.Duration) (string, string, error) {
	jti := uuid.New().String()
	claims := Claims{
		NodeType:    nodeType,
		Permissions: permissions,
		Kind:        kind,
		Metadata:    metadata,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   nodeID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(s.signKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, jti, nil
}

// record writes the metadata entry and the per-node index, both
// expiring with the token
func (s *TokenService) record(ctx context.Context, nodeID string, nodeType types.NodeType, permissions []string, jti string, kind types.TokenKind, now time.Time, ttl time.Duration) error {
	meta := types.TokenMetadata{
		JTI:         jti,
		Subject:     nodeID,
		NodeType:    nodeType,
		Permissions: permissions,
		Kind:        kind,
		IssuedAt:    now,
		ExpiresAt:   now.Add(ttl),
		Active:      true,
	}

	if err := s.cache.SetJSON(ctx, metadataKey(jti), meta, ttl); err != nil {
		if s.cfg.FailOpenIssue {
			s.logger.Warn().Err(err).Str("jti", jti).Msg("redis down, issuing without metadata record")
			return nil
		}
		return trace.ConnectionProblem(err, "cannot record token metadata")
	}
	if err := s.cache.Set(ctx, nodeIndexKey(nodeID, jti), string(kind), ttl); err != nil {
		return trace.ConnectionProblem(err, "cannot record token index")
	}
	return nil
}

// ValidateToken checks the signature and the metadata record. Any
// cache failure rejects the token.
func (s *TokenService) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return &s.signKey.PublicKey, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !token.Valid {
		return nil, trace.AccessDenied("invalid token")
	}

	var meta types.TokenMetadata
	if err := s.cache.GetJSON(ctx, metadataKey(claims.ID), &meta); err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.AccessDenied("token revoked or expired")
		}
		// Fail closed: a validation we cannot prove is a denial
		return nil, trace.AccessDenied("token validation unavailable")
	}
	if !meta.Active {
		return nil, trace.AccessDenied("token revoked")
	}

	return claims, nil
}

// RefreshToken exchanges a valid refresh token for a new pair and
// revokes the old refresh token
func (s *TokenService) RefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.ValidateToken(ctx, refreshToken)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if claims.Kind != types.TokenKindRefresh {
		return nil, trace.AccessDenied("not a refresh token")
	}

	pair, err := s.GenerateTokenPair(ctx, claims.Subject, claims.NodeType, claims.Permissions, claims.Metadata)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if err := s.RevokeToken(ctx, claims.ID); err != nil {
		s.logger.Warn().Err(err).Str("jti", claims.ID).Msg("failed to revoke consumed refresh token")
	}
	return pair, nil
}

// RevokeToken deactivates a single token by jti
func (s *TokenService) RevokeToken(ctx context.Context, jti string) error {
	var meta types.TokenMetadata
	if err := s.cache.GetJSON(ctx, metadataKey(jti), &meta); err != nil {
		return trace.Wrap(err)
	}
	meta.Active = false

	ttl := meta.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	if err := s.cache.SetJSON(ctx, metadataKey(jti), meta, ttl); err != nil {
		return trace.Wrap(err)
	}

	s.logger.Info().Str("jti", jti).Str("node_id", meta.Subject).Msg("token revoked")
	s.broker.Emit(events.EventTokenRevoked, "token revoked", map[string]string{
		"node_id": meta.Subject,
		"jti":     jti,
	})
	return nil
}

// RevokeAllTokens deactivates every live token for a node. Used when a
// node is removed or its key is rotated.
func (s *TokenService) RevokeAllTokens(ctx context.Context, nodeID string) (int, error) {
	keys, err := s.cache.ScanKeys(ctx, nodeIndexKey(nodeID, "*"))
	if err != nil {
		return 0, trace.Wrap(err)
	}

	revoked := 0
	for _, key := range keys {
		jti := key[strings.LastIndex(key, ":")+1:]
		if err := s.RevokeToken(ctx, jti); err != nil {
			if trace.IsNotFound(err) {
				continue
			}
			return revoked, trace.Wrap(err)
		}
		revoked++
	}

	s.logger.Info().Str("node_id", nodeID).Int("revoked", revoked).Msg("all tokens revoked")
	return revoked, nil
}

// PublicKeyPEM returns the verification key in PEM form for headends
func (s *TokenService) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(&s.signKey.PublicKey)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}
