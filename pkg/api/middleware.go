package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/sasewaddle/manager/pkg/auth"
	"github.com/sasewaddle/manager/pkg/metrics"
)

type contextKey string

const claimsKey contextKey = "claims"

// AdminPermission marks tokens allowed to mutate control-plane state
const AdminPermission = "admin"

// claimsFrom returns the validated claims stored by the auth middleware
func claimsFrom(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsKey).(*auth.Claims)
	return claims
}

// requireBearer validates the Authorization header and stores the
// claims on the request context
func (s *Server) requireBearer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeUnauthorized(w, "missing bearer token")
			return
		}

		claims, err := s.tokens.ValidateToken(r.Context(), strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			metrics.TokenValidations.WithLabelValues("rejected").Inc()
			writeUnauthorized(w, "invalid or revoked token")
			return
		}
		metrics.TokenValidations.WithLabelValues("accepted").Inc()

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next(w, r.WithContext(ctx))
	}
}

// requireNode additionally pins the token subject to the {id} or
// {node_id} path segment. Admin tokens may act on any node.
func (s *Server) requireNode(next http.HandlerFunc) http.HandlerFunc {
	return s.requireBearer(func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFrom(r.Context())

		id := r.PathValue("id")
		if id == "" {
			id = r.PathValue("node_id")
		}
		if id != "" && claims.Subject != id && !hasPermission(claims, AdminPermission) {
			writeForbidden(w, "token does not match resource")
			return
		}
		next(w, r)
	})
}

// requireAdmin restricts an endpoint to tokens carrying the admin
// permission
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return s.requireBearer(func(w http.ResponseWriter, r *http.Request) {
		if !hasPermission(claimsFrom(r.Context()), AdminPermission) {
			writeForbidden(w, "admin permission required")
			return
		}
		next(w, r)
	})
}

func hasPermission(claims *auth.Claims, perm string) bool {
	if claims == nil {
		return false
	}
	for _, p := range claims.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	writeAuthError(w, http.StatusUnauthorized, msg)
}

func writeForbidden(w http.ResponseWriter, msg string) {
	writeAuthError(w, http.StatusForbidden, msg)
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":  msg,
		"status": status,
	})
}
