package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/rs/zerolog"

	"github.com/sasewaddle/manager/pkg/auth"
	"github.com/sasewaddle/manager/pkg/cache"
	"github.com/sasewaddle/manager/pkg/config"
	"github.com/sasewaddle/manager/pkg/events"
	"github.com/sasewaddle/manager/pkg/feeds"
	"github.com/sasewaddle/manager/pkg/firewall"
	"github.com/sasewaddle/manager/pkg/guard"
	"github.com/sasewaddle/manager/pkg/log"
	"github.com/sasewaddle/manager/pkg/metrics"
	"github.com/sasewaddle/manager/pkg/registry"
	"github.com/sasewaddle/manager/pkg/security"
	"github.com/sasewaddle/manager/pkg/storage"
)

// Server is the manager's HTTP JSON surface
type Server struct {
	cfg      *config.Config
	tokens   *auth.TokenService
	clusters *registry.ClusterRegistry
	clients  *registry.ClientRegistry
	peers    *registry.PeerManager
	ca       *security.CertAuthority
	firewall *firewall.Service
	ingestor *feeds.Ingestor
	checker  *feeds.Checker
	limiter  *guard.Limiter
	store    storage.Store
	cache    *cache.Cache
	broker   *events.Broker
	logger   zerolog.Logger

	httpServer *http.Server
}

// Deps bundles everything the server needs
type Deps struct {
	Config   *config.Config
	Tokens   *auth.TokenService
	Clusters *registry.ClusterRegistry
	Clients  *registry.ClientRegistry
	Peers    *registry.PeerManager
	CA       *security.CertAuthority
	Firewall *firewall.Service
	Ingestor *feeds.Ingestor
	Checker  *feeds.Checker
	Limiter  *guard.Limiter
	Store    storage.Store
	Cache    *cache.Cache
	Broker   *events.Broker
}

// NewServer wires the HTTP surface
func NewServer(d Deps) *Server {
	s := &Server{
		cfg:      d.Config,
		tokens:   d.Tokens,
		clusters: d.Clusters,
		clients:  d.Clients,
		peers:    d.Peers,
		ca:       d.CA,
		firewall: d.Firewall,
		ingestor: d.Ingestor,
		checker:  d.Checker,
		limiter:  d.Limiter,
		store:    d.Store,
		cache:    d.Cache,
		broker:   d.Broker,
		logger:   log.WithComponent("api"),
	}

	mux := http.NewServeMux()
	s.routes(mux)

	var handler http.Handler = mux
	handler = s.metricsMiddleware(handler)
	handler = guard.Middleware(d.Limiter, d.Config.Guard)(handler)

	s.httpServer = &http.Server{
		Addr:         d.Config.Server.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) routes(mux *http.ServeMux) {
	// Auth
	mux.HandleFunc("POST /api/v1/auth/token", s.handleAuthToken)
	mux.HandleFunc("POST /api/v1/auth/refresh", s.handleAuthRefresh)
	mux.HandleFunc("POST /api/v1/auth/validate", s.requireBearer(s.handleAuthValidate))
	mux.HandleFunc("POST /api/v1/auth/revoke", s.requireAdmin(s.handleAuthRevoke))
	mux.HandleFunc("GET /api/v1/auth/public-key", s.handlePublicKey)

	// Clusters
	mux.HandleFunc("POST /api/v1/clusters/register", s.requireAdmin(s.handleClusterRegister))
	mux.HandleFunc("GET /api/v1/clusters", s.requireBearer(s.handleClusterList))
	mux.HandleFunc("GET /api/v1/clusters/{id}", s.requireBearer(s.handleClusterGet))
	mux.HandleFunc("DELETE /api/v1/clusters/{id}", s.requireAdmin(s.handleClusterDelete))
	mux.HandleFunc("POST /api/v1/clusters/{id}/heartbeat", s.requireNode(s.handleClusterHeartbeat))
	mux.HandleFunc("POST /api/v1/clusters/{id}/rotate-key", s.requireAdmin(s.handleClusterRotateKey))
	mux.HandleFunc("GET /api/v1/clusters/{id}/headend-config", s.requireNode(s.handleClusterConfig))
	mux.HandleFunc("POST /api/v1/clusters/optimal", s.handleClusterOptimal)

	// Clients
	mux.HandleFunc("POST /api/v1/clients/register", s.requireAdmin(s.handleClientRegister))
	mux.HandleFunc("GET /api/v1/clients", s.requireBearer(s.handleClientList))
	mux.HandleFunc("GET /api/v1/clients/{id}", s.requireBearer(s.handleClientGet))
	mux.HandleFunc("DELETE /api/v1/clients/{id}", s.requireAdmin(s.handleClientDelete))
	mux.HandleFunc("POST /api/v1/clients/{id}/activate", s.requireNode(s.handleClientActivate))
	mux.HandleFunc("GET /api/v1/clients/{id}/config", s.requireNode(s.handleClientConfig))
	mux.HandleFunc("POST /api/v1/clients/{id}/heartbeat", s.requireNode(s.handleClientHeartbeat))
	mux.HandleFunc("POST /api/v1/clients/{id}/rotate-key", s.requireAdmin(s.handleClientRotateKey))
	mux.HandleFunc("POST /api/v1/clients/{id}/certificates", s.requireNode(s.handleClientCertificate))

	// Certificates
	mux.HandleFunc("POST /api/v1/certs/generate", s.requireAdmin(s.handleCertGenerate))

	// WireGuard
	mux.HandleFunc("POST /api/v1/wireguard/keys", s.requireBearer(s.handleWireGuardKeys))
	mux.HandleFunc("GET /api/v1/wireguard/peers", s.requireBearer(s.handlePeerList))
	mux.HandleFunc("GET /api/v1/wireguard/{node_id}", s.requireBearer(s.handlePeerGet))
	mux.HandleFunc("POST /api/v1/wireguard/{node_id}/revoke", s.requireAdmin(s.handlePeerRevoke))

	// Firewall
	mux.HandleFunc("POST /api/v1/firewall/rules", s.requireAdmin(s.handleRuleAdd))
	mux.HandleFunc("GET /api/v1/firewall/rules", s.requireBearer(s.handleRuleList))
	mux.HandleFunc("GET /api/v1/firewall/rules/{id}", s.requireBearer(s.handleRuleGet))
	mux.HandleFunc("PUT /api/v1/firewall/rules/{id}", s.requireAdmin(s.handleRuleUpdate))
	mux.HandleFunc("DELETE /api/v1/firewall/rules/{id}", s.requireAdmin(s.handleRuleDelete))
	mux.HandleFunc("GET /api/v1/firewall/user/{user_id}/rules", s.requireBearer(s.handleRuleBundle))
	mux.HandleFunc("POST /api/v1/firewall/check", s.requireBearer(s.handleAccessCheck))

	// Security
	mux.HandleFunc("GET /api/v1/security/check", s.requireBearer(s.handleThreatCheck))
	mux.HandleFunc("GET /api/v1/security/feeds/status", s.requireAdmin(s.handleFeedStatus))
	mux.HandleFunc("POST /api/v1/security/feeds/update", s.requireAdmin(s.handleFeedUpdate))
	mux.HandleFunc("GET /api/v1/security/events", s.requireAdmin(s.handleSecurityEvents))
	mux.HandleFunc("GET /api/v1/security/detections", s.requireAdmin(s.handleThreatDetections))
	mux.HandleFunc("GET /api/v1/security/blocked", s.requireAdmin(s.handleBlockedIPs))
	mux.HandleFunc("GET /api/v1/security/rate-limits", s.requireAdmin(s.handleRateLimitList))
	mux.HandleFunc("PUT /api/v1/security/rate-limits", s.requireAdmin(s.handleRateLimitSave))
	mux.HandleFunc("POST /api/v1/security/unblock", s.requireAdmin(s.handleUnblock))
	mux.HandleFunc("POST /api/v1/security/emergency/enable", s.requireAdmin(s.handleEmergencyEnable))
	mux.HandleFunc("POST /api/v1/security/emergency/disable", s.requireAdmin(s.handleEmergencyDisable))

	// Status
	mux.HandleFunc("GET /api/v1/status", s.requireBearer(s.handleStatus))
}

// Start begins serving
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("api server listening")
	metrics.UpdateComponent("api", true, "")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return trace.Wrap(err)
	}
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// writeData wraps successful responses in the standard envelope
func (s *Server) writeData(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"data":    data,
	})
}

// writeError maps trace error kinds onto HTTP statuses
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case trace.IsBadParameter(err):
		status = http.StatusBadRequest
	case trace.IsAccessDenied(err):
		status = http.StatusForbidden
	case trace.IsNotFound(err):
		status = http.StatusNotFound
	case trace.IsAlreadyExists(err):
		status = http.StatusConflict
	case trace.IsLimitExceeded(err):
		status = http.StatusTooManyRequests
	case trace.IsConnectionProblem(err):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("internal error")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":  trace.UserMessage(err),
		"status": status,
	})
}

// writeCredentialError reports a failed credential check as 401.
// Authorization failures keep flowing through writeError as 403.
func (s *Server) writeCredentialError(w http.ResponseWriter, err error) {
	if trace.IsAccessDenied(err) {
		writeUnauthorized(w, trace.UserMessage(err))
		return
	}
	s.writeError(w, err)
}

func (s *Server) decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return trace.BadParameter("invalid request body: %v", err)
	}
	return nil
}
