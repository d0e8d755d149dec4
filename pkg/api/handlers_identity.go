package api

import (
	"net"
	"net/http"
	"net/url"

	"github.com/gravitational/trace"

	"github.com/sasewaddle/manager/pkg/auth"
	"github.com/sasewaddle/manager/pkg/metrics"
	"github.com/sasewaddle/manager/pkg/security"
	"github.com/sasewaddle/manager/pkg/types"
)

// --- Auth ---

// handleAuthToken exchanges a node's API key for a JWT pair. The
// node_type picks the registry; the claimed node_id must match the
// identity the key resolves to.
func (s *Server) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NodeID   string `json:"node_id"`
		NodeType string `json:"node_type"`
		APIKey   string `json:"api_key"`
	}
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.APIKey == "" {
		s.writeError(w, trace.BadParameter("api_key is required"))
		return
	}

	var pair *auth.TokenPair
	switch types.NodeType(req.NodeType) {
	case types.NodeTypeHeadend:
		cluster, err := s.clusters.Authenticate(req.APIKey)
		if err != nil {
			s.writeCredentialError(w, err)
			return
		}
		if req.NodeID != "" && req.NodeID != cluster.ID {
			writeUnauthorized(w, "api key does not match node_id")
			return
		}
		pair, err = s.tokens.GenerateTokenPair(r.Context(), cluster.ID, types.NodeTypeHeadend, auth.ClusterPermissions, map[string]string{
			"cluster_id": cluster.ID,
			"region":     cluster.Region,
			"datacenter": cluster.Datacenter,
		})
		if err != nil {
			s.writeError(w, err)
			return
		}
	case types.NodeTypeClient:
		client, err := s.clients.Authenticate(req.APIKey)
		if err != nil {
			s.writeCredentialError(w, err)
			return
		}
		if req.NodeID != "" && req.NodeID != client.ID {
			writeUnauthorized(w, "api key does not match node_id")
			return
		}
		pair, err = s.tokens.GenerateTokenPair(r.Context(), client.ID, types.NodeTypeClient, auth.ClientPermissions, map[string]string{
			"client_id":   client.ID,
			"client_type": string(client.Type),
			"cluster_id":  client.ClusterID,
		})
		if err != nil {
			s.writeError(w, err)
			return
		}
	default:
		s.writeError(w, trace.BadParameter("invalid node type: %s", req.NodeType))
		return
	}

	metrics.TokensIssued.WithLabelValues(req.NodeType).Inc()
	s.writeData(w, http.StatusOK, pair)
}

func (s *Server) handleAuthRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	pair, err := s.tokens.RefreshToken(r.Context(), req.RefreshToken)
	if err != nil {
		// An invalid or expired refresh token is a credential failure
		s.writeCredentialError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, pair)
}

func (s *Server) handleAuthRevoke(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JTI    string `json:"jti"`
		NodeID string `json:"node_id"`
	}
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	switch {
	case req.NodeID != "":
		revoked, err := s.tokens.RevokeAllTokens(r.Context(), req.NodeID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		metrics.TokensRevoked.Add(float64(revoked))
		s.writeData(w, http.StatusOK, map[string]int{"revoked": revoked})
	case req.JTI != "":
		if err := s.tokens.RevokeToken(r.Context(), req.JTI); err != nil {
			s.writeError(w, err)
			return
		}
		metrics.TokensRevoked.Inc()
		s.writeData(w, http.StatusOK, map[string]int{"revoked": 1})
	default:
		s.writeError(w, trace.BadParameter("jti or node_id is required"))
	}
}

// handleAuthValidate lets a node introspect its own bearer token. The
// middleware already validated it; this just echoes the claims.
func (s *Server) handleAuthValidate(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	s.writeData(w, http.StatusOK, map[string]interface{}{
		"valid":       true,
		"sub":         claims.Subject,
		"node_type":   claims.NodeType,
		"permissions": claims.Permissions,
		"metadata":    claims.Metadata,
		"exp":         claims.ExpiresAt.Unix(),
	})
}

func (s *Server) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	pubKey, err := s.tokens.PublicKeyPEM()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]string{
		"public_key": pubKey,
		"algorithm":  "RS256",
		"use":        "sig",
	})
}

// --- Clusters ---

type clusterRegisterRequest struct {
	Name       string            `json:"name"`
	Region     string            `json:"region"`
	Datacenter string            `json:"datacenter"`
	HeadendURL string            `json:"headend_url"`
	Metadata   map[string]string `json:"metadata"`
}

func (s *Server) handleClusterRegister(w http.ResponseWriter, r *http.Request) {
	var req clusterRegisterRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	cluster, apiKey, err := s.clusters.Register(req.Name, req.Region, req.Datacenter, req.HeadendURL, req.Metadata)
	if err != nil {
		s.writeError(w, err)
		return
	}

	// The headend serves TLS from day one, so its certificate is cut
	// at registration with SANs from the advertised URL
	dnsNames, ipAddresses := headendSANs(cluster.HeadendURL)
	bundle, err := s.ca.IssueHeadendCertificate(cluster.ID, dnsNames, ipAddresses)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeData(w, http.StatusCreated, map[string]interface{}{
		"cluster_id":   cluster.ID,
		"cluster":      cluster,
		"api_key":      apiKey,
		"certificates": certTriple(bundle),
	})
}

// headendSANs derives certificate SANs from a headend URL
func headendSANs(headendURL string) ([]string, []net.IP) {
	if headendURL == "" {
		return nil, nil
	}
	u, err := url.Parse(headendURL)
	if err != nil {
		return nil, nil
	}
	host := u.Hostname()
	if host == "" {
		return nil, nil
	}
	if ip := net.ParseIP(host); ip != nil {
		return nil, []net.IP{ip}
	}
	return []string{host}, nil
}

// certTriple is the wire form of an issued certificate bundle
func certTriple(bundle *security.CertBundle) map[string]string {
	return map[string]string{
		"key":  bundle.KeyPEM,
		"cert": bundle.CertPEM,
		"ca":   bundle.CAPEM,
	}
}

func (s *Server) handleClusterList(w http.ResponseWriter, r *http.Request) {
	s.writeData(w, http.StatusOK, s.clusters.List())
}

func (s *Server) handleClusterGet(w http.ResponseWriter, r *http.Request) {
	cluster, err := s.clusters.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, cluster)
}

func (s *Server) handleClusterDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.clusters.Delete(id); err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := s.tokens.RevokeAllTokens(r.Context(), id); err != nil {
		s.logger.Warn().Err(err).Str("cluster_id", id).Msg("failed to revoke tokens for deleted cluster")
	}
	s.writeData(w, http.StatusOK, map[string]string{"deleted": id})
}

func (s *Server) handleClusterHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientCount int `json:"client_count"`
	}
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.clusters.Heartbeat(r.PathValue("id"), req.ClientCount); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleClusterRotateKey(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	apiKey, err := s.clusters.RotateAPIKey(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// Old-key tokens die with the key
	if _, err := s.tokens.RevokeAllTokens(r.Context(), id); err != nil {
		s.logger.Warn().Err(err).Str("cluster_id", id).Msg("failed to revoke tokens after rotation")
	}
	s.writeData(w, http.StatusOK, map[string]string{"api_key": apiKey})
}

func (s *Server) handleClusterOptimal(w http.ResponseWriter, r *http.Request) {
	var req types.Location
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	cluster, err := s.clusters.OptimalFor(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, cluster)
}

// handleClusterConfig returns the bootstrap bundle a headend needs to
// serve traffic: where to validate tokens, the overlay parameters, and
// the current peer set.
func (s *Server) handleClusterConfig(w http.ResponseWriter, r *http.Request) {
	cluster, err := s.clusters.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	pubKey, err := s.tokens.PublicKeyPEM()
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeData(w, http.StatusOK, map[string]interface{}{
		"cluster_id": cluster.ID,
		"auth": map[string]string{
			"manager_url":    s.cfg.Server.ExternalURL,
			"jwt_public_key": pubKey,
			"ca_pem":         s.ca.CAPEM(),
		},
		"wireguard": map[string]interface{}{
			"interface":    s.cfg.Network.Interface,
			"listen_port":  s.cfg.Network.ListenPort,
			"overlay_cidr": s.cfg.Network.OverlayCIDR,
			"peers":        s.peers.ListActive(),
		},
		"proxy": map[string]interface{}{
			"mirror_traffic":  cluster.Metadata["mirror_traffic"] == "true",
			"request_timeout": 30,
			"idle_timeout":    90,
		},
	})
}

// --- Clients ---

type clientRegisterRequest struct {
	Name      string            `json:"name"`
	Type      types.ClientType  `json:"type"`
	ClusterID string            `json:"cluster_id"`
	PublicKey string            `json:"public_key"`
	Location  types.Location    `json:"location"`
	Metadata  map[string]string `json:"metadata"`
}

func (s *Server) handleClientRegister(w http.ResponseWriter, r *http.Request) {
	var req clientRegisterRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	client, apiKey, err := s.clients.Register(req.Name, req.Type, req.ClusterID, req.Location, req.Metadata)
	if err != nil {
		s.writeError(w, err)
		return
	}

	// A supplied WireGuard key activates the client immediately
	if req.PublicKey != "" {
		if err := s.clients.Activate(client.ID, req.PublicKey); err != nil {
			s.writeError(w, err)
			return
		}
		client.PublicKey = req.PublicKey
		client.Status = types.ClientStatusActive
	}

	cluster, err := s.clusters.Get(client.ClusterID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	bundle, err := s.ca.IssueClientCertificate(client.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeData(w, http.StatusCreated, map[string]interface{}{
		"client_id": client.ID,
		"client":    client,
		"api_key":   apiKey,
		"cluster": map[string]string{
			"id":          cluster.ID,
			"headend_url": cluster.HeadendURL,
		},
		"certificates": certTriple(bundle),
	})
}

func (s *Server) handleClientList(w http.ResponseWriter, r *http.Request) {
	if clusterID := r.URL.Query().Get("cluster_id"); clusterID != "" {
		s.writeData(w, http.StatusOK, s.clients.ListByCluster(clusterID))
		return
	}
	s.writeData(w, http.StatusOK, s.clients.List())
}

func (s *Server) handleClientGet(w http.ResponseWriter, r *http.Request) {
	client, err := s.clients.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, client)
}

func (s *Server) handleClientDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.clients.Delete(id); err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := s.tokens.RevokeAllTokens(r.Context(), id); err != nil {
		s.logger.Warn().Err(err).Str("client_id", id).Msg("failed to revoke tokens for deleted client")
	}
	if err := s.peers.Revoke(id); err != nil && !trace.IsNotFound(err) {
		s.logger.Warn().Err(err).Str("client_id", id).Msg("failed to revoke peer for deleted client")
	}
	s.writeData(w, http.StatusOK, map[string]string{"deleted": id})
}

func (s *Server) handleClientActivate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PublicKey string `json:"public_key"`
	}
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.clients.Activate(r.PathValue("id"), req.PublicKey); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]string{"status": "active"})
}

// handleClientConfig returns the client's cluster binding
func (s *Server) handleClientConfig(w http.ResponseWriter, r *http.Request) {
	client, err := s.clients.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	cluster, err := s.clusters.Get(client.ClusterID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeData(w, http.StatusOK, map[string]interface{}{
		"client_id": client.ID,
		"status":    client.Status,
		"cluster": map[string]string{
			"id":          cluster.ID,
			"headend_url": cluster.HeadendURL,
			"region":      cluster.Region,
		},
	})
}

func (s *Server) handleClientHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.clients.Heartbeat(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleClientRotateKey(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	apiKey, err := s.clients.RotateAPIKey(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := s.tokens.RevokeAllTokens(r.Context(), id); err != nil {
		s.logger.Warn().Err(err).Str("client_id", id).Msg("failed to revoke tokens after rotation")
	}
	s.writeData(w, http.StatusOK, map[string]string{"api_key": apiKey})
}

func (s *Server) handleClientCertificate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.clients.Get(id); err != nil {
		s.writeError(w, err)
		return
	}

	bundle, err := s.ca.IssueClientCertificate(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusCreated, map[string]interface{}{
		"serial":    bundle.Serial,
		"cert_pem":  bundle.CertPEM,
		"key_pem":   bundle.KeyPEM,
		"ca_pem":    bundle.CAPEM,
		"not_after": bundle.NotAfter,
	})
}

// --- Certificates ---

// handleCertGenerate cuts a one-off certificate for a named owner.
// Registration flows issue certificates inline; this endpoint covers
// renewal and out-of-band tooling.
func (s *Server) handleCertGenerate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type     string   `json:"type"`
		ID       string   `json:"id"`
		SANNames []string `json:"san_names"`
	}
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.ID == "" {
		s.writeError(w, trace.BadParameter("id is required"))
		return
	}

	var bundle *security.CertBundle
	var err error
	switch req.Type {
	case "client", "":
		bundle, err = s.ca.IssueClientCertificate(req.ID)
	case "headend":
		var dnsNames []string
		var ipAddresses []net.IP
		for _, san := range req.SANNames {
			if ip := net.ParseIP(san); ip != nil {
				ipAddresses = append(ipAddresses, ip)
				continue
			}
			dnsNames = append(dnsNames, san)
		}
		bundle, err = s.ca.IssueHeadendCertificate(req.ID, dnsNames, ipAddresses)
	default:
		s.writeError(w, trace.BadParameter("invalid certificate type: %s", req.Type))
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeData(w, http.StatusCreated, map[string]interface{}{
		"type":         req.Type,
		"serial":       bundle.Serial,
		"not_after":    bundle.NotAfter,
		"certificates": certTriple(bundle),
	})
}

// --- WireGuard ---

// handleWireGuardKeys provisions the overlay identity for the calling
// node: keypair, overlay address, and the matching certificate pair.
// Provisioning is idempotent per node; a repeat call returns the
// existing peer without the private key.
func (s *Server) handleWireGuardKeys(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NodeID string `json:"node_id"`
	}
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	claims := claimsFrom(r.Context())
	nodeID := req.NodeID
	if nodeID == "" {
		nodeID = claims.Subject
	}
	if nodeID != claims.Subject && !hasPermission(claims, AdminPermission) {
		writeForbidden(w, "token does not match resource")
		return
	}

	nodeType := types.NodeTypeClient
	if _, err := s.clusters.Get(nodeID); err == nil {
		nodeType = types.NodeTypeHeadend
	} else if _, err := s.clients.Get(nodeID); err != nil {
		s.writeError(w, err)
		return
	}

	peer, err := s.peers.Provision(nodeID, nodeType)
	if err != nil {
		s.writeError(w, err)
		return
	}
	metrics.OverlayIPsAssigned.Inc()

	var bundle *security.CertBundle
	if nodeType == types.NodeTypeHeadend {
		bundle, err = s.ca.IssueHeadendCertificate(nodeID, nil, []net.IP{net.ParseIP(peer.IPAddress)})
	} else {
		bundle, err = s.ca.IssueClientCertificate(nodeID)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeData(w, http.StatusCreated, map[string]interface{}{
		"node_id": nodeID,
		"wireguard": map[string]interface{}{
			"private_key":  peer.PrivateKey,
			"public_key":   peer.PublicKey,
			"ip_address":   peer.IPAddress,
			"allowed_ips":  peer.AllowedIPs,
			"network_cidr": s.cfg.Network.OverlayCIDR,
		},
		"certificates": certTriple(bundle),
	})
}

func (s *Server) handlePeerList(w http.ResponseWriter, r *http.Request) {
	s.writeData(w, http.StatusOK, s.peers.ListActive())
}

func (s *Server) handlePeerGet(w http.ResponseWriter, r *http.Request) {
	peer, err := s.peers.Get(r.PathValue("node_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, peer)
}

func (s *Server) handlePeerRevoke(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("node_id")
	if err := s.peers.Revoke(nodeID); err != nil {
		s.writeError(w, err)
		return
	}
	metrics.OverlayIPsAssigned.Dec()
	s.writeData(w, http.StatusOK, map[string]string{"revoked": nodeID})
}

// --- Status ---

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	clusters := s.clusters.List()
	clients := s.clients.List()

	activeClusters := 0
	for _, c := range clusters {
		if c.Status == types.ClusterStatusActive {
			activeClusters++
		}
	}
	activeClients := 0
	for _, c := range clients {
		if c.Status == types.ClientStatusActive {
			activeClients++
		}
	}

	s.writeData(w, http.StatusOK, map[string]interface{}{
		"clusters": map[string]int{
			"total":  len(clusters),
			"active": activeClusters,
		},
		"clients": map[string]int{
			"total":  len(clients),
			"active": activeClients,
		},
		"emergency_mode": s.limiter.EmergencyActive(r.Context()),
	})
}
