package registry

import (
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/rs/zerolog"

	"github.com/sasewaddle/manager/pkg/log"
	"github.com/sasewaddle/manager/pkg/security"
	"github.com/sasewaddle/manager/pkg/storage"
	"github.com/sasewaddle/manager/pkg/types"
)

// PeerManager provisions WireGuard overlay identities for nodes.
// Each node gets one peer record; the private key is returned exactly
// once at provisioning and never persisted.
type PeerManager struct {
	mu    sync.Mutex
	peers map[string]*types.WireGuardPeer

	ipam   *security.IPAllocator
	store  storage.Store
	logger zerolog.Logger

	now func() time.Time
}

// NewPeerManager creates the manager and restores assignments from
// the store
func NewPeerManager(store storage.Store, ipam *security.IPAllocator) (*PeerManager, error) {
	m := &PeerManager{
		peers:  make(map[string]*types.WireGuardPeer),
		ipam:   ipam,
		store:  store,
		logger: log.WithComponent("wireguard"),
		now:    time.Now,
	}

	peers, err := store.ListPeers()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, p := range peers {
		m.peers[p.NodeID] = p
		if !p.Revoked {
			if err := ipam.Restore(p.IPAddress, p.NodeID); err != nil {
				return nil, trace.Wrap(err)
			}
		}
	}
	if len(peers) > 0 {
		m.logger.Info().Int("count", len(peers)).Msg("wireguard peers restored from store")
	}
	return m, nil
}

// Provision creates a peer identity for a node: fresh keypair, the
// lowest free overlay address, allowed_ips pinned to its /32. Calling
// it again for a live peer returns the existing record without the
// private key.
func (m *PeerManager) Provision(nodeID string, nodeType types.NodeType) (*types.WireGuardPeer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.peers[nodeID]; ok && !existing.Revoked {
		cp := *existing
		cp.PrivateKey = ""
		return &cp, nil
	}

	keypair, err := security.GenerateWireGuardKeypair()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	ip, err := m.ipam.Allocate(nodeID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	peer := &types.WireGuardPeer{
		NodeID:     nodeID,
		NodeType:   nodeType,
		PublicKey:  keypair.PublicKey,
		IPAddress:  ip,
		AllowedIPs: []string{ip + "/32"},
		CreatedAt:  m.now(),
	}

	// Persist without the private key
	if err := m.store.CreatePeer(peer); err != nil {
		if relErr := m.ipam.Release(ip); relErr != nil {
			m.logger.Error().Err(relErr).Str("ip", ip).Msg("failed to release ip after store error")
		}
		return nil, trace.Wrap(err)
	}
	m.peers[nodeID] = peer

	log.WithNodeID(nodeID).Info().
		Str("ip", ip).
		Msg("wireguard peer provisioned")

	out := *peer
	out.PrivateKey = keypair.PrivateKey
	return &out, nil
}

// Revoke retires a peer and returns its address to the pool
func (m *PeerManager) Revoke(nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	peer, ok := m.peers[nodeID]
	if !ok || peer.Revoked {
		return trace.NotFound("peer not found: %s", nodeID)
	}

	peer.Revoked = true
	peer.RevokedAt = m.now()
	if err := m.store.UpdatePeer(peer); err != nil {
		return trace.Wrap(err)
	}
	if err := m.ipam.Release(peer.IPAddress); err != nil {
		m.logger.Error().Err(err).Str("node_id", nodeID).Msg("failed to release peer ip")
	}

	m.logger.Info().Str("node_id", nodeID).Msg("wireguard peer revoked")
	return nil
}

// Get returns the peer record for a node, without the private key
func (m *PeerManager) Get(nodeID string) (*types.WireGuardPeer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	peer, ok := m.peers[nodeID]
	if !ok {
		return nil, trace.NotFound("peer not found: %s", nodeID)
	}
	cp := *peer
	cp.PrivateKey = ""
	return &cp, nil
}

// ListActive returns all live peers
func (m *PeerManager) ListActive() []*types.WireGuardPeer {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*types.WireGuardPeer
	for _, p := range m.peers {
		if p.Revoked {
			continue
		}
		cp := *p
		cp.PrivateKey = ""
		out = append(out, &cp)
	}
	return out
}
