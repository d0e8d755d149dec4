package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/rs/zerolog"

	"github.com/sasewaddle/manager/pkg/events"
	"github.com/sasewaddle/manager/pkg/log"
	"github.com/sasewaddle/manager/pkg/security"
	"github.com/sasewaddle/manager/pkg/storage"
	"github.com/sasewaddle/manager/pkg/types"
)

const (
	// cleanupInterval is how often the reaper scans clients
	cleanupInterval = 5 * time.Minute
	// idleThreshold removes a non-active client unseen for this long
	idleThreshold = 24 * time.Hour
)

// ClientRegistry tracks endpoint clients. Like the cluster registry,
// memory is authoritative and the store is a write-through mirror.
type ClientRegistry struct {
	mu        sync.RWMutex
	clients   map[string]*types.Client
	byKeyHash map[string]string // api key hash -> client id

	clusters *ClusterRegistry
	store    storage.Store
	broker   *events.Broker
	logger   zerolog.Logger

	stopCh chan struct{}
	now    func() time.Time
}

// NewClientRegistry creates the registry and warms it from the store
func NewClientRegistry(store storage.Store, clusters *ClusterRegistry, broker *events.Broker) (*ClientRegistry, error) {
	r := &ClientRegistry{
		clients:   make(map[string]*types.Client),
		byKeyHash: make(map[string]string),
		clusters:  clusters,
		store:     store,
		broker:    broker,
		logger:    log.WithComponent("client-registry"),
		stopCh:    make(chan struct{}),
		now:       time.Now,
	}

	clients, err := store.ListClients()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, c := range clients {
		r.clients[c.ID] = c
		r.byKeyHash[c.APIKeyHash] = c.ID
	}
	if len(clients) > 0 {
		r.logger.Info().Int("count", len(clients)).Msg("clients restored from store")
	}
	return r, nil
}

// Register enrolls a new client in pending state and places it on a
// cluster. An empty clusterID lets the registry pick the optimal one
// for the supplied location.
func (r *ClientRegistry) Register(name string, clientType types.ClientType, clusterID string, location types.Location, metadata map[string]string) (*types.Client, string, error) {
	if name == "" {
		return nil, "", trace.BadParameter("client name is required")
	}
	switch clientType {
	case types.ClientTypeDocker, types.ClientTypeNative:
	default:
		return nil, "", trace.BadParameter("invalid client type: %s", clientType)
	}

	if clusterID == "" {
		cluster, err := r.clusters.OptimalFor(location)
		if err != nil {
			return nil, "", trace.Wrap(err)
		}
		clusterID = cluster.ID
	} else if _, err := r.clusters.Get(clusterID); err != nil {
		return nil, "", trace.Wrap(err)
	}

	apiKey, err := security.GenerateAPIKey()
	if err != nil {
		return nil, "", trace.Wrap(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	client := &types.Client{
		ID:         "client-" + uuid.New().String(),
		Name:       name,
		Type:       clientType,
		ClusterID:  clusterID,
		APIKeyHash: security.HashAPIKey(apiKey),
		Status:     types.ClientStatusPending,
		CreatedAt:  now,
		LastSeen:   now,
		Metadata:   metadata,
	}

	if err := r.store.CreateClient(client); err != nil {
		return nil, "", trace.Wrap(err)
	}
	r.clients[client.ID] = client
	r.byKeyHash[client.APIKeyHash] = client.ID

	r.logger.Info().
		Str("client_id", client.ID).
		Str("name", name).
		Str("cluster_id", clusterID).
		Msg("client registered")
	r.broker.Emit(events.EventClientRegistered, "client registered", map[string]string{
		"client_id":  client.ID,
		"cluster_id": clusterID,
	})

	return cloneClient(client), apiKey, nil
}

// Activate moves a pending client to active once it presents its
// WireGuard public key
func (r *ClientRegistry) Activate(id, publicKey string) error {
	if err := security.ValidateWireGuardKey(publicKey); err != nil {
		return trace.BadParameter("invalid wireguard public key: %v", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.clients[id]
	if !ok {
		return trace.NotFound("client not found: %s", id)
	}

	client.PublicKey = publicKey
	client.Status = types.ClientStatusActive
	client.LastSeen = r.now()

	if err := r.store.UpdateClient(client); err != nil {
		return trace.Wrap(err)
	}

	r.logger.Info().Str("client_id", id).Msg("client activated")
	r.broker.Emit(events.EventClientActivated, "client activated", map[string]string{
		"client_id": id,
	})
	return nil
}

// Authenticate resolves a plaintext API key to its client. A
// successful authentication counts as a sighting: last_seen advances
// and the client goes active, so a client that only ever exchanges
// its key never falls to the reaper.
func (r *ClientRegistry) Authenticate(apiKey string) (*types.Client, error) {
	hash := security.HashAPIKey(apiKey)

	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byKeyHash[hash]
	if !ok {
		return nil, trace.AccessDenied("invalid client api key")
	}
	client := r.clients[id]

	now := r.now()
	if now.After(client.LastSeen) {
		client.LastSeen = now
	}
	client.Status = types.ClientStatusActive
	if err := r.store.UpdateClient(client); err != nil {
		return nil, trace.Wrap(err)
	}
	return cloneClient(client), nil
}

// Heartbeat records that the client was seen. Never moves time backwards.
func (r *ClientRegistry) Heartbeat(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.clients[id]
	if !ok {
		return trace.NotFound("client not found: %s", id)
	}

	now := r.now()
	if now.After(client.LastSeen) {
		client.LastSeen = now
	}
	return trace.Wrap(r.store.UpdateClient(client))
}

// Get returns a client by id
func (r *ClientRegistry) Get(id string) (*types.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, ok := r.clients[id]
	if !ok {
		return nil, trace.NotFound("client not found: %s", id)
	}
	return cloneClient(client), nil
}

// List returns all clients
func (r *ClientRegistry) List() []*types.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, cloneClient(c))
	}
	return out
}

// ListByCluster returns the clients placed on a cluster
func (r *ClientRegistry) ListByCluster(clusterID string) []*types.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*types.Client
	for _, c := range r.clients {
		if c.ClusterID == clusterID {
			out = append(out, cloneClient(c))
		}
	}
	return out
}

// Delete removes a client
func (r *ClientRegistry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(id)
}

func (r *ClientRegistry) deleteLocked(id string) error {
	client, ok := r.clients[id]
	if !ok {
		return trace.NotFound("client not found: %s", id)
	}

	if err := r.store.DeleteClient(id); err != nil {
		return trace.Wrap(err)
	}
	delete(r.byKeyHash, client.APIKeyHash)
	delete(r.clients, id)

	r.logger.Info().Str("client_id", id).Msg("client removed")
	r.broker.Emit(events.EventClientRemoved, "client removed", map[string]string{
		"client_id": id,
	})
	return nil
}

// RotateAPIKey atomically replaces a client's API key
func (r *ClientRegistry) RotateAPIKey(id string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.clients[id]
	if !ok {
		return "", trace.NotFound("client not found: %s", id)
	}

	apiKey, err := security.GenerateAPIKey()
	if err != nil {
		return "", trace.Wrap(err)
	}

	oldHash := client.APIKeyHash
	client.APIKeyHash = security.HashAPIKey(apiKey)
	if err := r.store.UpdateClient(client); err != nil {
		client.APIKeyHash = oldHash
		return "", trace.Wrap(err)
	}
	delete(r.byKeyHash, oldHash)
	r.byKeyHash[client.APIKeyHash] = id

	r.logger.Info().Str("client_id", id).Msg("client api key rotated")
	r.broker.Emit(events.EventKeyRotated, "client api key rotated", map[string]string{
		"client_id": id,
	})
	return apiKey, nil
}

// StartCleanup begins the reaper that removes clients unseen for a day
// that never went (or no longer are) active
func (r *ClientRegistry) StartCleanup() {
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.reap()
			case <-r.stopCh:
				return
			}
		}
	}()
	r.logger.Info().Msg("client cleanup worker started")
}

// Stop halts background workers
func (r *ClientRegistry) Stop() {
	close(r.stopCh)
}

func (r *ClientRegistry) reap() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for id, client := range r.clients {
		if client.Status == types.ClientStatusActive {
			continue
		}
		if now.Sub(client.LastSeen) <= idleThreshold {
			continue
		}
		if err := r.deleteLocked(id); err != nil {
			log.WithClientID(id).Error().Err(err).Msg("failed to reap client")
		}
	}
}

func cloneClient(c *types.Client) *types.Client {
	cp := *c
	if c.Metadata != nil {
		cp.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
