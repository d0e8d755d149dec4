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
	// healthScanInterval is how often the monitor sweeps clusters
	healthScanInterval = 30 * time.Second
	// staleThreshold marks a cluster stale when its last heartbeat
	// is older than this
	staleThreshold = 5 * time.Minute
)

// ClusterRegistry tracks headend clusters. The in-memory map is
// authoritative; every mutation is written through to the store, which
// is read back only at startup.
type ClusterRegistry struct {
	mu        sync.RWMutex
	clusters  map[string]*types.Cluster
	byKeyHash map[string]string // api key hash -> cluster id

	store  storage.Store
	broker *events.Broker
	logger zerolog.Logger

	stopCh chan struct{}
	now    func() time.Time
}

// NewClusterRegistry creates the registry and warms it from the store
func NewClusterRegistry(store storage.Store, broker *events.Broker) (*ClusterRegistry, error) {
	r := &ClusterRegistry{
		clusters:  make(map[string]*types.Cluster),
		byKeyHash: make(map[string]string),
		store:     store,
		broker:    broker,
		logger:    log.WithComponent("cluster-registry"),
		stopCh:    make(chan struct{}),
		now:       time.Now,
	}

	clusters, err := store.ListClusters()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, c := range clusters {
		r.clusters[c.ID] = c
		r.byKeyHash[c.APIKeyHash] = c.ID
	}
	if len(clusters) > 0 {
		r.logger.Info().Int("count", len(clusters)).Msg("clusters restored from store")
	}
	return r, nil
}

// Register enrolls a new cluster and returns it with the one-time
// plaintext API key
func (r *ClusterRegistry) Register(name, region, datacenter, headendURL string, metadata map[string]string) (*types.Cluster, string, error) {
	if name == "" {
		return nil, "", trace.BadParameter("cluster name is required")
	}
	if region == "" {
		return nil, "", trace.BadParameter("cluster region is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.clusters {
		if existing.Name == name {
			return nil, "", trace.AlreadyExists("cluster name already registered: %s", name)
		}
	}

	apiKey, err := security.GenerateAPIKey()
	if err != nil {
		return nil, "", trace.Wrap(err)
	}

	now := r.now()
	cluster := &types.Cluster{
		ID:            "cluster-" + uuid.New().String(),
		Name:          name,
		Region:        region,
		Datacenter:    datacenter,
		HeadendURL:    headendURL,
		Status:        types.ClusterStatusActive,
		LastHeartbeat: now,
		APIKeyHash:    security.HashAPIKey(apiKey),
		CreatedAt:     now,
		Metadata:      metadata,
	}

	if err := r.store.CreateCluster(cluster); err != nil {
		return nil, "", trace.Wrap(err)
	}
	r.clusters[cluster.ID] = cluster
	r.byKeyHash[cluster.APIKeyHash] = cluster.ID

	r.logger.Info().
		Str("cluster_id", cluster.ID).
		Str("name", name).
		Str("region", region).
		Msg("cluster registered")
	r.broker.Emit(events.EventClusterRegistered, "cluster registered", map[string]string{
		"cluster_id": cluster.ID,
		"name":       name,
	})

	return cloneCluster(cluster), apiKey, nil
}

// Authenticate resolves a plaintext API key to its cluster
func (r *ClusterRegistry) Authenticate(apiKey string) (*types.Cluster, error) {
	hash := security.HashAPIKey(apiKey)

	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byKeyHash[hash]
	if !ok {
		return nil, trace.AccessDenied("invalid cluster api key")
	}
	return cloneCluster(r.clusters[id]), nil
}

// Heartbeat records liveness and the cluster's connected client count.
// Heartbeats never move time backwards.
func (r *ClusterRegistry) Heartbeat(id string, clientCount int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cluster, ok := r.clusters[id]
	if !ok {
		return trace.NotFound("cluster not found: %s", id)
	}

	now := r.now()
	if now.After(cluster.LastHeartbeat) {
		cluster.LastHeartbeat = now
	}
	cluster.ClientCount = clientCount
	cluster.Status = types.ClusterStatusActive

	return trace.Wrap(r.store.UpdateCluster(cluster))
}

// Get returns a cluster by id
func (r *ClusterRegistry) Get(id string) (*types.Cluster, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cluster, ok := r.clusters[id]
	if !ok {
		return nil, trace.NotFound("cluster not found: %s", id)
	}
	return cloneCluster(cluster), nil
}

// List returns all clusters
func (r *ClusterRegistry) List() []*types.Cluster {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Cluster, 0, len(r.clusters))
	for _, c := range r.clusters {
		out = append(out, cloneCluster(c))
	}
	return out
}

// Delete removes a cluster
func (r *ClusterRegistry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cluster, ok := r.clusters[id]
	if !ok {
		return trace.NotFound("cluster not found: %s", id)
	}

	if err := r.store.DeleteCluster(id); err != nil {
		return trace.Wrap(err)
	}
	delete(r.byKeyHash, cluster.APIKeyHash)
	delete(r.clusters, id)

	r.logger.Info().Str("cluster_id", id).Msg("cluster removed")
	r.broker.Emit(events.EventClusterRemoved, "cluster removed", map[string]string{
		"cluster_id": id,
	})
	return nil
}

// RotateAPIKey atomically replaces a cluster's API key. The old key
// stops working the moment this returns.
func (r *ClusterRegistry) RotateAPIKey(id string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cluster, ok := r.clusters[id]
	if !ok {
		return "", trace.NotFound("cluster not found: %s", id)
	}

	apiKey, err := security.GenerateAPIKey()
	if err != nil {
		return "", trace.Wrap(err)
	}

	oldHash := cluster.APIKeyHash
	cluster.APIKeyHash = security.HashAPIKey(apiKey)
	if err := r.store.UpdateCluster(cluster); err != nil {
		cluster.APIKeyHash = oldHash
		return "", trace.Wrap(err)
	}
	delete(r.byKeyHash, oldHash)
	r.byKeyHash[cluster.APIKeyHash] = id

	r.logger.Info().Str("cluster_id", id).Msg("cluster api key rotated")
	r.broker.Emit(events.EventKeyRotated, "cluster api key rotated", map[string]string{
		"cluster_id": id,
	})
	return apiKey, nil
}

// OptimalFor picks the best cluster for a client location: same
// datacenter first, then same region, then any active cluster,
// breaking ties by lowest client count
func (r *ClusterRegistry) OptimalFor(location types.Location) (*types.Cluster, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []*types.Cluster
	for _, c := range r.clusters {
		if c.Status == types.ClusterStatusActive {
			active = append(active, c)
		}
	}
	if len(active) == 0 {
		return nil, trace.ConnectionProblem(nil, "no active clusters available")
	}

	if location.Datacenter != "" {
		if best := leastLoaded(active, func(c *types.Cluster) bool {
			return c.Datacenter == location.Datacenter
		}); best != nil {
			return cloneCluster(best), nil
		}
	}
	if location.Region != "" {
		if best := leastLoaded(active, func(c *types.Cluster) bool {
			return c.Region == location.Region
		}); best != nil {
			return cloneCluster(best), nil
		}
	}
	return cloneCluster(leastLoaded(active, func(*types.Cluster) bool { return true })), nil
}

// leastLoaded returns the matching cluster with the fewest clients.
// Ties resolve by ID so repeated placement calls are stable.
func leastLoaded(clusters []*types.Cluster, match func(*types.Cluster) bool) *types.Cluster {
	var best *types.Cluster
	for _, c := range clusters {
		if !match(c) {
			continue
		}
		if best == nil || c.ClientCount < best.ClientCount ||
			(c.ClientCount == best.ClientCount && c.ID < best.ID) {
			best = c
		}
	}
	return best
}

// StartHealthMonitor begins the background sweep that marks silent
// clusters stale
func (r *ClusterRegistry) StartHealthMonitor() {
	go func() {
		ticker := time.NewTicker(healthScanInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.sweep()
			case <-r.stopCh:
				return
			}
		}
	}()
	r.logger.Info().Msg("cluster health monitor started")
}

// Stop halts background workers
func (r *ClusterRegistry) Stop() {
	close(r.stopCh)
}

func (r *ClusterRegistry) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for _, cluster := range r.clusters {
		if cluster.Status != types.ClusterStatusActive {
			continue
		}
		if now.Sub(cluster.LastHeartbeat) <= staleThreshold {
			continue
		}
		cluster.Status = types.ClusterStatusStale
		clusterLog := log.WithClusterID(cluster.ID)
		if err := r.store.UpdateCluster(cluster); err != nil {
			clusterLog.Error().Err(err).Msg("failed to persist stale status")
		}

		clusterLog.Warn().
			Time("last_heartbeat", cluster.LastHeartbeat).
			Msg("cluster marked stale")
		r.broker.Emit(events.EventClusterStale, "cluster heartbeat missed", map[string]string{
			"cluster_id": cluster.ID,
		})
	}
}

func cloneCluster(c *types.Cluster) *types.Cluster {
	cp := *c
	if c.Metadata != nil {
		cp.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
