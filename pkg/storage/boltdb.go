package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/gravitational/trace"
	bolt "go.etcd.io/bbolt"

	"github.com/sasewaddle/manager/pkg/types"
)

var (
	// Bucket names
	bucketClusters         = []byte("clusters")
	bucketClients          = []byte("clients")
	bucketPeers            = []byte("wireguard_peers")
	bucketCertificates     = []byte("certificates")
	bucketAccessRules      = []byte("access_rules")
	bucketThreatIndicators = []byte("threat_indicators")
	bucketFeedUpdates      = []byte("feed_updates")
	bucketRateLimitRules   = []byte("rate_limit_rules")
	bucketSecurityEvents   = []byte("security_events")
	bucketThreatDetections = []byte("threat_detections")
	bucketCA               = []byte("ca")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "manager.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketClusters,
			bucketClients,
			bucketPeers,
			bucketCertificates,
			bucketAccessRules,
			bucketThreatIndicators,
			bucketFeedUpdates,
			bucketRateLimitRules,
			bucketSecurityEvents,
			bucketThreatDetections,
			bucketCA,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) put(bucket []byte, key string, v interface{}) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (s *BoltStore) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

// Cluster operations
func (s *BoltStore) CreateCluster(cluster *types.Cluster) error {
	return s.put(bucketClusters, cluster.ID, cluster)
}

func (s *BoltStore) GetCluster(id string) (*types.Cluster, error) {
	var cluster types.Cluster
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketClusters).Get([]byte(id))
		if data == nil {
			return trace.NotFound("cluster not found: %s", id)
		}
		return json.Unmarshal(data, &cluster)
	})
	if err != nil {
		return nil, err
	}
	return &cluster, nil
}

func (s *BoltStore) ListClusters() ([]*types.Cluster, error) {
	var clusters []*types.Cluster
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClusters).ForEach(func(k, v []byte) error {
			var cluster types.Cluster
			if err := json.Unmarshal(v, &cluster); err != nil {
				return err
			}
			clusters = append(clusters, &cluster)
			return nil
		})
	})
	return clusters, err
}

func (s *BoltStore) UpdateCluster(cluster *types.Cluster) error {
	return s.CreateCluster(cluster) // Same as create (upsert)
}

func (s *BoltStore) DeleteCluster(id string) error {
	return s.delete(bucketClusters, id)
}

// Client operations
func (s *BoltStore) CreateClient(client *types.Client) error {
	return s.put(bucketClients, client.ID, client)
}

func (s *BoltStore) GetClient(id string) (*types.Client, error) {
	var client types.Client
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketClients).Get([]byte(id))
		if data == nil {
			return trace.NotFound("client not found: %s", id)
		}
		return json.Unmarshal(data, &client)
	})
	if err != nil {
		return nil, err
	}
	return &client, nil
}

func (s *BoltStore) ListClients() ([]*types.Client, error) {
	var clients []*types.Client
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClients).ForEach(func(k, v []byte) error {
			var client types.Client
			if err := json.Unmarshal(v, &client); err != nil {
				return err
			}
			clients = append(clients, &client)
			return nil
		})
	})
	return clients, err
}

func (s *BoltStore) ListClientsByCluster(clusterID string) ([]*types.Client, error) {
	clients, err := s.ListClients()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Client
	for _, client := range clients {
		if client.ClusterID == clusterID {
			filtered = append(filtered, client)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateClient(client *types.Client) error {
	return s.CreateClient(client)
}

func (s *BoltStore) DeleteClient(id string) error {
	return s.delete(bucketClients, id)
}

// WireGuard peer operations
func (s *BoltStore) CreatePeer(peer *types.WireGuardPeer) error {
	return s.put(bucketPeers, peer.NodeID, peer)
}

func (s *BoltStore) GetPeer(nodeID string) (*types.WireGuardPeer, error) {
	var peer types.WireGuardPeer
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPeers).Get([]byte(nodeID))
		if data == nil {
			return trace.NotFound("peer not found: %s", nodeID)
		}
		return json.Unmarshal(data, &peer)
	})
	if err != nil {
		return nil, err
	}
	return &peer, nil
}

func (s *BoltStore) ListPeers() ([]*types.WireGuardPeer, error) {
	var peers []*types.WireGuardPeer
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).ForEach(func(k, v []byte) error {
			var peer types.WireGuardPeer
			if err := json.Unmarshal(v, &peer); err != nil {
				return err
			}
			peers = append(peers, &peer)
			return nil
		})
	})
	return peers, err
}

func (s *BoltStore) UpdatePeer(peer *types.WireGuardPeer) error {
	return s.CreatePeer(peer)
}

func (s *BoltStore) DeletePeer(nodeID string) error {
	return s.delete(bucketPeers, nodeID)
}

// Certificate operations
func (s *BoltStore) CreateCertificate(cert *types.Certificate) error {
	return s.put(bucketCertificates, cert.Serial, cert)
}

func (s *BoltStore) GetCertificate(serial string) (*types.Certificate, error) {
	var cert types.Certificate
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCertificates).Get([]byte(serial))
		if data == nil {
			return trace.NotFound("certificate not found: %s", serial)
		}
		return json.Unmarshal(data, &cert)
	})
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func (s *BoltStore) ListCertificatesByOwner(ownerID string) ([]*types.Certificate, error) {
	var certs []*types.Certificate
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCertificates).ForEach(func(k, v []byte) error {
			var cert types.Certificate
			if err := json.Unmarshal(v, &cert); err != nil {
				return err
			}
			if cert.OwnerID == ownerID {
				certs = append(certs, &cert)
			}
			return nil
		})
	})
	return certs, err
}

func (s *BoltStore) UpdateCertificate(cert *types.Certificate) error {
	return s.CreateCertificate(cert)
}

// Access rule operations
func (s *BoltStore) CreateAccessRule(rule *types.AccessRule) error {
	return s.put(bucketAccessRules, rule.ID, rule)
}

func (s *BoltStore) GetAccessRule(id string) (*types.AccessRule, error) {
	var rule types.AccessRule
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAccessRules).Get([]byte(id))
		if data == nil {
			return trace.NotFound("access rule not found: %s", id)
		}
		return json.Unmarshal(data, &rule)
	})
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func (s *BoltStore) ListAccessRules() ([]*types.AccessRule, error) {
	var rules []*types.AccessRule
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAccessRules).ForEach(func(k, v []byte) error {
			var rule types.AccessRule
			if err := json.Unmarshal(v, &rule); err != nil {
				return err
			}
			rules = append(rules, &rule)
			return nil
		})
	})
	return rules, err
}

func (s *BoltStore) ListAccessRulesByUser(userID string) ([]*types.AccessRule, error) {
	rules, err := s.ListAccessRules()
	if err != nil {
		return nil, err
	}

	var filtered []*types.AccessRule
	for _, rule := range rules {
		if rule.UserID == userID {
			filtered = append(filtered, rule)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateAccessRule(rule *types.AccessRule) error {
	return s.CreateAccessRule(rule)
}

func (s *BoltStore) DeleteAccessRule(id string) error {
	return s.delete(bucketAccessRules, id)
}

// indicatorKey builds the composite key enforcing (value, source) uniqueness
func indicatorKey(value, source string) []byte {
	return []byte(value + "|" + source)
}

// UpsertThreatIndicator inserts or refreshes an indicator. Returns true
// when a new row was created, false when an existing one was updated.
func (s *BoltStore) UpsertThreatIndicator(indicator *types.ThreatIndicator) (bool, error) {
	var created bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketThreatIndicators)
		key := indicatorKey(indicator.Value, indicator.Source)

		if existing := b.Get(key); existing != nil {
			var prev types.ThreatIndicator
			if err := json.Unmarshal(existing, &prev); err == nil {
				indicator.FirstSeen = prev.FirstSeen
			}
		} else {
			created = true
		}

		data, err := json.Marshal(indicator)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
	return created, err
}

func (s *BoltStore) GetThreatIndicators(value string) ([]*types.ThreatIndicator, error) {
	var indicators []*types.ThreatIndicator
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketThreatIndicators).ForEach(func(k, v []byte) error {
			var ind types.ThreatIndicator
			if err := json.Unmarshal(v, &ind); err != nil {
				return err
			}
			if ind.Value == value {
				indicators = append(indicators, &ind)
			}
			return nil
		})
	})
	return indicators, err
}

func (s *BoltStore) ListThreatIndicators() ([]*types.ThreatIndicator, error) {
	var indicators []*types.ThreatIndicator
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketThreatIndicators).ForEach(func(k, v []byte) error {
			var ind types.ThreatIndicator
			if err := json.Unmarshal(v, &ind); err != nil {
				return err
			}
			indicators = append(indicators, &ind)
			return nil
		})
	})
	return indicators, err
}

// Feed update operations
func (s *BoltStore) CreateFeedUpdate(update *types.FeedUpdate) error {
	return s.put(bucketFeedUpdates, feedUpdateKey(update), update)
}

func (s *BoltStore) UpdateFeedUpdate(update *types.FeedUpdate) error {
	return s.put(bucketFeedUpdates, feedUpdateKey(update), update)
}

// feedUpdateKey orders rows by start time so a reverse cursor walk
// yields the most recent passes first
func feedUpdateKey(update *types.FeedUpdate) string {
	return fmt.Sprintf("%020d|%s", update.StartedAt.UnixNano(), update.ID)
}

func (s *BoltStore) ListFeedUpdatesBySource(source string, limit int) ([]*types.FeedUpdate, error) {
	var updates []*types.FeedUpdate
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketFeedUpdates).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var update types.FeedUpdate
			if err := json.Unmarshal(v, &update); err != nil {
				continue
			}
			if source != "" && update.Source != source {
				continue
			}
			updates = append(updates, &update)
			if limit > 0 && len(updates) >= limit {
				return nil
			}
		}
		return nil
	})
	return updates, err
}

// Rate-limit rule operations
func (s *BoltStore) SaveRateLimitRule(rule *types.RateLimitRule) error {
	return s.put(bucketRateLimitRules, rule.Name, rule)
}

func (s *BoltStore) ListRateLimitRules() ([]*types.RateLimitRule, error) {
	var rules []*types.RateLimitRule
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRateLimitRules).ForEach(func(k, v []byte) error {
			var rule types.RateLimitRule
			if err := json.Unmarshal(v, &rule); err != nil {
				return err
			}
			rules = append(rules, &rule)
			return nil
		})
	})
	return rules, err
}

func (s *BoltStore) DeleteRateLimitRule(name string) error {
	return s.delete(bucketRateLimitRules, name)
}

// Audit log operations. Keys embed the timestamp so reverse cursor
// walks return newest entries first.
func (s *BoltStore) AppendSecurityEvent(event *types.SecurityEvent) error {
	key := fmt.Sprintf("%020d|%s", event.Timestamp.UnixNano(), event.ID)
	return s.put(bucketSecurityEvents, key, event)
}

func (s *BoltStore) ListSecurityEvents(limit int) ([]*types.SecurityEvent, error) {
	var events []*types.SecurityEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSecurityEvents).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var event types.SecurityEvent
			if err := json.Unmarshal(v, &event); err != nil {
				continue
			}
			events = append(events, &event)
			if limit > 0 && len(events) >= limit {
				return nil
			}
		}
		return nil
	})
	return events, err
}

func (s *BoltStore) AppendThreatDetection(detection *types.ThreatDetection) error {
	key := fmt.Sprintf("%020d|%s", detection.DetectedAt.UnixNano(), detection.ID)
	return s.put(bucketThreatDetections, key, detection)
}

func (s *BoltStore) ListThreatDetections(limit int) ([]*types.ThreatDetection, error) {
	var detections []*types.ThreatDetection
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketThreatDetections).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var detection types.ThreatDetection
			if err := json.Unmarshal(v, &detection); err != nil {
				continue
			}
			detections = append(detections, &detection)
			if limit > 0 && len(detections) >= limit {
				return nil
			}
		}
		return nil
	})
	return detections, err
}

// Certificate Authority operations
func (s *BoltStore) SaveCA(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		// Use fixed key "ca" for the CA blob
		return tx.Bucket(bucketCA).Put([]byte("ca"), data)
	})
}

func (s *BoltStore) GetCA() ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketCA).Get([]byte("ca"))
		if raw == nil {
			return trace.NotFound("CA not found")
		}
		// Copy since BoltDB data is only valid during the transaction
		data = make([]byte, len(raw))
		copy(data, raw)
		return nil
	})
	return data, err
}
