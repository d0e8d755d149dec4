package storage

import (
	"github.com/sasewaddle/manager/pkg/types"
)

// Store defines the interface for control-plane state persistence.
// Registries hold the live state in memory; the store is the mirror
// read back at startup.
type Store interface {
	// Clusters
	CreateCluster(cluster *types.Cluster) error
	GetCluster(id string) (*types.Cluster, error)
	ListClusters() ([]*types.Cluster, error)
	UpdateCluster(cluster *types.Cluster) error
	DeleteCluster(id string) error

	// Clients
	CreateClient(client *types.Client) error
	GetClient(id string) (*types.Client, error)
	ListClients() ([]*types.Client, error)
	ListClientsByCluster(clusterID string) ([]*types.Client, error)
	UpdateClient(client *types.Client) error
	DeleteClient(id string) error

	// WireGuard peers
	CreatePeer(peer *types.WireGuardPeer) error
	GetPeer(nodeID string) (*types.WireGuardPeer, error)
	ListPeers() ([]*types.WireGuardPeer, error)
	UpdatePeer(peer *types.WireGuardPeer) error
	DeletePeer(nodeID string) error

	// Certificates
	CreateCertificate(cert *types.Certificate) error
	GetCertificate(serial string) (*types.Certificate, error)
	ListCertificatesByOwner(ownerID string) ([]*types.Certificate, error)
	UpdateCertificate(cert *types.Certificate) error

	// Access rules
	CreateAccessRule(rule *types.AccessRule) error
	GetAccessRule(id string) (*types.AccessRule, error)
	ListAccessRules() ([]*types.AccessRule, error)
	ListAccessRulesByUser(userID string) ([]*types.AccessRule, error)
	UpdateAccessRule(rule *types.AccessRule) error
	DeleteAccessRule(id string) error

	// Threat indicators, unique on (value, source)
	UpsertThreatIndicator(indicator *types.ThreatIndicator) (created bool, err error)
	GetThreatIndicators(value string) ([]*types.ThreatIndicator, error)
	ListThreatIndicators() ([]*types.ThreatIndicator, error)

	// Feed updates
	CreateFeedUpdate(update *types.FeedUpdate) error
	UpdateFeedUpdate(update *types.FeedUpdate) error
	ListFeedUpdatesBySource(source string, limit int) ([]*types.FeedUpdate, error)

	// Rate-limit rules
	SaveRateLimitRule(rule *types.RateLimitRule) error
	ListRateLimitRules() ([]*types.RateLimitRule, error)
	DeleteRateLimitRule(name string) error

	// Audit
	AppendSecurityEvent(event *types.SecurityEvent) error
	ListSecurityEvents(limit int) ([]*types.SecurityEvent, error)
	AppendThreatDetection(detection *types.ThreatDetection) error
	ListThreatDetections(limit int) ([]*types.ThreatDetection, error)

	// Certificate Authority blob (encrypted at rest)
	SaveCA(data []byte) error
	GetCA() ([]byte, error)

	// Utility
	Close() error
}
