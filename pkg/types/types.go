package types

import (
	"time"
)

// Cluster represents a headend cluster enrolled with the manager
type Cluster struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Region        string            `json:"region"`
	Datacenter    string            `json:"datacenter"`
	HeadendURL    string            `json:"headend_url"`
	Status        ClusterStatus     `json:"status"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	ClientCount   int               `json:"client_count"`
	APIKeyHash    string            `json:"api_key_hash"`
	CreatedAt     time.Time         `json:"created_at"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// ClusterStatus represents the current state of a cluster
type ClusterStatus string

const (
	ClusterStatusActive   ClusterStatus = "active"
	ClusterStatusStale    ClusterStatus = "stale"
	ClusterStatusInactive ClusterStatus = "inactive"
)

// Client represents an endpoint device enrolled to tunnel through a headend
type Client struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Type       ClientType        `json:"type"`
	ClusterID  string            `json:"cluster_id"`
	APIKeyHash string            `json:"api_key_hash"`
	PublicKey  string            `json:"public_key"`
	Status     ClientStatus      `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
	LastSeen   time.Time         `json:"last_seen"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ClientType defines how the client is deployed
type ClientType string

const (
	ClientTypeDocker ClientType = "docker"
	ClientTypeNative ClientType = "native"
)

// ClientStatus represents the current state of a client
type ClientStatus string

const (
	ClientStatusPending  ClientStatus = "pending"
	ClientStatusActive   ClientStatus = "active"
	ClientStatusInactive ClientStatus = "inactive"
)

// NodeType distinguishes the two classes of authenticated participants
type NodeType string

const (
	NodeTypeHeadend NodeType = "headend"
	NodeTypeClient  NodeType = "client"
)

// TokenKind distinguishes access tokens from refresh tokens
type TokenKind string

const (
	TokenKindAccess  TokenKind = "access"
	TokenKindRefresh TokenKind = "refresh"
)

// TokenMetadata is the cache-resident record for an issued JWT.
// The cache entry is the sole proof of current validity: a token whose
// metadata is absent or inactive is rejected regardless of signature.
type TokenMetadata struct {
	JTI         string    `json:"jti"`
	Subject     string    `json:"subject"`
	NodeType    NodeType  `json:"node_type"`
	Permissions []string  `json:"permissions"`
	Kind        TokenKind `json:"kind"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Active      bool      `json:"active"`
}

// WireGuardPeer is the overlay identity of a node
type WireGuardPeer struct {
	NodeID     string    `json:"node_id"`
	NodeType   NodeType  `json:"node_type"`
	PrivateKey string    `json:"private_key,omitempty"`
	PublicKey  string    `json:"public_key"`
	IPAddress  string    `json:"ip_address"`
	AllowedIPs []string  `json:"allowed_ips"`
	CreatedAt  time.Time `json:"created_at"`
	Revoked    bool      `json:"revoked"`
	RevokedAt  time.Time `json:"revoked_at,omitempty"`
}

// Certificate is an X.509 leaf issued by the internal CA
type Certificate struct {
	Serial    string    `json:"serial"`
	Subject   string    `json:"subject"`
	Issuer    string    `json:"issuer"`
	NotBefore time.Time `json:"not_before"`
	NotAfter  time.Time `json:"not_after"`
	PEM       string    `json:"pem"`
	KeyPEM    string    `json:"key_pem,omitempty"`
	Revoked   bool      `json:"revoked"`
	OwnerID   string    `json:"owner_id"`
}

// AccessType decides whether a matching rule permits or blocks
type AccessType string

const (
	AccessAllow AccessType = "allow"
	AccessDeny  AccessType = "deny"
)

// RuleType selects the matching strategy for an access rule
type RuleType string

const (
	RuleTypeDomain       RuleType = "domain"
	RuleTypeIP           RuleType = "ip"
	RuleTypeIPRange      RuleType = "ip_range"
	RuleTypeURLPattern   RuleType = "url_pattern"
	RuleTypeProtocolRule RuleType = "protocol_rule"
)

// AccessRule is a single per-user firewall rule.
// Rules evaluate in ascending Priority order; the first match decides.
type AccessRule struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	RuleType    RuleType   `json:"rule_type"`
	AccessType  AccessType `json:"access_type"`
	Pattern     string     `json:"pattern"`
	Priority    int        `json:"priority"`
	IsActive    bool       `json:"is_active"`
	Description string     `json:"description,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	// Protocol-rule fields; empty means wildcard
	SrcIP     string `json:"src_ip,omitempty"`
	DstIP     string `json:"dst_ip,omitempty"`
	Protocol  string `json:"protocol,omitempty"`
	SrcPort   string `json:"src_port,omitempty"`
	DstPort   string `json:"dst_port,omitempty"`
	Direction string `json:"direction,omitempty"`
}

// RuleEntry is the compiled form of a rule inside a RuleBundle
type RuleEntry struct {
	Pattern     string `json:"pattern"`
	Priority    int    `json:"priority"`
	Description string `json:"description,omitempty"`

	SrcIP     string `json:"src_ip,omitempty"`
	DstIP     string `json:"dst_ip,omitempty"`
	Protocol  string `json:"protocol,omitempty"`
	SrcPort   string `json:"src_port,omitempty"`
	DstPort   string `json:"dst_port,omitempty"`
	Direction string `json:"direction,omitempty"`
}

// RuleBundle is the per-user projection of active rules served to headends.
// It is derived state, never primary.
type RuleBundle struct {
	UserID             string      `json:"user_id"`
	CachedAt           time.Time   `json:"cached_at"`
	AllowDomains       []RuleEntry `json:"allow_domains"`
	DenyDomains        []RuleEntry `json:"deny_domains"`
	AllowIPs           []RuleEntry `json:"allow_ips"`
	DenyIPs            []RuleEntry `json:"deny_ips"`
	AllowIPRanges      []RuleEntry `json:"allow_ip_ranges"`
	DenyIPRanges       []RuleEntry `json:"deny_ip_ranges"`
	AllowURLPatterns   []RuleEntry `json:"allow_url_patterns"`
	DenyURLPatterns    []RuleEntry `json:"deny_url_patterns"`
	AllowProtocolRules []RuleEntry `json:"allow_protocol_rules"`
	DenyProtocolRules  []RuleEntry `json:"deny_protocol_rules"`
}

// RuleExport is the full-sync payload served to headends: every
// user's bundle keyed by user id
type RuleExport struct {
	Timestamp  time.Time              `json:"timestamp"`
	RulesCount int                    `json:"rules_count"`
	UserRules  map[string]*RuleBundle `json:"user_rules"`
}

// IndicatorType classifies a threat indicator value
type IndicatorType string

const (
	IndicatorTypeDomain IndicatorType = "domain"
	IndicatorTypeIP     IndicatorType = "ip"
)

// ThreatIndicator is a domain or IP/CIDR marked as a threat by a feed.
// Indicators are unique on (Value, Source).
type ThreatIndicator struct {
	Value         string        `json:"value"`
	IndicatorType IndicatorType `json:"indicator_type"`
	ThreatTypes   []string      `json:"threat_types"`
	Source        string        `json:"source"`
	Confidence    int           `json:"confidence"`
	FirstSeen     time.Time     `json:"first_seen"`
	LastSeen      time.Time     `json:"last_seen"`
	TTL           int           `json:"ttl"`
	Active        bool          `json:"active"`
}

// ThreatMatch is a single hit returned by an indicator lookup
type ThreatMatch struct {
	Value       string   `json:"value"`
	ThreatTypes []string `json:"threat_types"`
	Source      string   `json:"source"`
	Confidence  int      `json:"confidence"`
	MatchType   string   `json:"match_type,omitempty"`
}

// FeedUpdateStatus tracks the outcome of one ingestion pass
type FeedUpdateStatus string

const (
	FeedUpdateRunning   FeedUpdateStatus = "running"
	FeedUpdateCompleted FeedUpdateStatus = "completed"
	FeedUpdateFailed    FeedUpdateStatus = "failed"
)

// FeedUpdate records one ingestion pass for a feed source
type FeedUpdate struct {
	ID                string           `json:"id"`
	Source            string           `json:"source"`
	Status            FeedUpdateStatus `json:"status"`
	IndicatorsAdded   int              `json:"indicators_added"`
	IndicatorsUpdated int              `json:"indicators_updated"`
	ErrorMessage      string           `json:"error_message,omitempty"`
	StartedAt         time.Time        `json:"started_at"`
	CompletedAt       time.Time        `json:"completed_at,omitempty"`
}

// RateLimitRule configures one sliding-window limit.
// Rules evaluate in ascending Priority order; the first applicable rule
// (endpoint prefix match, IP not exempt) decides.
type RateLimitRule struct {
	Name          string   `json:"name"`
	MaxRequests   int      `json:"max_requests"`
	WindowSeconds int      `json:"window_seconds"`
	BlockDuration int      `json:"block_duration"`
	Endpoints     []string `json:"endpoints,omitempty"`
	ExemptIPs     []string `json:"exempt_ips,omitempty"`
	Priority      int      `json:"priority"`
	Enabled       bool     `json:"enabled"`
}

// SecurityEvent is a guard violation or anomaly recorded for audit
type SecurityEvent struct {
	ID        string            `json:"id"`
	EventType string            `json:"event_type"`
	IPAddress string            `json:"ip_address"`
	Endpoint  string            `json:"endpoint"`
	UserAgent string            `json:"user_agent,omitempty"`
	Severity  string            `json:"severity"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// ThreatDetection records a threat hit observed on behalf of a client
type ThreatDetection struct {
	ID          string    `json:"id"`
	ClientIP    string    `json:"client_ip"`
	Target      string    `json:"target"`
	ActionTaken string    `json:"action_taken"`
	ThreatTypes []string  `json:"threat_types,omitempty"`
	Confidence  int       `json:"confidence"`
	Source      string    `json:"source,omitempty"`
	DetectedAt  time.Time `json:"detected_at"`
}

// Location is the placement hint a client supplies at registration
type Location struct {
	Region     string `json:"region,omitempty"`
	Datacenter string `json:"datacenter,omitempty"`
}
