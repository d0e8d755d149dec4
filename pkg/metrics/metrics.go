package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry metrics
	ClustersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "manager_clusters_total",
			Help: "Total number of clusters by status",
		},
		[]string{"status"},
	)

	ClientsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "manager_clients_total",
			Help: "Total number of clients by status",
		},
		[]string{"status"},
	)

	OverlayIPsAssigned = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "manager_overlay_ips_assigned",
			Help: "Overlay addresses currently assigned",
		},
	)

	// Token metrics
	TokensIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manager_tokens_issued_total",
			Help: "Tokens issued by node type",
		},
		[]string{"node_type"},
	)

	TokensRevoked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "manager_tokens_revoked_total",
			Help: "Tokens revoked",
		},
	)

	TokenValidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manager_token_validations_total",
			Help: "Token validations by outcome",
		},
		[]string{"outcome"},
	)

	// Firewall metrics
	AccessChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manager_access_checks_total",
			Help: "Firewall access checks by decision",
		},
		[]string{"decision"},
	)

	RuleCacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manager_rule_cache_total",
			Help: "Rule bundle cache lookups by outcome",
		},
		[]string{"outcome"},
	)

	// Threat feed metrics
	FeedIndicators = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "manager_feed_indicators_total",
			Help: "Threat indicators by source",
		},
		[]string{"source"},
	)

	FeedUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manager_feed_updates_total",
			Help: "Feed update passes by source and status",
		},
		[]string{"source", "status"},
	)

	ThreatHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "manager_threat_hits_total",
			Help: "Threat lookups that returned matches",
		},
	)

	// Guard metrics
	RateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manager_rate_limited_total",
			Help: "Requests rejected by rate limiting, by rule",
		},
		[]string{"rule"},
	)

	BlockedIPs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "manager_blocked_ips",
			Help: "IPs currently on the block list",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manager_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "manager_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(ClustersTotal)
	prometheus.MustRegister(ClientsTotal)
	prometheus.MustRegister(OverlayIPsAssigned)
	prometheus.MustRegister(TokensIssued)
	prometheus.MustRegister(TokensRevoked)
	prometheus.MustRegister(TokenValidations)
	prometheus.MustRegister(AccessChecks)
	prometheus.MustRegister(RuleCacheHits)
	prometheus.MustRegister(FeedIndicators)
	prometheus.MustRegister(FeedUpdates)
	prometheus.MustRegister(ThreatHits)
	prometheus.MustRegister(RateLimited)
	prometheus.MustRegister(BlockedIPs)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
