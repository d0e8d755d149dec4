/*
Package log provides structured logging for the manager using zerolog.

The package wraps zerolog with a global logger, configurable level and
output format, and helpers that create child loggers carrying context
fields used throughout the control plane.

# Usage

Initializing the Logger:

	import "github.com/sasewaddle/manager/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
	})

Simple Logging:

	log.Info("manager started")
	log.Warn("redis unreachable, guard running from memory")
	log.Error("feed update failed")

Structured Logging:

	log.Logger.Info().
		Str("cluster_id", "cluster-123").
		Int("client_count", 12).
		Msg("cluster heartbeat")

Component Loggers:

	authLog := log.WithComponent("auth")
	authLog.Info().Str("jti", jti).Msg("token issued")

	clusterLog := log.WithClusterID("cluster-abc")
	clusterLog.Warn().Msg("heartbeat missed, marking stale")

# Integration Points

This package is used by every component:

  - pkg/auth: token issuance and revocation
  - pkg/registry: registration, heartbeats, health sweeps
  - pkg/firewall: rule mutations and cache invalidation
  - pkg/feeds: feed ingestion passes
  - pkg/guard: rate-limit violations and blocks
  - pkg/api: request handling errors

# Security

Never log secrets: API keys, JWT signing keys, WireGuard private keys,
and certificate private keys must not appear in log output. Log key
hashes or identifiers instead.
*/
package log
