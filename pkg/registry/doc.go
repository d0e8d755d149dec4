/*
Package registry holds the live state of the control plane: headend
clusters, endpoint clients, and WireGuard peer identities.

The in-memory maps are the source of truth. Every mutation writes
through to the bbolt store, which is read back exactly once, at
construction, to survive restarts. API keys are stored as SHA-256
hashes; authentication is a hash lookup, so a leaked database never
yields usable keys.

# Background workers

The cluster health monitor sweeps every 30 seconds and marks a cluster
stale after 5 minutes without a heartbeat. Stale clusters stop
receiving placements but are revived by their next heartbeat.

The client reaper runs every 5 minutes and deletes clients that are
not active and have not been seen for 24 hours. Active clients are
never reaped, however long they stay silent.

# Placement

OptimalFor picks a cluster for a new client: same datacenter first,
then same region, then any active cluster, always preferring the
lowest client count. With no active clusters the call fails and
registration is refused.
*/
package registry
