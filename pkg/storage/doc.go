/*
Package storage provides persistent state storage for the manager using BoltDB.

The Store interface covers every persisted entity: clusters, clients,
WireGuard peers, issued certificates, access rules, threat indicators,
feed-update history, rate-limit rules, the audit logs, and the encrypted
CA blob. BoltStore implements it with one bucket per entity, values
JSON-encoded and keyed by the entity's natural ID.

The registries in pkg/registry treat their in-memory maps as the source
of truth and write through to the store on every mutation; the store is
read back only once, at startup, to warm the maps. The audit buckets
(security events, threat detections, feed updates) use timestamp-prefixed
keys so a reverse cursor walk returns the newest rows first.

# Usage

	store, err := storage.NewBoltStore("/var/lib/manager")
	if err != nil {
		return err
	}
	defer store.Close()

	cluster := &types.Cluster{ID: "cluster-1", Name: "us-east"}
	if err := store.CreateCluster(cluster); err != nil {
		return err
	}
*/
package storage
