/*
Package types defines the shared data model for the SASE control plane.

Every primary entity (Cluster, Client, WireGuardPeer, Certificate,
AccessRule, ThreatIndicator) is owned by exactly one registry or store
component and referenced elsewhere by ID only. Derived state such as
RuleBundle is compiled on demand and never written back.

Types carry JSON tags in the wire format served by pkg/api; the same
encoding is used by the bbolt mirror in pkg/storage.
*/
package types
