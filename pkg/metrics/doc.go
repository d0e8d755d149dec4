/*
Package metrics exposes prometheus collectors and the health/readiness
endpoints served on the dedicated health listener.

Collectors are package-level and registered in init; components update
them directly. The health checker aggregates per-component status into
/health and gates /ready on the critical components (store, redis, api).
*/
package metrics
