/*
Package cache wraps the redis client shared by the token service, the
firewall rule cache, and the request guard.

All values are JSON-encoded strings except the sliding-window counters,
which are sorted sets scored by request time in microseconds. Misses
surface as NotFound errors; transport failures as ConnectionProblem
errors, which callers treat as "redis down" and fail closed or fall
back to memory according to their own policy.

Key namespaces in use:

	token_metadata:{jti}     token metadata records
	token:{node_id}:{jti}    per-node token index for revoke-all
	firewall:user:{user_id}  cached per-user rule bundles
	firewall:all_rules       cached full rule dump
	rate:{rule}:{ip}         sliding-window counters
	blocked:{ip}             active blocks (TTL = remaining block)
	emergency_mode           emergency lockdown flag
*/
package cache
