/*
Package auth implements the token service: RS256 JWT issuance,
validation, refresh, and revocation.

A token is valid only while two conditions hold: its signature checks
out against the manager's RSA key, and its jti has an active metadata
record in redis. Revocation deactivates the record, so it takes effect
immediately across every validator without waiting for expiry. Records
carry a redis TTL equal to the token lifetime, so expired entries clean
themselves up.

Redis key layout:

	token_metadata:{jti}     JSON TokenMetadata, TTL = token lifetime
	token:{node_id}:{jti}    per-node index used by RevokeAllTokens

When redis is unreachable, validation fails closed: a token that cannot
be checked is treated as revoked. Issuance also fails closed unless
auth.fail_open_issue is set.
*/
package auth
