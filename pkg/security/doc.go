/*
Package security provides the cryptographic building blocks of the
control plane: the internal certificate authority, WireGuard key
generation, overlay IP allocation, API key handling, and secrets
encryption.

# Certificate Authority

CertAuthority issues X.509 identities signed by a self-generated root
(RSA 4096, 10 year validity). Leaves are RSA 2048 with 90 day validity:
headends get client+server auth usage with their DNS names and IPs,
endpoint clients get client auth only. The root private key is
encrypted with AES-256-GCM via SecretsManager before it touches the
store. Issuance records a Certificate row (without the private key) so
revocation and audit work after the fact.

# WireGuard

GenerateWireGuardKeypair produces Curve25519 keypairs in the standard
44-character base64 form used in WireGuard configs.

# IPAM

IPAllocator assigns addresses from the overlay CIDR, lowest free
first. The network address, broadcast address, and the .1 gateway are
never handed out. A released address is quarantined for a grace period
before reuse so stale peer configs cannot collide.

# API Keys

API keys are 32 random bytes, URL-safe base64. The manager stores only
the hex SHA-256 digest; the plaintext is returned once at registration
or rotation and cannot be recovered.
*/
package security
