/*
Package guard protects the API surface with per-IP rate limits,
request anomaly detection, a block list, and an emergency clamp.

Rate limiting uses a sliding window: a redis sorted set per (rule, ip)
scored by request time. When redis is unreachable the limiter falls
back to in-memory windows, so protection degrades in precision, never
to nothing. Exceeding a rule blocks the IP for the rule's block
duration and the rejection carries a Retry-After computed from the
oldest hit still inside the window.

The default rule set, strictest first: auth_strict (5/60s, 15 min
block), config_moderate (10/300s, 10 min block), api_strict (60/60s,
5 min block), web_lenient (200/60s, 1 min block). Emergency mode
replaces all of them with a 10/60s clamp until its TTL expires.

Anomaly detection runs cheap substring checks against known scanner
user agents, injection fragments, and path traversal markers. Findings
are written to the security-event log; anything above low severity
blocks the source IP on a severity-scaled schedule (5 min to 2 h).
*/
package guard
