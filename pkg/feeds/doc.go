/*
Package feeds ingests external threat-intelligence feeds and answers
indicator lookups.

The built-in set covers blackweb domains and IPs (confidence 85,
hourly) and the spamhaus DROP/EDROP lists (confidence 95, every 30
minutes). Each source runs its own update loop; a pass fetches the
list, skips comment lines (#, ;, !), and upserts one indicator per
entry under a (value, source) uniqueness constraint. Because entries
are upserted individually, a cancelled pass leaves everything already
processed in place. Every pass records a FeedUpdate row with counts
and outcome.

Lookups match domains exactly or through parent domains (confidence
reduced by 10, match_type parent_domain) and IPs exactly or through
covering CIDR indicators (match_type network_range). Answers are
memoized in process for 5 minutes.
*/
package feeds
