/*
Package firewall implements per-user access policy: rule storage,
evaluation, and the pull-through cache headends sync from.

Evaluation is first-match-wins over active rules in ascending priority
order. The defaults are asymmetric: a user with no rules at all is
unrestricted, while a user with rules and no match is denied. Rule
types cover exact domains and "*." wildcards, single IPs, CIDR ranges,
URL glob patterns, and protocol five-tuples
(proto:src_ip:src_port->dst_ip:dst_port[:direction]) with port ranges
and lists.

Per-user bundles are cached in redis for 5 minutes and the full rule
dump for 3 minutes. Every rule mutation invalidates the affected keys
before returning, so headends never read a bundle staler than the
mutation that preceded their fetch. A dead cache degrades to store
reads; it never blocks rule changes or checks.
*/
package firewall
