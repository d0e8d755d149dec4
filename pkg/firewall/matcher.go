package firewall

import (
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/sasewaddle/manager/pkg/types"
)

// Decision is the outcome of evaluating a target against a rule set
type Decision struct {
	Allowed bool `json:"allowed"`
	// Matched is the rule that decided, nil when the default applied
	Matched *types.AccessRule `json:"matched,omitempty"`
	// Reason is a short human-readable explanation
	Reason string `json:"reason"`
}

// Evaluate runs a user's rules against a target. Active rules are
// evaluated in ascending priority order and the first match decides.
// A user with no rules is unrestricted; a user with rules and no
// match is denied.
func Evaluate(rules []*types.AccessRule, target string) Decision {
	active := make([]*types.AccessRule, 0, len(rules))
	for _, r := range rules {
		if r.IsActive {
			active = append(active, r)
		}
	}
	if len(active) == 0 {
		return Decision{Allowed: true, Reason: "no rules configured"}
	}

	sort.SliceStable(active, func(i, j int) bool {
		return active[i].Priority < active[j].Priority
	})

	for _, rule := range active {
		if ruleMatches(rule, target) {
			return Decision{
				Allowed: rule.AccessType == types.AccessAllow,
				Matched: rule,
				Reason:  "matched " + string(rule.RuleType) + " rule",
			}
		}
	}
	return Decision{Allowed: false, Reason: "no rule matched"}
}

func ruleMatches(rule *types.AccessRule, target string) bool {
	switch rule.RuleType {
	case types.RuleTypeDomain:
		return matchDomain(rule.Pattern, hostOf(target))
	case types.RuleTypeIP:
		ip := net.ParseIP(hostOf(target))
		return ip != nil && rule.Pattern == ip.String()
	case types.RuleTypeIPRange:
		ip := net.ParseIP(hostOf(target))
		if ip == nil {
			return false
		}
		_, cidr, err := net.ParseCIDR(rule.Pattern)
		return err == nil && cidr.Contains(ip)
	case types.RuleTypeURLPattern:
		return matchURLPattern(rule.Pattern, target)
	case types.RuleTypeProtocolRule:
		tuple, ok := ParseProtocolTarget(target)
		return ok && matchProtocolRule(rule, tuple)
	}
	return false
}

// hostOf strips scheme, path, and port from a URL-ish target
func hostOf(target string) string {
	host := target
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexAny(host, "/?"); i >= 0 {
		host = host[:i]
	}
	if i := strings.LastIndex(host, ":"); i >= 0 && !strings.Contains(host, "]") {
		if _, err := strconv.Atoi(host[i+1:]); err == nil {
			host = host[:i]
		}
	}
	return strings.ToLower(host)
}

// matchDomain matches exact names and "*." wildcards. The wildcard
// covers subdomains on a dot boundary only: *.example.com matches
// a.example.com but not example.com or evilexample.com.
func matchDomain(pattern, domain string) bool {
	pattern = strings.ToLower(pattern)
	if pattern == domain {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		return strings.HasSuffix(domain, pattern[1:])
	}
	return false
}

// patternCache holds compiled url_pattern regexps keyed by the raw
// pattern. Failed compiles are cached as nil so a bad pattern is not
// recompiled on every evaluation.
var patternCache sync.Map // string -> *regexp.Regexp

// matchURLPattern matches the target against a case-insensitive regex
// anchored at the start. An invalid pattern never matches.
func matchURLPattern(pattern, target string) bool {
	var re *regexp.Regexp
	if v, ok := patternCache.Load(pattern); ok {
		re, _ = v.(*regexp.Regexp)
	} else {
		compiled, err := regexp.Compile("(?i)^(?:" + pattern + ")")
		if err != nil {
			patternCache.Store(pattern, (*regexp.Regexp)(nil))
			return false
		}
		re = compiled
		patternCache.Store(pattern, re)
	}
	if re == nil {
		return false
	}
	return re.MatchString(target)
}

// ProtocolTuple is a parsed five-tuple target of the form
// proto:src_ip:src_port->dst_ip:dst_port[:direction]
type ProtocolTuple struct {
	Protocol  string
	SrcIP     string
	SrcPort   string
	DstIP     string
	DstPort   string
	Direction string
}

// ParseProtocolTarget parses the wire form of a protocol target.
// Returns false when the target is not protocol-shaped.
func ParseProtocolTarget(target string) (ProtocolTuple, bool) {
	var t ProtocolTuple

	src, dst, found := strings.Cut(target, "->")
	if !found {
		return t, false
	}

	srcParts := strings.Split(src, ":")
	if len(srcParts) != 3 {
		return t, false
	}
	t.Protocol, t.SrcIP, t.SrcPort = srcParts[0], srcParts[1], srcParts[2]

	dstParts := strings.Split(dst, ":")
	switch len(dstParts) {
	case 2:
		t.DstIP, t.DstPort = dstParts[0], dstParts[1]
	case 3:
		t.DstIP, t.DstPort, t.Direction = dstParts[0], dstParts[1], dstParts[2]
	default:
		return t, false
	}
	return t, true
}

func matchProtocolRule(rule *types.AccessRule, tuple ProtocolTuple) bool {
	if !matchField(rule.Protocol, tuple.Protocol) {
		return false
	}
	if !matchIPField(rule.SrcIP, tuple.SrcIP) {
		return false
	}
	if !matchIPField(rule.DstIP, tuple.DstIP) {
		return false
	}
	if !matchPort(rule.SrcPort, tuple.SrcPort) {
		return false
	}
	if !matchPort(rule.DstPort, tuple.DstPort) {
		return false
	}
	// "both" covers either side of the connection
	if rule.Direction != "" && rule.Direction != "*" && rule.Direction != "both" &&
		tuple.Direction != "" && rule.Direction != tuple.Direction {
		return false
	}
	return true
}

// matchField treats empty and "*" as wildcards
func matchField(ruleVal, target string) bool {
	return ruleVal == "" || ruleVal == "*" || strings.EqualFold(ruleVal, target)
}

// matchIPField matches exact addresses or CIDR blocks
func matchIPField(ruleVal, target string) bool {
	if ruleVal == "" || ruleVal == "*" || ruleVal == target {
		return true
	}
	if strings.Contains(ruleVal, "/") {
		ip := net.ParseIP(target)
		if ip == nil {
			return false
		}
		_, cidr, err := net.ParseCIDR(ruleVal)
		return err == nil && cidr.Contains(ip)
	}
	return false
}

// matchPort handles single ports, a-b ranges, comma lists, and "*"
func matchPort(ruleVal, target string) bool {
	if ruleVal == "" || ruleVal == "*" || target == "*" {
		return true
	}
	port, err := strconv.Atoi(target)
	if err != nil {
		return false
	}

	for _, spec := range strings.Split(ruleVal, ",") {
		spec = strings.TrimSpace(spec)
		if lo, hi, found := strings.Cut(spec, "-"); found {
			loN, err1 := strconv.Atoi(lo)
			hiN, err2 := strconv.Atoi(hi)
			if err1 == nil && err2 == nil && port >= loN && port <= hiN {
				return true
			}
			continue
		}
		if n, err := strconv.Atoi(spec); err == nil && n == port {
			return true
		}
	}
	return false
}
