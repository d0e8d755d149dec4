package firewall

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sasewaddle/manager/pkg/types"
)

func rule(ruleType types.RuleType, pattern string, access types.AccessType, priority int) *types.AccessRule {
	return &types.AccessRule{
		RuleType:   ruleType,
		Pattern:    pattern,
		AccessType: access,
		Priority:   priority,
		IsActive:   true,
	}
}

func TestEvaluateDefaults(t *testing.T) {
	// No rules: unrestricted
	d := Evaluate(nil, "example.com")
	assert.True(t, d.Allowed)
	assert.Nil(t, d.Matched)

	// Inactive rules count as no rules
	inactive := rule(types.RuleTypeDomain, "example.com", types.AccessDeny, 10)
	inactive.IsActive = false
	d = Evaluate([]*types.AccessRule{inactive}, "example.com")
	assert.True(t, d.Allowed)

	// Rules present but none matching: denied
	d = Evaluate([]*types.AccessRule{
		rule(types.RuleTypeDomain, "allowed.com", types.AccessAllow, 10),
	}, "other.com")
	assert.False(t, d.Allowed)
	assert.Nil(t, d.Matched)
}

func TestEvaluatePriorityOrder(t *testing.T) {
	rules := []*types.AccessRule{
		rule(types.RuleTypeDomain, "*.example.com", types.AccessAllow, 20),
		rule(types.RuleTypeDomain, "bad.example.com", types.AccessDeny, 10),
	}

	// The lower-priority deny wins for its exact domain
	d := Evaluate(rules, "bad.example.com")
	assert.False(t, d.Allowed)
	assert.Equal(t, "bad.example.com", d.Matched.Pattern)

	// Other subdomains fall through to the allow
	d = Evaluate(rules, "good.example.com")
	assert.True(t, d.Allowed)
}

func TestMatchDomain(t *testing.T) {
	tests := []struct {
		pattern string
		domain  string
		want    bool
	}{
		{"example.com", "example.com", true},
		{"Example.COM", "example.com", true},
		{"example.com", "www.example.com", false},
		{"*.example.com", "www.example.com", true},
		{"*.example.com", "a.b.example.com", true},
		{"*.example.com", "example.com", false},
		{"*.example.com", "evilexample.com", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, matchDomain(tt.pattern, tt.domain),
			"matchDomain(%q, %q)", tt.pattern, tt.domain)
	}
}

func TestHostOf(t *testing.T) {
	tests := []struct {
		target string
		want   string
	}{
		{"example.com", "example.com"},
		{"https://example.com/path?q=1", "example.com"},
		{"http://Example.COM:8080/x", "example.com"},
		{"example.com:443", "example.com"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, hostOf(tt.target), "hostOf(%q)", tt.target)
	}
}

func TestMatchIPRules(t *testing.T) {
	exact := rule(types.RuleTypeIP, "10.0.0.5", types.AccessDeny, 10)
	assert.True(t, ruleMatches(exact, "10.0.0.5"))
	assert.False(t, ruleMatches(exact, "10.0.0.6"))
	assert.False(t, ruleMatches(exact, "not-an-ip"))

	// Targets may carry a port
	assert.True(t, ruleMatches(exact, "10.0.0.5:443"))
	assert.False(t, ruleMatches(exact, "10.0.0.6:443"))

	cidr := rule(types.RuleTypeIPRange, "192.168.0.0/16", types.AccessAllow, 10)
	assert.True(t, ruleMatches(cidr, "192.168.44.2"))
	assert.True(t, ruleMatches(cidr, "192.168.44.2:8080"))
	assert.False(t, ruleMatches(cidr, "10.0.0.1"))
}

func TestEvaluateIPRangeWithPort(t *testing.T) {
	rules := []*types.AccessRule{
		rule(types.RuleTypeIPRange, "10.0.0.0/24", types.AccessDeny, 10),
	}
	d := Evaluate(rules, "10.0.0.5:443")
	assert.False(t, d.Allowed)
	assert.NotNil(t, d.Matched)
}

func TestMatchURLPattern(t *testing.T) {
	tests := []struct {
		pattern string
		target  string
		want    bool
	}{
		// Patterns are regexes anchored at the start
		{`https://example\.com/.*`, "https://example.com/anything/here", true},
		{`https://example\.com/.*`, "https://other.com/x", false},
		{`.*/admin/.*`, "https://example.com/admin/users", true},
		{`https://example\.com/login`, "https://example.com/login", true},
		{`https://example\.com/login`, "https://example.com/logout", false},
		// Anchored at the start only, not the end
		{`https://example\.com/`, "https://example.com/deep/path", true},
		{`example\.com`, "https://example.com/", false},
		// Case-insensitive
		{`https://EXAMPLE\.com/Login`, "https://example.com/login", true},
		{`ads[0-9]+\.example\.com`, "ads1.example.com", true},
		{`ads[0-9]+\.example\.com`, "ads.example.com", false},
		// Invalid regex never matches
		{`*broken(`, "anything", false},
	}
	for _, tt := range tests {
		r := rule(types.RuleTypeURLPattern, tt.pattern, types.AccessAllow, 10)
		assert.Equal(t, tt.want, ruleMatches(r, tt.target),
			"pattern %q target %q", tt.pattern, tt.target)
	}
}

func TestEvaluateURLPatternRegex(t *testing.T) {
	rules := []*types.AccessRule{
		rule(types.RuleTypeURLPattern, `ads[0-9]+\.example\.com`, types.AccessDeny, 10),
		rule(types.RuleTypeURLPattern, `https://.*\.example\.com/.*`, types.AccessAllow, 20),
	}

	d := Evaluate(rules, "ads1.example.com")
	assert.False(t, d.Allowed)
	assert.NotNil(t, d.Matched)

	d = Evaluate(rules, "https://docs.example.com/guide")
	assert.True(t, d.Allowed)
}

func TestParseProtocolTarget(t *testing.T) {
	tuple, ok := ParseProtocolTarget("tcp:10.0.0.1:12345->192.168.1.1:443")
	assert.True(t, ok)
	assert.Equal(t, "tcp", tuple.Protocol)
	assert.Equal(t, "10.0.0.1", tuple.SrcIP)
	assert.Equal(t, "12345", tuple.SrcPort)
	assert.Equal(t, "192.168.1.1", tuple.DstIP)
	assert.Equal(t, "443", tuple.DstPort)
	assert.Empty(t, tuple.Direction)

	tuple, ok = ParseProtocolTarget("udp:*:*->10.0.0.1:53:outbound")
	assert.True(t, ok)
	assert.Equal(t, "outbound", tuple.Direction)

	for _, bad := range []string{"example.com", "tcp:1.2.3.4->5.6.7.8:80", "tcp:1.2.3.4:1->5.6.7.8"} {
		_, ok := ParseProtocolTarget(bad)
		assert.False(t, ok, "target %q", bad)
	}
}

func TestMatchProtocolRule(t *testing.T) {
	base := &types.AccessRule{
		RuleType:   types.RuleTypeProtocolRule,
		AccessType: types.AccessDeny,
		Protocol:   "tcp",
		DstIP:      "192.168.0.0/16",
		DstPort:    "22,3389",
		IsActive:   true,
	}

	assert.True(t, ruleMatches(base, "tcp:10.0.0.1:40000->192.168.1.1:22"))
	assert.True(t, ruleMatches(base, "TCP:10.0.0.1:40000->192.168.1.1:3389"))
	assert.False(t, ruleMatches(base, "udp:10.0.0.1:40000->192.168.1.1:22"))
	assert.False(t, ruleMatches(base, "tcp:10.0.0.1:40000->192.168.1.1:443"))
	assert.False(t, ruleMatches(base, "tcp:10.0.0.1:40000->8.8.8.8:22"))
}

func TestMatchProtocolRuleDirection(t *testing.T) {
	smb := &types.AccessRule{
		RuleType:   types.RuleTypeProtocolRule,
		AccessType: types.AccessDeny,
		Protocol:   "tcp",
		DstPort:    "445",
		Direction:  "both",
		IsActive:   true,
	}

	// "both" covers either side
	assert.True(t, ruleMatches(smb, "tcp:10.0.0.2:50000->192.168.1.9:445:outbound"))
	assert.True(t, ruleMatches(smb, "tcp:10.0.0.2:50000->192.168.1.9:445:inbound"))
	assert.True(t, ruleMatches(smb, "tcp:10.0.0.2:50000->192.168.1.9:445"))

	out := &types.AccessRule{
		RuleType:   types.RuleTypeProtocolRule,
		AccessType: types.AccessDeny,
		Protocol:   "tcp",
		DstPort:    "445",
		Direction:  "outbound",
		IsActive:   true,
	}
	assert.True(t, ruleMatches(out, "tcp:10.0.0.2:50000->192.168.1.9:445:outbound"))
	assert.False(t, ruleMatches(out, "tcp:10.0.0.2:50000->192.168.1.9:445:inbound"))
}

func TestMatchPort(t *testing.T) {
	tests := []struct {
		spec   string
		target string
		want   bool
	}{
		{"*", "80", true},
		{"", "80", true},
		{"80", "80", true},
		{"80", "81", false},
		{"8000-9000", "8080", true},
		{"8000-9000", "9001", false},
		{"22, 80, 443", "443", true},
		{"22,80-90", "85", true},
		{"22,80-90", "91", false},
		{"80", "not-a-port", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, matchPort(tt.spec, tt.target),
			"matchPort(%q, %q)", tt.spec, tt.target)
	}
}
