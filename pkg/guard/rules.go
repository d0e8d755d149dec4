package guard

import (
	"github.com/sasewaddle/manager/pkg/types"
)

// DefaultRules is the built-in rate-limit rule set. Rules are
// evaluated in ascending priority order; the first rule whose endpoint
// prefix matches the request decides.
func DefaultRules() []*types.RateLimitRule {
	return []*types.RateLimitRule{
		{
			Name:          "auth_strict",
			MaxRequests:   5,
			WindowSeconds: 60,
			BlockDuration: 900,
			Endpoints:     []string{"/api/v1/auth"},
			Priority:      10,
			Enabled:       true,
		},
		{
			Name:          "config_moderate",
			MaxRequests:   10,
			WindowSeconds: 300,
			BlockDuration: 600,
			Endpoints:     []string{"/api/v1/clients/"},
			Priority:      20,
			Enabled:       true,
		},
		{
			Name:          "api_strict",
			MaxRequests:   60,
			WindowSeconds: 60,
			BlockDuration: 300,
			Endpoints:     []string{"/api/"},
			Priority:      30,
			Enabled:       true,
		},
		{
			Name:          "web_lenient",
			MaxRequests:   200,
			WindowSeconds: 60,
			BlockDuration: 60,
			Priority:      40,
			Enabled:       true,
		},
	}
}

// EmergencyRule is the clamp applied to every endpoint while
// emergency mode is active
func EmergencyRule() *types.RateLimitRule {
	return &types.RateLimitRule{
		Name:          "emergency",
		MaxRequests:   10,
		WindowSeconds: 60,
		BlockDuration: 300,
		Priority:      0,
		Enabled:       true,
	}
}
