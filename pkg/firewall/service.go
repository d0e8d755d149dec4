package firewall

import (
	"context"
	"net"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/rs/zerolog"

	"github.com/sasewaddle/manager/pkg/cache"
	"github.com/sasewaddle/manager/pkg/events"
	"github.com/sasewaddle/manager/pkg/log"
	"github.com/sasewaddle/manager/pkg/storage"
	"github.com/sasewaddle/manager/pkg/types"
)

const (
	// userBundleTTL is how long a cached per-user bundle stays valid
	userBundleTTL = 300 * time.Second
	// allRulesTTL is how long the full dump stays valid
	allRulesTTL = 180 * time.Second

	userBundlePrefix = "firewall:user:"
	allRulesKey      = "firewall:all_rules"
)

// Service owns per-user access rules: persistence, evaluation, and the
// pull-through rule cache served to headends
type Service struct {
	store  storage.Store
	cache  *cache.Cache
	broker *events.Broker
	logger zerolog.Logger

	now func() time.Time
}

// NewService creates the firewall service
func NewService(store storage.Store, c *cache.Cache, broker *events.Broker) *Service {
	return &Service{
		store:  store,
		cache:  c,
		broker: broker,
		logger: log.WithComponent("firewall"),
		now:    time.Now,
	}
}

// AddRule validates and persists a new rule, then invalidates the
// user's cached bundle
func (s *Service) AddRule(ctx context.Context, rule *types.AccessRule) (*types.AccessRule, error) {
	if err := validateRule(rule); err != nil {
		return nil, trace.Wrap(err)
	}

	now := s.now()
	rule.ID = "rule-" + uuid.New().String()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	if err := s.store.CreateAccessRule(rule); err != nil {
		return nil, trace.Wrap(err)
	}
	s.invalidate(ctx, rule.UserID)

	s.logger.Info().
		Str("rule_id", rule.ID).
		Str("user_id", rule.UserID).
		Str("rule_type", string(rule.RuleType)).
		Msg("access rule added")
	s.broker.Emit(events.EventRuleChanged, "access rule added", map[string]string{
		"rule_id": rule.ID,
		"user_id": rule.UserID,
	})
	return rule, nil
}

// UpdateRule replaces an existing rule's contents
func (s *Service) UpdateRule(ctx context.Context, rule *types.AccessRule) (*types.AccessRule, error) {
	existing, err := s.store.GetAccessRule(rule.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	rule.UserID = existing.UserID
	rule.CreatedAt = existing.CreatedAt
	if err := validateRule(rule); err != nil {
		return nil, trace.Wrap(err)
	}
	rule.UpdatedAt = s.now()

	if err := s.store.UpdateAccessRule(rule); err != nil {
		return nil, trace.Wrap(err)
	}
	s.invalidate(ctx, rule.UserID)

	s.broker.Emit(events.EventRuleChanged, "access rule updated", map[string]string{
		"rule_id": rule.ID,
		"user_id": rule.UserID,
	})
	return rule, nil
}

// DeleteRule removes a rule
func (s *Service) DeleteRule(ctx context.Context, id string) error {
	rule, err := s.store.GetAccessRule(id)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := s.store.DeleteAccessRule(id); err != nil {
		return trace.Wrap(err)
	}
	s.invalidate(ctx, rule.UserID)

	s.broker.Emit(events.EventRuleChanged, "access rule deleted", map[string]string{
		"rule_id": id,
		"user_id": rule.UserID,
	})
	return nil
}

// GetRule returns a rule by id
func (s *Service) GetRule(id string) (*types.AccessRule, error) {
	return s.store.GetAccessRule(id)
}

// ListRules returns a user's rules sorted by priority
func (s *Service) ListRules(userID string) ([]*types.AccessRule, error) {
	rules, err := s.store.ListAccessRulesByUser(userID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority < rules[j].Priority
	})
	return rules, nil
}

// CheckAccess evaluates a target for a user
func (s *Service) CheckAccess(ctx context.Context, userID, target string) (Decision, error) {
	if target == "" {
		return Decision{}, trace.BadParameter("target is required")
	}
	rules, err := s.store.ListAccessRulesByUser(userID)
	if err != nil {
		return Decision{}, trace.Wrap(err)
	}
	return Evaluate(rules, target), nil
}

// ExportUser builds the categorized bundle served to headends,
// answering from redis when a fresh copy exists
func (s *Service) ExportUser(ctx context.Context, userID string) (*types.RuleBundle, error) {
	var cached types.RuleBundle
	if err := s.cache.GetJSON(ctx, userBundlePrefix+userID, &cached); err == nil {
		return &cached, nil
	}

	rules, err := s.ListRules(userID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	bundle := buildBundle(userID, rules, s.now())

	if err := s.cache.SetJSON(ctx, userBundlePrefix+userID, bundle, userBundleTTL); err != nil {
		// Cache failures degrade to store reads, nothing more
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to cache rule bundle")
	}
	return bundle, nil
}

// ExportAll builds the full-sync payload: one bundle per user, cached
// briefly for the headend refresh loop
func (s *Service) ExportAll(ctx context.Context) (*types.RuleExport, error) {
	var cached types.RuleExport
	if err := s.cache.GetJSON(ctx, allRulesKey, &cached); err == nil {
		return &cached, nil
	}

	rules, err := s.store.ListAccessRules()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].UserID != rules[j].UserID {
			return rules[i].UserID < rules[j].UserID
		}
		return rules[i].Priority < rules[j].Priority
	})

	now := s.now()
	byUser := make(map[string][]*types.AccessRule)
	for _, r := range rules {
		byUser[r.UserID] = append(byUser[r.UserID], r)
	}
	export := &types.RuleExport{
		Timestamp:  now,
		RulesCount: len(rules),
		UserRules:  make(map[string]*types.RuleBundle, len(byUser)),
	}
	for userID, userRules := range byUser {
		export.UserRules[userID] = buildBundle(userID, userRules, now)
	}

	if err := s.cache.SetJSON(ctx, allRulesKey, export, allRulesTTL); err != nil {
		s.logger.Warn().Err(err).Msg("failed to cache full rule export")
	}
	return export, nil
}

// invalidate drops the cached bundles touched by a rule mutation.
// Invalidation happens before the mutation call returns, so a
// subsequent export never serves the stale bundle past its TTL.
func (s *Service) invalidate(ctx context.Context, userID string) {
	if err := s.cache.Delete(ctx, userBundlePrefix+userID, allRulesKey); err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to invalidate rule cache")
	}
}

func buildBundle(userID string, rules []*types.AccessRule, now time.Time) *types.RuleBundle {
	bundle := &types.RuleBundle{
		UserID:   userID,
		CachedAt: now,
	}
	for _, r := range rules {
		if !r.IsActive {
			continue
		}
		entry := types.RuleEntry{
			Pattern:     r.Pattern,
			Priority:    r.Priority,
			Description: r.Description,
			SrcIP:       r.SrcIP,
			DstIP:       r.DstIP,
			Protocol:    r.Protocol,
			SrcPort:     r.SrcPort,
			DstPort:     r.DstPort,
			Direction:   r.Direction,
		}
		allow := r.AccessType == types.AccessAllow
		switch r.RuleType {
		case types.RuleTypeDomain:
			if allow {
				bundle.AllowDomains = append(bundle.AllowDomains, entry)
			} else {
				bundle.DenyDomains = append(bundle.DenyDomains, entry)
			}
		case types.RuleTypeIP:
			if allow {
				bundle.AllowIPs = append(bundle.AllowIPs, entry)
			} else {
				bundle.DenyIPs = append(bundle.DenyIPs, entry)
			}
		case types.RuleTypeIPRange:
			if allow {
				bundle.AllowIPRanges = append(bundle.AllowIPRanges, entry)
			} else {
				bundle.DenyIPRanges = append(bundle.DenyIPRanges, entry)
			}
		case types.RuleTypeURLPattern:
			if allow {
				bundle.AllowURLPatterns = append(bundle.AllowURLPatterns, entry)
			} else {
				bundle.DenyURLPatterns = append(bundle.DenyURLPatterns, entry)
			}
		case types.RuleTypeProtocolRule:
			if allow {
				bundle.AllowProtocolRules = append(bundle.AllowProtocolRules, entry)
			} else {
				bundle.DenyProtocolRules = append(bundle.DenyProtocolRules, entry)
			}
		}
	}
	return bundle
}

func validateRule(rule *types.AccessRule) error {
	if rule.UserID == "" {
		return trace.BadParameter("user_id is required")
	}
	switch rule.AccessType {
	case types.AccessAllow, types.AccessDeny:
	default:
		return trace.BadParameter("invalid access type: %s", rule.AccessType)
	}
	if rule.Priority < 0 {
		return trace.BadParameter("priority must be non-negative")
	}

	switch rule.RuleType {
	case types.RuleTypeDomain, types.RuleTypeURLPattern:
		if rule.Pattern == "" {
			return trace.BadParameter("pattern is required for %s rules", rule.RuleType)
		}
	case types.RuleTypeIP:
		if net.ParseIP(rule.Pattern) == nil {
			return trace.BadParameter("invalid ip pattern: %s", rule.Pattern)
		}
	case types.RuleTypeIPRange:
		if _, _, err := net.ParseCIDR(rule.Pattern); err != nil {
			return trace.BadParameter("invalid cidr pattern: %s", rule.Pattern)
		}
	case types.RuleTypeProtocolRule:
		if rule.Protocol == "" {
			return trace.BadParameter("protocol is required for protocol rules")
		}
		for _, ip := range []string{rule.SrcIP, rule.DstIP} {
			if ip == "" || ip == "*" {
				continue
			}
			if net.ParseIP(ip) == nil {
				if _, _, err := net.ParseCIDR(ip); err != nil {
					return trace.BadParameter("invalid address: %s", ip)
				}
			}
		}
	default:
		return trace.BadParameter("invalid rule type: %s", rule.RuleType)
	}
	return nil
}
