package feeds

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/rs/zerolog"

	"github.com/sasewaddle/manager/pkg/events"
	"github.com/sasewaddle/manager/pkg/log"
	"github.com/sasewaddle/manager/pkg/storage"
	"github.com/sasewaddle/manager/pkg/types"
)

const (
	// lookupCacheTTL bounds how stale an in-process lookup answer can be
	lookupCacheTTL = 300 * time.Second
	// parentDomainPenalty is subtracted from confidence when only a
	// parent domain matched
	parentDomainPenalty = 10
)

type cachedLookup struct {
	matches  []*types.ThreatMatch
	cachedAt time.Time
}

// Checker answers threat-intelligence lookups against the ingested
// indicator set, with a short in-process memo cache
type Checker struct {
	store  storage.Store
	broker *events.Broker
	logger zerolog.Logger

	mu   sync.Mutex
	memo map[string]cachedLookup

	now func() time.Time
}

// NewChecker creates a checker over the store
func NewChecker(store storage.Store, broker *events.Broker) *Checker {
	return &Checker{
		store:  store,
		broker: broker,
		logger: log.WithComponent("threat-check"),
		memo:   make(map[string]cachedLookup),
		now:    time.Now,
	}
}

// Check returns every active indicator matching value. Domains match
// exactly or through a parent domain at reduced confidence; IPs match
// exactly or through a covering CIDR indicator.
func (c *Checker) Check(ctx context.Context, value string) ([]*types.ThreatMatch, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return nil, trace.BadParameter("value is required")
	}

	now := c.now()
	c.mu.Lock()
	if entry, ok := c.memo[value]; ok && now.Sub(entry.cachedAt) < lookupCacheTTL {
		matches := entry.matches
		c.mu.Unlock()
		return matches, nil
	}
	c.mu.Unlock()

	var matches []*types.ThreatMatch
	var err error
	if ip := net.ParseIP(value); ip != nil {
		matches, err = c.checkIP(value, ip)
	} else {
		matches, err = c.checkDomain(value)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}

	c.mu.Lock()
	c.memo[value] = cachedLookup{matches: matches, cachedAt: now}
	c.mu.Unlock()

	return matches, nil
}

// RecordDetection logs a threat hit observed for a client and emits
// the corresponding event
func (c *Checker) RecordDetection(clientIP, target, action string, match *types.ThreatMatch) error {
	detection := &types.ThreatDetection{
		ID:          "detect-" + uuid.New().String(),
		ClientIP:    clientIP,
		Target:      target,
		ActionTaken: action,
		DetectedAt:  c.now(),
	}
	if match != nil {
		detection.ThreatTypes = match.ThreatTypes
		detection.Confidence = match.Confidence
		detection.Source = match.Source
	}
	if err := c.store.AppendThreatDetection(detection); err != nil {
		return trace.Wrap(err)
	}

	c.logger.Warn().
		Str("client_ip", clientIP).
		Str("target", target).
		Str("action", action).
		Msg("threat detected")
	c.broker.Emit(events.EventThreatDetected, "threat detected", map[string]string{
		"client_ip": clientIP,
		"target":    target,
		"action":    action,
	})
	return nil
}

func (c *Checker) checkDomain(domain string) ([]*types.ThreatMatch, error) {
	matches, err := c.exactMatches(domain, "")
	if err != nil {
		return nil, err
	}
	if len(matches) > 0 {
		return matches, nil
	}

	// Walk parent domains: a.b.example.com -> b.example.com -> example.com
	labels := strings.Split(domain, ".")
	for i := 1; i < len(labels)-1; i++ {
		parent := strings.Join(labels[i:], ".")
		parentMatches, err := c.exactMatches(parent, "parent_domain")
		if err != nil {
			return nil, err
		}
		if len(parentMatches) > 0 {
			for _, m := range parentMatches {
				m.Confidence -= parentDomainPenalty
				if m.Confidence < 0 {
					m.Confidence = 0
				}
			}
			return parentMatches, nil
		}
	}
	return nil, nil
}

func (c *Checker) checkIP(value string, ip net.IP) ([]*types.ThreatMatch, error) {
	matches, err := c.exactMatches(value, "")
	if err != nil {
		return nil, err
	}
	if len(matches) > 0 {
		return matches, nil
	}

	// Range scan for covering CIDR indicators
	indicators, err := c.store.ListThreatIndicators()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, ind := range indicators {
		if !ind.Active || ind.IndicatorType != types.IndicatorTypeIP {
			continue
		}
		if !strings.Contains(ind.Value, "/") {
			continue
		}
		_, cidr, err := net.ParseCIDR(ind.Value)
		if err != nil || !cidr.Contains(ip) {
			continue
		}
		matches = append(matches, &types.ThreatMatch{
			Value:       ind.Value,
			ThreatTypes: ind.ThreatTypes,
			Source:      ind.Source,
			Confidence:  ind.Confidence,
			MatchType:   "network_range",
		})
	}
	return matches, nil
}

func (c *Checker) exactMatches(value, matchType string) ([]*types.ThreatMatch, error) {
	indicators, err := c.store.GetThreatIndicators(value)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var matches []*types.ThreatMatch
	for _, ind := range indicators {
		if !ind.Active {
			continue
		}
		matches = append(matches, &types.ThreatMatch{
			Value:       ind.Value,
			ThreatTypes: ind.ThreatTypes,
			Source:      ind.Source,
			Confidence:  ind.Confidence,
			MatchType:   matchType,
		})
	}
	return matches, nil
}
