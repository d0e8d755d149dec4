package guard

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
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
	blockedKeyPrefix = "blocked:"
	emergencyKey     = "emergency_mode"
	rateKeyPrefix    = "rate:"
)

// Result is the outcome of one rate-limit check
type Result struct {
	Allowed    bool
	Rule       string
	RetryAfter time.Duration
	Blocked    bool
}

// Limiter enforces sliding-window rate limits per client IP. Counters
// live in redis; when redis is down the limiter degrades to an
// in-memory window per IP so abuse control survives a cache outage.
type Limiter struct {
	cache  *cache.Cache
	store  storage.Store
	broker *events.Broker
	logger zerolog.Logger

	mu    sync.Mutex
	rules []*types.RateLimitRule
	// in-memory fallback state
	windows map[string][]time.Time
	blocked map[string]time.Time

	now func() time.Time
}

// NewLimiter creates a limiter. Rules saved in the store extend the
// defaults; a stored rule with a default's name replaces it.
func NewLimiter(c *cache.Cache, store storage.Store, broker *events.Broker) (*Limiter, error) {
	l := &Limiter{
		cache:   c,
		store:   store,
		broker:  broker,
		logger:  log.WithComponent("guard"),
		windows: make(map[string][]time.Time),
		blocked: make(map[string]time.Time),
		now:     time.Now,
	}

	byName := make(map[string]*types.RateLimitRule)
	for _, r := range DefaultRules() {
		byName[r.Name] = r
	}
	stored, err := store.ListRateLimitRules()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, r := range stored {
		byName[r.Name] = r
	}
	for _, r := range byName {
		l.rules = append(l.rules, r)
	}
	sort.SliceStable(l.rules, func(i, j int) bool {
		return l.rules[i].Priority < l.rules[j].Priority
	})
	return l, nil
}

// Rules returns the active rule set in evaluation order
func (l *Limiter) Rules() []*types.RateLimitRule {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*types.RateLimitRule, len(l.rules))
	copy(out, l.rules)
	return out
}

// SaveRule persists a rule and re-sorts the active set
func (l *Limiter) SaveRule(rule *types.RateLimitRule) error {
	if rule.Name == "" {
		return trace.BadParameter("rule name is required")
	}
	if rule.MaxRequests <= 0 || rule.WindowSeconds <= 0 {
		return trace.BadParameter("max_requests and window_seconds must be positive")
	}
	if err := l.store.SaveRateLimitRule(rule); err != nil {
		return trace.Wrap(err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	replaced := false
	for i, r := range l.rules {
		if r.Name == rule.Name {
			l.rules[i] = rule
			replaced = true
			break
		}
	}
	if !replaced {
		l.rules = append(l.rules, rule)
	}
	sort.SliceStable(l.rules, func(i, j int) bool {
		return l.rules[i].Priority < l.rules[j].Priority
	})
	return nil
}

// Allow checks one request from ip against the rule set
func (l *Limiter) Allow(ctx context.Context, ip, endpoint string) Result {
	if blocked, remaining := l.isBlocked(ctx, ip); blocked {
		return Result{Rule: "blocked", RetryAfter: remaining, Blocked: true}
	}

	rule := l.pickRule(ctx, ip, endpoint)
	if rule == nil {
		return Result{Allowed: true}
	}

	window := time.Duration(rule.WindowSeconds) * time.Second
	now := l.now()
	key := rateKeyPrefix + rule.Name + ":" + ip

	count, oldest, err := l.cache.RateWindow(ctx, key, now, window)
	if err != nil {
		count, oldest = l.memoryWindow(key, now, window)
	}

	if count <= int64(rule.MaxRequests) {
		return Result{Allowed: true, Rule: rule.Name}
	}

	retryAfter := window - now.Sub(oldest)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}

	l.Block(ctx, ip, time.Duration(rule.BlockDuration)*time.Second, "rate_limit_exceeded")
	l.RecordEvent(&types.SecurityEvent{
		EventType: "rate_limit_exceeded",
		IPAddress: ip,
		Endpoint:  endpoint,
		Severity:  "medium",
		Details: map[string]string{
			"rule":  rule.Name,
			"count": fmt.Sprintf("%d", count),
		},
	})

	return Result{Rule: rule.Name, RetryAfter: retryAfter}
}

// pickRule returns the first enabled rule whose endpoints cover the
// request and whose exemptions do not cover the IP. Emergency mode
// short-circuits to the clamp rule.
func (l *Limiter) pickRule(ctx context.Context, ip, endpoint string) *types.RateLimitRule {
	if l.EmergencyActive(ctx) {
		return EmergencyRule()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rule := range l.rules {
		if !rule.Enabled {
			continue
		}
		if !endpointMatches(rule.Endpoints, endpoint) {
			continue
		}
		if ipExempt(rule.ExemptIPs, ip) {
			return nil
		}
		return rule
	}
	return nil
}

func endpointMatches(prefixes []string, endpoint string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(endpoint, p) {
			return true
		}
	}
	return false
}

func ipExempt(exempt []string, ip string) bool {
	for _, e := range exempt {
		if e == ip {
			return true
		}
	}
	return false
}

// memoryWindow is the in-process fallback used when redis is down
func (l *Limiter) memoryWindow(key string, now time.Time, window time.Duration) (int64, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	hits := l.windows[key]
	cutoff := now.Add(-window)
	kept := hits[:0]
	for _, t := range hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	l.windows[key] = kept

	return int64(len(kept)), kept[0]
}

// Block puts an IP on the block list for the given duration
func (l *Limiter) Block(ctx context.Context, ip string, duration time.Duration, reason string) {
	if err := l.cache.Set(ctx, blockedKeyPrefix+ip, reason, duration); err != nil {
		l.logger.Warn().Err(err).Str("ip", ip).Msg("redis down, blocking in memory only")
	}
	l.mu.Lock()
	l.blocked[ip] = l.now().Add(duration)
	l.mu.Unlock()

	l.logger.Warn().
		Str("ip", ip).
		Dur("duration", duration).
		Str("reason", reason).
		Msg("ip blocked")
	l.broker.Emit(events.EventIPBlocked, "ip blocked", map[string]string{
		"ip":     ip,
		"reason": reason,
	})
}

// Unblock removes an IP from the block list
func (l *Limiter) Unblock(ctx context.Context, ip string) error {
	if err := l.cache.Delete(ctx, blockedKeyPrefix+ip); err != nil {
		l.logger.Warn().Err(err).Str("ip", ip).Msg("failed to unblock in redis")
	}
	l.mu.Lock()
	delete(l.blocked, ip)
	l.mu.Unlock()

	l.broker.Emit(events.EventIPUnblocked, "ip unblocked", map[string]string{"ip": ip})
	return nil
}

// BlockedIPs lists currently blocked addresses with time remaining
func (l *Limiter) BlockedIPs(ctx context.Context) map[string]time.Duration {
	out := make(map[string]time.Duration)

	keys, err := l.cache.ScanKeys(ctx, blockedKeyPrefix+"*")
	if err == nil {
		for _, key := range keys {
			ip := strings.TrimPrefix(key, blockedKeyPrefix)
			if ttl, err := l.cache.TTL(ctx, key); err == nil {
				out[ip] = ttl
			}
		}
		return out
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for ip, until := range l.blocked {
		if until.After(now) {
			out[ip] = until.Sub(now)
		}
	}
	return out
}

func (l *Limiter) isBlocked(ctx context.Context, ip string) (bool, time.Duration) {
	if ttl, err := l.cache.TTL(ctx, blockedKeyPrefix+ip); err == nil {
		return true, ttl
	} else if !trace.IsNotFound(err) {
		// redis down, consult memory
		l.mu.Lock()
		defer l.mu.Unlock()
		if until, ok := l.blocked[ip]; ok && until.After(l.now()) {
			return true, until.Sub(l.now())
		}
		return false, 0
	}
	return false, 0
}

// EnableEmergency clamps all traffic to the emergency rule for the
// given duration
func (l *Limiter) EnableEmergency(ctx context.Context, duration time.Duration) error {
	if err := l.cache.Set(ctx, emergencyKey, "1", duration); err != nil {
		return trace.Wrap(err)
	}
	l.logger.Warn().Dur("duration", duration).Msg("emergency mode enabled")
	l.broker.Emit(events.EventEmergencyEnabled, "emergency mode enabled", nil)
	return nil
}

// DisableEmergency lifts the clamp
func (l *Limiter) DisableEmergency(ctx context.Context) error {
	if err := l.cache.Delete(ctx, emergencyKey); err != nil {
		return trace.Wrap(err)
	}
	l.logger.Info().Msg("emergency mode disabled")
	l.broker.Emit(events.EventEmergencyDisabled, "emergency mode disabled", nil)
	return nil
}

// EmergencyActive reports whether the clamp is on
func (l *Limiter) EmergencyActive(ctx context.Context) bool {
	exists, err := l.cache.Exists(ctx, emergencyKey)
	return err == nil && exists
}

// RecordEvent appends a security event to the audit log
func (l *Limiter) RecordEvent(event *types.SecurityEvent) {
	if event.ID == "" {
		event.ID = "event-" + uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now()
	}
	if err := l.store.AppendSecurityEvent(event); err != nil {
		l.logger.Error().Err(err).Str("event_type", event.EventType).Msg("failed to record security event")
	}
}
