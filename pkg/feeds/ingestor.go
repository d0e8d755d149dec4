package feeds

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/rs/zerolog"

	"github.com/sasewaddle/manager/pkg/config"
	"github.com/sasewaddle/manager/pkg/events"
	"github.com/sasewaddle/manager/pkg/log"
	"github.com/sasewaddle/manager/pkg/storage"
	"github.com/sasewaddle/manager/pkg/types"
)

// Ingestor fetches configured threat feeds on their intervals and
// upserts indicators into the store
type Ingestor struct {
	sources      []config.FeedSource
	store        storage.Store
	broker       *events.Broker
	client       *http.Client
	fetchTimeout time.Duration
	logger       zerolog.Logger

	stopCh chan struct{}
	now    func() time.Time
}

// NewIngestor creates an ingestor over the given sources
func NewIngestor(cfg config.FeedsConfig, store storage.Store, broker *events.Broker) *Ingestor {
	sources := cfg.Sources
	if len(sources) == 0 {
		sources = DefaultSources()
	}
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Ingestor{
		sources:      sources,
		store:        store,
		broker:       broker,
		client:       &http.Client{Timeout: timeout},
		fetchTimeout: timeout,
		logger:       log.WithComponent("feeds"),
		stopCh:       make(chan struct{}),
		now:          time.Now,
	}
}

// Sources returns the configured feed set
func (ing *Ingestor) Sources() []config.FeedSource {
	return ing.sources
}

// Start launches one update loop per source. Each loop runs an
// immediate pass and then ticks on the source's interval.
func (ing *Ingestor) Start(ctx context.Context) {
	for _, src := range ing.sources {
		go ing.loop(ctx, src)
	}
	ing.logger.Info().Int("sources", len(ing.sources)).Msg("feed ingestor started")
}

// Stop halts all update loops
func (ing *Ingestor) Stop() {
	close(ing.stopCh)
}

func (ing *Ingestor) loop(ctx context.Context, src config.FeedSource) {
	if _, err := ing.UpdateFeed(ctx, src); err != nil {
		ing.logger.Error().Err(err).Str("source", src.Name).Msg("initial feed update failed")
	}

	ticker := time.NewTicker(src.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := ing.UpdateFeed(ctx, src); err != nil {
				ing.logger.Error().Err(err).Str("source", src.Name).Msg("feed update failed")
			}
		case <-ing.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// UpdateFeedByName runs one on-demand pass for a named source
func (ing *Ingestor) UpdateFeedByName(ctx context.Context, name string) (*types.FeedUpdate, error) {
	for _, src := range ing.sources {
		if src.Name == name {
			return ing.UpdateFeed(ctx, src)
		}
	}
	return nil, trace.NotFound("unknown feed source: %s", name)
}

// UpdateFeed runs one ingestion pass for a source. Every entry is
// upserted individually, so cancellation mid-pass leaves the processed
// prefix intact and the uniqueness constraint unharmed.
func (ing *Ingestor) UpdateFeed(ctx context.Context, src config.FeedSource) (*types.FeedUpdate, error) {
	update := &types.FeedUpdate{
		ID:        "feed-" + uuid.New().String(),
		Source:    src.Name,
		Status:    types.FeedUpdateRunning,
		StartedAt: ing.now(),
	}
	if err := ing.store.CreateFeedUpdate(update); err != nil {
		return nil, trace.Wrap(err)
	}

	added, updated, err := ing.ingest(ctx, src)
	update.IndicatorsAdded = added
	update.IndicatorsUpdated = updated
	update.CompletedAt = ing.now()
	if err != nil {
		update.Status = types.FeedUpdateFailed
		update.ErrorMessage = err.Error()
	} else {
		update.Status = types.FeedUpdateCompleted
	}
	if storeErr := ing.store.UpdateFeedUpdate(update); storeErr != nil {
		ing.logger.Error().Err(storeErr).Str("source", src.Name).Msg("failed to record feed update")
	}
	if err != nil {
		return update, trace.Wrap(err)
	}

	ing.logger.Info().
		Str("source", src.Name).
		Int("added", added).
		Int("updated", updated).
		Msg("feed updated")
	ing.broker.Emit(events.EventFeedUpdated, "feed updated", map[string]string{
		"source":  src.Name,
		"added":   fmt.Sprintf("%d", added),
		"updated": fmt.Sprintf("%d", updated),
	})
	return update, nil
}

func (ing *Ingestor) ingest(ctx context.Context, src config.FeedSource) (added, updated int, err error) {
	fetchCtx, cancel := context.WithTimeout(ctx, ing.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, src.URL, nil)
	if err != nil {
		return 0, 0, trace.Wrap(err)
	}
	resp, err := ing.client.Do(req)
	if err != nil {
		return 0, 0, trace.ConnectionProblem(err, "fetching feed %s", src.Name)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, 0, trace.ConnectionProblem(nil, "feed %s returned status %d", src.Name, resp.StatusCode)
	}

	ttl := int(2 * src.UpdateInterval / time.Second)
	now := ing.now()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return added, updated, trace.Wrap(ctx.Err())
		default:
		}

		value, ok := ParseFeedLine(scanner.Text())
		if !ok {
			continue
		}
		indicatorType := classifyIndicator(value)
		if indicatorType == types.IndicatorTypeDomain {
			if value, ok = NormalizeDomain(value); !ok {
				continue
			}
		}
		if src.IndicatorType == "domain" && indicatorType != types.IndicatorTypeDomain {
			continue
		}
		if src.IndicatorType == "ip" && indicatorType != types.IndicatorTypeIP {
			continue
		}

		created, err := ing.store.UpsertThreatIndicator(&types.ThreatIndicator{
			Value:         value,
			IndicatorType: indicatorType,
			ThreatTypes:   src.ThreatTypes,
			Source:        src.Name,
			Confidence:    src.Confidence,
			FirstSeen:     now,
			LastSeen:      now,
			TTL:           ttl,
			Active:        true,
		})
		if err != nil {
			return added, updated, trace.Wrap(err)
		}
		if created {
			added++
		} else {
			updated++
		}
	}
	if err := scanner.Err(); err != nil {
		return added, updated, trace.Wrap(err)
	}
	return added, updated, nil
}

// ParseFeedLine extracts the indicator value from one feed line.
// Comment lines (#, ;, !) and blanks are skipped; trailing inline
// comments and spamhaus-style "; SBL123" annotations are stripped.
func ParseFeedLine(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false
	}
	switch line[0] {
	case '#', ';', '!':
		return "", false
	}
	for _, sep := range []string{";", "#"} {
		if i := strings.Index(line, sep); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
	}
	if line == "" {
		return "", false
	}
	// First whitespace-separated field only
	if fields := strings.Fields(line); len(fields) > 0 {
		line = fields[0]
	}
	return strings.ToLower(line), true
}

// NormalizeDomain strips adblock-style markers from a domain entry
// and rejects values that are not plausible domain names: a domain
// must contain a dot and be more than three characters long.
func NormalizeDomain(value string) (string, bool) {
	value = strings.NewReplacer("||", "", "^", "", "*", "").Replace(value)
	if len(value) <= 3 || !strings.Contains(value, ".") {
		return "", false
	}
	return value, true
}

func classifyIndicator(value string) types.IndicatorType {
	if strings.Contains(value, "/") {
		if _, _, err := net.ParseCIDR(value); err == nil {
			return types.IndicatorTypeIP
		}
		return types.IndicatorTypeDomain
	}
	if net.ParseIP(value) != nil {
		return types.IndicatorTypeIP
	}
	return types.IndicatorTypeDomain
}
