package feeds

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sasewaddle/manager/pkg/events"
	"github.com/sasewaddle/manager/pkg/storage"
	"github.com/sasewaddle/manager/pkg/types"
)

func newTestChecker(t *testing.T) (*Checker, storage.Store) {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	return NewChecker(store, broker), store
}

func addIndicator(t *testing.T, store storage.Store, value string, indicatorType types.IndicatorType, confidence int) {
	t.Helper()
	_, err := store.UpsertThreatIndicator(&types.ThreatIndicator{
		Value:         value,
		IndicatorType: indicatorType,
		ThreatTypes:   []string{"malware"},
		Source:        "test_feed",
		Confidence:    confidence,
		FirstSeen:     time.Now(),
		LastSeen:      time.Now(),
		Active:        true,
	})
	require.NoError(t, err)
}

func TestCheckExactDomain(t *testing.T) {
	checker, store := newTestChecker(t)
	addIndicator(t, store, "evil.com", types.IndicatorTypeDomain, 85)

	matches, err := checker.Check(context.Background(), "evil.com")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "evil.com", matches[0].Value)
	assert.Equal(t, 85, matches[0].Confidence)
	assert.Empty(t, matches[0].MatchType)

	// Lookup normalizes case and whitespace
	matches, err = checker.Check(context.Background(), "  EVIL.com ")
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestCheckParentDomain(t *testing.T) {
	checker, store := newTestChecker(t)
	addIndicator(t, store, "evil.com", types.IndicatorTypeDomain, 85)

	matches, err := checker.Check(context.Background(), "cdn.tracker.evil.com")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "parent_domain", matches[0].MatchType)
	assert.Equal(t, 75, matches[0].Confidence)

	// An unrelated domain does not match
	matches, err = checker.Check(context.Background(), "notevil.com")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestCheckExactIP(t *testing.T) {
	checker, store := newTestChecker(t)
	addIndicator(t, store, "192.0.2.1", types.IndicatorTypeIP, 95)

	matches, err := checker.Check(context.Background(), "192.0.2.1")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "192.0.2.1", matches[0].Value)

	matches, err = checker.Check(context.Background(), "192.0.2.2")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestCheckCIDRCoverage(t *testing.T) {
	checker, store := newTestChecker(t)
	addIndicator(t, store, "198.51.100.0/24", types.IndicatorTypeIP, 95)

	matches, err := checker.Check(context.Background(), "198.51.100.77")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "network_range", matches[0].MatchType)
	assert.Equal(t, "198.51.100.0/24", matches[0].Value)

	matches, err = checker.Check(context.Background(), "198.51.101.1")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestCheckMemoization(t *testing.T) {
	checker, store := newTestChecker(t)
	ctx := context.Background()

	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	checker.now = func() time.Time { return current }

	matches, err := checker.Check(ctx, "evil.com")
	require.NoError(t, err)
	assert.Empty(t, matches)

	// A new indicator is invisible while the memo entry is fresh
	addIndicator(t, store, "evil.com", types.IndicatorTypeDomain, 85)
	matches, err = checker.Check(ctx, "evil.com")
	require.NoError(t, err)
	assert.Empty(t, matches)

	// And visible once the memo entry ages out
	current = current.Add(10 * time.Minute)
	matches, err = checker.Check(ctx, "evil.com")
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestCheckIgnoresInactive(t *testing.T) {
	checker, store := newTestChecker(t)

	_, err := store.UpsertThreatIndicator(&types.ThreatIndicator{
		Value:         "retired.com",
		IndicatorType: types.IndicatorTypeDomain,
		Source:        "test_feed",
		Confidence:    85,
		Active:        false,
	})
	require.NoError(t, err)

	matches, err := checker.Check(context.Background(), "retired.com")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestRecordDetection(t *testing.T) {
	checker, store := newTestChecker(t)

	err := checker.RecordDetection("10.200.0.5", "evil.com", "blocked", &types.ThreatMatch{
		Value:       "evil.com",
		ThreatTypes: []string{"malware"},
		Source:      "test_feed",
		Confidence:  85,
	})
	require.NoError(t, err)

	detections, err := store.ListThreatDetections(10)
	require.NoError(t, err)
	require.Len(t, detections, 1)
	assert.Equal(t, "10.200.0.5", detections[0].ClientIP)
	assert.Equal(t, "evil.com", detections[0].Target)
	assert.Equal(t, "blocked", detections[0].ActionTaken)
	assert.Equal(t, 85, detections[0].Confidence)
}
