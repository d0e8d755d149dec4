package guard

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInspectCleanRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/v1/status", nil)
	r.Header.Set("User-Agent", "sasewaddle-client/1.0")

	assert.Empty(t, Inspect(r))
}

func TestInspectScannerUserAgent(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/v1/status", nil)
	r.Header.Set("User-Agent", "sqlmap/1.7.2")

	anomalies := Inspect(r)
	require.Len(t, anomalies, 1)
	assert.Equal(t, "scanner_user_agent", anomalies[0].Type)
	assert.Equal(t, "high", anomalies[0].Severity)
}

func TestInspectMissingUserAgent(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/v1/status", nil)

	anomalies := Inspect(r)
	require.Len(t, anomalies, 1)
	assert.Equal(t, "missing_user_agent", anomalies[0].Type)
	assert.Equal(t, "low", anomalies[0].Severity)
}

func TestInspectPathTraversal(t *testing.T) {
	tests := []string{
		"/files?path=../../etc/passwd",
		"/download?f=%2e%2e%2fsecret",
		"/read?p=/proc/self/environ",
	}
	for _, target := range tests {
		r := httptest.NewRequest("GET", target, nil)
		r.Header.Set("User-Agent", "curl/8.0")

		anomalies := Inspect(r)
		require.NotEmpty(t, anomalies, "target %s", target)
		assert.Equal(t, "path_traversal", anomalies[0].Type, "target %s", target)
		assert.Equal(t, "critical", anomalies[0].Severity)
	}
}

func TestInspectInjection(t *testing.T) {
	tests := []string{
		"/comment?body=<script>alert(1)</script>",
		"/redirect?to=javascript:alert(1)",
		"/avatar?cb=onerror=alert(1)",
	}
	for _, target := range tests {
		r := httptest.NewRequest("GET", target, nil)
		r.Header.Set("User-Agent", "curl/8.0")

		anomalies := Inspect(r)
		require.NotEmpty(t, anomalies, "target %s", target)
		assert.Equal(t, "injection_attempt", anomalies[0].Type, "target %s", target)
	}
}

func TestWorstSeverity(t *testing.T) {
	assert.Equal(t, "low", worstSeverity(nil))
	assert.Equal(t, "critical", worstSeverity([]Anomaly{
		{Severity: "low"}, {Severity: "critical"}, {Severity: "high"},
	}))
	assert.Equal(t, "high", worstSeverity([]Anomaly{
		{Severity: "medium"}, {Severity: "high"},
	}))
}

func TestBlockDurationFor(t *testing.T) {
	assert.Equal(t, 300*time.Second, BlockDurationFor("low"))
	assert.Equal(t, 7200*time.Second, BlockDurationFor("critical"))
	// Unknown severities get the medium block
	assert.Equal(t, 900*time.Second, BlockDurationFor("unknown"))
}
