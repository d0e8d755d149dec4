package guard

import (
	"net/http"
	"strings"
	"time"
)

// Anomaly is one suspicious trait found in a request
type Anomaly struct {
	Type     string
	Severity string
	Detail   string
}

// severityBlockDuration maps anomaly severity to the block applied
var severityBlockDuration = map[string]time.Duration{
	"low":      300 * time.Second,
	"medium":   900 * time.Second,
	"high":     3600 * time.Second,
	"critical": 7200 * time.Second,
}

// BlockDurationFor returns the block applied for a severity
func BlockDurationFor(severity string) time.Duration {
	if d, ok := severityBlockDuration[severity]; ok {
		return d
	}
	return severityBlockDuration["medium"]
}

var scannerAgents = []string{
	"sqlmap", "nikto", "nmap", "masscan", "zgrab", "gobuster",
	"dirbuster", "wpscan", "metasploit", "hydra",
}

var injectionFragments = []string{
	"union select", "or 1=1", "' or '", "; drop table",
	"<script", "javascript:", "onerror=",
}

var traversalFragments = []string{
	"../", "..\\", "/etc/passwd", "/etc/shadow", "%2e%2e%2f",
	"/proc/self",
}

// Inspect examines a request for known attack traits. It is
// deliberately cheap: substring checks only, run on every request.
func Inspect(r *http.Request) []Anomaly {
	var found []Anomaly

	ua := strings.ToLower(r.UserAgent())
	for _, agent := range scannerAgents {
		if strings.Contains(ua, agent) {
			found = append(found, Anomaly{
				Type:     "scanner_user_agent",
				Severity: "high",
				Detail:   agent,
			})
			break
		}
	}
	if ua == "" {
		found = append(found, Anomaly{
			Type:     "missing_user_agent",
			Severity: "low",
		})
	}

	target := strings.ToLower(r.URL.Path)
	if r.URL.RawQuery != "" {
		target += "?" + strings.ToLower(r.URL.RawQuery)
	}
	for _, frag := range traversalFragments {
		if strings.Contains(target, frag) {
			found = append(found, Anomaly{
				Type:     "path_traversal",
				Severity: "critical",
				Detail:   frag,
			})
			break
		}
	}
	for _, frag := range injectionFragments {
		if strings.Contains(target, frag) {
			found = append(found, Anomaly{
				Type:     "injection_attempt",
				Severity: "critical",
				Detail:   frag,
			})
			break
		}
	}

	return found
}

// worstSeverity returns the most severe entry in a set of anomalies
func worstSeverity(anomalies []Anomaly) string {
	rank := map[string]int{"low": 0, "medium": 1, "high": 2, "critical": 3}
	worst := "low"
	for _, a := range anomalies {
		if rank[a.Severity] > rank[worst] {
			worst = a.Severity
		}
	}
	return worst
}
