package feeds

import (
	"time"

	"github.com/sasewaddle/manager/pkg/config"
)

// DefaultSources is the built-in feed set used when the configuration
// does not override it
func DefaultSources() []config.FeedSource {
	return []config.FeedSource{
		{
			Name:           "blackweb_domains",
			URL:            "https://raw.githubusercontent.com/maravento/blackweb/master/blackweb.txt",
			IndicatorType:  "domain",
			ThreatTypes:    []string{"malware", "phishing"},
			Confidence:     85,
			UpdateInterval: time.Hour,
		},
		{
			Name:           "blackweb_ips",
			URL:            "https://raw.githubusercontent.com/maravento/blackweb/master/blackip.txt",
			IndicatorType:  "ip",
			ThreatTypes:    []string{"malware", "botnet"},
			Confidence:     85,
			UpdateInterval: time.Hour,
		},
		{
			Name:           "spamhaus_drop",
			URL:            "https://www.spamhaus.org/drop/drop.txt",
			IndicatorType:  "ip",
			ThreatTypes:    []string{"botnet", "spam"},
			Confidence:     95,
			UpdateInterval: 30 * time.Minute,
		},
		{
			Name:           "spamhaus_edrop",
			URL:            "https://www.spamhaus.org/drop/edrop.txt",
			IndicatorType:  "ip",
			ThreatTypes:    []string{"botnet", "spam"},
			Confidence:     95,
			UpdateInterval: 30 * time.Minute,
		},
	}
}
