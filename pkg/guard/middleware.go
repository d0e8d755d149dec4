package guard

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/sasewaddle/manager/pkg/config"
	"github.com/sasewaddle/manager/pkg/types"
)

// Middleware wraps an HTTP handler with rate limiting and anomaly
// detection. Blocked or limited requests get a JSON error with a
// Retry-After header; anomalous requests are blocked by severity.
func Middleware(limiter *Limiter, cfg config.GuardConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			ip := ClientIP(r, cfg.TrustedProxies)

			if anomalies := Inspect(r); len(anomalies) > 0 {
				severity := worstSeverity(anomalies)
				limiter.RecordEvent(&types.SecurityEvent{
					EventType: anomalies[0].Type,
					IPAddress: ip,
					Endpoint:  r.URL.Path,
					UserAgent: r.UserAgent(),
					Severity:  severity,
					Details:   anomalyDetails(anomalies),
				})
				if severity != "low" {
					limiter.Block(r.Context(), ip, BlockDurationFor(severity), anomalies[0].Type)
					writeGuardError(w, http.StatusForbidden, "request blocked", 0)
					return
				}
			}

			result := limiter.Allow(r.Context(), ip, r.URL.Path)
			if !result.Allowed {
				status := http.StatusTooManyRequests
				msg := "rate limit exceeded"
				if result.Blocked {
					msg = "ip temporarily blocked"
				}
				writeGuardError(w, status, msg, result.RetryAfter.Seconds())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP extracts the caller address. Forwarding headers are only
// honored when the direct peer is a trusted proxy; otherwise a client
// could spoof its way past per-IP limits.
func ClientIP(r *http.Request, trustedProxies []string) string {
	peer := remoteHost(r)

	if isTrustedProxy(peer, trustedProxies) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			if len(parts) > 0 {
				return strings.TrimSpace(parts[0])
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}
	return peer
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isTrustedProxy(ip string, trusted []string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, cidr := range trusted {
		if matchCIDR(parsed, cidr) {
			return true
		}
	}
	return false
}

// matchCIDR checks if an IP matches a CIDR range or single address
func matchCIDR(ip net.IP, cidr string) bool {
	if !strings.Contains(cidr, "/") {
		parsedIP := net.ParseIP(cidr)
		if parsedIP == nil {
			return false
		}
		return ip.Equal(parsedIP)
	}

	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return false
	}
	return ipNet.Contains(ip)
}

func anomalyDetails(anomalies []Anomaly) map[string]string {
	details := make(map[string]string, len(anomalies))
	for i, a := range anomalies {
		key := a.Type
		if i > 0 {
			key = fmt.Sprintf("%s_%d", a.Type, i)
		}
		details[key] = a.Detail
	}
	return details
}

func writeGuardError(w http.ResponseWriter, status int, msg string, retryAfter float64) {
	w.Header().Set("Content-Type", "application/json")
	if retryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter))
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":  msg,
		"status": status,
	})
}
