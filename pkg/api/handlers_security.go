package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gravitational/trace"

	"github.com/sasewaddle/manager/pkg/metrics"
	"github.com/sasewaddle/manager/pkg/types"
)

const defaultEmergencyDuration = time.Hour

func (s *Server) handleThreatCheck(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("target")
	if target == "" {
		s.writeError(w, trace.BadParameter("target query parameter is required"))
		return
	}

	matches, err := s.checker.Check(r.Context(), target)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if len(matches) > 0 {
		metrics.ThreatHits.Inc()
		if clientIP := r.URL.Query().Get("client_ip"); clientIP != "" {
			if err := s.checker.RecordDetection(clientIP, target, "blocked", matches[0]); err != nil {
				s.logger.Warn().Err(err).Str("target", target).Msg("failed to record threat detection")
			}
		}
	}

	s.writeData(w, http.StatusOK, map[string]interface{}{
		"target":  target,
		"threat":  len(matches) > 0,
		"matches": matches,
	})
}

func (s *Server) handleFeedStatus(w http.ResponseWriter, r *http.Request) {
	status := make(map[string]interface{})
	for _, src := range s.ingestor.Sources() {
		updates, err := s.store.ListFeedUpdatesBySource(src.Name, 1)
		if err != nil {
			s.writeError(w, err)
			return
		}
		var last *types.FeedUpdate
		if len(updates) > 0 {
			last = updates[0]
		}
		status[src.Name] = map[string]interface{}{
			"url":         src.URL,
			"type":        src.IndicatorType,
			"interval":    src.UpdateInterval.String(),
			"last_update": last,
		}
	}
	s.writeData(w, http.StatusOK, status)
}

func (s *Server) handleFeedUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source string `json:"source"`
	}
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Source == "" {
		s.writeError(w, trace.BadParameter("source is required"))
		return
	}

	update, err := s.ingestor.UpdateFeedByName(r.Context(), req.Source)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, update)
}

func (s *Server) handleSecurityEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.ListSecurityEvents(queryLimit(r, 100))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, events)
}

func (s *Server) handleThreatDetections(w http.ResponseWriter, r *http.Request) {
	detections, err := s.store.ListThreatDetections(queryLimit(r, 100))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, detections)
}

func (s *Server) handleBlockedIPs(w http.ResponseWriter, r *http.Request) {
	blocked := s.limiter.BlockedIPs(r.Context())

	out := make(map[string]int64, len(blocked))
	for ip, remaining := range blocked {
		out[ip] = int64(remaining.Seconds())
	}
	metrics.BlockedIPs.Set(float64(len(out)))
	s.writeData(w, http.StatusOK, out)
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IP string `json:"ip"`
	}
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.IP == "" {
		s.writeError(w, trace.BadParameter("ip is required"))
		return
	}

	if err := s.limiter.Unblock(r.Context(), req.IP); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]string{"unblocked": req.IP})
}

func (s *Server) handleRateLimitList(w http.ResponseWriter, r *http.Request) {
	s.writeData(w, http.StatusOK, s.limiter.Rules())
}

func (s *Server) handleRateLimitSave(w http.ResponseWriter, r *http.Request) {
	var rule types.RateLimitRule
	if err := s.decode(r, &rule); err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.limiter.SaveRule(&rule); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, &rule)
}

func (s *Server) handleEmergencyEnable(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DurationSeconds int `json:"duration_seconds"`
	}
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	duration := defaultEmergencyDuration
	if req.DurationSeconds > 0 {
		duration = time.Duration(req.DurationSeconds) * time.Second
	}

	if err := s.limiter.EnableEmergency(r.Context(), duration); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]interface{}{
		"emergency_mode":   true,
		"duration_seconds": int(duration.Seconds()),
	})
}

func (s *Server) handleEmergencyDisable(w http.ResponseWriter, r *http.Request) {
	if err := s.limiter.DisableEmergency(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]interface{}{"emergency_mode": false})
}

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return fallback
	}
	return limit
}
