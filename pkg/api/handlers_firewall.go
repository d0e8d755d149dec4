package api

import (
	"net/http"

	"github.com/sasewaddle/manager/pkg/metrics"
	"github.com/sasewaddle/manager/pkg/types"
)

func (s *Server) handleRuleAdd(w http.ResponseWriter, r *http.Request) {
	var rule types.AccessRule
	if err := s.decode(r, &rule); err != nil {
		s.writeError(w, err)
		return
	}

	created, err := s.firewall.AddRule(r.Context(), &rule)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusCreated, created)
}

// handleRuleList serves the full-sync export headends poll: every
// user's bundle plus a timestamp and rule count. With ?user_id it
// returns that user's raw rules instead, for rule management.
func (s *Server) handleRuleList(w http.ResponseWriter, r *http.Request) {
	if userID := r.URL.Query().Get("user_id"); userID != "" {
		rules, err := s.firewall.ListRules(userID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeData(w, http.StatusOK, rules)
		return
	}

	export, err := s.firewall.ExportAll(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, export)
}

func (s *Server) handleRuleGet(w http.ResponseWriter, r *http.Request) {
	rule, err := s.firewall.GetRule(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, rule)
}

func (s *Server) handleRuleUpdate(w http.ResponseWriter, r *http.Request) {
	var rule types.AccessRule
	if err := s.decode(r, &rule); err != nil {
		s.writeError(w, err)
		return
	}
	rule.ID = r.PathValue("id")

	updated, err := s.firewall.UpdateRule(r.Context(), &rule)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, updated)
}

func (s *Server) handleRuleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.firewall.DeleteRule(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]string{"deleted": id})
}

// handleRuleBundle serves the categorized per-user rule set headends
// pull on session setup
func (s *Server) handleRuleBundle(w http.ResponseWriter, r *http.Request) {
	bundle, err := s.firewall.ExportUser(r.Context(), r.PathValue("user_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, bundle)
}

func (s *Server) handleAccessCheck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
		Target string `json:"target"`
	}
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	decision, err := s.firewall.CheckAccess(r.Context(), req.UserID, req.Target)
	if err != nil {
		s.writeError(w, err)
		return
	}

	outcome := "deny"
	if decision.Allowed {
		outcome = "allow"
	}
	metrics.AccessChecks.WithLabelValues(outcome).Inc()
	s.writeData(w, http.StatusOK, decision)
}
