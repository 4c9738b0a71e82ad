package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"fleet-orchestrator/internal/models"
	"fleet-orchestrator/internal/report"
)

func (s *Server) handleFleetHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		notConfigured(w, "health monitor")
		return
	}
	snap, err := s.deps.Health.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		notConfigured(w, "health monitor")
		return
	}
	snap, err := s.deps.Health.Refresh(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.audit(r.Context(), "", "health_refreshed", actorFromRequest(r), "")
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		notConfigured(w, "alert engine")
		return
	}
	rules, err := s.deps.Alerts.Rules(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

type ruleRequest struct {
	Metric         string            `json:"metric"`
	Resource       string            `json:"resource"`
	Comparison     models.Comparison `json:"comparison"`
	Threshold      float64           `json:"threshold"`
	Severity       models.Severity   `json:"severity"`
	CooldownSecs   int               `json:"cooldown_seconds"`
	Channels       []string          `json:"channels"`
	NotifyResolved bool              `json:"notify_resolved"`
	Disabled       bool              `json:"disabled"`
}

func (s *Server) handlePutRule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		notConfigured(w, "alert engine")
		return
	}
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}
	rule, err := s.deps.Alerts.ConfigureRule(r.Context(), models.AlertRule{
		Name:           chi.URLParam(r, "name"),
		Metric:         req.Metric,
		Resource:       req.Resource,
		Comparison:     req.Comparison,
		Threshold:      req.Threshold,
		Severity:       req.Severity,
		Cooldown:       time.Duration(req.CooldownSecs) * time.Second,
		Channels:       req.Channels,
		NotifyResolved: req.NotifyResolved,
		Disabled:       req.Disabled,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.audit(r.Context(), "", "rule_configured", actorFromRequest(r), rule.Name)
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		notConfigured(w, "alert engine")
		return
	}
	name := chi.URLParam(r, "name")
	if err := s.deps.Alerts.DeleteRule(r.Context(), name); err != nil {
		s.writeError(w, err)
		return
	}
	s.audit(r.Context(), "", "rule_deleted", actorFromRequest(r), name)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		notConfigured(w, "alert engine")
		return
	}
	events, err := s.deps.Alerts.History(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleReport builds the report for ?from=&to= (RFC 3339). With export=true the
// report is also uploaded and its location returned.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reports == nil {
		notConfigured(w, "reporting")
		return
	}
	q := r.URL.Query()
	to := time.Now().UTC()
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "to: " + err.Error()})
			return
		}
		to = t
	}
	from := to.Add(-24 * time.Hour)
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "from: " + err.Error()})
			return
		}
		from = t
	}

	rep, err := s.deps.Reports.Generate(r.Context(), from, to)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if q.Get("export") != "true" {
		writeJSON(w, http.StatusOK, rep)
		return
	}
	if s.deps.Exporter == nil {
		notConfigured(w, "report export")
		return
	}
	location, err := report.Export(r.Context(), s.deps.Exporter, rep)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.audit(r.Context(), "", "report_exported", actorFromRequest(r), location)
	writeJSON(w, http.StatusOK, map[string]any{"location": location, "report": rep})
}
