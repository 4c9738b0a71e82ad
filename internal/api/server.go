// Package api exposes job submission and the operational surface over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"fleet-orchestrator/internal/alert"
	"fleet-orchestrator/internal/batch"
	"fleet-orchestrator/internal/config"
	"fleet-orchestrator/internal/logging"
	"fleet-orchestrator/internal/models"
	"fleet-orchestrator/internal/orchestrator"
	"fleet-orchestrator/internal/queue"
	"fleet-orchestrator/internal/ratelimit"
	"fleet-orchestrator/internal/report"
	"fleet-orchestrator/internal/retry"
	"fleet-orchestrator/internal/telemetry"
)

// HealthService is the monitor as seen by the API.
type HealthService interface {
	Snapshot(ctx context.Context) (models.HealthSnapshot, error)
	Refresh(ctx context.Context) (models.HealthSnapshot, error)
}

// AlertService is the alert engine as seen by the API.
type AlertService interface {
	ConfigureRule(ctx context.Context, rule models.AlertRule) (models.AlertRule, error)
	DeleteRule(ctx context.Context, name string) error
	Rules(ctx context.Context) ([]models.AlertRule, error)
	History(ctx context.Context, limit int) ([]models.AlertEvent, error)
}

// ReportService generates period reports.
type ReportService interface {
	Generate(ctx context.Context, from, to time.Time) (report.Report, error)
}

// Limiter admits submissions per tenant.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Deps are the optional collaborators of the server. Routes whose collaborator is
// missing answer 501.
type Deps struct {
	Health   HealthService
	Alerts   AlertService
	Reports  ReportService
	Exporter report.Exporter
	Limiter  Limiter
	Auditor  retry.Auditor
	AlertHub http.Handler
	Log      logrus.FieldLogger
}

// Server wires HTTP handlers for the producer and operator API.
type Server struct {
	cfg  config.Config
	orch *orchestrator.Orchestrator
	deps Deps
	log  logrus.FieldLogger
}

// New constructs the API server.
func New(cfg config.Config, orch *orchestrator.Orchestrator, deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = logging.Discard()
	}
	return &Server{cfg: cfg, orch: orch, deps: deps, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleLiveness)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleEnqueue)
		r.Get("/{id}", s.handleGetJob)
		r.Post("/{id}/cancel", s.handleCancelJob)
	})
	r.Route("/batches", func(r chi.Router) {
		r.Post("/", s.handleSubmitBatch)
		r.Get("/{id}", s.handleGetBatch)
		r.Post("/{id}/cancel", s.handleCancelBatch)
	})
	r.Route("/dlq", func(r chi.Router) {
		r.Get("/", s.handleDLQ)
		r.Post("/{id}/replay", s.handleReplay)
		r.Post("/purge", s.handlePurge)
	})

	r.Get("/health/fleet", s.handleFleetHealth)
	r.Post("/health/refresh", s.handleRefresh)

	r.Route("/alerts", func(r chi.Router) {
		r.Get("/rules", s.handleListRules)
		r.Put("/rules/{name}", s.handlePutRule)
		r.Delete("/rules/{name}", s.handleDeleteRule)
		r.Get("/history", s.handleAlertHistory)
	})
	r.Get("/reports", s.handleReport)
	if s.deps.AlertHub != nil {
		r.Handle("/ws/alerts", s.deps.AlertHub)
	}
	return r
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Queue().Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// audit records an operator action; failures only log.
func (s *Server) audit(ctx context.Context, jobID, event, actor, detail string) {
	s.log.WithFields(logrus.Fields{"event": event, "actor": actor, "job_id": jobID}).Info("operator action")
	if s.deps.Auditor == nil {
		return
	}
	err := s.deps.Auditor.AppendAudit(ctx, models.AuditLog{JobID: jobID, Event: event, Actor: actor, Detail: detail, Recorded: time.Now().UTC()})
	if err != nil {
		s.log.WithError(err).WithField("event", event).Warn("audit write failed")
	}
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func actorFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Actor"); v != "" {
		return v
	}
	return "api"
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps domain errors onto status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, queue.ErrInvalidJob), errors.Is(err, batch.ErrEmptyBatch),
		errors.Is(err, alert.ErrInvalidRule), errors.Is(err, alert.ErrUnknownChannel),
		errors.Is(err, report.ErrInvalidPeriod):
		code = http.StatusBadRequest
	case errors.Is(err, queue.ErrJobNotFound), errors.Is(err, queue.ErrNotDeadLettered),
		errors.Is(err, batch.ErrBatchNotFound), errors.Is(err, alert.ErrRuleNotFound):
		code = http.StatusNotFound
	case errors.Is(err, queue.ErrNotPending), errors.Is(err, queue.ErrNotRunning), errors.Is(err, queue.ErrConflict):
		code = http.StatusConflict
	case errors.Is(err, queue.ErrQueueFull), errors.Is(err, queue.ErrStoreUnavailable):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		s.log.WithError(err).Error("request failed")
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func notConfigured(w http.ResponseWriter, what string) {
	writeJSON(w, http.StatusNotImplemented, errorResponse{Error: what + " is not configured on this instance"})
}
