package api

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"fleet-orchestrator/internal/batch"
	"fleet-orchestrator/internal/models"
	"fleet-orchestrator/internal/orchestrator"
	"fleet-orchestrator/internal/telemetry"
)

type enqueueRequest struct {
	Type         models.OperationType `json:"type"`
	Payload      json.RawMessage      `json:"payload"`
	Queue        string               `json:"queue"`
	Priority     int                  `json:"priority"`
	DelaySeconds int                  `json:"delay_seconds"`
	MaxAttempts  int                  `json:"max_attempts"`
}

func (req enqueueRequest) options(tenant string) orchestrator.EnqueueOptions {
	return orchestrator.EnqueueOptions{
		Queue:       req.Queue,
		Priority:    req.Priority,
		Delay:       time.Duration(req.DelaySeconds) * time.Second,
		MaxAttempts: req.MaxAttempts,
		Tenant:      tenant,
	}
}

// admit applies the per-tenant rate limit. It writes the rejection itself and
// reports whether the request may proceed.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, tenant string) bool {
	if s.deps.Limiter == nil {
		return true
	}
	d, err := s.deps.Limiter.Allow(r.Context(), tenant)
	if err != nil {
		s.log.WithError(err).Warn("rate limiter unavailable")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "rate limiter unavailable"})
		return false
	}
	if !d.Allowed {
		telemetry.RateLimitRejects.Inc()
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limited"})
		return false
	}
	return true
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}
	tenant := tenantFromRequest(r)
	if !s.admit(w, r, tenant) {
		return
	}
	job, err := s.orch.Enqueue(r.Context(), req.Type, req.Payload, req.options(tenant))
	if err != nil {
		s.writeError(w, err)
		return
	}
	telemetry.EnqueueCounter.WithLabelValues(job.Queue).Inc()
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.Job(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.orch.CancelJob(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.audit(r.Context(), id, "cancelled", actorFromRequest(r), "cancel requested via API")
	writeJSON(w, http.StatusOK, job)
}

type batchRequest struct {
	Name          string           `json:"name"`
	AllowFailures bool             `json:"allow_failures"`
	Pipeline      bool             `json:"pipeline"`
	Jobs          []enqueueRequest `json:"jobs"`
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}
	tenant := tenantFromRequest(r)
	if !s.admit(w, r, tenant) {
		return
	}
	items := make([]orchestrator.BatchJob, 0, len(req.Jobs))
	for _, j := range req.Jobs {
		items = append(items, orchestrator.BatchJob{Operation: j.Type, Payload: j.Payload, Options: j.options(tenant)})
	}
	b, err := s.orch.SubmitBatch(r.Context(), items, batch.Options{
		Name:          req.Name,
		AllowFailures: req.AllowFailures,
		Pipeline:      req.Pipeline,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	for _, j := range req.Jobs {
		telemetry.EnqueueCounter.WithLabelValues(queueName(j.Queue)).Inc()
	}
	writeJSON(w, http.StatusAccepted, b)
}

func queueName(q string) string {
	if q == "" {
		return models.DefaultQueue
	}
	return q
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	b, err := s.orch.Batch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	b, err := s.orch.CancelBatch(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.audit(r.Context(), "", "batch_cancelled", actorFromRequest(r), "batch="+id)
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 100)
	items, err := s.orch.Retry().DeadLetters(r.Context(), int64(offset), int64(limit))
	if err != nil {
		s.writeError(w, err)
		return
	}
	total, err := s.orch.Queue().DeadLetterCount(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.Retry().Replay(r.Context(), chi.URLParam(r, "id"), actorFromRequest(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "older_than_days", -1)
	if days < 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "older_than_days must be a non-negative integer"})
		return
	}
	n, err := s.orch.Retry().Purge(r.Context(), time.Duration(days)*24*time.Hour, actorFromRequest(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purged": n, "older_than": fmt.Sprintf("%dd", days)})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
