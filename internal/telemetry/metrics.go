package telemetry

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleet-orchestrator/internal/models"
	"fleet-orchestrator/internal/queue"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "fleet_jobs_enqueued_total", Help: "Total enqueued jobs"}, []string{"queue"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "fleet_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	JobEvents        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "fleet_job_events_total", Help: "Job transitions by kind"}, []string{"queue", "kind"})
	HandlerDuration  = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "fleet_job_duration_seconds", Help: "Handler execution time", Buckets: prometheus.DefBuckets}, []string{"type"})
	BatchesFinished  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "fleet_batches_finished_total", Help: "Batches reaching a terminal state"}, []string{"status"})
	QueueDepthGauge  = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "fleet_queue_depth", Help: "Pending jobs including delayed retries"}, []string{"queue"})
	InFlightGauge    = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "fleet_queue_inflight", Help: "Jobs currently leased"}, []string{"queue"})
	DeadLetterGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "fleet_dead_letters", Help: "Entries in the dead-letter set"})
	HealthScore      = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "fleet_health_score", Help: "Health score per resource"}, []string{"resource"})
	ProbeFailures    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "fleet_probe_failures_total", Help: "Health probes that failed or timed out"}, []string{"resource"})
	AlertsFired      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "fleet_alerts_fired_total", Help: "Alert events fired"}, []string{"rule", "severity"})
	AlertsResolved   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "fleet_alerts_resolved_total", Help: "Alert events resolved"}, []string{"rule"})
	DispatchFailures = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "fleet_alert_dispatch_failures_total", Help: "Notification deliveries that failed"}, []string{"channel"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	register()
	return promhttp.Handler()
}

func register() {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			JobEvents,
			HandlerDuration,
			BatchesFinished,
			QueueDepthGauge,
			InFlightGauge,
			DeadLetterGauge,
			HealthScore,
			ProbeFailures,
			AlertsFired,
			AlertsResolved,
			DispatchFailures,
		)
	})
}

// JobObserver counts queue transitions.
type JobObserver struct{}

func (JobObserver) OnJobEvent(_ context.Context, ev queue.Event) {
	JobEvents.WithLabelValues(ev.Job.Queue, string(ev.Kind)).Inc()
	switch ev.Kind {
	case queue.JobStarted:
		InFlightGauge.WithLabelValues(ev.Job.Queue).Inc()
	case queue.JobCompleted, queue.JobFailed, queue.JobDeadLettered:
		InFlightGauge.WithLabelValues(ev.Job.Queue).Dec()
	}
}

// BatchObserver counts terminal batches by outcome.
type BatchObserver struct{}

func (BatchObserver) OnBatchFinished(_ context.Context, b models.Batch) {
	BatchesFinished.WithLabelValues(string(b.Status)).Inc()
}
