// Package app wires the shared runtime stack used by the api, worker, monitor and
// fleetctl binaries.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"fleet-orchestrator/internal/alert"
	"fleet-orchestrator/internal/api"
	"fleet-orchestrator/internal/batch"
	"fleet-orchestrator/internal/cache"
	"fleet-orchestrator/internal/config"
	"fleet-orchestrator/internal/health"
	"fleet-orchestrator/internal/metrics"
	"fleet-orchestrator/internal/models"
	"fleet-orchestrator/internal/orchestrator"
	"fleet-orchestrator/internal/queue"
	"fleet-orchestrator/internal/ratelimit"
	"fleet-orchestrator/internal/report"
	"fleet-orchestrator/internal/store"
	"fleet-orchestrator/internal/telemetry"
)

// Alert channel names registered on every engine.
const (
	ChannelLog       = "log"
	ChannelDashboard = "dashboard"
	ChannelWebhook   = "webhook"
)

// Stack holds the long-lived collaborators of one process.
type Stack struct {
	Config  config.Config
	Log     *logrus.Logger
	Redis   redis.UniversalClient
	Store   *store.Store // nil when POSTGRES_DSN is empty
	Orch    *orchestrator.Orchestrator
	Metrics *metrics.Store
	Alerts  *alert.Engine
	Monitor *health.Monitor
	Reports *report.Generator
}

// NewRedis builds the shared Redis client.
func NewRedis(cfg config.Config) redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.RedisAddr},
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// Open connects to Redis and, when configured, Postgres, then builds every
// component on top of them.
func Open(ctx context.Context, cfg config.Config, log *logrus.Logger) (*Stack, error) {
	client := NewRedis(cfg)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	s := &Stack{Config: cfg, Log: log, Redis: client}
	if cfg.PostgresDSN != "" {
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			_ = client.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		s.Store = st
	}
	s.build()
	return s, nil
}

// build assembles the components. It is split from Open so tests can run it
// against miniredis without Postgres.
func (s *Stack) build() {
	cfg, log := s.Config, s.Log

	deps := orchestrator.Deps{
		Log:            log.WithField("component", "orchestrator"),
		JobObservers:   []queue.Observer{telemetry.JobObserver{}},
		BatchObservers: []batch.Observer{telemetry.BatchObserver{}},
	}
	if s.Store != nil {
		deps.Auditor = s.Store
	}
	s.Orch = orchestrator.New(s.Redis, cfg, deps)

	s.Metrics = metrics.NewStore(s.Redis,
		metrics.WithKeyPrefix(cfg.KeyPrefix),
		metrics.WithRetention(cfg.MetricsRetention),
		metrics.WithLogger(log.WithField("component", "metrics")),
	)

	alertOpts := []alert.Option{
		alert.WithKeyPrefix(cfg.KeyPrefix),
		alert.WithRuleTTL(cfg.RuleTTL),
		alert.WithLogger(log.WithField("component", "alert")),
		alert.WithSink(ChannelLog, alert.LogSink{Log: log.WithField("component", "alert")}),
		alert.WithSink(ChannelDashboard, alert.NewPublishSink(s.Redis, cfg.KeyPrefix)),
	}
	if cfg.AlertWebhookURL != "" {
		alertOpts = append(alertOpts, alert.WithSink(ChannelWebhook, alert.NewWebhookSink(cfg.AlertWebhookURL, cfg.ProbeTimeout)))
	}
	if s.Store != nil {
		alertOpts = append(alertOpts, alert.WithArchive(s.Store))
	}
	s.Alerts = alert.NewEngine(s.Redis, alertOpts...)

	s.Monitor = health.NewMonitor(health.NewHTTPProbe(&http.Client{}),
		health.WithResources(health.ResourcesFromConfig(cfg.Resources)...),
		health.WithQueueProbe(health.NewQueueProbe(s.Orch.Queue())),
		health.WithRecorder(s.Metrics),
		health.WithCache(cache.NewRedis[models.HealthSnapshot](s.Redis, cfg.KeyPrefix+":health", cfg.ResourcePollInterval)),
		health.WithObserver(s.Alerts),
		health.WithIntervals(cfg.ResourcePollInterval, cfg.QueuePollInterval),
		health.WithProbeLimits(cfg.ProbeTimeout, cfg.ProbeConcurrency),
		health.WithLogger(log.WithField("component", "health")),
	)

	var alerts report.AlertSource = s.Alerts
	if s.Store != nil {
		alerts = archivedAlerts{s.Store}
	}
	s.Reports = report.NewGenerator(s.Orch.Queue(), s.Metrics, alerts, log.WithField("component", "report"))
}

// archivedAlerts reads report alerts from Postgres, which outlives the Redis timeline.
type archivedAlerts struct{ st *store.Store }

func (a archivedAlerts) Events(ctx context.Context, from, to time.Time) ([]models.AlertEvent, error) {
	return a.st.AlertEvents(ctx, from, to)
}

// APIDeps returns the operator collaborators of the HTTP API. The exporter is
// optional; a failure to build it only disables export.
func (s *Stack) APIDeps(ctx context.Context) api.Deps {
	deps := api.Deps{
		Health:  s.Monitor,
		Alerts:  s.Alerts,
		Reports: s.Reports,
		Limiter: ratelimit.NewTokenBucket(s.Redis, s.Config.RateLimitCapacity, s.Config.RateLimitRefill,
			ratelimit.WithKeyPrefix(s.Config.KeyPrefix)),
		Log: s.Log.WithField("component", "api"),
	}
	if s.Store != nil {
		deps.Auditor = s.Store
	}
	exp, err := report.NewExporter(ctx, s.Config)
	if err != nil {
		s.Log.WithError(err).Warn("report export disabled")
	} else {
		deps.Exporter = exp
	}
	return deps
}

// Close releases the connections opened by Open.
func (s *Stack) Close() {
	if s.Store != nil {
		s.Store.Close()
	}
	_ = s.Redis.Close()
}
