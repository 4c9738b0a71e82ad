// Package health probes monitored resources and the job queue, scores them against
// two-tier thresholds and folds the results into a fleet snapshot.
package health

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"fleet-orchestrator/internal/cache"
	"fleet-orchestrator/internal/logging"
	"fleet-orchestrator/internal/models"
	"fleet-orchestrator/internal/telemetry"
)

const snapshotKey = "snapshot"

// Recorder persists samples; *metrics.Store satisfies it.
type Recorder interface {
	RecordMany(ctx context.Context, resource string, values map[string]float64, at time.Time) error
}

// SnapshotObserver is notified after every poll.
type SnapshotObserver interface {
	OnSnapshot(ctx context.Context, snap models.HealthSnapshot)
}

// SnapshotObserverFunc adapts a function to SnapshotObserver.
type SnapshotObserverFunc func(ctx context.Context, snap models.HealthSnapshot)

func (f SnapshotObserverFunc) OnSnapshot(ctx context.Context, snap models.HealthSnapshot) { f(ctx, snap) }

// Monitor runs the polling loops and owns the latest snapshot.
type Monitor struct {
	resources  []Resource
	provider   MetricsProvider
	queueProbe MetricsProvider
	thresholds Thresholds
	recorder   Recorder
	cache      cache.Cache[models.HealthSnapshot]
	observers  []SnapshotObserver

	resourceEvery time.Duration
	queueEvery    time.Duration
	timeout       time.Duration
	concurrency   int

	now func() time.Time
	log logrus.FieldLogger

	mu   sync.Mutex
	last models.HealthSnapshot
	seq  uint64

	// notifyMu orders cache writes and observer calls; delivered is the seq of the
	// last snapshot handed out.
	notifyMu  sync.Mutex
	delivered uint64

	resourcePolling atomic.Bool
	queuePolling    atomic.Bool
	refreshes       singleflight.Group
}

type Option func(*Monitor)

func WithResources(rs ...Resource) Option {
	return func(m *Monitor) { m.resources = append(m.resources, rs...) }
}

// WithQueueProbe adds the queue pseudo-resource, polled on its own interval.
func WithQueueProbe(p MetricsProvider) Option {
	return func(m *Monitor) { m.queueProbe = p }
}

func WithThresholds(t Thresholds) Option {
	return func(m *Monitor) {
		if t != nil {
			m.thresholds = t
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(m *Monitor) { m.recorder = r }
}

func WithCache(c cache.Cache[models.HealthSnapshot]) Option {
	return func(m *Monitor) { m.cache = c }
}

func WithObserver(o SnapshotObserver) Option {
	return func(m *Monitor) {
		if o != nil {
			m.observers = append(m.observers, o)
		}
	}
}

// WithIntervals sets the resource and queue poll periods. Defaults 60s and 5s.
func WithIntervals(resources, queue time.Duration) Option {
	return func(m *Monitor) {
		if resources > 0 {
			m.resourceEvery = resources
		}
		if queue > 0 {
			m.queueEvery = queue
		}
	}
}

// WithProbeLimits bounds each probe and the number running at once.
func WithProbeLimits(timeout time.Duration, concurrency int) Option {
	return func(m *Monitor) {
		if timeout > 0 {
			m.timeout = timeout
		}
		if concurrency > 0 {
			m.concurrency = concurrency
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(m *Monitor) {
		if log != nil {
			m.log = log
		}
	}
}

func NewMonitor(provider MetricsProvider, opts ...Option) *Monitor {
	m := &Monitor{
		provider:      provider,
		thresholds:    DefaultThresholds(),
		resourceEvery: time.Minute,
		queueEvery:    5 * time.Second,
		timeout:       10 * time.Second,
		concurrency:   8,
		now:           time.Now,
		log:           logging.Discard(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.last.Resources = map[string]models.HealthScore{}
	return m
}

// Resources returns the monitored resource list.
func (m *Monitor) Resources() []Resource {
	return append([]Resource(nil), m.resources...)
}

// Run polls until ctx is cancelled. Both loops poll once immediately. A tick that
// arrives while the previous poll of the same kind is still running is skipped.
func (m *Monitor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	tick := func(flag *atomic.Bool, kind string, poll func(context.Context)) {
		if !flag.CompareAndSwap(false, true) {
			m.log.WithField("poll", kind).Debug("previous poll still running, skipping tick")
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer flag.Store(false)
			poll(ctx)
		}()
	}

	resources := time.NewTicker(m.resourceEvery)
	defer resources.Stop()
	var queueC <-chan time.Time
	if m.queueProbe != nil {
		qt := time.NewTicker(m.queueEvery)
		defer qt.Stop()
		queueC = qt.C
		tick(&m.queuePolling, "queue", m.pollQueue)
	}
	tick(&m.resourcePolling, "resources", m.pollResources)

	m.log.WithFields(logrus.Fields{
		"resources":      len(m.resources),
		"resource_every": m.resourceEvery.String(),
		"queue_every":    m.queueEvery.String(),
	}).Info("health monitor started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-resources.C:
			tick(&m.resourcePolling, "resources", m.pollResources)
		case <-queueC:
			tick(&m.queuePolling, "queue", m.pollQueue)
		}
	}
}

// Snapshot returns the cached snapshot, polling when the cache has expired.
func (m *Monitor) Snapshot(ctx context.Context) (models.HealthSnapshot, error) {
	if m.cache != nil {
		snap, err := m.cache.Get(ctx, snapshotKey)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, cache.ErrNotFound) {
			m.log.WithError(err).Warn("snapshot cache read failed")
		}
	}
	return m.Refresh(ctx)
}

// Refresh polls every resource and the queue now, bypassing the cache. Concurrent
// callers share one poll.
func (m *Monitor) Refresh(ctx context.Context) (models.HealthSnapshot, error) {
	v, err, _ := m.refreshes.Do("refresh", func() (any, error) {
		scores := m.probeResources(ctx)
		var qs *models.HealthScore
		if m.queueProbe != nil {
			s := m.probeQueue(ctx)
			qs = &s
		}
		return m.publish(ctx, scores, qs, true), nil
	})
	if err != nil {
		return models.HealthSnapshot{}, err
	}
	return v.(models.HealthSnapshot), nil
}

func (m *Monitor) pollResources(ctx context.Context) {
	scores := m.probeResources(ctx)
	if ctx.Err() != nil {
		return
	}
	m.publish(ctx, scores, nil, true)
}

func (m *Monitor) pollQueue(ctx context.Context) {
	s := m.probeQueue(ctx)
	if ctx.Err() != nil {
		return
	}
	m.publish(ctx, nil, &s, false)
}

// probeResources fans probes out over a bounded pool. Each probe gets its own
// deadline; one that overruns is abandoned and scored as failed.
func (m *Monitor) probeResources(ctx context.Context) []models.HealthScore {
	out := make([]models.HealthScore, len(m.resources))
	g := new(errgroup.Group)
	g.SetLimit(m.concurrency)
	for i, r := range m.resources {
		g.Go(func() error {
			out[i] = m.probe(ctx, m.provider, r)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (m *Monitor) probeQueue(ctx context.Context) models.HealthScore {
	return m.probe(ctx, m.queueProbe, Resource{ID: models.ResourceQueue})
}

func (m *Monitor) probe(ctx context.Context, p MetricsProvider, r Resource) models.HealthScore {
	type result struct {
		metrics map[string]float64
		err     error
	}
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		metrics, err := p.Collect(pctx, r)
		done <- result{metrics, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-pctx.Done():
		res.err = ErrProbeTimeout
	}
	at := m.now()
	if res.err != nil {
		telemetry.ProbeFailures.WithLabelValues(r.ID).Inc()
		m.log.WithError(res.err).WithField("resource", r.ID).Warn("probe failed")
		return ProbeFailure(r.ID, res.err, at)
	}
	return m.thresholds.Evaluate(r.ID, res.metrics, at)
}

// publish merges fresh scores into the current snapshot, recomputes the fleet score,
// then persists, caches and fans the snapshot out. replaceResources drops resources
// missing from scores. A snapshot overtaken by a newer one while persisting is recorded
// but never delivered.
func (m *Monitor) publish(ctx context.Context, scores []models.HealthScore, queueScore *models.HealthScore, replaceResources bool) models.HealthSnapshot {
	at := m.now()

	m.mu.Lock()
	snap := models.HealthSnapshot{Resources: make(map[string]models.HealthScore, len(m.last.Resources)), Queue: m.last.Queue}
	if !replaceResources {
		for id, s := range m.last.Resources {
			snap.Resources[id] = s
		}
	}
	for _, s := range scores {
		snap.Resources[s.ResourceID] = s
	}
	if queueScore != nil {
		snap.Queue = queueScore
	}
	statuses := make([]models.HealthStatus, 0, len(snap.Resources)+1)
	for _, s := range snap.Resources {
		statuses = append(statuses, s.Status)
	}
	if snap.Queue != nil {
		statuses = append(statuses, snap.Queue.Status)
	}
	score, status := FleetScore(statuses)
	snap.Fleet = models.HealthScore{ResourceID: models.ResourceFleet, Score: score, Status: status, ComputedAt: at}
	snap.ComputedAt = at
	m.last = snap
	m.seq++
	seq := m.seq
	m.mu.Unlock()

	m.persist(ctx, snap, scores, queueScore)
	m.deliver(ctx, seq, snap)
	return snap
}

func (m *Monitor) deliver(ctx context.Context, seq uint64, snap models.HealthSnapshot) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	if seq <= m.delivered {
		m.log.WithField("computed_at", snap.ComputedAt).Debug("stale snapshot not delivered")
		return
	}
	m.delivered = seq

	if m.cache != nil {
		if err := m.cache.Set(ctx, snapshotKey, snap, m.resourceEvery); err != nil {
			m.log.WithError(err).Warn("snapshot cache write failed")
		}
	}
	for _, o := range m.observers {
		o.OnSnapshot(ctx, snap)
	}
}

func (m *Monitor) persist(ctx context.Context, snap models.HealthSnapshot, scores []models.HealthScore, queueScore *models.HealthScore) {
	fresh := append([]models.HealthScore(nil), scores...)
	if queueScore != nil {
		fresh = append(fresh, *queueScore)
	}
	fresh = append(fresh, snap.Fleet)

	for _, s := range fresh {
		telemetry.HealthScore.WithLabelValues(s.ResourceID).Set(float64(s.Score))
		if m.recorder == nil {
			continue
		}
		values := make(map[string]float64, len(s.Metrics)+2)
		for k, v := range s.Metrics {
			values[k] = v
		}
		values[models.MetricScore] = float64(s.Score)
		values[models.MetricStatus] = s.Status.Level()
		if err := m.recorder.RecordMany(ctx, s.ResourceID, values, snap.ComputedAt); err != nil {
			m.log.WithError(err).WithField("resource", s.ResourceID).Warn("recording health sample failed")
		}
	}
}
