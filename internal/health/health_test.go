package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-orchestrator/internal/cache"
	"fleet-orchestrator/internal/metrics"
	"fleet-orchestrator/internal/models"
	"fleet-orchestrator/internal/queue"
)

var testNow = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func newRedis(t *testing.T) (redis.UniversalClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestFleetScore(t *testing.T) {
	cases := []struct {
		name     string
		statuses []models.HealthStatus
		score    int
		status   models.HealthStatus
	}{
		{"all healthy", []models.HealthStatus{models.HealthHealthy, models.HealthHealthy}, 100, models.HealthHealthy},
		{"one warning", []models.HealthStatus{models.HealthHealthy, models.HealthWarning}, 90, models.HealthHealthy},
		{"exactly seventy is not healthy", []models.HealthStatus{models.HealthHealthy, models.HealthHealthy, models.HealthWarning, models.HealthUnhealthy}, 70, models.HealthWarning},
		{"forty is unhealthy", []models.HealthStatus{models.HealthUnhealthy, models.HealthUnhealthy, models.HealthUnhealthy}, 40, models.HealthUnhealthy},
		{"clamped", []models.HealthStatus{models.HealthUnhealthy, models.HealthUnhealthy, models.HealthUnhealthy, models.HealthUnhealthy, models.HealthUnhealthy, models.HealthUnhealthy}, 0, models.HealthUnhealthy},
		{"unknown costs nothing", []models.HealthStatus{models.HealthUnknown}, 100, models.HealthHealthy},
		{"empty fleet", nil, 100, models.HealthHealthy},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			score, status := FleetScore(tc.statuses)
			assert.Equal(t, tc.score, score)
			assert.Equal(t, tc.status, status)
		})
	}
}

func TestEvaluate(t *testing.T) {
	th := DefaultThresholds()

	s := th.Evaluate("edge-1", map[string]float64{
		models.MetricCPU:          95,
		models.MetricMemory:       86,
		models.MetricResponseTime: 1200,
		models.MetricDisk:         20,
		"uptime_days":             400,
	}, testNow)
	assert.Equal(t, models.HealthUnhealthy, s.Status)
	assert.Equal(t, 60, s.Score)
	require.Len(t, s.Issues, 3)
	assert.Equal(t, models.SeverityCritical, s.Issues[0].Severity)
	assert.Equal(t, models.MetricCPU, s.Issues[0].Metric)
	assert.Equal(t, models.MetricMemory, s.Issues[1].Metric)
	assert.Equal(t, models.MetricResponseTime, s.Issues[2].Metric)

	s = th.Evaluate("edge-2", map[string]float64{models.MetricCPU: 81}, testNow)
	assert.Equal(t, models.HealthWarning, s.Status)
	assert.Equal(t, 90, s.Score)

	// Thresholds are strict: sitting exactly on the limit is fine.
	s = th.Evaluate("edge-3", map[string]float64{models.MetricCPU: 80, models.MetricMemory: 85}, testNow)
	assert.Equal(t, models.HealthHealthy, s.Status)
	assert.Empty(t, s.Issues)
	assert.Equal(t, 100, s.Score)
}

func TestHTTPProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"cpu": 92.5, "memory": 40, "hostname": "edge-1"}`))
		case "/plain":
			_, _ = w.Write([]byte("pong"))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	p := NewHTTPProbe(srv.Client())
	ctx := context.Background()

	got, err := p.Collect(ctx, Resource{ID: "edge-1", URL: srv.URL + "/ok"})
	require.NoError(t, err)
	assert.Equal(t, 92.5, got[models.MetricCPU])
	assert.Equal(t, 40.0, got[models.MetricMemory])
	assert.Contains(t, got, models.MetricResponseTime)
	assert.NotContains(t, got, "hostname")

	got, err = p.Collect(ctx, Resource{ID: "edge-2", URL: srv.URL + "/plain"})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	_, err = p.Collect(ctx, Resource{ID: "edge-3", URL: srv.URL + "/down"})
	assert.ErrorIs(t, err, ErrProbeFailed)
}

func TestRefreshScoresRecordsAndCaches(t *testing.T) {
	ctx := context.Background()
	client, _ := newRedis(t)
	store := metrics.NewStore(client, metrics.WithClock(fixedClock))
	snapshots := cache.NewRedis[models.HealthSnapshot](client, "fleet:health", time.Minute)

	var notified atomic.Int32
	provider := StaticProvider{
		"edge-1": {models.MetricCPU: 40},
		"edge-2": {models.MetricCPU: 85},
		"edge-3": {models.MetricMemory: 99},
	}
	m := NewMonitor(provider,
		WithResources(Resource{ID: "edge-1"}, Resource{ID: "edge-2"}, Resource{ID: "edge-3"}),
		WithRecorder(store),
		WithCache(snapshots),
		WithClock(fixedClock),
		WithObserver(SnapshotObserverFunc(func(context.Context, models.HealthSnapshot) { notified.Add(1) })),
	)

	snap, err := m.Refresh(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Resources, 3)
	assert.Equal(t, models.HealthHealthy, snap.Resources["edge-1"].Status)
	assert.Equal(t, models.HealthWarning, snap.Resources["edge-2"].Status)
	assert.Equal(t, models.HealthUnhealthy, snap.Resources["edge-3"].Status)
	assert.Equal(t, 70, snap.Fleet.Score)
	assert.Equal(t, models.HealthWarning, snap.Fleet.Status)
	assert.Equal(t, int32(1), notified.Load())

	latest, err := store.Latest(ctx, "edge-2")
	require.NoError(t, err)
	values := map[string]float64{}
	for _, s := range latest {
		values[s.Name] = s.Value
	}
	assert.Equal(t, 85.0, values[models.MetricCPU])
	assert.Equal(t, 90.0, values[models.MetricScore])
	assert.Equal(t, 1.0, values[models.MetricStatus])

	fleet, err := store.Latest(ctx, models.ResourceFleet)
	require.NoError(t, err)
	require.NotEmpty(t, fleet)

	// Served from the cache: no new poll, no new notification.
	provider["edge-3"][models.MetricMemory] = 10
	cached, err := m.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.HealthUnhealthy, cached.Resources["edge-3"].Status)
	assert.Equal(t, int32(1), notified.Load())

	// A forced refresh bypasses it.
	fresh, err := m.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.HealthHealthy, fresh.Resources["edge-3"].Status)
	assert.Equal(t, int32(2), notified.Load())
}

func TestSnapshotPollsOnCacheMiss(t *testing.T) {
	client, mr := newRedis(t)
	snapshots := cache.NewRedis[models.HealthSnapshot](client, "fleet:health", time.Minute)
	m := NewMonitor(StaticProvider{}, WithResources(Resource{ID: "edge-1"}), WithCache(snapshots), WithClock(fixedClock))

	snap, err := m.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Contains(t, snap.Resources, "edge-1")

	mr.FastForward(2 * time.Minute)
	_, err = snapshots.Get(context.Background(), snapshotKey)
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestProbeTimeoutIsAbandoned(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	slow := ProviderFunc(func(ctx context.Context, r Resource) (map[string]float64, error) {
		if r.ID == "stuck" {
			// Ignores ctx on purpose.
			<-release
		}
		return map[string]float64{models.MetricCPU: 10}, nil
	})
	m := NewMonitor(slow,
		WithResources(Resource{ID: "stuck"}, Resource{ID: "edge-1"}),
		WithProbeLimits(30*time.Millisecond, 2),
		WithClock(fixedClock),
	)

	start := time.Now()
	snap, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	stuck := snap.Resources["stuck"]
	assert.Equal(t, models.HealthUnhealthy, stuck.Status)
	assert.Equal(t, 0, stuck.Score)
	require.Len(t, stuck.Issues, 1)
	assert.Contains(t, stuck.Issues[0].Message, "probe failed")
	assert.Equal(t, models.HealthHealthy, snap.Resources["edge-1"].Status)
}

func TestProbeErrorIsUnhealthy(t *testing.T) {
	failing := ProviderFunc(func(context.Context, Resource) (map[string]float64, error) {
		return nil, errors.New("connection refused")
	})
	m := NewMonitor(failing, WithResources(Resource{ID: "edge-1"}), WithClock(fixedClock))

	snap, err := m.Refresh(context.Background())
	require.NoError(t, err)
	s := snap.Resources["edge-1"]
	assert.Equal(t, models.HealthUnhealthy, s.Status)
	assert.Equal(t, "probe failed: connection refused", s.Issues[0].Message)
	assert.Equal(t, 80, snap.Fleet.Score)
}

func TestQueueProbe(t *testing.T) {
	ctx := context.Background()
	client, mr := newRedis(t)
	q := queue.NewRedisQueue(client, queue.WithClock(fixedClock))
	for range 3 {
		_, err := q.Enqueue(ctx, models.Job{Queue: "default", Type: models.OpCollectMetrics})
		require.NoError(t, err)
	}
	_, ok, err := q.Dequeue(ctx, "default")
	require.NoError(t, err)
	require.True(t, ok)

	m := NewMonitor(StaticProvider{}, WithQueueProbe(NewQueueProbe(q)), WithClock(fixedClock))
	snap, err := m.Refresh(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap.Queue)
	assert.Equal(t, 2.0, snap.Queue.Metrics[models.MetricQueueDepth])
	assert.Equal(t, 1.0, snap.Queue.Metrics[models.MetricRunning])
	assert.Equal(t, 0.0, snap.Queue.Metrics[models.MetricDeadLetters])
	assert.Equal(t, models.HealthHealthy, snap.Queue.Status)

	// The store going away shows up as an unhealthy queue.
	mr.SetError("LOADING")
	snap, err = m.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.HealthUnhealthy, snap.Queue.Status)
	assert.Equal(t, 80, snap.Fleet.Score)
}

func TestRunSkipsOverlappingTicks(t *testing.T) {
	var (
		mu      sync.Mutex
		active  int
		peak    int
		started int
	)
	slow := ProviderFunc(func(ctx context.Context, _ Resource) (map[string]float64, error) {
		mu.Lock()
		active++
		started++
		peak = max(peak, active)
		mu.Unlock()
		time.Sleep(40 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return map[string]float64{}, nil
	})
	m := NewMonitor(slow, WithResources(Resource{ID: "edge-1"}), WithIntervals(5*time.Millisecond, 0))

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Run(ctx), context.DeadlineExceeded)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, peak)
	assert.GreaterOrEqual(t, started, 2)
	assert.LessOrEqual(t, started, 5)
}

// gatedRecorder blocks the first write until released.
type gatedRecorder struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedRecorder) RecordMany(context.Context, string, map[string]float64, time.Time) error {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return nil
}

func TestOvertakenSnapshotIsNotDelivered(t *testing.T) {
	ctx := context.Background()
	rec := &gatedRecorder{entered: make(chan struct{}), release: make(chan struct{})}

	var mu sync.Mutex
	var delivered []models.HealthSnapshot
	tick := testNow
	m := NewMonitor(StaticProvider{"edge-1": {models.MetricCPU: 40}},
		WithResources(Resource{ID: "edge-1"}),
		WithQueueProbe(ProviderFunc(func(context.Context, Resource) (map[string]float64, error) {
			return map[string]float64{models.MetricQueueDepth: 3}, nil
		})),
		WithRecorder(rec),
		WithClock(func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			tick = tick.Add(time.Second)
			return tick
		}),
		WithObserver(SnapshotObserverFunc(func(_ context.Context, snap models.HealthSnapshot) {
			mu.Lock()
			delivered = append(delivered, snap)
			mu.Unlock()
		})),
	)

	// The resource poll stalls while persisting; the queue poll publishes after it.
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.pollResources(ctx)
	}()
	<-rec.entered
	m.pollQueue(ctx)
	close(rec.release)
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delivered, 1)
	assert.NotNil(t, delivered[0].Queue, "the newer snapshot carries the queue score")
	assert.Contains(t, delivered[0].Resources, "edge-1")
}
