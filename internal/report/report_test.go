package report

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-orchestrator/internal/alert"
	"fleet-orchestrator/internal/metrics"
	"fleet-orchestrator/internal/models"
	"fleet-orchestrator/internal/queue"
)

func TestGenerate(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	now := start.Add(-48 * time.Hour)
	clock := func() time.Time { return now }

	q := queue.NewRedisQueue(client, queue.WithClock(clock))
	store := metrics.NewStore(client, metrics.WithClock(clock))
	alerts := alert.NewEngine(client, alert.WithClock(clock))

	bury := func(op models.OperationType) {
		t.Helper()
		j, err := q.Enqueue(ctx, models.Job{Queue: "default", Type: op})
		require.NoError(t, err)
		_, ok, err := q.Dequeue(ctx, "default")
		require.NoError(t, err)
		require.True(t, ok)
		_, err = q.Fail(ctx, j.ID, queue.FailTransition{Attempts: 1, Error: "boom", DeadLetter: true, AvailableAt: now})
		require.NoError(t, err)
	}

	bury(models.OpProvisionProxy)
	require.NoError(t, store.Record(ctx, models.HealthMetric{ResourceID: "edge-2", Name: models.MetricScore, Value: 40, RecordedAt: now}))

	now = start.Add(30 * time.Minute)
	_, err := alerts.ConfigureRule(ctx, models.AlertRule{Name: "cpu-high", Metric: models.MetricCPU, Comparison: models.CompareGT, Threshold: 90})
	require.NoError(t, err)
	_, err = alerts.Evaluate(ctx, models.HealthSnapshot{Resources: map[string]models.HealthScore{
		"edge-1": {ResourceID: "edge-1", Metrics: map[string]float64{models.MetricCPU: 99}},
	}})
	require.NoError(t, err)

	now = start.Add(time.Hour)
	bury(models.OpVerifyPayment)
	require.NoError(t, store.Record(ctx, models.HealthMetric{ResourceID: "edge-1", Name: models.MetricScore, Value: 90, RecordedAt: now}))
	now = start.Add(2 * time.Hour)
	require.NoError(t, store.Record(ctx, models.HealthMetric{ResourceID: "edge-1", Name: models.MetricScore, Value: 70, RecordedAt: now}))
	_, err = q.Enqueue(ctx, models.Job{Queue: "default", Type: models.OpSendNotification})
	require.NoError(t, err)

	now = start.Add(3 * time.Hour)
	g := NewGenerator(q, store, alerts, nil)
	r, err := g.Generate(ctx, start, now)
	require.NoError(t, err)

	require.Len(t, r.Queues, 1)
	assert.Equal(t, int64(1), r.Queues[0].Ready)
	assert.Equal(t, int64(2), r.DeadLetterTotal)
	assert.Equal(t, map[models.OperationType]int{models.OpVerifyPayment: 1}, r.DeadLettered)

	require.Len(t, r.Health, 1)
	assert.Equal(t, "edge-1", r.Health[0].Resource)
	assert.Equal(t, 80.0, r.Health[0].Avg)
	assert.Equal(t, 70.0, r.Health[0].Last)

	assert.Equal(t, 1, r.AlertsFired)
	assert.Equal(t, 0, r.AlertsResolved)

	_, err = g.Generate(ctx, now, start)
	assert.ErrorIs(t, err, ErrInvalidPeriod)
}

func TestLocalExport(t *testing.T) {
	dir := t.TempDir()
	r := Report{
		From:         time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		To:           time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC),
		DeadLettered: map[models.OperationType]int{models.OpRenewSubscription: 3},
	}

	path, err := Export(context.Background(), &LocalExporter{BaseDir: dir}, r)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "reports", "20260801T000000Z_20260802T000000Z.json"), path)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var back Report
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, 3, back.DeadLettered[models.OpRenewSubscription])
}
