package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-orchestrator/internal/config"
	"fleet-orchestrator/internal/metrics"
	"fleet-orchestrator/internal/models"
	"fleet-orchestrator/internal/queue"
	"fleet-orchestrator/internal/retry"
)

func noop(context.Context) error { return nil }

func TestNewValidatesTasks(t *testing.T) {
	_, err := New(nil, Task{Name: "bad", Schedule: "every tuesday", Run: noop})
	assert.Error(t, err)

	_, err = New(nil, Task{Name: "a", Schedule: "@hourly", Run: noop}, Task{Name: "a", Schedule: "@daily", Run: noop})
	assert.ErrorContains(t, err, "duplicate")

	_, err = New(nil, Task{Name: "a", Schedule: "@hourly"})
	assert.Error(t, err)

	s, err := New(nil, Task{Name: "a", Schedule: "0 * * * *", Run: noop})
	require.NoError(t, err)
	next, err := s.Next("a", time.Date(2026, 1, 1, 10, 15, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC), next)

	assert.ErrorIs(t, s.RunNow(context.Background(), "b"), ErrUnknownTask)
}

func TestRunNowReportsFailure(t *testing.T) {
	boom := errors.New("boom")
	s, err := New(nil, Task{Name: "a", Schedule: "@hourly", Run: func(context.Context) error { return boom }})
	require.NoError(t, err)
	assert.ErrorIs(t, s.RunNow(context.Background(), "a"), boom)
}

func TestDefaultTasks(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	q := queue.NewRedisQueue(client, queue.WithClock(clock), queue.WithVisibilityTimeout(time.Minute))
	handler := retry.NewHandler(q, retry.DefaultPolicy(), retry.WithClock(clock))
	store := metrics.NewStore(client, metrics.WithClock(clock))

	// One job buried now, one leased and abandoned later.
	dead, err := q.Enqueue(ctx, models.Job{Queue: "default", Type: models.OpVerifyPayment, MaxAttempts: 1})
	require.NoError(t, err)
	_, _, err = q.Dequeue(ctx, "default")
	require.NoError(t, err)
	_, err = handler.HandleFailure(ctx, dead.ID, errors.New("declined"))
	require.NoError(t, err)

	now = now.Add(31 * 24 * time.Hour)
	leased, err := q.Enqueue(ctx, models.Job{Queue: "default", Type: models.OpProvisionProxy})
	require.NoError(t, err)
	_, _, err = q.Dequeue(ctx, "default")
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)

	tasks := DefaultTasks(config.Config{}, handler, q, store, nil)
	s, err := New(nil, tasks...)
	require.NoError(t, err)
	assert.Equal(t, []string{TaskDeadLetterPurge, TaskLeaseReclaim, TaskMetricsTrim}, s.Names())

	require.NoError(t, s.RunNow(ctx, TaskLeaseReclaim))
	got, err := q.Get(ctx, leased.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)

	require.NoError(t, s.RunNow(ctx, TaskDeadLetterPurge))
	n, err := q.DeadLetterCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, s.RunNow(ctx, TaskMetricsTrim))
}

func TestRunStopsOnCancel(t *testing.T) {
	s, err := New(nil, Task{Name: "a", Schedule: "@hourly", Run: noop})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
