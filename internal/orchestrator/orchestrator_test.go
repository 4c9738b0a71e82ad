package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-orchestrator/internal/batch"
	"fleet-orchestrator/internal/config"
	"fleet-orchestrator/internal/logging"
	"fleet-orchestrator/internal/models"
	"fleet-orchestrator/internal/queue"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig() config.Config {
	return config.Config{
		KeyPrefix:           "test",
		VisibilityTimeout:   time.Minute,
		QueueCapacity:       1000,
		MaxAttempts:         5,
		BackoffBase:         time.Minute,
		BackoffMax:          time.Hour,
		DeadLetterRetention: 30 * 24 * time.Hour,
	}
}

func newTestOrchestrator(t *testing.T, deps Deps) (*Orchestrator, *testClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clk := &testClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	deps.Clock = clk.Now
	deps.Log = logging.Discard()
	return New(client, testConfig(), deps), clk
}

func TestEnqueueDelay(t *testing.T) {
	ctx := context.Background()
	o, clk := newTestOrchestrator(t, Deps{})

	job, err := o.Enqueue(ctx, models.OpRenewSubscription, map[string]string{"subscription_id": "sub-9"}, EnqueueOptions{
		Queue: "billing",
		Delay: 10 * time.Minute,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"subscription_id":"sub-9"}`, string(job.Payload))

	_, ok, err := o.Dequeue(ctx, "billing")
	require.NoError(t, err)
	assert.False(t, ok)

	clk.Advance(10 * time.Minute)
	got, ok, err := o.Dequeue(ctx, "billing")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, job.ID, got.ID)
}

func TestEnqueueRejectsUnknownOperation(t *testing.T) {
	o, _ := newTestOrchestrator(t, Deps{})
	_, err := o.Enqueue(context.Background(), "format_disk", nil, EnqueueOptions{})
	assert.ErrorIs(t, err, queue.ErrInvalidJob)

	_, err = o.Enqueue(context.Background(), models.OpSendNotification, json.RawMessage(`{bad`), EnqueueOptions{})
	assert.ErrorIs(t, err, queue.ErrInvalidJob)
}

func TestAckNackLifecycle(t *testing.T) {
	ctx := context.Background()
	var (
		mu    sync.Mutex
		kinds []queue.EventKind
	)
	obs := queue.ObserverFunc(func(_ context.Context, ev queue.Event) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	})
	o, clk := newTestOrchestrator(t, Deps{JobObservers: []queue.Observer{obs}})

	job, err := o.Enqueue(ctx, models.OpProvisionProxy, nil, EnqueueOptions{MaxAttempts: 2})
	require.NoError(t, err)

	claimed, ok, err := o.Dequeue(ctx, models.DefaultQueue)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, o.Nack(ctx, claimed.ID, errors.New("panel 502")))

	clk.Advance(time.Minute)
	claimed, ok, err = o.Dequeue(ctx, models.DefaultQueue)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, claimed.Attempts)
	require.NoError(t, o.Nack(ctx, claimed.ID, errors.New("panel 502")))

	got, err := o.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDeadLettered, got.Status)
	assert.Equal(t, 2, got.Attempts)

	replayed, err := o.Retry().Replay(ctx, job.ID, "ops")
	require.NoError(t, err)
	claimed, ok, err = o.Dequeue(ctx, models.DefaultQueue)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, replayed.ID, claimed.ID)
	require.NoError(t, o.Ack(ctx, claimed.ID))

	assert.Equal(t, []queue.EventKind{
		queue.JobStarted, queue.JobFailed,
		queue.JobStarted, queue.JobDeadLettered,
		queue.JobReplayed,
		queue.JobStarted, queue.JobCompleted,
	}, kinds)
}

// A three-stage pipeline submitted through the orchestrator: provision, verify, notify.
func TestPipelineBatchEndToEnd(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(t, Deps{})

	var finally []models.Batch
	b, err := o.SubmitBatch(ctx, []BatchJob{
		{Operation: models.OpProvisionProxy, Payload: map[string]int{"order_id": 7}},
		{Operation: models.OpVerifyPayment, Payload: map[string]int{"order_id": 7}},
		{Operation: models.OpSendNotification, Payload: map[string]int{"order_id": 7}},
	}, batch.Options{
		Name:      "order-7",
		Pipeline:  true,
		OnFinally: func(_ context.Context, b models.Batch) { finally = append(finally, b) },
	})
	require.NoError(t, err)

	var order []models.OperationType
	for {
		job, ok, err := o.Dequeue(ctx, models.DefaultQueue)
		require.NoError(t, err)
		if !ok {
			break
		}
		order = append(order, job.Type)
		require.NoError(t, o.Ack(ctx, job.ID))
	}
	assert.Equal(t, []models.OperationType{models.OpProvisionProxy, models.OpVerifyPayment, models.OpSendNotification}, order)

	got, err := o.Batch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchCompleted, got.Status)
	require.Len(t, finally, 1)
	assert.Equal(t, 3, finally[0].Processed)
}

func TestCancelJobAndBatch(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(t, Deps{})

	job, err := o.Enqueue(ctx, models.OpRotateCredentials, nil, EnqueueOptions{})
	require.NoError(t, err)
	cancelled, err := o.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)

	b, err := o.SubmitBatch(ctx, []BatchJob{
		{Operation: models.OpDeprovisionProxy},
		{Operation: models.OpDeprovisionProxy},
	}, batch.Options{AllowFailures: true})
	require.NoError(t, err)
	got, err := o.CancelBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchFinished, got.Status)
	assert.Equal(t, 2, got.Failed)
}
