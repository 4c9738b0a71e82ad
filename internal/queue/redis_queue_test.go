package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-orchestrator/internal/models"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnJobEvent(_ context.Context, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func newTestQueue(t *testing.T, opts ...Option) (*RedisQueue, *clock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clk.Now), WithVisibilityTimeout(time.Minute)}, opts...)
	return NewRedisQueue(client, opts...), clk, mr
}

func job(queue string, prio int) models.Job {
	return models.Job{Queue: queue, Type: models.OpProvisionProxy, Priority: prio}
}

func TestEnqueueValidates(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t)

	_, err := q.Enqueue(ctx, models.Job{Type: models.OpProvisionProxy})
	assert.ErrorIs(t, err, ErrInvalidJob)

	_, err = q.Enqueue(ctx, models.Job{Queue: "default", Type: "mine_bitcoin"})
	assert.ErrorIs(t, err, ErrInvalidJob)

	j, err := q.Enqueue(ctx, models.Job{Queue: "default", Type: models.OpVerifyPayment, Priority: 42})
	require.NoError(t, err)
	assert.NotEmpty(t, j.ID)
	assert.Equal(t, models.MaxPriority, j.Priority)
	assert.Equal(t, models.DefaultMaxAttempts, j.MaxAttempts)
	assert.Equal(t, models.StatusPending, j.Status)

	_, err = q.Enqueue(ctx, j)
	assert.ErrorIs(t, err, ErrInvalidJob, "duplicate id")
}

func TestDequeueOrdersByPriorityThenAge(t *testing.T) {
	ctx := context.Background()
	q, clk, _ := newTestQueue(t)

	low, err := q.Enqueue(ctx, job("default", 1))
	require.NoError(t, err)
	clk.Advance(time.Millisecond)
	high, err := q.Enqueue(ctx, job("default", 8))
	require.NoError(t, err)
	clk.Advance(time.Millisecond)
	low2, err := q.Enqueue(ctx, job("default", 1))
	require.NoError(t, err)

	var order []string
	for range 3 {
		j, ok, err := q.Dequeue(ctx, "default")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, models.StatusRunning, j.Status)
		order = append(order, j.ID)
	}
	// Availability dominates: the earlier low-priority job was eligible first.
	assert.Equal(t, []string{low.ID, high.ID, low2.ID}, order)

	_, ok, err := q.Dequeue(ctx, "default")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDequeuePrefersHigherPriorityAtSameInstant(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t)

	low, err := q.Enqueue(ctx, job("default", 0))
	require.NoError(t, err)
	high, err := q.Enqueue(ctx, job("default", 9))
	require.NoError(t, err)

	first, _, err := q.Dequeue(ctx, "default")
	require.NoError(t, err)
	second, _, err := q.Dequeue(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, high.ID, first.ID)
	assert.Equal(t, low.ID, second.ID)
}

func TestDelayedJobInvisibleUntilDue(t *testing.T) {
	ctx := context.Background()
	q, clk, _ := newTestQueue(t)

	j := job("default", 5)
	j.AvailableAt = clk.Now().Add(30 * time.Second)
	_, err := q.Enqueue(ctx, j)
	require.NoError(t, err)

	_, ok, err := q.Dequeue(ctx, "default")
	require.NoError(t, err)
	assert.False(t, ok)

	stats, err := q.Stats(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Ready)
	assert.Equal(t, int64(1), stats.Delayed)

	clk.Advance(30 * time.Second)
	_, ok, err = q.Dequeue(ctx, "default")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConcurrentDequeueClaimsOnce(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t)

	for range 20 {
		_, err := q.Enqueue(ctx, job("default", 5))
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		claimed = map[string]int{}
		wg      sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, ok, err := q.Dequeue(ctx, "default")
				if err != nil || !ok {
					return
				}
				mu.Lock()
				claimed[j.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, 20)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}
}

func TestCompleteRequiresRunning(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	q, _, _ := newTestQueue(t, WithObserver(rec))

	j, err := q.Enqueue(ctx, job("default", 5))
	require.NoError(t, err)

	_, err = q.Complete(ctx, j.ID)
	assert.ErrorIs(t, err, ErrNotRunning)

	_, _, err = q.Dequeue(ctx, "default")
	require.NoError(t, err)
	done, err := q.Complete(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, done.Status)

	_, err = q.Complete(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	stats, err := q.Stats(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Running)
	assert.Equal(t, []EventKind{JobStarted, JobCompleted}, rec.kinds())
}

func TestCancelOnlyPending(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t)

	pending, err := q.Enqueue(ctx, job("default", 1))
	require.NoError(t, err)
	running, err := q.Enqueue(ctx, job("default", 9))
	require.NoError(t, err)
	_, _, err = q.Dequeue(ctx, "default")
	require.NoError(t, err)

	_, err = q.Cancel(ctx, running.ID)
	assert.ErrorIs(t, err, ErrNotPending)

	cancelled, err := q.Cancel(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)

	_, ok, err := q.Dequeue(ctx, "default")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCapacity(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t, WithCapacity(2))

	for range 2 {
		_, err := q.Enqueue(ctx, job("default", 5))
		require.NoError(t, err)
	}
	_, err := q.Enqueue(ctx, job("default", 5))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.ErrorIs(t, q.CheckCapacity(ctx, "default", 1), ErrQueueFull)
	assert.NoError(t, q.CheckCapacity(ctx, "other", 2))
}

func TestFailRetryAndConflict(t *testing.T) {
	ctx := context.Background()
	q, clk, _ := newTestQueue(t)

	j, err := q.Enqueue(ctx, job("default", 5))
	require.NoError(t, err)
	_, _, err = q.Dequeue(ctx, "default")
	require.NoError(t, err)

	_, err = q.Fail(ctx, j.ID, FailTransition{ExpectedAttempts: 3, Attempts: 4, Error: "boom", AvailableAt: clk.Now()})
	assert.ErrorIs(t, err, ErrConflict)

	retried, err := q.Fail(ctx, j.ID, FailTransition{
		ExpectedAttempts: 0,
		Attempts:         1,
		Error:            "boom",
		AvailableAt:      clk.Now().Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, retried.Status)
	assert.Equal(t, 1, retried.Attempts)
	assert.Equal(t, "boom", retried.LastError)

	_, ok, err := q.Dequeue(ctx, "default")
	require.NoError(t, err)
	assert.False(t, ok, "retry must wait for its backoff")

	clk.Advance(time.Minute)
	again, ok, err := q.Dequeue(ctx, "default")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, j.ID, again.ID)
}

func TestRequeueExpiredLeases(t *testing.T) {
	ctx := context.Background()
	q, clk, _ := newTestQueue(t)

	j, err := q.Enqueue(ctx, job("default", 5))
	require.NoError(t, err)
	_, _, err = q.Dequeue(ctx, "default")
	require.NoError(t, err)

	ids, err := q.RequeueExpired(ctx, 100)
	require.NoError(t, err)
	assert.Empty(t, ids)

	clk.Advance(2 * time.Minute)
	ids, err = q.RequeueExpired(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{j.ID}, ids)

	back, ok, err := q.Dequeue(ctx, "default")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, back.Attempts)
}

func TestExtendLease(t *testing.T) {
	ctx := context.Background()
	q, clk, _ := newTestQueue(t)

	_, err := q.Enqueue(ctx, job("default", 5))
	require.NoError(t, err)
	j, _, err := q.Dequeue(ctx, "default")
	require.NoError(t, err)

	clk.Advance(50 * time.Second)
	require.NoError(t, q.ExtendLease(ctx, j.ID, time.Minute))
	clk.Advance(30 * time.Second)

	ids, err := q.RequeueExpired(ctx, 100)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestHeldJobReleased(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t)

	j := job("default", 5)
	j.Held = true
	held, err := q.Enqueue(ctx, j)
	require.NoError(t, err)

	_, ok, err := q.Dequeue(ctx, "default")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, q.Release(ctx, held.ID))
	assert.ErrorIs(t, q.Release(ctx, held.ID), ErrNotPending)

	got, ok, err := q.Dequeue(ctx, "default")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, held.ID, got.ID)
	assert.False(t, got.Held)
}

func TestEnqueueTxCommitsTogether(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t)

	pipe := q.Client().TxPipeline()
	a, err := q.EnqueueTx(ctx, pipe, job("default", 5))
	require.NoError(t, err)
	b, err := q.EnqueueTx(ctx, pipe, job("default", 5))
	require.NoError(t, err)

	_, err = q.Get(ctx, a.ID)
	assert.ErrorIs(t, err, ErrJobNotFound, "nothing visible before exec")

	_, err = pipe.Exec(ctx)
	require.NoError(t, err)
	for _, id := range []string{a.ID, b.ID} {
		got, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, got.Status)
	}
}

func TestStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	q, _, mr := newTestQueue(t)
	mr.Close()

	_, err := q.Enqueue(ctx, job("default", 5))
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	_, _, err = q.Dequeue(ctx, "default")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestEnqueueManyAllOrNothing(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t)

	_, err := q.EnqueueMany(ctx, []models.Job{job("default", 5), {Queue: "default", Type: "bogus"}})
	assert.ErrorIs(t, err, ErrInvalidJob)
	stats, err := q.Stats(ctx, "default")
	require.NoError(t, err)
	assert.Zero(t, stats.Depth())

	jobs, err := q.EnqueueMany(ctx, []models.Job{job("default", 5), job("billing", 5)})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	queues, err := q.Queues(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"default", "billing"}, queues)
}
