package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"fleet-orchestrator/internal/logging"
	"fleet-orchestrator/internal/models"
)

// RedisQueue coordinates named job queues in Redis: a pending set per queue ordered by
// availability and priority, a running set of lease deadlines, and the dead-letter set.
// Every state transition is a single script so concurrent workers never race on a job.
type RedisQueue struct {
	client         redis.UniversalClient
	prefix         string
	visibilityTTL  time.Duration
	capacity       int64
	jobRetention   time.Duration
	batchRetention time.Duration
	now            func() time.Time
	log            logrus.FieldLogger
	observers      []Observer
}

// Option configures a RedisQueue.
type Option func(*RedisQueue)

// WithKeyPrefix namespaces every key. Default "fleet".
func WithKeyPrefix(prefix string) Option {
	return func(q *RedisQueue) {
		if prefix != "" {
			q.prefix = prefix
		}
	}
}

// WithVisibilityTimeout sets how long a dequeued job stays leased before it is reclaimed.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(q *RedisQueue) {
		if d > 0 {
			q.visibilityTTL = d
		}
	}
}

// WithCapacity caps the pending depth of each queue. Zero disables the check.
func WithCapacity(n int64) Option {
	return func(q *RedisQueue) { q.capacity = n }
}

// WithJobRetention sets how long succeeded and cancelled job records are kept.
func WithJobRetention(d time.Duration) Option {
	return func(q *RedisQueue) { q.jobRetention = d }
}

// WithBatchRetention sets how long a batch record is kept once it has finished.
// Default 7 days.
func WithBatchRetention(d time.Duration) Option {
	return func(q *RedisQueue) { q.batchRetention = d }
}

func WithClock(now func() time.Time) Option {
	return func(q *RedisQueue) {
		if now != nil {
			q.now = now
		}
	}
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(q *RedisQueue) {
		if log != nil {
			q.log = log
		}
	}
}

// WithObserver registers an observer for job transitions.
func WithObserver(o Observer) Option {
	return func(q *RedisQueue) {
		if o != nil {
			q.observers = append(q.observers, o)
		}
	}
}

// NewRedisQueue builds a queue on an existing client.
func NewRedisQueue(client redis.UniversalClient, opts ...Option) *RedisQueue {
	q := &RedisQueue{
		client:         client,
		prefix:         "fleet",
		visibilityTTL:  5 * time.Minute,
		jobRetention:   24 * time.Hour,
		batchRetention: 7 * 24 * time.Hour,
		now:            time.Now,
		log:            logging.Discard(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Observe adds an observer after construction. It must be called before the queue is shared.
func (q *RedisQueue) Observe(o Observer) {
	if o != nil {
		q.observers = append(q.observers, o)
	}
}

// Client exposes the underlying Redis client for components sharing the store.
func (q *RedisQueue) Client() redis.UniversalClient {
	return q.client
}

func (q *RedisQueue) jobKey(id string) string      { return q.jobPrefix() + id }
func (q *RedisQueue) jobPrefix() string            { return q.prefix + ":job:" }
func (q *RedisQueue) queuesKey() string            { return q.prefix + ":queues" }
func (q *RedisQueue) dlqKey() string               { return q.prefix + ":dlq" }
func (q *RedisQueue) dlqEntryPrefix() string       { return q.prefix + ":dlq:entry:" }
func (q *RedisQueue) dlqEntryKey(id string) string { return q.dlqEntryPrefix() + id }
func (q *RedisQueue) batchPrefix() string          { return q.prefix + ":batch:" }

func (q *RedisQueue) pendingKey(queue string) string {
	return fmt.Sprintf("%s:queue:%s:pending", q.prefix, queue)
}

func (q *RedisQueue) runningKey(queue string) string {
	return fmt.Sprintf("%s:queue:%s:running", q.prefix, queue)
}

// batchArgs is the ARGV block the terminal scripts use to settle the job's batch.
func (q *RedisQueue) batchArgs(now time.Time) []any {
	ms := now.UnixMilli()
	return []any{
		q.batchPrefix(), q.jobPrefix(), q.prefix + ":queue:",
		ms, ms * 10,
		q.batchRetention.Milliseconds(), q.jobRetention.Milliseconds(),
	}
}

// prepare validates a job and fills in defaults for a fresh submission.
func (q *RedisQueue) prepare(job models.Job) (models.Job, error) {
	if job.Queue == "" {
		return job, fmt.Errorf("%w: queue name is required", ErrInvalidJob)
	}
	if !job.Type.Valid() {
		return job, fmt.Errorf("%w: unknown operation type %q", ErrInvalidJob, job.Type)
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = models.DefaultMaxAttempts
	}
	job.Priority = min(max(job.Priority, models.MinPriority), models.MaxPriority)
	now := q.now()
	job.CreatedAt = now
	if job.AvailableAt.Before(now) {
		job.AvailableAt = now
	}
	job.Attempts = 0
	job.Status = models.StatusPending
	job.LastError = ""
	return job, nil
}

// Enqueue stores a job as pending. A zero AvailableAt makes it visible immediately;
// a future AvailableAt delays visibility.
func (q *RedisQueue) Enqueue(ctx context.Context, job models.Job) (models.Job, error) {
	job, err := q.prepare(job)
	if err != nil {
		return models.Job{}, err
	}

	args := []any{q.capacity, score(job.AvailableAt, job.Priority), job.Queue, boolFlag(job.Held), job.ID}
	args = append(args, jobFields(job)...)
	keys := []string{q.jobKey(job.ID), q.pendingKey(job.Queue), q.queuesKey()}

	res, err := enqueueScript.Run(ctx, q.client, keys, args...).Int64()
	if err != nil {
		return models.Job{}, storeErr(err)
	}
	switch res {
	case codeFull:
		return models.Job{}, fmt.Errorf("%w: %s", ErrQueueFull, job.Queue)
	case codeWrong:
		return models.Job{}, fmt.Errorf("%w: duplicate id %s", ErrInvalidJob, job.ID)
	}

	q.log.WithFields(logrus.Fields{"job_id": job.ID, "queue": job.Queue, "type": job.Type}).Debug("job enqueued")
	return job, nil
}

// EnqueueTx queues the writes for a job on a caller-owned MULTI pipeline so that several
// jobs (and the caller's own records) commit together or not at all.
func (q *RedisQueue) EnqueueTx(ctx context.Context, pipe redis.Pipeliner, job models.Job) (models.Job, error) {
	job, err := q.prepare(job)
	if err != nil {
		return models.Job{}, err
	}
	pipe.HSet(ctx, q.jobKey(job.ID), jobFields(job)...)
	if !job.Held {
		pipe.ZAdd(ctx, q.pendingKey(job.Queue), redis.Z{Score: score(job.AvailableAt, job.Priority), Member: job.ID})
	}
	pipe.SAdd(ctx, q.queuesKey(), job.Queue)
	return job, nil
}

// EnqueueMany registers a set of jobs in one MULTI/EXEC: either all become visible or none.
func (q *RedisQueue) EnqueueMany(ctx context.Context, jobs []models.Job) ([]models.Job, error) {
	perQueue := make(map[string]int)
	for _, j := range jobs {
		perQueue[j.Queue]++
	}
	for name, n := range perQueue {
		if err := q.CheckCapacity(ctx, name, n); err != nil {
			return nil, err
		}
	}

	out := make([]models.Job, 0, len(jobs))
	pipe := q.client.TxPipeline()
	for _, j := range jobs {
		prepared, err := q.EnqueueTx(ctx, pipe, j)
		if err != nil {
			pipe.Discard()
			return nil, err
		}
		out = append(out, prepared)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, storeErr(err)
	}
	return out, nil
}

// CheckCapacity fails with ErrQueueFull if adding n jobs would exceed the queue capacity.
func (q *RedisQueue) CheckCapacity(ctx context.Context, queue string, n int) error {
	if q.capacity <= 0 {
		return nil
	}
	depth, err := q.client.ZCard(ctx, q.pendingKey(queue)).Result()
	if err != nil {
		return storeErr(err)
	}
	if depth+int64(n) > q.capacity {
		return fmt.Errorf("%w: %s", ErrQueueFull, queue)
	}
	return nil
}

// Dequeue claims the oldest eligible pending job of a queue and leases it.
// ok is false when nothing is eligible.
func (q *RedisQueue) Dequeue(ctx context.Context, queue string) (job models.Job, ok bool, err error) {
	now := q.now()
	keys := []string{q.pendingKey(queue), q.runningKey(queue)}
	res, err := dequeueScript.Run(ctx, q.client, keys,
		strconv.FormatFloat(eligibleScore(now), 'f', 0, 64),
		now.Add(q.visibilityTTL).UnixMilli(),
		q.jobPrefix(),
		now.UnixMilli(),
		q.batchPrefix(),
	).Result()
	if errors.Is(err, redis.Nil) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, storeErr(err)
	}
	job, err = decodeReply(res)
	if err != nil {
		return models.Job{}, false, err
	}
	q.emit(ctx, Event{Kind: JobStarted, Job: job})
	return job, true, nil
}

// Get loads a job record.
func (q *RedisQueue) Get(ctx context.Context, id string) (models.Job, error) {
	h, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return models.Job{}, storeErr(err)
	}
	return decodeJob(h)
}

// Complete marks a running job succeeded and drops its lease.
func (q *RedisQueue) Complete(ctx context.Context, id string) (models.Job, error) {
	return q.transition(ctx, id, JobCompleted, ErrNotRunning, "", func(queue string) (*redis.Script, []string, []any) {
		now := q.now()
		args := []any{id, now.UnixMilli(), q.jobRetention.Milliseconds()}
		return completeScript, []string{q.jobKey(id), q.runningKey(queue)}, append(args, q.batchArgs(now)...)
	})
}

// FailTransition is the outcome of the retry policy for one failed execution.
type FailTransition struct {
	// ExpectedAttempts guards the write: it must match the stored attempts.
	ExpectedAttempts int
	Attempts         int
	Error            string
	DeadLetter       bool
	AvailableAt      time.Time
}

// Fail records a failed execution of a running job, either rescheduling it or moving it
// to the dead-letter set, in one compare-and-swap step.
func (q *RedisQueue) Fail(ctx context.Context, id string, t FailTransition) (models.Job, error) {
	now := q.now()
	kind := JobFailed
	mode := "retry"
	if t.DeadLetter {
		kind = JobDeadLettered
		mode = "bury"
	}
	return q.transition(ctx, id, kind, ErrNotRunning, t.Error, func(queue string) (*redis.Script, []string, []any) {
		var snapshot string
		if t.DeadLetter {
			snapshot = q.snapshot(ctx, id, t)
		}
		priority := q.priority(ctx, id)
		keys := []string{q.jobKey(id), q.runningKey(queue), q.pendingKey(queue), q.dlqKey(), q.dlqEntryKey(id)}
		args := []any{
			id, t.ExpectedAttempts, t.Attempts, t.Error, mode,
			score(t.AvailableAt, priority), t.AvailableAt.UnixMilli(), now.UnixMilli(), snapshot,
		}
		return failScript, keys, append(args, q.batchArgs(now)...)
	})
}

// Cancel cancels a pending job. Running jobs cannot be cancelled.
func (q *RedisQueue) Cancel(ctx context.Context, id string) (models.Job, error) {
	return q.transition(ctx, id, JobCancelled, ErrNotPending, "", func(queue string) (*redis.Script, []string, []any) {
		now := q.now()
		args := []any{id, now.UnixMilli(), q.jobRetention.Milliseconds()}
		return cancelScript, []string{q.jobKey(id), q.pendingKey(queue)}, append(args, q.batchArgs(now)...)
	})
}

// Release makes a held pipeline stage eligible for dequeue.
func (q *RedisQueue) Release(ctx context.Context, id string) error {
	queue, err := q.queueOf(ctx, id)
	if err != nil {
		return err
	}
	now := q.now()
	res, err := releaseScript.Run(ctx, q.client, []string{q.jobKey(id), q.pendingKey(queue)},
		id, now.UnixMilli()*10, now.UnixMilli()).Int64()
	if err != nil {
		return storeErr(err)
	}
	switch res {
	case codeMissing:
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	case codeWrong:
		return fmt.Errorf("%w: %s is not held", ErrNotPending, id)
	}
	return nil
}

// ExtendLease pushes the visibility deadline of a running job forward.
func (q *RedisQueue) ExtendLease(ctx context.Context, id string, extension time.Duration) error {
	queue, err := q.queueOf(ctx, id)
	if err != nil {
		return err
	}
	err = q.client.ZAddXX(ctx, q.runningKey(queue), redis.Z{
		Score:  float64(q.now().Add(extension).UnixMilli()),
		Member: id,
	}).Err()
	return storeErr(err)
}

// RequeueExpired returns jobs whose lease ran out to their pending set. Attempts are not
// charged: the worker holding the lease is presumed dead, not the job.
func (q *RedisQueue) RequeueExpired(ctx context.Context, limit int64) ([]string, error) {
	queues, err := q.Queues(ctx)
	if err != nil {
		return nil, err
	}
	now := q.now()
	var reclaimed []string
	for _, name := range queues {
		res, err := requeueScript.Run(ctx, q.client, []string{q.runningKey(name), q.pendingKey(name)},
			now.UnixMilli(), limit, q.jobPrefix(), now.UnixMilli()*10).StringSlice()
		if err != nil && !errors.Is(err, redis.Nil) {
			return reclaimed, storeErr(err)
		}
		if len(res) > 0 {
			q.log.WithFields(logrus.Fields{"queue": name, "count": len(res)}).Warn("reclaimed expired leases")
		}
		reclaimed = append(reclaimed, res...)
	}
	return reclaimed, nil
}

// Stats describes one queue at a point in time.
type Stats struct {
	Queue   string `json:"queue"`
	Ready   int64  `json:"ready"`
	Delayed int64  `json:"delayed"`
	Running int64  `json:"running"`
}

// Depth is everything waiting in the queue, delayed retries included.
func (s Stats) Depth() int64 {
	return s.Ready + s.Delayed
}

// Stats counts ready, delayed and running jobs of a queue.
func (q *RedisQueue) Stats(ctx context.Context, queue string) (Stats, error) {
	eligible := strconv.FormatFloat(eligibleScore(q.now()), 'f', 0, 64)
	pipe := q.client.Pipeline()
	ready := pipe.ZCount(ctx, q.pendingKey(queue), "-inf", eligible)
	total := pipe.ZCard(ctx, q.pendingKey(queue))
	running := pipe.ZCard(ctx, q.runningKey(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, storeErr(err)
	}
	return Stats{
		Queue:   queue,
		Ready:   ready.Val(),
		Delayed: total.Val() - ready.Val(),
		Running: running.Val(),
	}, nil
}

// Queues lists every queue name that has received a job.
func (q *RedisQueue) Queues(ctx context.Context) ([]string, error) {
	names, err := q.client.SMembers(ctx, q.queuesKey()).Result()
	if err != nil {
		return nil, storeErr(err)
	}
	return names, nil
}

// Ping checks store connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return storeErr(q.client.Ping(ctx).Err())
}

type scriptFunc func(queue string) (*redis.Script, []string, []any)

// transition runs a job script and decodes its reply. wrongState is returned when the
// script reports the job is not in the state the transition requires. Pipeline stages the
// script cancelled on the way are announced after the job's own event.
func (q *RedisQueue) transition(ctx context.Context, id string, kind EventKind, wrongState error, cause string, build scriptFunc) (models.Job, error) {
	queue, err := q.queueOf(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	script, keys, args := build(queue)
	res, err := script.Run(ctx, q.client, keys, args...).Result()
	if err != nil {
		return models.Job{}, storeErr(err)
	}
	if code, ok := res.(int64); ok {
		switch code {
		case codeMissing:
			return models.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		case codeConflict:
			return models.Job{}, fmt.Errorf("%w: %s", ErrConflict, id)
		default:
			return models.Job{}, fmt.Errorf("%w: %s", wrongState, id)
		}
	}
	reply, err := decodeTransition(res)
	if err != nil {
		return models.Job{}, err
	}
	job := reply.job
	q.log.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"queue":    job.Queue,
		"status":   job.Status,
		"attempts": job.Attempts,
	}).Debug(string(kind))
	q.emit(ctx, Event{Kind: kind, Job: job, Err: cause, Batch: reply.batch})

	for _, stage := range reply.cascaded {
		cancelled, err := q.Get(ctx, stage)
		if err != nil {
			q.log.WithError(err).WithField("job_id", stage).Warn("cancelled pipeline stage not reloaded")
			continue
		}
		q.emit(ctx, Event{Kind: JobCancelled, Job: cancelled, Err: "previous pipeline stage failed"})
	}
	if len(reply.cascaded) > 0 {
		q.log.WithFields(logrus.Fields{"batch_id": job.BatchID, "cancelled": len(reply.cascaded)}).Info("pipeline halted")
	}
	return job, nil
}

func (q *RedisQueue) queueOf(ctx context.Context, id string) (string, error) {
	queue, err := q.client.HGet(ctx, q.jobKey(id), "queue").Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return "", storeErr(err)
	}
	return queue, nil
}

func (q *RedisQueue) priority(ctx context.Context, id string) int {
	p, err := q.client.HGet(ctx, q.jobKey(id), "priority").Int()
	if err != nil {
		return 0
	}
	return p
}

func (q *RedisQueue) emit(ctx context.Context, ev Event) {
	for _, o := range q.observers {
		o.OnJobEvent(ctx, ev)
	}
}
