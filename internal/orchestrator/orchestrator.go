// Package orchestrator is the submission API and worker contract over the job queue,
// the failure handler and the batch coordinator.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"fleet-orchestrator/internal/batch"
	"fleet-orchestrator/internal/config"
	"fleet-orchestrator/internal/models"
	"fleet-orchestrator/internal/queue"
	"fleet-orchestrator/internal/retry"
)

// Orchestrator routes submissions and worker acknowledgements.
type Orchestrator struct {
	queue   *queue.RedisQueue
	retry   *retry.Handler
	batches *batch.Coordinator
	log     logrus.FieldLogger
	now     func() time.Time
}

// Deps are optional collaborators wired in at construction.
type Deps struct {
	Log            logrus.FieldLogger
	Auditor        retry.Auditor
	JobObservers   []queue.Observer
	BatchObservers []batch.Observer
	Clock          func() time.Time
}

// New wires the queue, failure handler and batch coordinator on one Redis client. The
// coordinator is registered as the first queue observer so batch callbacks run before
// any other listener sees the event.
func New(client redis.UniversalClient, cfg config.Config, deps Deps) *Orchestrator {
	log := deps.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	q := queue.NewRedisQueue(client,
		queue.WithKeyPrefix(cfg.KeyPrefix),
		queue.WithVisibilityTimeout(cfg.VisibilityTimeout),
		queue.WithCapacity(cfg.QueueCapacity),
		queue.WithLogger(log.WithField("component", "queue")),
		queue.WithClock(deps.Clock),
	)

	batchOpts := []batch.Option{
		batch.WithKeyPrefix(cfg.KeyPrefix),
		batch.WithLogger(log.WithField("component", "batch")),
		batch.WithClock(deps.Clock),
	}
	for _, o := range deps.BatchObservers {
		batchOpts = append(batchOpts, batch.WithObserver(o))
	}
	coord := batch.NewCoordinator(client, q, batchOpts...)

	q.Observe(coord)
	for _, o := range deps.JobObservers {
		q.Observe(o)
	}

	handlerOpts := []retry.HandlerOption{
		retry.WithLogger(log.WithField("component", "retry")),
		retry.WithRetention(cfg.DeadLetterRetention),
		retry.WithClock(deps.Clock),
	}
	if deps.Auditor != nil {
		handlerOpts = append(handlerOpts, retry.WithAuditor(deps.Auditor))
	}
	h := retry.NewHandler(q, retry.PolicyFromConfig(cfg), handlerOpts...)

	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{queue: q, retry: h, batches: coord, log: log, now: now}
}

func (o *Orchestrator) Queue() *queue.RedisQueue    { return o.queue }
func (o *Orchestrator) Retry() *retry.Handler       { return o.retry }
func (o *Orchestrator) Batches() *batch.Coordinator { return o.batches }

// EnqueueOptions tune a single submission.
type EnqueueOptions struct {
	Queue       string
	Priority    int
	Delay       time.Duration
	MaxAttempts int
	Tenant      string
}

// Enqueue submits one operation.
func (o *Orchestrator) Enqueue(ctx context.Context, op models.OperationType, payload any, opts EnqueueOptions) (models.Job, error) {
	job, err := buildJob(op, payload, opts)
	if err != nil {
		return models.Job{}, err
	}
	if opts.Delay > 0 {
		job.AvailableAt = o.now().Add(opts.Delay)
	}
	return o.queue.Enqueue(ctx, job)
}

// BatchJob is one member of a batch submission.
type BatchJob struct {
	Operation models.OperationType
	Payload   any
	Options   EnqueueOptions
}

// SubmitBatch registers the jobs under one batch record.
func (o *Orchestrator) SubmitBatch(ctx context.Context, items []BatchJob, opts batch.Options) (models.Batch, error) {
	jobs := make([]models.Job, 0, len(items))
	for i, it := range items {
		job, err := buildJob(it.Operation, it.Payload, it.Options)
		if err != nil {
			return models.Batch{}, fmt.Errorf("item %d: %w", i, err)
		}
		jobs = append(jobs, job)
	}
	return o.batches.Submit(ctx, jobs, opts)
}

// Dequeue claims the next eligible job of a queue for a worker.
func (o *Orchestrator) Dequeue(ctx context.Context, queueName string) (models.Job, bool, error) {
	return o.queue.Dequeue(ctx, queueName)
}

// Ack reports a successful execution.
func (o *Orchestrator) Ack(ctx context.Context, id string) error {
	_, err := o.queue.Complete(ctx, id)
	return err
}

// Nack reports a failed execution; the retry policy decides what happens next.
func (o *Orchestrator) Nack(ctx context.Context, id string, cause error) error {
	_, err := o.retry.HandleFailure(ctx, id, cause)
	if err != nil {
		o.log.WithError(err).WithField("job_id", id).Error("failure not recorded")
	}
	return err
}

// ExtendLease keeps a long-running job leased.
func (o *Orchestrator) ExtendLease(ctx context.Context, id string, d time.Duration) error {
	return o.queue.ExtendLease(ctx, id, d)
}

func (o *Orchestrator) CancelJob(ctx context.Context, id string) (models.Job, error) {
	return o.queue.Cancel(ctx, id)
}

func (o *Orchestrator) CancelBatch(ctx context.Context, id string) (models.Batch, error) {
	return o.batches.Cancel(ctx, id)
}

func (o *Orchestrator) Job(ctx context.Context, id string) (models.Job, error) {
	return o.queue.Get(ctx, id)
}

func (o *Orchestrator) Batch(ctx context.Context, id string) (models.Batch, error) {
	return o.batches.Get(ctx, id)
}

func buildJob(op models.OperationType, payload any, opts EnqueueOptions) (models.Job, error) {
	if !op.Valid() {
		return models.Job{}, fmt.Errorf("%w: unknown operation type %q", queue.ErrInvalidJob, op)
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("%w: payload: %v", queue.ErrInvalidJob, err)
	}
	name := opts.Queue
	if name == "" {
		name = models.DefaultQueue
	}
	return models.Job{
		Queue:       name,
		Type:        op,
		Tenant:      opts.Tenant,
		Payload:     raw,
		Priority:    opts.Priority,
		MaxAttempts: opts.MaxAttempts,
	}, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(p) > 0 && !json.Valid(p) {
			return nil, fmt.Errorf("invalid json")
		}
		return p, nil
	case []byte:
		if len(p) > 0 && !json.Valid(p) {
			return nil, fmt.Errorf("invalid json")
		}
		return json.RawMessage(p), nil
	default:
		return json.Marshal(p)
	}
}
