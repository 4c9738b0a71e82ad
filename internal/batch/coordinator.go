// Package batch groups jobs under one record with aggregate completion callbacks, and
// chains them into ordered pipelines where each stage waits for the previous one.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"fleet-orchestrator/internal/logging"
	"fleet-orchestrator/internal/models"
	"fleet-orchestrator/internal/queue"
)

var (
	ErrBatchNotFound = errors.New("batch: not found")
	ErrEmptyBatch    = errors.New("batch: no jobs")
)

// Callback receives the batch in its terminal state.
type Callback func(ctx context.Context, b models.Batch)

// Options configure a submitted batch. Callbacks live in the submitting process only.
type Options struct {
	Name          string
	AllowFailures bool
	// Pipeline runs jobs strictly in order: stage i+1 stays held until stage i succeeds.
	Pipeline bool

	OnComplete Callback
	OnFail     Callback
	OnFinally  Callback
}

type callbacks struct {
	onComplete Callback
	onFail     Callback
	onFinally  Callback
	expires    time.Time
}

func (o Options) hasCallbacks() bool {
	return o.OnComplete != nil || o.OnFail != nil || o.OnFinally != nil
}

// Observer is told once about every batch that reaches a terminal state.
type Observer interface {
	OnBatchFinished(ctx context.Context, b models.Batch)
}

// Queue is what the coordinator needs from the job queue.
type Queue interface {
	EnqueueTx(ctx context.Context, pipe redis.Pipeliner, job models.Job) (models.Job, error)
	CheckCapacity(ctx context.Context, queue string, n int) error
	Cancel(ctx context.Context, id string) (models.Job, error)
}

// Coordinator submits batches and runs their callbacks. Counting and pipeline progress
// happen inside the queue's own transitions; the coordinator only reacts to the event
// that finished a batch.
type Coordinator struct {
	client    redis.UniversalClient
	queue     Queue
	prefix    string
	retention time.Duration
	log       logrus.FieldLogger
	now       func() time.Time

	mu        sync.Mutex
	callbacks map[string]callbacks
	observers []Observer
}

type Option func(*Coordinator)

func WithKeyPrefix(prefix string) Option {
	return func(c *Coordinator) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Coordinator) {
		if log != nil {
			c.log = log
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithRetention bounds how long callbacks for an unfinished batch are held in memory.
// Default 7 days, the same as the batch record.
func WithRetention(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.retention = d
		}
	}
}

func WithObserver(o Observer) Option {
	return func(c *Coordinator) {
		if o != nil {
			c.observers = append(c.observers, o)
		}
	}
}

// NewCoordinator builds a coordinator. It must also be registered as an observer of the
// queue it submits to, otherwise callbacks never run, and share the queue's key prefix.
func NewCoordinator(client redis.UniversalClient, q Queue, opts ...Option) *Coordinator {
	c := &Coordinator{
		client:    client,
		queue:     q,
		prefix:    "fleet",
		retention: 7 * 24 * time.Hour,
		log:       logging.Discard(),
		now:       time.Now,
		callbacks: make(map[string]callbacks),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) batchKey(id string) string { return c.prefix + ":batch:" + id }

// Submit registers every job and the batch record in one transaction. For pipelines only
// the first job is visible to workers.
func (c *Coordinator) Submit(ctx context.Context, jobs []models.Job, opts Options) (models.Batch, error) {
	if len(jobs) == 0 {
		return models.Batch{}, ErrEmptyBatch
	}

	perQueue := make(map[string]int)
	for _, j := range jobs {
		perQueue[j.Queue]++
	}
	for name, n := range perQueue {
		if err := c.queue.CheckCapacity(ctx, name, n); err != nil {
			return models.Batch{}, err
		}
	}

	b := models.Batch{
		ID:            uuid.New().String(),
		Name:          opts.Name,
		AllowFailures: opts.AllowFailures,
		Pipeline:      opts.Pipeline,
		Total:         len(jobs),
		Status:        models.BatchPending,
		CreatedAt:     c.now(),
	}

	pipe := c.client.TxPipeline()
	for i, j := range jobs {
		j.BatchID = b.ID
		j.BatchIndex = i
		j.Held = opts.Pipeline && i > 0
		queued, err := c.queue.EnqueueTx(ctx, pipe, j)
		if err != nil {
			pipe.Discard()
			return models.Batch{}, fmt.Errorf("batch job %d: %w", i, err)
		}
		b.JobIDs = append(b.JobIDs, queued.ID)
	}
	ids, err := json.Marshal(b.JobIDs)
	if err != nil {
		pipe.Discard()
		return models.Batch{}, err
	}
	pipe.HSet(ctx, c.batchKey(b.ID),
		"id", b.ID,
		"name", b.Name,
		"job_ids", string(ids),
		"allow_failures", flag(b.AllowFailures),
		"pipeline", flag(b.Pipeline),
		"total", b.Total,
		"processed", 0,
		"failed", 0,
		"status", string(b.Status),
		"fired", "0",
		"created_at", b.CreatedAt.UnixMilli(),
	)

	// Register callbacks before the jobs become visible.
	if opts.hasCallbacks() {
		c.register(b.ID, callbacks{
			onComplete: opts.OnComplete,
			onFail:     opts.OnFail,
			onFinally:  opts.OnFinally,
			expires:    b.CreatedAt.Add(c.retention),
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		c.mu.Lock()
		delete(c.callbacks, b.ID)
		c.mu.Unlock()
		return models.Batch{}, errors.Join(queue.ErrStoreUnavailable, err)
	}

	c.log.WithFields(logrus.Fields{
		"batch_id": b.ID,
		"name":     b.Name,
		"total":    b.Total,
		"pipeline": b.Pipeline,
	}).Info("batch submitted")
	return b, nil
}

// register stores callbacks and drops entries whose batch outlived the retention. A
// batch that finishes in another process never reaches this process's fire.
func (c *Coordinator) register(id string, cb callbacks) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for other, held := range c.callbacks {
		if now.After(held.expires) {
			delete(c.callbacks, other)
		}
	}
	c.callbacks[id] = cb
}

// Pending reports how many batches still have callbacks registered in this process.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.callbacks)
}

// Get loads a batch record.
func (c *Coordinator) Get(ctx context.Context, id string) (models.Batch, error) {
	h, err := c.client.HGetAll(ctx, c.batchKey(id)).Result()
	if err != nil {
		return models.Batch{}, errors.Join(queue.ErrStoreUnavailable, err)
	}
	if len(h) == 0 {
		return models.Batch{}, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}
	return queue.DecodeBatch(h)
}

// Cancel cancels every member that is still pending. Members already running finish
// normally; the batch terminates once they do. Members are cancelled last to first so
// that cancelling a tolerant pipeline stage never releases the stage after it.
func (c *Coordinator) Cancel(ctx context.Context, id string) (models.Batch, error) {
	b, err := c.Get(ctx, id)
	if err != nil {
		return models.Batch{}, err
	}
	for i := len(b.JobIDs) - 1; i >= 0; i-- {
		_, err := c.queue.Cancel(ctx, b.JobIDs[i])
		if err != nil && !errors.Is(err, queue.ErrNotPending) && !errors.Is(err, queue.ErrJobNotFound) {
			return models.Batch{}, err
		}
	}
	c.log.WithField("batch_id", id).Info("batch cancelled")
	return c.Get(ctx, id)
}

// OnJobEvent runs the callbacks of a batch once the queue reports it finished.
func (c *Coordinator) OnJobEvent(ctx context.Context, ev queue.Event) {
	if ev.Batch == nil {
		return
	}
	c.fire(ctx, *ev.Batch)
}

func (c *Coordinator) fire(ctx context.Context, b models.Batch) {
	c.mu.Lock()
	cb, ok := c.callbacks[b.ID]
	delete(c.callbacks, b.ID)
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"batch_id":  b.ID,
		"status":    b.Status,
		"processed": b.Processed,
		"failed":    b.Failed,
	}).Info("batch finished")

	if ok {
		if b.Failed == 0 || b.AllowFailures {
			c.invoke(ctx, "on_complete", cb.onComplete, b)
		} else {
			c.invoke(ctx, "on_fail", cb.onFail, b)
		}
		c.invoke(ctx, "on_finally", cb.onFinally, b)
	}
	for _, o := range c.observers {
		o.OnBatchFinished(ctx, b)
	}
}

func (c *Coordinator) invoke(ctx context.Context, name string, fn Callback, b models.Batch) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.WithFields(logrus.Fields{"batch_id": b.ID, "callback": name, "panic": r}).Error("batch callback panicked")
		}
	}()
	fn(ctx, b)
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
