package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"fleet-orchestrator/internal/config"
	"fleet-orchestrator/internal/logging"
	"fleet-orchestrator/internal/models"
	"fleet-orchestrator/internal/queue"
	"fleet-orchestrator/internal/telemetry"
)

// Broker is the worker side of the orchestrator.
type Broker interface {
	Dequeue(ctx context.Context, queue string) (models.Job, bool, error)
	Ack(ctx context.Context, id string) error
	Nack(ctx context.Context, id string, cause error) error
	ExtendLease(ctx context.Context, id string, d time.Duration) error
}

// Processor drives the worker execution loop.
type Processor struct {
	broker      Broker
	registry    *Registry
	queues      []string
	concurrency int
	poll        time.Duration
	visibility  time.Duration
	workerID    string
	log         logrus.FieldLogger
}

func NewProcessor(cfg config.Config, b Broker, reg *Registry, log logrus.FieldLogger) *Processor {
	return NewProcessorWithID(cfg, b, reg, log, "")
}

// NewProcessorWithID creates a processor with a specific worker ID for tracking.
func NewProcessorWithID(cfg config.Config, b Broker, reg *Registry, log logrus.FieldLogger, workerID string) *Processor {
	if log == nil {
		log = logging.Discard()
	}
	queues := cfg.WorkerQueues
	if len(queues) == 0 {
		queues = []string{models.DefaultQueue}
	}
	p := &Processor{
		broker:      b,
		registry:    reg,
		queues:      queues,
		concurrency: max(cfg.WorkerConcurrency, 1),
		poll:        cfg.WorkerPollInterval,
		visibility:  cfg.VisibilityTimeout,
		workerID:    workerID,
		log:         log.WithField("worker_id", workerID),
	}
	if p.poll <= 0 {
		p.poll = time.Second
	}
	return p
}

// Run starts the worker loops until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range p.concurrency {
		g.Go(func() error { return p.loop(ctx, i) })
	}
	p.log.WithFields(logrus.Fields{"queues": p.queues, "concurrency": p.concurrency}).Info("worker started")
	return g.Wait()
}

func (p *Processor) loop(ctx context.Context, slot int) error {
	outage := 0
	next := slot
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		name := p.queues[next%len(p.queues)]
		next++

		job, ok, err := p.broker.Dequeue(ctx, name)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			outage++
			wait := backoffWithJitter(p.poll, 30*time.Second, outage)
			p.log.WithError(err).WithField("queue", name).Warn("dequeue failed, backing off")
			if !sleep(ctx, wait) {
				return ctx.Err()
			}
			continue
		}
		outage = 0
		if !ok {
			// Only idle once every queue has been tried.
			if next%len(p.queues) == slot%len(p.queues) && !sleep(ctx, p.poll) {
				return ctx.Err()
			}
			continue
		}
		p.Process(ctx, job)
	}
}

// Process executes one claimed job and reports the outcome.
func (p *Processor) Process(ctx context.Context, job models.Job) {
	log := p.log.WithFields(logrus.Fields{"job_id": job.ID, "queue": job.Queue, "type": job.Type, "attempts": job.Attempts})

	stop := p.keepLeased(ctx, job.ID)
	start := time.Now()
	err := p.runJob(ctx, job)
	stop()
	telemetry.HandlerDuration.WithLabelValues(string(job.Type)).Observe(time.Since(start).Seconds())

	if err == nil {
		if ackErr := p.broker.Ack(ctx, job.ID); ackErr != nil {
			log.WithError(ackErr).Error("ack failed")
			return
		}
		log.Debug("job succeeded")
		return
	}

	log.WithError(err).Warn("job failed")
	if nackErr := p.broker.Nack(ctx, job.ID, err); nackErr != nil && !errors.Is(nackErr, queue.ErrConflict) {
		log.WithError(nackErr).Error("nack failed")
	}
}

// runJob dispatches through the registry. A panicking handler counts as a failure.
func (p *Processor) runJob(ctx context.Context, job models.Job) (err error) {
	handler, err := p.registry.Lookup(job.Type)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			p.log.WithField("job_id", job.ID).Errorf("handler panic: %v\n%s", r, debug.Stack())
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

// keepLeased extends the lease every half visibility period while the handler runs.
func (p *Processor) keepLeased(ctx context.Context, id string) func() {
	if p.visibility <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(p.visibility / 2)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if err := p.broker.ExtendLease(ctx, id, p.visibility); err != nil {
					p.log.WithError(err).WithField("job_id", id).Warn("lease extension failed")
				}
			}
		}
	}()
	return func() { close(done) }
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || wait <= 0 {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
