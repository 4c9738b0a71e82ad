package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"fleet-orchestrator/internal/logging"
	"fleet-orchestrator/internal/models"
	"fleet-orchestrator/internal/queue"
)

// Queue is the slice of the job queue the failure handler drives.
type Queue interface {
	Get(ctx context.Context, id string) (models.Job, error)
	Fail(ctx context.Context, id string, t queue.FailTransition) (models.Job, error)
	Replay(ctx context.Context, id string) (models.Job, error)
	PurgeDeadLetters(ctx context.Context, cutoff time.Time) (int64, error)
	DeadLetters(ctx context.Context, offset, limit int64) ([]models.DeadLetterEntry, error)
}

// Auditor records operator actions and terminal failures.
type Auditor interface {
	AppendAudit(ctx context.Context, entry models.AuditLog) error
}

// Handler applies the retry policy to failed executions and owns dead-letter maintenance.
type Handler struct {
	queue     Queue
	policy    Policy
	retention time.Duration
	audit     Auditor
	log       logrus.FieldLogger
	now       func() time.Time
}

type HandlerOption func(*Handler)

func WithAuditor(a Auditor) HandlerOption {
	return func(h *Handler) { h.audit = a }
}

func WithLogger(log logrus.FieldLogger) HandlerOption {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// WithRetention sets the age after which the sweep purges dead letters. Default 30 days.
func WithRetention(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.retention = d
		}
	}
}

func NewHandler(q Queue, policy Policy, opts ...HandlerOption) *Handler {
	h := &Handler{
		queue:     q,
		policy:    policy,
		retention: 30 * 24 * time.Hour,
		log:       logging.Discard(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Policy exposes the configured policy.
func (h *Handler) Policy() Policy { return h.policy }

// HandleFailure records a failed execution of a running job. The transition is guarded by
// the attempts value read here, so a concurrent transition surfaces as queue.ErrConflict
// instead of a double count.
func (h *Handler) HandleFailure(ctx context.Context, id string, cause error) (models.Job, error) {
	job, err := h.queue.Get(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	d := h.policy.Decide(job.Attempts, job.MaxAttempts, h.now())
	updated, err := h.queue.Fail(ctx, id, queue.FailTransition{
		ExpectedAttempts: job.Attempts,
		Attempts:         d.Attempts,
		Error:            msg,
		DeadLetter:       d.DeadLetter,
		AvailableAt:      d.RetryAt,
	})
	if err != nil {
		return models.Job{}, err
	}

	fields := logrus.Fields{"job_id": id, "queue": job.Queue, "attempts": d.Attempts, "error": msg}
	if d.DeadLetter {
		h.log.WithFields(fields).Warn("job dead-lettered")
		h.record(ctx, id, "dead_lettered", "system", msg)
		return updated, nil
	}
	h.log.WithFields(fields).WithField("retry_at", d.RetryAt).Info("job retry scheduled")
	return updated, nil
}

// Replay returns a dead-lettered job to its queue with a fresh attempt budget.
func (h *Handler) Replay(ctx context.Context, id, actor string) (models.Job, error) {
	job, err := h.queue.Replay(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	h.log.WithFields(logrus.Fields{"job_id": id, "actor": actor}).Info("dead letter replayed")
	h.record(ctx, id, "replayed", actor, "attempts reset")
	return job, nil
}

// Purge deletes dead letters that failed more than olderThan ago.
func (h *Handler) Purge(ctx context.Context, olderThan time.Duration, actor string) (int64, error) {
	if olderThan < 0 {
		return 0, errors.New("retry: negative purge age")
	}
	n, err := h.queue.PurgeDeadLetters(ctx, h.now().Add(-olderThan))
	if err != nil {
		return n, err
	}
	h.log.WithFields(logrus.Fields{"count": n, "older_than": olderThan, "actor": actor}).Info("dead letters purged")
	if n > 0 {
		h.record(ctx, "", "purged", actor, fmt.Sprintf("count=%d older_than=%s", n, olderThan))
	}
	return n, nil
}

// Sweep purges entries past the retention window.
func (h *Handler) Sweep(ctx context.Context) (int64, error) {
	return h.Purge(ctx, h.retention, "maintenance")
}

// DeadLetters lists the most recent entries.
func (h *Handler) DeadLetters(ctx context.Context, offset, limit int64) ([]models.DeadLetterEntry, error) {
	return h.queue.DeadLetters(ctx, offset, limit)
}

func (h *Handler) record(ctx context.Context, jobID, event, actor, detail string) {
	if h.audit == nil {
		return
	}
	err := h.audit.AppendAudit(ctx, models.AuditLog{
		JobID:    jobID,
		Event:    event,
		Actor:    actor,
		Detail:   detail,
		Recorded: h.now(),
	})
	if err != nil {
		h.log.WithError(err).WithField("job_id", jobID).Warn("audit write failed")
	}
}
