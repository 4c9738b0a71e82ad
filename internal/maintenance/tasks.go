package maintenance

import (
	"context"

	"github.com/sirupsen/logrus"

	"fleet-orchestrator/internal/config"
	"fleet-orchestrator/internal/logging"
)

// Task names.
const (
	TaskDeadLetterPurge = "dead_letter_purge"
	TaskLeaseReclaim    = "lease_reclaim"
	TaskMetricsTrim     = "metrics_trim"
)

// DeadLetterSweeper purges dead letters past retention; *retry.Handler satisfies it.
type DeadLetterSweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// LeaseReclaimer returns expired leases to pending; *queue.RedisQueue satisfies it.
type LeaseReclaimer interface {
	RequeueExpired(ctx context.Context, limit int64) ([]string, error)
}

// MetricsTrimmer drops out-of-window samples; *metrics.Store satisfies it.
type MetricsTrimmer interface {
	Trim(ctx context.Context) (int64, error)
}

const reclaimBatch = 500

// DefaultTasks builds the standard sweeps on the configured schedules. Nil
// collaborators are left out.
func DefaultTasks(cfg config.Config, dlq DeadLetterSweeper, leases LeaseReclaimer, samples MetricsTrimmer, log logrus.FieldLogger) []Task {
	if log == nil {
		log = logging.Discard()
	}
	var tasks []Task
	if dlq != nil {
		tasks = append(tasks, Task{Name: TaskDeadLetterPurge, Schedule: orDefault(cfg.DeadLetterSchedule, "0 * * * *"), Run: func(ctx context.Context) error {
			n, err := dlq.Sweep(ctx)
			if n > 0 {
				log.WithField("count", n).Info("purged dead letters past retention")
			}
			return err
		}})
	}
	if leases != nil {
		tasks = append(tasks, Task{Name: TaskLeaseReclaim, Schedule: orDefault(cfg.LeaseSchedule, "@every 15s"), Run: func(ctx context.Context) error {
			for {
				ids, err := leases.RequeueExpired(ctx, reclaimBatch)
				if err != nil {
					return err
				}
				if len(ids) < reclaimBatch {
					return nil
				}
			}
		}})
	}
	if samples != nil {
		tasks = append(tasks, Task{Name: TaskMetricsTrim, Schedule: orDefault(cfg.MetricsTrimSchedule, "30 * * * *"), Run: func(ctx context.Context) error {
			_, err := samples.Trim(ctx)
			return err
		}})
	}
	return tasks
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
