// Package report builds queue and health reports for a period and exports them.
package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"fleet-orchestrator/internal/logging"
	"fleet-orchestrator/internal/metrics"
	"fleet-orchestrator/internal/models"
	"fleet-orchestrator/internal/queue"
)

var ErrInvalidPeriod = errors.New("report: invalid period")

// QueueSource is the queue side of a report.
type QueueSource interface {
	Queues(ctx context.Context) ([]string, error)
	Stats(ctx context.Context, queue string) (queue.Stats, error)
	DeadLetters(ctx context.Context, offset, limit int64) ([]models.DeadLetterEntry, error)
	DeadLetterCount(ctx context.Context) (int64, error)
}

// MetricSource is the health history side of a report.
type MetricSource interface {
	Resources(ctx context.Context) ([]string, error)
	Summarize(ctx context.Context, resource, metric string, from, to time.Time) (metrics.Summary, error)
}

// AlertSource lists alert events fired in a period.
type AlertSource interface {
	Events(ctx context.Context, from, to time.Time) ([]models.AlertEvent, error)
}

// Report is the queue/health summary of one period.
type Report struct {
	From        time.Time `json:"from"`
	To          time.Time `json:"to"`
	GeneratedAt time.Time `json:"generated_at"`

	Queues          []queue.Stats `json:"queues"`
	DeadLetterTotal int64         `json:"dead_letter_total"`
	// DeadLettered counts jobs buried during the period, by operation.
	DeadLettered map[models.OperationType]int `json:"dead_lettered"`

	Health []metrics.Summary `json:"health"`

	Alerts         []models.AlertEvent `json:"alerts"`
	AlertsFired    int                 `json:"alerts_fired"`
	AlertsResolved int                 `json:"alerts_resolved"`
}

// Generator assembles reports. The alert source is optional.
type Generator struct {
	queue   QueueSource
	metrics MetricSource
	alerts  AlertSource
	now     func() time.Time
	log     logrus.FieldLogger
}

func NewGenerator(q QueueSource, m MetricSource, a AlertSource, log logrus.FieldLogger) *Generator {
	if log == nil {
		log = logging.Discard()
	}
	return &Generator{queue: q, metrics: m, alerts: a, now: time.Now, log: log}
}

const deadLetterPage = 200

// Generate builds the report for [from, to].
func (g *Generator) Generate(ctx context.Context, from, to time.Time) (Report, error) {
	if from.IsZero() || to.IsZero() || to.Before(from) {
		return Report{}, fmt.Errorf("%w: %s to %s", ErrInvalidPeriod, from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	r := Report{From: from.UTC(), To: to.UTC(), GeneratedAt: g.now().UTC(), DeadLettered: map[models.OperationType]int{}}

	names, err := g.queue.Queues(ctx)
	if err != nil {
		return r, err
	}
	for _, name := range names {
		st, err := g.queue.Stats(ctx, name)
		if err != nil {
			return r, err
		}
		r.Queues = append(r.Queues, st)
	}
	if r.DeadLetterTotal, err = g.queue.DeadLetterCount(ctx); err != nil {
		return r, err
	}
	if err := g.countDeadLetters(ctx, &r); err != nil {
		return r, err
	}

	resources, err := g.metrics.Resources(ctx)
	if err != nil {
		return r, err
	}
	for _, res := range resources {
		sum, err := g.metrics.Summarize(ctx, res, models.MetricScore, from, to)
		if err != nil {
			return r, err
		}
		if sum.Count > 0 {
			r.Health = append(r.Health, sum)
		}
	}

	if g.alerts != nil {
		events, err := g.alerts.Events(ctx, from, to)
		if err != nil {
			return r, err
		}
		r.Alerts = events
		r.AlertsFired = len(events)
		for _, ev := range events {
			if ev.Resolved() {
				r.AlertsResolved++
			}
		}
	}

	g.log.WithFields(logrus.Fields{"from": r.From, "to": r.To, "resources": len(r.Health)}).Info("report generated")
	return r, nil
}

// countDeadLetters walks the dead-letter set newest first until it passes from.
func (g *Generator) countDeadLetters(ctx context.Context, r *Report) error {
	for offset := int64(0); ; offset += deadLetterPage {
		page, err := g.queue.DeadLetters(ctx, offset, deadLetterPage)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		for _, e := range page {
			if e.FailedAt.Before(r.From) {
				return nil
			}
			if !e.FailedAt.After(r.To) {
				r.DeadLettered[e.Job.Type]++
			}
		}
	}
}
