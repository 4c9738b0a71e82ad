package health

import (
	"context"
	"errors"
	"fmt"

	"fleet-orchestrator/internal/models"
	"fleet-orchestrator/internal/queue"
	"fleet-orchestrator/internal/telemetry"
)

// QueueSource is the read side of the job queue the self-monitor needs.
type QueueSource interface {
	Ping(ctx context.Context) error
	Queues(ctx context.Context) ([]string, error)
	Stats(ctx context.Context, queue string) (queue.Stats, error)
	DeadLetterCount(ctx context.Context) (int64, error)
}

// QueueProbe reports the queue store itself as a resource: total depth, leased jobs
// and dead letters. An unreachable store fails the probe, so the queue shows up
// unhealthy and can trigger alerts.
type QueueProbe struct {
	q QueueSource
}

func NewQueueProbe(q QueueSource) *QueueProbe {
	return &QueueProbe{q: q}
}

func (p *QueueProbe) Collect(ctx context.Context, _ Resource) (map[string]float64, error) {
	if err := p.q.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: queue store: %v", ErrProbeFailed, err)
	}
	names, err := p.q.Queues(ctx)
	if err != nil {
		return nil, errors.Join(ErrProbeFailed, err)
	}

	var depth, running int64
	for _, name := range names {
		st, err := p.q.Stats(ctx, name)
		if err != nil {
			return nil, errors.Join(ErrProbeFailed, err)
		}
		depth += st.Depth()
		running += st.Running
		telemetry.QueueDepthGauge.WithLabelValues(name).Set(float64(st.Depth()))
	}
	dead, err := p.q.DeadLetterCount(ctx)
	if err != nil {
		return nil, errors.Join(ErrProbeFailed, err)
	}
	telemetry.DeadLetterGauge.Set(float64(dead))

	return map[string]float64{
		models.MetricQueueDepth:  float64(depth),
		models.MetricRunning:     float64(running),
		models.MetricDeadLetters: float64(dead),
	}, nil
}
