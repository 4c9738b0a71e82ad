package queue

import (
	"context"

	"fleet-orchestrator/internal/models"
)

// EventKind identifies a job state transition.
type EventKind string

const (
	JobStarted      EventKind = "job_started"
	JobCompleted    EventKind = "job_completed"
	JobFailed       EventKind = "job_failed" // failed execution, retry scheduled
	JobDeadLettered EventKind = "job_dead_lettered"
	JobCancelled    EventKind = "job_cancelled"
	JobReplayed     EventKind = "job_replayed"
)

// Terminal reports whether the event ends the job's life inside its batch.
func (k EventKind) Terminal() bool {
	return k == JobCompleted || k == JobDeadLettered || k == JobCancelled
}

// Event is delivered to observers after the transition is committed.
type Event struct {
	Kind EventKind
	Job  models.Job
	Err  string
	// Batch is set on the one event whose transition finished the job's batch, and holds
	// the batch in its terminal state.
	Batch *models.Batch
}

// Observer receives job transitions. Observers are registered when the queue is built
// and are called synchronously, in registration order.
type Observer interface {
	OnJobEvent(ctx context.Context, ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev Event)

func (f ObserverFunc) OnJobEvent(ctx context.Context, ev Event) { f(ctx, ev) }
