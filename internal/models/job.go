package models

import (
	"encoding/json"
	"time"
)

// JobStatus enumerates lifecycle states of a job record.
type JobStatus string

const (
	StatusPending      JobStatus = "pending"
	StatusRunning      JobStatus = "running"
	StatusSucceeded    JobStatus = "succeeded"
	StatusFailed       JobStatus = "failed"
	StatusDeadLettered JobStatus = "dead_lettered"
	StatusCancelled    JobStatus = "cancelled"
)

// Terminal reports whether no further transition is expected without operator action.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusDeadLettered, StatusCancelled:
		return true
	}
	return false
}

const (
	MinPriority = 0
	MaxPriority = 9

	DefaultQueue       = "default"
	DefaultMaxAttempts = 5
)

// Job represents a unit of work held by the queue.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Type        OperationType   `json:"type"`
	Tenant      string          `json:"tenant,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Priority    int             `json:"priority"`
	Status      JobStatus       `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	AvailableAt time.Time       `json:"available_at"`
	LastError   string          `json:"last_error,omitempty"`
	BatchID     string          `json:"batch_id,omitempty"`
	BatchIndex  int             `json:"batch_index,omitempty"`

	// Held marks a pipeline stage that stays invisible until the prior stage completes.
	Held bool `json:"held,omitempty"`
}

// DeadLetterEntry is a job that exhausted its retry budget, parked for inspection or replay.
type DeadLetterEntry struct {
	Job        Job        `json:"job"`
	Error      string     `json:"error"`
	Attempts   int        `json:"attempts"`
	FailedAt   time.Time  `json:"failed_at"`
	ReplayedAt *time.Time `json:"replayed_at,omitempty"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Actor    string    `json:"actor"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
