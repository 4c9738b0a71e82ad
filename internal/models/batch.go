package models

import "time"

// BatchStatus enumerates lifecycle states of a batch.
type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
	// BatchFinished means every job reached a terminal state and failures were tolerated.
	BatchFinished BatchStatus = "finished"
)

// Terminal reports whether the batch has fired its terminal callbacks.
func (s BatchStatus) Terminal() bool {
	return s == BatchCompleted || s == BatchFailed || s == BatchFinished
}

// Batch tracks a set of jobs for aggregate completion reporting.
type Batch struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	JobIDs        []string    `json:"job_ids"`
	AllowFailures bool        `json:"allow_failures"`
	Pipeline      bool        `json:"pipeline"`
	Total         int         `json:"total"`
	Processed     int         `json:"processed"`
	Failed        int         `json:"failed"`
	Status        BatchStatus `json:"status"`
	Fired         bool        `json:"fired"`
	CreatedAt     time.Time   `json:"created_at"`
	FinishedAt    *time.Time  `json:"finished_at,omitempty"`
}
