package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"fleet-orchestrator/internal/models"
)

// jobFields flattens a job into hash field/value pairs.
func jobFields(job models.Job) []any {
	return []any{
		"id", job.ID,
		"queue", job.Queue,
		"type", string(job.Type),
		"tenant", job.Tenant,
		"payload", string(job.Payload),
		"attempts", job.Attempts,
		"max_attempts", job.MaxAttempts,
		"priority", job.Priority,
		"status", string(job.Status),
		"created_at", job.CreatedAt.UnixMilli(),
		"available_at", job.AvailableAt.UnixMilli(),
		"last_error", job.LastError,
		"batch_id", job.BatchID,
		"batch_index", job.BatchIndex,
		"held", boolFlag(job.Held),
	}
}

func decodeJob(h map[string]string) (models.Job, error) {
	if len(h) == 0 || h["id"] == "" {
		return models.Job{}, ErrJobNotFound
	}
	job := models.Job{
		ID:        h["id"],
		Queue:     h["queue"],
		Type:      models.OperationType(h["type"]),
		Tenant:    h["tenant"],
		Status:    models.JobStatus(h["status"]),
		LastError: h["last_error"],
		BatchID:   h["batch_id"],
		Held:      h["held"] == "1",
	}
	if p := h["payload"]; p != "" {
		job.Payload = json.RawMessage(p)
	}
	var err error
	if job.Attempts, err = atoi(h, "attempts"); err != nil {
		return models.Job{}, err
	}
	if job.MaxAttempts, err = atoi(h, "max_attempts"); err != nil {
		return models.Job{}, err
	}
	if job.Priority, err = atoi(h, "priority"); err != nil {
		return models.Job{}, err
	}
	if job.BatchIndex, err = atoi(h, "batch_index"); err != nil {
		return models.Job{}, err
	}
	if job.CreatedAt, err = millis(h, "created_at"); err != nil {
		return models.Job{}, err
	}
	if job.AvailableAt, err = millis(h, "available_at"); err != nil {
		return models.Job{}, err
	}
	return job, nil
}

// decodeReply converts a flat HGETALL reply returned from a script.
func decodeReply(res any) (models.Job, error) {
	h, err := hashReply(res)
	if err != nil {
		return models.Job{}, err
	}
	return decodeJob(h)
}

func hashReply(res any) (map[string]string, error) {
	arr, ok := res.([]any)
	if !ok {
		return nil, fmt.Errorf("queue: unexpected script reply %T", res)
	}
	h := make(map[string]string, len(arr)/2)
	for i := 0; i+1 < len(arr); i += 2 {
		k, _ := arr[i].(string)
		v, _ := arr[i+1].(string)
		h[k] = v
	}
	return h, nil
}

type transitionReply struct {
	job      models.Job
	cascaded []string
	batch    *models.Batch
}

// decodeTransition unpacks a terminal script reply: the job hash, the settlement code,
// the pipeline stages cancelled along with it and, when the batch finished, its hash.
func decodeTransition(res any) (transitionReply, error) {
	arr, ok := res.([]any)
	if !ok || len(arr) < 2 {
		return transitionReply{}, fmt.Errorf("queue: unexpected script reply %T", res)
	}
	var out transitionReply
	var err error
	if out.job, err = decodeReply(arr[0]); err != nil {
		return transitionReply{}, err
	}
	if len(arr) > 2 {
		ids, _ := arr[2].([]any)
		for _, id := range ids {
			if s, ok := id.(string); ok {
				out.cascaded = append(out.cascaded, s)
			}
		}
	}
	if code, _ := arr[1].(int64); code == settleFired && len(arr) > 3 {
		h, err := hashReply(arr[3])
		if err != nil {
			return transitionReply{}, err
		}
		b, err := DecodeBatch(h)
		if err != nil {
			return transitionReply{}, err
		}
		out.batch = &b
	}
	return out, nil
}

// DecodeBatch converts a batch hash into a Batch.
func DecodeBatch(h map[string]string) (models.Batch, error) {
	b := models.Batch{
		ID:            h["id"],
		Name:          h["name"],
		AllowFailures: h["allow_failures"] == "1",
		Pipeline:      h["pipeline"] == "1",
		Status:        models.BatchStatus(h["status"]),
		Fired:         h["fired"] == "1",
	}
	if raw := h["job_ids"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &b.JobIDs); err != nil {
			return models.Batch{}, fmt.Errorf("batch %s: job ids: %w", b.ID, err)
		}
	}
	var err error
	for field, dst := range map[string]*int{"total": &b.Total, "processed": &b.Processed, "failed": &b.Failed} {
		if *dst, err = atoi(h, field); err != nil {
			return models.Batch{}, fmt.Errorf("batch %s: %w", b.ID, err)
		}
	}
	if ms, err := strconv.ParseInt(h["created_at"], 10, 64); err == nil {
		b.CreatedAt = time.UnixMilli(ms).UTC()
	}
	if ms, err := strconv.ParseInt(h["finished_at"], 10, 64); err == nil {
		t := time.UnixMilli(ms).UTC()
		b.FinishedAt = &t
	}
	return b, nil
}

func atoi(h map[string]string, field string) (int, error) {
	v := h[field]
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("queue: field %s: %w", field, err)
	}
	return n, nil
}

func millis(h map[string]string, field string) (time.Time, error) {
	v := h[field]
	if v == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("queue: field %s: %w", field, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// score orders a pending set by availability, then by priority (higher first).
func score(availableAt time.Time, priority int) float64 {
	return float64(availableAt.UnixMilli()*10 + int64(models.MaxPriority-priority))
}

// eligibleScore is the highest score dequeueable at now.
func eligibleScore(now time.Time) float64 {
	return float64(now.UnixMilli()*10 + models.MaxPriority)
}
