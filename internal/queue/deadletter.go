package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"fleet-orchestrator/internal/models"
)

const purgeBatch = 500

// snapshot serializes the job as it will look once dead-lettered.
func (q *RedisQueue) snapshot(ctx context.Context, id string, t FailTransition) string {
	job, err := q.Get(ctx, id)
	if err != nil {
		return ""
	}
	job.Attempts = t.Attempts
	job.LastError = t.Error
	job.Status = models.StatusDeadLettered
	b, err := json.Marshal(job)
	if err != nil {
		return ""
	}
	return string(b)
}

// DeadLetters lists dead-lettered jobs, newest failure first.
func (q *RedisQueue) DeadLetters(ctx context.Context, offset, limit int64) ([]models.DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := q.client.ZRevRange(ctx, q.dlqKey(), offset, offset+limit-1).Result()
	if err != nil {
		return nil, storeErr(err)
	}
	out := make([]models.DeadLetterEntry, 0, len(ids))
	for _, id := range ids {
		entry, err := q.DeadLetter(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

// DeadLetter loads one dead-letter entry.
func (q *RedisQueue) DeadLetter(ctx context.Context, id string) (models.DeadLetterEntry, error) {
	h, err := q.client.HGetAll(ctx, q.dlqEntryKey(id)).Result()
	if err != nil {
		return models.DeadLetterEntry{}, storeErr(err)
	}
	if len(h) == 0 {
		return models.DeadLetterEntry{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	entry := models.DeadLetterEntry{Error: h["error"]}
	if raw := h["job"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &entry.Job); err != nil {
			return models.DeadLetterEntry{}, fmt.Errorf("queue: decode dead letter %s: %w", id, err)
		}
	} else {
		// Snapshot missing: fall back to the live record.
		if entry.Job, err = q.Get(ctx, id); err != nil {
			return models.DeadLetterEntry{}, err
		}
	}
	if entry.Attempts, err = strconv.Atoi(h["attempts"]); err != nil {
		entry.Attempts = entry.Job.Attempts
	}
	if entry.FailedAt, err = millis(h, "failed_at"); err != nil {
		return models.DeadLetterEntry{}, err
	}
	return entry, nil
}

// DeadLetterCount is the size of the dead-letter set.
func (q *RedisQueue) DeadLetterCount(ctx context.Context) (int64, error) {
	n, err := q.client.ZCard(ctx, q.dlqKey()).Result()
	return n, storeErr(err)
}

// Replay moves a dead-lettered job back to pending with a fresh attempt budget.
func (q *RedisQueue) Replay(ctx context.Context, id string) (models.Job, error) {
	queue, err := q.queueOf(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	now := q.now()
	keys := []string{q.jobKey(id), q.pendingKey(queue), q.dlqKey(), q.dlqEntryKey(id)}
	res, err := replayScript.Run(ctx, q.client, keys, id, now.UnixMilli()*10, now.UnixMilli()).Result()
	if err != nil {
		return models.Job{}, storeErr(err)
	}
	if _, ok := res.(int64); ok {
		return models.Job{}, fmt.Errorf("%w: %s", ErrNotDeadLettered, id)
	}
	job, err := decodeReply(res)
	if err != nil {
		return models.Job{}, err
	}
	q.log.WithFields(logrus.Fields{"job_id": id, "queue": queue}).Info("dead letter replayed")
	q.emit(ctx, Event{Kind: JobReplayed, Job: job})
	return job, nil
}

// PurgeDeadLetters deletes entries that failed strictly before cutoff and returns how many
// were removed.
func (q *RedisQueue) PurgeDeadLetters(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	bound := "(" + strconv.FormatInt(cutoff.UnixMilli(), 10)
	for {
		n, err := purgeScript.Run(ctx, q.client, []string{q.dlqKey()},
			bound, q.jobPrefix(), q.dlqEntryPrefix(), purgeBatch).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return total, storeErr(err)
		}
		total += n
		if n < purgeBatch {
			break
		}
	}
	if total > 0 {
		q.log.WithFields(logrus.Fields{"count": total, "cutoff": cutoff}).Info("purged dead letters")
	}
	return total, nil
}
