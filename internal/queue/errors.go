package queue

import (
	"errors"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrStoreUnavailable means Redis could not be reached. Callers should back off and retry;
	// the queue never drops a job on this path.
	ErrStoreUnavailable = errors.New("queue: store unavailable")
	// ErrQueueFull rejects a submission when the queue is over capacity.
	ErrQueueFull   = errors.New("queue: over capacity")
	ErrInvalidJob  = errors.New("queue: invalid job")
	ErrJobNotFound = errors.New("queue: job not found")
	ErrNotPending  = errors.New("queue: job is not pending")
	ErrNotRunning  = errors.New("queue: job is not running")
	// ErrConflict is returned when a compare-and-swap lost against a concurrent transition.
	ErrConflict        = errors.New("queue: concurrent modification")
	ErrNotDeadLettered = errors.New("queue: job is not dead-lettered")
)

func storeErr(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	return errors.Join(ErrStoreUnavailable, err)
}
