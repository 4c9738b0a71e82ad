package health

import "errors"

var (
	// ErrProbeFailed covers connection errors and unacceptable probe statuses.
	ErrProbeFailed = errors.New("health: probe failed")
	// ErrProbeTimeout is returned when a probe misses its deadline.
	ErrProbeTimeout = errors.New("health: probe timed out")
)
