// Package retry decides what happens to a job after a failed execution: another attempt
// after an exponential backoff, or the dead-letter set once the budget is spent.
package retry

import (
	"time"

	"fleet-orchestrator/internal/config"
)

// Policy is the retry budget and backoff curve.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy retries five times starting at one minute, capped at one hour.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, BaseDelay: 60 * time.Second, MaxDelay: time.Hour}
}

// PolicyFromConfig builds a policy from runtime settings, falling back to defaults.
func PolicyFromConfig(cfg config.Config) Policy {
	p := DefaultPolicy()
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.BackoffBase > 0 {
		p.BaseDelay = cfg.BackoffBase
	}
	if cfg.BackoffMax > 0 {
		p.MaxDelay = cfg.BackoffMax
	}
	return p
}

// Backoff returns the delay before the retry that follows the n-th failure:
// base * 2^(n-1), capped at MaxDelay.
func (p Policy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	wait := p.BaseDelay
	for i := 1; i < n; i++ {
		wait *= 2
		if wait >= p.MaxDelay || wait <= 0 {
			return p.MaxDelay
		}
	}
	return min(wait, p.MaxDelay)
}

// Decision is the outcome for one failed execution.
type Decision struct {
	Attempts   int
	DeadLetter bool
	RetryAt    time.Time
}

// Decide computes the next step for a job that has already run `attempts` times and just
// failed again. jobMax overrides the policy budget when positive.
func (p Policy) Decide(attempts, jobMax int, now time.Time) Decision {
	limit := p.MaxAttempts
	if jobMax > 0 {
		limit = jobMax
	}
	next := attempts + 1
	if next >= limit {
		return Decision{Attempts: next, DeadLetter: true, RetryAt: now}
	}
	return Decision{Attempts: next, RetryAt: now.Add(p.Backoff(next))}
}
