package engine

import "time"

// RetryPolicy controls re-attempts of retryable plugin failures.
// Each attempt k waits InitialDelay * 2^k, capped at MaxDelay. Every
// attempt opens a fresh NodeState; the failed attempts stay in the
// audit trail.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryPolicy returns 3 attempts with 100ms initial backoff
// capped at 5s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
	}
}

// Backoff returns the delay before attempt number attempt (0-based;
// the first retry is attempt 1).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	delay := p.InitialDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}
