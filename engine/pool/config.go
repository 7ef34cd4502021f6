// Package pool provides a bounded worker pool with an AIMD dispatch
// throttle and strict input-order results.
//
// Any plugin that wants per-row concurrency (parallel HTTP or LLM
// calls, batched sink writes) runs its work through an Executor. The
// pool adapts its dispatch rate to rate-limit signals: a CapacityError
// multiplies the shared inter-dispatch delay, a success walks it back
// down linearly. Items that keep hitting capacity errors beyond a time
// budget fail terminally instead of retrying forever.
package pool

import (
	"fmt"
	"time"
)

// Config configures an Executor. The zero value is not valid; use
// DefaultConfig and override what you need, then Validate.
type Config struct {
	// PoolSize is the number of concurrent workers. 1 means sequential.
	PoolSize int

	// MinDispatchDelay is the floor for the inter-dispatch delay.
	MinDispatchDelay time.Duration

	// MaxDispatchDelay is the ceiling for the inter-dispatch delay.
	MaxDispatchDelay time.Duration

	// BackoffMultiplier is applied to the delay on each CapacityError.
	// Must be greater than 1.
	BackoffMultiplier float64

	// RecoveryStep is subtracted from the delay on each success.
	RecoveryStep time.Duration

	// MaxCapacityRetry is the per-item total time budget for capacity
	// retries. An item still hitting capacity errors past this budget
	// fails with a terminal capacity error.
	MaxCapacityRetry time.Duration
}

// DefaultConfig returns the documented defaults: sequential pool, no
// pacing floor, 5s ceiling, 2x backoff, 50ms recovery, 1h retry budget.
func DefaultConfig() Config {
	return Config{
		PoolSize:          1,
		MinDispatchDelay:  0,
		MaxDispatchDelay:  5000 * time.Millisecond,
		BackoffMultiplier: 2.0,
		RecoveryStep:      50 * time.Millisecond,
		MaxCapacityRetry:  3600 * time.Second,
	}
}

// Validate checks config invariants. Fail fast at construction; a pool
// misconfiguration discovered mid-run would strand in-flight rows.
func (c Config) Validate() error {
	if c.PoolSize < 1 {
		return fmt.Errorf("pool: pool size must be >= 1, got %d", c.PoolSize)
	}
	if c.MinDispatchDelay < 0 {
		return fmt.Errorf("pool: min dispatch delay must be >= 0, got %v", c.MinDispatchDelay)
	}
	if c.MaxDispatchDelay < c.MinDispatchDelay {
		return fmt.Errorf("pool: max dispatch delay %v is below min %v", c.MaxDispatchDelay, c.MinDispatchDelay)
	}
	if c.BackoffMultiplier <= 1 {
		return fmt.Errorf("pool: backoff multiplier must be > 1, got %v", c.BackoffMultiplier)
	}
	if c.RecoveryStep < 0 {
		return fmt.Errorf("pool: recovery step must be >= 0, got %v", c.RecoveryStep)
	}
	if c.MaxCapacityRetry <= 0 {
		return fmt.Errorf("pool: max capacity retry budget must be > 0, got %v", c.MaxCapacityRetry)
	}
	return nil
}

// CapacityError signals a rate limit from the processing function.
// The pool backs off and requeues the item instead of failing it.
type CapacityError struct {
	// Message describes the capacity condition (e.g. "429 from provider").
	Message string

	// RetryAfter is an optional provider-suggested wait. Zero means
	// unknown; the AIMD delay governs either way.
	RetryAfter time.Duration
}

func (e *CapacityError) Error() string {
	if e.Message == "" {
		return "capacity exceeded"
	}
	return "capacity exceeded: " + e.Message
}

// ErrRetryBudgetExhausted wraps a CapacityError once an item has spent
// its MaxCapacityRetry budget. It is terminal.
type ErrRetryBudgetExhausted struct {
	Elapsed time.Duration
	Last    error
}

func (e *ErrRetryBudgetExhausted) Error() string {
	return fmt.Sprintf("capacity retry budget exhausted after %v: %v", e.Elapsed, e.Last)
}

func (e *ErrRetryBudgetExhausted) Unwrap() error { return e.Last }
