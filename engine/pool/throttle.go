package pool

import (
	"sync"
	"time"
)

// throttle holds the shared AIMD dispatch delay.
//
// Additive decrease on success, multiplicative increase on capacity
// errors, always clamped to [min, max]. One lock per executor; the
// critical sections are a handful of arithmetic operations, never a
// sleep.
type throttle struct {
	mu sync.Mutex

	delay time.Duration
	min   time.Duration
	max   time.Duration
	mult  float64
	step  time.Duration

	// Stats for the audit trail.
	capacityRetries int
	successes       int
	peakDelay       time.Duration
	totalWait       time.Duration
}

func newThrottle(cfg Config) *throttle {
	return &throttle{
		delay: cfg.MinDispatchDelay,
		min:   cfg.MinDispatchDelay,
		max:   cfg.MaxDispatchDelay,
		mult:  cfg.BackoffMultiplier,
		step:  cfg.RecoveryStep,
	}
}

// current returns the delay to apply before the next dispatch.
func (t *throttle) current() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.delay
}

// backoff multiplies the delay after a capacity error.
func (t *throttle) backoff() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.capacityRetries++
	next := time.Duration(float64(t.delay) * t.mult)
	if t.delay == 0 {
		// Multiplying zero stays zero; seed the backoff from the
		// recovery step so a floorless pool still slows down.
		next = t.step
		if next == 0 {
			next = 10 * time.Millisecond
		}
	}
	if next > t.max {
		next = t.max
	}
	t.delay = next
	if t.delay > t.peakDelay {
		t.peakDelay = t.delay
	}
}

// recover walks the delay back down after a success.
func (t *throttle) recover() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.successes++
	next := t.delay - t.step
	if next < t.min {
		next = t.min
	}
	t.delay = next
}

// recordWait accumulates time actually spent sleeping, for stats.
func (t *throttle) recordWait(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalWait += d
}

// Stats is a snapshot of throttle behavior, surfaced for the audit
// trail alongside pool results.
type Stats struct {
	CapacityRetries int
	Successes       int
	CurrentDelay    time.Duration
	PeakDelay       time.Duration
	TotalWait       time.Duration
}

func (t *throttle) stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		CapacityRetries: t.capacityRetries,
		Successes:       t.successes,
		CurrentDelay:    t.delay,
		PeakDelay:       t.peakDelay,
		TotalWait:       t.totalWait,
	}
}
