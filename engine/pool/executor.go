package pool

import (
	"context"
	"errors"
	"sync"
	"time"
)

// RowContext carries one item of work through the pool.
type RowContext struct {
	// Row is the row data to process.
	Row map[string]any

	// StateID is the audit state the work belongs to. It may be unique
	// per row or shared across a batch; per-state call indexes keep
	// recorded calls distinct either way.
	StateID string

	// RowIndex is the item's position in the input, used for output
	// ordering.
	RowIndex int
}

// Result is the outcome for one input item. Exactly one of Value/Err
// is meaningful; Err is terminal (retries happen inside the pool).
type Result[R any] struct {
	RowIndex int
	Value    R
	Err      error
}

// ProcessFunc does the per-item work. Returning a *CapacityError (or
// an error wrapping one) signals rate limiting: the pool backs off and
// requeues the item. Any other error is terminal for that item.
type ProcessFunc[R any] func(ctx context.Context, row map[string]any, stateID string) (R, error)

// Executor runs batches of row work through a bounded worker pool.
//
// Results always come back dense and in input order regardless of
// completion order. A batch is synchronous from the caller's view:
// Execute blocks until every item has a terminal result or the context
// is cancelled.
//
// Execute is serialized; concurrent calls on one Executor queue behind
// each other so results from different batches never interleave.
type Executor[R any] struct {
	cfg      Config
	throttle *throttle

	// batchMu serializes Execute calls.
	batchMu sync.Mutex

	// lastDispatch enforces the pacing floor across all workers.
	dispatchMu   sync.Mutex
	lastDispatch time.Time
}

// NewExecutor creates an Executor with validated config.
func NewExecutor[R any](cfg Config) (*Executor[R], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Executor[R]{
		cfg:      cfg,
		throttle: newThrottle(cfg),
	}, nil
}

// Stats returns a snapshot of the AIMD throttle counters.
func (e *Executor[R]) Stats() Stats { return e.throttle.stats() }

// Execute processes items concurrently and returns one Result per
// input item, at the input index. Empty input returns an empty slice.
//
// On context cancellation, dispatch stops, in-flight workers finish
// their current item, and Execute returns the results completed so far
// together with the context error. Items never dispatched carry the
// context error as their result.
func (e *Executor[R]) Execute(ctx context.Context, items []RowContext, fn ProcessFunc[R]) ([]Result[R], error) {
	if len(items) == 0 {
		return nil, nil
	}

	e.batchMu.Lock()
	defer e.batchMu.Unlock()

	type task struct {
		item       RowContext
		retryStart time.Time // zero until the first capacity error
	}

	// Capacity len(items): every live item occupies at most one slot,
	// so requeues never block.
	queue := make(chan task, len(items))
	for _, item := range items {
		queue <- task{item: item}
	}

	results := make([]Result[R], len(items))
	for i := range results {
		results[i] = Result[R]{RowIndex: items[i].RowIndex, Err: context.Canceled}
	}

	var (
		wg        sync.WaitGroup
		remaining sync.WaitGroup
	)
	remaining.Add(len(items))

	// done closes when every item has a terminal result; it releases
	// workers blocked on an empty queue.
	done := make(chan struct{})
	go func() {
		remaining.Wait()
		close(done)
	}()

	workers := e.cfg.PoolSize
	if workers > len(items) {
		workers = len(items)
	}

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				var tk task
				select {
				case <-ctx.Done():
					return
				case <-done:
					return
				case tk = <-queue:
				}

				if !e.waitForDispatch(ctx) {
					// Cancelled mid-sleep; the item was never dispatched.
					// Put it back so the result stays context.Canceled
					// and let the loop observe ctx.Done.
					queue <- tk
					return
				}

				value, err := fn(ctx, tk.item.Row, tk.item.StateID)

				var capErr *CapacityError
				switch {
				case err == nil:
					e.throttle.recover()
					results[tk.item.RowIndex] = Result[R]{RowIndex: tk.item.RowIndex, Value: value}
					remaining.Done()

				case errors.As(err, &capErr):
					e.throttle.backoff()
					now := time.Now()
					if tk.retryStart.IsZero() {
						tk.retryStart = now
					}
					if elapsed := now.Sub(tk.retryStart); elapsed > e.cfg.MaxCapacityRetry {
						results[tk.item.RowIndex] = Result[R]{
							RowIndex: tk.item.RowIndex,
							Err:      &ErrRetryBudgetExhausted{Elapsed: elapsed, Last: err},
						}
						remaining.Done()
						continue
					}
					queue <- tk

				default:
					// Terminal failure for this item; others continue.
					results[tk.item.RowIndex] = Result[R]{RowIndex: tk.item.RowIndex, Err: err}
					remaining.Done()
				}
			}
		}()
	}

	// Wait for completion or cancellation.
	select {
	case <-done:
		wg.Wait()
		return results, nil
	case <-ctx.Done():
		wg.Wait()
		// Workers have exited, so every task is either settled or back
		// in the queue. Settle the queued ones (their results already
		// carry context.Canceled) so the done-closer goroutine can
		// finish instead of leaking on remaining.Wait.
		for {
			select {
			case <-queue:
				remaining.Done()
			default:
				return results, ctx.Err()
			}
		}
	}
}

// waitForDispatch sleeps the current AIMD delay before a dispatch and
// enforces global pacing between dispatches across workers. Returns
// false if the context was cancelled during the wait.
func (e *Executor[R]) waitForDispatch(ctx context.Context) bool {
	delay := e.throttle.current()

	// Global pacing gate: space dispatches at least `delay` apart. The
	// lock covers only the check-and-update, never the sleep.
	var wait time.Duration
	e.dispatchMu.Lock()
	now := time.Now()
	earliest := e.lastDispatch.Add(delay)
	if now.Before(earliest) {
		wait = earliest.Sub(now)
		e.lastDispatch = earliest
	} else {
		e.lastDispatch = now
	}
	e.dispatchMu.Unlock()

	if wait <= 0 {
		return true
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		e.throttle.recordWait(wait)
		return true
	}
}
