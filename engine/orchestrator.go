package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/elspeth-engine/elspeth/engine/canonical"
	"github.com/elspeth-engine/elspeth/engine/landscape"
	"github.com/elspeth-engine/elspeth/engine/pool"
)

// RunResult summarizes one run.
type RunResult struct {
	RunID   string
	Rows    int
	Written int
	Failed  int
}

// Run executes a pipeline end to end: registers the run topology,
// drives every source row to a terminal outcome, flushes aggregation
// buffers at end of source, and closes the run.
//
// The returned error is the unrecoverable failure that stopped the
// run, if any; per-row terminal failures are counted in the result
// and recorded in the audit trail, they do not fail the run.
func (e *Engine) Run(ctx context.Context, p *Pipeline, config map[string]any) (*RunResult, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	rt, err := e.register(ctx, p, config)
	if err != nil {
		return nil, err
	}
	e.emit(rt.run.RunID, -1, "", "", "run_started", map[string]any{
		"source": p.Source.Name(),
		"steps":  len(p.Steps),
	})

	result, runErr := e.execute(ctx, rt, 0, nil)
	return e.finish(ctx, rt, result, runErr)
}

// Resume continues a crashed run: validates sink resume capability,
// rebinds the pipeline to the recorded topology, repairs interrupted
// batches, restores aggregation state from the latest checkpoint, and
// re-feeds every row the crash left unfinished before continuing from
// the source.
func (e *Engine) Resume(ctx context.Context, runID string, p *Pipeline, config map[string]any) (*RunResult, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	// Non-resumable sinks fail before any processing begins.
	for name, sink := range p.Sinks {
		if !sink.SupportsResume() {
			return nil, fmt.Errorf("sink %q: %w", name, ErrResumeNotSupported)
		}
	}

	run, err := e.db.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status == landscape.RunCompleted || run.Status == landscape.RunFailed {
		return nil, validationf("resume", "run %s is already %s", runID, run.Status)
	}

	// The pipeline config must be the one the run started with.
	fingerprinted, err := FingerprintConfig(config)
	if err != nil {
		return nil, err
	}
	if hash, err := configHash(fingerprinted); err != nil {
		return nil, err
	} else if hash != run.ConfigHash {
		return nil, validationf("resume", "config hash %s does not match run %s", hash, run.ConfigHash)
	}

	rt := newRuntime(e, p, run)
	if err := rt.rebind(ctx); err != nil {
		return nil, err
	}
	for name, sink := range p.Sinks {
		if err := sink.ConfigureForResume(); err != nil {
			return nil, fmt.Errorf("configuring sink %q for resume: %w", name, err)
		}
	}

	if err := e.repairBatches(ctx, rt); err != nil {
		return nil, err
	}
	if err := e.restoreAggregationState(ctx, rt); err != nil {
		return nil, err
	}
	if err := e.recorder.ReopenRun(ctx, runID); err != nil {
		return nil, err
	}
	e.emit(runID, -1, "", "", "run_resumed", nil)

	// Rows recorded before the crash but never checkpointed are
	// re-fed from their audited payloads; fresh rows continue from
	// the source at the next unseen index.
	pending, err := e.collectUnfinishedRows(ctx, rt)
	if err != nil {
		return nil, err
	}
	offset, err := e.db.GetMaxRowIndex(ctx, runID)
	if err != nil {
		return nil, err
	}

	result, runErr := e.execute(ctx, rt, offset+1, pending)
	return e.finish(ctx, rt, result, runErr)
}

// FindInterruptedRuns lists runs a dead process left in status
// running; each needs Resume (or manual closure) before its output
// can be trusted.
func (e *Engine) FindInterruptedRuns(ctx context.Context) ([]*CrashRecoveryNeeded, error) {
	ids, err := e.db.GetRunsByStatus(ctx, landscape.RunRunning)
	if err != nil {
		return nil, err
	}
	out := make([]*CrashRecoveryNeeded, len(ids))
	for i, id := range ids {
		out[i] = &CrashRecoveryNeeded{RunID: id}
	}
	return out, nil
}

// configHash must match what BeginRun stored; both hash the
// fingerprinted config through the canonical encoding.
func configHash(config map[string]any) (string, error) {
	data, err := canonical.MarshalCanonical(config)
	if err != nil {
		return "", err
	}
	return canonical.HashBytes(data), nil
}

type recordedRow struct {
	rec  *landscape.Row
	data Row
}

// execute feeds rows through the processor: first any rows recovered
// from the audit store, then the live source starting at startIndex.
// After the source is exhausted it flushes aggregation buffers with
// END_OF_SOURCE.
func (e *Engine) execute(ctx context.Context, rt *runtime, startIndex int, recovered []recordedRow) (*RunResult, error) {
	proc := &processor{rt: rt}
	result := &RunResult{RunID: rt.run.RunID}

	tally := func(out outcome) {
		switch out {
		case outcomeWritten:
			result.Written++
		case outcomeFailed:
			result.Failed++
		}
	}

	for _, rr := range recovered {
		result.Rows++
		out, err := proc.processRow(ctx, rr.rec, rr.data)
		if err != nil {
			return result, err
		}
		tally(out)
	}

	iter, err := rt.pipeline.Source.Open(ctx, startIndex)
	if err != nil {
		return result, &PluginError{Plugin: rt.pipeline.Source.Name(), Err: err}
	}
	defer iter.Close()

	if e.maxWorkers <= 1 {
		err = e.feedSequential(ctx, proc, iter, startIndex, result, tally)
	} else {
		err = e.feedPooled(ctx, proc, iter, startIndex, result, tally)
	}
	if err != nil {
		return result, err
	}

	// End of source: drain every aggregation buffer.
	for i := range rt.pipeline.Steps {
		step := &rt.pipeline.Steps[i]
		if step.Aggregation == nil {
			continue
		}
		buffer := rt.aggregations[step.Aggregation.Name]
		outs, err := buffer.flushEndOfSource(ctx, rt)
		if err != nil {
			return result, err
		}
		if len(outs) == 0 {
			continue
		}
		out, err := proc.driveAll(ctx, outs, i+1)
		if err != nil {
			return result, err
		}
		tally(out)
	}

	// A fork branch that never reached its coalesce point is a
	// pipeline bug, not a row failure.
	for name, buffer := range rt.coalescers {
		if groups := buffer.pendingGroups(); len(groups) > 0 {
			return result, validationf("coalesce", "%s: %d fork group(s) never completed", name, len(groups))
		}
	}
	return result, nil
}

func (e *Engine) feedSequential(ctx context.Context, proc *processor, iter RowIterator, startIndex int, result *RunResult, tally func(outcome)) error {
	index := startIndex
	for {
		row, err := iter.Next(ctx)
		if errors.Is(err, ErrEndOfSource) {
			return nil
		}
		if err != nil {
			return &PluginError{Plugin: proc.rt.pipeline.Source.Name(), Err: err}
		}
		result.Rows++
		out, err := proc.processNewRow(ctx, index, row)
		if err != nil {
			return err
		}
		tally(out)
		index++
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// feedPooled reads the source in windows and processes each window
// through the AIMD worker pool. Window results come back in input
// order; row indexes stay globally dense.
func (e *Engine) feedPooled(ctx context.Context, proc *processor, iter RowIterator, startIndex int, result *RunResult, tally func(outcome)) error {
	cfg := e.poolCfg
	cfg.PoolSize = e.maxWorkers
	exec, err := pool.NewExecutor[outcome](cfg)
	if err != nil {
		return err
	}

	windowSize := e.maxWorkers * 4
	index := startIndex
	seenRetries := 0
	window := make([]pool.RowContext, 0, windowSize)

	runWindow := func() error {
		if len(window) == 0 {
			return nil
		}
		// Pool RowIndex is window-local; StateID carries the global
		// row index.
		results, execErr := exec.Execute(ctx, window, func(ctx context.Context, row map[string]any, stateID string) (outcome, error) {
			globalIndex, err := strconv.Atoi(stateID)
			if err != nil {
				return outcomeFailed, err
			}
			return proc.processNewRow(ctx, globalIndex, row)
		})
		if execErr != nil {
			return execErr
		}
		for _, res := range results {
			if res.Err != nil {
				return res.Err
			}
			tally(res.Value)
		}
		stats := exec.Stats()
		e.countCapacityBackoff(stats.CapacityRetries - seenRetries)
		seenRetries = stats.CapacityRetries
		window = window[:0]
		return nil
	}

	for {
		row, err := iter.Next(ctx)
		if errors.Is(err, ErrEndOfSource) {
			return runWindow()
		}
		if err != nil {
			return &PluginError{Plugin: proc.rt.pipeline.Source.Name(), Err: err}
		}
		result.Rows++
		window = append(window, pool.RowContext{
			Row:      row,
			StateID:  strconv.Itoa(index),
			RowIndex: len(window),
		})
		index++
		if len(window) >= windowSize {
			if err := runWindow(); err != nil {
				return err
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// finish closes out the run with its terminal status and
// reproducibility grade.
func (e *Engine) finish(ctx context.Context, rt *runtime, result *RunResult, runErr error) (*RunResult, error) {
	status := landscape.RunCompleted
	if runErr != nil {
		status = landscape.RunFailed
	}
	grade := e.deriveGrade(ctx, rt)

	if err := e.recorder.CompleteRun(ctx, rt.run.RunID, status, grade); err != nil {
		if runErr == nil {
			runErr = err
		}
	}
	e.countRunFinished(status)
	e.emit(rt.run.RunID, -1, "", "", "run_finished", map[string]any{
		"status":  string(status),
		"rows":    result.Rows,
		"written": result.Written,
		"failed":  result.Failed,
	})
	return result, runErr
}

// deriveGrade computes the run's reproducibility grade from its
// nodes: a run is fully reproducible only when every node is pure or
// deterministic; anything touching I/O or external services can only
// be replayed from recorded payloads.
func (e *Engine) deriveGrade(ctx context.Context, rt *runtime) landscape.ReproducibilityGrade {
	nodes, err := e.db.GetNodes(ctx, rt.run.RunID)
	if err != nil {
		return ""
	}
	for _, node := range nodes {
		switch node.Determinism {
		case landscape.DeterminismPure, landscape.DeterminismDeterministic:
		default:
			return landscape.GradeReplayReproducible
		}
	}
	return landscape.GradeFullReproducible
}

// repairBatches applies the crash-recovery rule: executing batches
// are failed (their flush never finished), and failed batches are
// retried as fresh drafts re-installed into their aggregation buffer.
func (e *Engine) repairBatches(ctx context.Context, rt *runtime) error {
	batches, err := e.db.GetIncompleteBatches(ctx, rt.run.RunID)
	if err != nil {
		return err
	}
	for _, batch := range batches {
		buffer := rt.bufferForNode(batch.AggregationNodeID)
		if buffer == nil {
			return validationf("resume", "batch %s belongs to unknown aggregation node %s", batch.BatchID, batch.AggregationNodeID)
		}
		switch batch.Status {
		case landscape.BatchExecuting:
			if err := e.recorder.UpdateBatchStatus(ctx, batch.BatchID, landscape.BatchFailed, landscape.BatchUpdate{}); err != nil {
				return err
			}
			retry, err := e.recorder.RetryBatch(ctx, batch.BatchID)
			if err != nil {
				return err
			}
			if err := buffer.restoreBatch(ctx, rt, retry); err != nil {
				return err
			}
		case landscape.BatchFailed:
			retry, err := e.recorder.RetryBatch(ctx, batch.BatchID)
			if err != nil {
				return err
			}
			if err := buffer.restoreBatch(ctx, rt, retry); err != nil {
				return err
			}
		case landscape.BatchDraft:
			if err := buffer.restoreBatch(ctx, rt, batch); err != nil {
				return err
			}
		}
	}
	return nil
}

func (rt *runtime) bufferForNode(nodeID string) *aggBuffer {
	for _, buffer := range rt.aggregations {
		if buffer.node.NodeID == nodeID {
			return buffer
		}
	}
	return nil
}

// restoreAggregationState hands each aggregation plugin the opaque
// state snapshot from the latest checkpoint.
func (e *Engine) restoreAggregationState(ctx context.Context, rt *runtime) error {
	cp, err := e.db.GetLatestCheckpoint(ctx, rt.run.RunID)
	if errors.Is(err, landscape.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if cp.AggregationStateJSON == "" {
		return nil
	}
	var byNode map[string]map[string]any
	if err := json.Unmarshal([]byte(cp.AggregationStateJSON), &byNode); err != nil {
		return fmt.Errorf("decoding checkpoint aggregation state: %w", err)
	}
	for nodeID, state := range byNode {
		if buffer := rt.bufferForNode(nodeID); buffer != nil {
			buffer.restoreState(state)
		}
	}
	return nil
}

// collectUnfinishedRows loads the rows recorded before a crash that
// never reached a checkpoint, in row order.
func (e *Engine) collectUnfinishedRows(ctx context.Context, rt *runtime) ([]recordedRow, error) {
	indexes, err := e.db.GetUnprocessedRows(ctx, rt.run.RunID)
	if err != nil {
		return nil, err
	}
	out := make([]recordedRow, 0, len(indexes))
	for _, index := range indexes {
		rec, inline, err := e.db.GetRow(ctx, rt.run.RunID, index)
		if err != nil {
			return nil, err
		}
		data, err := rt.loadRowData(ctx, rec, inline)
		if err != nil {
			return nil, err
		}
		out = append(out, recordedRow{rec: rec, data: data})
	}
	return out, nil
}
