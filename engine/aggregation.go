package engine

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/elspeth-engine/elspeth/engine/landscape"
)

// bufferedMember is one token parked in an aggregation buffer.
type bufferedMember struct {
	token *landscape.Token
	row   Row
	step  int // step_index the flush state will use
}

// aggBuffer is the shared, locked state of one aggregation node: the
// current draft batch and its buffered members. Durability rule:
// AddBatchMember lands before accept returns, so an accepted row is
// never lost to a crash.
type aggBuffer struct {
	spec *AggregationSpec
	node *landscape.Node
	pos  int // index of this step in the pipeline chain

	mu       sync.Mutex
	batch    *landscape.Batch
	members  []bufferedMember
	firstAt  time.Time
	restored map[string]any // checkpoint state handed to the plugin context
}

func newAggBuffer(spec *AggregationSpec, node *landscape.Node, pos int) *aggBuffer {
	return &aggBuffer{spec: spec, node: node, pos: pos}
}

// accept buffers one token and flushes if a trigger fires. The
// returned tokens (nil when no flush happened) are the flush outputs,
// ready to continue after the aggregation node.
func (a *aggBuffer) accept(ctx context.Context, rt *runtime, at *activeToken) ([]*activeToken, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.batch == nil {
		batch, err := rt.engine.recorder.CreateBatch(ctx, rt.run.RunID, a.node.NodeID)
		if err != nil {
			return nil, err
		}
		a.batch = batch
		a.firstAt = time.Now()
	}
	if err := rt.engine.recorder.AddBatchMember(ctx, a.batch.BatchID, at.token.TokenID, len(a.members)); err != nil {
		return nil, err
	}
	a.members = append(a.members, bufferedMember{token: at.token, row: at.row, step: at.step})

	trigger, reason, fired := a.checkTriggers(at.row)
	if !fired {
		return nil, nil
	}
	return a.flushLocked(ctx, rt, trigger, reason)
}

func (a *aggBuffer) checkTriggers(latest Row) (landscape.TriggerType, string, bool) {
	if a.spec.MaxCount > 0 && len(a.members) >= a.spec.MaxCount {
		return landscape.TriggerCount, fmt.Sprintf("count>=%d", a.spec.MaxCount), true
	}
	if a.spec.MaxAge > 0 && time.Since(a.firstAt) >= a.spec.MaxAge {
		return landscape.TriggerTimeout, fmt.Sprintf("age>=%s", a.spec.MaxAge), true
	}
	if a.spec.compiled != nil {
		ok, err := a.spec.compiled.EvalBool(latest)
		if err == nil && ok {
			return landscape.TriggerCondition, a.spec.Condition, true
		}
	}
	return "", "", false
}

// flushEndOfSource drains the buffer at run end. A no-op when nothing
// is buffered.
func (a *aggBuffer) flushEndOfSource(ctx context.Context, rt *runtime) ([]*activeToken, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.batch == nil || len(a.members) == 0 {
		return nil, nil
	}
	return a.flushLocked(ctx, rt, landscape.TriggerEndOfSource, "end_of_source")
}

// flushLocked executes the audit-correct flush path: batch goes
// executing, the plugin runs under a NodeState on the representative
// (first) token, and the batch closes completed or failed. Callers
// hold a.mu.
func (a *aggBuffer) flushLocked(ctx context.Context, rt *runtime, trigger landscape.TriggerType, reason string) ([]*activeToken, error) {
	rec := rt.engine.recorder
	batch := a.batch
	rep := a.members[0]
	rows := make([]Row, len(a.members))
	for i, m := range a.members {
		rows[i] = m.row
	}

	if err := rec.UpdateBatchStatus(ctx, batch.BatchID, landscape.BatchExecuting, landscape.BatchUpdate{
		TriggerType:   trigger,
		TriggerReason: reason,
	}); err != nil {
		return nil, err
	}

	state, err := rec.BeginNodeState(ctx, landscape.StateSpec{
		RunID:     rt.run.RunID,
		TokenID:   rep.token.TokenID,
		NodeID:    a.node.NodeID,
		StepIndex: rep.step,
		Attempt:   batch.Attempt,
		Input:     rows,
	})
	if err != nil {
		return nil, err
	}
	pc := &PluginContext{
		RunID:         rt.run.RunID,
		StateID:       state.StateID,
		recorder:      rec,
		restoredState: a.restored,
	}

	start := time.Now()
	result := a.spec.Plugin.Flush(ctx, rows, pc)
	elapsed := time.Since(start)
	rt.engine.observeNode(landscape.NodeAggregation, elapsed)

	if !result.OK() {
		info := result.Reason()
		if info == nil {
			info = &landscape.ErrorInfo{Kind: "plugin_terminal", Message: "aggregation flush failed without a reason"}
		}
		if err := rt.completeFailed(ctx, state.StateID, info, elapsed); err != nil {
			return nil, err
		}
		if err := rec.UpdateBatchStatus(ctx, batch.BatchID, landscape.BatchFailed, landscape.BatchUpdate{
			StateID: state.StateID,
		}); err != nil {
			return nil, err
		}
		a.reset()
		return nil, &PluginError{
			Plugin:    a.spec.Name,
			Retryable: result.Retryable(),
			Reason:    info,
		}
	}

	outputs := result.Rows()
	if outputs == nil {
		outputs = []Row{result.Row()}
	}
	if len(outputs) == 0 {
		// Contract violation, but the flush still terminated: the state
		// and batch must close out like any other failure.
		info := &landscape.ErrorInfo{Kind: "validation", Message: "aggregation flush returned no rows"}
		if err := rt.completeFailed(ctx, state.StateID, info, elapsed); err != nil {
			return nil, err
		}
		if err := rec.UpdateBatchStatus(ctx, batch.BatchID, landscape.BatchFailed, landscape.BatchUpdate{
			StateID: state.StateID,
		}); err != nil {
			return nil, err
		}
		a.reset()
		return nil, &PluginError{
			Plugin: a.spec.Name,
			Reason: info,
		}
	}

	var output any = outputs
	if len(outputs) == 1 {
		output = outputs[0]
	}
	if err := rec.CompleteNodeState(ctx, state.StateID, landscape.StateCompletion{
		Status:     landscape.StateCompleted,
		Output:     output,
		DurationMS: float64(elapsed) / float64(time.Millisecond),
	}); err != nil {
		return nil, err
	}
	if err := rec.UpdateBatchStatus(ctx, batch.BatchID, landscape.BatchCompleted, landscape.BatchUpdate{
		StateID: state.StateID,
	}); err != nil {
		return nil, err
	}

	var outs []*activeToken
	if len(outputs) == 1 {
		// The representative token carries the single flush result
		// downstream.
		outs = append(outs, &activeToken{token: rep.token, row: outputs[0], step: rep.step + 1})
		if err := rec.RecordBatchOutput(ctx, batch.BatchID, landscape.OutputToken, rep.token.TokenID); err != nil {
			return nil, err
		}
	} else {
		branches := make([]string, len(outputs))
		for i := range outputs {
			branches[i] = strconv.Itoa(i)
		}
		children, err := rec.ForkToken(ctx, rep.token.TokenID, branches)
		if err != nil {
			return nil, err
		}
		rt.recordFork(children[0].ForkGroupID, branches)
		rt.engine.countForks(len(children))
		for i, child := range children {
			outs = append(outs, &activeToken{token: child, row: outputs[i], step: rep.step + 1})
			if err := rec.RecordBatchOutput(ctx, batch.BatchID, landscape.OutputToken, child.TokenID); err != nil {
				return nil, err
			}
		}
	}

	rt.engine.countBatchFlush(trigger)
	rt.engine.emit(rt.run.RunID, -1, rep.token.TokenID, a.node.NodeID, "batch_flushed", map[string]any{
		"batch_id": batch.BatchID,
		"trigger":  string(trigger),
		"members":  len(rows),
		"outputs":  len(outputs),
	})

	a.reset()
	return outs, nil
}

func (a *aggBuffer) reset() {
	a.batch = nil
	a.members = nil
	a.firstAt = time.Time{}
}

// restoreState reinstalls checkpointed plugin state during resume.
func (a *aggBuffer) restoreState(state map[string]any) {
	a.mu.Lock()
	a.restored = state
	a.mu.Unlock()
	if snap, ok := a.spec.Plugin.(AggregationSnapshotter); ok && state != nil {
		snap.RestoreState(state)
	}
}

// restoreBatch reinstalls a draft batch (typically a retry minted by
// RetryBatch) as the current batch, reloading member tokens and their
// row payloads from the audit store.
func (a *aggBuffer) restoreBatch(ctx context.Context, rt *runtime, batch *landscape.Batch) error {
	members, err := rt.engine.db.GetBatchMembers(ctx, batch.BatchID)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.batch = batch
	a.members = a.members[:0]
	a.firstAt = time.Now()

	for _, member := range members {
		token, err := rt.engine.db.GetToken(ctx, member.TokenID)
		if err != nil {
			return err
		}
		rec, inline, err := rt.engine.db.GetRowByID(ctx, token.RowID)
		if err != nil {
			return err
		}
		row, err := rt.loadRowData(ctx, rec, inline)
		if err != nil {
			return err
		}
		states, err := rt.engine.db.GetNodeStates(ctx, token.TokenID)
		if err != nil {
			return err
		}
		a.members = append(a.members, bufferedMember{token: token, row: row, step: len(states)})
	}
	return nil
}
