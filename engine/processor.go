package engine

import (
	"context"
	"strconv"
	"time"

	"github.com/elspeth-engine/elspeth/engine/landscape"
)

// processor drives tokens through the pipeline chain. It owns one
// in-flight row at a time per call but is safe inside a worker pool:
// the only cross-row state is the aggregation and coalesce buffers,
// which carry their own locks. The processor never writes audit state
// directly; executors call the recorder.
type processor struct {
	rt *runtime
}

// processNewRow audits one fresh source row and drives it to a
// terminal (or buffered) outcome.
func (p *processor) processNewRow(ctx context.Context, rowIndex int, data Row) (outcome, error) {
	rec, err := p.rt.engine.recorder.CreateRow(ctx, p.rt.run.RunID, p.rt.sourceNode.NodeID, rowIndex, data)
	if err != nil {
		return outcomeFailed, err
	}
	return p.processRow(ctx, rec, data)
}

// processRow mints a token for an already-recorded row (the resume
// path reuses rows persisted before the crash) and drives it.
func (p *processor) processRow(ctx context.Context, rec *landscape.Row, data Row) (outcome, error) {
	p.rt.engine.trackInflight(1)
	defer p.rt.engine.trackInflight(-1)

	token, err := p.rt.engine.recorder.CreateToken(ctx, rec.RowID)
	if err != nil {
		return outcomeFailed, err
	}

	// The source visit is step 0 of every token's journey.
	start := time.Now()
	state, err := p.rt.engine.recorder.BeginNodeState(ctx, landscape.StateSpec{
		RunID:     p.rt.run.RunID,
		TokenID:   token.TokenID,
		NodeID:    p.rt.sourceNode.NodeID,
		StepIndex: 0,
		Attempt:   0,
		Input:     data,
	})
	if err != nil {
		return outcomeFailed, err
	}
	if err := p.rt.engine.recorder.CompleteNodeState(ctx, state.StateID, landscape.StateCompletion{
		Status:     landscape.StateCompleted,
		Output:     data,
		DurationMS: float64(time.Since(start)) / float64(time.Millisecond),
	}); err != nil {
		return outcomeFailed, err
	}

	at := &activeToken{token: token, row: data, step: 1}
	out, err := p.drive(ctx, at, 0)
	if err != nil {
		return out, err
	}
	p.rt.engine.countRow(out)
	return out, nil
}

// drive walks one token through the chain from step index fromStep.
// Forks recurse: each child walks the remaining steps, and the
// combined outcome is the worst child outcome (failed > pending >
// written).
func (p *processor) drive(ctx context.Context, at *activeToken, fromStep int) (outcome, error) {
	steps := p.rt.pipeline.Steps
	for i := fromStep; i < len(steps); i++ {
		step := &steps[i]
		node := p.rt.stepNodes[i]

		switch {
		case step.Transform != nil:
			result, err := p.rt.runTransform(ctx, at, step.Transform, node)
			if err != nil {
				return outcomeFailed, err
			}
			if !result.OK() {
				return p.failToken(ctx, at, node.NodeID)
			}
			if result.Expanded() {
				return p.expand(ctx, at, result.Rows(), i+1)
			}
			at.row = result.Row()

		case step.Gate != nil:
			decision, err := p.rt.runGate(ctx, at, step.Gate, node)
			if err != nil {
				return outcomeFailed, err
			}
			if decision.failed != nil {
				return p.failToken(ctx, at, node.NodeID)
			}
			if decision.children != nil {
				return p.driveForkChildren(ctx, decision, i+1)
			}
			route := decision.routes[0]
			if route.dest == RouteContinue {
				continue
			}
			return p.dispatchSink(ctx, at, route.dest)

		case step.Aggregation != nil:
			buffer := p.rt.aggregations[step.Aggregation.Name]
			outs, err := buffer.accept(ctx, p.rt, at)
			if err != nil {
				return outcomeFailed, err
			}
			if outs == nil {
				// Parked in the batch; a future flush finishes the
				// journey with the representative token.
				return outcomePending, nil
			}
			return p.driveAll(ctx, outs, i+1)

		case step.Coalesce != nil:
			buffer := p.rt.coalescers[step.Coalesce.Name]
			merged, err := buffer.accept(ctx, p.rt, at)
			if err != nil {
				return outcomeFailed, err
			}
			if merged == nil {
				return outcomePending, nil
			}
			at = merged
		}
	}
	return p.dispatchSink(ctx, at, p.rt.pipeline.DefaultSink)
}

// expand forks the current token into one child per output row,
// branches named by ordinal, and drives each child onward.
func (p *processor) expand(ctx context.Context, at *activeToken, rows []Row, fromStep int) (outcome, error) {
	branches := make([]string, len(rows))
	for i := range rows {
		branches[i] = strconv.Itoa(i)
	}
	children, err := p.rt.engine.recorder.ForkToken(ctx, at.token.TokenID, branches)
	if err != nil {
		return outcomeFailed, err
	}
	p.rt.recordFork(children[0].ForkGroupID, branches)
	p.rt.engine.countForks(len(children))

	outs := make([]*activeToken, len(children))
	for i, child := range children {
		outs[i] = &activeToken{token: child, row: rows[i], step: at.step}
	}
	return p.driveAll(ctx, outs, fromStep)
}

// driveForkChildren walks each gate fork child down its route.
func (p *processor) driveForkChildren(ctx context.Context, decision *gateDecision, fromStep int) (outcome, error) {
	combined := outcomeWritten
	for i, child := range decision.children {
		route := decision.routes[i]
		var (
			out outcome
			err error
		)
		if route.dest == RouteContinue {
			out, err = p.drive(ctx, child, fromStep)
		} else {
			out, err = p.dispatchSink(ctx, child, route.dest)
		}
		if err != nil {
			return outcomeFailed, err
		}
		combined = worseOutcome(combined, out)
	}
	return combined, nil
}

func (p *processor) driveAll(ctx context.Context, tokens []*activeToken, fromStep int) (outcome, error) {
	combined := outcomeWritten
	for _, at := range tokens {
		out, err := p.drive(ctx, at, fromStep)
		if err != nil {
			return outcomeFailed, err
		}
		combined = worseOutcome(combined, out)
	}
	return combined, nil
}

// dispatchSink writes the token through a sink and books the terminal
// event for checkpoint cadence.
func (p *processor) dispatchSink(ctx context.Context, at *activeToken, name string) (outcome, error) {
	out, err := p.rt.runSink(ctx, at, name)
	if err != nil {
		return out, err
	}
	if fire := p.rt.noteTerminal(at.token.TokenID, p.rt.sinkNodes[name].NodeID); fire {
		if err := p.rt.checkpoint(ctx); err != nil {
			return out, err
		}
	}
	return out, nil
}

// failToken ends a token's journey in failure, routing to the failure
// sink when one is configured.
func (p *processor) failToken(ctx context.Context, at *activeToken, nodeID string) (outcome, error) {
	if p.rt.pipeline.FailureSink != "" {
		if _, err := p.rt.runSink(ctx, at, p.rt.pipeline.FailureSink); err != nil {
			return outcomeFailed, err
		}
	}
	if fire := p.rt.noteTerminal(at.token.TokenID, nodeID); fire {
		if err := p.rt.checkpoint(ctx); err != nil {
			return outcomeFailed, err
		}
	}
	return outcomeFailed, nil
}

func worseOutcome(a, b outcome) outcome {
	if a == outcomeFailed || b == outcomeFailed {
		return outcomeFailed
	}
	if a == outcomePending || b == outcomePending {
		return outcomePending
	}
	return outcomeWritten
}
