package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/elspeth-engine/elspeth/engine/landscape"
)

// outcome is what ultimately happened to one token.
type outcome int

const (
	// outcomePending: the token is parked in an aggregation or
	// coalesce buffer; something else will finish its journey.
	outcomePending outcome = iota
	outcomeWritten
	outcomeFailed
)

func (o outcome) String() string {
	switch o {
	case outcomeWritten:
		return "written"
	case outcomeFailed:
		return "failed"
	}
	return "pending"
}

// activeToken is a token in flight: its audit identity, its current
// row value, and the next step_index for its node states.
type activeToken struct {
	token *landscape.Token
	row   Row
	step  int
}

// nextStep hands out the token's next step_index. Visits within one
// token are strictly ordered.
func (at *activeToken) nextStep() int {
	s := at.step
	at.step++
	return s
}

// runTransform drives one transform visit including local retries.
// Every attempt opens its own NodeState; failed attempts stay
// recorded. The returned result is either a success or the terminal
// failure; a non-nil error is always a recorder (fatal) failure.
func (rt *runtime) runTransform(ctx context.Context, at *activeToken, tr Transform, node *landscape.Node) (TransformResult, error) {
	step := at.nextStep()
	policy := rt.engine.retry
	for attempt := 0; ; attempt++ {
		state, err := rt.engine.recorder.BeginNodeState(ctx, landscape.StateSpec{
			RunID:     rt.run.RunID,
			TokenID:   at.token.TokenID,
			NodeID:    node.NodeID,
			StepIndex: step,
			Attempt:   attempt,
			Input:     at.row,
		})
		if err != nil {
			return TransformResult{}, err
		}
		pc := &PluginContext{RunID: rt.run.RunID, StateID: state.StateID, recorder: rt.engine.recorder}

		start := time.Now()
		result := tr.Process(ctx, at.row, pc)
		elapsed := time.Since(start)
		rt.engine.observeNode(landscape.NodeTransform, elapsed)

		if result.OK() {
			if result.Expanded() && len(result.Rows()) == 0 {
				// A transform that produced nothing violated its
				// contract; this is not retryable.
				info := &landscape.ErrorInfo{
					Kind:    "validation",
					Message: fmt.Sprintf("transform %s returned an empty row expansion", tr.Name()),
				}
				if err := rt.completeFailed(ctx, state.StateID, info, elapsed); err != nil {
					return TransformResult{}, err
				}
				return Fail(info, false), nil
			}
			var output any
			if result.Expanded() {
				output = result.Rows()
			} else {
				output = result.Row()
			}
			err = rt.engine.recorder.CompleteNodeState(ctx, state.StateID, landscape.StateCompletion{
				Status:     landscape.StateCompleted,
				Output:     output,
				DurationMS: float64(elapsed) / float64(time.Millisecond),
			})
			if err != nil {
				return TransformResult{}, err
			}
			rt.engine.emit(rt.run.RunID, -1, at.token.TokenID, node.NodeID, "node_completed", map[string]any{
				"node_type":   "transform",
				"attempt":     attempt,
				"duration_ms": float64(elapsed) / float64(time.Millisecond),
			})
			return result, nil
		}

		info := result.Reason()
		if info == nil {
			info = &landscape.ErrorInfo{Kind: "plugin_terminal", Message: "transform failed without a reason"}
		}
		if err := rt.completeFailed(ctx, state.StateID, info, elapsed); err != nil {
			return TransformResult{}, err
		}
		rt.engine.emit(rt.run.RunID, -1, at.token.TokenID, node.NodeID, "node_failed", map[string]any{
			"node_type": "transform",
			"attempt":   attempt,
			"error":     info.Message,
			"retryable": result.Retryable(),
		})

		if !result.Retryable() || attempt+1 >= policy.MaxAttempts {
			return result, nil
		}
		rt.engine.countRetry()
		select {
		case <-time.After(policy.Backoff(attempt + 1)):
		case <-ctx.Done():
			return result, nil
		}
	}
}

func (rt *runtime) completeFailed(ctx context.Context, stateID string, info *landscape.ErrorInfo, elapsed time.Duration) error {
	return rt.engine.recorder.CompleteNodeState(ctx, stateID, landscape.StateCompletion{
		Status:     landscape.StateFailed,
		Error:      info,
		DurationMS: float64(elapsed) / float64(time.Millisecond),
	})
}

// gateDecision is what a gate resolved for one token.
type gateDecision struct {
	// failed is set when no route matched the condition result; the
	// token's journey ends here.
	failed *landscape.ErrorInfo
	// fork children, parallel to routes, when the gate copied the
	// token down several edges. Nil for single-route decisions.
	children []*activeToken
	routes   []resolvedRoute
}

type resolvedRoute struct {
	label string
	dest  string // sink name or RouteContinue
}

// runGate evaluates a gate for one token: one NodeState, one routing
// group, and for fork gates the child tokens. Gates never mutate the
// row.
func (rt *runtime) runGate(ctx context.Context, at *activeToken, gate *GateSpec, node *landscape.Node) (*gateDecision, error) {
	state, err := rt.engine.recorder.BeginNodeState(ctx, landscape.StateSpec{
		RunID:     rt.run.RunID,
		TokenID:   at.token.TokenID,
		NodeID:    node.NodeID,
		StepIndex: at.nextStep(),
		Attempt:   0,
		Input:     at.row,
	})
	if err != nil {
		return nil, err
	}
	start := time.Now()

	decision := &gateDecision{}
	var reason ConfigGateReason

	if len(gate.ForkTo) > 0 {
		forkResult := make([]any, len(gate.ForkTo))
		for i, label := range gate.ForkTo {
			decision.routes = append(decision.routes, resolvedRoute{label: label, dest: gate.Routes[label]})
			forkResult[i] = label
		}
		reason = ConfigGateReason{Condition: gate.Condition, Result: forkResult}
	} else {
		value, evalErr := gate.compiled.Eval(at.row)
		if evalErr != nil {
			info := &landscape.ErrorInfo{Kind: "validation", Message: fmt.Sprintf("gate %s: %v", gate.Name, evalErr)}
			if err := rt.completeFailed(ctx, state.StateID, info, time.Since(start)); err != nil {
				return nil, err
			}
			decision.failed = info
			return decision, nil
		}
		label := routeLabel(value)
		reason = ConfigGateReason{Condition: gate.Condition, Result: value}
		dest, ok := gate.Routes[label]
		if !ok {
			info := &landscape.ErrorInfo{
				Kind:    "validation",
				Message: fmt.Sprintf("gate %s: condition result %q matches no route", gate.Name, label),
			}
			if err := rt.completeFailed(ctx, state.StateID, info, time.Since(start)); err != nil {
				return nil, err
			}
			decision.failed = info
			return decision, nil
		}
		decision.routes = append(decision.routes, resolvedRoute{label: label, dest: dest})
	}

	selections := make([]landscape.RouteSelection, len(decision.routes))
	for i, route := range decision.routes {
		edge, ok := rt.edges[edgeKey(node.NodeID, route.label)]
		if !ok {
			return nil, validationf("gate", "gate %q has no registered edge for route %q", gate.Name, route.label)
		}
		mode := gate.Mode
		if len(decision.routes) > 1 {
			mode = landscape.RouteCopy
		}
		selections[i] = landscape.RouteSelection{EdgeID: edge.EdgeID, Mode: mode}
	}
	if _, err := rt.engine.recorder.RecordRoutingEvents(ctx, state.StateID, selections, reason); err != nil {
		return nil, err
	}

	if len(decision.routes) > 1 {
		labels := make([]string, len(decision.routes))
		for i, route := range decision.routes {
			labels[i] = route.label
		}
		children, err := rt.engine.recorder.ForkToken(ctx, at.token.TokenID, labels)
		if err != nil {
			return nil, err
		}
		rt.recordFork(children[0].ForkGroupID, labels)
		rt.engine.countForks(len(children))
		for _, child := range children {
			decision.children = append(decision.children, &activeToken{
				token: child,
				row:   copyRow(at.row),
				step:  at.step,
			})
		}
	}

	elapsed := time.Since(start)
	rt.engine.observeNode(landscape.NodeGate, elapsed)
	err = rt.engine.recorder.CompleteNodeState(ctx, state.StateID, landscape.StateCompletion{
		Status:     landscape.StateCompleted,
		Output:     at.row,
		DurationMS: float64(elapsed) / float64(time.Millisecond),
	})
	if err != nil {
		return nil, err
	}
	rt.engine.emit(rt.run.RunID, -1, at.token.TokenID, node.NodeID, "gate_routed", map[string]any{
		"routes": len(decision.routes),
	})
	return decision, nil
}

// routeLabel maps a condition result onto a route label.
func routeLabel(value any) string {
	switch v := value.(type) {
	case bool:
		if v {
			return "true"
		}
		return "false"
	case string:
		return v
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%v", v)
	}
}

// runSink writes one token's row through a named sink, registering
// the resulting artifact. Retryable write errors re-attempt under the
// retry policy with fresh NodeStates. Terminal failures fall through
// to the pipeline's failure sink when one is configured.
func (rt *runtime) runSink(ctx context.Context, at *activeToken, name string) (outcome, error) {
	sink := rt.pipeline.Sinks[name]
	node := rt.sinkNodes[name]
	policy := rt.engine.retry
	step := at.nextStep()

	for attempt := 0; ; attempt++ {
		state, err := rt.engine.recorder.BeginNodeState(ctx, landscape.StateSpec{
			RunID:     rt.run.RunID,
			TokenID:   at.token.TokenID,
			NodeID:    node.NodeID,
			StepIndex: step,
			Attempt:   attempt,
			Input:     at.row,
		})
		if err != nil {
			return outcomeFailed, err
		}
		pc := &PluginContext{RunID: rt.run.RunID, StateID: state.StateID, recorder: rt.engine.recorder}

		start := time.Now()
		receipt, writeErr := sink.Write(ctx, []Row{at.row}, pc)
		elapsed := time.Since(start)
		rt.engine.observeNode(landscape.NodeSink, elapsed)

		if writeErr == nil {
			if receipt != nil {
				_, err := rt.engine.recorder.RegisterArtifact(ctx, landscape.ArtifactSpec{
					RunID:             rt.run.RunID,
					ProducedByStateID: state.StateID,
					SinkNodeID:        node.NodeID,
					ArtifactType:      receipt.ArtifactType,
					PathOrURI:         receipt.PathOrURI,
					ContentHash:       receipt.ContentHash,
					SizeBytes:         receipt.SizeBytes,
					IdempotencyKey:    receipt.IdempotencyKey,
				})
				if err != nil {
					return outcomeFailed, err
				}
			}
			err = rt.engine.recorder.CompleteNodeState(ctx, state.StateID, landscape.StateCompletion{
				Status:     landscape.StateCompleted,
				Output:     at.row,
				DurationMS: float64(elapsed) / float64(time.Millisecond),
			})
			if err != nil {
				return outcomeFailed, err
			}
			rt.engine.emit(rt.run.RunID, -1, at.token.TokenID, node.NodeID, "sink_written", map[string]any{
				"sink": name,
			})
			return outcomeWritten, nil
		}

		info := sinkErrorInfo(writeErr)
		if err := rt.completeFailed(ctx, state.StateID, info, elapsed); err != nil {
			return outcomeFailed, err
		}
		rt.engine.emit(rt.run.RunID, -1, at.token.TokenID, node.NodeID, "node_failed", map[string]any{
			"node_type": "sink",
			"sink":      name,
			"attempt":   attempt,
			"error":     info.Message,
		})

		if retryableError(writeErr) && attempt+1 < policy.MaxAttempts {
			rt.engine.countRetry()
			select {
			case <-time.After(policy.Backoff(attempt + 1)):
			case <-ctx.Done():
				return outcomeFailed, nil
			}
			continue
		}

		if rt.pipeline.FailureSink != "" && name != rt.pipeline.FailureSink {
			if _, err := rt.runSink(ctx, at, rt.pipeline.FailureSink); err != nil {
				return outcomeFailed, err
			}
		}
		return outcomeFailed, nil
	}
}

func retryableError(err error) bool {
	var pe *PluginError
	return errors.As(err, &pe) && pe.Retryable
}

func sinkErrorInfo(err error) *landscape.ErrorInfo {
	var pe *PluginError
	if errors.As(err, &pe) {
		return pe.errorInfo()
	}
	return &landscape.ErrorInfo{Kind: "plugin_terminal", Message: err.Error()}
}

func copyRow(row Row) Row {
	out := make(Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
