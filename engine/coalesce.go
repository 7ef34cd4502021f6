package engine

import (
	"context"
	"sync"
	"time"

	"github.com/elspeth-engine/elspeth/engine/landscape"
)

// coalesceBuffer rejoins fork siblings at a coalesce node. Tokens
// wait until every branch of their fork group has arrived; the merge
// produces one coalesced token whose row is the branch rows merged in
// branch order (later branches win on key conflicts).
type coalesceBuffer struct {
	spec *CoalesceSpec
	node *landscape.Node
	pos  int

	mu      sync.Mutex
	waiting map[string]map[string]*activeToken // fork_group -> branch -> token
}

func newCoalesceBuffer(spec *CoalesceSpec, node *landscape.Node, pos int) *coalesceBuffer {
	return &coalesceBuffer{spec: spec, node: node, pos: pos, waiting: make(map[string]map[string]*activeToken)}
}

// accept parks a fork child until its siblings arrive, then merges.
// Returns (merged, nil) for the last-arriving sibling, (nil, nil) for
// the ones that wait, and passes unforked tokens straight through.
func (c *coalesceBuffer) accept(ctx context.Context, rt *runtime, at *activeToken) (*activeToken, error) {
	group := at.token.ForkGroupID
	if group == "" {
		// Not a fork child; the coalesce point is a no-op visit.
		if err := c.recordPassThrough(ctx, rt, at); err != nil {
			return nil, err
		}
		return at, nil
	}

	rt.mu.Lock()
	width := rt.forkWidth[group]
	branches := rt.forkBranches[group]
	rt.mu.Unlock()
	if width == 0 {
		return nil, validationf("coalesce", "%s: unknown fork group %s", c.spec.Name, group)
	}

	c.mu.Lock()
	siblings := c.waiting[group]
	if siblings == nil {
		siblings = make(map[string]*activeToken, width)
		c.waiting[group] = siblings
	}
	siblings[at.token.BranchName] = at
	ready := len(siblings) == width
	if ready {
		delete(c.waiting, group)
	}
	c.mu.Unlock()

	if !ready {
		return nil, nil
	}

	// Merge in branch order; the branch list is the fork's creation
	// order, so the merge is deterministic regardless of arrival.
	merged := make(Row)
	parents := make([]string, 0, width)
	inputs := make([]Row, 0, width)
	maxStep := 0
	for _, branch := range branches {
		sibling, ok := siblings[branch]
		if !ok {
			return nil, validationf("coalesce", "%s: fork group %s missing branch %q", c.spec.Name, group, branch)
		}
		for k, v := range sibling.row {
			merged[k] = v
		}
		parents = append(parents, sibling.token.TokenID)
		inputs = append(inputs, sibling.row)
		if sibling.step > maxStep {
			maxStep = sibling.step
		}
	}

	token, err := rt.engine.recorder.CoalesceTokens(ctx, parents)
	if err != nil {
		return nil, err
	}

	state, err := rt.engine.recorder.BeginNodeState(ctx, landscape.StateSpec{
		RunID:     rt.run.RunID,
		TokenID:   token.TokenID,
		NodeID:    c.node.NodeID,
		StepIndex: maxStep,
		Attempt:   0,
		Input:     inputs,
	})
	if err != nil {
		return nil, err
	}
	if err := rt.engine.recorder.CompleteNodeState(ctx, state.StateID, landscape.StateCompletion{
		Status: landscape.StateCompleted,
		Output: merged,
	}); err != nil {
		return nil, err
	}
	rt.engine.emit(rt.run.RunID, -1, token.TokenID, c.node.NodeID, "tokens_coalesced", map[string]any{
		"branches": len(parents),
	})
	return &activeToken{token: token, row: merged, step: maxStep + 1}, nil
}

func (c *coalesceBuffer) recordPassThrough(ctx context.Context, rt *runtime, at *activeToken) error {
	start := time.Now()
	state, err := rt.engine.recorder.BeginNodeState(ctx, landscape.StateSpec{
		RunID:     rt.run.RunID,
		TokenID:   at.token.TokenID,
		NodeID:    c.node.NodeID,
		StepIndex: at.nextStep(),
		Attempt:   0,
		Input:     at.row,
	})
	if err != nil {
		return err
	}
	return rt.engine.recorder.CompleteNodeState(ctx, state.StateID, landscape.StateCompletion{
		Status:     landscape.StateCompleted,
		Output:     at.row,
		DurationMS: float64(time.Since(start)) / float64(time.Millisecond),
	})
}

// pendingGroups reports fork groups still waiting at run end; a
// nonzero count means a fork branch never reached the coalesce point.
func (c *coalesceBuffer) pendingGroups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	groups := make([]string, 0, len(c.waiting))
	for group := range c.waiting {
		groups = append(groups, group)
	}
	return groups
}
