package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/elspeth-engine/elspeth/engine/landscape"
	"github.com/elspeth-engine/elspeth/engine/payload"
)

// runtime binds a validated pipeline to the audit identities of one
// run: the registered nodes, the labeled edges, and the shared
// aggregation/coalesce buffers. One runtime lives for the duration of
// one Run or Resume call.
type runtime struct {
	engine   *Engine
	pipeline *Pipeline
	run      *landscape.Run

	sourceNode *landscape.Node
	stepNodes  []*landscape.Node            // parallel to pipeline.Steps
	sinkNodes  map[string]*landscape.Node   // sink name -> node
	edges      map[string]*landscape.Edge   // from_node_id + "\x00" + label

	aggregations map[string]*aggBuffer      // step name -> buffer
	coalescers   map[string]*coalesceBuffer // step name -> buffer

	mu            sync.Mutex
	forkWidth     map[string]int      // fork_group_id -> branch count
	forkBranches  map[string][]string // fork_group_id -> branch order
	terminalCount int                 // terminal tokens since last checkpoint
	lastTerminal  struct {
		tokenID string
		nodeID  string
	}
}

func edgeKey(fromNodeID, label string) string { return fromNodeID + "\x00" + label }

// register creates the run plus every node and edge for a fresh run.
func (e *Engine) register(ctx context.Context, p *Pipeline, config map[string]any) (*runtime, error) {
	fingerprinted, err := FingerprintConfig(config)
	if err != nil {
		return nil, err
	}
	run, err := e.recorder.BeginRun(ctx, fingerprinted)
	if err != nil {
		return nil, err
	}

	rt := newRuntime(e, p, run)
	if err := rt.registerNodes(ctx); err != nil {
		return nil, err
	}
	if err := rt.registerEdges(ctx); err != nil {
		return nil, err
	}
	rt.initBuffers()
	return rt, nil
}

func newRuntime(e *Engine, p *Pipeline, run *landscape.Run) *runtime {
	return &runtime{
		engine:       e,
		pipeline:     p,
		run:          run,
		sinkNodes:    make(map[string]*landscape.Node),
		edges:        make(map[string]*landscape.Edge),
		aggregations: make(map[string]*aggBuffer),
		coalescers:   make(map[string]*coalesceBuffer),
		forkWidth:    make(map[string]int),
		forkBranches: make(map[string][]string),
	}
}

func (rt *runtime) registerNodes(ctx context.Context) error {
	p := rt.pipeline
	seq := 0
	next := func() *int { s := seq; seq++; return &s }

	source, err := rt.engine.recorder.RegisterNode(ctx, landscape.NodeSpec{
		RunID:         rt.run.RunID,
		PluginName:    p.Source.Name(),
		NodeType:      landscape.NodeSource,
		PluginVersion: rt.engine.pluginVersion,
		Config:        map[string]any{},
		Sequence:      next(),
		Determinism:   p.Source.Determinism(),
	})
	if err != nil {
		return err
	}
	rt.sourceNode = source

	rt.stepNodes = make([]*landscape.Node, len(p.Steps))
	for i := range p.Steps {
		step := &p.Steps[i]
		spec := landscape.NodeSpec{
			RunID:         rt.run.RunID,
			PluginName:    step.name(),
			NodeType:      step.kind(),
			PluginVersion: rt.engine.pluginVersion,
			Config:        stepConfig(step),
			Determinism:   stepDeterminism(step),
		}
		// Gates and coalesce points sit between sequenced positions.
		if step.Transform != nil || step.Aggregation != nil {
			spec.Sequence = next()
		}
		node, err := rt.engine.recorder.RegisterNode(ctx, spec)
		if err != nil {
			return err
		}
		rt.stepNodes[i] = node
	}

	names := make([]string, 0, len(p.Sinks))
	for name := range p.Sinks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		node, err := rt.engine.recorder.RegisterNode(ctx, landscape.NodeSpec{
			RunID:         rt.run.RunID,
			PluginName:    name,
			NodeType:      landscape.NodeSink,
			PluginVersion: rt.engine.pluginVersion,
			Config:        map[string]any{},
			Sequence:      next(),
			Determinism:   p.Sinks[name].Determinism(),
		})
		if err != nil {
			return err
		}
		rt.sinkNodes[name] = node
	}
	return nil
}

func stepConfig(step *Step) map[string]any {
	switch {
	case step.Gate != nil:
		routes := make(map[string]any, len(step.Gate.Routes))
		for label, dest := range step.Gate.Routes {
			routes[label] = dest
		}
		cfg := map[string]any{
			"condition": step.Gate.Condition,
			"routes":    routes,
			"mode":      string(step.Gate.Mode),
		}
		if len(step.Gate.ForkTo) > 0 {
			fork := make([]any, len(step.Gate.ForkTo))
			for i, label := range step.Gate.ForkTo {
				fork[i] = label
			}
			cfg["fork_to"] = fork
		}
		return cfg
	case step.Aggregation != nil:
		return map[string]any{
			"max_count": step.Aggregation.MaxCount,
			"max_age_ms": step.Aggregation.MaxAge.Milliseconds(),
			"condition": step.Aggregation.Condition,
		}
	default:
		return map[string]any{}
	}
}

func stepDeterminism(step *Step) landscape.Determinism {
	switch {
	case step.Transform != nil:
		return step.Transform.Determinism()
	case step.Aggregation != nil:
		return step.Aggregation.Plugin.Determinism()
	default:
		// Gates and coalesce points are engine operations over row
		// values only.
		return landscape.DeterminismPure
	}
}

// registerEdges lays down the main chain (labeled "continue") and one
// labeled edge per gate route.
func (rt *runtime) registerEdges(ctx context.Context) error {
	chain := []*landscape.Node{rt.sourceNode}
	chain = append(chain, rt.stepNodes...)
	chain = append(chain, rt.sinkNodes[rt.pipeline.DefaultSink])

	for i := 0; i < len(chain)-1; i++ {
		edge, err := rt.engine.recorder.RegisterEdge(ctx, rt.run.RunID,
			chain[i].NodeID, chain[i+1].NodeID, RouteContinue, landscape.RouteMove)
		if err != nil {
			return err
		}
		rt.edges[edgeKey(chain[i].NodeID, RouteContinue)] = edge
	}

	for i := range rt.pipeline.Steps {
		gate := rt.pipeline.Steps[i].Gate
		if gate == nil {
			continue
		}
		gateNode := rt.stepNodes[i]
		labels := make([]string, 0, len(gate.Routes))
		for label := range gate.Routes {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		for _, label := range labels {
			dest := gate.Routes[label]
			var to *landscape.Node
			if dest == RouteContinue {
				to = chain[i+2] // node after the gate on the main chain
			} else {
				to = rt.sinkNodes[dest]
			}
			edge, err := rt.engine.recorder.RegisterEdge(ctx, rt.run.RunID,
				gateNode.NodeID, to.NodeID, label, gate.Mode)
			if err != nil {
				return err
			}
			rt.edges[edgeKey(gateNode.NodeID, label)] = edge
		}
	}
	return nil
}

func (rt *runtime) initBuffers() {
	for i := range rt.pipeline.Steps {
		step := &rt.pipeline.Steps[i]
		switch {
		case step.Aggregation != nil:
			rt.aggregations[step.Aggregation.Name] = newAggBuffer(step.Aggregation, rt.stepNodes[i], i)
		case step.Coalesce != nil:
			rt.coalescers[step.Coalesce.Name] = newCoalesceBuffer(step.Coalesce, rt.stepNodes[i], i)
		}
	}
}

// rebind reattaches a pipeline to the nodes and edges of an existing
// run during resume. Nodes are matched by (logical name, type); a
// pipeline that no longer matches the recorded run is a
// ValidationError.
func (rt *runtime) rebind(ctx context.Context) error {
	nodes, err := rt.engine.db.GetNodes(ctx, rt.run.RunID)
	if err != nil {
		return err
	}
	byName := make(map[string]*landscape.Node, len(nodes))
	for _, node := range nodes {
		byName[string(node.NodeType)+"\x00"+node.PluginName] = node
	}
	lookup := func(nodeType landscape.NodeType, name string) (*landscape.Node, error) {
		node, ok := byName[string(nodeType)+"\x00"+name]
		if !ok {
			return nil, validationf("resume", "run %s has no %s node named %q", rt.run.RunID, nodeType, name)
		}
		return node, nil
	}

	if rt.sourceNode, err = lookup(landscape.NodeSource, rt.pipeline.Source.Name()); err != nil {
		return err
	}
	rt.stepNodes = make([]*landscape.Node, len(rt.pipeline.Steps))
	for i := range rt.pipeline.Steps {
		step := &rt.pipeline.Steps[i]
		if rt.stepNodes[i], err = lookup(step.kind(), step.name()); err != nil {
			return err
		}
	}
	for name := range rt.pipeline.Sinks {
		node, err := lookup(landscape.NodeSink, name)
		if err != nil {
			return err
		}
		rt.sinkNodes[name] = node
	}

	edges, err := rt.engine.db.GetEdges(ctx, rt.run.RunID)
	if err != nil {
		return err
	}
	for _, edge := range edges {
		rt.edges[edgeKey(edge.FromNodeID, edge.Label)] = edge
	}

	rt.initBuffers()
	return nil
}

// recordFork tracks an in-memory fork so coalesce points know how
// many siblings to wait for.
func (rt *runtime) recordFork(forkGroupID string, branches []string) {
	rt.mu.Lock()
	rt.forkWidth[forkGroupID] = len(branches)
	rt.forkBranches[forkGroupID] = branches
	rt.mu.Unlock()
}

// noteTerminal counts a terminal token and reports whether the
// checkpoint cadence fired.
func (rt *runtime) noteTerminal(tokenID, nodeID string) bool {
	if rt.engine.checkpointEvery <= 0 {
		return false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.terminalCount++
	rt.lastTerminal.tokenID = tokenID
	rt.lastTerminal.nodeID = nodeID
	if rt.terminalCount >= rt.engine.checkpointEvery {
		rt.terminalCount = 0
		return true
	}
	return false
}

// checkpoint records a progress marker carrying a snapshot of every
// stateful aggregation.
func (rt *runtime) checkpoint(ctx context.Context) error {
	rt.mu.Lock()
	tokenID := rt.lastTerminal.tokenID
	nodeID := rt.lastTerminal.nodeID
	rt.mu.Unlock()
	if tokenID == "" {
		return nil
	}

	var aggState map[string]any
	for _, buffer := range rt.aggregations {
		snap, ok := buffer.spec.Plugin.(AggregationSnapshotter)
		if !ok {
			continue
		}
		if aggState == nil {
			aggState = make(map[string]any)
		}
		aggState[buffer.node.NodeID] = snap.SnapshotState()
	}

	cp, err := rt.engine.recorder.RecordCheckpoint(ctx, rt.run.RunID, tokenID, nodeID, aggState)
	if err != nil {
		return err
	}
	rt.engine.emit(rt.run.RunID, -1, "", nodeID, "checkpoint_recorded", map[string]any{
		"sequence": cp.SequenceNumber,
	})
	return nil
}

// loadRowData materializes a row payload recorded by the audit store,
// whether inlined or spilled to the payload store.
func (rt *runtime) loadRowData(ctx context.Context, rec *landscape.Row, inline string) (Row, error) {
	raw := []byte(inline)
	if inline == "" {
		if rec.SourceDataRef == "" {
			return nil, fmt.Errorf("row %d of run %s has no payload (purged?)", rec.RowIndex, rec.RunID)
		}
		if rt.engine.payloads == nil {
			return nil, fmt.Errorf("row %d references payload %s but no payload store is configured", rec.RowIndex, rec.SourceDataRef)
		}
		data, err := rt.engine.payloads.Get(ctx, payload.Ref(rec.SourceDataRef))
		if err != nil {
			return nil, err
		}
		raw = data
	}
	var row Row
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("decoding row %d payload: %w", rec.RowIndex, err)
	}
	return row, nil
}
