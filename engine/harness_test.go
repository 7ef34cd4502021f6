package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/elspeth-engine/elspeth/engine/emit"
	"github.com/elspeth-engine/elspeth/engine/landscape"
)

func openTestDB(t *testing.T) *landscape.DB {
	t.Helper()
	db, err := landscape.Open(context.Background(), landscape.DialectSQLite, ":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestEngine(t *testing.T, db *landscape.DB, opts ...Option) *Engine {
	t.Helper()
	e, err := New(db, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return e
}

// sliceSource yields a fixed set of rows and honors resume offsets the
// way a file-backed source would.
type sliceSource struct {
	name string
	det  landscape.Determinism
	rows []Row
}

func (s *sliceSource) Name() string { return s.name }

func (s *sliceSource) Determinism() landscape.Determinism {
	if s.det == "" {
		return landscape.DeterminismIORead
	}
	return s.det
}

func (s *sliceSource) Open(ctx context.Context, offset int) (RowIterator, error) {
	if offset > len(s.rows) {
		offset = len(s.rows)
	}
	return &sliceIterator{rows: s.rows[offset:]}, nil
}

type sliceIterator struct {
	rows []Row
	pos  int
}

func (it *sliceIterator) Next(ctx context.Context) (Row, error) {
	if it.pos >= len(it.rows) {
		return nil, ErrEndOfSource
	}
	row := copyRow(it.rows[it.pos])
	it.pos++
	return row, nil
}

func (it *sliceIterator) Close() error { return nil }

// funcTransform wraps a row function as a Transform.
type funcTransform struct {
	name string
	det  landscape.Determinism
	fn   func(Row) TransformResult
}

func (f *funcTransform) Name() string { return f.name }

func (f *funcTransform) Determinism() landscape.Determinism {
	if f.det == "" {
		return landscape.DeterminismPure
	}
	return f.det
}

func (f *funcTransform) Process(ctx context.Context, row Row, pc *PluginContext) TransformResult {
	return f.fn(row)
}

// memorySink collects written rows. Every committed write produces a
// receipt with a distinct idempotency key.
type memorySink struct {
	name      string
	resumable bool

	mu         sync.Mutex
	rows       []Row
	writes     int
	failFirst  int   // fail this many writes before succeeding
	failWith   error // error returned for failed writes
	appendMode bool
}

func (s *memorySink) Name() string { return s.name }

func (s *memorySink) Determinism() landscape.Determinism { return landscape.DeterminismIORead }

func (s *memorySink) Write(ctx context.Context, rows []Row, pc *PluginContext) (*SinkReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.writes <= s.failFirst {
		err := s.failWith
		if err == nil {
			err = &PluginError{Plugin: s.name, Err: fmt.Errorf("write rejected")}
		}
		return nil, err
	}
	s.rows = append(s.rows, rows...)
	return &SinkReceipt{
		ArtifactType:   "memory",
		PathOrURI:      "mem://" + s.name,
		SizeBytes:      int64(len(rows)),
		IdempotencyKey: fmt.Sprintf("%s-%d", s.name, s.writes),
	}, nil
}

func (s *memorySink) SupportsResume() bool { return s.resumable }

func (s *memorySink) ConfigureForResume() error {
	s.mu.Lock()
	s.appendMode = true
	s.mu.Unlock()
	return nil
}

func (s *memorySink) written() []Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Row, len(s.rows))
	copy(out, s.rows)
	return out
}

// sumAggregation sums the "n" field of its batch into one output row
// and counts its flushes as checkpointable state.
type sumAggregation struct {
	name string

	mu      sync.Mutex
	flushes int
}

func (a *sumAggregation) Name() string { return a.name }

func (a *sumAggregation) Determinism() landscape.Determinism { return landscape.DeterminismPure }

func (a *sumAggregation) Flush(ctx context.Context, rows []Row, pc *PluginContext) TransformResult {
	total := 0.0
	for _, row := range rows {
		total += numberField(row, "n")
	}
	a.mu.Lock()
	a.flushes++
	a.mu.Unlock()
	return Succeed(Row{"sum": total, "count": len(rows)})
}

func (a *sumAggregation) SnapshotState() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return map[string]any{"flushes": a.flushes}
}

func (a *sumAggregation) RestoreState(state map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushes = int(numberField(state, "flushes"))
}

// numberField widens the numeric representations a row can carry; rows
// reloaded from audit payloads come back as float64.
func numberField(row Row, key string) float64 {
	switch v := row[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// captureEmitter records every event for later inspection.
type captureEmitter struct {
	mu     sync.Mutex
	events []emit.Event
}

func (c *captureEmitter) Emit(event emit.Event) {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
}

func (c *captureEmitter) withMsg(msg string) []emit.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []emit.Event
	for _, event := range c.events {
		if event.Msg == msg {
			out = append(out, event)
		}
	}
	return out
}

// findNode locates a registered node by type and logical name.
func findNode(t *testing.T, db *landscape.DB, runID string, nodeType landscape.NodeType, name string) *landscape.Node {
	t.Helper()
	nodes, err := db.GetNodes(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetNodes failed: %v", err)
	}
	for _, node := range nodes {
		if node.NodeType == nodeType && node.PluginName == name {
			return node
		}
	}
	t.Fatalf("run %s has no %s node named %q", runID, nodeType, name)
	return nil
}

// rowTokens returns a source row and its tokens.
func rowTokens(t *testing.T, db *landscape.DB, runID string, rowIndex int) (*landscape.Row, []*landscape.Token) {
	t.Helper()
	rec, _, err := db.GetRow(context.Background(), runID, rowIndex)
	if err != nil {
		t.Fatalf("GetRow(%d) failed: %v", rowIndex, err)
	}
	tokens, err := db.GetTokens(context.Background(), rec.RowID)
	if err != nil {
		t.Fatalf("GetTokens failed: %v", err)
	}
	return rec, tokens
}

// statesAtNode filters a token's states down to one node.
func statesAtNode(t *testing.T, db *landscape.DB, tokenID, nodeID string) []*landscape.NodeState {
	t.Helper()
	states, err := db.GetNodeStates(context.Background(), tokenID)
	if err != nil {
		t.Fatalf("GetNodeStates failed: %v", err)
	}
	var out []*landscape.NodeState
	for _, state := range states {
		if state.NodeID == nodeID {
			out = append(out, state)
		}
	}
	return out
}
