package engine

import (
	"context"
	"testing"

	"github.com/elspeth-engine/elspeth/engine/landscape"
)

func TestForkThenCoalesce(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	e := newTestEngine(t, db, WithMaxWorkers(1))

	sink := &memorySink{name: "out", resumable: true}
	p := &Pipeline{
		Source: &sliceSource{name: "events", rows: []Row{{"id": 1}}},
		Steps: []Step{
			{Gate: &GateSpec{
				Name:   "split",
				Mode:   landscape.RouteCopy,
				ForkTo: []string{"a", "b"},
				Routes: map[string]string{"a": RouteContinue, "b": RouteContinue},
			}},
			{Coalesce: &CoalesceSpec{Name: "join"}},
		},
		Sinks:       map[string]Sink{"out": sink},
		DefaultSink: "out",
	}

	result, err := e.Run(ctx, p, map[string]any{"pipeline": "coalesce"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Rows != 1 {
		t.Errorf("result rows = %d, want 1", result.Rows)
	}

	// Both branches merge back into one sink write.
	written := sink.written()
	if len(written) != 1 || numberField(written[0], "id") != 1 {
		t.Errorf("sink rows = %v, want the single merged row", written)
	}

	// Parent, two fork children, one coalesced token.
	_, tokens := rowTokens(t, db, result.RunID, 0)
	if len(tokens) != 4 {
		t.Fatalf("tokens = %d, want 4", len(tokens))
	}
	var merged *landscape.Token
	children := make(map[string]*landscape.Token)
	for _, token := range tokens {
		switch {
		case token.JoinGroupID != "":
			merged = token
		case token.ForkGroupID != "":
			children[token.BranchName] = token
		}
	}
	if merged == nil {
		t.Fatal("no coalesced token recorded")
	}
	if len(children) != 2 {
		t.Fatalf("fork children = %d, want 2", len(children))
	}

	// Lineage: the merged token's parents are the branch tokens in
	// creation order.
	parents, err := db.GetTokenParents(ctx, merged.TokenID)
	if err != nil {
		t.Fatalf("GetTokenParents failed: %v", err)
	}
	if len(parents) != 2 {
		t.Fatalf("merged token parents = %d, want 2", len(parents))
	}
	if parents[0].ParentTokenID != children["a"].TokenID || parents[1].ParentTokenID != children["b"].TokenID {
		t.Errorf("parents = %+v, want branch a then branch b", parents)
	}

	// The merged token finishes the journey: coalesce visit then sink.
	states, err := db.GetNodeStates(ctx, merged.TokenID)
	if err != nil {
		t.Fatalf("GetNodeStates failed: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("merged token states = %d, want coalesce and sink visits", len(states))
	}
	for _, state := range states {
		if state.Status != landscape.StateCompleted {
			t.Errorf("merged state at step %d = %s", state.StepIndex, state.Status)
		}
	}
}

func TestCoalescePassesUnforkedTokensThrough(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	e := newTestEngine(t, db, WithMaxWorkers(1))

	sink := &memorySink{name: "out", resumable: true}
	p := &Pipeline{
		Source: &sliceSource{name: "events", rows: []Row{{"id": 1}, {"id": 2}}},
		Steps: []Step{
			{Coalesce: &CoalesceSpec{Name: "join"}},
		},
		Sinks:       map[string]Sink{"out": sink},
		DefaultSink: "out",
	}

	result, err := e.Run(ctx, p, map[string]any{"pipeline": "pass-through"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Written != 2 {
		t.Errorf("result = %+v, want both rows written", result)
	}
	if len(sink.written()) != 2 {
		t.Errorf("sink rows = %d, want 2", len(sink.written()))
	}

	// Unforked tokens record a coalesce visit but no join.
	for index := 0; index < 2; index++ {
		_, tokens := rowTokens(t, db, result.RunID, index)
		if len(tokens) != 1 {
			t.Fatalf("row %d tokens = %d, want 1", index, len(tokens))
		}
		if tokens[0].JoinGroupID != "" {
			t.Errorf("row %d token has a join group; pass-through must not coalesce", index)
		}
		states, err := db.GetNodeStates(ctx, tokens[0].TokenID)
		if err != nil {
			t.Fatalf("GetNodeStates failed: %v", err)
		}
		if len(states) != 3 {
			t.Errorf("row %d states = %d, want source, coalesce, sink", index, len(states))
		}
	}
}
