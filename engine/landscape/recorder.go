package landscape

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/elspeth-engine/elspeth/engine/canonical"
	"github.com/elspeth-engine/elspeth/engine/payload"
)

// DefaultInlineLimit is the payload size above which the recorder
// spills canonical bytes to the payload store and keeps only a
// reference in the row.
const DefaultInlineLimit = 64 * 1024

// ErrorInfo is the structured error detail attached to failed states
// and calls.
type ErrorInfo struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Recorder is the single writer to the audit database. Every method
// is one transaction: either the full fact lands or nothing does.
// Recorder methods are safe for concurrent use; SQLite serializes
// writes underneath, MySQL takes them concurrently.
//
// The recorder mints all identifiers and timestamps itself so that
// callers cannot produce divergent clocks or colliding IDs.
type Recorder struct {
	db          *DB
	payloads    payload.Store
	inlineLimit int
	clock       func() time.Time

	mu        sync.Mutex
	callIndex map[string]int // state_id -> next call_index
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithPayloadStore spills payloads larger than the inline limit to
// the given store instead of inlining them in the database.
func WithPayloadStore(store payload.Store) RecorderOption {
	return func(r *Recorder) { r.payloads = store }
}

// WithInlineLimit overrides the inline payload threshold in bytes.
func WithInlineLimit(limit int) RecorderOption {
	return func(r *Recorder) { r.inlineLimit = limit }
}

// WithClock overrides the recorder's time source. Tests use this to
// get deterministic timestamps.
func WithClock(clock func() time.Time) RecorderOption {
	return func(r *Recorder) { r.clock = clock }
}

// NewRecorder creates a recorder over an open audit database.
func NewRecorder(db *DB, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		db:          db,
		inlineLimit: DefaultInlineLimit,
		clock:       time.Now,
		callIndex:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// stored is a canonicalized payload ready for persistence: its hash,
// plus either inline JSON or a payload-store reference.
type stored struct {
	hash   sql.NullString
	inline sql.NullString
	ref    sql.NullString
}

// store canonicalizes v, hashes it, and decides inline-vs-ref. A nil
// v stores nothing (all columns NULL).
func (r *Recorder) store(ctx context.Context, v any) (stored, error) {
	if v == nil {
		return stored{}, nil
	}
	data, err := canonical.MarshalCanonical(v)
	if err != nil {
		return stored{}, fmt.Errorf("canonicalizing payload: %w", err)
	}
	out := stored{hash: sql.NullString{String: canonical.HashBytes(data), Valid: true}}
	if r.payloads != nil && len(data) > r.inlineLimit {
		ref, err := r.payloads.Put(ctx, data)
		if err != nil {
			return stored{}, fmt.Errorf("spilling payload: %w", err)
		}
		out.ref = sql.NullString{String: string(ref), Valid: true}
		return out, nil
	}
	out.inline = sql.NullString{String: string(data), Valid: true}
	return out, nil
}

func errorJSON(info *ErrorInfo) sql.NullString {
	if info == nil {
		return sql.NullString{}
	}
	data, err := json.Marshal(info)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"kind":"internal","message":%q}`, err.Error()))
	}
	return sql.NullString{String: string(data), Valid: true}
}

func newID() string { return uuid.NewString() }

// --- Runs ---

// BeginRun opens a new run. The config passed here must already have
// its secrets fingerprinted; the recorder stores it verbatim in
// canonical form and records the hash of those bytes.
func (r *Recorder) BeginRun(ctx context.Context, config map[string]any) (*Run, error) {
	data, err := canonical.MarshalCanonical(config)
	if err != nil {
		return nil, &Error{Op: "begin_run", Err: fmt.Errorf("canonicalizing config: %w", err)}
	}
	run := &Run{
		RunID:                newID(),
		StartedAt:            r.clock().UTC(),
		ConfigHash:           canonical.HashBytes(data),
		ConfigJSON:           string(data),
		CanonicalVersion:     canonical.Version,
		Status:               RunRunning,
		ReproducibilityGrade: GradeFullReproducible,
		ExportStatus:         "pending",
	}
	err = r.db.withTx(ctx, "begin_run", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO runs
			(run_id, started_at, config_hash, config_json, canonical_version, status, reproducibility_grade, export_status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			run.RunID, timestamp(run.StartedAt), run.ConfigHash, run.ConfigJSON,
			run.CanonicalVersion, string(run.Status), string(run.ReproducibilityGrade), run.ExportStatus)
		return err
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CompleteRun closes a run with a terminal status. A non-empty grade
// replaces the run's reproducibility grade; an empty grade leaves the
// current one in place.
func (r *Recorder) CompleteRun(ctx context.Context, runID string, status RunStatus, grade ReproducibilityGrade) error {
	if status != RunCompleted && status != RunFailed && status != RunCrashed {
		return &Error{Op: "complete_run", Err: fmt.Errorf("status %q is not terminal", status)}
	}
	now := timestamp(r.clock())
	return r.db.withTx(ctx, "complete_run", func(tx *sql.Tx) error {
		var res sql.Result
		var err error
		if grade != "" {
			res, err = tx.ExecContext(ctx,
				`UPDATE runs SET status = ?, completed_at = ?, reproducibility_grade = ? WHERE run_id = ? AND status = ?`,
				string(status), now, string(grade), runID, string(RunRunning))
		} else {
			res, err = tx.ExecContext(ctx,
				`UPDATE runs SET status = ?, completed_at = ? WHERE run_id = ? AND status = ?`,
				string(status), now, runID, string(RunRunning))
		}
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("run %s is not running", runID)
		}
		return nil
	})
}

// ReopenRun puts a crashed (or still-running after crash) run back
// into running for resume. Completed and failed runs cannot be
// reopened.
func (r *Recorder) ReopenRun(ctx context.Context, runID string) error {
	return r.db.withTx(ctx, "reopen_run", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, completed_at = NULL WHERE run_id = ? AND status IN (?, ?)`,
			string(RunRunning), runID, string(RunRunning), string(RunCrashed))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("run %s cannot be reopened", runID)
		}
		return nil
	})
}

// --- Nodes and edges ---

// NodeSpec describes a node to register.
type NodeSpec struct {
	RunID         string
	PluginName    string
	NodeType      NodeType
	PluginVersion string
	Config        map[string]any
	SchemaHash    string
	Sequence      *int
	Determinism   Determinism
}

// RegisterNode records a configured node. The config must already be
// fingerprinted.
func (r *Recorder) RegisterNode(ctx context.Context, spec NodeSpec) (*Node, error) {
	data, err := canonical.MarshalCanonical(spec.Config)
	if err != nil {
		return nil, &Error{Op: "register_node", Err: fmt.Errorf("canonicalizing node config: %w", err)}
	}
	node := &Node{
		NodeID:             newID(),
		RunID:              spec.RunID,
		PluginName:         spec.PluginName,
		NodeType:           spec.NodeType,
		PluginVersion:      spec.PluginVersion,
		ConfigHash:         canonical.HashBytes(data),
		ConfigJSON:         string(data),
		SchemaHash:         spec.SchemaHash,
		SequenceInPipeline: spec.Sequence,
		Determinism:        spec.Determinism,
		RegisteredAt:       r.clock().UTC(),
	}
	var seq sql.NullInt64
	if spec.Sequence != nil {
		seq = sql.NullInt64{Int64: int64(*spec.Sequence), Valid: true}
	}
	err = r.db.withTx(ctx, "register_node", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO nodes
			(node_id, run_id, plugin_name, node_type, plugin_version, config_hash, config_json, schema_hash, sequence_in_pipeline, determinism, registered_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			node.NodeID, node.RunID, node.PluginName, string(node.NodeType), node.PluginVersion,
			node.ConfigHash, node.ConfigJSON, nullable(node.SchemaHash), seq,
			string(node.Determinism), timestamp(node.RegisteredAt))
		return err
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// RegisterEdge records a labeled edge. (run_id, from, label) is
// unique, so registering the same label twice from one node fails.
func (r *Recorder) RegisterEdge(ctx context.Context, runID, fromNodeID, toNodeID, label string, mode RouteMode) (*Edge, error) {
	edge := &Edge{
		EdgeID:      newID(),
		RunID:       runID,
		FromNodeID:  fromNodeID,
		ToNodeID:    toNodeID,
		Label:       label,
		DefaultMode: mode,
		CreatedAt:   r.clock().UTC(),
	}
	err := r.db.withTx(ctx, "register_edge", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO edges
			(edge_id, run_id, from_node_id, to_node_id, label, default_mode, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			edge.EdgeID, edge.RunID, edge.FromNodeID, edge.ToNodeID, edge.Label,
			string(edge.DefaultMode), timestamp(edge.CreatedAt))
		return err
	})
	if err != nil {
		return nil, err
	}
	return edge, nil
}

// --- Rows and tokens ---

// CreateRow records one unit of source input, hashing its canonical
// form and inlining or spilling the payload.
func (r *Recorder) CreateRow(ctx context.Context, runID, sourceNodeID string, rowIndex int, data map[string]any) (*Row, error) {
	st, err := r.store(ctx, data)
	if err != nil {
		return nil, &Error{Op: "create_row", Err: err}
	}
	row := &Row{
		RowID:          newID(),
		RunID:          runID,
		SourceNodeID:   sourceNodeID,
		RowIndex:       rowIndex,
		SourceDataHash: st.hash.String,
		SourceDataRef:  st.ref.String,
		CreatedAt:      r.clock().UTC(),
	}
	err = r.db.withTx(ctx, "create_row", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO rows
			(row_id, run_id, source_node_id, row_index, source_data_hash, source_data_json, source_data_ref, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			row.RowID, row.RunID, row.SourceNodeID, row.RowIndex,
			st.hash, st.inline, st.ref, timestamp(row.CreatedAt))
		return err
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// CreateToken mints the root token for a row.
func (r *Recorder) CreateToken(ctx context.Context, rowID string) (*Token, error) {
	token := &Token{
		TokenID:   newID(),
		RowID:     rowID,
		CreatedAt: r.clock().UTC(),
	}
	err := r.db.withTx(ctx, "create_token", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO tokens (token_id, row_id, created_at) VALUES (?, ?, ?)`,
			token.TokenID, token.RowID, timestamp(token.CreatedAt))
		return err
	})
	if err != nil {
		return nil, err
	}
	return token, nil
}

// ForkToken splits a token into one child per branch name. Branch
// names must be unique within the fork; all children share a fork
// group and each records the parent in token_parents.
func (r *Recorder) ForkToken(ctx context.Context, parentTokenID string, branches []string) ([]*Token, error) {
	if len(branches) == 0 {
		return nil, &Error{Op: "fork_token", Err: fmt.Errorf("fork requires at least one branch")}
	}
	seen := make(map[string]bool, len(branches))
	for _, name := range branches {
		if seen[name] {
			return nil, &Error{Op: "fork_token", Err: fmt.Errorf("duplicate branch name %q", name)}
		}
		seen[name] = true
	}

	forkGroup := newID()
	now := r.clock().UTC()
	children := make([]*Token, 0, len(branches))
	err := r.db.withTx(ctx, "fork_token", func(tx *sql.Tx) error {
		var rowID string
		if err := tx.QueryRowContext(ctx, `SELECT row_id FROM tokens WHERE token_id = ?`, parentTokenID).Scan(&rowID); err != nil {
			return fmt.Errorf("looking up parent token %s: %w", parentTokenID, err)
		}
		for i, name := range branches {
			child := &Token{
				TokenID:     newID(),
				RowID:       rowID,
				ForkGroupID: forkGroup,
				BranchName:  name,
				CreatedAt:   now,
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO tokens
				(token_id, row_id, fork_group_id, branch_name, created_at) VALUES (?, ?, ?, ?, ?)`,
				child.TokenID, child.RowID, child.ForkGroupID, child.BranchName, timestamp(now)); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO token_parents
				(token_id, parent_token_id, ordinal) VALUES (?, ?, ?)`,
				child.TokenID, parentTokenID, i); err != nil {
				return err
			}
			children = append(children, child)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return children, nil
}

// CoalesceTokens merges sibling tokens into one child token. All
// parents must belong to the same row; parent order is preserved via
// token_parents ordinals.
func (r *Recorder) CoalesceTokens(ctx context.Context, parentTokenIDs []string) (*Token, error) {
	if len(parentTokenIDs) == 0 {
		return nil, &Error{Op: "coalesce_tokens", Err: fmt.Errorf("coalesce requires at least one parent")}
	}
	joinGroup := newID()
	now := r.clock().UTC()
	var child *Token
	err := r.db.withTx(ctx, "coalesce_tokens", func(tx *sql.Tx) error {
		var rowID string
		for i, parent := range parentTokenIDs {
			var parentRow string
			if err := tx.QueryRowContext(ctx, `SELECT row_id FROM tokens WHERE token_id = ?`, parent).Scan(&parentRow); err != nil {
				return fmt.Errorf("looking up parent token %s: %w", parent, err)
			}
			if i == 0 {
				rowID = parentRow
			} else if parentRow != rowID {
				return fmt.Errorf("coalesce parents span rows %s and %s", rowID, parentRow)
			}
		}
		child = &Token{
			TokenID:     newID(),
			RowID:       rowID,
			JoinGroupID: joinGroup,
			CreatedAt:   now,
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO tokens
			(token_id, row_id, join_group_id, created_at) VALUES (?, ?, ?, ?)`,
			child.TokenID, child.RowID, child.JoinGroupID, timestamp(now)); err != nil {
			return err
		}
		for i, parent := range parentTokenIDs {
			if _, err := tx.ExecContext(ctx, `INSERT INTO token_parents
				(token_id, parent_token_id, ordinal) VALUES (?, ?, ?)`,
				child.TokenID, parent, i); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return child, nil
}

// --- Node states ---

// StateSpec describes a node state to open.
type StateSpec struct {
	RunID         string
	TokenID       string
	NodeID        string
	StepIndex     int
	Attempt       int
	Input         any
	ContextBefore map[string]any
}

// BeginNodeState opens a state in status open. The (token, node,
// step_index, attempt) tuple is unique; retrying a visit requires a
// fresh attempt number.
func (r *Recorder) BeginNodeState(ctx context.Context, spec StateSpec) (*NodeState, error) {
	input, err := r.store(ctx, spec.Input)
	if err != nil {
		return nil, &Error{Op: "begin_node_state", Err: err}
	}
	var ctxBefore sql.NullString
	if spec.ContextBefore != nil {
		data, err := canonical.MarshalCanonical(spec.ContextBefore)
		if err != nil {
			return nil, &Error{Op: "begin_node_state", Err: fmt.Errorf("canonicalizing context: %w", err)}
		}
		ctxBefore = sql.NullString{String: string(data), Valid: true}
	}
	state := &NodeState{
		StateID:           newID(),
		TokenID:           spec.TokenID,
		RunID:             spec.RunID,
		NodeID:            spec.NodeID,
		StepIndex:         spec.StepIndex,
		Attempt:           spec.Attempt,
		Status:            StateOpen,
		InputHash:         input.hash.String,
		ContextBeforeJSON: ctxBefore.String,
		StartedAt:         r.clock().UTC(),
	}
	err = r.db.withTx(ctx, "begin_node_state", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO node_states
			(state_id, token_id, run_id, node_id, step_index, attempt, status, input_hash, context_before_json, started_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			state.StateID, state.TokenID, state.RunID, state.NodeID, state.StepIndex, state.Attempt,
			string(state.Status), input.hash, ctxBefore, timestamp(state.StartedAt))
		return err
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// StateCompletion carries the terminal facts for a node state.
type StateCompletion struct {
	Status       StateStatus // completed or failed
	Output       any         // nil means no output recorded
	ContextAfter map[string]any
	DurationMS   float64
	Error        *ErrorInfo
}

// CompleteNodeState closes an open state. States transition exactly
// once: open -> completed | failed. Completing a closed state fails.
func (r *Recorder) CompleteNodeState(ctx context.Context, stateID string, done StateCompletion) error {
	if done.Status != StateCompleted && done.Status != StateFailed {
		return &Error{Op: "complete_node_state", Err: fmt.Errorf("status %q is not terminal", done.Status)}
	}
	output, err := r.store(ctx, done.Output)
	if err != nil {
		return &Error{Op: "complete_node_state", Err: err}
	}
	var ctxAfter sql.NullString
	if done.ContextAfter != nil {
		data, err := canonical.MarshalCanonical(done.ContextAfter)
		if err != nil {
			return &Error{Op: "complete_node_state", Err: fmt.Errorf("canonicalizing context: %w", err)}
		}
		ctxAfter = sql.NullString{String: string(data), Valid: true}
	}
	now := timestamp(r.clock())
	return r.db.withTx(ctx, "complete_node_state", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE node_states
			SET status = ?, output_hash = ?, context_after_json = ?, duration_ms = ?, error_json = ?, completed_at = ?
			WHERE state_id = ? AND status = ?`,
			string(done.Status), output.hash, ctxAfter, done.DurationMS, errorJSON(done.Error), now,
			stateID, string(StateOpen))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("state %s is not open", stateID)
		}
		return nil
	})
}

// --- Routing ---

// RouteSelection names one chosen edge in a routing decision.
type RouteSelection struct {
	EdgeID string
	Mode   RouteMode
}

// RecordRoutingEvents records one routing decision as a group of
// events sharing a routing_group_id with dense ordinals. A decision
// with more than one route is a fork: every route must use copy mode
// and edges must be distinct.
func (r *Recorder) RecordRoutingEvents(ctx context.Context, stateID string, routes []RouteSelection, reason any) ([]*RoutingEvent, error) {
	if len(routes) == 0 {
		return nil, &Error{Op: "record_routing", Err: fmt.Errorf("routing decision selects no edges")}
	}
	if len(routes) > 1 {
		edges := make(map[string]bool, len(routes))
		for _, route := range routes {
			if route.Mode != RouteCopy {
				return nil, &Error{Op: "record_routing", Err: fmt.Errorf("fork routes must all use copy mode")}
			}
			if edges[route.EdgeID] {
				return nil, &Error{Op: "record_routing", Err: fmt.Errorf("fork selects edge %s twice", route.EdgeID)}
			}
			edges[route.EdgeID] = true
		}
	}

	st, err := r.store(ctx, reason)
	if err != nil {
		return nil, &Error{Op: "record_routing", Err: err}
	}
	group := newID()
	now := r.clock().UTC()
	events := make([]*RoutingEvent, 0, len(routes))
	err = r.db.withTx(ctx, "record_routing", func(tx *sql.Tx) error {
		for i, route := range routes {
			event := &RoutingEvent{
				EventID:        newID(),
				StateID:        stateID,
				EdgeID:         route.EdgeID,
				RoutingGroupID: group,
				Ordinal:        i,
				Mode:           route.Mode,
				ReasonHash:     st.hash.String,
				ReasonRef:      st.ref.String,
				CreatedAt:      now,
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO routing_events
				(event_id, state_id, edge_id, routing_group_id, ordinal, mode, reason_hash, reason_json, reason_ref, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				event.EventID, event.StateID, event.EdgeID, event.RoutingGroupID, event.Ordinal,
				string(event.Mode), st.hash, st.inline, st.ref, timestamp(now)); err != nil {
				return err
			}
			events = append(events, event)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// --- Calls ---

// CallSpec describes one external interaction to record.
type CallSpec struct {
	StateID   string
	CallType  string
	Status    CallStatus
	Request   any
	Response  any
	Error     *ErrorInfo
	LatencyMS float64
}

// RecordCall appends an external call under a node state. Call
// indexes are dense per state in recording order.
func (r *Recorder) RecordCall(ctx context.Context, spec CallSpec) (*Call, error) {
	request, err := r.store(ctx, spec.Request)
	if err != nil {
		return nil, &Error{Op: "record_call", Err: err}
	}
	response, err := r.store(ctx, spec.Response)
	if err != nil {
		return nil, &Error{Op: "record_call", Err: err}
	}

	r.mu.Lock()
	index := r.callIndex[spec.StateID]
	r.callIndex[spec.StateID] = index + 1
	r.mu.Unlock()

	call := &Call{
		CallID:       newID(),
		StateID:      spec.StateID,
		CallIndex:    index,
		CallType:     spec.CallType,
		Status:       spec.Status,
		RequestHash:  request.hash.String,
		RequestRef:   request.ref.String,
		ResponseHash: response.hash.String,
		ResponseRef:  response.ref.String,
		LatencyMS:    &spec.LatencyMS,
		CreatedAt:    r.clock().UTC(),
	}
	err = r.db.withTx(ctx, "record_call", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO calls
			(call_id, state_id, call_index, call_type, status, request_hash, request_json, request_ref,
			 response_hash, response_json, response_ref, error_json, latency_ms, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			call.CallID, call.StateID, call.CallIndex, call.CallType, string(call.Status),
			request.hash, request.inline, request.ref,
			response.hash, response.inline, response.ref,
			errorJSON(spec.Error), spec.LatencyMS, timestamp(call.CreatedAt))
		return err
	})
	if err != nil {
		return nil, err
	}
	return call, nil
}

// --- Batches ---

// CreateBatch opens a draft batch at an aggregation node.
func (r *Recorder) CreateBatch(ctx context.Context, runID, aggregationNodeID string) (*Batch, error) {
	batch := &Batch{
		BatchID:           newID(),
		RunID:             runID,
		AggregationNodeID: aggregationNodeID,
		Attempt:           0,
		Status:            BatchDraft,
		CreatedAt:         r.clock().UTC(),
	}
	err := r.db.withTx(ctx, "create_batch", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO batches
			(batch_id, run_id, aggregation_node_id, attempt, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			batch.BatchID, batch.RunID, batch.AggregationNodeID, batch.Attempt,
			string(batch.Status), timestamp(batch.CreatedAt))
		return err
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// AddBatchMember durably appends a token to a draft batch. Membership
// lands before the caller acknowledges the token as consumed, so a
// crash can never lose an accepted row.
func (r *Recorder) AddBatchMember(ctx context.Context, batchID, tokenID string, ordinal int) error {
	return r.db.withTx(ctx, "add_batch_member", func(tx *sql.Tx) error {
		var status string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM batches WHERE batch_id = ?`, batchID).Scan(&status); err != nil {
			return fmt.Errorf("looking up batch %s: %w", batchID, err)
		}
		if BatchStatus(status) != BatchDraft {
			return fmt.Errorf("batch %s is %s, members can only join drafts", batchID, status)
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO batch_members (batch_id, token_id, ordinal) VALUES (?, ?, ?)`,
			batchID, tokenID, ordinal)
		return err
	})
}

// BatchUpdate carries the optional facts attached to a batch status
// transition.
type BatchUpdate struct {
	TriggerType   TriggerType
	TriggerReason string
	StateID       string // aggregation node state executing the flush
}

// UpdateBatchStatus advances a batch through its lifecycle. Illegal
// transitions (anything other than draft -> executing -> completed |
// failed, or draft -> failed) are rejected.
func (r *Recorder) UpdateBatchStatus(ctx context.Context, batchID string, status BatchStatus, update BatchUpdate) error {
	return r.db.withTx(ctx, "update_batch_status", func(tx *sql.Tx) error {
		var current string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM batches WHERE batch_id = ?`, batchID).Scan(&current); err != nil {
			return fmt.Errorf("looking up batch %s: %w", batchID, err)
		}
		if !legalBatchTransition(BatchStatus(current), status) {
			return fmt.Errorf("illegal batch transition %s -> %s", current, status)
		}
		var completedAt sql.NullString
		if status == BatchCompleted || status == BatchFailed {
			completedAt = sql.NullString{String: timestamp(r.clock()), Valid: true}
		}
		_, err := tx.ExecContext(ctx, `UPDATE batches
			SET status = ?,
			    trigger_type = COALESCE(NULLIF(?, ''), trigger_type),
			    trigger_reason = COALESCE(NULLIF(?, ''), trigger_reason),
			    aggregation_state_id = COALESCE(NULLIF(?, ''), aggregation_state_id),
			    completed_at = COALESCE(?, completed_at)
			WHERE batch_id = ?`,
			string(status), string(update.TriggerType), update.TriggerReason, update.StateID,
			completedAt, batchID)
		return err
	})
}

// RetryBatch clones a failed batch into a fresh draft with the same
// members and an incremented attempt. Only failed batches can be
// retried.
func (r *Recorder) RetryBatch(ctx context.Context, batchID string) (*Batch, error) {
	now := r.clock().UTC()
	var retry *Batch
	err := r.db.withTx(ctx, "retry_batch", func(tx *sql.Tx) error {
		var (
			runID, nodeID, status string
			attempt               int
		)
		err := tx.QueryRowContext(ctx,
			`SELECT run_id, aggregation_node_id, status, attempt FROM batches WHERE batch_id = ?`, batchID).
			Scan(&runID, &nodeID, &status, &attempt)
		if err != nil {
			return fmt.Errorf("looking up batch %s: %w", batchID, err)
		}
		if BatchStatus(status) != BatchFailed {
			return fmt.Errorf("batch %s is %s, only failed batches can be retried", batchID, status)
		}
		retry = &Batch{
			BatchID:           newID(),
			RunID:             runID,
			AggregationNodeID: nodeID,
			Attempt:           attempt + 1,
			Status:            BatchDraft,
			CreatedAt:         now,
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO batches
			(batch_id, run_id, aggregation_node_id, attempt, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			retry.BatchID, retry.RunID, retry.AggregationNodeID, retry.Attempt,
			string(retry.Status), timestamp(now)); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO batch_members (batch_id, token_id, ordinal)
			SELECT ?, token_id, ordinal FROM batch_members WHERE batch_id = ?`,
			retry.BatchID, batchID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return retry, nil
}

// RecordBatchOutput links a batch to a token or artifact it produced.
func (r *Recorder) RecordBatchOutput(ctx context.Context, batchID string, outputType OutputType, outputID string) error {
	return r.db.withTx(ctx, "record_batch_output", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO batch_outputs (batch_id, output_type, output_id) VALUES (?, ?, ?)`,
			batchID, string(outputType), outputID)
		return err
	})
}

// --- Artifacts ---

// ArtifactSpec describes a sink write to register.
type ArtifactSpec struct {
	RunID             string
	ProducedByStateID string
	SinkNodeID        string
	ArtifactType      string
	PathOrURI         string
	ContentHash       string
	SizeBytes         int64
	IdempotencyKey    string
}

// RegisterArtifact records a committed sink write. The idempotency
// key, when set, is unique per run so a replayed write cannot be
// double-registered.
func (r *Recorder) RegisterArtifact(ctx context.Context, spec ArtifactSpec) (*Artifact, error) {
	artifact := &Artifact{
		ArtifactID:        newID(),
		RunID:             spec.RunID,
		ProducedByStateID: spec.ProducedByStateID,
		SinkNodeID:        spec.SinkNodeID,
		ArtifactType:      spec.ArtifactType,
		PathOrURI:         spec.PathOrURI,
		ContentHash:       spec.ContentHash,
		SizeBytes:         spec.SizeBytes,
		IdempotencyKey:    spec.IdempotencyKey,
		CreatedAt:         r.clock().UTC(),
	}
	err := r.db.withTx(ctx, "register_artifact", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO artifacts
			(artifact_id, run_id, produced_by_state_id, sink_node_id, artifact_type, path_or_uri, content_hash, size_bytes, idempotency_key, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			artifact.ArtifactID, artifact.RunID, nullable(artifact.ProducedByStateID),
			artifact.SinkNodeID, artifact.ArtifactType, artifact.PathOrURI,
			nullable(artifact.ContentHash), artifact.SizeBytes, nullable(artifact.IdempotencyKey),
			timestamp(artifact.CreatedAt))
		return err
	})
	if err != nil {
		return nil, err
	}
	return artifact, nil
}

// --- Checkpoints ---

// RecordCheckpoint appends a progress marker. The sequence number is
// assigned inside the transaction (max + 1 for the run) so markers
// are totally ordered even with concurrent workers.
func (r *Recorder) RecordCheckpoint(ctx context.Context, runID, tokenID, nodeID string, aggregationState map[string]any) (*Checkpoint, error) {
	var aggJSON sql.NullString
	if aggregationState != nil {
		data, err := canonical.MarshalCanonical(aggregationState)
		if err != nil {
			return nil, &Error{Op: "record_checkpoint", Err: fmt.Errorf("canonicalizing aggregation state: %w", err)}
		}
		aggJSON = sql.NullString{String: string(data), Valid: true}
	}
	cp := &Checkpoint{
		CheckpointID:         newID(),
		RunID:                runID,
		TokenID:              tokenID,
		NodeID:               nodeID,
		AggregationStateJSON: aggJSON.String,
		CreatedAt:            r.clock().UTC(),
	}
	err := r.db.withTx(ctx, "record_checkpoint", func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM checkpoints WHERE run_id = ?`, runID).
			Scan(&cp.SequenceNumber); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO checkpoints
			(checkpoint_id, run_id, token_id, node_id, sequence_number, aggregation_state_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			cp.CheckpointID, cp.RunID, cp.TokenID, cp.NodeID, cp.SequenceNumber, aggJSON, timestamp(cp.CreatedAt))
		return err
	})
	if err != nil {
		return nil, err
	}
	return cp, nil
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
