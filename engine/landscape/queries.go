package landscape

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned by point lookups when no row matches.
var ErrNotFound = errors.New("landscape: not found")

// GetRun fetches one run by ID.
func (db *DB) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := db.sql.QueryRowContext(ctx, `SELECT run_id, started_at, completed_at, config_hash, config_json,
		canonical_version, status, reproducibility_grade, export_status FROM runs WHERE run_id = ?`, runID)

	var (
		run                    Run
		startedAt              string
		completedAt            sql.NullString
		status, grade          string
	)
	err := row.Scan(&run.RunID, &startedAt, &completedAt, &run.ConfigHash, &run.ConfigJSON,
		&run.CanonicalVersion, &status, &grade, &run.ExportStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, &Error{Op: "get_run", Err: err}
	}
	run.Status = RunStatus(status)
	run.ReproducibilityGrade = ReproducibilityGrade(grade)
	if run.StartedAt, err = parseTimestamp(startedAt); err != nil {
		return nil, &Error{Op: "get_run", Err: err}
	}
	if completedAt.Valid {
		t, err := parseTimestamp(completedAt.String)
		if err != nil {
			return nil, &Error{Op: "get_run", Err: err}
		}
		run.CompletedAt = &t
	}
	return &run, nil
}

// GetNodes returns a run's nodes ordered by pipeline sequence, with
// unsequenced nodes (gates, coalesce points) last.
func (db *DB) GetNodes(ctx context.Context, runID string) ([]*Node, error) {
	rows, err := db.sql.QueryContext(ctx, `SELECT node_id, run_id, plugin_name, node_type, plugin_version,
		config_hash, config_json, schema_hash, sequence_in_pipeline, determinism, registered_at
		FROM nodes WHERE run_id = ?
		ORDER BY sequence_in_pipeline IS NULL, sequence_in_pipeline, registered_at`, runID)
	if err != nil {
		return nil, &Error{Op: "get_nodes", Err: err}
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		var (
			node         Node
			nodeType     string
			determinism  string
			schemaHash   sql.NullString
			sequence     sql.NullInt64
			registeredAt string
		)
		if err := rows.Scan(&node.NodeID, &node.RunID, &node.PluginName, &nodeType, &node.PluginVersion,
			&node.ConfigHash, &node.ConfigJSON, &schemaHash, &sequence, &determinism, &registeredAt); err != nil {
			return nil, &Error{Op: "get_nodes", Err: err}
		}
		node.NodeType = NodeType(nodeType)
		node.Determinism = Determinism(determinism)
		node.SchemaHash = schemaHash.String
		if sequence.Valid {
			seq := int(sequence.Int64)
			node.SequenceInPipeline = &seq
		}
		if node.RegisteredAt, err = parseTimestamp(registeredAt); err != nil {
			return nil, &Error{Op: "get_nodes", Err: err}
		}
		nodes = append(nodes, &node)
	}
	return nodes, rows.Err()
}

// GetEdges returns a run's edges.
func (db *DB) GetEdges(ctx context.Context, runID string) ([]*Edge, error) {
	rows, err := db.sql.QueryContext(ctx, `SELECT edge_id, run_id, from_node_id, to_node_id, label,
		default_mode, created_at FROM edges WHERE run_id = ? ORDER BY created_at, edge_id`, runID)
	if err != nil {
		return nil, &Error{Op: "get_edges", Err: err}
	}
	defer rows.Close()

	var edges []*Edge
	for rows.Next() {
		var (
			edge      Edge
			mode      string
			createdAt string
		)
		if err := rows.Scan(&edge.EdgeID, &edge.RunID, &edge.FromNodeID, &edge.ToNodeID,
			&edge.Label, &mode, &createdAt); err != nil {
			return nil, &Error{Op: "get_edges", Err: err}
		}
		edge.DefaultMode = RouteMode(mode)
		if edge.CreatedAt, err = parseTimestamp(createdAt); err != nil {
			return nil, &Error{Op: "get_edges", Err: err}
		}
		edges = append(edges, &edge)
	}
	return edges, rows.Err()
}

// GetRow fetches one source row by index.
func (db *DB) GetRow(ctx context.Context, runID string, rowIndex int) (*Row, string, error) {
	row := db.sql.QueryRowContext(ctx, `SELECT row_id, run_id, source_node_id, row_index,
		source_data_hash, source_data_json, source_data_ref, created_at
		FROM rows WHERE run_id = ? AND row_index = ?`, runID, rowIndex)

	var (
		out       Row
		inline    sql.NullString
		ref       sql.NullString
		createdAt string
	)
	err := row.Scan(&out.RowID, &out.RunID, &out.SourceNodeID, &out.RowIndex,
		&out.SourceDataHash, &inline, &ref, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", fmt.Errorf("row %d of run %s: %w", rowIndex, runID, ErrNotFound)
	}
	if err != nil {
		return nil, "", &Error{Op: "get_row", Err: err}
	}
	out.SourceDataRef = ref.String
	if out.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return nil, "", &Error{Op: "get_row", Err: err}
	}
	return &out, inline.String, nil
}

// GetTokens returns every token minted for a row, oldest first.
func (db *DB) GetTokens(ctx context.Context, rowID string) ([]*Token, error) {
	rows, err := db.sql.QueryContext(ctx, `SELECT token_id, row_id, fork_group_id, join_group_id,
		branch_name, created_at FROM tokens WHERE row_id = ? ORDER BY created_at, token_id`, rowID)
	if err != nil {
		return nil, &Error{Op: "get_tokens", Err: err}
	}
	defer rows.Close()

	var tokens []*Token
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, &Error{Op: "get_tokens", Err: err}
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

// GetToken fetches one token by ID.
func (db *DB) GetToken(ctx context.Context, tokenID string) (*Token, error) {
	rows, err := db.sql.QueryContext(ctx, `SELECT token_id, row_id, fork_group_id, join_group_id,
		branch_name, created_at FROM tokens WHERE token_id = ?`, tokenID)
	if err != nil {
		return nil, &Error{Op: "get_token", Err: err}
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, &Error{Op: "get_token", Err: err}
		}
		return nil, fmt.Errorf("token %s: %w", tokenID, ErrNotFound)
	}
	token, err := scanToken(rows)
	if err != nil {
		return nil, &Error{Op: "get_token", Err: err}
	}
	return token, nil
}

// GetRowByID fetches one source row by its ID, returning the record
// and any inline payload JSON.
func (db *DB) GetRowByID(ctx context.Context, rowID string) (*Row, string, error) {
	row := db.sql.QueryRowContext(ctx, `SELECT row_id, run_id, source_node_id, row_index,
		source_data_hash, source_data_json, source_data_ref, created_at
		FROM rows WHERE row_id = ?`, rowID)

	var (
		out       Row
		inline    sql.NullString
		ref       sql.NullString
		createdAt string
	)
	err := row.Scan(&out.RowID, &out.RunID, &out.SourceNodeID, &out.RowIndex,
		&out.SourceDataHash, &inline, &ref, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", fmt.Errorf("row %s: %w", rowID, ErrNotFound)
	}
	if err != nil {
		return nil, "", &Error{Op: "get_row_by_id", Err: err}
	}
	out.SourceDataRef = ref.String
	if out.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return nil, "", &Error{Op: "get_row_by_id", Err: err}
	}
	return &out, inline.String, nil
}

// GetMaxRowIndex returns the highest row_index recorded for a run, or
// -1 when the run has no rows.
func (db *DB) GetMaxRowIndex(ctx context.Context, runID string) (int, error) {
	var index int
	err := db.sql.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(row_index), -1) FROM rows WHERE run_id = ?`, runID).Scan(&index)
	if err != nil {
		return -1, &Error{Op: "get_max_row_index", Err: err}
	}
	return index, nil
}

// GetRunsByStatus lists run IDs in a given status, oldest first.
// Startup crash detection asks for status=running.
func (db *DB) GetRunsByStatus(ctx context.Context, status RunStatus) ([]string, error) {
	rows, err := db.sql.QueryContext(ctx,
		`SELECT run_id FROM runs WHERE status = ? ORDER BY started_at, run_id`, string(status))
	if err != nil {
		return nil, &Error{Op: "get_runs_by_status", Err: err}
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &Error{Op: "get_runs_by_status", Err: err}
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetTokenParents returns a token's parents in ordinal order.
func (db *DB) GetTokenParents(ctx context.Context, tokenID string) ([]*TokenParent, error) {
	rows, err := db.sql.QueryContext(ctx, `SELECT token_id, parent_token_id, ordinal
		FROM token_parents WHERE token_id = ? ORDER BY ordinal`, tokenID)
	if err != nil {
		return nil, &Error{Op: "get_token_parents", Err: err}
	}
	defer rows.Close()

	var parents []*TokenParent
	for rows.Next() {
		var parent TokenParent
		if err := rows.Scan(&parent.TokenID, &parent.ParentTokenID, &parent.Ordinal); err != nil {
			return nil, &Error{Op: "get_token_parents", Err: err}
		}
		parents = append(parents, &parent)
	}
	return parents, rows.Err()
}

// GetNodeStates returns every state for a token ordered by step then
// attempt, reconstructing the token's journey through the pipeline.
func (db *DB) GetNodeStates(ctx context.Context, tokenID string) ([]*NodeState, error) {
	rows, err := db.sql.QueryContext(ctx, `SELECT state_id, token_id, run_id, node_id, step_index, attempt,
		status, input_hash, output_hash, context_before_json, context_after_json, duration_ms, error_json,
		started_at, completed_at FROM node_states WHERE token_id = ? ORDER BY step_index, attempt`, tokenID)
	if err != nil {
		return nil, &Error{Op: "get_node_states", Err: err}
	}
	defer rows.Close()

	var states []*NodeState
	for rows.Next() {
		var (
			state                  NodeState
			status                 string
			inputHash, outputHash  sql.NullString
			ctxBefore, ctxAfter    sql.NullString
			durationMS             sql.NullFloat64
			errJSON                sql.NullString
			startedAt              string
			completedAt            sql.NullString
		)
		if err := rows.Scan(&state.StateID, &state.TokenID, &state.RunID, &state.NodeID,
			&state.StepIndex, &state.Attempt, &status, &inputHash, &outputHash,
			&ctxBefore, &ctxAfter, &durationMS, &errJSON, &startedAt, &completedAt); err != nil {
			return nil, &Error{Op: "get_node_states", Err: err}
		}
		state.Status = StateStatus(status)
		state.InputHash = inputHash.String
		state.OutputHash = outputHash.String
		state.ContextBeforeJSON = ctxBefore.String
		state.ContextAfterJSON = ctxAfter.String
		state.ErrorJSON = errJSON.String
		if durationMS.Valid {
			d := durationMS.Float64
			state.DurationMS = &d
		}
		if state.StartedAt, err = parseTimestamp(startedAt); err != nil {
			return nil, &Error{Op: "get_node_states", Err: err}
		}
		if completedAt.Valid {
			t, err := parseTimestamp(completedAt.String)
			if err != nil {
				return nil, &Error{Op: "get_node_states", Err: err}
			}
			state.CompletedAt = &t
		}
		states = append(states, &state)
	}
	return states, rows.Err()
}

// GetRoutingEvents returns the routing events recorded under a state,
// grouped and ordered by decision.
func (db *DB) GetRoutingEvents(ctx context.Context, stateID string) ([]*RoutingEvent, error) {
	rows, err := db.sql.QueryContext(ctx, `SELECT event_id, state_id, edge_id, routing_group_id, ordinal,
		mode, reason_hash, reason_ref, created_at FROM routing_events
		WHERE state_id = ? ORDER BY routing_group_id, ordinal`, stateID)
	if err != nil {
		return nil, &Error{Op: "get_routing_events", Err: err}
	}
	defer rows.Close()

	var events []*RoutingEvent
	for rows.Next() {
		var (
			event               RoutingEvent
			mode                string
			reasonHash, reasonRef sql.NullString
			createdAt           string
		)
		if err := rows.Scan(&event.EventID, &event.StateID, &event.EdgeID, &event.RoutingGroupID,
			&event.Ordinal, &mode, &reasonHash, &reasonRef, &createdAt); err != nil {
			return nil, &Error{Op: "get_routing_events", Err: err}
		}
		event.Mode = RouteMode(mode)
		event.ReasonHash = reasonHash.String
		event.ReasonRef = reasonRef.String
		if event.CreatedAt, err = parseTimestamp(createdAt); err != nil {
			return nil, &Error{Op: "get_routing_events", Err: err}
		}
		events = append(events, &event)
	}
	return events, rows.Err()
}

// GetCalls returns a state's external calls in call-index order.
func (db *DB) GetCalls(ctx context.Context, stateID string) ([]*Call, error) {
	rows, err := db.sql.QueryContext(ctx, `SELECT call_id, state_id, call_index, call_type, status,
		request_hash, request_ref, response_hash, response_ref, error_json, latency_ms, created_at
		FROM calls WHERE state_id = ? ORDER BY call_index`, stateID)
	if err != nil {
		return nil, &Error{Op: "get_calls", Err: err}
	}
	defer rows.Close()

	var calls []*Call
	for rows.Next() {
		var (
			call                       Call
			status                     string
			reqHash, reqRef            sql.NullString
			respHash, respRef, errJSON sql.NullString
			latency                    sql.NullFloat64
			createdAt                  string
		)
		if err := rows.Scan(&call.CallID, &call.StateID, &call.CallIndex, &call.CallType, &status,
			&reqHash, &reqRef, &respHash, &respRef, &errJSON, &latency, &createdAt); err != nil {
			return nil, &Error{Op: "get_calls", Err: err}
		}
		call.Status = CallStatus(status)
		call.RequestHash = reqHash.String
		call.RequestRef = reqRef.String
		call.ResponseHash = respHash.String
		call.ResponseRef = respRef.String
		call.ErrorJSON = errJSON.String
		if latency.Valid {
			l := latency.Float64
			call.LatencyMS = &l
		}
		if call.CreatedAt, err = parseTimestamp(createdAt); err != nil {
			return nil, &Error{Op: "get_calls", Err: err}
		}
		calls = append(calls, &call)
	}
	return calls, rows.Err()
}

// GetIncompleteBatches returns a run's draft, executing, and failed
// batches. Resume uses this to find work interrupted by a crash; a
// failed batch still holds member rows that were never delivered, so
// it counts as incomplete until a retry succeeds.
func (db *DB) GetIncompleteBatches(ctx context.Context, runID string) ([]*Batch, error) {
	rows, err := db.sql.QueryContext(ctx, `SELECT batch_id, run_id, aggregation_node_id, aggregation_state_id,
		trigger_reason, trigger_type, attempt, status, created_at, completed_at
		FROM batches WHERE run_id = ? AND status IN (?, ?, ?) ORDER BY created_at, batch_id`,
		runID, string(BatchDraft), string(BatchExecuting), string(BatchFailed))
	if err != nil {
		return nil, &Error{Op: "get_incomplete_batches", Err: err}
	}
	defer rows.Close()

	var batches []*Batch
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, &Error{Op: "get_incomplete_batches", Err: err}
		}
		batches = append(batches, batch)
	}
	return batches, rows.Err()
}

// GetBatch fetches one batch by ID.
func (db *DB) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	rows, err := db.sql.QueryContext(ctx, `SELECT batch_id, run_id, aggregation_node_id, aggregation_state_id,
		trigger_reason, trigger_type, attempt, status, created_at, completed_at
		FROM batches WHERE batch_id = ?`, batchID)
	if err != nil {
		return nil, &Error{Op: "get_batch", Err: err}
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, &Error{Op: "get_batch", Err: err}
		}
		return nil, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}
	return scanBatch(rows)
}

// GetBatchMembers returns a batch's members in ordinal order.
func (db *DB) GetBatchMembers(ctx context.Context, batchID string) ([]*BatchMember, error) {
	rows, err := db.sql.QueryContext(ctx, `SELECT batch_id, token_id, ordinal
		FROM batch_members WHERE batch_id = ? ORDER BY ordinal`, batchID)
	if err != nil {
		return nil, &Error{Op: "get_batch_members", Err: err}
	}
	defer rows.Close()

	var members []*BatchMember
	for rows.Next() {
		var member BatchMember
		if err := rows.Scan(&member.BatchID, &member.TokenID, &member.Ordinal); err != nil {
			return nil, &Error{Op: "get_batch_members", Err: err}
		}
		members = append(members, &member)
	}
	return members, rows.Err()
}

// GetBatchOutputs returns what a batch produced.
func (db *DB) GetBatchOutputs(ctx context.Context, batchID string) ([]*BatchOutput, error) {
	rows, err := db.sql.QueryContext(ctx, `SELECT batch_id, output_type, output_id
		FROM batch_outputs WHERE batch_id = ? ORDER BY output_type, output_id`, batchID)
	if err != nil {
		return nil, &Error{Op: "get_batch_outputs", Err: err}
	}
	defer rows.Close()

	var outputs []*BatchOutput
	for rows.Next() {
		var out BatchOutput
		var outputType string
		if err := rows.Scan(&out.BatchID, &outputType, &out.OutputID); err != nil {
			return nil, &Error{Op: "get_batch_outputs", Err: err}
		}
		out.OutputType = OutputType(outputType)
		outputs = append(outputs, &out)
	}
	return outputs, rows.Err()
}

// GetArtifacts returns a run's committed sink writes.
func (db *DB) GetArtifacts(ctx context.Context, runID string) ([]*Artifact, error) {
	rows, err := db.sql.QueryContext(ctx, `SELECT artifact_id, run_id, produced_by_state_id, sink_node_id,
		artifact_type, path_or_uri, content_hash, size_bytes, idempotency_key, created_at
		FROM artifacts WHERE run_id = ? ORDER BY created_at, artifact_id`, runID)
	if err != nil {
		return nil, &Error{Op: "get_artifacts", Err: err}
	}
	defer rows.Close()

	var artifacts []*Artifact
	for rows.Next() {
		var (
			artifact               Artifact
			stateID, hash, idemKey sql.NullString
			createdAt              string
		)
		if err := rows.Scan(&artifact.ArtifactID, &artifact.RunID, &stateID, &artifact.SinkNodeID,
			&artifact.ArtifactType, &artifact.PathOrURI, &hash, &artifact.SizeBytes, &idemKey, &createdAt); err != nil {
			return nil, &Error{Op: "get_artifacts", Err: err}
		}
		artifact.ProducedByStateID = stateID.String
		artifact.ContentHash = hash.String
		artifact.IdempotencyKey = idemKey.String
		if artifact.CreatedAt, err = parseTimestamp(createdAt); err != nil {
			return nil, &Error{Op: "get_artifacts", Err: err}
		}
		artifacts = append(artifacts, &artifact)
	}
	return artifacts, rows.Err()
}

func scanToken(rows *sql.Rows) (*Token, error) {
	var (
		token                 Token
		forkGroup, joinGroup  sql.NullString
		branchName            sql.NullString
		createdAt             string
	)
	if err := rows.Scan(&token.TokenID, &token.RowID, &forkGroup, &joinGroup, &branchName, &createdAt); err != nil {
		return nil, err
	}
	token.ForkGroupID = forkGroup.String
	token.JoinGroupID = joinGroup.String
	token.BranchName = branchName.String
	var err error
	if token.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return nil, err
	}
	return &token, nil
}

func scanBatch(rows *sql.Rows) (*Batch, error) {
	var (
		batch                  Batch
		stateID, reason, trig  sql.NullString
		status                 string
		createdAt              string
		completedAt            sql.NullString
	)
	if err := rows.Scan(&batch.BatchID, &batch.RunID, &batch.AggregationNodeID, &stateID,
		&reason, &trig, &batch.Attempt, &status, &createdAt, &completedAt); err != nil {
		return nil, err
	}
	batch.AggregationStateID = stateID.String
	batch.TriggerReason = reason.String
	batch.TriggerType = TriggerType(trig.String)
	batch.Status = BatchStatus(status)
	var err error
	if batch.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t, err := parseTimestamp(completedAt.String)
		if err != nil {
			return nil, err
		}
		batch.CompletedAt = &t
	}
	return &batch, nil
}
