package landscape

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ResumePoint is where a crashed run left off. RowIndex is the
// highest source row index with a checkpointed token; resume
// re-dispatches everything after it (plus any incomplete batches).
// AggregationStateJSON is the serialized aggregation buffer from the
// latest checkpoint, empty when the run had no buffered state.
type ResumePoint struct {
	RowIndex             int
	Checkpoint           *Checkpoint
	AggregationStateJSON string
}

// GetLatestCheckpoint returns the highest-sequence checkpoint of a
// run, or ErrNotFound when the run never checkpointed.
func (db *DB) GetLatestCheckpoint(ctx context.Context, runID string) (*Checkpoint, error) {
	row := db.sql.QueryRowContext(ctx, `SELECT checkpoint_id, run_id, token_id, node_id, sequence_number,
		aggregation_state_json, created_at FROM checkpoints
		WHERE run_id = ? ORDER BY sequence_number DESC LIMIT 1`, runID)

	var (
		cp        Checkpoint
		aggJSON   sql.NullString
		createdAt string
	)
	err := row.Scan(&cp.CheckpointID, &cp.RunID, &cp.TokenID, &cp.NodeID,
		&cp.SequenceNumber, &aggJSON, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoints of run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, &Error{Op: "get_latest_checkpoint", Err: err}
	}
	cp.AggregationStateJSON = aggJSON.String
	if cp.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return nil, &Error{Op: "get_latest_checkpoint", Err: err}
	}
	return &cp, nil
}

// GetResumePoint derives the resume cursor for a run. The cursor is
// the maximum row_index reached by walking checkpointed tokens back
// to their rows; checkpoint sequence numbers count terminal events
// and are never used as a row cursor.
func (db *DB) GetResumePoint(ctx context.Context, runID string) (*ResumePoint, error) {
	latest, err := db.GetLatestCheckpoint(ctx, runID)
	if err != nil {
		return nil, err
	}

	row := db.sql.QueryRowContext(ctx, `SELECT COALESCE(MAX(r.row_index), -1)
		FROM checkpoints c
		JOIN tokens t ON t.token_id = c.token_id
		JOIN rows r ON r.row_id = t.row_id
		WHERE c.run_id = ?`, runID)

	point := &ResumePoint{Checkpoint: latest, AggregationStateJSON: latest.AggregationStateJSON}
	if err := row.Scan(&point.RowIndex); err != nil {
		return nil, &Error{Op: "get_resume_point", Err: err}
	}
	return point, nil
}

// GetUnprocessedRows returns the row indexes already recorded for a
// run that have no checkpointed token, ascending. After a crash these
// rows were read from the source but never finished. Rows whose token
// joined a batch are excluded: only the representative token of a
// completed batch gets checkpointed, and incomplete batches are
// re-installed by batch repair, so re-feeding either would process the
// row twice.
func (db *DB) GetUnprocessedRows(ctx context.Context, runID string) ([]int, error) {
	rows, err := db.sql.QueryContext(ctx, `SELECT r.row_index FROM rows r
		WHERE r.run_id = ?
		AND NOT EXISTS (
			SELECT 1 FROM checkpoints c
			JOIN tokens t ON t.token_id = c.token_id
			WHERE c.run_id = r.run_id AND t.row_id = r.row_id
		)
		AND NOT EXISTS (
			SELECT 1 FROM batch_members bm
			JOIN tokens t ON t.token_id = bm.token_id
			WHERE t.row_id = r.row_id
		)
		ORDER BY r.row_index`, runID)
	if err != nil {
		return nil, &Error{Op: "get_unprocessed_rows", Err: err}
	}
	defer rows.Close()

	var indexes []int
	for rows.Next() {
		var index int
		if err := rows.Scan(&index); err != nil {
			return nil, &Error{Op: "get_unprocessed_rows", Err: err}
		}
		indexes = append(indexes, index)
	}
	return indexes, rows.Err()
}
