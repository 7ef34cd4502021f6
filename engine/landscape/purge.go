package landscape

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/elspeth-engine/elspeth/engine/payload"
)

// PurgeResult summarizes one retention pass.
type PurgeResult struct {
	RunsDowngraded  int
	PayloadsCleared int
	RefsDeleted     int
}

// PurgePayloads removes the heavyweight payloads of runs that
// completed before the cutoff while keeping the full audit skeleton:
// hashes, lineage, statuses, and timestamps survive forever. Affected
// runs are downgraded to attributable_only because their inputs can
// no longer be replayed.
//
// Rows in the audit tables are never deleted; only inline JSON blobs
// and payload-store objects go.
func (db *DB) PurgePayloads(ctx context.Context, cutoff time.Time, store payload.Store) (*PurgeResult, error) {
	result := &PurgeResult{}
	cutoffStr := timestamp(cutoff)

	runIDs, err := db.purgeCandidates(ctx, cutoffStr)
	if err != nil {
		return nil, err
	}

	for _, runID := range runIDs {
		refs, err := db.collectPayloadRefs(ctx, runID)
		if err != nil {
			return nil, err
		}

		err = db.withTx(ctx, "purge_payloads", func(tx *sql.Tx) error {
			cleared, err := clearRunPayloads(ctx, tx, runID)
			if err != nil {
				return err
			}
			result.PayloadsCleared += cleared
			_, err = tx.ExecContext(ctx,
				`UPDATE runs SET reproducibility_grade = ? WHERE run_id = ?`,
				string(GradeAttributableOnly), runID)
			return err
		})
		if err != nil {
			return nil, err
		}
		result.RunsDowngraded++

		// Delete external objects only after the database no longer
		// points at them. A crash between the two steps leaves orphan
		// objects, never dangling references.
		if store != nil {
			for _, ref := range refs {
				if err := store.Purge(ctx, payload.Ref(ref)); err != nil {
					return result, &Error{Op: "purge_payloads", Err: fmt.Errorf("purging %s: %w", ref, err)}
				}
				result.RefsDeleted++
			}
		}
	}
	return result, nil
}

func (db *DB) purgeCandidates(ctx context.Context, cutoff string) ([]string, error) {
	rows, err := db.sql.QueryContext(ctx, `SELECT run_id FROM runs
		WHERE completed_at IS NOT NULL AND completed_at < ? AND reproducibility_grade != ?`,
		cutoff, string(GradeAttributableOnly))
	if err != nil {
		return nil, &Error{Op: "purge_payloads", Err: err}
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &Error{Op: "purge_payloads", Err: err}
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// collectPayloadRefs gathers every payload-store reference a run
// holds across rows, routing events, and calls.
func (db *DB) collectPayloadRefs(ctx context.Context, runID string) ([]string, error) {
	queries := []string{
		`SELECT source_data_ref FROM rows WHERE run_id = ? AND source_data_ref IS NOT NULL`,
		`SELECT e.reason_ref FROM routing_events e
			JOIN node_states s ON s.state_id = e.state_id
			WHERE s.run_id = ? AND e.reason_ref IS NOT NULL`,
		`SELECT c.request_ref FROM calls c
			JOIN node_states s ON s.state_id = c.state_id
			WHERE s.run_id = ? AND c.request_ref IS NOT NULL`,
		`SELECT c.response_ref FROM calls c
			JOIN node_states s ON s.state_id = c.state_id
			WHERE s.run_id = ? AND c.response_ref IS NOT NULL`,
	}
	var refs []string
	for _, q := range queries {
		rows, err := db.sql.QueryContext(ctx, q, runID)
		if err != nil {
			return nil, &Error{Op: "purge_payloads", Err: err}
		}
		for rows.Next() {
			var ref string
			if err := rows.Scan(&ref); err != nil {
				rows.Close()
				return nil, &Error{Op: "purge_payloads", Err: err}
			}
			refs = append(refs, ref)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, &Error{Op: "purge_payloads", Err: err}
		}
		rows.Close()
	}
	return refs, nil
}

func clearRunPayloads(ctx context.Context, tx *sql.Tx, runID string) (int, error) {
	cleared := 0
	statements := []string{
		`UPDATE rows SET source_data_json = NULL, source_data_ref = NULL
			WHERE run_id = ? AND (source_data_json IS NOT NULL OR source_data_ref IS NOT NULL)`,
		`UPDATE routing_events SET reason_json = NULL, reason_ref = NULL
			WHERE state_id IN (SELECT state_id FROM node_states WHERE run_id = ?)
			AND (reason_json IS NOT NULL OR reason_ref IS NOT NULL)`,
		`UPDATE calls SET request_json = NULL, request_ref = NULL, response_json = NULL, response_ref = NULL
			WHERE state_id IN (SELECT state_id FROM node_states WHERE run_id = ?)
			AND (request_json IS NOT NULL OR request_ref IS NOT NULL
			     OR response_json IS NOT NULL OR response_ref IS NOT NULL)`,
	}
	for _, stmt := range statements {
		res, err := tx.ExecContext(ctx, stmt, runID)
		if err != nil {
			return cleared, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return cleared, err
		}
		cleared += int(n)
	}
	return cleared, nil
}
