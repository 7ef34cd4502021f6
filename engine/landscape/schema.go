package landscape

import (
	"context"
	"fmt"
)

// The DDL below is written in the common subset understood by both
// SQLite and MySQL: VARCHAR for anything indexed or used as a key,
// TEXT for JSON payload columns, DOUBLE/BIGINT for measurements.
// SQLite treats the VARCHAR lengths as advisory; MySQL needs them for
// index columns.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		run_id                VARCHAR(64)  NOT NULL PRIMARY KEY,
		started_at            VARCHAR(40)  NOT NULL,
		completed_at          VARCHAR(40),
		config_hash           VARCHAR(80)  NOT NULL,
		config_json           TEXT         NOT NULL,
		canonical_version     VARCHAR(40)  NOT NULL,
		status                VARCHAR(16)  NOT NULL,
		reproducibility_grade VARCHAR(32)  NOT NULL,
		export_status         VARCHAR(16)  NOT NULL DEFAULT 'pending'
	)`,

	`CREATE TABLE IF NOT EXISTS nodes (
		node_id              VARCHAR(64)  NOT NULL PRIMARY KEY,
		run_id               VARCHAR(64)  NOT NULL,
		plugin_name          VARCHAR(128) NOT NULL,
		node_type            VARCHAR(16)  NOT NULL,
		plugin_version       VARCHAR(64)  NOT NULL,
		config_hash          VARCHAR(80)  NOT NULL,
		config_json          TEXT         NOT NULL,
		schema_hash          VARCHAR(80),
		sequence_in_pipeline INT,
		determinism          VARCHAR(24)  NOT NULL,
		registered_at        VARCHAR(40)  NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs (run_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_nodes_run ON nodes (run_id)`,

	`CREATE TABLE IF NOT EXISTS edges (
		edge_id      VARCHAR(64)  NOT NULL PRIMARY KEY,
		run_id       VARCHAR(64)  NOT NULL,
		from_node_id VARCHAR(64)  NOT NULL,
		to_node_id   VARCHAR(64)  NOT NULL,
		label        VARCHAR(128) NOT NULL,
		default_mode VARCHAR(8)   NOT NULL,
		created_at   VARCHAR(40)  NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs (run_id),
		FOREIGN KEY (from_node_id) REFERENCES nodes (node_id),
		FOREIGN KEY (to_node_id) REFERENCES nodes (node_id),
		CONSTRAINT uq_edges_from_label UNIQUE (run_id, from_node_id, label)
	)`,

	`CREATE TABLE IF NOT EXISTS rows (
		row_id           VARCHAR(64) NOT NULL PRIMARY KEY,
		run_id           VARCHAR(64) NOT NULL,
		source_node_id   VARCHAR(64) NOT NULL,
		row_index        INT         NOT NULL,
		source_data_hash VARCHAR(80) NOT NULL,
		source_data_json TEXT,
		source_data_ref  VARCHAR(255),
		created_at       VARCHAR(40) NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs (run_id),
		FOREIGN KEY (source_node_id) REFERENCES nodes (node_id),
		CONSTRAINT uq_rows_index UNIQUE (run_id, row_index)
	)`,

	`CREATE TABLE IF NOT EXISTS tokens (
		token_id      VARCHAR(64)  NOT NULL PRIMARY KEY,
		row_id        VARCHAR(64)  NOT NULL,
		fork_group_id VARCHAR(64),
		join_group_id VARCHAR(64),
		branch_name   VARCHAR(128),
		created_at    VARCHAR(40)  NOT NULL,
		FOREIGN KEY (row_id) REFERENCES rows (row_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tokens_row ON tokens (row_id)`,

	`CREATE TABLE IF NOT EXISTS token_parents (
		token_id        VARCHAR(64) NOT NULL,
		parent_token_id VARCHAR(64) NOT NULL,
		ordinal         INT         NOT NULL,
		PRIMARY KEY (token_id, ordinal),
		FOREIGN KEY (token_id) REFERENCES tokens (token_id),
		FOREIGN KEY (parent_token_id) REFERENCES tokens (token_id),
		CONSTRAINT uq_token_parents UNIQUE (token_id, parent_token_id)
	)`,

	`CREATE TABLE IF NOT EXISTS node_states (
		state_id            VARCHAR(64) NOT NULL PRIMARY KEY,
		token_id            VARCHAR(64) NOT NULL,
		run_id              VARCHAR(64) NOT NULL,
		node_id             VARCHAR(64) NOT NULL,
		step_index          INT         NOT NULL,
		attempt             INT         NOT NULL,
		status              VARCHAR(16) NOT NULL,
		input_hash          VARCHAR(80),
		output_hash         VARCHAR(80),
		context_before_json TEXT,
		context_after_json  TEXT,
		duration_ms         DOUBLE,
		error_json          TEXT,
		started_at          VARCHAR(40) NOT NULL,
		completed_at        VARCHAR(40),
		FOREIGN KEY (token_id) REFERENCES tokens (token_id),
		FOREIGN KEY (run_id) REFERENCES runs (run_id),
		FOREIGN KEY (node_id) REFERENCES nodes (node_id),
		CONSTRAINT uq_states_visit UNIQUE (token_id, node_id, step_index, attempt)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_states_run ON node_states (run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_states_token ON node_states (token_id)`,

	`CREATE TABLE IF NOT EXISTS routing_events (
		event_id         VARCHAR(64) NOT NULL PRIMARY KEY,
		state_id         VARCHAR(64) NOT NULL,
		edge_id          VARCHAR(64) NOT NULL,
		routing_group_id VARCHAR(64) NOT NULL,
		ordinal          INT         NOT NULL,
		mode             VARCHAR(8)  NOT NULL,
		reason_hash      VARCHAR(80),
		reason_json      TEXT,
		reason_ref       VARCHAR(255),
		created_at       VARCHAR(40) NOT NULL,
		FOREIGN KEY (state_id) REFERENCES node_states (state_id),
		FOREIGN KEY (edge_id) REFERENCES edges (edge_id),
		CONSTRAINT uq_routing_ordinal UNIQUE (routing_group_id, ordinal)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_routing_state ON routing_events (state_id)`,

	`CREATE TABLE IF NOT EXISTS calls (
		call_id       VARCHAR(64) NOT NULL PRIMARY KEY,
		state_id      VARCHAR(64) NOT NULL,
		call_index    INT         NOT NULL,
		call_type     VARCHAR(32) NOT NULL,
		status        VARCHAR(16) NOT NULL,
		request_hash  VARCHAR(80),
		request_json  TEXT,
		request_ref   VARCHAR(255),
		response_hash VARCHAR(80),
		response_json TEXT,
		response_ref  VARCHAR(255),
		error_json    TEXT,
		latency_ms    DOUBLE,
		created_at    VARCHAR(40) NOT NULL,
		FOREIGN KEY (state_id) REFERENCES node_states (state_id),
		CONSTRAINT uq_calls_index UNIQUE (state_id, call_index)
	)`,

	`CREATE TABLE IF NOT EXISTS batches (
		batch_id             VARCHAR(64) NOT NULL PRIMARY KEY,
		run_id               VARCHAR(64) NOT NULL,
		aggregation_node_id  VARCHAR(64) NOT NULL,
		aggregation_state_id VARCHAR(64),
		trigger_reason       TEXT,
		trigger_type         VARCHAR(16),
		attempt              INT         NOT NULL DEFAULT 0,
		status               VARCHAR(16) NOT NULL,
		created_at           VARCHAR(40) NOT NULL,
		completed_at         VARCHAR(40),
		FOREIGN KEY (run_id) REFERENCES runs (run_id),
		FOREIGN KEY (aggregation_node_id) REFERENCES nodes (node_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_batches_run_status ON batches (run_id, status)`,

	`CREATE TABLE IF NOT EXISTS batch_members (
		batch_id VARCHAR(64) NOT NULL,
		token_id VARCHAR(64) NOT NULL,
		ordinal  INT         NOT NULL,
		PRIMARY KEY (batch_id, ordinal),
		FOREIGN KEY (batch_id) REFERENCES batches (batch_id),
		FOREIGN KEY (token_id) REFERENCES tokens (token_id),
		CONSTRAINT uq_batch_members UNIQUE (batch_id, token_id)
	)`,

	`CREATE TABLE IF NOT EXISTS batch_outputs (
		batch_id    VARCHAR(64) NOT NULL,
		output_type VARCHAR(16) NOT NULL,
		output_id   VARCHAR(64) NOT NULL,
		PRIMARY KEY (batch_id, output_type, output_id),
		FOREIGN KEY (batch_id) REFERENCES batches (batch_id)
	)`,

	`CREATE TABLE IF NOT EXISTS artifacts (
		artifact_id          VARCHAR(64)  NOT NULL PRIMARY KEY,
		run_id               VARCHAR(64)  NOT NULL,
		produced_by_state_id VARCHAR(64),
		sink_node_id         VARCHAR(64)  NOT NULL,
		artifact_type        VARCHAR(32)  NOT NULL,
		path_or_uri          VARCHAR(512) NOT NULL,
		content_hash         VARCHAR(80),
		size_bytes           BIGINT       NOT NULL DEFAULT 0,
		idempotency_key      VARCHAR(255),
		created_at           VARCHAR(40)  NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs (run_id),
		FOREIGN KEY (sink_node_id) REFERENCES nodes (node_id),
		CONSTRAINT uq_artifacts_idempotency UNIQUE (run_id, idempotency_key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_artifacts_run ON artifacts (run_id)`,

	`CREATE TABLE IF NOT EXISTS checkpoints (
		checkpoint_id          VARCHAR(64) NOT NULL PRIMARY KEY,
		run_id                 VARCHAR(64) NOT NULL,
		token_id               VARCHAR(64) NOT NULL,
		node_id                VARCHAR(64) NOT NULL,
		sequence_number        BIGINT      NOT NULL,
		aggregation_state_json TEXT,
		created_at             VARCHAR(40) NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs (run_id),
		FOREIGN KEY (token_id) REFERENCES tokens (token_id),
		FOREIGN KEY (node_id) REFERENCES nodes (node_id),
		CONSTRAINT uq_checkpoints_seq UNIQUE (run_id, sequence_number)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_checkpoints_run ON checkpoints (run_id, sequence_number)`,
}

// Migrate creates the audit schema if it does not exist. Safe to call
// on every open.
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if err := db.execMigration(ctx, stmt); err != nil {
			return &Error{Op: "migrate", Err: fmt.Errorf("executing schema statement: %w", err)}
		}
	}
	return nil
}
