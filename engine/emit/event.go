// Package emit defines the observability event stream for pipeline
// execution.
//
// The engine reports every run, row, node, and batch lifecycle moment
// as an Event. Emitters forward events to a backend: a log writer, an
// OpenTelemetry tracer, or nothing at all. Events are advisory; the
// authoritative record is the Landscape audit store.
package emit

// Event is one observability event from pipeline execution.
type Event struct {
	// RunID identifies the run that produced this event.
	RunID string

	// RowIndex is the source row position, or -1 for run-level events.
	RowIndex int

	// TokenID identifies the row instance involved, if any.
	TokenID string

	// NodeID identifies the node involved, if any.
	NodeID string

	// Msg names the event, e.g. "run_started", "node_completed",
	// "batch_flushed", "checkpoint_saved", "row_failed".
	Msg string

	// Meta carries event-specific detail. Common keys:
	//   "duration_ms" — node execution time
	//   "error"       — failure description
	//   "attempt"     — retry attempt number
	//   "batch_id"    — aggregation batch involved
	//   "sink"        — destination sink name
	Meta map[string]any
}
