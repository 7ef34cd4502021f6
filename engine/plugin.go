package engine

import (
	"context"

	"github.com/elspeth-engine/elspeth/engine/landscape"
)

// Row is a unit of pipeline data: string keys to scalar or nested
// values.
type Row = map[string]any

// RowIterator yields source rows in order. Next returns ErrEndOfSource
// when the source is exhausted.
type RowIterator interface {
	Next(ctx context.Context) (Row, error)
	Close() error
}

// Source produces the pipeline's input rows. Open may be called with
// a nonzero offset during resume; the source must skip that many rows
// and yield the remainder in their original order.
type Source interface {
	Name() string
	Determinism() landscape.Determinism
	Open(ctx context.Context, offset int) (RowIterator, error)
}

// Transform processes one row and returns a TransformResult. A
// transform sees its PluginContext for recording external calls; it
// never touches audit internals directly.
type Transform interface {
	Name() string
	Determinism() landscape.Determinism
	Process(ctx context.Context, row Row, pc *PluginContext) TransformResult
}

// Aggregation consumes a whole buffered batch at flush time.
type Aggregation interface {
	Name() string
	Determinism() landscape.Determinism
	Flush(ctx context.Context, rows []Row, pc *PluginContext) TransformResult
}

// AggregationSnapshotter is implemented by aggregations that carry
// state worth checkpointing. SnapshotState is stored opaquely in
// checkpoints; RestoreState is called once during resume before any
// row arrives.
type AggregationSnapshotter interface {
	SnapshotState() map[string]any
	RestoreState(state map[string]any)
}

// SinkReceipt describes one committed sink write; the engine turns it
// into an Artifact.
type SinkReceipt struct {
	ArtifactType   string
	PathOrURI      string
	ContentHash    string
	SizeBytes      int64
	IdempotencyKey string
}

// Sink commits rows to an external destination. SupportsResume
// reports whether the sink can append to output from a previous
// process; ConfigureForResume switches it into append mode and is
// only called when SupportsResume is true.
type Sink interface {
	Name() string
	Determinism() landscape.Determinism
	Write(ctx context.Context, rows []Row, pc *PluginContext) (*SinkReceipt, error)
	SupportsResume() bool
	ConfigureForResume() error
}

// CallRecord is a plugin-visible description of one external call.
type CallRecord struct {
	CallType  string
	Status    landscape.CallStatus
	Request   any
	Response  any
	Error     *landscape.ErrorInfo
	LatencyMS float64
}

// PluginContext is the only surface a plugin sees of the engine: the
// identities of the run and the node state it executes under, a way
// to record external calls, and any state restored from a checkpoint.
type PluginContext struct {
	RunID   string
	StateID string

	recorder      *landscape.Recorder
	restoredState map[string]any
}

// RecordCall appends an external call to the audit trail under the
// current node state. Call indexes are dense in emission order.
func (pc *PluginContext) RecordCall(ctx context.Context, record CallRecord) error {
	if pc.recorder == nil {
		return nil
	}
	_, err := pc.recorder.RecordCall(ctx, landscape.CallSpec{
		StateID:   pc.StateID,
		CallType:  record.CallType,
		Status:    record.Status,
		Request:   record.Request,
		Response:  record.Response,
		Error:     record.Error,
		LatencyMS: record.LatencyMS,
	})
	return err
}

// RestoredState returns the opaque state recovered from a checkpoint
// for this plugin's node, or nil on a fresh run.
func (pc *PluginContext) RestoredState() map[string]any { return pc.restoredState }

// TransformResult is the tagged outcome of a transform or aggregation
// flush: success carrying one row or several, or an error carrying a
// structured reason and a retryable flag. Construct values with
// Succeed, SucceedMany, or Fail.
type TransformResult struct {
	ok        bool
	row       Row
	rows      []Row
	reason    *landscape.ErrorInfo
	retryable bool
}

// Succeed wraps a single output row.
func Succeed(row Row) TransformResult {
	return TransformResult{ok: true, row: row}
}

// SucceedMany wraps a multi-row expansion. The transform executor
// rejects an empty slice as a contract violation; a plugin that
// produced nothing must fail or route instead.
func SucceedMany(rows []Row) TransformResult {
	return TransformResult{ok: true, rows: rows}
}

// Fail wraps a structured failure.
func Fail(reason *landscape.ErrorInfo, retryable bool) TransformResult {
	return TransformResult{reason: reason, retryable: retryable}
}

// OK reports whether the result is a success.
func (r TransformResult) OK() bool { return r.ok }

// Expanded reports whether the result is a multi-row expansion.
func (r TransformResult) Expanded() bool { return r.ok && r.rows != nil }

// Row returns the single output row of a non-expanded success.
func (r TransformResult) Row() Row { return r.row }

// Rows returns the output rows of an expansion.
func (r TransformResult) Rows() []Row { return r.rows }

// Reason returns the structured failure, nil on success.
func (r TransformResult) Reason() *landscape.ErrorInfo { return r.reason }

// Retryable reports whether the failure is transient.
func (r TransformResult) Retryable() bool { return r.retryable }

// RoutingReason is the discriminated union stored with routing
// events. Config gates produce ConfigGateReason; plugin-driven
// routing (a transform asking for a route) produces PluginGateReason.
// The variants are distinguished by field presence, not an explicit
// tag, so they serialize the way audits expect.
type ConfigGateReason struct {
	Condition string `json:"condition"`
	Result    any    `json:"result"`
}

// PluginGateReason records a plugin's routing rule and what matched.
type PluginGateReason struct {
	Rule         string `json:"rule"`
	MatchedValue any    `json:"matched_value"`
	Field        string `json:"field,omitempty"`
	Comparison   string `json:"comparison,omitempty"`
	Threshold    any    `json:"threshold,omitempty"`
}
