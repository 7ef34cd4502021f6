// Package landscape implements the relational audit store behind
// every pipeline run: the schema, the recorder that is its sole
// writer, and the query helpers that explain any output by replaying
// its lineage.
//
// The store is a 13-table relational model (runs, nodes, edges, rows,
// tokens, token_parents, node_states, routing_events, calls, batches,
// batch_members, batch_outputs, artifacts) plus a checkpoints table
// for crash recovery. SQLite is the default backend; MySQL is
// supported through the same dialect-aware DDL.
package landscape

import (
	"fmt"
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

// Run statuses.
const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCrashed   RunStatus = "crashed"
)

// ParseRunStatus validates a run status string. Invalid strings fail
// fast rather than landing in the audit trail.
func ParseRunStatus(s string) (RunStatus, error) {
	switch RunStatus(s) {
	case RunRunning, RunCompleted, RunFailed, RunCrashed:
		return RunStatus(s), nil
	}
	return "", fmt.Errorf("landscape: invalid run status %q", s)
}

// NodeType classifies a pipeline node.
type NodeType string

// Node types.
const (
	NodeSource      NodeType = "source"
	NodeTransform   NodeType = "transform"
	NodeGate        NodeType = "gate"
	NodeAggregation NodeType = "aggregation"
	NodeCoalesce    NodeType = "coalesce"
	NodeSink        NodeType = "sink"
)

// ParseNodeType validates a node type string.
func ParseNodeType(s string) (NodeType, error) {
	switch NodeType(s) {
	case NodeSource, NodeTransform, NodeGate, NodeAggregation, NodeCoalesce, NodeSink:
		return NodeType(s), nil
	}
	return "", fmt.Errorf("landscape: invalid node type %q", s)
}

// Determinism grades how repeatable a node's computation is. It feeds
// the run's reproducibility grade.
type Determinism string

// Determinism grades.
const (
	DeterminismPure          Determinism = "pure"
	DeterminismDeterministic Determinism = "deterministic"
	DeterminismIORead        Determinism = "io_read"
	DeterminismExternalCall  Determinism = "external_call"
	DeterminismNondeterministic Determinism = "non_deterministic"
)

// ParseDeterminism validates a determinism string.
func ParseDeterminism(s string) (Determinism, error) {
	switch Determinism(s) {
	case DeterminismPure, DeterminismDeterministic, DeterminismIORead,
		DeterminismExternalCall, DeterminismNondeterministic:
		return Determinism(s), nil
	}
	return "", fmt.Errorf("landscape: invalid determinism %q", s)
}

// StateStatus is the lifecycle state of a node state. Transitions are
// append-only monotonic: open → completed | failed. Reopening uses a
// new attempt number.
type StateStatus string

// Node state statuses.
const (
	StateOpen      StateStatus = "open"
	StateCompleted StateStatus = "completed"
	StateFailed    StateStatus = "failed"
)

// ParseStateStatus validates a state status string.
func ParseStateStatus(s string) (StateStatus, error) {
	switch StateStatus(s) {
	case StateOpen, StateCompleted, StateFailed:
		return StateStatus(s), nil
	}
	return "", fmt.Errorf("landscape: invalid state status %q", s)
}

// RouteMode says whether a routing event moves the token or copies it.
type RouteMode string

// Route modes.
const (
	RouteMove RouteMode = "move"
	RouteCopy RouteMode = "copy"
)

// ParseRouteMode validates a route mode string.
func ParseRouteMode(s string) (RouteMode, error) {
	switch RouteMode(s) {
	case RouteMove, RouteCopy:
		return RouteMode(s), nil
	}
	return "", fmt.Errorf("landscape: invalid route mode %q", s)
}

// BatchStatus is the lifecycle state of an aggregation batch:
// draft → executing → completed | failed.
type BatchStatus string

// Batch statuses.
const (
	BatchDraft     BatchStatus = "draft"
	BatchExecuting BatchStatus = "executing"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
)

// ParseBatchStatus validates a batch status string.
func ParseBatchStatus(s string) (BatchStatus, error) {
	switch BatchStatus(s) {
	case BatchDraft, BatchExecuting, BatchCompleted, BatchFailed:
		return BatchStatus(s), nil
	}
	return "", fmt.Errorf("landscape: invalid batch status %q", s)
}

// legalBatchTransition enforces draft → executing → completed|failed.
func legalBatchTransition(from, to BatchStatus) bool {
	switch from {
	case BatchDraft:
		return to == BatchExecuting || to == BatchFailed
	case BatchExecuting:
		return to == BatchCompleted || to == BatchFailed
	default:
		return false
	}
}

// CallStatus is the outcome of an external call.
type CallStatus string

// Call statuses.
const (
	CallSuccess CallStatus = "success"
	CallError   CallStatus = "error"
)

// ParseCallStatus validates a call status string.
func ParseCallStatus(s string) (CallStatus, error) {
	switch CallStatus(s) {
	case CallSuccess, CallError:
		return CallStatus(s), nil
	}
	return "", fmt.Errorf("landscape: invalid call status %q", s)
}

// TriggerType names what caused an aggregation flush.
type TriggerType string

// Aggregation trigger types.
const (
	TriggerCount       TriggerType = "count"
	TriggerTimeout     TriggerType = "timeout"
	TriggerCondition   TriggerType = "condition"
	TriggerEndOfSource TriggerType = "end_of_source"
)

// OutputType classifies a batch output.
type OutputType string

// Batch output types.
const (
	OutputToken    OutputType = "token"
	OutputArtifact OutputType = "artifact"
)

// ReproducibilityGrade says how faithfully a run can be re-derived
// from its audit trail. Grades only ever degrade (e.g. after a payload
// purge); they are never auto-upgraded.
type ReproducibilityGrade string

// Reproducibility grades.
const (
	GradeFullReproducible   ReproducibilityGrade = "full_reproducible"
	GradeReplayReproducible ReproducibilityGrade = "replay_reproducible"
	GradeAttributableOnly   ReproducibilityGrade = "attributable_only"
)

// --- Entities ---

// Run is one pipeline execution.
type Run struct {
	RunID                string
	StartedAt            time.Time
	CompletedAt          *time.Time
	ConfigHash           string
	ConfigJSON           string
	CanonicalVersion     string
	Status               RunStatus
	ReproducibilityGrade ReproducibilityGrade
	ExportStatus         string
}

// Node is a configured plugin (or gate) instance in a run.
type Node struct {
	NodeID             string
	RunID              string
	PluginName         string
	NodeType           NodeType
	PluginVersion      string
	ConfigHash         string
	ConfigJSON         string
	SchemaHash         string
	SequenceInPipeline *int
	Determinism        Determinism
	RegisteredAt       time.Time
}

// Edge is a labeled connection between two nodes.
type Edge struct {
	EdgeID      string
	RunID       string
	FromNodeID  string
	ToNodeID    string
	Label       string
	DefaultMode RouteMode
	CreatedAt   time.Time
}

// Row is one unit of source input.
type Row struct {
	RowID          string
	RunID          string
	SourceNodeID   string
	RowIndex       int
	SourceDataHash string
	SourceDataRef  string
	CreatedAt      time.Time
}

// Token is the identity of a row instance at a point in the execution
// graph. Rows fork into multiple tokens and coalesce back.
type Token struct {
	TokenID     string
	RowID       string
	ForkGroupID string
	JoinGroupID string
	BranchName  string
	CreatedAt   time.Time
}

// TokenParent links a token to one parent. Coalesced tokens have
// several parents, ordered by ordinal.
type TokenParent struct {
	TokenID       string
	ParentTokenID string
	Ordinal       int
}

// NodeState records one token visiting one node on one attempt.
type NodeState struct {
	StateID           string
	TokenID           string
	RunID             string
	NodeID            string
	StepIndex         int
	Attempt           int
	Status            StateStatus
	InputHash         string
	OutputHash        string
	ContextBeforeJSON string
	ContextAfterJSON  string
	DurationMS        *float64
	ErrorJSON         string
	StartedAt         time.Time
	CompletedAt       *time.Time
}

// RoutingEvent is one outgoing edge selection by a gate. Events
// sharing a routing_group_id describe one decision (single route or
// fork).
type RoutingEvent struct {
	EventID        string
	StateID        string
	EdgeID         string
	RoutingGroupID string
	Ordinal        int
	Mode           RouteMode
	ReasonHash     string
	ReasonRef      string
	CreatedAt      time.Time
}

// Batch is a set of tokens accumulated at an aggregation node and
// flushed together.
type Batch struct {
	BatchID            string
	RunID              string
	AggregationNodeID  string
	AggregationStateID string
	TriggerReason      string
	TriggerType        TriggerType
	Attempt            int
	Status             BatchStatus
	CreatedAt          time.Time
	CompletedAt        *time.Time
}

// BatchMember is one token's membership in a batch.
type BatchMember struct {
	BatchID string
	TokenID string
	Ordinal int
}

// BatchOutput links a batch to a downstream token or artifact it
// produced.
type BatchOutput struct {
	BatchID    string
	OutputType OutputType
	OutputID   string
}

// Call is one external interaction (HTTP/LLM/DB) inside a node state.
type Call struct {
	CallID       string
	StateID      string
	CallIndex    int
	CallType     string
	Status       CallStatus
	RequestHash  string
	RequestRef   string
	ResponseHash string
	ResponseRef  string
	ErrorJSON    string
	LatencyMS    *float64
	CreatedAt    time.Time
}

// Artifact is a committed sink write.
type Artifact struct {
	ArtifactID        string
	RunID             string
	ProducedByStateID string
	SinkNodeID        string
	ArtifactType      string
	PathOrURI         string
	ContentHash       string
	SizeBytes         int64
	IdempotencyKey    string
	CreatedAt         time.Time
}

// Checkpoint is a durable progress marker. The sequence number counts
// terminal-token events; the row cursor for resume is always derived
// through token lineage, never from the sequence number.
type Checkpoint struct {
	CheckpointID         string
	RunID                string
	TokenID              string
	NodeID               string
	SequenceNumber       int64
	AggregationStateJSON string
	CreatedAt            time.Time
}
