package engine

import (
	"time"

	"github.com/elspeth-engine/elspeth/engine/emit"
	"github.com/elspeth-engine/elspeth/engine/landscape"
	"github.com/elspeth-engine/elspeth/engine/payload"
	"github.com/elspeth-engine/elspeth/engine/pool"
)

// Engine runs pipelines against one audit database. Construct with
// New; an Engine is safe to reuse across runs.
type Engine struct {
	db       *landscape.DB
	recorder *landscape.Recorder
	emitter  emit.Emitter
	metrics  *Metrics
	payloads payload.Store

	retry           RetryPolicy
	maxWorkers      int
	checkpointEvery int
	poolCfg         pool.Config
	pluginVersion   string
}

// Option configures an Engine.
type Option func(*Engine) error

// WithEmitter routes lifecycle events to the given emitter. Default
// is the null emitter.
func WithEmitter(emitter emit.Emitter) Option {
	return func(e *Engine) error {
		e.emitter = emitter
		return nil
	}
}

// WithMetrics attaches a Prometheus metric set.
func WithMetrics(metrics *Metrics) Option {
	return func(e *Engine) error {
		e.metrics = metrics
		return nil
	}
}

// WithPayloadStore spills oversize payloads to the given store and
// enables reading them back during resume.
func WithPayloadStore(store payload.Store) Option {
	return func(e *Engine) error {
		e.payloads = store
		return nil
	}
}

// WithRetryPolicy overrides the default retry policy for retryable
// plugin failures.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(e *Engine) error {
		if policy.MaxAttempts < 1 {
			return validationf("retry", "max attempts must be >= 1")
		}
		e.retry = policy
		return nil
	}
}

// WithMaxWorkers sets row-level concurrency. 1 means sequential;
// default is 4.
func WithMaxWorkers(n int) Option {
	return func(e *Engine) error {
		if n < 1 {
			return validationf("concurrency", "max workers must be >= 1")
		}
		e.maxWorkers = n
		return nil
	}
}

// WithCheckpointEvery records a checkpoint every n terminal tokens.
// 0 disables checkpointing (and with it, resume).
func WithCheckpointEvery(n int) Option {
	return func(e *Engine) error {
		if n < 0 {
			return validationf("checkpoint", "interval must be >= 0")
		}
		e.checkpointEvery = n
		return nil
	}
}

// WithPoolConfig tunes the AIMD worker pool used for row-level
// concurrency.
func WithPoolConfig(cfg pool.Config) Option {
	return func(e *Engine) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		e.poolCfg = cfg
		return nil
	}
}

// WithPluginVersion stamps registered nodes with a version string for
// the audit trail. Defaults to "dev".
func WithPluginVersion(version string) Option {
	return func(e *Engine) error {
		e.pluginVersion = version
		return nil
	}
}

// New creates an Engine over an open audit database.
func New(db *landscape.DB, opts ...Option) (*Engine, error) {
	if db == nil {
		return nil, validationf("database", "engine requires an audit database")
	}
	e := &Engine{
		db:              db,
		emitter:         emit.NewNullEmitter(),
		retry:           DefaultRetryPolicy(),
		maxWorkers:      4,
		checkpointEvery: 1,
		poolCfg:         pool.DefaultConfig(),
		pluginVersion:   "dev",
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	recorderOpts := []landscape.RecorderOption{}
	if e.payloads != nil {
		recorderOpts = append(recorderOpts, landscape.WithPayloadStore(e.payloads))
	}
	e.recorder = landscape.NewRecorder(db, recorderOpts...)
	return e, nil
}

// Recorder exposes the engine's recorder for advanced callers (e.g.
// tooling that annotates runs). Plugins never need it; they get a
// PluginContext.
func (e *Engine) Recorder() *landscape.Recorder { return e.recorder }

// DB exposes the audit database handle for read-side queries.
func (e *Engine) DB() *landscape.DB { return e.db }

func (e *Engine) emit(runID string, rowIndex int, tokenID, nodeID, msg string, meta map[string]any) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(emit.Event{
		RunID:    runID,
		RowIndex: rowIndex,
		TokenID:  tokenID,
		NodeID:   nodeID,
		Msg:      msg,
		Meta:     meta,
	})
}

func (e *Engine) observeNode(nodeType landscape.NodeType, elapsed time.Duration) {
	if e.metrics == nil {
		return
	}
	e.metrics.NodeDuration.WithLabelValues(string(nodeType)).Observe(elapsed.Seconds())
}

func (e *Engine) trackInflight(delta float64) {
	if e.metrics != nil {
		e.metrics.RowsInflight.Add(delta)
	}
}

func (e *Engine) countCapacityBackoff(n int) {
	if e.metrics != nil && n > 0 {
		e.metrics.CapacityBackoff.Add(float64(n))
	}
}

func (e *Engine) countRetry() {
	if e.metrics != nil {
		e.metrics.Retries.Inc()
	}
}

func (e *Engine) countForks(n int) {
	if e.metrics != nil {
		e.metrics.TokensForked.Add(float64(n))
	}
}

func (e *Engine) countRow(out outcome) {
	if e.metrics != nil && out != outcomePending {
		e.metrics.RowsProcessed.WithLabelValues(out.String()).Inc()
	}
}

func (e *Engine) countBatchFlush(trigger landscape.TriggerType) {
	if e.metrics != nil {
		e.metrics.BatchesFlushed.WithLabelValues(string(trigger)).Inc()
	}
}

func (e *Engine) countRunFinished(status landscape.RunStatus) {
	if e.metrics != nil {
		e.metrics.RunsFinished.WithLabelValues(string(status)).Inc()
	}
}
