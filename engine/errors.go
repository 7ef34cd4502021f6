package engine

import (
	"errors"
	"fmt"

	"github.com/elspeth-engine/elspeth/engine/landscape"
)

// ErrEndOfSource is returned by a RowIterator when the source is
// exhausted.
var ErrEndOfSource = errors.New("engine: end of source")

// ErrResumeNotSupported is returned when a resume is attempted onto a
// sink that cannot append to its prior output.
var ErrResumeNotSupported = errors.New("engine: sink does not support resume")

// ValidationError reports a configuration or pipeline-shape problem
// detected before any row is processed. It is terminal at run start.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("engine: validation: %s", e.Msg)
	}
	return fmt.Sprintf("engine: validation: %s: %s", e.Field, e.Msg)
}

func validationf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// PluginError wraps a failure raised by a plugin. Retryable errors
// are transient (network, 5xx, timeout) and re-attempted under the
// retry policy; terminal errors end the row's journey at that node.
type PluginError struct {
	Plugin    string
	Retryable bool
	Reason    *landscape.ErrorInfo
	Err       error
}

func (e *PluginError) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retryable"
	}
	if e.Reason != nil {
		return fmt.Sprintf("engine: plugin %s (%s): %s", e.Plugin, kind, e.Reason.Message)
	}
	return fmt.Sprintf("engine: plugin %s (%s): %v", e.Plugin, kind, e.Err)
}

func (e *PluginError) Unwrap() error { return e.Err }

// errorInfo normalizes a PluginError into the structured form the
// audit trail stores.
func (e *PluginError) errorInfo() *landscape.ErrorInfo {
	if e.Reason != nil {
		return e.Reason
	}
	kind := "plugin_terminal"
	if e.Retryable {
		kind = "plugin_retryable"
	}
	msg := "unknown plugin failure"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return &landscape.ErrorInfo{Kind: kind, Message: msg}
}

// BatchPendingError signals that an aggregation's result is not yet
// available. It is not a failure: the token stays suspended at the
// aggregation node until a flush completes.
type BatchPendingError struct {
	NodeName string
	BatchID  string
}

func (e *BatchPendingError) Error() string {
	return fmt.Sprintf("engine: batch %s at %s still pending", e.BatchID, e.NodeName)
}

// CrashRecoveryNeeded reports that a previous process died mid-run:
// the run is still marked running (or crashed) and may hold executing
// batches. Resume handles it; Run refuses to.
type CrashRecoveryNeeded struct {
	RunID string
}

func (e *CrashRecoveryNeeded) Error() string {
	return fmt.Sprintf("engine: run %s needs crash recovery", e.RunID)
}

// IsRecorderError reports whether err came from the audit store.
// Recorder errors are fatal to the run: processing without an audit
// trail is worse than not processing.
func IsRecorderError(err error) bool {
	var le *landscape.Error
	return errors.As(err, &le)
}
