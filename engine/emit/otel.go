package emit

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns events into OpenTelemetry spans.
//
// Each event becomes a short span named after event.Msg carrying the
// run/row/node identity and all Meta fields as attributes. When the
// event includes "duration_ms", the span start time is backdated so
// the span duration reflects the actual work.
//
// Usage:
//
//	tracer := otel.Tracer("elspeth")
//	emitter := emit.NewOTelEmitter(tracer)
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an emitter backed by the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit implements Emitter.
func (o *OTelEmitter) Emit(event Event) {
	opts := []trace.SpanStartOption{}
	if ms, ok := durationMS(event.Meta); ok {
		opts = append(opts, trace.WithTimestamp(time.Now().Add(-time.Duration(ms)*time.Millisecond)))
	}

	_, span := o.tracer.Start(context.Background(), event.Msg, opts...)
	defer span.End()

	span.SetAttributes(
		attribute.String("elspeth.run_id", event.RunID),
		attribute.Int("elspeth.row_index", event.RowIndex),
	)
	if event.TokenID != "" {
		span.SetAttributes(attribute.String("elspeth.token_id", event.TokenID))
	}
	if event.NodeID != "" {
		span.SetAttributes(attribute.String("elspeth.node_id", event.NodeID))
	}

	for key, value := range event.Meta {
		span.SetAttributes(metaAttribute("elspeth.meta."+key, value))
	}

	if errMsg, ok := event.Meta["error"].(string); ok && errMsg != "" {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(fmt.Errorf("%s", errMsg))
	}
}

func durationMS(meta map[string]any) (float64, bool) {
	switch v := meta["duration_ms"].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func metaAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}
