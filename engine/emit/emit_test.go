package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestLogEmitter_TextMode(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, false)

	emitter.Emit(Event{
		RunID:    "run-1",
		RowIndex: 3,
		NodeID:   "classify",
		Msg:      "node_completed",
		Meta:     map[string]any{"duration_ms": 12},
	})

	out := buf.String()
	for _, want := range []string{"[node_completed]", "run=run-1", "row=3", "node=classify", `"duration_ms":12`} {
		if !strings.Contains(out, want) {
			t.Errorf("text output missing %q: %s", want, out)
		}
	}
}

func TestLogEmitter_TextMode_OmitsRunLevelRow(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, false)

	emitter.Emit(Event{RunID: "run-1", RowIndex: -1, Msg: "run_started"})
	if strings.Contains(buf.String(), "row=") {
		t.Errorf("run-level event should omit row: %s", buf.String())
	}
}

func TestLogEmitter_JSONMode(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, true)

	emitter.Emit(Event{RunID: "run-1", RowIndex: 0, NodeID: "n", Msg: "node_completed"})

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded["run_id"] != "run-1" || decoded["msg"] != "node_completed" {
		t.Errorf("unexpected JSON payload: %v", decoded)
	}
}

func TestLogEmitter_ConcurrentEmit(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, true)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			emitter.Emit(Event{RunID: "run-1", RowIndex: i, Msg: "node_completed"})
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 16 {
		t.Fatalf("expected 16 lines, got %d", len(lines))
	}
	for _, line := range lines {
		var decoded map[string]any
		if err := json.Unmarshal([]byte(line), &decoded); err != nil {
			t.Errorf("interleaved write produced invalid JSON: %q", line)
		}
	}
}

func TestMultiEmitter(t *testing.T) {
	var a, b bytes.Buffer
	multi := MultiEmitter{NewLogEmitter(&a, true), nil, NewLogEmitter(&b, true)}

	multi.Emit(Event{RunID: "run-1", RowIndex: 0, Msg: "run_started"})

	if a.Len() == 0 || b.Len() == 0 {
		t.Error("MultiEmitter should deliver to all non-nil backends")
	}
}

func TestNullEmitter(t *testing.T) {
	// Must not panic.
	NewNullEmitter().Emit(Event{RunID: "run-1", Msg: "anything"})
}

func TestOTelEmitter_CreatesSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	emitter := NewOTelEmitter(provider.Tracer("test"))

	emitter.Emit(Event{
		RunID:    "run-1",
		RowIndex: 2,
		NodeID:   "transform",
		Msg:      "node_completed",
		Meta:     map[string]any{"duration_ms": 5.0, "attempt": 0},
	})

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name() != "node_completed" {
		t.Errorf("span name = %q, want node_completed", span.Name())
	}

	attrs := make(map[string]any)
	for _, kv := range span.Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	if attrs["elspeth.run_id"] != "run-1" {
		t.Errorf("missing run_id attribute: %v", attrs)
	}
	if attrs["elspeth.node_id"] != "transform" {
		t.Errorf("missing node_id attribute: %v", attrs)
	}
}

func TestOTelEmitter_ErrorStatus(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	emitter := NewOTelEmitter(provider.Tracer("test"))

	emitter.Emit(Event{
		RunID:    "run-1",
		RowIndex: 0,
		Msg:      "node_failed",
		Meta:     map[string]any{"error": "plugin blew up"},
	})

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status().Description != "plugin blew up" {
		t.Errorf("expected error status, got %+v", spans[0].Status())
	}
}
