package csv

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/elspeth-engine/elspeth/engine"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(raw)
}

func drain(t *testing.T, it engine.RowIterator) []engine.Row {
	t.Helper()
	ctx := context.Background()
	var rows []engine.Row
	for {
		row, err := it.Next(ctx)
		if errors.Is(err, engine.ErrEndOfSource) {
			return rows
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		rows = append(rows, row)
	}
}

func TestSourceReadsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.csv")
	writeFile(t, path, "id,name\n1,ada\n2,grace\n3,mary\n")

	source, err := NewSource(SourceConfig{Name: "input", Path: path})
	if err != nil {
		t.Fatalf("NewSource failed: %v", err)
	}
	it, err := source.Open(context.Background(), 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = it.Close() }()

	rows := drain(t, it)
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	if rows[0]["id"] != "1" || rows[0]["name"] != "ada" {
		t.Errorf("row 0 = %v", rows[0])
	}
	if rows[2]["name"] != "mary" {
		t.Errorf("row 2 = %v", rows[2])
	}
}

func TestSourceOffsetSkipsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.csv")
	writeFile(t, path, "id\n1\n2\n3\n")

	source, err := NewSource(SourceConfig{Name: "input", Path: path})
	if err != nil {
		t.Fatalf("NewSource failed: %v", err)
	}

	t.Run("offset resumes mid-file", func(t *testing.T) {
		it, err := source.Open(context.Background(), 2)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		defer func() { _ = it.Close() }()
		rows := drain(t, it)
		if len(rows) != 1 || rows[0]["id"] != "3" {
			t.Errorf("rows = %v, want only the third record", rows)
		}
	})

	t.Run("offset past the end is empty", func(t *testing.T) {
		it, err := source.Open(context.Background(), 10)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		defer func() { _ = it.Close() }()
		if rows := drain(t, it); len(rows) != 0 {
			t.Errorf("rows = %v, want none", rows)
		}
	})
}

func TestSourceShortRecordsPad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.csv")
	writeFile(t, path, "a,b,c\n1,2\n")

	source, err := NewSource(SourceConfig{Name: "input", Path: path})
	if err != nil {
		t.Fatalf("NewSource failed: %v", err)
	}
	it, err := source.Open(context.Background(), 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = it.Close() }()

	rows := drain(t, it)
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if rows[0]["c"] != "" {
		t.Errorf("missing trailing field = %v, want empty string", rows[0]["c"])
	}
}

func TestSourceRejectsEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.csv")
	writeFile(t, path, "")

	source, err := NewSource(SourceConfig{Name: "input", Path: path})
	if err != nil {
		t.Fatalf("NewSource failed: %v", err)
	}
	if _, err := source.Open(context.Background(), 0); err == nil {
		t.Error("Open accepted a file with no header")
	}
}

func TestSinkWritesHeaderAndRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	sink, err := NewSink(SinkConfig{Name: "out", Path: path})
	if err != nil {
		t.Fatalf("NewSink failed: %v", err)
	}

	ctx := context.Background()
	receipt1, err := sink.Write(ctx, []engine.Row{{"name": "ada", "id": 1}}, &engine.PluginContext{})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	receipt2, err := sink.Write(ctx, []engine.Row{{"name": "grace", "id": 2}}, &engine.PluginContext{})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// Columns come from the first row's sorted field names; the header
	// is written exactly once.
	want := "id,name\n1,ada\n2,grace\n"
	if got := readFile(t, path); got != want {
		t.Errorf("file = %q, want %q", got, want)
	}

	if receipt1.ArtifactType != "csv" || receipt1.PathOrURI != path {
		t.Errorf("receipt = %+v", receipt1)
	}
	if receipt1.ContentHash == "" || receipt1.SizeBytes == 0 {
		t.Errorf("receipt missing content accounting: %+v", receipt1)
	}
	if receipt1.IdempotencyKey == receipt2.IdempotencyKey {
		t.Error("distinct writes must have distinct idempotency keys")
	}
}

func TestSinkExplicitColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	sink, err := NewSink(SinkConfig{Name: "out", Path: path, Columns: []string{"name", "id"}})
	if err != nil {
		t.Fatalf("NewSink failed: %v", err)
	}

	_, err = sink.Write(context.Background(), []engine.Row{{"id": 1, "name": "ada", "extra": true}}, &engine.PluginContext{})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if got := readFile(t, path); got != "name,id\nada,1\n" {
		t.Errorf("file = %q", got)
	}
}

func TestSinkFreshRunTruncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	writeFile(t, path, "stale,content\nleft,over\n")

	sink, err := NewSink(SinkConfig{Name: "out", Path: path})
	if err != nil {
		t.Fatalf("NewSink failed: %v", err)
	}
	_, err = sink.Write(context.Background(), []engine.Row{{"v": 1}}, &engine.PluginContext{})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if got := readFile(t, path); strings.Contains(got, "stale") {
		t.Errorf("fresh run must truncate prior output, file = %q", got)
	}
}

func TestSinkResumeAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")

	first, err := NewSink(SinkConfig{Name: "out", Path: path, Columns: []string{"id", "name"}})
	if err != nil {
		t.Fatalf("NewSink failed: %v", err)
	}
	_, err = first.Write(context.Background(), []engine.Row{{"id": 1, "name": "ada"}}, &engine.PluginContext{})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// A new process resumes into the same file. No Columns configured:
	// the existing header fixes the order.
	second, err := NewSink(SinkConfig{Name: "out", Path: path})
	if err != nil {
		t.Fatalf("NewSink failed: %v", err)
	}
	if !second.SupportsResume() {
		t.Fatal("csv sink must support resume")
	}
	if err := second.ConfigureForResume(); err != nil {
		t.Fatalf("ConfigureForResume failed: %v", err)
	}
	_, err = second.Write(context.Background(), []engine.Row{{"id": 2, "name": "grace"}}, &engine.PluginContext{})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	want := "id,name\n1,ada\n2,grace\n"
	if got := readFile(t, path); got != want {
		t.Errorf("file = %q, want %q", got, want)
	}
}

func TestSinkResumeWithoutPriorOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	sink, err := NewSink(SinkConfig{Name: "out", Path: path})
	if err != nil {
		t.Fatalf("NewSink failed: %v", err)
	}
	// Crash before the first write: resume starts a fresh file.
	if err := sink.ConfigureForResume(); err != nil {
		t.Fatalf("ConfigureForResume failed: %v", err)
	}
	_, err = sink.Write(context.Background(), []engine.Row{{"v": 1}}, &engine.PluginContext{})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if got := readFile(t, path); got != "v\n1\n" {
		t.Errorf("file = %q", got)
	}
}

func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.csv")

	sink, err := NewSink(SinkConfig{Name: "out", Path: path, Columns: []string{"id", "score"}})
	if err != nil {
		t.Fatalf("NewSink failed: %v", err)
	}
	_, err = sink.Write(context.Background(), []engine.Row{
		{"id": 1, "score": 0.5},
		{"id": 2, "score": 0.9},
	}, &engine.PluginContext{})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	source, err := NewSource(SourceConfig{Name: "in", Path: path})
	if err != nil {
		t.Fatalf("NewSource failed: %v", err)
	}
	it, err := source.Open(context.Background(), 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = it.Close() }()

	rows := drain(t, it)
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0]["id"] != "1" || rows[0]["score"] != "0.5" {
		t.Errorf("row 0 = %v", rows[0])
	}
}
