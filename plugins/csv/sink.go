package csv

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/elspeth-engine/elspeth/engine"
	"github.com/elspeth-engine/elspeth/engine/canonical"
	"github.com/elspeth-engine/elspeth/engine/landscape"
)

// SinkConfig declares a CSV sink.
type SinkConfig struct {
	// Name identifies the node in the pipeline. Required.
	Name string

	// Path is the CSV file to write. Required.
	Path string

	// Columns fixes the output column order. When empty, the sorted
	// field names of the first written row are used.
	Columns []string

	// Comma overrides the field delimiter. Defaults to ','.
	Comma rune
}

// Sink writes rows to a CSV file. A fresh run truncates the file and
// writes a header; a resumed run appends below the existing header so
// prior output survives. Safe for concurrent use.
type Sink struct {
	name  string
	path  string
	comma rune

	mu            sync.Mutex
	columns       []string
	appendMode    bool
	headerWritten bool
}

// NewSink validates cfg and builds the sink.
func NewSink(cfg SinkConfig) (*Sink, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("csv: sink name is required")
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("csv: %s: path is required", cfg.Name)
	}
	comma := cfg.Comma
	if comma == 0 {
		comma = ','
	}
	return &Sink{
		name:    cfg.Name,
		path:    cfg.Path,
		comma:   comma,
		columns: append([]string(nil), cfg.Columns...),
	}, nil
}

// Name implements engine.Sink.
func (s *Sink) Name() string { return s.name }

// Determinism implements engine.Sink.
func (s *Sink) Determinism() landscape.Determinism {
	return landscape.DeterminismIORead
}

// SupportsResume implements engine.Sink. CSV files append cleanly.
func (s *Sink) SupportsResume() bool { return true }

// ConfigureForResume implements engine.Sink: subsequent writes append
// to the existing file instead of truncating it. The existing header,
// if any, fixes the column order.
func (s *Sink) ConfigureForResume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendMode = true

	file, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil // nothing written before the crash
	}
	if err != nil {
		return fmt.Errorf("csv: %s: %w", s.name, err)
	}
	defer func() { _ = file.Close() }()

	reader := csv.NewReader(file)
	reader.Comma = s.comma
	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil // empty file, treat as fresh
	}
	if err != nil {
		return fmt.Errorf("csv: %s: read existing header: %w", s.name, err)
	}
	s.columns = header
	s.headerWritten = true
	return nil
}

// Write implements engine.Sink. Each call is one append to the file;
// the receipt's idempotency key is the byte offset the write started
// at, so a replayed write targeting the same position is recognizable.
func (s *Sink) Write(ctx context.Context, rows []engine.Row, pc *engine.PluginContext) (*engine.SinkReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.columns) == 0 && len(rows) > 0 {
		s.columns = sortedFields(rows[0])
	}

	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	writer.Comma = s.comma
	if !s.headerWritten {
		if err := writer.Write(s.columns); err != nil {
			return nil, fmt.Errorf("csv: %s: %w", s.name, err)
		}
	}
	record := make([]string, len(s.columns))
	for _, row := range rows {
		for i, column := range s.columns {
			record[i] = formatValue(row[column])
		}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("csv: %s: %w", s.name, err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("csv: %s: %w", s.name, err)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if s.headerWritten || s.appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(s.path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("csv: %s: %w", s.name, err)
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("csv: %s: %w", s.name, err)
	}
	offset := info.Size()
	if flags&os.O_TRUNC != 0 {
		offset = 0
	}

	if _, err := file.Write(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("csv: %s: %w", s.name, err)
	}
	if err := file.Sync(); err != nil {
		return nil, fmt.Errorf("csv: %s: %w", s.name, err)
	}
	s.headerWritten = true

	return &engine.SinkReceipt{
		ArtifactType:   "csv",
		PathOrURI:      s.path,
		ContentHash:    canonical.HashBytes(buf.Bytes()),
		SizeBytes:      int64(buf.Len()),
		IdempotencyKey: fmt.Sprintf("%s@%d", s.path, offset),
	}, nil
}

func sortedFields(row engine.Row) []string {
	fields := make([]string, 0, len(row))
	for field := range row {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

func formatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}
