// Package httpcall provides a pipeline transform that issues one HTTP
// request per row and attaches the response to the row. Each request
// is recorded in the audit trail with its latency and status.
//
// Supported methods are GET and POST. The request URL is a template
// over row fields; the POST body comes from a configured row field.
//
// Output (nested under the configured field):
//   - status_code: HTTP status code (e.g. 200, 404)
//   - headers: response headers as a map
//   - body: response body as a string
package httpcall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/elspeth-engine/elspeth/engine"
	"github.com/elspeth-engine/elspeth/engine/landscape"
)

// Config declares an HTTP transform.
type Config struct {
	// Name identifies the node in the pipeline. Required.
	Name string

	// Method is "GET" or "POST". Defaults to "GET".
	Method string

	// URL is the request URL template: "{{field}}" placeholders are
	// replaced with row values. Required.
	URL string

	// Headers are set verbatim on every request.
	Headers map[string]string

	// BodyField names the row field sent as the POST body. String
	// values go as-is; anything else is JSON-encoded.
	BodyField string

	// OutputField receives the response map. Defaults to "http".
	OutputField string

	// Client overrides the HTTP client. Defaults to a client with a
	// 30 second timeout.
	Client *http.Client
}

// Transform issues one HTTP request per row. It implements
// engine.Transform with external_call determinism.
type Transform struct {
	name        string
	method      string
	url         string
	headers     map[string]string
	bodyField   string
	outputField string
	client      *http.Client
}

// New validates cfg and builds the transform.
func New(cfg Config) (*Transform, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("httpcall: name is required")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("httpcall: %s: url is required", cfg.Name)
	}
	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet && method != http.MethodPost {
		return nil, fmt.Errorf("httpcall: %s: unsupported method %s (supported: GET, POST)", cfg.Name, method)
	}
	if cfg.BodyField != "" && method != http.MethodPost {
		return nil, fmt.Errorf("httpcall: %s: body_field requires POST", cfg.Name)
	}
	outputField := cfg.OutputField
	if outputField == "" {
		outputField = "http"
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Transform{
		name:        cfg.Name,
		method:      method,
		url:         cfg.URL,
		headers:     cfg.Headers,
		bodyField:   cfg.BodyField,
		outputField: outputField,
		client:      client,
	}, nil
}

// Name implements engine.Transform.
func (t *Transform) Name() string { return t.name }

// Determinism implements engine.Transform.
func (t *Transform) Determinism() landscape.Determinism {
	return landscape.DeterminismExternalCall
}

// Process executes the request for one row. Network failures and 5xx
// responses fail the row retryably; other non-2xx statuses are
// terminal. The call is recorded against the current node state either
// way.
func (t *Transform) Process(ctx context.Context, row engine.Row, pc *engine.PluginContext) engine.TransformResult {
	url, err := expandURL(t.url, row)
	if err != nil {
		return engine.Fail(&landscape.ErrorInfo{Kind: "http_template", Message: err.Error()}, false)
	}

	var body io.Reader
	var bodyLen int
	if t.bodyField != "" {
		value, ok := row[t.bodyField]
		if !ok {
			return engine.Fail(&landscape.ErrorInfo{
				Kind:    "http_template",
				Message: fmt.Sprintf("body field %q not present in row", t.bodyField),
			}, false)
		}
		raw, err := encodeBody(value)
		if err != nil {
			return engine.Fail(&landscape.ErrorInfo{Kind: "http_body", Message: err.Error()}, false)
		}
		body = bytes.NewReader(raw)
		bodyLen = len(raw)
	}

	req, err := http.NewRequestWithContext(ctx, t.method, url, body)
	if err != nil {
		return engine.Fail(&landscape.ErrorInfo{Kind: "http_request", Message: err.Error()}, false)
	}
	for key, value := range t.headers {
		req.Header.Set(key, value)
	}

	record := engine.CallRecord{
		CallType: "http",
		Status:   landscape.CallSuccess,
		Request: map[string]any{
			"method":     t.method,
			"url":        url,
			"body_bytes": bodyLen,
		},
	}

	start := time.Now()
	resp, err := t.client.Do(req)
	record.LatencyMS = float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		info := &landscape.ErrorInfo{Kind: "http_network", Message: err.Error()}
		record.Status = landscape.CallError
		record.Error = info
		if recErr := pc.RecordCall(ctx, record); recErr != nil {
			return engine.Fail(&landscape.ErrorInfo{Kind: "audit", Message: recErr.Error()}, false)
		}
		return engine.Fail(info, true)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		info := &landscape.ErrorInfo{Kind: "http_network", Message: err.Error()}
		record.Status = landscape.CallError
		record.Error = info
		if recErr := pc.RecordCall(ctx, record); recErr != nil {
			return engine.Fail(&landscape.ErrorInfo{Kind: "audit", Message: recErr.Error()}, false)
		}
		return engine.Fail(info, true)
	}

	record.Response = map[string]any{
		"status_code": resp.StatusCode,
		"body_bytes":  len(respBody),
	}
	if resp.StatusCode >= 400 {
		info := &landscape.ErrorInfo{
			Kind:    "http_status",
			Message: fmt.Sprintf("%s %s returned %s", t.method, url, resp.Status),
			Details: map[string]any{"status_code": resp.StatusCode},
		}
		record.Status = landscape.CallError
		record.Error = info
		if recErr := pc.RecordCall(ctx, record); recErr != nil {
			return engine.Fail(&landscape.ErrorInfo{Kind: "audit", Message: recErr.Error()}, false)
		}
		return engine.Fail(info, resp.StatusCode >= 500)
	}

	if recErr := pc.RecordCall(ctx, record); recErr != nil {
		return engine.Fail(&landscape.ErrorInfo{Kind: "audit", Message: recErr.Error()}, false)
	}

	headers := make(map[string]any, len(resp.Header))
	for key, values := range resp.Header {
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = values
		}
	}

	out := make(engine.Row, len(row)+1)
	for key, value := range row {
		out[key] = value
	}
	out[t.outputField] = map[string]any{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"body":        string(respBody),
	}
	return engine.Succeed(out)
}

func encodeBody(value any) ([]byte, error) {
	if s, ok := value.(string); ok {
		return []byte(s), nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	return raw, nil
}

// expandURL substitutes "{{field}}" placeholders with row values.
func expandURL(template string, row engine.Row) (string, error) {
	var sb strings.Builder
	rest := template
	for {
		open := strings.Index(rest, "{{")
		if open == -1 {
			sb.WriteString(rest)
			return sb.String(), nil
		}
		close := strings.Index(rest[open:], "}}")
		if close == -1 {
			return "", fmt.Errorf("unterminated placeholder in url template")
		}
		sb.WriteString(rest[:open])
		field := strings.TrimSpace(rest[open+2 : open+close])
		value, ok := row[field]
		if !ok {
			return "", fmt.Errorf("url field %q not present in row", field)
		}
		fmt.Fprintf(&sb, "%v", value)
		rest = rest[open+close+2:]
	}
}
