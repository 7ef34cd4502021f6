package httpcall

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/elspeth-engine/elspeth/engine"
	"github.com/elspeth-engine/elspeth/engine/landscape"
)

func TestTransformGetAttachesResponse(t *testing.T) {
	var gotPath, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	transform, err := New(Config{
		Name:        "lookup",
		URL:         server.URL + "/items/{{id}}",
		Headers:     map[string]string{"Authorization": "Bearer tok"},
		OutputField: "item",
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	row := engine.Row{"id": 42}
	result := transform.Process(context.Background(), row, &engine.PluginContext{})
	if !result.OK() {
		t.Fatalf("Process failed: %+v", result.Reason())
	}

	if gotPath != "/items/42" {
		t.Errorf("request path = %q, want /items/42", gotPath)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q", gotAuth)
	}

	out := result.Row()
	item, ok := out["item"].(map[string]any)
	if !ok {
		t.Fatalf("output field = %T, want a response map", out["item"])
	}
	if item["status_code"] != 200 {
		t.Errorf("status_code = %v", item["status_code"])
	}
	if item["body"] != `{"ok":true}` {
		t.Errorf("body = %v", item["body"])
	}
	headers, ok := item["headers"].(map[string]any)
	if !ok || headers["Content-Type"] != "application/json" {
		t.Errorf("headers = %v", item["headers"])
	}
	if out["id"] != 42 {
		t.Errorf("input fields must carry through, got %v", out)
	}
	if _, ok := row["item"]; ok {
		t.Error("input row was mutated")
	}
}

func TestTransformPostSendsBody(t *testing.T) {
	var gotMethod, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	transform, err := New(Config{
		Name:      "submit",
		Method:    "POST",
		URL:       server.URL + "/events",
		BodyField: "payload",
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	t.Run("string body goes as-is", func(t *testing.T) {
		row := engine.Row{"payload": `{"raw":1}`}
		result := transform.Process(context.Background(), row, &engine.PluginContext{})
		if !result.OK() {
			t.Fatalf("Process failed: %+v", result.Reason())
		}
		if gotMethod != "POST" || gotBody != `{"raw":1}` {
			t.Errorf("request = %s %q", gotMethod, gotBody)
		}
	})

	t.Run("structured body is JSON-encoded", func(t *testing.T) {
		row := engine.Row{"payload": map[string]any{"kind": "click"}}
		result := transform.Process(context.Background(), row, &engine.PluginContext{})
		if !result.OK() {
			t.Fatalf("Process failed: %+v", result.Reason())
		}
		if gotBody != `{"kind":"click"}` {
			t.Errorf("body = %q", gotBody)
		}
	})
}

func TestTransformStatusRetryability(t *testing.T) {
	status := http.StatusOK
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer server.Close()

	transform, err := New(Config{Name: "call", URL: server.URL})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	t.Run("5xx is retryable", func(t *testing.T) {
		status = http.StatusServiceUnavailable
		result := transform.Process(context.Background(), engine.Row{}, &engine.PluginContext{})
		if result.OK() || !result.Retryable() {
			t.Errorf("result ok=%v retryable=%v, want a retryable failure", result.OK(), result.Retryable())
		}
		if result.Reason().Kind != "http_status" {
			t.Errorf("reason kind = %s", result.Reason().Kind)
		}
	})

	t.Run("4xx is terminal", func(t *testing.T) {
		status = http.StatusNotFound
		result := transform.Process(context.Background(), engine.Row{}, &engine.PluginContext{})
		if result.OK() || result.Retryable() {
			t.Errorf("result ok=%v retryable=%v, want a terminal failure", result.OK(), result.Retryable())
		}
	})
}

func TestTransformNetworkFailureIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close() // nothing listening anymore

	transform, err := New(Config{Name: "call", URL: url})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	result := transform.Process(context.Background(), engine.Row{}, &engine.PluginContext{})
	if result.OK() || !result.Retryable() {
		t.Errorf("result ok=%v retryable=%v, want a retryable failure", result.OK(), result.Retryable())
	}
	if result.Reason().Kind != "http_network" {
		t.Errorf("reason kind = %s", result.Reason().Kind)
	}
}

func TestTransformTemplateFailuresAreTerminal(t *testing.T) {
	transform, err := New(Config{Name: "call", URL: "http://example.com/{{id}}"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	result := transform.Process(context.Background(), engine.Row{"other": 1}, &engine.PluginContext{})
	if result.OK() || result.Retryable() {
		t.Errorf("result ok=%v retryable=%v, want a terminal failure", result.OK(), result.Retryable())
	}
	if result.Reason().Kind != "http_template" {
		t.Errorf("reason kind = %s", result.Reason().Kind)
	}
}

func TestTransformDeterminism(t *testing.T) {
	transform, err := New(Config{Name: "call", URL: "http://example.com"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if transform.Determinism() != landscape.DeterminismExternalCall {
		t.Errorf("determinism = %s, want external_call", transform.Determinism())
	}
}

func TestNewValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"missing name", Config{URL: "http://example.com"}},
		{"missing url", Config{Name: "n"}},
		{"unsupported method", Config{Name: "n", URL: "http://example.com", Method: "DELETE"}},
		{"body without post", Config{Name: "n", URL: "http://example.com", BodyField: "b"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.cfg); err == nil {
				t.Error("New accepted an invalid config")
			}
		})
	}
}
