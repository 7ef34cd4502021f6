package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/elspeth-engine/elspeth/engine"
	"github.com/elspeth-engine/elspeth/engine/landscape"
)

// fakeClient returns canned responses without touching the network.
type fakeClient struct {
	response Response
	err      error
	lastReq  Request
	calls    int
}

func (f *fakeClient) Provider() string { return "fake" }

func (f *fakeClient) Complete(ctx context.Context, req Request) (Response, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return Response{}, f.err
	}
	return f.response, nil
}

func TestTransformAttachesReply(t *testing.T) {
	client := &fakeClient{response: Response{
		Text: "positive", Model: "fake-1", InputTokens: 12, OutputTokens: 3,
	}}
	transform, err := New(Config{
		Name:        "sentiment",
		Client:      client,
		Prompt:      "Classify the sentiment of: {{text}}",
		System:      "Reply with one word.",
		OutputField: "sentiment",
		MaxTokens:   16,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	row := engine.Row{"id": 7, "text": "great service"}
	result := transform.Process(context.Background(), row, &engine.PluginContext{})
	if !result.OK() {
		t.Fatalf("Process failed: %+v", result.Reason())
	}

	out := result.Row()
	if out["sentiment"] != "positive" {
		t.Errorf("sentiment = %v, want positive", out["sentiment"])
	}
	if out["id"] != 7 || out["text"] != "great service" {
		t.Errorf("input fields must carry through, got %v", out)
	}
	if _, ok := row["sentiment"]; ok {
		t.Error("input row was mutated")
	}

	if client.calls != 1 {
		t.Errorf("client calls = %d, want exactly 1 per row", client.calls)
	}
	if client.lastReq.Prompt != "Classify the sentiment of: great service" {
		t.Errorf("rendered prompt = %q", client.lastReq.Prompt)
	}
	if client.lastReq.System != "Reply with one word." || client.lastReq.MaxTokens != 16 {
		t.Errorf("request = %+v", client.lastReq)
	}
}

func TestTransformMissingPromptFieldIsTerminal(t *testing.T) {
	transform, err := New(Config{
		Name:   "summarize",
		Client: &fakeClient{},
		Prompt: "Summarize: {{body}}",
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	result := transform.Process(context.Background(), engine.Row{"title": "x"}, &engine.PluginContext{})
	if result.OK() {
		t.Fatal("Process succeeded with a missing prompt field")
	}
	if result.Retryable() {
		t.Error("template failures must not be retried")
	}
	if result.Reason().Kind != "llm_template" {
		t.Errorf("reason kind = %s", result.Reason().Kind)
	}
}

func TestTransformProviderFailureRetryability(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
		kind      string
	}{
		{
			"rate limit retries",
			&ProviderError{Provider: "fake", Code: "rate_limited", Message: "slow down", Retryable: true},
			true, "llm_rate_limited",
		},
		{
			"bad key is terminal",
			&ProviderError{Provider: "fake", Code: "invalid_api_key", Message: "nope", Retryable: false},
			false, "llm_invalid_api_key",
		},
		{
			"unclassified error is terminal",
			errors.New("something odd"),
			false, "llm_api_error",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			transform, err := New(Config{
				Name:   "enrich",
				Client: &fakeClient{err: tc.err},
				Prompt: "{{text}}",
			})
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			result := transform.Process(context.Background(), engine.Row{"text": "hi"}, &engine.PluginContext{})
			if result.OK() {
				t.Fatal("Process succeeded despite provider failure")
			}
			if result.Retryable() != tc.retryable {
				t.Errorf("retryable = %v, want %v", result.Retryable(), tc.retryable)
			}
			if result.Reason().Kind != tc.kind {
				t.Errorf("reason kind = %s, want %s", result.Reason().Kind, tc.kind)
			}
		})
	}
}

func TestTransformDeterminism(t *testing.T) {
	transform, err := New(Config{Name: "llm", Client: &fakeClient{}, Prompt: "{{x}}"})
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
		{"missing name", Config{Client: &fakeClient{}, Prompt: "{{x}}"}},
		{"missing client", Config{Name: "n", Prompt: "{{x}}"}},
		{"missing prompt", Config{Name: "n", Client: &fakeClient{}}},
		{"unterminated placeholder", Config{Name: "n", Client: &fakeClient{}, Prompt: "{{x"}},
		{"empty placeholder", Config{Name: "n", Client: &fakeClient{}, Prompt: "{{ }}"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.cfg); err == nil {
				t.Error("New accepted an invalid config")
			}
		})
	}
}

func TestRenderTemplate(t *testing.T) {
	row := engine.Row{"name": "Ada", "count": 3, "score": 0.5}
	cases := []struct {
		template string
		want     string
	}{
		{"hello {{name}}", "hello Ada"},
		{"{{count}} items", "3 items"},
		{"{{ score }}", "0.5"},
		{"no placeholders", "no placeholders"},
		{"{{name}}-{{name}}", "Ada-Ada"},
	}
	for _, tc := range cases {
		got, err := renderTemplate(tc.template, row)
		if err != nil {
			t.Errorf("renderTemplate(%q) failed: %v", tc.template, err)
			continue
		}
		if got != tc.want {
			t.Errorf("renderTemplate(%q) = %q, want %q", tc.template, got, tc.want)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		code      string
		retryable bool
	}{
		{"429 status", errors.New("unexpected status 429: too many requests"), "rate_limited", true},
		{"rate limit text", errors.New("rate_limit_error"), "rate_limited", true},
		{"401 status", errors.New("401 unauthorized"), "invalid_api_key", false},
		{"bad key text", errors.New("invalid api key provided"), "invalid_api_key", false},
		{"quota", errors.New("insufficient_quota for this month"), "quota_exceeded", false},
		{"500 status", errors.New("500 internal server error"), "server_error", true},
		{"overloaded", errors.New("overloaded_error"), "server_error", true},
		{"connection refused", errors.New("dial tcp: connection refused"), "network_error", true},
		{"deadline", context.DeadlineExceeded, "timeout", true},
		{"canceled", context.Canceled, "canceled", false},
		{"unknown", errors.New("weird"), "api_error", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pe := classify("prov", tc.err)
			if pe.Code != tc.code {
				t.Errorf("code = %s, want %s", pe.Code, tc.code)
			}
			if pe.Retryable != tc.retryable {
				t.Errorf("retryable = %v, want %v", pe.Retryable, tc.retryable)
			}
			if !errors.Is(pe, tc.err) {
				t.Error("classify must preserve the original error chain")
			}
		})
	}
}
