// Package llm provides a pipeline transform that enriches rows through
// a chat completion model. Each processed row renders a prompt template
// from its fields, makes exactly one provider call, and lands the
// model's reply in a configurable output field. Every call is recorded
// in the audit trail with latency and token usage.
//
// Providers are pluggable behind the ChatClient interface; Anthropic,
// OpenAI, and Google Gemini adapters ship with the package.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/elspeth-engine/elspeth/engine"
	"github.com/elspeth-engine/elspeth/engine/landscape"
)

// Request is a single completion request. Prompt is the fully rendered
// user prompt; System is an optional system instruction. MaxTokens
// caps the reply length, provider defaults apply when zero.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int64
}

// Response is a provider's reply with its token accounting.
type Response struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// ChatClient is the provider surface the transform calls. Complete
// must honor ctx cancellation and return a *ProviderError for API
// failures so the transform can decide retryability.
type ChatClient interface {
	Provider() string
	Complete(ctx context.Context, req Request) (Response, error)
}

// Config declares an LLM transform.
//
// Prompt is a template over row fields: "{{field}}" placeholders are
// replaced with the row's value for that field. A placeholder naming a
// field absent from the row fails the row terminally, garbage in a
// prompt is worse than no prompt.
type Config struct {
	// Name identifies the node in the pipeline. Required.
	Name string

	// Client executes completions. Required.
	Client ChatClient

	// Prompt is the user prompt template. Required.
	Prompt string

	// System is an optional system instruction sent verbatim.
	System string

	// OutputField receives the model's reply. Defaults to "response".
	OutputField string

	// MaxTokens caps the reply length. Zero uses the provider default.
	MaxTokens int64
}

// Transform sends one completion request per row. It implements
// engine.Transform with external_call determinism: replies are not
// reproducible, so runs through this node grade as replay-only.
type Transform struct {
	name        string
	client      ChatClient
	prompt      string
	system      string
	outputField string
	maxTokens   int64
}

// New validates cfg and builds the transform.
func New(cfg Config) (*Transform, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("llm: name is required")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("llm: %s: client is required", cfg.Name)
	}
	if cfg.Prompt == "" {
		return nil, fmt.Errorf("llm: %s: prompt template is required", cfg.Name)
	}
	if _, err := templateFields(cfg.Prompt); err != nil {
		return nil, fmt.Errorf("llm: %s: %w", cfg.Name, err)
	}
	outputField := cfg.OutputField
	if outputField == "" {
		outputField = "response"
	}
	return &Transform{
		name:        cfg.Name,
		client:      cfg.Client,
		prompt:      cfg.Prompt,
		system:      cfg.System,
		outputField: outputField,
		maxTokens:   cfg.MaxTokens,
	}, nil
}

// Name implements engine.Transform.
func (t *Transform) Name() string { return t.name }

// Determinism implements engine.Transform.
func (t *Transform) Determinism() landscape.Determinism {
	return landscape.DeterminismExternalCall
}

// Process renders the prompt from the row, completes it, and returns
// the row with the reply attached. The call is recorded against the
// current node state whether it succeeds or fails.
func (t *Transform) Process(ctx context.Context, row engine.Row, pc *engine.PluginContext) engine.TransformResult {
	prompt, err := renderTemplate(t.prompt, row)
	if err != nil {
		return engine.Fail(&landscape.ErrorInfo{
			Kind:    "llm_template",
			Message: err.Error(),
		}, false)
	}

	req := Request{System: t.system, Prompt: prompt, MaxTokens: t.maxTokens}
	start := time.Now()
	resp, err := t.client.Complete(ctx, req)
	latency := float64(time.Since(start).Microseconds()) / 1000

	record := engine.CallRecord{
		CallType: "llm",
		Status:   landscape.CallSuccess,
		Request: map[string]any{
			"provider":   t.client.Provider(),
			"prompt":     prompt,
			"max_tokens": t.maxTokens,
		},
		LatencyMS: latency,
	}
	if err != nil {
		info := providerErrorInfo(t.client.Provider(), err)
		record.Status = landscape.CallError
		record.Error = info
		if recErr := pc.RecordCall(ctx, record); recErr != nil {
			return engine.Fail(&landscape.ErrorInfo{Kind: "audit", Message: recErr.Error()}, false)
		}
		return engine.Fail(info, isRetryable(err))
	}

	record.Response = map[string]any{
		"model":         resp.Model,
		"text":          resp.Text,
		"input_tokens":  resp.InputTokens,
		"output_tokens": resp.OutputTokens,
	}
	if recErr := pc.RecordCall(ctx, record); recErr != nil {
		return engine.Fail(&landscape.ErrorInfo{Kind: "audit", Message: recErr.Error()}, false)
	}

	out := make(engine.Row, len(row)+1)
	for key, value := range row {
		out[key] = value
	}
	out[t.outputField] = resp.Text
	return engine.Succeed(out)
}

// renderTemplate substitutes "{{field}}" placeholders with row values.
// Values render with fmt's default formatting; nested structures come
// out as their Go literal form, which is stable enough for prompts.
func renderTemplate(template string, row engine.Row) (string, error) {
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
			return "", fmt.Errorf("unterminated placeholder in prompt template")
		}
		sb.WriteString(rest[:open])
		field := strings.TrimSpace(rest[open+2 : open+close])
		value, ok := row[field]
		if !ok {
			return "", fmt.Errorf("prompt field %q not present in row", field)
		}
		fmt.Fprintf(&sb, "%v", value)
		rest = rest[open+close+2:]
	}
}

// templateFields extracts the placeholder names, validating syntax.
func templateFields(template string) ([]string, error) {
	var fields []string
	rest := template
	for {
		open := strings.Index(rest, "{{")
		if open == -1 {
			return fields, nil
		}
		close := strings.Index(rest[open:], "}}")
		if close == -1 {
			return nil, fmt.Errorf("unterminated placeholder in prompt template")
		}
		field := strings.TrimSpace(rest[open+2 : open+close])
		if field == "" {
			return nil, fmt.Errorf("empty placeholder in prompt template")
		}
		fields = append(fields, field)
		rest = rest[open+close+2:]
	}
}
