package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiClient completes prompts through Google's Gemini API. The SDK
// client is connection-scoped, so a fresh one is opened per call and
// closed on return.
type GeminiClient struct {
	apiKey string
	model  string
}

// NewGeminiClient builds a client for the given API key and model.
// An empty model selects "gemini-2.5-flash".
func NewGeminiClient(apiKey, model string) *GeminiClient {
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &GeminiClient{apiKey: apiKey, model: model}
}

// Provider implements ChatClient.
func (c *GeminiClient) Provider() string { return "google" }

// Complete implements ChatClient.
func (c *GeminiClient) Complete(ctx context.Context, req Request) (Response, error) {
	if c.apiKey == "" {
		return Response{}, classify("google", errors.New("api key is required"))
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return Response{}, classify("google", err)
	}
	defer client.Close()

	genModel := client.GenerativeModel(c.model)
	if req.System != "" {
		genModel.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.System)},
		}
	}
	if req.MaxTokens > 0 {
		genModel.SetMaxOutputTokens(int32(req.MaxTokens))
	}

	resp, err := genModel.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		return Response{}, classify("google", err)
	}

	var text strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				text.WriteString(string(t))
			}
		}
		break // first candidate only
	}

	out := Response{Text: text.String(), Model: c.model}
	if resp.UsageMetadata != nil {
		out.InputTokens = int64(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}
