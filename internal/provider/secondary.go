package provider

import (
	"context"
	"fmt"

	"github.com/apexion-ai/apexion-runtime/internal/model"
)

// SecondaryAdapter implements Adapter for the cloud-OAuth "secondary"
// provider. It uses the same OpenAI-Chat-Completions-shaped transport and
// event handling as Router (openaicompat.go); the only difference is that
// it maps thinking levels into a provider-specific JSON config block
// instead of a parameter the SDK models directly.
//
// Grounded on internal/provider/openai.go's client construction, with the
// thinking-budget patch added per spec.md §4.4's "Secondary" notes, applied
// with tidwall/sjson.
type SecondaryAdapter struct {
	transport *openaiCompatTransport
	baseURL   string
}

func NewSecondaryAdapter(baseURL string) *SecondaryAdapter {
	return &SecondaryAdapter{transport: newOpenAICompatTransport(), baseURL: baseURL}
}

func (s *SecondaryAdapter) Kind() model.Provider { return model.Secondary }

var secondaryThinkingBudgets = map[model.ThinkingLevel]int64{
	model.Minimal: 1024,
	model.Low:     4096,
	model.Medium:  12000,
	model.High:    24000,
	model.XHigh:   48000,
}

func (s *SecondaryAdapter) Stream(ctx context.Context, req StreamRequest) (TurnResult, error) {
	budget, ok := secondaryThinkingBudgets[req.Request.ThinkingLevel]
	if req.Request.ThinkingLevel != model.Off && !ok {
		return TurnResult{}, fmt.Errorf("secondary provider: unsupported thinking level %s for model %q",
			req.Request.ThinkingLevel, req.Request.Model)
	}

	apiKey := req.Request.Credentials["api_key"]
	if apiKey == "" {
		apiKey = req.Request.Credentials["access_token"]
	}
	return s.transport.stream(ctx, apiKey, s.baseURL, req.Request.Model, req, thinkingBudgetPatch(budget))
}
