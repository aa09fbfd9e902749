package provider

import (
	"context"

	"github.com/apexion-ai/apexion-runtime/internal/model"
)

// RouterAdapter implements Adapter for the third-party routing aggregator.
// Symmetric with Primary except it accepts a forced sub-provider tag (or
// "any" to let the aggregator choose), forwarded via a JSON patch on the
// outgoing body rather than a typed SDK field, since the aggregator's
// routing knob is aggregator-specific.
//
// Grounded on the same OpenAI-Chat-Completions-shaped transport as
// Secondary (most routing aggregators in the wild, and the teacher's own
// internal/provider/openai.go, are OpenAI-compatible over REST).
type RouterAdapter struct {
	transport *openaiCompatTransport
	baseURL   string
}

func NewRouterAdapter(baseURL string) *RouterAdapter {
	return &RouterAdapter{transport: newOpenAICompatTransport(), baseURL: baseURL}
}

func (r *RouterAdapter) Kind() model.Provider { return model.Router }

func (r *RouterAdapter) Stream(ctx context.Context, req StreamRequest) (TurnResult, error) {
	apiKey := req.Request.Credentials["api_key"]
	patch := forcedProviderPatch(req.Request.ForcedSubProvider)
	return r.transport.stream(ctx, apiKey, r.baseURL, req.Request.Model, req, patch)
}
