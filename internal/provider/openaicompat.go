package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"
	"github.com/tidwall/sjson"

	"github.com/apexion-ai/apexion-runtime/internal/chatmodel"
)

// openaiCompatTransport is the shared OpenAI-Chat-Completions-shaped
// streaming transport used by both the Secondary and Router adapters.
// Grounded on internal/provider/openai.go's client construction and
// streaming loop, generalized so Secondary can patch a provider-specific
// thinking-budget field via sjson and Router can pass through a forced
// sub-provider tag, without duplicating the event-accumulation logic.
type openaiCompatTransport struct {
	newClient func(apiKey, baseURL string) openai.Client
}

func newOpenAICompatTransport() *openaiCompatTransport {
	return &openaiCompatTransport{
		newClient: func(apiKey, baseURL string) openai.Client {
			opts := []option.RequestOption{option.WithAPIKey(apiKey)}
			if baseURL != "" {
				opts = append(opts, option.WithBaseURL(baseURL))
			}
			return openai.NewClient(opts...)
		},
	}
}

// extraBodyPatcher lets a caller inject provider-specific fields into the
// outgoing JSON body (thinking-budget config, forced sub-provider tag)
// using sjson path patches rather than a full struct round-trip.
type extraBodyPatcher func(body []byte) ([]byte, error)

func (t *openaiCompatTransport) stream(
	ctx context.Context,
	apiKey, baseURL, model string,
	req StreamRequest,
	patch extraBodyPatcher,
) (TurnResult, error) {
	client := t.newClient(apiKey, baseURL)

	steering := req.DrainSteering()
	msgs, err := buildOpenAIMessages(req.Request.Input, steering, req.Request.SystemInstruction)
	if err != nil {
		return TurnResult{}, err
	}
	tools := buildOpenAITools(req.Request.Tools)

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: msgs,
	}
	if len(tools) > 0 {
		params.Tools = tools
	}

	var opts []option.RequestOption
	if patch != nil {
		opts = append(opts, option.WithRequestBody("application/json", patcherMiddleware(params, patch)))
	}

	stream := client.Chat.Completions.NewStreaming(ctx, params, opts...)
	return processOpenAIStream(ctx, stream, req.OnChunk, req.OnDebug)
}

// patcherMiddleware marshals params then applies the patch function,
// returning the final body bytes sent on the wire. This is how the
// adapters reach provider-specific JSON fields (thinking budget, forced
// provider routing) that the openai-go param structs don't model.
func patcherMiddleware(params openai.ChatCompletionNewParams, patch extraBodyPatcher) []byte {
	data, err := json.Marshal(params)
	if err != nil {
		return nil
	}
	patched, err := patch(data)
	if err != nil {
		return data
	}
	return patched
}

func processOpenAIStream(
	ctx context.Context,
	stream *ssestream.Stream[openai.ChatCompletionChunk],
	onChunk OnChunk,
	onDebug OnDebug,
) (TurnResult, error) {
	defer stream.Close()

	type pendingCall struct {
		id, name string
		args     strings.Builder
	}
	pending := make(map[int64]*pendingCall)
	order := make([]int64, 0, 4)

	var answer strings.Builder
	finishReason := ""
	var usage Usage

	for stream.Next() {
		if ctx.Err() != nil {
			return TurnResult{}, &AbortError{Cause: ctx.Err()}
		}
		chunk := stream.Current()
		if chunk.Usage.TotalTokens > 0 {
			usage = Usage{InputTokens: int(chunk.Usage.PromptTokens), OutputTokens: int(chunk.Usage.CompletionTokens)}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			answer.WriteString(choice.Delta.Content)
			if onChunk != nil {
				onChunk(StreamChunk{
					Segments:   []Segment{{Kind: ChunkAnswer, Text: choice.Delta.Content}},
					AnswerText: answer.String(),
				})
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := tc.Index
			pc, ok := pending[idx]
			if !ok {
				pc = &pendingCall{}
				pending[idx] = pc
				order = append(order, idx)
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				pc.args.WriteString(tc.Function.Arguments)
			}
		}
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
		if onDebug != nil {
			onDebug(DebugEvent{Message: "openai_compat.frame"})
		}
	}

	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return TurnResult{}, &AbortError{Cause: ctx.Err()}
		}
		return TurnResult{}, &UpstreamError{StatusToken: finishReason, Cause: err}
	}

	var calls []chatmodel.FunctionCallItem
	for _, idx := range order {
		pc := pending[idx]
		args := pc.args.String()
		if args == "" {
			args = "{}"
		}
		calls = append(calls, chatmodel.FunctionCallItem{
			CallID:    pc.id,
			Name:      pc.name,
			Arguments: args,
			Status:    chatmodel.FunctionCallCompleted,
		})
	}

	completed := finishReason == "stop" || finishReason == "tool_calls"
	return TurnResult{
		Answer:      answer.String(),
		OutputItems: calls,
		Completed:   completed,
		StatusToken: finishReason,
		Usage:       usage,
	}, nil
}

func buildOpenAIMessages(input []InputItem, steering []chatmodel.ChatMessage, systemInstruction string) ([]openai.ChatCompletionMessageParamUnion, error) {
	var out []openai.ChatCompletionMessageParamUnion
	if systemInstruction != "" {
		out = append(out, openai.SystemMessage(systemInstruction))
	}

	var pendingCalls []openai.ChatCompletionMessageToolCallParam

	flushCalls := func() {
		if len(pendingCalls) == 0 {
			return
		}
		out = append(out, openai.ChatCompletionMessageParamUnion{
			OfAssistant: &openai.ChatCompletionAssistantMessageParam{
				ToolCalls: pendingCalls,
			},
		})
		pendingCalls = nil
	}

	for _, item := range input {
		switch item.Kind {
		case InputItemMessage:
			flushCalls()
			out = append(out, chatMessageToOpenAI(*item.Message))
		case InputItemFunctionCall:
			pendingCalls = append(pendingCalls, openai.ChatCompletionMessageToolCallParam{
				ID: item.Call.CallID,
				Function: openai.ChatCompletionMessageToolCallFunctionParam{
					Name:      item.Call.Name,
					Arguments: item.Call.Arguments,
				},
			})
		case InputItemFunctionOut:
			flushCalls()
			out = append(out, openai.ToolMessage(flattenOutputParts(item.CallOutput.Parts), item.CallOutput.CallID))
		}
	}
	flushCalls()

	for _, m := range steering {
		out = append(out, chatMessageToOpenAI(m))
	}
	return out, nil
}

func chatMessageToOpenAI(m chatmodel.ChatMessage) openai.ChatCompletionMessageParamUnion {
	if m.Role == chatmodel.RoleAssistant {
		return openai.AssistantMessage(m.Text)
	}
	if len(m.Images) == 0 {
		return openai.UserMessage(m.Text)
	}
	parts := []openai.ChatCompletionContentPartUnionParam{}
	if m.Text != "" {
		parts = append(parts, openai.TextContentPart(m.Text))
	}
	for _, img := range m.Images {
		parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
			URL: img.DataURL,
		}))
	}
	return openai.UserMessage(parts)
}

func buildOpenAITools(decls []ToolDeclaration) []openai.ChatCompletionToolParam {
	var out []openai.ChatCompletionToolParam
	for _, d := range decls {
		out = append(out, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        d.Name,
				Description: openai.String(d.Description),
				Parameters:  d.Parameters,
			},
		})
	}
	return out
}

// thinkingBudgetPatch builds an extraBodyPatcher that sets a provider
// config block (e.g. {"thinking_config":{"budget_tokens":N}}) via sjson,
// matching spec.md §4.4 "thinking budget is mapped to a provider-specific
// config block".
func thinkingBudgetPatch(budget int64) extraBodyPatcher {
	if budget <= 0 {
		return nil
	}
	return func(body []byte) ([]byte, error) {
		patched, err := sjson.SetBytes(body, "thinking_config.budget_tokens", budget)
		if err != nil {
			return nil, fmt.Errorf("patch thinking budget: %w", err)
		}
		return patched, nil
	}
}

// forcedProviderPatch sets the aggregator-specific routing field the
// Router adapter forwards when a caller names a specific sub-provider
// (spec.md §4.3 "forced provider tag").
func forcedProviderPatch(tag string) extraBodyPatcher {
	if tag == "" || tag == "any" {
		return nil
	}
	return func(body []byte) ([]byte, error) {
		patched, err := sjson.SetBytes(body, "provider.order.0", tag)
		if err != nil {
			return nil, fmt.Errorf("patch forced provider: %w", err)
		}
		return patched, nil
	}
}

func combinePatches(patches ...extraBodyPatcher) extraBodyPatcher {
	var active []extraBodyPatcher
	for _, p := range patches {
		if p != nil {
			active = append(active, p)
		}
	}
	if len(active) == 0 {
		return nil
	}
	return func(body []byte) ([]byte, error) {
		cur := body
		for _, p := range active {
			next, err := p(cur)
			if err != nil {
				return nil, err
			}
			cur = next
		}
		return cur, nil
	}
}
