package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/apexion-ai/apexion-runtime/internal/chatmodel"
	"github.com/apexion-ai/apexion-runtime/internal/model"
)

// PrimaryAdapter implements Adapter for the OAuth-based "primary"
// provider. Grounded on aictl/internal/provider/anthropic.go's SSE state
// machine (ContentBlockStart/Delta/Stop + MessageDelta), generalized to
// the stream()/drainSteering/abort contract of spec.md §4.4.
//
// Per spec.md §4.4 Primary notes: tool names are sanitized through a
// bidirectional map, previous_response_id is never set (stateless per
// round), and every round is streamed. When tools are declared, parallel
// tool use is disabled through the tool-choice block; no store field is
// sent.
type PrimaryAdapter struct {
	newClient func(apiKey string) anthropic.Client
}

func NewPrimaryAdapter() *PrimaryAdapter {
	return &PrimaryAdapter{
		newClient: func(apiKey string) anthropic.Client {
			return anthropic.NewClient(anthropicoption.WithAPIKey(apiKey))
		},
	}
}

func (p *PrimaryAdapter) Kind() model.Provider { return model.Primary }

func (p *PrimaryAdapter) Stream(ctx context.Context, req StreamRequest) (TurnResult, error) {
	apiKey := req.Request.Credentials["api_key"]
	if apiKey == "" {
		apiKey = req.Request.Credentials["access_token"]
	}
	client := p.newClient(apiKey)

	sanitizer := NewToolNameSanitizer()

	// Pre-round boundary: drain steering exactly once before assembling
	// this round's messages, per spec.md §4.4/§4.7.
	steering := req.DrainSteering()

	msgs, err := p.buildMessages(req.Request.Input, steering)
	if err != nil {
		return TurnResult{}, err
	}
	tools := p.buildTools(req.Request.Tools, sanitizer)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Request.Model),
		Messages:  msgs,
		MaxTokens: 8192,
	}
	if req.Request.SystemInstruction != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.Request.SystemInstruction}}
	}
	if len(tools) > 0 {
		params.Tools = tools
		params.ToolChoice = anthropic.ToolChoiceUnionParam{
			OfAuto: &anthropic.ToolChoiceAutoParam{DisableParallelToolUse: anthropic.Bool(true)},
		}
	}
	applyThinking(&params, req.Request.ThinkingLevel)

	stream := client.Messages.NewStreaming(ctx, params)
	return p.processStream(ctx, stream, req.OnChunk, req.OnDebug, sanitizer)
}

func applyThinking(params *anthropic.MessageNewParams, level model.ThinkingLevel) {
	if level == model.Off {
		return
	}
	budget := map[model.ThinkingLevel]int64{
		model.Low:    4096,
		model.Medium: 12000,
		model.High:   24000,
		model.XHigh:  32000,
	}[level]
	if budget == 0 {
		return
	}
	params.Thinking = anthropic.ThinkingConfigParamUnion{
		OfEnabled: &anthropic.ThinkingConfigEnabledParam{BudgetTokens: budget},
	}
}

func (p *PrimaryAdapter) processStream(
	ctx context.Context,
	stream *ssestream.Stream[anthropic.MessageStreamEventUnion],
	onChunk OnChunk,
	onDebug OnDebug,
	sanitizer *ToolNameSanitizer,
) (TurnResult, error) {
	defer stream.Close()

	type pendingCall struct {
		id      string
		name    string
		jsonBuf strings.Builder
	}
	pending := make(map[int64]*pendingCall)

	var answer strings.Builder
	var calls []chatmodel.FunctionCallItem
	statusToken := ""
	var usage Usage

	for stream.Next() {
		if ctx.Err() != nil {
			return TurnResult{}, &AbortError{Cause: ctx.Err()}
		}

		event := stream.Current()
		switch variant := event.AsAny().(type) {
		case anthropic.MessageStartEvent:
			usage.InputTokens = int(variant.Message.Usage.InputTokens)

		case anthropic.ContentBlockStartEvent:
			cb := variant.ContentBlock
			if cb.Type == "tool_use" {
				toolUse := cb.AsToolUse()
				pending[variant.Index] = &pendingCall{id: toolUse.ID, name: toolUse.Name}
			}

		case anthropic.ContentBlockDeltaEvent:
			switch d := variant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				answer.WriteString(d.Text)
				if onChunk != nil {
					onChunk(StreamChunk{
						Segments:   []Segment{{Kind: ChunkAnswer, Text: d.Text}},
						AnswerText: answer.String(),
					})
				}
			case anthropic.ThinkingDelta:
				if onChunk != nil {
					onChunk(StreamChunk{
						Segments: []Segment{{Kind: ChunkThought, Text: d.Thinking}},
						Thoughts: []string{d.Thinking},
					})
				}
			case anthropic.InputJSONDelta:
				if pc, ok := pending[variant.Index]; ok {
					pc.jsonBuf.WriteString(d.PartialJSON)
				}
			}

		case anthropic.ContentBlockStopEvent:
			if pc, ok := pending[variant.Index]; ok {
				inputJSON := pc.jsonBuf.String()
				if inputJSON == "" {
					inputJSON = "{}"
				}
				runtimeName, ok := sanitizer.RuntimeName(pc.name)
				if !ok {
					runtimeName = pc.name
				}
				calls = append(calls, chatmodel.FunctionCallItem{
					CallID:    pc.id,
					Name:      runtimeName,
					Arguments: inputJSON,
					Status:    chatmodel.FunctionCallCompleted,
				})
				delete(pending, variant.Index)
			}

		case anthropic.MessageDeltaEvent:
			statusToken = string(variant.Delta.StopReason)
			usage.OutputTokens = int(variant.Usage.OutputTokens)

		case anthropic.MessageStopEvent:
			statusToken = "completed"
		}

		if onDebug != nil {
			onDebug(DebugEvent{Message: "primary.frame"})
		}
	}

	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return TurnResult{}, &AbortError{Cause: ctx.Err()}
		}
		return TurnResult{}, &UpstreamError{StatusToken: statusToken, Cause: err}
	}

	return TurnResult{
		Answer:      answer.String(),
		OutputItems: calls,
		Completed:   statusToken != "" && statusToken != "failed" && statusToken != "cancelled",
		StatusToken: statusToken,
		Usage:       usage,
	}, nil
}

func (p *PrimaryAdapter) buildMessages(input []InputItem, steering []chatmodel.ChatMessage) ([]anthropic.MessageParam, error) {
	var params []anthropic.MessageParam

	appendMessage := func(msg chatmodel.ChatMessage) {
		var blocks []anthropic.ContentBlockParamUnion
		if msg.Text != "" {
			blocks = append(blocks, anthropic.NewTextBlock(msg.Text))
		}
		for _, img := range msg.Images {
			blocks = append(blocks, anthropic.NewImageBlockBase64(string(img.MimeType), img.DataURL))
		}
		switch msg.Role {
		case chatmodel.RoleUser:
			params = append(params, anthropic.NewUserMessage(blocks...))
		case chatmodel.RoleAssistant:
			params = append(params, anthropic.NewAssistantMessage(blocks...))
		}
	}

	pendingToolUse := map[string]chatmodel.FunctionCallItem{}
	var toolUseBlocks []anthropic.ContentBlockParamUnion

	flushToolUse := func() {
		if len(toolUseBlocks) == 0 {
			return
		}
		params = append(params, anthropic.NewAssistantMessage(toolUseBlocks...))
		toolUseBlocks = nil
	}

	for _, item := range input {
		switch item.Kind {
		case InputItemMessage:
			flushToolUse()
			appendMessage(*item.Message)
		case InputItemFunctionCall:
			var parsed any
			if err := json.Unmarshal([]byte(item.Call.Arguments), &parsed); err != nil {
				parsed = map[string]any{}
			}
			toolUseBlocks = append(toolUseBlocks, anthropic.NewToolUseBlock(item.Call.CallID, parsed, item.Call.Name))
			pendingToolUse[item.Call.CallID] = *item.Call
		case InputItemFunctionOut:
			flushToolUse()
			text := flattenOutputParts(item.CallOutput.Parts)
			params = append(params, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(item.CallOutput.CallID, text, item.CallOutput.IsError),
			))
		}
	}
	flushToolUse()

	for _, m := range steering {
		appendMessage(m)
	}

	return params, nil
}

func (p *PrimaryAdapter) buildTools(decls []ToolDeclaration, sanitizer *ToolNameSanitizer) []anthropic.ToolUnionParam {
	var out []anthropic.ToolUnionParam
	for _, d := range decls {
		providerName := sanitizer.Sanitize(d.Name)
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        providerName,
				Description: anthropic.String(d.Description),
				InputSchema: anthropic.ToolInputSchemaParam{Properties: d.Parameters},
			},
		})
	}
	return out
}

func flattenOutputParts(parts []chatmodel.FunctionCallOutputPart) string {
	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			b.WriteString("\n")
		}
		switch p.Type {
		case chatmodel.OutputPartText:
			b.WriteString(p.Text)
		case chatmodel.OutputPartImage:
			fmt.Fprintf(&b, "[image: %s]", p.ImageURL)
		}
	}
	return b.String()
}
