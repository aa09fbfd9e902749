package turn

import (
	"context"
	"time"

	"github.com/apexion-ai/apexion-runtime/internal/chatmodel"
)

// ToolCallRequest is the input to one ToolRuntime.Execute call (spec.md
// §4.5: "{id, name, input}").
type ToolCallRequest struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolCallEnv carries the ambient values a tool may need without the
// runtime reaching for globals (spec.md §4.5: "{now, abortSignal}").
type ToolCallEnv struct {
	Now         time.Time
	AbortSignal context.Context
}

// ToolCallResult is what ToolRuntime.Execute returns. Output may be a
// string, a JSON-marshalable value, or []chatmodel.FunctionCallOutputPart;
// the turn engine converts it via chatmodel.RawOutputToParts without
// inspecting tool-specific semantics (spec.md §4.5).
type ToolCallResult struct {
	OK     bool
	Output any
	Error  string
}

// ToolRuntime is the Tool Runtime Interface (C4, spec.md §4.5). The turn
// engine depends only on this; concrete tool bodies (file edits, shell,
// MCP proxying) are out of scope here and live behind an implementation.
type ToolRuntime interface {
	Execute(ctx context.Context, call ToolCallRequest, env ToolCallEnv) ToolCallResult

	// Declarations reports the tool schemas to advertise to the provider
	// this round (spec.md §4.3's "tool declarations block").
	Declarations() []ToolDeclaration
}

// ToolDeclaration mirrors provider.ToolDeclaration so this package doesn't
// need to import internal/provider just for a name+description+schema
// triple; the caller building a provider.ChatRequest converts between the
// two one-for-one.
type ToolDeclaration struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ExecuteCall converts a dropped-in ToolCallRequest result into the
// transport-local FunctionCallOutputItem shape the replay logic expects.
func ExecuteCall(ctx context.Context, rt ToolRuntime, call chatmodel.FunctionCallItem, input map[string]any, now time.Time) chatmodel.FunctionCallOutputItem {
	res := rt.Execute(ctx, ToolCallRequest{ID: call.CallID, Name: call.Name, Input: input}, ToolCallEnv{Now: now, AbortSignal: ctx})

	if !res.OK {
		parts := chatmodel.RawOutputToParts(res.Output)
		if res.Error != "" {
			parts = append(parts, chatmodel.FunctionCallOutputPart{Type: chatmodel.OutputPartText, Text: res.Error})
		}
		return chatmodel.FunctionCallOutputItem{CallID: call.CallID, OK: false, Parts: parts, IsError: true}
	}
	return chatmodel.FunctionCallOutputItem{
		CallID: call.CallID,
		OK:     true,
		Parts:  chatmodel.RawOutputToParts(res.Output),
	}
}
