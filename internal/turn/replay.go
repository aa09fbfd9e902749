package turn

import (
	"github.com/apexion-ai/apexion-runtime/internal/chatmodel"
	"github.com/apexion-ai/apexion-runtime/internal/provider"
)

// roundState accumulates what a round needs replayed into the next one:
// the assistant message (if the round produced answer text), the
// actionable function calls in emission order, and their matched outputs,
// per spec.md §4.2 item 2.
type roundState struct {
	assistantText string
	calls         []chatmodel.FunctionCallItem
	outputs       map[string]chatmodel.FunctionCallOutputItem // keyed by CallID
}

// buildBaseInput converts the persisted conversation plus the new user
// message into the first round's InputItems (spec.md §4.3 item 1).
func buildBaseInput(history []chatmodel.ChatMessage, userMessage chatmodel.ChatMessage) []provider.InputItem {
	items := make([]provider.InputItem, 0, len(history)+1)
	for i := range history {
		m := history[i]
		items = append(items, provider.InputItem{Kind: provider.InputItemMessage, Message: &m})
	}
	items = append(items, provider.InputItem{Kind: provider.InputItemMessage, Message: &userMessage})
	return items
}

// appendReplay extends a round's input with the previous round's replayed
// assistant message, function calls, and matched outputs, preserving
// ordering per spec.md §4.2 item 2: "assistant message (if any), the
// selected function-call items, and then their matching function-call-
// outputs in the same order ... Calls without matching replay entries are
// appended at the end before their outputs."
func appendReplay(base []provider.InputItem, prev roundState) []provider.InputItem {
	out := base
	if prev.assistantText != "" {
		msg := chatmodel.ChatMessage{Role: chatmodel.RoleAssistant, Text: prev.assistantText}
		out = append(out, provider.InputItem{Kind: provider.InputItemMessage, Message: &msg})
	}

	ordered := make([]chatmodel.FunctionCallItem, 0, len(prev.calls))
	matched := make(map[string]bool, len(prev.calls))
	for _, c := range prev.calls {
		if _, ok := prev.outputs[c.CallID]; ok {
			ordered = append(ordered, c)
			matched[c.CallID] = true
		}
	}
	// Calls without a matching output are appended at the end, before
	// their (also unmatched) outputs -- in practice every emitted call is
	// executed, so this only guards a partial-execution edge case (e.g.
	// an abort mid-batch).
	for _, c := range prev.calls {
		if !matched[c.CallID] {
			ordered = append(ordered, c)
		}
	}

	for i := range ordered {
		c := ordered[i]
		out = append(out, provider.InputItem{Kind: provider.InputItemFunctionCall, Call: &c})
	}
	for i := range ordered {
		c := ordered[i]
		if output, ok := prev.outputs[c.CallID]; ok {
			o := output
			out = append(out, provider.InputItem{Kind: provider.InputItemFunctionOut, CallOutput: &o})
		}
	}
	return out
}

// appendSteering appends drained steering messages as user messages
// (spec.md §4.3 item 2).
func appendSteering(items []provider.InputItem, steering []chatmodel.ChatMessage) []provider.InputItem {
	for i := range steering {
		m := steering[i]
		items = append(items, provider.InputItem{Kind: provider.InputItemMessage, Message: &m})
	}
	return items
}
