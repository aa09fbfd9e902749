package turn

import (
	"testing"

	"github.com/apexion-ai/apexion-runtime/internal/chatmodel"
	"github.com/apexion-ai/apexion-runtime/internal/provider"
)

func TestAppendReplay_PreservesOrdering(t *testing.T) {
	prev := roundState{
		assistantText: "let me check that",
		calls: []chatmodel.FunctionCallItem{
			{CallID: "1", Name: "read_file", Arguments: `{"path":"a"}`},
			{CallID: "2", Name: "grep", Arguments: `{"q":"x"}`},
		},
		outputs: map[string]chatmodel.FunctionCallOutputItem{
			"1": {CallID: "1", OK: true, Parts: []chatmodel.FunctionCallOutputPart{{Type: chatmodel.OutputPartText, Text: "contents"}}},
			"2": {CallID: "2", OK: true, Parts: []chatmodel.FunctionCallOutputPart{{Type: chatmodel.OutputPartText, Text: "matches"}}},
		},
	}

	out := appendReplay(nil, prev)

	if len(out) != 5 {
		t.Fatalf("expected 5 items (assistant + 2 calls + 2 outputs), got %d: %+v", len(out), out)
	}
	if out[0].Kind != provider.InputItemMessage || out[0].Message.Text != "let me check that" {
		t.Errorf("expected first item to be the replayed assistant message, got %+v", out[0])
	}
	if out[1].Kind != provider.InputItemFunctionCall || out[1].Call.CallID != "1" {
		t.Errorf("expected second item to be call 1, got %+v", out[1])
	}
	if out[2].Kind != provider.InputItemFunctionCall || out[2].Call.CallID != "2" {
		t.Errorf("expected third item to be call 2, got %+v", out[2])
	}
	if out[3].Kind != provider.InputItemFunctionOut || out[3].CallOutput.CallID != "1" {
		t.Errorf("expected fourth item to be output 1, got %+v", out[3])
	}
	if out[4].Kind != provider.InputItemFunctionOut || out[4].CallOutput.CallID != "2" {
		t.Errorf("expected fifth item to be output 2, got %+v", out[4])
	}
}

func TestAppendReplay_UnmatchedCallAppendedBeforeItsOutput(t *testing.T) {
	prev := roundState{
		calls: []chatmodel.FunctionCallItem{
			{CallID: "matched", Name: "a"},
			{CallID: "orphan", Name: "b"},
		},
		outputs: map[string]chatmodel.FunctionCallOutputItem{
			"matched": {CallID: "matched", OK: true},
		},
	}

	out := appendReplay(nil, prev)

	// "matched" has an output so it's ordered first; "orphan" has none so it
	// trails at the end per the §4.2 item 2 rule, with no output following it.
	if len(out) != 3 {
		t.Fatalf("expected 3 items, got %d: %+v", len(out), out)
	}
	if out[0].Call.CallID != "matched" {
		t.Errorf("expected matched call first, got %+v", out[0])
	}
	if out[1].Call.CallID != "orphan" {
		t.Errorf("expected orphan call second, got %+v", out[1])
	}
	if out[2].Kind != provider.InputItemFunctionOut || out[2].CallOutput.CallID != "matched" {
		t.Errorf("expected only matched's output present, got %+v", out[2])
	}
}

func TestAppendReplay_NoAssistantTextOmitsMessage(t *testing.T) {
	prev := roundState{outputs: map[string]chatmodel.FunctionCallOutputItem{}}
	out := appendReplay(nil, prev)
	if len(out) != 0 {
		t.Fatalf("expected no items for an empty round, got %+v", out)
	}
}

func TestBuildBaseInput_AppendsUserMessageLast(t *testing.T) {
	history := []chatmodel.ChatMessage{
		{Role: chatmodel.RoleUser, Text: "hi"},
		{Role: chatmodel.RoleAssistant, Text: "hello"},
	}
	user := chatmodel.ChatMessage{Role: chatmodel.RoleUser, Text: "how are you"}

	out := buildBaseInput(history, user)

	if len(out) != 3 {
		t.Fatalf("expected 3 items, got %d", len(out))
	}
	if out[2].Message.Text != "how are you" {
		t.Errorf("expected new user message last, got %+v", out[2])
	}
}

func TestAppendSteering_AppendsAsUserMessages(t *testing.T) {
	base := []provider.InputItem{}
	steering := []chatmodel.ChatMessage{{Role: chatmodel.RoleUser, Text: "actually wait"}}
	out := appendSteering(base, steering)
	if len(out) != 1 || out[0].Message.Text != "actually wait" {
		t.Fatalf("expected steering appended as a message item, got %+v", out)
	}
}
