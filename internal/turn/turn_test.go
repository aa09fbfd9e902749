package turn

import (
	"context"
	"errors"
	"testing"

	"github.com/apexion-ai/apexion-runtime/internal/chatmodel"
	"github.com/apexion-ai/apexion-runtime/internal/model"
	"github.com/apexion-ai/apexion-runtime/internal/provider"
)

// scriptedAdapter replays a fixed sequence of results, one per Stream call,
// so a test can script a multi-round tool round-trip or a forced abort.
type scriptedAdapter struct {
	kind  model.Provider
	steps []func(req provider.StreamRequest) (provider.TurnResult, error)
	calls int
}

func (a *scriptedAdapter) Kind() model.Provider { return a.kind }

func (a *scriptedAdapter) Stream(ctx context.Context, req provider.StreamRequest) (provider.TurnResult, error) {
	if a.calls >= len(a.steps) {
		return provider.TurnResult{}, errors.New("scriptedAdapter: no more steps")
	}
	step := a.steps[a.calls]
	a.calls++
	return step(req)
}

func streamingTextResult(text string, onChunk provider.OnChunk) provider.TurnResult {
	if onChunk != nil {
		onChunk(provider.StreamChunk{Segments: []provider.Segment{{Kind: provider.ChunkAnswer, Text: text}}, AnswerText: text})
	}
	return provider.TurnResult{Answer: text, Completed: true, StatusToken: "completed"}
}

type noopToolRuntime struct{}

func (noopToolRuntime) Execute(ctx context.Context, call ToolCallRequest, env ToolCallEnv) ToolCallResult {
	return ToolCallResult{OK: true, Output: "ok"}
}
func (noopToolRuntime) Declarations() []ToolDeclaration { return nil }

type fakeToolRuntime struct {
	outputs map[string]ToolCallResult
}

func (f fakeToolRuntime) Execute(ctx context.Context, call ToolCallRequest, env ToolCallEnv) ToolCallResult {
	if res, ok := f.outputs[call.Name]; ok {
		return res
	}
	return ToolCallResult{OK: true, Output: ""}
}
func (f fakeToolRuntime) Declarations() []ToolDeclaration { return nil }

func basicParams(adapter provider.Adapter, rt ToolRuntime) Params {
	return Params{
		Adapter:       adapter,
		ToolRuntime:   rt,
		Model:         model.ModelOption{ID: "test-model", Provider: model.Primary, ContextWindowTokens: 200000},
		Credentials:   provider.Credentials{"api_key": "test"},
		DrainSteering: func() []chatmodel.ChatMessage { return nil },
	}
}

func TestRun_SingleTurnNoTools(t *testing.T) {
	adapter := &scriptedAdapter{
		kind: model.Primary,
		steps: []func(req provider.StreamRequest) (provider.TurnResult, error){
			func(req provider.StreamRequest) (provider.TurnResult, error) {
				req.DrainSteering()
				return streamingTextResult("hi there", req.OnChunk), nil
			},
		},
	}

	var uiMessages []chatmodel.RuntimeUiMessage
	p := basicParams(adapter, noopToolRuntime{})
	p.UserText = "hello"
	p.OnUI = func(m chatmodel.RuntimeUiMessage) { uiMessages = append(uiMessages, m) }

	out := Run(context.Background(), p)

	if out.Err != nil || out.Aborted {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(out.History) != 2 {
		t.Fatalf("expected 2 history entries (user+assistant), got %d: %+v", len(out.History), out.History)
	}
	if out.History[1].Text != "hi there" {
		t.Errorf("expected assistant text 'hi there', got %q", out.History[1].Text)
	}

	foundAssistant := false
	for _, m := range uiMessages {
		if m.Role == chatmodel.UiRoleAssistant && m.Text == "hi there" {
			foundAssistant = true
		}
	}
	if !foundAssistant {
		t.Errorf("expected an assistant UI row, got %+v", uiMessages)
	}
}

func TestRun_ToolRoundTrip(t *testing.T) {
	round := 0
	adapter := &scriptedAdapter{
		kind: model.Primary,
		steps: []func(req provider.StreamRequest) (provider.TurnResult, error){
			func(req provider.StreamRequest) (provider.TurnResult, error) {
				round++
				return provider.TurnResult{
					OutputItems: []chatmodel.FunctionCallItem{
						{CallID: "c1", Name: "read_file", Arguments: `{"path":"x.go"}`, Status: chatmodel.FunctionCallCompleted},
					},
				}, nil
			},
			func(req provider.StreamRequest) (provider.TurnResult, error) {
				round++
				return streamingTextResult("the file says hello", req.OnChunk), nil
			},
		},
	}

	rt := fakeToolRuntime{outputs: map[string]ToolCallResult{
		"read_file": {OK: true, Output: "package main"},
	}}

	var started, completed []string
	p := basicParams(adapter, rt)
	p.UserText = "what's in x.go?"
	p.OnToolStarted = func(callID, name string) { started = append(started, name) }
	p.OnToolCompleted = func(callID string, out chatmodel.FunctionCallOutputItem) { completed = append(completed, callID) }

	out := Run(context.Background(), p)

	if out.Err != nil {
		t.Fatalf("unexpected error: %v", out.Err)
	}
	if round != 2 {
		t.Fatalf("expected 2 rounds, got %d", round)
	}
	if len(started) != 1 || started[0] != "read_file" {
		t.Errorf("expected read_file tool started, got %+v", started)
	}
	if len(completed) != 1 || completed[0] != "c1" {
		t.Errorf("expected c1 tool completed, got %+v", completed)
	}
	if out.History[len(out.History)-1].Text != "the file says hello" {
		t.Errorf("expected final assistant text, got %q", out.History[len(out.History)-1].Text)
	}
}

func TestRun_SteeringDrainedMidTurnPersistsBeforeFinalAnswer(t *testing.T) {
	adapter := &scriptedAdapter{
		kind: model.Primary,
		steps: []func(req provider.StreamRequest) (provider.TurnResult, error){
			func(req provider.StreamRequest) (provider.TurnResult, error) {
				steering := req.DrainSteering()
				if len(steering) != 1 || steering[0].Text != "also include date" {
					t.Fatalf("expected drainSteering to return the steer message, got %+v", steering)
				}
				return provider.TurnResult{
					OutputItems: []chatmodel.FunctionCallItem{
						{CallID: "c1", Name: "read_file", Arguments: `{}`, Status: chatmodel.FunctionCallCompleted},
					},
				}, nil
			},
			func(req provider.StreamRequest) (provider.TurnResult, error) {
				return streamingTextResult("done", req.OnChunk), nil
			},
		},
	}

	rt := fakeToolRuntime{outputs: map[string]ToolCallResult{"read_file": {OK: true, Output: "ok"}}}

	var uiMessages []chatmodel.RuntimeUiMessage
	drained := false
	p := basicParams(adapter, rt)
	p.UserText = "what's in x.go?"
	p.OnUI = func(m chatmodel.RuntimeUiMessage) { uiMessages = append(uiMessages, m) }
	p.DrainSteering = func() []chatmodel.ChatMessage {
		if drained {
			return nil
		}
		drained = true
		return []chatmodel.ChatMessage{{Role: chatmodel.RoleUser, Text: "also include date"}}
	}

	out := Run(context.Background(), p)

	if out.Err != nil {
		t.Fatalf("unexpected error: %v", out.Err)
	}
	if len(out.History) != 3 {
		t.Fatalf("expected user, steer, assistant entries, got %d: %+v", len(out.History), out.History)
	}
	if out.History[1].Text != "also include date" {
		t.Errorf("expected the steer message to be persisted before the final assistant message, got %+v", out.History)
	}
	if out.History[2].Text != "done" {
		t.Errorf("expected final assistant message last, got %+v", out.History)
	}

	foundSteerRow := false
	for _, m := range uiMessages {
		if m.Role == chatmodel.UiRoleUser && m.Text == "also include date" {
			foundSteerRow = true
		}
	}
	if !foundSteerRow {
		t.Errorf("expected an extra user UI row for the steer message, got %+v", uiMessages)
	}
	if out.LeftoverSteeringCount != 0 {
		t.Errorf("expected no leftover steering reported, got %d", out.LeftoverSteeringCount)
	}
}

func TestRun_Abort(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	adapter := &scriptedAdapter{
		kind: model.Primary,
		steps: []func(req provider.StreamRequest) (provider.TurnResult, error){
			func(req provider.StreamRequest) (provider.TurnResult, error) {
				cancel()
				return provider.TurnResult{}, &provider.AbortError{Cause: ctx.Err()}
			},
		},
	}

	var uiMessages []chatmodel.RuntimeUiMessage
	p := basicParams(adapter, noopToolRuntime{})
	p.UserText = "do something slow"
	p.OnUI = func(m chatmodel.RuntimeUiMessage) { uiMessages = append(uiMessages, m) }

	out := Run(ctx, p)

	if !out.Aborted {
		t.Fatalf("expected Aborted=true, got %+v", out)
	}
	if len(out.History) != 1 || out.History[0].Text != "do something slow" {
		t.Errorf("expected only the user message preserved, got %+v", out.History)
	}

	foundInterrupted := false
	for _, m := range uiMessages {
		if m.Text == "Response interrupted." {
			foundInterrupted = true
		}
	}
	if !foundInterrupted {
		t.Errorf("expected an interrupted system row, got %+v", uiMessages)
	}
}

func TestRun_ProviderSwitchCompressesHistory(t *testing.T) {
	adapter := &scriptedAdapter{
		kind: model.Secondary,
		steps: []func(req provider.StreamRequest) (provider.TurnResult, error){
			func(req provider.StreamRequest) (provider.TurnResult, error) {
				return streamingTextResult("ack", req.OnChunk), nil
			},
		},
	}

	longHistory := make([]chatmodel.ChatMessage, 0, 20)
	for i := 0; i < 20; i++ {
		longHistory = append(longHistory, chatmodel.ChatMessage{Role: chatmodel.RoleUser, Text: "message content here"})
	}

	p := basicParams(adapter, noopToolRuntime{})
	p.Model = model.ModelOption{ID: "secondary-model", Provider: model.Secondary, ContextWindowTokens: 200000}
	p.ConversationProvider = model.Primary
	p.History = longHistory
	p.UserText = "continue"

	out := Run(context.Background(), p)

	if out.Err != nil {
		t.Fatalf("unexpected error: %v", out.Err)
	}
	if !out.RolloutReset {
		t.Errorf("expected RolloutReset=true on provider switch")
	}
	if out.ConversationProvider != model.Secondary {
		t.Errorf("expected ConversationProvider updated to Secondary, got %v", out.ConversationProvider)
	}
	// Compressed to a summary message + the 4 most recent messages + user +
	// assistant, far fewer than the 20 original entries + 2 new ones.
	if len(out.History) >= len(longHistory)+2 {
		t.Errorf("expected history compressed, got %d entries", len(out.History))
	}
}

func TestRun_QueuedStreamNotCompletedRetriesWithoutToolCalls(t *testing.T) {
	calls := 0
	adapter := &scriptedAdapter{
		kind: model.Primary,
		steps: []func(req provider.StreamRequest) (provider.TurnResult, error){
			func(req provider.StreamRequest) (provider.TurnResult, error) {
				calls++
				return provider.TurnResult{Answer: "partial", Completed: false}, nil
			},
			func(req provider.StreamRequest) (provider.TurnResult, error) {
				calls++
				return streamingTextResult("complete answer", req.OnChunk), nil
			},
		},
	}

	p := basicParams(adapter, noopToolRuntime{})
	p.UserText = "hi"

	out := Run(context.Background(), p)

	if out.Err != nil {
		t.Fatalf("unexpected error: %v", out.Err)
	}
	if calls != 2 {
		t.Fatalf("expected the engine to re-issue after a non-terminal stream, got %d calls", calls)
	}
	if out.History[len(out.History)-1].Text != "complete answer" {
		t.Errorf("expected final answer text, got %q", out.History[len(out.History)-1].Text)
	}
}
