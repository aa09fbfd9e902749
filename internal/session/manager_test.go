package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/apexion-ai/apexion-runtime/internal/chatmodel"
	"github.com/apexion-ai/apexion-runtime/internal/model"
	"github.com/apexion-ai/apexion-runtime/internal/provider"
	"github.com/apexion-ai/apexion-runtime/internal/turn"
)

// blockingAdapter blocks Stream until release is closed, so a test can
// hold a turn in the Pending state deterministically.
type blockingAdapter struct {
	release chan struct{}
	kind    model.Provider
}

func (a *blockingAdapter) Kind() model.Provider { return a.kind }

func (a *blockingAdapter) Stream(ctx context.Context, req provider.StreamRequest) (provider.TurnResult, error) {
	req.DrainSteering()
	select {
	case <-a.release:
	case <-ctx.Done():
		return provider.TurnResult{}, &provider.AbortError{Cause: ctx.Err()}
	}
	return provider.TurnResult{Answer: "done", Completed: true, StatusToken: "completed"}, nil
}

type instantAdapter struct{ kind model.Provider }

func (a *instantAdapter) Kind() model.Provider { return a.kind }

func (a *instantAdapter) Stream(ctx context.Context, req provider.StreamRequest) (provider.TurnResult, error) {
	req.DrainSteering()
	return provider.TurnResult{Answer: "ok", Completed: true, StatusToken: "completed"}, nil
}

type noopToolRuntime struct{}

func (noopToolRuntime) Execute(ctx context.Context, call turn.ToolCallRequest, env turn.ToolCallEnv) turn.ToolCallResult {
	return turn.ToolCallResult{OK: true}
}
func (noopToolRuntime) Declarations() []turn.ToolDeclaration { return nil }

// recordingSink captures every event for assertions without needing a real
// RPC router (C10 is built separately).
type recordingSink struct {
	mu        sync.Mutex
	completed []string
	statuses  []string
}

func (r *recordingSink) StateChanged(reason string) {}
func (r *recordingSink) SessionStatus(sessionID string, pending bool, statusLabel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, statusLabel)
}
func (r *recordingSink) MessageAppended(sessionID string, msg chatmodel.RuntimeUiMessage) {}
func (r *recordingSink) StreamChunk(sessionID string, chunk provider.StreamChunk)          {}
func (r *recordingSink) ToolCallStarted(sessionID, callID, name string)                    {}
func (r *recordingSink) ToolCallCompleted(sessionID, callID string, output chatmodel.FunctionCallOutputItem) {
}
func (r *recordingSink) Completed(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, sessionID)
}
func (r *recordingSink) Interrupted(sessionID string)            {}
func (r *recordingSink) SessionError(sessionID, message string)  {}
func (r *recordingSink) Debug(sessionID string, event provider.DebugEvent) {}

func (r *recordingSink) completedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completed)
}

func newTestManager(adapter provider.Adapter, sink EventSink) *Manager {
	sel := Selection{Model: model.ModelOption{ID: "test-model", Provider: model.Primary, ContextWindowTokens: 200000}}
	return NewManager(Deps{
		Adapters:         map[model.Provider]provider.Adapter{model.Primary: adapter},
		ToolRuntime:      noopToolRuntime{},
		Credentials:      func(p model.Provider) (provider.Credentials, bool) { return provider.Credentials{"api_key": "x"}, true },
		CurrentSelection: func() Selection { return sel },
		Events:           sink,
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestSend_EmptyPromptRejected(t *testing.T) {
	m := newTestManager(&instantAdapter{kind: model.Primary}, &recordingSink{})
	s, _ := m.Create("t")

	_, err := m.Send(context.Background(), s.ID, "", nil, false)
	if err != ErrEmptyPrompt {
		t.Fatalf("expected ErrEmptyPrompt, got %v", err)
	}
}

func TestSend_UnknownSession(t *testing.T) {
	m := newTestManager(&instantAdapter{kind: model.Primary}, &recordingSink{})
	_, err := m.Send(context.Background(), "nope", "hi", nil, false)
	if err != ErrUnknownSession {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

func TestSend_BusyWithoutEnqueueFails(t *testing.T) {
	adapter := &blockingAdapter{release: make(chan struct{}), kind: model.Primary}
	sink := &recordingSink{}
	m := newTestManager(adapter, sink)
	s, _ := m.Create("t")

	if _, err := m.Send(context.Background(), s.ID, "first", nil, false); err != nil {
		t.Fatalf("first send: %v", err)
	}
	waitFor(t, func() bool {
		got, _ := m.Get(s.ID)
		return got.State == StatePending
	})

	if _, err := m.Send(context.Background(), s.ID, "second", nil, false); err != ErrBusy {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	close(adapter.release)
	waitFor(t, func() bool { return sink.completedCount() == 1 })
}

func TestSend_QueuedPromptsAutoAdvanceFIFO(t *testing.T) {
	adapter := &blockingAdapter{release: make(chan struct{}), kind: model.Primary}
	sink := &recordingSink{}
	m := newTestManager(adapter, sink)
	s, _ := m.Create("t")

	if _, err := m.Send(context.Background(), s.ID, "first", nil, false); err != nil {
		t.Fatalf("first send: %v", err)
	}
	waitFor(t, func() bool {
		got, _ := m.Get(s.ID)
		return got.State == StatePending
	})

	res, err := m.Send(context.Background(), s.ID, "second", nil, true)
	if err != nil {
		t.Fatalf("queued send: %v", err)
	}
	if !res.Queued {
		t.Fatalf("expected Queued=true, got %+v", res)
	}

	queued, ok := m.QueueList(s.ID)
	if !ok || len(queued) != 1 || queued[0].Text != "second" {
		t.Fatalf("expected one queued prompt 'second', got %+v", queued)
	}

	close(adapter.release)

	waitFor(t, func() bool {
		got, _ := m.Get(s.ID)
		return got.State == StateReady && len(got.History) == 4
	})

	got, _ := m.Get(s.ID)
	if got.History[0].Text != "first" || got.History[2].Text != "second" {
		t.Fatalf("expected FIFO order first/second, got %+v", got.History)
	}
}

func TestSteer_OnlyAcceptedWhilePending(t *testing.T) {
	adapter := &blockingAdapter{release: make(chan struct{}), kind: model.Primary}
	m := newTestManager(adapter, &recordingSink{})
	s, _ := m.Create("t")

	if accepted := m.Steer(s.ID, "nudge"); accepted {
		t.Fatal("expected Steer to be rejected while Ready")
	}

	if _, err := m.Send(context.Background(), s.ID, "go", nil, false); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, func() bool {
		got, _ := m.Get(s.ID)
		return got.State == StatePending
	})

	if accepted := m.Steer(s.ID, "nudge"); !accepted {
		t.Fatal("expected Steer to be accepted while Pending")
	}

	close(adapter.release)
	waitFor(t, func() bool {
		got, _ := m.Get(s.ID)
		return got.State == StateReady
	})
}

func TestInterrupt_IsIdempotent(t *testing.T) {
	adapter := &blockingAdapter{release: make(chan struct{}), kind: model.Primary}
	defer close(adapter.release)
	m := newTestManager(adapter, &recordingSink{})
	s, _ := m.Create("t")

	if _, err := m.Send(context.Background(), s.ID, "go", nil, false); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, func() bool {
		got, _ := m.Get(s.ID)
		return got.State == StatePending
	})

	if interrupted := m.Interrupt(s.ID); !interrupted {
		t.Fatal("expected first Interrupt to succeed")
	}
	if interrupted := m.Interrupt(s.ID); interrupted {
		t.Fatal("expected second Interrupt to be a no-op")
	}
}

func TestClearHistory_ResetsAllFields(t *testing.T) {
	m := newTestManager(&instantAdapter{kind: model.Primary}, &recordingSink{})
	s, _ := m.Create("t")

	if _, err := m.Send(context.Background(), s.ID, "hi", nil, false); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, func() bool {
		got, _ := m.Get(s.ID)
		return got.State == StateReady && len(got.History) == 2
	})

	if ok := m.ClearHistory(s.ID); !ok {
		t.Fatal("expected ClearHistory to succeed")
	}

	got, _ := m.Get(s.ID)
	if len(got.History) != 0 || len(got.UIMessages) != 0 || got.HasConversation {
		t.Fatalf("expected a fully reset session, got %+v", got)
	}
	if got.State != StateReady || got.StatusLabel != "ready" {
		t.Fatalf("expected Ready state, got %+v", got)
	}
}

func TestGet_ReturnsDefensiveCopy(t *testing.T) {
	m := newTestManager(&instantAdapter{kind: model.Primary}, &recordingSink{})
	s, _ := m.Create("t")

	got, _ := m.Get(s.ID)
	got.History = append(got.History, chatmodel.ChatMessage{Role: chatmodel.RoleUser, Text: "mutated"})

	again, _ := m.Get(s.ID)
	if len(again.History) != 0 {
		t.Fatalf("expected snapshot mutation not to leak back, got %+v", again.History)
	}
}
