package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/apexion-ai/apexion-runtime/internal/chatmodel"
	"github.com/apexion-ai/apexion-runtime/internal/compression"
	"github.com/apexion-ai/apexion-runtime/internal/model"
	"github.com/apexion-ai/apexion-runtime/internal/provider"
	"github.com/apexion-ai/apexion-runtime/internal/rollout"
	"github.com/apexion-ai/apexion-runtime/internal/turn"
)

// EventSink receives the runtime event stream (spec.md §4.8/§7). The RPC
// router (C10) implements this and forwards each call to subscribed
// clients; Manager never knows about JSON-RPC itself.
type EventSink interface {
	StateChanged(reason string)
	SessionStatus(sessionID string, pending bool, statusLabel string)
	MessageAppended(sessionID string, msg chatmodel.RuntimeUiMessage)
	StreamChunk(sessionID string, chunk provider.StreamChunk)
	ToolCallStarted(sessionID, callID, name string)
	ToolCallCompleted(sessionID, callID string, output chatmodel.FunctionCallOutputItem)
	Completed(sessionID string)
	Interrupted(sessionID string)
	SessionError(sessionID, message string)
	Debug(sessionID string, event provider.DebugEvent)
}

// Selection is the process-global model/provider/thinking choice Manager
// consults at the start of every turn (spec.md §5 "Selection state ... is
// process-global"). Supplied by a callback so Manager never depends on how
// it's persisted (see internal/persistence).
type Selection struct {
	Model         model.ModelOption
	ThinkingLevel model.ThinkingLevel
	ForcedSubProvider string
}

// CredentialsResolver returns the stored credentials for a provider, or
// ok=false if that provider has no credential on file (spec.md's
// "provider not credentialed" error path).
type CredentialsResolver func(p model.Provider) (provider.Credentials, bool)

// Deps bundles everything Manager needs to actually run a turn, keeping
// Manager itself free of concrete provider/tool/persistence types.
type Deps struct {
	Adapters      map[model.Provider]provider.Adapter
	ToolRuntime   turn.ToolRuntime
	RolloutStore  *rollout.Store
	Credentials   CredentialsResolver
	CurrentSelection func() Selection
	SystemInstruction string
	Events        EventSink
}

// Manager owns the Session map (C8, spec.md §4.1). All mutation of a
// Session's fields happens under Manager's lock; Get/snapshot readers
// always see a consistent copy.
type Manager struct {
	mu           sync.Mutex
	sessions     map[string]*Session
	shuttingDown bool
	deps         Deps
}

func NewManager(deps Deps) *Manager {
	return &Manager{sessions: make(map[string]*Session), deps: deps}
}

// Create implements session.create.
func (m *Manager) Create(title string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := newSession(title)
	m.sessions[s.ID] = s
	m.emitState("session_created")
	return s.snapshot(), nil
}

// Get implements session.get: a defensive deep copy, never the live
// Session (spec.md §5).
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return s.snapshot(), true
}

// List returns a defensive snapshot of every session, ordered by
// CreatedAt, for state.get and similar introspection (spec.md §4.8).
func (m *Manager) List() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// SendResult is the outcome of Send.
type SendResult struct {
	TurnID   string
	Accepted bool
	Queued   bool
}

var (
	ErrUnknownSession = fmt.Errorf("unknown session")
	ErrEmptyPrompt    = fmt.Errorf("text and images are both empty")
	ErrBusy           = fmt.Errorf("session is busy")
	ErrProviderNotEnabled = fmt.Errorf("selected provider is not enabled")
	ErrMissingCredential  = fmt.Errorf("selected provider is missing credentials")
)

// Send implements session.send (spec.md §4.1). enqueue controls whether a
// busy session should queue the prompt instead of failing.
func (m *Manager) Send(ctx context.Context, id, text string, images []chatmodel.ChatImageAttachment, enqueue bool) (SendResult, error) {
	if strings.TrimSpace(text) == "" && len(images) == 0 {
		return SendResult{}, ErrEmptyPrompt
	}

	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return SendResult{}, ErrUnknownSession
	}

	if s.State == StatePending {
		if !enqueue {
			m.mu.Unlock()
			return SendResult{}, ErrBusy
		}
		item := chatmodel.TurnQueueItem{ID: newTurnID(), Text: text, Images: images, EnqueuedAt: time.Now().UnixNano()}
		s.QueuedPrompts = append(s.QueuedPrompts, item)
		s.StatusLabel = fmt.Sprintf("queued (%d)", len(s.QueuedPrompts))
		m.mu.Unlock()
		m.emitStatus(id, true, s.StatusLabel)
		return SendResult{TurnID: item.ID, Accepted: true, Queued: true}, nil
	}

	sel := m.deps.CurrentSelection()
	adapter, adapterOK := m.deps.Adapters[sel.Model.Provider]
	if sel.Model.ID == "" || !adapterOK {
		m.mu.Unlock()
		return SendResult{}, ErrProviderNotEnabled
	}
	creds, credsOK := m.deps.Credentials(sel.Model.Provider)
	if !credsOK {
		m.mu.Unlock()
		return SendResult{}, ErrMissingCredential
	}

	turnID := newTurnID()
	turnCtx, cancel := context.WithCancel(context.Background())
	s.State = StatePending
	s.StatusLabel = "running"
	s.ActiveAbort = NewAbortHandle(cancel)
	m.mu.Unlock()

	m.emitStatus(id, true, "running")
	go m.runTurn(turnCtx, id, turnID, text, images, adapter, sel, creds)

	return SendResult{TurnID: turnID, Accepted: true, Queued: false}, nil
}

// Steer implements session.steer: accepted only while Pending, never
// blocks, no-op with accepted=false otherwise (spec.md §4.7).
func (m *Manager) Steer(id, text string) (accepted bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok || s.State != StatePending {
		return false
	}
	s.SteeringQueue = append(s.SteeringQueue, chatmodel.ChatMessage{Role: chatmodel.RoleUser, Text: text})
	return true
}

// Interrupt implements session.interrupt: idempotent.
func (m *Manager) Interrupt(id string) (interrupted bool) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || s.ActiveAbort == nil || s.ActiveAbort.Aborted() {
		m.mu.Unlock()
		return false
	}
	s.State = StateInterrupting
	s.StatusLabel = "interrupting"
	abort := s.ActiveAbort
	m.mu.Unlock()

	abort.Abort()
	m.emitStatus(id, true, "interrupting")
	return true
}

// QueueList implements session.queue.list.
func (m *Manager) QueueList(id string) ([]chatmodel.TurnQueueItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return append([]chatmodel.TurnQueueItem(nil), s.QueuedPrompts...), true
}

// QueueClear implements session.queue.clear.
func (m *Manager) QueueClear(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false
	}
	s.QueuedPrompts = nil
	if s.State == StateReady {
		s.StatusLabel = "ready"
	}
	return true
}

// CompressNow implements the manual `/compression` slash command
// (spec.md §4.6: "Manual invocation via command.execute '/compression' is
// always allowed"). No-op if the session is busy or unknown — manual
// compression never races a running turn.
func (m *Manager) CompressNow(id string) (compression.Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok || s.State != StateReady {
		return compression.Result{}, false
	}
	sel := m.deps.CurrentSelection()
	result := compression.Compress(s.History, compression.ReasonManual, sel.Model)
	s.History = result.History
	return result, true
}

// ClearHistory implements history.clear_session: resets history, UI,
// queues, and active rollout; state returns to Ready.
func (m *Manager) ClearHistory(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false
	}
	if s.ActiveRollout != nil {
		_ = s.ActiveRollout.Close()
		s.ActiveRollout = nil
	}
	s.History = nil
	s.UIMessages = nil
	s.nextUIID = 0
	s.QueuedPrompts = nil
	s.SteeringQueue = nil
	s.HasConversation = false
	s.State = StateReady
	s.StatusLabel = "ready"
	return true
}

// Shutdown aborts every session's active turn, clears both queues, and
// emits a final state.changed (spec.md §5).
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.shuttingDown = true
	var aborts []*AbortHandle
	for _, s := range m.sessions {
		if s.ActiveAbort != nil {
			aborts = append(aborts, s.ActiveAbort)
		}
		s.QueuedPrompts = nil
		s.SteeringQueue = nil
	}
	m.mu.Unlock()

	for _, a := range aborts {
		a.Abort()
	}
	m.emitState("shutdown")
}

func newTurnID() string {
	return fmt.Sprintf("turn-%d", time.Now().UnixNano())
}

func (m *Manager) emitState(reason string) {
	if m.deps.Events != nil {
		m.deps.Events.StateChanged(reason)
	}
}

func (m *Manager) emitStatus(id string, pending bool, label string) {
	if m.deps.Events != nil {
		m.deps.Events.SessionStatus(id, pending, label)
	}
}
