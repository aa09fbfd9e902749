// Package session implements the Session Manager (C8, spec.md §4.1): the
// per-session state machine (Ready/Pending/Interrupting), its prompt and
// steering queues, and the Manager that owns the session map and drives
// turns via the turn engine.
//
// Grounded on the teacher's internal/session.Session for the aggregate
// shape (ID + history + timestamps), generalized with the queue/state-
// machine fields spec.md §3 adds, and on internal/agent/agent.go for the
// turn-spawning/mutex discipline (a session's mutable fields are touched
// only while holding the manager's lock; snapshot readers get a deep
// copy).
package session

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/apexion-ai/apexion-runtime/internal/chatmodel"
	"github.com/apexion-ai/apexion-runtime/internal/model"
	"github.com/apexion-ai/apexion-runtime/internal/rollout"
)

// State is the session's position in the Ready/Pending/Interrupting
// machine (spec.md §4.7).
type State string

const (
	StateReady        State = "ready"
	StatePending       State = "pending"
	StateInterrupting State = "interrupting"
)

// AbortHandle is the turn-scoped cancellation controller (spec.md §3): a
// thin wrapper over a cancel function so this package doesn't need to
// import context just to store one.
type AbortHandle struct {
	cancel  func()
	aborted atomic.Bool
}

// NewAbortHandle wraps a cancel function.
func NewAbortHandle(cancel func()) *AbortHandle {
	return &AbortHandle{cancel: cancel}
}

// Abort signals cancellation. Idempotent (spec.md §4.7 "Aborting is
// idempotent").
func (h *AbortHandle) Abort() {
	if h == nil || !h.aborted.CompareAndSwap(false, true) {
		return
	}
	h.cancel()
}

// Aborted reports whether Abort has already fired.
func (h *AbortHandle) Aborted() bool { return h != nil && h.aborted.Load() }

// Session is the central aggregate of spec.md §3. Exported fields are
// read/written only by Manager while holding its own lock (see manager.go);
// callers never reach into a Session directly — they go through Manager's
// methods, which return copies.
type Session struct {
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time

	State       State
	StatusLabel string

	History    []chatmodel.ChatMessage
	UIMessages []chatmodel.RuntimeUiMessage
	nextUIID   int64

	QueuedPrompts []chatmodel.TurnQueueItem
	SteeringQueue []chatmodel.ChatMessage

	ConversationProvider model.Provider
	HasConversation      bool // false until the first turn sets ConversationProvider

	ActiveRollout *rollout.Handle
	ActiveAbort   *AbortHandle
}

// newSession creates a fresh, empty session in the Ready state.
func newSession(title string) *Session {
	now := time.Now()
	s := &Session{
		ID:          uuid.NewString(),
		CreatedAt:   now,
		UpdatedAt:   now,
		State:       StateReady,
		StatusLabel: "ready",
	}
	if title != "" {
		s.appendUI(chatmodel.RuntimeUiMessage{Role: chatmodel.UiRoleSystem, Text: "Session created: " + title})
	}
	return s
}

func (s *Session) appendUI(msg chatmodel.RuntimeUiMessage) chatmodel.RuntimeUiMessage {
	s.nextUIID++
	msg.ID = s.nextUIID
	s.UIMessages = append(s.UIMessages, msg)
	return msg
}

// snapshot returns a defensive deep copy for the `get` RPC operation and
// any other external reader (spec.md §5 "Readers ... must observe a
// consistent snapshot").
func (s *Session) snapshot() Session {
	cp := *s
	cp.History = append([]chatmodel.ChatMessage(nil), s.History...)
	cp.UIMessages = append([]chatmodel.RuntimeUiMessage(nil), s.UIMessages...)
	cp.QueuedPrompts = append([]chatmodel.TurnQueueItem(nil), s.QueuedPrompts...)
	cp.SteeringQueue = append([]chatmodel.ChatMessage(nil), s.SteeringQueue...)
	// ActiveRollout/ActiveAbort are left as the same pointers: they are
	// handles, not value state, and a snapshot reader never mutates them.
	return cp
}
