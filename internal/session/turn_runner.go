package session

import (
	"context"

	"github.com/apexion-ai/apexion-runtime/internal/chatmodel"
	"github.com/apexion-ai/apexion-runtime/internal/model"
	"github.com/apexion-ai/apexion-runtime/internal/provider"
	"github.com/apexion-ai/apexion-runtime/internal/rollout"
	"github.com/apexion-ai/apexion-runtime/internal/turn"
)

// runTurn drives one turn.Run call for a session and applies its Outcome
// back onto the Session under lock, then auto-advances the FIFO queue
// (spec.md §4.1 "Auto-advance rule"). Grounded on the teacher's
// internal/agent.Agent.Run goroutine-per-turn dispatch.
func (m *Manager) runTurn(ctx context.Context, id, turnID, text string, images []chatmodel.ChatImageAttachment, adapter provider.Adapter, sel Selection, creds provider.Credentials) {
	rolloutHandle := m.openRollout(id, sel.Model.Provider)

	p := turn.Params{
		Adapter:           adapter,
		ToolRuntime:       m.deps.ToolRuntime,
		Model:             sel.Model,
		Credentials:       creds,
		SystemInstruction: m.deps.SystemInstruction,
		ThinkingLevel:     sel.ThinkingLevel,
		ForcedSubProvider: sel.ForcedSubProvider,
		UserText:          text,
		UserImages:        images,
		Rollout:           rolloutHandle,
		DrainSteering:     func() []chatmodel.ChatMessage { return m.drainSteering(id) },
		OnUI: func(msg chatmodel.RuntimeUiMessage) {
			m.appendUI(id, msg)
		},
		OnChunk: func(c provider.StreamChunk) {
			if m.deps.Events != nil {
				m.deps.Events.StreamChunk(id, c)
			}
		},
		OnToolStarted: func(callID, name string) {
			if m.deps.Events != nil {
				m.deps.Events.ToolCallStarted(id, callID, name)
			}
		},
		OnToolCompleted: func(callID string, out chatmodel.FunctionCallOutputItem) {
			if m.deps.Events != nil {
				m.deps.Events.ToolCallCompleted(id, callID, out)
			}
		},
		OnDebug: func(ev provider.DebugEvent) {
			if m.deps.Events != nil {
				m.deps.Events.Debug(id, ev)
			}
		},
	}

	m.mu.Lock()
	if s, ok := m.sessions[id]; ok {
		p.History = append([]chatmodel.ChatMessage(nil), s.History...)
		p.ConversationProvider = s.ConversationProvider
		if !s.HasConversation {
			p.ConversationProvider = sel.Model.Provider // no prior conversation: no switch penalty
		}
	}
	m.mu.Unlock()

	outcome := turn.Run(ctx, p)

	m.applyOutcome(id, outcome)
}

// openRollout creates a fresh rollout file for this turn. Rollout
// creation is best-effort: on failure the turn simply proceeds without
// one (spec.md §4.1/§9).
func (m *Manager) openRollout(sessionID string, p model.Provider) *rollout.Handle {
	if m.deps.RolloutStore == nil {
		return nil
	}
	h, err := m.deps.RolloutStore.Create(sessionID, p)
	if err != nil {
		return nil
	}
	return h
}

func (m *Manager) drainSteering(id string) []chatmodel.ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || len(s.SteeringQueue) == 0 {
		return nil
	}
	drained := s.SteeringQueue
	s.SteeringQueue = nil
	return drained
}

func (m *Manager) appendUI(id string, msg chatmodel.RuntimeUiMessage) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	appended := s.appendUI(msg)
	m.mu.Unlock()

	if m.deps.Events != nil {
		m.deps.Events.MessageAppended(id, appended)
	}
}

func (m *Manager) applyOutcome(id string, outcome turn.Outcome) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return
	}

	s.History = outcome.History
	s.ConversationProvider = outcome.ConversationProvider
	s.HasConversation = true
	if outcome.RolloutReset && s.ActiveRollout != nil {
		_ = s.ActiveRollout.Close()
		s.ActiveRollout = nil
	}

	s.ActiveAbort = nil
	var next *chatmodel.TurnQueueItem
	if !m.shuttingDown && len(s.QueuedPrompts) > 0 {
		item := s.QueuedPrompts[0]
		s.QueuedPrompts = s.QueuedPrompts[1:]
		next = &item
	}
	if next == nil {
		s.State = StateReady
		s.StatusLabel = "ready"
	}
	m.mu.Unlock()

	switch {
	case outcome.Aborted:
		if m.deps.Events != nil {
			m.deps.Events.Interrupted(id)
		}
	case outcome.Err != nil:
		if m.deps.Events != nil {
			m.deps.Events.SessionError(id, outcome.Err.Error())
		}
	default:
		if m.deps.Events != nil {
			m.deps.Events.Completed(id)
		}
	}

	if next != nil {
		m.emitStatus(id, true, "running")
		go func() {
			sel := m.deps.CurrentSelection()
			adapter, ok := m.deps.Adapters[sel.Model.Provider]
			if !ok {
				m.mu.Lock()
				if s, ok := m.sessions[id]; ok {
					s.State = StateReady
					s.StatusLabel = "ready"
				}
				m.mu.Unlock()
				return
			}
			creds, ok := m.deps.Credentials(sel.Model.Provider)
			if !ok {
				m.mu.Lock()
				if s, ok := m.sessions[id]; ok {
					s.State = StateReady
					s.StatusLabel = "ready"
				}
				m.mu.Unlock()
				return
			}
			turnCtx, cancel := context.WithCancel(context.Background())
			m.mu.Lock()
			if s, ok := m.sessions[id]; ok {
				s.ActiveAbort = NewAbortHandle(cancel)
			}
			m.mu.Unlock()
			m.runTurn(turnCtx, id, next.ID, next.Text, next.Images, adapter, sel, creds)
		}()
	} else {
		m.emitStatus(id, false, "ready")
	}
}
