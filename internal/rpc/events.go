package rpc

import (
	"context"
	"log"
	"sync"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/apexion-ai/apexion-runtime/internal/chatmodel"
	"github.com/apexion-ai/apexion-runtime/internal/provider"
	"github.com/apexion-ai/apexion-runtime/internal/session"
)

// eventForwarder is a session.EventSink whose target can be swapped after
// construction. session.Manager is built once at process start (Deps.Events
// must be set then), but the connection-bound connEventSink only exists
// once Router.Serve has a live *jsonrpc2.Conn. A NewEventForwarder is handed
// to both session.Manager (as its fixed Deps.Events) and rpc.NewRouter (as
// Deps.Events); Router.Serve then points it at the real connection. Events
// raised before any connection attaches are dropped, matching how a TUI
// discards renders with nobody watching.
type eventForwarder struct {
	mu     sync.Mutex
	target session.EventSink
}

// NewEventForwarder returns an EventSink with no target; events sent to it
// are silently dropped until SetTarget is called.
func NewEventForwarder() session.EventSink {
	return &eventForwarder{}
}

// SetTarget redirects all future events to sink. Safe for concurrent use
// with the EventSink methods below.
func (f *eventForwarder) SetTarget(sink session.EventSink) {
	f.mu.Lock()
	f.target = sink
	f.mu.Unlock()
}

func (f *eventForwarder) current() session.EventSink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.target
}

// event is the wire shape for every notification on the event stream
// (spec.md §4.8: "Separate channel; each event is {type, payload}").
type event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// connEventSink implements session.EventSink by notifying the connection
// it was built from. One is created per connection in Router.Serve. When
// Deps.Events is an eventForwarder, Serve points it at the newest
// connection's sink, so that connection receives every session's events
// (the Manager is process-global) and earlier connections receive none.
type connEventSink struct {
	conn *jsonrpc2.Conn
}

func newConnEventSink(conn *jsonrpc2.Conn) *connEventSink {
	return &connEventSink{conn: conn}
}

func (s *connEventSink) notify(evType string, payload any) {
	if err := s.conn.Notify(context.Background(), "event", event{Type: evType, Payload: payload}); err != nil {
		log.Printf("rpc: event notify failed (%s): %v", evType, err)
	}
}

func (s *connEventSink) StateChanged(reason string) {
	s.notify("state.changed", map[string]string{"reason": reason})
}

func (s *connEventSink) SessionStatus(sessionID string, pending bool, statusLabel string) {
	s.notify("session.status", map[string]any{
		"session_id":   sessionID,
		"pending":      pending,
		"status_label": statusLabel,
	})
}

func (s *connEventSink) MessageAppended(sessionID string, msg chatmodel.RuntimeUiMessage) {
	s.notify("session.message.appended", map[string]any{
		"session_id": sessionID,
		"message":    msg,
	})
}

func (s *connEventSink) StreamChunk(sessionID string, chunk provider.StreamChunk) {
	s.notify("session.stream.chunk", map[string]any{
		"session_id": sessionID,
		"chunk":      chunk,
	})
}

func (s *connEventSink) ToolCallStarted(sessionID, callID, name string) {
	s.notify("session.tool.call.started", map[string]string{
		"session_id": sessionID,
		"call_id":    callID,
		"name":       name,
	})
}

func (s *connEventSink) ToolCallCompleted(sessionID, callID string, output chatmodel.FunctionCallOutputItem) {
	s.notify("session.tool.call.completed", map[string]any{
		"session_id": sessionID,
		"call_id":    callID,
		"output":     output,
	})
}

func (s *connEventSink) Completed(sessionID string) {
	s.notify("session.completed", map[string]string{"session_id": sessionID})
}

func (s *connEventSink) Interrupted(sessionID string) {
	s.notify("session.interrupted", map[string]any{
		"session_id":     sessionID,
		"partial_output": true,
	})
}

func (s *connEventSink) SessionError(sessionID, message string) {
	s.notify("session.error", map[string]string{
		"session_id": sessionID,
		"message":    message,
	})
}

func (s *connEventSink) Debug(sessionID string, ev provider.DebugEvent) {
	s.notify("session.debug", map[string]any{
		"session_id": sessionID,
		"event":      ev,
	})
}

func (f *eventForwarder) StateChanged(reason string) {
	if t := f.current(); t != nil {
		t.StateChanged(reason)
	}
}

func (f *eventForwarder) SessionStatus(sessionID string, pending bool, statusLabel string) {
	if t := f.current(); t != nil {
		t.SessionStatus(sessionID, pending, statusLabel)
	}
}

func (f *eventForwarder) MessageAppended(sessionID string, msg chatmodel.RuntimeUiMessage) {
	if t := f.current(); t != nil {
		t.MessageAppended(sessionID, msg)
	}
}

func (f *eventForwarder) StreamChunk(sessionID string, chunk provider.StreamChunk) {
	if t := f.current(); t != nil {
		t.StreamChunk(sessionID, chunk)
	}
}

func (f *eventForwarder) ToolCallStarted(sessionID, callID, name string) {
	if t := f.current(); t != nil {
		t.ToolCallStarted(sessionID, callID, name)
	}
}

func (f *eventForwarder) ToolCallCompleted(sessionID, callID string, output chatmodel.FunctionCallOutputItem) {
	if t := f.current(); t != nil {
		t.ToolCallCompleted(sessionID, callID, output)
	}
}

func (f *eventForwarder) Completed(sessionID string) {
	if t := f.current(); t != nil {
		t.Completed(sessionID)
	}
}

func (f *eventForwarder) Interrupted(sessionID string) {
	if t := f.current(); t != nil {
		t.Interrupted(sessionID)
	}
}

func (f *eventForwarder) SessionError(sessionID, message string) {
	if t := f.current(); t != nil {
		t.SessionError(sessionID, message)
	}
}

func (f *eventForwarder) Debug(sessionID string, ev provider.DebugEvent) {
	if t := f.current(); t != nil {
		t.Debug(sessionID, ev)
	}
}
