// Package provider defines the Provider Stream Adapter contract (C6,
// spec.md §4.4) shared by the three backends (Primary, Secondary, Router)
// and the request/event types the turn engine (C7) exchanges with them.
//
// Grounded on the teacher's internal/provider.Provider interface (unified
// Chat/Event shape) and aictl/internal/provider/anthropic.go's SSE state
// machine, generalized from a single in-process channel-based Chat call
// into the callback-driven contract (onChunk/onDebug/drainSteering) §4.4
// requires, so the turn engine can observe deltas, drain steering at a
// documented boundary, and detect abort distinctly from upstream errors.
package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/apexion-ai/apexion-runtime/internal/chatmodel"
	"github.com/apexion-ai/apexion-runtime/internal/model"
)

// ToolDeclaration is one tool advertised to the model for this round.
type ToolDeclaration struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema properties
}

// InputItem is one item in the ordered request input (§4.3): either a
// plain conversation message, a replayed function call, or its output.
type InputItemKind string

const (
	InputItemMessage      InputItemKind = "message"
	InputItemFunctionCall InputItemKind = "function_call"
	InputItemFunctionOut  InputItemKind = "function_call_output"
)

type InputItem struct {
	Kind InputItemKind

	Message *chatmodel.ChatMessage

	Call *chatmodel.FunctionCallItem

	CallOutput *chatmodel.FunctionCallOutputItem
}

// ChatRequest is one round's request to a provider adapter.
type ChatRequest struct {
	Credentials      Credentials
	Model            string
	Input            []InputItem
	Tools            []ToolDeclaration
	ThinkingLevel    model.ThinkingLevel
	IncludeThoughts  bool
	SystemInstruction string

	// ForcedSubProvider is Router-only: a specific sub-provider tag, or
	// "any"/"" to let the aggregator choose (spec.md §4.3).
	ForcedSubProvider string
}

// Credentials is an opaque bag of whatever the adapter needs (OAuth token,
// API key, etc). The runtime never inspects contents; only the adapter
// that issued/consumes them does, per spec.md §1's OAuth non-goal.
type Credentials map[string]string

// ChunkKind distinguishes a thought delta from an answer delta.
type ChunkKind string

const (
	ChunkThought ChunkKind = "thought"
	ChunkAnswer  ChunkKind = "answer"
)

// Segment is one piece of a StreamChunk.
type Segment struct {
	Kind ChunkKind
	Text string
}

// StreamChunk is one unit of streamed output handed to onChunk.
type StreamChunk struct {
	Segments   []Segment
	Thoughts   []string
	AnswerText string // cumulative answer text observed so far, if the adapter tracks it
}

// DebugEvent carries adapter-internal diagnostics (raw frames, retry
// attempts) surfaced via onDebug for the session.debug event type.
type DebugEvent struct {
	Message string
	Data    map[string]any
}

// Usage reports one round's token counts, when the adapter's transport
// exposes them (both SDKs used here do, via their final usage frame).
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// TurnResult is what stream() returns once a round ends.
type TurnResult struct {
	Answer      string
	OutputItems []chatmodel.FunctionCallItem
	Completed   bool   // true only on a provider-signaled terminal success
	StatusToken string // provider-specific status, e.g. "completed"|"failed"|"cancelled"
	Usage       Usage
}

// OnChunk is invoked for every StreamChunk as it arrives.
type OnChunk func(StreamChunk)

// OnDebug is invoked for adapter diagnostics.
type OnDebug func(DebugEvent)

// DrainSteering is called by the adapter exactly once, at its documented
// pre-round boundary, to pull any steering messages queued mid-turn.
type DrainSteering func() []chatmodel.ChatMessage

// StreamRequest bundles a ChatRequest with the turn engine's callbacks and
// cancellation/steering hooks, matching spec.md §4.4's stream() contract.
type StreamRequest struct {
	Request       *ChatRequest
	OnChunk       OnChunk
	OnDebug       OnDebug
	AbortSignal   context.Context
	DrainSteering DrainSteering
}

// Adapter is the Provider Stream Adapter contract (C6). Each of the three
// backends is a concrete struct implementing this, never a dynamic
// dispatch over message shapes (spec.md §9 "tagged variants over
// inheritance").
type Adapter interface {
	// Kind reports which Provider variant this adapter implements.
	Kind() model.Provider

	// Stream drives one round: issues the request, forwards chunks,
	// collects function-call items, and reports completion. Honors
	// req.AbortSignal by returning an *AbortError (see IsAbort).
	Stream(ctx context.Context, req StreamRequest) (TurnResult, error)
}

// AbortError is the distinctive abort marker spec.md §4.4/§7 requires so
// the turn engine can tell abort apart from upstream failures. Every I/O
// helper in this package returns this sentinel (wrapped) on cancellation.
type AbortError struct {
	Cause error
}

func (e *AbortError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("aborted: %v", e.Cause)
	}
	return "aborted"
}

func (e *AbortError) Unwrap() error { return e.Cause }

// IsAbort reports whether err is (or wraps) an AbortError.
func IsAbort(err error) bool {
	var ae *AbortError
	return asAbort(err, &ae)
}

func asAbort(err error, target **AbortError) bool {
	for err != nil {
		if ae, ok := err.(*AbortError); ok {
			*target = ae
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// UpstreamError wraps a non-2xx / stream-error-frame / failed|cancelled
// status from the provider (spec.md §7 "Upstream").
type UpstreamError struct {
	StatusToken string
	Cause       error
}

func (e *UpstreamError) Error() string {
	if e.StatusToken != "" {
		return fmt.Sprintf("upstream error (%s): %v", e.StatusToken, e.Cause)
	}
	return fmt.Sprintf("upstream error: %v", e.Cause)
}

func (e *UpstreamError) Unwrap() error { return e.Cause }

// MarshalArguments re-serializes a value to the exact JSON string form
// used for FunctionCallItem.Arguments, only used when an adapter builds
// arguments itself rather than passing through provider bytes verbatim.
func MarshalArguments(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}
