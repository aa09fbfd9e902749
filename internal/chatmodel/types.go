// Package chatmodel holds the conversation data model shared by the
// session manager, turn engine, and provider adapters (spec.md §3):
// ChatMessage, ChatImageAttachment, RuntimeUiMessage, TurnQueueItem, and
// the transport-local function-call items a turn replays across rounds.
//
// It intentionally mirrors the shape of the teacher's
// internal/provider.Message / Content types (role + content blocks) but
// separates "canonical persisted conversation" (ChatMessage) from
// "transport-only tool exchange" (FunctionCallItem / FunctionCallOutputItem),
// per spec.md §3: "Tool exchanges are not modeled here; they live only
// inside a single turn's transport input."
package chatmodel

import "encoding/json"

// Role identifies the speaker of a ChatMessage.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ImageMimeType enumerates the accepted attachment formats (spec.md §6).
type ImageMimeType string

const (
	MimePNG  ImageMimeType = "png"
	MimeJPEG ImageMimeType = "jpeg"
	MimeWebP ImageMimeType = "webp"
	MimeGIF  ImageMimeType = "gif"
)

// MaxImageBytes is the attachment size ceiling from spec.md §3/§6.
const MaxImageBytes = 8 * 1024 * 1024

// ChatImageAttachment is a validated, normalized image ready for inclusion
// in a ChatMessage.
type ChatImageAttachment struct {
	Path     string // original path, "" if the input was an inline data URL
	MimeType ImageMimeType
	DataURL  string // "data:<mime>;base64,<...>"
	ByteSize int
}

// ChatMessage is one turn-level message in the canonical persisted
// conversation (spec.md §3). Tool exchanges never appear here.
type ChatMessage struct {
	Role   Role
	Text   string
	Images []ChatImageAttachment
}

// RuntimeUiMessage is a monotonically ID'd display row, not necessarily
// 1:1 with ChatMessage (system rows are UI-only).
type RuntimeUiRole string

const (
	UiRoleUser      RuntimeUiRole = "user"
	UiRoleAssistant RuntimeUiRole = "assistant"
	UiRoleSystem    RuntimeUiRole = "system"
)

type RuntimeUiMessage struct {
	ID     int64
	Role   RuntimeUiRole
	Text   string
	Images []ChatImageAttachment
}

// TurnQueueItem is a prompt waiting in a session's FIFO queue.
type TurnQueueItem struct {
	ID         string
	Text       string
	Images     []ChatImageAttachment
	EnqueuedAt int64 // unix nanos; caller-supplied so the package stays pure
}

// FunctionCallItem is the transport-local representation of one tool call
// emitted by a provider, preserved verbatim (call_id/name/arguments) for
// replay per spec.md §4.2 item 2 and §4.4.
type FunctionCallItem struct {
	CallID    string
	Name      string
	Arguments string // exact JSON-string arguments, never re-encoded
	Status    FunctionCallStatus
}

type FunctionCallStatus string

const (
	FunctionCallCompleted  FunctionCallStatus = "completed"
	FunctionCallFailed     FunctionCallStatus = "failed"
	FunctionCallCancelled  FunctionCallStatus = "cancelled"
	FunctionCallInProgress FunctionCallStatus = "in_progress"
)

// Actionable reports whether a call's status means it should be
// executed (dropped: failed|cancelled|in_progress, per spec.md §4.2 item 1).
func (s FunctionCallStatus) Actionable() bool {
	return s == "" || s == FunctionCallCompleted
}

// FunctionCallOutputPart is one piece of a (possibly mixed) tool output.
type FunctionCallOutputPartType string

const (
	OutputPartText  FunctionCallOutputPartType = "input_text"
	OutputPartImage FunctionCallOutputPartType = "input_image"
)

type FunctionCallOutputPart struct {
	Type     FunctionCallOutputPartType
	Text     string // input_text
	ImageURL string // input_image: data URL or remote URL
}

// FunctionCallOutputItem is the result of executing a FunctionCallItem,
// matched back to it by CallID.
type FunctionCallOutputItem struct {
	CallID  string
	OK      bool
	Parts   []FunctionCallOutputPart
	IsError bool
}

// RawOutputToParts converts an arbitrary tool output value (string, JSON
// value, or already-structured mixed content) into output parts without
// inspecting domain semantics, per spec.md §4.5.
func RawOutputToParts(output any) []FunctionCallOutputPart {
	switch v := output.(type) {
	case nil:
		return nil
	case string:
		return []FunctionCallOutputPart{{Type: OutputPartText, Text: v}}
	case []FunctionCallOutputPart:
		return v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return []FunctionCallOutputPart{{Type: OutputPartText, Text: ""}}
		}
		return []FunctionCallOutputPart{{Type: OutputPartText, Text: string(encoded)}}
	}
}
