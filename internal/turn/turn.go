// Package turn implements the turn engine (C7): see assemble.go for the
// request-assembly helpers and replay.go for the follow-up input eligible
// for per-round replay. This file holds the orchestrating Run loop
// implementing spec.md §4.2's runTurn pseudocode end to end.
package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/apexion-ai/apexion-runtime/internal/chatmodel"
	"github.com/apexion-ai/apexion-runtime/internal/compression"
	"github.com/apexion-ai/apexion-runtime/internal/model"
	"github.com/apexion-ai/apexion-runtime/internal/provider"
	"github.com/apexion-ai/apexion-runtime/internal/rollout"
)

// defaultMaxRounds bounds the stream/execute interleaving as a last-resort
// safety net; the failure-loop detector (failureloop.go) is what normally
// ends a genuinely stuck turn well before this is reached.
const defaultMaxRounds = 64

// Params is everything one call to Run needs. The caller (session manager,
// C8) is responsible for: loading/validating image attachments before
// building UserImages, resolving the provider Adapter + Credentials for
// the current selection, and opening/closing the rollout Handle.
type Params struct {
	Adapter     provider.Adapter
	ToolRuntime ToolRuntime

	Model             model.ModelOption
	Credentials       provider.Credentials
	SystemInstruction string
	ThinkingLevel     model.ThinkingLevel
	IncludeThoughts   bool
	ForcedSubProvider string

	// History is the persisted conversation before this turn; ConversationProvider
	// is the provider that produced it (used for the provider-switch
	// compression rule, spec.md §4.2/§4.6 step 7).
	History              []chatmodel.ChatMessage
	ConversationProvider model.Provider

	UserText   string
	UserImages []chatmodel.ChatImageAttachment

	// DrainSteering pulls whatever is queued in the session's steering
	// queue; the adapter invokes it exactly once per round at its
	// pre-round boundary (spec.md §4.4/§4.7).
	DrainSteering func() []chatmodel.ChatMessage

	// Rollout is the already-open handle to append to, or nil if rollout
	// creation failed (the turn proceeds rollout-less per spec.md §4.1/§9).
	Rollout *rollout.Handle

	OnUI            func(chatmodel.RuntimeUiMessage)
	OnChunk         func(provider.StreamChunk)
	OnToolStarted   func(callID, name string)
	OnToolCompleted func(callID string, output chatmodel.FunctionCallOutputItem)
	OnDebug         func(provider.DebugEvent)
	OnRolloutError  func(error)

	MaxRounds int
}

// Outcome is Run's terminal report. The session manager applies History/
// ConversationProvider/RolloutReset back onto the Session and drives the
// Ready/Interrupting state transition from Aborted/Err.
type Outcome struct {
	History              []chatmodel.ChatMessage
	ConversationProvider model.Provider
	RolloutReset         bool

	// Usage sums every round's token counts for this turn (spec.md §6
	// "cost tracking" supplement; see internal/usage).
	Usage provider.Usage

	Aborted               bool
	Err                   error
	LeftoverSteeringCount int
}

// Run executes one turn: pre-loop compression, the stream/tool-execute
// round loop, streaming reconciliation, and persistence, implementing
// spec.md §4.2's runTurn contract. Grounded on the teacher's
// internal/agent/loop.go runAgentLoop for the overall shape (per-turn
// cancellation, retry loop, doom-loop checks, "finally" bookkeeping),
// generalized to the provider.Adapter contract and the exact compression/
// dedup/reconciliation rules spec.md specifies precisely.
func Run(ctx context.Context, p Params) Outcome {
	history := append([]chatmodel.ChatMessage(nil), p.History...)
	convProvider := p.ConversationProvider
	rolloutReset := false

	providerSwitched := convProvider != p.Model.Provider && len(history) > 0
	switch {
	case providerSwitched:
		result := compression.Compress(history, compression.ReasonProviderSwitch, p.Model)
		history = result.History
		convProvider = p.Model.Provider
		rolloutReset = true
		p.emitUI(chatmodel.RuntimeUiMessage{
			Role: chatmodel.UiRoleSystem,
			Text: fmt.Sprintf("Conversation compressed for provider switch (%d -> %d estimated tokens).", result.BeforeTokens, result.AfterTokens),
		})
	case compression.ShouldAutoCompact(history, p.Model):
		result := compression.Compress(history, compression.ReasonAuto, p.Model)
		history = result.History
		p.emitUI(chatmodel.RuntimeUiMessage{
			Role: chatmodel.UiRoleSystem,
			Text: fmt.Sprintf("Conversation compressed automatically (%d -> %d estimated tokens).", result.BeforeTokens, result.AfterTokens),
		})
	}

	userMessage := BuildUserMessage(p.UserText, p.UserImages)
	p.emitUI(chatmodel.RuntimeUiMessage{Role: chatmodel.UiRoleUser, Text: userMessage.Text, Images: userMessage.Images})
	p.writeRollout(userMessage)

	maxRounds := p.MaxRounds
	if maxRounds <= 0 {
		maxRounds = defaultMaxRounds
	}

	baseInput := buildBaseInput(history, userMessage)
	var prevRound *roundState
	var steeringLog []chatmodel.ChatMessage
	var totalUsage provider.Usage
	failDetector := &failureLoopDetector{}

	for round := 0; round < maxRounds; round++ {
		// Steering drained in an earlier round of this turn was already
		// sent to the provider for that round; carry it forward here too
		// (ahead of the replayed assistant/call items, spec.md §4.3 item 2)
		// so later rounds don't lose track of it.
		input := appendSteering(baseInput, steeringLog)
		if prevRound != nil {
			input = appendReplay(input, *prevRound)
		}

		result, streamedDraft, steeringDrained, err := p.streamRoundWithRetry(ctx, input)
		if err != nil {
			if provider.IsAbort(err) {
				out := p.finishAborted(history, userMessage, steeringLog, prevRound, convProvider, rolloutReset)
				out.Usage = totalUsage
				return out
			}
			p.emitUI(chatmodel.RuntimeUiMessage{Role: chatmodel.UiRoleSystem, Text: "Error: " + err.Error()})
			return Outcome{History: history, ConversationProvider: convProvider, RolloutReset: rolloutReset, Err: err, Usage: totalUsage}
		}
		// Recorded into history/rollout once the turn settles (ordered
		// after the user message, before the final assistant message);
		// the UI row fires here, as the steering is actually observed.
		for _, m := range steeringDrained {
			p.writeRollout(m)
			p.emitUI(chatmodel.RuntimeUiMessage{Role: chatmodel.UiRoleUser, Text: m.Text, Images: m.Images})
		}
		steeringLog = append(steeringLog, steeringDrained...)
		totalUsage.InputTokens += result.Usage.InputTokens
		totalUsage.OutputTokens += result.Usage.OutputTokens

		calls := SelectActionableFunctionCalls(result.OutputItems)

		if len(calls) > 0 {
			outputs := p.executeCalls(ctx, calls)

			switch failDetector.check(calls, outputsSlice(outputs, calls)) {
			case doomLoopStop:
				p.emitUI(chatmodel.RuntimeUiMessage{Role: chatmodel.UiRoleSystem, Text: "Stopping: the same tool call keeps failing."})
				assistant := chatmodel.ChatMessage{Role: chatmodel.RoleAssistant, Text: result.Answer}
				history = append(history, userMessage)
				history = append(history, steeringLog...)
				history = append(history, assistant)
				p.writeRollout(assistant)
				return Outcome{History: history, ConversationProvider: convProvider, RolloutReset: rolloutReset, LeftoverSteeringCount: p.reportLeftoverSteering(len(steeringLog) == 0), Usage: totalUsage}
			case doomLoopWarn:
				p.emitUI(chatmodel.RuntimeUiMessage{Role: chatmodel.UiRoleSystem, Text: "Note: the same tool call has failed more than once."})
			}

			prevRound = &roundState{assistantText: result.Answer, calls: calls, outputs: outputs}
			continue
		}

		// No function calls: either this round is terminal, or the
		// provider closed the stream prematurely and must be re-issued
		// (spec.md §4.2: "stream ended before a terminal ... continue loop").
		if !result.Completed {
			prevRound = &roundState{assistantText: result.Answer}
			continue
		}

		// Streaming reconciliation (spec.md §4.2 item 3): the adapter's
		// TurnResult.Answer is authoritative; if it strictly extends what
		// was actually forwarded via onChunk, emit the missing suffix so
		// the UI ends up with the complete text.
		finalAnswer := result.Answer
		delta := ComputeUnstreamedAnswerDelta(finalAnswer, streamedDraft)
		if delta != "" && p.OnChunk != nil {
			p.OnChunk(provider.StreamChunk{
				Segments:   []provider.Segment{{Kind: provider.ChunkAnswer, Text: delta}},
				AnswerText: finalAnswer,
			})
		}

		assistant := chatmodel.ChatMessage{Role: chatmodel.RoleAssistant, Text: finalAnswer}
		history = append(history, userMessage)
		history = append(history, steeringLog...)
		history = append(history, assistant)
		p.writeRollout(assistant)
		p.emitUI(chatmodel.RuntimeUiMessage{Role: chatmodel.UiRoleAssistant, Text: finalAnswer})

		return Outcome{History: history, ConversationProvider: convProvider, RolloutReset: rolloutReset, LeftoverSteeringCount: p.reportLeftoverSteering(len(steeringLog) == 0), Usage: totalUsage}
	}

	err := fmt.Errorf("turn exceeded %d rounds without completing", maxRounds)
	p.emitUI(chatmodel.RuntimeUiMessage{Role: chatmodel.UiRoleSystem, Text: err.Error()})
	return Outcome{History: history, ConversationProvider: convProvider, RolloutReset: rolloutReset, Err: err, Usage: totalUsage}
}

func (p Params) finishAborted(history []chatmodel.ChatMessage, userMessage chatmodel.ChatMessage, steeringLog []chatmodel.ChatMessage, prev *roundState, convProvider model.Provider, rolloutReset bool) Outcome {
	history = append(history, userMessage)
	history = append(history, steeringLog...)
	if prev != nil && prev.assistantText != "" {
		assistant := chatmodel.ChatMessage{Role: chatmodel.RoleAssistant, Text: prev.assistantText}
		history = append(history, assistant)
		p.writeRollout(assistant)
	}
	p.emitUI(chatmodel.RuntimeUiMessage{Role: chatmodel.UiRoleSystem, Text: "Response interrupted."})
	return Outcome{History: history, ConversationProvider: convProvider, RolloutReset: rolloutReset, Aborted: true, LeftoverSteeringCount: p.reportLeftoverSteering(len(steeringLog) == 0)}
}

// reportLeftoverSteering implements spec.md §4.7's drop rule: when no
// round of this turn drained the steering queue at all, whatever is left
// queued at turn end is dropped and its count reported via a UI row.
// Steering drained by at least one round has already been recorded into
// history/rollout/UI as it happened.
func (p Params) reportLeftoverSteering(noneDrainedThisTurn bool) int {
	if !noneDrainedThisTurn || p.DrainSteering == nil {
		return 0
	}
	leftover := p.DrainSteering()
	if len(leftover) > 0 {
		p.emitUI(chatmodel.RuntimeUiMessage{
			Role: chatmodel.UiRoleSystem,
			Text: fmt.Sprintf("%d steering message(s) were dropped (never applied this turn).", len(leftover)),
		})
	}
	return len(leftover)
}

// streamRoundWithRetry drives one provider round, retrying transient
// errors up to provider.MaxRetries times with backoff (spec.md §4.2 item
// 4), and reports the steering messages the adapter drained this round so
// the caller can track leftovers.
func (p Params) streamRoundWithRetry(ctx context.Context, input []provider.InputItem) (provider.TurnResult, string, []chatmodel.ChatMessage, error) {
	var drained []chatmodel.ChatMessage
	drainOnce := func() []chatmodel.ChatMessage {
		drained = p.DrainSteering()
		return drained
	}

	req := &provider.ChatRequest{
		Credentials:       p.Credentials,
		Model:             p.Model.ID,
		Input:             input,
		Tools:             toolDeclarationsFor(p.ToolRuntime),
		ThinkingLevel:     p.ThinkingLevel,
		IncludeThoughts:   p.IncludeThoughts,
		SystemInstruction: p.SystemInstruction,
		ForcedSubProvider: p.ForcedSubProvider,
	}

	var lastErr error
	for attempt := 0; attempt <= provider.MaxRetries; attempt++ {
		var draft strings.Builder
		forwardChunk := func(c provider.StreamChunk) {
			for _, seg := range c.Segments {
				if seg.Kind == provider.ChunkAnswer {
					draft.WriteString(seg.Text)
				}
			}
			if p.OnChunk != nil {
				p.OnChunk(c)
			}
		}

		result, err := p.Adapter.Stream(ctx, provider.StreamRequest{
			Request:       req,
			OnChunk:       forwardChunk,
			OnDebug:       p.OnDebug,
			AbortSignal:   ctx,
			DrainSteering: drainOnce,
		})
		if err == nil {
			return result, draft.String(), drained, nil
		}
		lastErr = err
		if provider.IsAbort(err) || !provider.IsRetryableError(err) {
			return provider.TurnResult{}, draft.String(), drained, err
		}
		if sleepErr := provider.SleepWithContext(ctx, provider.RetryDelay(attempt)); sleepErr != nil {
			return provider.TurnResult{}, draft.String(), drained, sleepErr
		}
	}
	return provider.TurnResult{}, "", drained, lastErr
}

func (p Params) executeCalls(ctx context.Context, calls []chatmodel.FunctionCallItem) map[string]chatmodel.FunctionCallOutputItem {
	outputs := make(map[string]chatmodel.FunctionCallOutputItem, len(calls))
	now := time.Now()
	for _, call := range calls {
		if p.OnToolStarted != nil {
			p.OnToolStarted(call.CallID, call.Name)
		}
		var input map[string]any
		if err := json.Unmarshal([]byte(call.Arguments), &input); err != nil {
			input = map[string]any{}
		}

		output := ExecuteCall(ctx, p.ToolRuntime, call, input, now)
		outputs[call.CallID] = output
		if p.OnToolCompleted != nil {
			p.OnToolCompleted(call.CallID, output)
		}
	}
	return outputs
}

func outputsSlice(outputs map[string]chatmodel.FunctionCallOutputItem, calls []chatmodel.FunctionCallItem) []chatmodel.FunctionCallOutputItem {
	out := make([]chatmodel.FunctionCallOutputItem, 0, len(calls))
	for _, c := range calls {
		if o, ok := outputs[c.CallID]; ok {
			out = append(out, o)
		}
	}
	return out
}

func toolDeclarationsFor(rt ToolRuntime) []provider.ToolDeclaration {
	if rt == nil {
		return nil
	}
	decls := rt.Declarations()
	out := make([]provider.ToolDeclaration, 0, len(decls))
	for _, d := range decls {
		out = append(out, provider.ToolDeclaration{Name: d.Name, Description: d.Description, Parameters: d.Parameters})
	}
	return out
}

func (p Params) emitUI(msg chatmodel.RuntimeUiMessage) {
	if p.OnUI != nil {
		p.OnUI(msg)
	}
}

func (p Params) writeRollout(msg chatmodel.ChatMessage) {
	if p.Rollout == nil {
		return
	}
	if err := p.Rollout.Write(rollout.Entry{At: time.Now(), Message: msg}); err != nil && p.OnRolloutError != nil {
		p.OnRolloutError(err)
	}
}
