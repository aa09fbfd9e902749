// Package compression implements the compression engine (C9, spec.md
// §4.6): token estimation, the condensed-summary builder, and the
// auto/manual/provider-switch triggers.
//
// Grounded on the teacher's internal/session/context.go CompactHistory
// (summary injection / observation masking / turn trimming phases) and
// internal/session/summarize.go's LLMSummarizer, generalized to the exact
// numbers and three-reason trigger spec.md §4.6 specifies.
package compression

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/apexion-ai/apexion-runtime/internal/chatmodel"
	"github.com/apexion-ai/apexion-runtime/internal/model"
)

// Reason identifies why compression ran.
type Reason string

const (
	ReasonAuto           Reason = "auto"
	ReasonManual         Reason = "manual"
	ReasonProviderSwitch Reason = "provider_switch"
)

const (
	tokenOverheadPerMessage = 20
	tokensPerImage          = 850
	maxSummaryChars         = 3600
	maxClippedEntryChars    = 240
	elideThresholdEntries   = 16
)

var whitespaceRun = regexp.MustCompile(`\s+`)

func collapseWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
}

// EstimateMessageTokens applies the deterministic heuristic of spec.md
// §4.6: overhead(20) + ceil(len(collapseWs(text))/4) + images*850.
func EstimateMessageTokens(msg chatmodel.ChatMessage) int {
	collapsed := collapseWhitespace(msg.Text)
	textTokens := (len(collapsed) + 3) / 4 // ceil division
	return tokenOverheadPerMessage + textTokens + len(msg.Images)*tokensPerImage
}

// EstimateHistoryTokens sums the per-message estimate across a history.
func EstimateHistoryTokens(history []chatmodel.ChatMessage) int {
	total := 0
	for _, m := range history {
		total += EstimateMessageTokens(m)
	}
	return total
}

// AutoTriggerThreshold computes the auto-compaction threshold for a
// context window: 95% of the window, floored at 6000 and capped at the
// window itself.
func AutoTriggerThreshold(contextWindow int) int {
	threshold := contextWindow * 95 / 100
	if threshold < 6000 {
		threshold = 6000
	}
	if threshold > contextWindow {
		threshold = contextWindow
	}
	return threshold
}

// ShouldAutoCompact reports whether the estimated history size meets or
// exceeds the auto-trigger threshold for the given model.
func ShouldAutoCompact(history []chatmodel.ChatMessage, opt model.ModelOption) bool {
	window := model.ContextWindowFor(opt)
	return EstimateHistoryTokens(history) >= AutoTriggerThreshold(window)
}

// KeepRecentFor picks the keepRecent count per spec.md §4.6 step 1: 8
// normally, 4 on provider-switch, or 1 when the default would leave
// nothing summarizable but compression is still mandated. A history of
// 0 or 1 messages has no older content to fold away, so it stays a
// genuine no-op.
func KeepRecentFor(reason Reason, historyLen int) int {
	if historyLen <= 1 {
		return historyLen
	}

	base := 8
	if reason == ReasonProviderSwitch {
		base = 4
	}
	if base >= historyLen {
		return 1
	}
	return base
}

// Summarizer produces a textual digest of a message for §4.6 step 2's
// per-entry clipping; callers typically wrap an LLM call (teacher's
// session.Summarizer), but Result only needs the already-clipped result
// appended verbatim.
type Summarizer interface {
	Summarize(previousSummary string, toSummarize []chatmodel.ChatMessage) (string, error)
}

// Result is the outcome of running Compress.
type Result struct {
	History       []chatmodel.ChatMessage
	BeforeTokens  int
	AfterTokens   int
	SummaryHeader string
}

// Compress implements spec.md §4.6's algorithm steps 1-5: choose
// keepRecent, render the condensed prefix, elide the middle of long
// prefixes, and build the summary message. The caller (turn engine) is
// responsible for steps 6-7 (UI row + provider-switch bookkeeping).
func Compress(history []chatmodel.ChatMessage, reason Reason, opt model.ModelOption) Result {
	before := EstimateHistoryTokens(history)
	window := model.ContextWindowFor(opt)
	autoLimit := AutoTriggerThreshold(window)

	keepRecent := KeepRecentFor(reason, len(history))
	if keepRecent >= len(history) {
		// Nothing to summarize; compression is a no-op.
		return Result{History: append([]chatmodel.ChatMessage(nil), history...), BeforeTokens: before, AfterTokens: before}
	}

	toSummarize := history[:len(history)-keepRecent]
	recent := history[len(history)-keepRecent:]

	lines := renderEntries(toSummarize)

	header := fmt.Sprintf(
		"[conversation compression]\nreason: %s\nmodel: %s\nwindow: %d\nauto-limit: %d\n",
		reason, opt.ID, window, autoLimit,
	)
	body := header + strings.Join(lines, "\n")
	if len(body) > maxSummaryChars {
		body = body[:maxSummaryChars]
	}

	summary := chatmodel.ChatMessage{Role: chatmodel.RoleAssistant, Text: body}
	newHistory := append([]chatmodel.ChatMessage{summary}, recent...)

	return Result{
		History:       newHistory,
		BeforeTokens:  before,
		AfterTokens:   EstimateHistoryTokens(newHistory),
		SummaryHeader: header,
	}
}

// renderEntries implements §4.6 step 2-3: "role: clipped-text [images: N]"
// per entry (≤240 chars), eliding the middle with "..." when there are
// more than 16 entries (keep the first third, then the tail).
func renderEntries(messages []chatmodel.ChatMessage) []string {
	rendered := make([]string, 0, len(messages))
	for _, m := range messages {
		rendered = append(rendered, renderEntry(m))
	}
	if len(rendered) <= elideThresholdEntries {
		return rendered
	}
	keepHead := len(rendered) / 3
	// Keep first third and the tail beyond it, eliding the middle.
	head := rendered[:keepHead]
	tail := rendered[keepHead:]
	// "keep the first third, elide with '...', keep the tail" — the tail
	// here is everything after the head; trim it to avoid re-including an
	// unbounded middle when the caller wants a true head+tail shape.
	tailKeep := elideThresholdEntries - keepHead
	if tailKeep < 1 {
		tailKeep = 1
	}
	if tailKeep > len(tail) {
		tailKeep = len(tail)
	}
	out := make([]string, 0, keepHead+1+tailKeep)
	out = append(out, head...)
	out = append(out, "...")
	out = append(out, tail[len(tail)-tailKeep:]...)
	return out
}

func renderEntry(m chatmodel.ChatMessage) string {
	text := collapseWhitespace(m.Text)
	if len(text) > maxClippedEntryChars {
		text = text[:maxClippedEntryChars]
	}
	line := fmt.Sprintf("- %s: %s", m.Role, text)
	if len(m.Images) > 0 {
		line += fmt.Sprintf(" [images: %d]", len(m.Images))
	}
	return line
}
