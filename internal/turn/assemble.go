// Package turn implements the turn engine (C7, spec.md §4.2-§4.3, §4.7):
// the tool-call loop that drives a provider adapter across rounds,
// replays function calls/outputs in order, reconciles streamed vs. final
// answer text, and honors abort/steering/retry.
//
// Grounded on the teacher's internal/agent/loop.go runAgentLoop: the
// retry-loop shape, the event-type switch, and the partial-text-on-abort
// preservation are all adapted from there; the request-assembly,
// duplicate-call filtering, and streaming-reconciliation algorithms below
// are new, precisely specified by spec.md §4.2-§4.3 and tested against
// the properties in spec.md §8.
package turn

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/apexion-ai/apexion-runtime/internal/chatmodel"
)

// SelectActionableFunctionCalls deduplicates function calls by CallID
// (falling back to "name:args" when CallID is empty) and drops any call
// whose status is not actionable (failed|cancelled|in_progress), per
// spec.md §4.2 item 1 and the Dedup testable property in §8.
//
// Only FunctionCallItem values are accepted; callers filter other item
// kinds out themselves before calling this.
func SelectActionableFunctionCalls(calls []chatmodel.FunctionCallItem) []chatmodel.FunctionCallItem {
	seen := make(map[string]bool, len(calls))
	out := make([]chatmodel.FunctionCallItem, 0, len(calls))
	for _, c := range calls {
		if !c.Status.Actionable() {
			continue
		}
		key := c.CallID
		if key == "" {
			key = c.Name + ":" + c.Arguments
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}

// ComputeUnstreamedAnswerDelta implements spec.md §4.2 item 3 /
// the "Delta correctness" testable property: if streamed is a prefix of
// answer, return the missing suffix; otherwise return "" (the streamed
// prefix wins to avoid duplication).
func ComputeUnstreamedAnswerDelta(answer, streamed string) string {
	if strings.HasPrefix(answer, streamed) {
		return answer[len(streamed):]
	}
	return ""
}

var imagePlaceholder = regexp.MustCompile(`\[Image (\d+)\]`)

// AppendMissingImagePlaceholders appends "[Image N]" tokens (1-indexed)
// for each attached image not already referenced in text, per spec.md
// §4.2 item 6. Idempotent: calling it twice with the same n is a no-op
// the second time (spec.md §8 "Placeholder idempotence").
func AppendMissingImagePlaceholders(text string, imageCount int) string {
	if imageCount <= 0 {
		return text
	}
	present := make(map[int]bool, imageCount)
	for _, m := range imagePlaceholder.FindAllStringSubmatch(text, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil {
			present[n] = true
		}
	}
	var missing []string
	for i := 1; i <= imageCount; i++ {
		if !present[i] {
			missing = append(missing, fmt.Sprintf("[Image %d]", i))
		}
	}
	if len(missing) == 0 {
		return text
	}
	if text == "" {
		return strings.Join(missing, " ")
	}
	return text + " " + strings.Join(missing, " ")
}

// BuildUserMessage converts raw text+images into the canonical
// ChatMessage form, applying the image-placeholder rule first (spec.md
// §4.2 item 5-6): messages with images become conceptually multipart
// (the adapter layer renders the actual multipart content array); a pure
// text message is just text.
func BuildUserMessage(text string, images []chatmodel.ChatImageAttachment) chatmodel.ChatMessage {
	return chatmodel.ChatMessage{
		Role:   chatmodel.RoleUser,
		Text:   AppendMissingImagePlaceholders(text, len(images)),
		Images: images,
	}
}
