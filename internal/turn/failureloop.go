package turn

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"

	"github.com/apexion-ai/apexion-runtime/internal/chatmodel"
)

// Supplemented feature (SPEC_FULL.md §6): detect a round repeating the same
// failed tool batch and stop the turn rather than retrying it forever.
//
// Grounded on the teacher's internal/agent/failureloop.go failureLoopDetector:
// same warn/stop thresholds, same signature-over-sorted-batch approach,
// generalized from provider.ToolCallRequest/Content to this package's
// FunctionCallItem/FunctionCallOutputItem.
const (
	failureLoopWarnThreshold = 2
	failureLoopStopThreshold = 4
)

type failureLoopDetector struct {
	lastSig string
	streak  int
}

type doomLoopAction int

const (
	doomLoopNone doomLoopAction = iota
	doomLoopWarn
	doomLoopStop
)

func (d *failureLoopDetector) check(calls []chatmodel.FunctionCallItem, outputs []chatmodel.FunctionCallOutputItem) doomLoopAction {
	if !allOutputsFailed(outputs) {
		d.lastSig = ""
		d.streak = 0
		return doomLoopNone
	}

	sig := failedBatchSignature(calls)
	if sig == "" {
		return doomLoopNone
	}
	if sig == d.lastSig {
		d.streak++
	} else {
		d.lastSig = sig
		d.streak = 1
	}

	switch {
	case d.streak >= failureLoopStopThreshold:
		return doomLoopStop
	case d.streak >= failureLoopWarnThreshold:
		return doomLoopWarn
	default:
		return doomLoopNone
	}
}

func allOutputsFailed(outputs []chatmodel.FunctionCallOutputItem) bool {
	if len(outputs) == 0 {
		return false
	}
	for _, o := range outputs {
		if !o.IsError {
			return false
		}
	}
	return true
}

func failedBatchSignature(calls []chatmodel.FunctionCallItem) string {
	if len(calls) == 0 {
		return ""
	}
	parts := make([]string, len(calls))
	for i, c := range calls {
		parts[i] = c.Name + ":" + c.Arguments
	}
	sort.Strings(parts)
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return fmt.Sprintf("%x", h)
}
