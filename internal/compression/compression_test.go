package compression

import (
	"testing"

	"github.com/apexion-ai/apexion-runtime/internal/chatmodel"
	"github.com/apexion-ai/apexion-runtime/internal/model"
)

func TestKeepRecentFor_TrivialHistoryIsNoOp(t *testing.T) {
	if got := KeepRecentFor(ReasonAuto, 0); got != 0 {
		t.Errorf("KeepRecentFor(auto, 0) = %d, want 0", got)
	}
	if got := KeepRecentFor(ReasonProviderSwitch, 1); got != 1 {
		t.Errorf("KeepRecentFor(provider_switch, 1) = %d, want 1", got)
	}
}

func TestKeepRecentFor_ProviderSwitchNeverNoOpsAboveOneMessage(t *testing.T) {
	for historyLen := 2; historyLen <= 10; historyLen++ {
		got := KeepRecentFor(ReasonProviderSwitch, historyLen)
		if got >= historyLen {
			t.Errorf("KeepRecentFor(provider_switch, %d) = %d, would leave nothing to summarize", historyLen, got)
		}
	}
}

func TestKeepRecentFor_AutoNeverNoOpsAboveOneMessage(t *testing.T) {
	for historyLen := 2; historyLen <= 10; historyLen++ {
		got := KeepRecentFor(ReasonAuto, historyLen)
		if got >= historyLen {
			t.Errorf("KeepRecentFor(auto, %d) = %d, would leave nothing to summarize", historyLen, got)
		}
	}
}

func fourMessageHistory() []chatmodel.ChatMessage {
	return []chatmodel.ChatMessage{
		{Role: chatmodel.RoleUser, Text: "one"},
		{Role: chatmodel.RoleAssistant, Text: "two"},
		{Role: chatmodel.RoleUser, Text: "three"},
		{Role: chatmodel.RoleAssistant, Text: "four"},
	}
}

// TestCompress_ProviderSwitchOnShortHistoryActuallyCompresses pins down
// spec.md §8 scenario 5's worked example: a 4-message history with a
// provider-switch reason must not be a no-op.
func TestCompress_ProviderSwitchOnShortHistoryActuallyCompresses(t *testing.T) {
	opt := model.ModelOption{ID: "test-model", Provider: model.Secondary, ContextWindowTokens: 200000}
	history := fourMessageHistory()

	result := Compress(history, ReasonProviderSwitch, opt)

	if result.AfterTokens >= result.BeforeTokens {
		t.Fatalf("expected compression to reduce estimated tokens, before=%d after=%d", result.BeforeTokens, result.AfterTokens)
	}
	if len(result.History) == 0 || result.History[0].Role != chatmodel.RoleAssistant {
		t.Fatalf("expected a leading assistant summary message, got %+v", result.History)
	}
	if result.SummaryHeader == "" {
		t.Error("expected a non-empty summary header")
	}
}

func TestCompress_EmptyHistoryIsNoOp(t *testing.T) {
	opt := model.ModelOption{ID: "test-model", Provider: model.Primary, ContextWindowTokens: 200000}
	result := Compress(nil, ReasonAuto, opt)
	if len(result.History) != 0 || result.BeforeTokens != result.AfterTokens {
		t.Fatalf("expected a true no-op for empty history, got %+v", result)
	}
}

func TestEstimateMessageTokens_CountsOverheadTextAndImages(t *testing.T) {
	msg := chatmodel.ChatMessage{Text: "1234", Images: []chatmodel.ChatImageAttachment{{}}}
	got := EstimateMessageTokens(msg)
	want := tokenOverheadPerMessage + 1 + tokensPerImage
	if got != want {
		t.Errorf("EstimateMessageTokens() = %d, want %d", got, want)
	}
}

func TestAutoTriggerThreshold_FloorAndCap(t *testing.T) {
	if got := AutoTriggerThreshold(6200); got != 6000 {
		t.Errorf("AutoTriggerThreshold(6200) = %d, want floor 6000", got)
	}
	if got := AutoTriggerThreshold(1000); got != 1000 {
		t.Errorf("AutoTriggerThreshold(1000) = %d, want cap 1000", got)
	}
}
