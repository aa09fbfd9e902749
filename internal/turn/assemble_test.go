package turn

import (
	"testing"

	"github.com/apexion-ai/apexion-runtime/internal/chatmodel"
)

func TestSelectActionableFunctionCalls_DropsNonActionableAndDuplicates(t *testing.T) {
	calls := []chatmodel.FunctionCallItem{
		{CallID: "a", Name: "read_file", Arguments: `{"path":"x"}`, Status: chatmodel.FunctionCallCompleted},
		{CallID: "a", Name: "read_file", Arguments: `{"path":"x"}`, Status: chatmodel.FunctionCallCompleted}, // duplicate call_id
		{CallID: "b", Name: "read_file", Arguments: `{"path":"y"}`, Status: chatmodel.FunctionCallFailed},    // dropped
		{CallID: "c", Name: "read_file", Arguments: `{"path":"z"}`, Status: chatmodel.FunctionCallInProgress},// dropped
		{CallID: "", Name: "grep", Arguments: `{"q":"foo"}`},                                                 // fallback key
		{CallID: "", Name: "grep", Arguments: `{"q":"foo"}`},                                                 // duplicate fallback key
	}

	got := SelectActionableFunctionCalls(calls)

	if len(got) != 2 {
		t.Fatalf("expected 2 actionable calls, got %d: %+v", len(got), got)
	}
	if got[0].CallID != "a" {
		t.Errorf("expected first call_id 'a', got %q", got[0].CallID)
	}
	if got[1].Name != "grep" {
		t.Errorf("expected second call to be the grep fallback-key call, got %+v", got[1])
	}
}

func TestSelectActionableFunctionCalls_PreservesEmissionOrder(t *testing.T) {
	calls := []chatmodel.FunctionCallItem{
		{CallID: "1", Name: "z"},
		{CallID: "2", Name: "a"},
		{CallID: "3", Name: "m"},
	}
	got := SelectActionableFunctionCalls(calls)
	if len(got) != 3 || got[0].CallID != "1" || got[1].CallID != "2" || got[2].CallID != "3" {
		t.Fatalf("expected order preserved, got %+v", got)
	}
}

func TestComputeUnstreamedAnswerDelta_StrictExtension(t *testing.T) {
	got := ComputeUnstreamedAnswerDelta("hello world", "hello ")
	if got != "world" {
		t.Errorf("expected delta 'world', got %q", got)
	}
}

func TestComputeUnstreamedAnswerDelta_ExactMatch(t *testing.T) {
	if got := ComputeUnstreamedAnswerDelta("hello", "hello"); got != "" {
		t.Errorf("expected empty delta for exact match, got %q", got)
	}
}

func TestComputeUnstreamedAnswerDelta_NotAnExtension(t *testing.T) {
	// streamed is not a prefix of the final answer: the streamed prefix wins,
	// so no delta is emitted to avoid duplication.
	if got := ComputeUnstreamedAnswerDelta("goodbye", "hello"); got != "" {
		t.Errorf("expected empty delta when streamed is not a prefix, got %q", got)
	}
}

func TestComputeUnstreamedAnswerDelta_EmptyStreamed(t *testing.T) {
	if got := ComputeUnstreamedAnswerDelta("entire answer", ""); got != "entire answer" {
		t.Errorf("expected full answer as delta, got %q", got)
	}
}

func TestAppendMissingImagePlaceholders_AppendsAllMissing(t *testing.T) {
	got := AppendMissingImagePlaceholders("take a look", 2)
	want := "take a look [Image 1] [Image 2]"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestAppendMissingImagePlaceholders_SkipsAlreadyPresent(t *testing.T) {
	got := AppendMissingImagePlaceholders("see [Image 1] and compare", 2)
	want := "see [Image 1] and compare [Image 2]"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestAppendMissingImagePlaceholders_Idempotent(t *testing.T) {
	first := AppendMissingImagePlaceholders("look", 3)
	second := AppendMissingImagePlaceholders(first, 3)
	if first != second {
		t.Errorf("expected idempotent result, got %q then %q", first, second)
	}
}

func TestAppendMissingImagePlaceholders_NoImages(t *testing.T) {
	if got := AppendMissingImagePlaceholders("plain text", 0); got != "plain text" {
		t.Errorf("expected unchanged text, got %q", got)
	}
}

func TestAppendMissingImagePlaceholders_EmptyTextWithImages(t *testing.T) {
	got := AppendMissingImagePlaceholders("", 1)
	if got != "[Image 1]" {
		t.Errorf("got %q", got)
	}
}
