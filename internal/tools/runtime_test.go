package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/apexion-ai/apexion-runtime/internal/turn"
)

type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "echoes its input text" }
func (echoTool) Parameters() map[string]any {
	return map[string]any{"text": map[string]any{"type": "string"}}
}
func (echoTool) Execute(ctx context.Context, params json.RawMessage) (ToolResult, error) {
	var p struct {
		Text string `json:"text"`
	}
	_ = json.Unmarshal(params, &p)
	return ToolResult{Content: p.Text}, nil
}

type failingTool struct{}

func (failingTool) Name() string             { return "fail" }
func (failingTool) Description() string      { return "always fails" }
func (failingTool) Parameters() map[string]any { return nil }
func (failingTool) Execute(ctx context.Context, params json.RawMessage) (ToolResult, error) {
	return ToolResult{IsError: true, Content: "boom"}, nil
}

type badSchemaTool struct{}

func (badSchemaTool) Name() string        { return "bad" }
func (badSchemaTool) Description() string { return "declares an unmarshalable schema" }
func (badSchemaTool) Parameters() map[string]any {
	return map[string]any{"type": make(chan int)} // not JSON-marshalable
}
func (badSchemaTool) Execute(ctx context.Context, params json.RawMessage) (ToolResult, error) {
	return ToolResult{}, nil
}

func TestRegistry_RejectsInvalidSchema(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(badSchemaTool{}); err == nil {
		t.Fatal("expected Register to reject an unmarshalable parameter schema")
	}
	if _, ok := r.Get("bad"); ok {
		t.Fatal("rejected tool should not be registered")
	}
}

func TestRuntime_Declarations(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	rt := NewRuntime(r)
	decls := rt.Declarations()
	if len(decls) != 1 || decls[0].Name != "echo" {
		t.Fatalf("Declarations() = %+v", decls)
	}
}

func TestRuntime_Execute_Success(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(echoTool{})
	rt := NewRuntime(r)

	res := rt.Execute(context.Background(), turn.ToolCallRequest{
		ID: "1", Name: "echo", Input: map[string]any{"text": "hi"},
	}, turn.ToolCallEnv{})
	if !res.OK || res.Output != "hi" {
		t.Fatalf("Execute() = %+v", res)
	}
}

func TestRuntime_Execute_ToolError(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(failingTool{})
	rt := NewRuntime(r)

	res := rt.Execute(context.Background(), turn.ToolCallRequest{ID: "1", Name: "fail"}, turn.ToolCallEnv{})
	if res.OK || res.Error != "boom" {
		t.Fatalf("Execute() = %+v", res)
	}
}

func TestRuntime_Execute_UnknownTool(t *testing.T) {
	rt := NewRuntime(NewRegistry())
	res := rt.Execute(context.Background(), turn.ToolCallRequest{Name: "nope"}, turn.ToolCallEnv{})
	if res.OK {
		t.Fatalf("expected failure for unknown tool")
	}
}
