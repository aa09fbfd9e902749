package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/apexion-ai/apexion-runtime/internal/turn"
)

// Runtime adapts a Registry into the turn.ToolRuntime contract (C4,
// spec.md §4.5). It is pure dispatch: no permission policy, no
// confirmation, no hooks — sandboxed tool execution policy is explicitly
// out of scope (spec.md §1).
type Runtime struct {
	registry *Registry
}

// NewRuntime wraps a Registry as a turn.ToolRuntime.
func NewRuntime(registry *Registry) *Runtime {
	return &Runtime{registry: registry}
}

// Declarations implements turn.ToolRuntime.
func (rt *Runtime) Declarations() []turn.ToolDeclaration {
	all := rt.registry.All()
	out := make([]turn.ToolDeclaration, 0, len(all))
	for _, t := range all {
		out = append(out, turn.ToolDeclaration{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return out
}

// Execute implements turn.ToolRuntime, translating {ok, output, error}
// to/from tools.ToolResult.
func (rt *Runtime) Execute(ctx context.Context, call turn.ToolCallRequest, env turn.ToolCallEnv) turn.ToolCallResult {
	t, ok := rt.registry.Get(call.Name)
	if !ok {
		return turn.ToolCallResult{OK: false, Error: fmt.Sprintf("unknown tool: %s", call.Name)}
	}

	params, err := json.Marshal(call.Input)
	if err != nil {
		return turn.ToolCallResult{OK: false, Error: err.Error()}
	}

	res, err := t.Execute(ctx, params)
	if err != nil {
		return turn.ToolCallResult{OK: false, Error: err.Error()}
	}
	if res.IsError {
		return turn.ToolCallResult{OK: false, Error: res.Content}
	}
	return turn.ToolCallResult{OK: true, Output: res.Content}
}
