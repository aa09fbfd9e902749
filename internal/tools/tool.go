// Package tools provides the tool registry and a turn.ToolRuntime adapter
// over it (C4, spec.md §4.5). Concrete tool bodies (shell, file edit, web
// search, etc.) are out of scope here (spec.md §1: "the runtime only
// consumes a ToolRegistry + ToolRuntime contract") — this package is the
// contract and its dispatch plumbing, not a catalog of tools; the only
// tool bodies it holds are the optional checkpoint tools (checkpoint.go).
// Other tool bodies are supplied by a caller (a built-in registration, an MCP proxy
// via internal/mcp, or a test fake) and registered into a Registry.
package tools

import (
	"context"
	"encoding/json"
)

// ToolResult is the result of a tool execution.
type ToolResult struct {
	Content string // primary output content
	IsError bool   // whether this is an error result
}

// Tool is the unified interface for anything callable by the LLM.
type Tool interface {
	// Name returns the tool name (snake_case), e.g. "read_file".
	Name() string

	// Description returns the tool description sent to the provider.
	Description() string

	// Parameters returns JSON Schema parameter definitions (properties section).
	Parameters() map[string]any

	// Execute runs the tool. params are the call arguments as raw JSON.
	Execute(ctx context.Context, params json.RawMessage) (ToolResult, error)
}
