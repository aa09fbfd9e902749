package tools

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/jsonschema-go/jsonschema"
)

// Registry manages all registered tools, keyed by name.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool to the registry. Parameters() is validated as a
// JSON Schema "properties" block at registration time (new relative to the
// teacher, which hand-rolls map[string]any schemas with no validation) so a
// malformed tool declaration fails fast instead of confusing the provider
// mid-turn.
func (r *Registry) Register(t Tool) error {
	if _, err := compilePropertiesSchema(t.Parameters()); err != nil {
		return fmt.Errorf("tool %q: invalid parameter schema: %w", t.Name(), err)
	}
	r.tools[t.Name()] = t
	return nil
}

// MustRegister panics on an invalid schema; for registrations where the
// caller controls the tool body and treats a bad schema as a programmer
// error (built-in/test registrations), not a runtime condition.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// All returns all registered tools sorted by name.
func (r *Registry) All() []Tool {
	result := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name() < result[j].Name()
	})
	return result
}

// compilePropertiesSchema wraps a Parameters() map as an object schema and
// resolves it, rejecting anything jsonschema-go can't parse.
func compilePropertiesSchema(properties map[string]any) (*jsonschema.Resolved, error) {
	object := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	data, err := json.Marshal(object)
	if err != nil {
		return nil, err
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, err
	}
	return schema.Resolve(nil)
}
