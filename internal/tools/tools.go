// Package tools implements the aggregator's internal tool adapters
// (C9): glue between the backend manager's state and a set of
// in-process tools exposed through the same tools/list and tools/call
// surface as aggregated backend tools. They read state but never
// mutate backend processes.
package tools

import (
	"context"
	"encoding/json"

	"github.com/search-mcp/search-mcp/internal/validate"
	"github.com/search-mcp/search-mcp/pkg/jsonrpc"
)

// Handler is one internal tool: it accepts decoded arguments and
// returns a tool call result, exactly like a backend-forwarded call.
type Handler func(ctx context.Context, arguments map[string]any) (*jsonrpc.ToolCallResult, error)

// Tool bundles a handler with its descriptor and parameter schema, so
// the dispatcher can validate before invoking.
type Tool struct {
	Name        string
	Description string
	Schema      validate.Schema
	Handler     Handler
}

// Registry is the set of internal tools, keyed by name. Registration
// happens once at startup; lookups are read-only afterward.
type Registry struct {
	tools map[string]*Tool
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. Panics on duplicate name, since that indicates
// a programming error in wiring, not a runtime condition.
func (r *Registry) Register(t *Tool) {
	if _, exists := r.tools[t.Name]; exists {
		panic("internal tool already registered: " + t.Name)
	}
	r.tools[t.Name] = t
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// List returns lightweight descriptors for tools/list.
func (r *Registry) List() []jsonrpc.ToolInfo {
	out := make([]jsonrpc.ToolInfo, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, jsonrpc.ToolInfo{Name: t.Name, Description: t.Description})
	}
	return out
}

// jsonResult wraps any JSON-marshalable value as a text content block,
// per spec's internal-tool envelope: content:[{type:"text", text: JSON}].
func jsonResult(v any) (*jsonrpc.ToolCallResult, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonrpc.TextResult(string(raw), false), nil
}
