// Package toolrouter defines the external tool router port. Tool discovery,
// session-scoped visibility and execution all belong to the router; this
// core only lists and calls.
package toolrouter

import (
	"context"
	"encoding/json"
)

// ToolDescriptor describes one callable tool exposed by the router.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// Router is the minimal contract the agent loop needs from the tool proxy.
type Router interface {
	// ListTools returns the tools visible to the given session scope.
	ListTools(ctx context.Context, session string) ([]ToolDescriptor, error)

	// CallTool executes a tool and returns its textual result.
	CallTool(ctx context.Context, name string, args json.RawMessage, session string) (string, error)
}
