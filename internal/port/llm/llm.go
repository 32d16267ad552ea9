// Package llm defines the vendor-neutral completion port. Adapters translate
// these types to provider SDKs so services never branch on vendors.
package llm

import (
	"context"
	"encoding/json"
)

// Message roles used in a transcript.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn in a transcript.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// ToolCalls is set on assistant turns that request tool invocations.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool-result turn to the call that produced it.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCall is a function call requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDefinition declaratively exposes a callable function to the model.
// InputSchema is a JSON Schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Usage captures token accounting for one completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Request is the normalized completion input.
type Request struct {
	Model     string           `json:"model"`
	System    string           `json:"system,omitempty"`
	Messages  []Message        `json:"messages"`
	Tools     []ToolDefinition `json:"tools,omitempty"`
	MaxTokens int64            `json:"max_tokens,omitempty"`
}

// Response is the completion output. ToolCalls is non-empty when the model
// requests tool execution instead of (or alongside) text.
type Response struct {
	Message   Message `json:"message"`
	ToolCalls []ToolCall
	Usage     Usage `json:"usage"`
}

// Client is the completion service consumed by the compactor and agent loop.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}
