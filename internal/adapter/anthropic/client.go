// Package anthropic implements the completion port on the Anthropic
// Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/engramhq/engram/internal/port/llm"
)

// Client wraps the Anthropic SDK behind the llm.Client port.
type Client struct {
	client    *anthropicsdk.Client
	model     string
	maxTokens int64
}

var _ llm.Client = (*Client)(nil)

// New creates an Anthropic completion client.
func New(apiKey, baseURL, model string, maxTokens int64) *Client {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	c := anthropicsdk.NewClient(opts...)
	return &Client{client: &c, model: model, maxTokens: maxTokens}
}

// Complete sends one Messages API round trip.
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(model),
		MaxTokens: maxTokens,
		Messages:  buildMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = buildTools(req.Tools)
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	out := &llm.Response{
		Message: llm.Message{Role: llm.RoleAssistant},
		Usage: llm.Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			out.Message.Content += block.AsText().Text
		case "tool_use":
			tu := block.AsToolUse()
			call := llm.ToolCall{
				ID:        tu.ID,
				Name:      tu.Name,
				Arguments: json.RawMessage(tu.Input),
			}
			out.ToolCalls = append(out.ToolCalls, call)
			out.Message.ToolCalls = append(out.Message.ToolCalls, call)
		}
	}
	return out, nil
}

// buildMessages converts port messages to Anthropic message params. Tool
// results become user-role tool_result blocks, matching the wire format the
// Messages API expects.
func buildMessages(messages []llm.Message) []anthropicsdk.MessageParam {
	var out []anthropicsdk.MessageParam
	for _, m := range messages {
		switch m.Role {
		case llm.RoleAssistant:
			var content []anthropicsdk.ContentBlockParamUnion
			if m.Content != "" {
				content = append(content, anthropicsdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any
				if len(tc.Arguments) > 0 {
					if err := json.Unmarshal(tc.Arguments, &input); err != nil {
						input = string(tc.Arguments)
					}
				}
				content = append(content, anthropicsdk.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(content) > 0 {
				out = append(out, anthropicsdk.NewAssistantMessage(content...))
			}
		case llm.RoleTool:
			out = append(out, anthropicsdk.NewUserMessage(
				anthropicsdk.NewToolResultBlock(m.ToolCallID, m.Content, false),
			))
		default:
			if m.Content != "" {
				out = append(out, anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(m.Content)))
			}
		}
	}
	return out
}

func buildTools(tools []llm.ToolDefinition) []anthropicsdk.ToolUnionParam {
	out := make([]anthropicsdk.ToolUnionParam, len(tools))
	for i, t := range tools {
		schema := anthropicsdk.ToolInputSchemaParam{Type: constant.Object("object")}
		if t.InputSchema != nil {
			if props, ok := t.InputSchema["properties"]; ok {
				schema.Properties = props
			}
			if req, ok := t.InputSchema["required"]; ok {
				schema.Required = toStringSlice(req)
			}
		}
		out[i] = anthropicsdk.ToolUnionParam{
			OfTool: &anthropicsdk.ToolParam{
				Name:        t.Name,
				Description: anthropicsdk.String(t.Description),
				InputSchema: schema,
			},
		}
	}
	return out
}

func toStringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
