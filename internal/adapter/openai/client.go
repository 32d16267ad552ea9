// Package openai implements the completion and embedding ports on the
// OpenAI API.
package openai

import (
	"context"
	"fmt"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/engramhq/engram/internal/port/llm"
)

// Client wraps the OpenAI Chat Completions API behind the llm.Client port.
type Client struct {
	client    *openaisdk.Client
	model     string
	maxTokens int64
}

var _ llm.Client = (*Client)(nil)

// New creates an OpenAI completion client.
func New(apiKey, baseURL, model string, maxTokens int64) *Client {
	c := newSDKClient(apiKey, baseURL)
	return &Client{client: c, model: model, maxTokens: maxTokens}
}

func newSDKClient(apiKey, baseURL string) *openaisdk.Client {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	c := openaisdk.NewClient(opts...)
	return &c
}

// Complete sends one Chat Completions round trip.
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	params := openaisdk.ChatCompletionNewParams{
		Model:               openaisdk.ChatModel(model),
		Messages:            buildMessages(req.System, req.Messages),
		MaxCompletionTokens: openaisdk.Int(maxTokens),
	}
	if len(req.Tools) > 0 {
		params.Tools = buildTools(req.Tools)
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty response")
	}

	choice := resp.Choices[0].Message
	out := &llm.Response{
		Message: llm.Message{
			Role:    llm.RoleAssistant,
			Content: choice.Content,
		},
		Usage: llm.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}
	for _, tc := range choice.ToolCalls {
		call := llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: []byte(tc.Function.Arguments),
		}
		out.ToolCalls = append(out.ToolCalls, call)
		out.Message.ToolCalls = append(out.Message.ToolCalls, call)
	}
	return out, nil
}

func buildMessages(system string, messages []llm.Message) []openaisdk.ChatCompletionMessageParamUnion {
	var out []openaisdk.ChatCompletionMessageParamUnion
	if system != "" {
		out = append(out, openaisdk.SystemMessage(system))
	}
	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			out = append(out, openaisdk.SystemMessage(m.Content))
		case llm.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openaisdk.AssistantMessage(m.Content))
				continue
			}
			calls := make([]openaisdk.ChatCompletionMessageToolCallParam, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				calls[i] = openaisdk.ChatCompletionMessageToolCallParam{
					ID:   tc.ID,
					Type: "function",
					Function: openaisdk.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				}
			}
			out = append(out, openaisdk.ChatCompletionMessageParamUnion{
				OfAssistant: &openaisdk.ChatCompletionAssistantMessageParam{
					Role:      "assistant",
					ToolCalls: calls,
				},
			})
		case llm.RoleTool:
			out = append(out, openaisdk.ToolMessage(m.Content, m.ToolCallID))
		default:
			out = append(out, openaisdk.UserMessage(m.Content))
		}
	}
	return out
}

func buildTools(tools []llm.ToolDefinition) []openaisdk.ChatCompletionToolParam {
	out := make([]openaisdk.ChatCompletionToolParam, len(tools))
	for i, t := range tools {
		out[i] = openaisdk.ChatCompletionToolParam{
			Type: "function",
			Function: openaisdk.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openaisdk.String(t.Description),
				Parameters:  openaisdk.FunctionParameters(t.InputSchema),
			},
		}
	}
	return out
}
