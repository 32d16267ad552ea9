package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/engramhq/engram/internal/port/llm"
)

// Memory tool names exposed to the model alongside routed tools.
const (
	ToolRemember      = "remember"
	ToolSearchMemory  = "search_memory"
	ToolRecallRecent  = "recall_recent"
	ToolIngestContent = "ingest_content"
)

// memoryToolDefinitions returns the built-in tool surface backed by the
// orchestrator.
func memoryToolDefinitions() []llm.ToolDefinition {
	return []llm.ToolDefinition{
		{
			Name:        ToolRemember,
			Description: "Store a piece of information in long-term memory.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"content": map[string]any{
						"type":        "string",
						"description": "The information to remember",
					},
					"tags": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "Optional tags for categorization",
					},
				},
				"required": []string{"content"},
			},
		},
		{
			Name:        ToolSearchMemory,
			Description: "Search long-term memory for relevant information.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "What to search for",
					},
					"limit": map[string]any{
						"type":        "integer",
						"description": "Maximum number of results",
					},
					"provider": map[string]any{
						"type":        "string",
						"description": "Optional provider ID to search instead of all of them",
					},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        ToolRecallRecent,
			Description: "List the most recently stored memories.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"limit": map[string]any{
						"type":        "integer",
						"description": "Maximum number of memories",
					},
				},
			},
		},
		{
			Name:        ToolIngestContent,
			Description: "Extract and store the knowledge contained in a block of raw content.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"content": map[string]any{
						"type":        "string",
						"description": "The raw content to ingest",
					},
					"source": map[string]any{
						"type":        "string",
						"description": "Where the content came from",
					},
					"tags": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "Extra tags for the stored records",
					},
				},
				"required": []string{"content"},
			},
		},
	}
}

// isMemoryTool reports whether name is one of the built-in memory tools.
func isMemoryTool(name string) bool {
	switch name {
	case ToolRemember, ToolSearchMemory, ToolRecallRecent, ToolIngestContent:
		return true
	}
	return false
}

// callMemoryTool dispatches a memory tool call to the orchestrator and
// renders a textual result for the model.
func (l *AgentLoop) callMemoryTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	switch name {
	case ToolRemember:
		var in struct {
			Content string   `json:"content"`
			Tags    []string `json:"tags"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return "", fmt.Errorf("remember: %w", err)
		}
		rec, err := l.orch.Remember(ctx, in.Content, in.Tags, "")
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Stored memory %s.", rec.ID), nil

	case ToolSearchMemory:
		var in struct {
			Query    string `json:"query"`
			Limit    int    `json:"limit"`
			Provider string `json:"provider"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return "", fmt.Errorf("search_memory: %w", err)
		}
		results, err := l.orch.Search(ctx, in.Query, in.Limit, in.Provider)
		if err != nil {
			return "", err
		}
		if len(results) == 0 {
			return "No matching memories found.", nil
		}
		var b strings.Builder
		for i, r := range results {
			fmt.Fprintf(&b, "%d. %s", i+1, r.Content)
			if len(r.Tags) > 0 {
				fmt.Fprintf(&b, " [%s]", strings.Join(r.Tags, ", "))
			}
			b.WriteByte('\n')
		}
		return b.String(), nil

	case ToolRecallRecent:
		var in struct {
			Limit int `json:"limit"`
		}
		if len(args) > 0 {
			if err := json.Unmarshal(args, &in); err != nil {
				return "", fmt.Errorf("recall_recent: %w", err)
			}
		}
		results, err := l.orch.RecallRecent(ctx, in.Limit)
		if err != nil {
			return "", err
		}
		if len(results) == 0 {
			return "No memories stored yet.", nil
		}
		var b strings.Builder
		for i, r := range results {
			fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, r.CreatedAt.Format("2006-01-02 15:04"), r.Content)
		}
		return b.String(), nil

	case ToolIngestContent:
		if l.ingest == nil {
			return "", fmt.Errorf("ingest_content: ingestion not configured")
		}
		var in struct {
			Content string   `json:"content"`
			Source  string   `json:"source"`
			Tags    []string `json:"tags"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return "", fmt.Errorf("ingest_content: %w", err)
		}
		source := in.Source
		if source == "" {
			source = "agent-loop"
		}
		res := l.ingest.Ingest(ctx, source, in.Content, in.Tags)
		if !res.Success {
			return "", fmt.Errorf("ingest_content: %s", res.Error)
		}
		return fmt.Sprintf("Ingested %d memories.", len(res.MemoryIDs)), nil
	}
	return "", fmt.Errorf("unknown memory tool %q", name)
}
