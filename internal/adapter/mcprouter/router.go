// Package mcprouter implements the tool router port on an external MCP
// server. One connection is shared by all sessions; the server applies its
// own per-session tool visibility.
package mcprouter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpprotocol "github.com/mark3labs/mcp-go/mcp"

	"github.com/engramhq/engram/internal/config"
	"github.com/engramhq/engram/internal/port/toolrouter"
)

// Router proxies tool listing and execution to a single MCP server.
type Router struct {
	cfg config.Router
	log *slog.Logger

	mu     sync.Mutex
	client mcpclient.MCPClient
}

var _ toolrouter.Router = (*Router)(nil)

// New creates a router from config. Connect must be called before use.
func New(cfg config.Router, log *slog.Logger) *Router {
	return &Router{cfg: cfg, log: log.With("component", "mcprouter")}
}

// Connect establishes the transport and performs the Initialize handshake.
func (r *Router) Connect(ctx context.Context) error {
	client, err := r.createClient()
	if err != nil {
		return fmt.Errorf("mcprouter: create client: %w", err)
	}

	initReq := mcpprotocol.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpprotocol.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpprotocol.Implementation{
		Name:    "engram",
		Version: "1.0.0",
	}

	initResult, err := client.Initialize(ctx, initReq)
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("mcprouter: initialize: %w", err)
	}

	r.mu.Lock()
	r.client = client
	r.mu.Unlock()

	r.log.Info("tool router connected",
		"server", initResult.ServerInfo.Name,
		"version", initResult.ServerInfo.Version)
	return nil
}

// ListTools returns the tools the MCP server currently exposes.
func (r *Router) ListTools(ctx context.Context, session string) ([]toolrouter.ToolDescriptor, error) {
	client, err := r.connected()
	if err != nil {
		return nil, err
	}

	result, err := client.ListTools(ctx, mcpprotocol.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("mcprouter: list tools: %w", err)
	}

	tools := make([]toolrouter.ToolDescriptor, 0, len(result.Tools))
	for i := range result.Tools {
		t := &result.Tools[i]
		tools = append(tools, toolrouter.ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schemaToMap(t.InputSchema),
		})
	}
	return tools, nil
}

// CallTool executes a tool and flattens the result content to text.
func (r *Router) CallTool(ctx context.Context, name string, args json.RawMessage, session string) (string, error) {
	client, err := r.connected()
	if err != nil {
		return "", err
	}

	var arguments map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return "", fmt.Errorf("mcprouter: tool %s arguments: %w", name, err)
		}
	}

	req := mcpprotocol.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = arguments

	result, err := client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("mcprouter: call %s: %w", name, err)
	}

	text := flattenContent(result.Content)
	if result.IsError {
		return "", fmt.Errorf("mcprouter: tool %s failed: %s", name, text)
	}
	return text, nil
}

// Close shuts down the underlying transport.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

func (r *Router) connected() (mcpclient.MCPClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil, fmt.Errorf("mcprouter: not connected")
	}
	return r.client, nil
}

func (r *Router) createClient() (mcpclient.MCPClient, error) {
	switch r.cfg.Transport {
	case "stdio":
		return mcpclient.NewStdioMCPClient(r.cfg.Command, nil, r.cfg.Args...)

	case "sse":
		var opts []transport.ClientOption
		if len(r.cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(r.cfg.Headers))
		}
		return mcpclient.NewSSEMCPClient(r.cfg.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport: %q", r.cfg.Transport)
	}
}

func schemaToMap(schema mcpprotocol.ToolInputSchema) map[string]any {
	out := map[string]any{"type": "object"}
	if schema.Type != "" {
		out["type"] = schema.Type
	}
	if len(schema.Properties) > 0 {
		out["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		out["required"] = schema.Required
	}
	return out
}

func flattenContent(content []mcpprotocol.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := mcpprotocol.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
