package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/KafClaw/localclaw/internal/tools"
)

// BridgeTool exposes one tool of an MCP server through the tool registry.
// Calls are forwarded to the server with CallTool.
type BridgeTool struct {
	server      string
	remote      string // name on the server
	name        string // registered name, "<prefix>__<remote>" when prefixed
	description string
	schema      map[string]any
	opts        ServerOptions
	client      *mcpclient.Client
	connected   *atomic.Bool
}

func newBridgeTool(server string, t mcpgo.Tool, c *mcpclient.Client, opts ServerOptions, connected *atomic.Bool) *BridgeTool {
	return &BridgeTool{
		server:      server,
		remote:      t.Name,
		name:        registeredName(opts.Prefix, t.Name),
		description: t.Description,
		schema:      inputSchemaToMap(t),
		opts:        opts,
		client:      c,
		connected:   connected,
	}
}

func registeredName(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "__" + name
}

func (t *BridgeTool) Name() string                 { return t.name }
func (t *BridgeTool) Description() string          { return t.description }
func (t *BridgeTool) Parameters() map[string]any   { return t.schema }
func (t *BridgeTool) Level() tools.Level           { return t.opts.Level }
func (t *BridgeTool) Capability() tools.Capability { return t.opts.Capability }

func (t *BridgeTool) Execute(ctx context.Context, params map[string]any) (tools.Result, error) {
	if !t.connected.Load() {
		return tools.Result{}, fmt.Errorf("mcp server %q is disconnected", t.server)
	}
	callCtx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = t.remote
	req.Params.Arguments = params
	res, err := t.client.CallTool(callCtx, req)
	if err != nil {
		return tools.Result{}, fmt.Errorf("mcp %s/%s: %w", t.server, t.remote, err)
	}
	text := extractTextContent(res)
	if res.IsError {
		return tools.Result{}, &tools.ToolError{Kind: tools.KindExecutionFailed, Message: text}
	}
	return tools.Result{Output: text, Data: map[string]any{"server": t.server}}, nil
}

// inputSchemaToMap returns the tool's JSON Schema as a plain map. An empty
// schema becomes an object schema without properties.
func inputSchemaToMap(t mcpgo.Tool) map[string]any {
	raw := []byte(t.RawInputSchema)
	if len(raw) == 0 {
		b, err := json.Marshal(t.InputSchema)
		if err == nil {
			raw = b
		}
	}
	m := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &m)
	}
	for k, v := range m {
		if v == nil {
			delete(m, k)
		}
	}
	if typ, _ := m["type"].(string); typ == "" {
		m["type"] = "object"
	}
	return m
}

// extractTextContent joins the text parts of a result. Other content kinds
// are noted by type.
func extractTextContent(res *mcpgo.CallToolResult) string {
	if res == nil || len(res.Content) == 0 {
		return ""
	}
	parts := make([]string, 0, len(res.Content))
	for _, c := range res.Content {
		switch v := c.(type) {
		case mcpgo.TextContent:
			parts = append(parts, v.Text)
		case *mcpgo.TextContent:
			parts = append(parts, v.Text)
		default:
			parts = append(parts, fmt.Sprintf("[non-text content: %T]", c))
		}
	}
	return strings.Join(parts, "\n")
}

const defaultTimeout = 60 * time.Second
