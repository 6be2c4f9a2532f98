package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"testing"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/KafClaw/localclaw/internal/tools"
)

func newTestServer() *mcpserver.MCPServer {
	srv := mcpserver.NewMCPServer("notes", "1.0.0", mcpserver.WithToolCapabilities(true))
	srv.AddTool(mcpgo.NewTool("echo",
		mcpgo.WithDescription("Echo the text back"),
		mcpgo.WithString("text", mcpgo.Required()),
	), func(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		text, _ := req.GetArguments()["text"].(string)
		return mcpgo.NewToolResultText(text), nil
	})
	srv.AddTool(mcpgo.NewTool("fail", mcpgo.WithDescription("Always fails")),
		func(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
			return mcpgo.NewToolResultError("disk on fire"), nil
		})
	return srv
}

func connect(t *testing.T, p *Provider, name string, srv *mcpserver.MCPServer, opts ServerOptions) []string {
	t.Helper()
	ctx := context.Background()
	c, err := mcpclient.NewInProcessClient(srv)
	if err != nil {
		t.Fatalf("in-process client: %v", err)
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	names, err := p.attach(ctx, name, c, opts)
	if err != nil {
		_ = c.Close()
		t.Fatalf("attach %s: %v", name, err)
	}
	return names
}

func TestProviderRegistersServerTools(t *testing.T) {
	reg := tools.NewRegistry()
	p := NewProvider(reg, "test")
	defer p.Close()

	names := connect(t, p, "notes", newTestServer(), ServerOptions{Level: tools.LevelReadOnly, Prefix: "notes"})
	slices.Sort(names)
	if want := []string{"notes__echo", "notes__fail"}; !slices.Equal(names, want) {
		t.Fatalf("registered %v, want %v", names, want)
	}
	lvl, err := reg.LevelOf("notes__echo")
	if err != nil || lvl != tools.LevelReadOnly {
		t.Fatalf("LevelOf = %v, %v; want read_only", lvl, err)
	}

	res, err := reg.Execute(context.Background(), "notes__echo", map[string]any{"text": "hello"})
	if err != nil {
		t.Fatalf("echo: %v", err)
	}
	if res.Output != "hello" {
		t.Errorf("echo output = %q", res.Output)
	}

	_, err = reg.Execute(context.Background(), "notes__echo", map[string]any{})
	if !errors.Is(err, tools.ErrInvalidParams) {
		t.Errorf("missing text: err = %v, want invalid params", err)
	}

	_, err = reg.Execute(context.Background(), "notes__fail", nil)
	if !errors.Is(err, tools.ErrExecutionFailed) || !strings.Contains(err.Error(), "disk on fire") {
		t.Errorf("fail: err = %v", err)
	}
}

func TestProviderCapabilityFollowsLevel(t *testing.T) {
	reg := tools.NewRegistry()
	p := NewProvider(reg, "test")
	defer p.Close()
	connect(t, p, "notes", newTestServer(), ServerOptions{Level: tools.LevelNetwork})

	tool, ok := reg.Get("echo")
	if !ok {
		t.Fatal("echo not registered without prefix")
	}
	if c := tool.(tools.Capable).Capability(); c != tools.CapWeb {
		t.Errorf("capability = %q, want web", c)
	}
}

func TestProviderSyncDropsRemovedTools(t *testing.T) {
	reg := tools.NewRegistry()
	p := NewProvider(reg, "test")
	defer p.Close()
	srv := newTestServer()
	connect(t, p, "notes", srv, ServerOptions{Level: tools.LevelReadOnly})

	srv.DeleteTools("fail")
	srv.AddTool(mcpgo.NewTool("count"), func(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		return mcpgo.NewToolResultText("3"), nil
	})
	if err := p.sync(context.Background(), p.servers["notes"]); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if _, ok := reg.Get("fail"); ok {
		t.Error("fail still registered after the server dropped it")
	}
	for _, n := range []string{"echo", "count"} {
		if _, ok := reg.Get(n); !ok {
			t.Errorf("%s not registered after sync", n)
		}
	}
}

func TestProviderCloseUnregistersOnlyItsTools(t *testing.T) {
	reg := tools.NewRegistry()
	reg.MustRegister(&tools.ThinkTool{}, &stubEcho{})
	p := NewProvider(reg, "test")
	names := connect(t, p, "notes", newTestServer(), ServerOptions{Level: tools.LevelReadOnly})
	if slices.Contains(names, "echo") {
		t.Fatalf("echo clashes with a builtin but was registered: %v", names)
	}
	held, ok := reg.Get("fail")
	if !ok {
		t.Fatal("fail not registered")
	}

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := reg.Get("fail"); ok {
		t.Error("fail still registered after close")
	}
	if tool, ok := reg.Get("echo"); !ok || tool.Description() != "builtin echo" {
		t.Error("close removed the builtin echo")
	}
	if _, ok := reg.Get("think"); !ok {
		t.Error("close removed think")
	}
	if _, err := held.Execute(context.Background(), nil); err == nil || !strings.Contains(err.Error(), "disconnected") {
		t.Errorf("call after close: err = %v", err)
	}
}

func TestProviderRejectsDuplicateServer(t *testing.T) {
	reg := tools.NewRegistry()
	p := NewProvider(reg, "test")
	defer p.Close()
	connect(t, p, "notes", newTestServer(), ServerOptions{Prefix: "a"})

	c, err := mcpclient.NewInProcessClient(newTestServer())
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	defer c.Close()
	if _, err := p.attach(context.Background(), "notes", c, ServerOptions{Prefix: "b"}); !errors.Is(err, ErrServerExists) {
		t.Fatalf("second attach: err = %v, want ErrServerExists", err)
	}
	if _, ok := reg.Get("b__echo"); ok {
		t.Error("rejected server registered tools")
	}
}

func TestInputSchemaToMap(t *testing.T) {
	typed := inputSchemaToMap(mcpgo.NewTool("read", mcpgo.WithString("path", mcpgo.Required())))
	props, _ := typed["properties"].(map[string]any)
	if typed["type"] != "object" || props["path"] == nil {
		t.Errorf("typed schema = %v", typed)
	}
	if req, _ := typed["required"].([]any); len(req) != 1 || req[0] != "path" {
		t.Errorf("required = %v", typed["required"])
	}

	raw := inputSchemaToMap(mcpgo.Tool{Name: "raw", RawInputSchema: json.RawMessage(`{"properties":{"n":{"type":"integer"}}}`)})
	if raw["type"] != "object" || raw["properties"] == nil {
		t.Errorf("raw schema = %v", raw)
	}

	empty := inputSchemaToMap(mcpgo.Tool{Name: "none"})
	if empty["type"] != "object" {
		t.Errorf("empty schema = %v", empty)
	}
	for k, v := range empty {
		if v == nil {
			t.Errorf("empty schema keeps nil %s", k)
		}
	}
}

func TestExtractTextContent(t *testing.T) {
	res := &mcpgo.CallToolResult{Content: []mcpgo.Content{
		mcpgo.NewTextContent("first"),
		&mcpgo.TextContent{Type: "text", Text: "second"},
		mcpgo.ImageContent{Type: "image"},
	}}
	got := extractTextContent(res)
	lines := strings.Split(got, "\n")
	if len(lines) != 3 || lines[0] != "first" || lines[1] != "second" || !strings.HasPrefix(lines[2], "[non-text content:") {
		t.Errorf("extractTextContent = %q", got)
	}
	if got := extractTextContent(nil); got != "" {
		t.Errorf("nil result = %q", got)
	}
}

type stubEcho struct{}

func (stubEcho) Name() string               { return "echo" }
func (stubEcho) Description() string        { return "builtin echo" }
func (stubEcho) Parameters() map[string]any { return nil }
func (stubEcho) Execute(ctx context.Context, params map[string]any) (tools.Result, error) {
	return tools.Text("builtin"), nil
}
