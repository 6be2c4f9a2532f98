// Package mcp registers the tools of Model Context Protocol servers in the
// tool registry and removes them again when a server goes away.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/KafClaw/localclaw/internal/tools"
)

const toolsListChanged = "notifications/tools/list_changed"

// ErrServerExists is returned when a server name is already connected.
var ErrServerExists = errors.New("mcp server already connected")

// ServerOptions control how one server's tools are registered.
type ServerOptions struct {
	// Level is the permission level of every tool of the server.
	Level tools.Level
	// Capability gates the tools. Empty derives it from Level.
	Capability tools.Capability
	// Prefix is prepended to remote tool names as "<prefix>__<name>".
	Prefix string
	// Timeout bounds one tool call. Zero means 60s.
	Timeout time.Duration
}

func (o ServerOptions) normalized() ServerOptions {
	if o.Capability == tools.CapNone {
		o.Capability = tools.ToolCapability(nil, o.Level)
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	return o
}

// Command describes a server started as a child process speaking stdio.
type Command struct {
	Path string
	Args []string
	Env  []string
}

type server struct {
	name      string
	client    *mcpclient.Client
	opts      ServerOptions
	connected atomic.Bool

	mu    sync.Mutex
	names []string
}

// Provider owns the MCP server connections of one process.
type Provider struct {
	registry *tools.Registry
	version  string

	mu      sync.Mutex
	servers map[string]*server
}

// NewProvider returns a provider registering into reg. version is reported
// to servers as the client version.
func NewProvider(reg *tools.Registry, version string) *Provider {
	return &Provider{registry: reg, version: version, servers: make(map[string]*server)}
}

// ConnectStdio starts cmd, performs the MCP handshake and registers the
// server's tools. It returns the registered tool names.
func (p *Provider) ConnectStdio(ctx context.Context, name string, cmd Command, opts ServerOptions) ([]string, error) {
	c := mcpclient.NewClient(transport.NewStdio(cmd.Path, cmd.Env, cmd.Args...))
	// The child process lives as long as the client, not as long as ctx.
	if err := c.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, fmt.Errorf("mcp %s: start %s: %w", name, cmd.Path, err)
	}
	names, err := p.attach(ctx, name, c, opts)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return names, nil
}

// attach initializes a started client and registers its tools.
func (p *Provider) attach(ctx context.Context, name string, c *mcpclient.Client, opts ServerOptions) ([]string, error) {
	p.mu.Lock()
	if _, ok := p.servers[name]; ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("mcp %s: %w", name, ErrServerExists)
	}
	s := &server{name: name, client: c, opts: opts.normalized()}
	p.servers[name] = s
	p.mu.Unlock()

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "localclaw", Version: p.version}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		p.forget(name)
		return nil, fmt.Errorf("mcp %s: initialize: %w", name, err)
	}
	s.connected.Store(true)

	if err := p.sync(ctx, s); err != nil {
		p.forget(name)
		p.unregister(s)
		return nil, err
	}
	c.OnNotification(func(n mcpgo.JSONRPCNotification) {
		if n.Method != toolsListChanged {
			return
		}
		// Handlers run on the transport's reader; the refresh needs it free.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
			defer cancel()
			if err := p.sync(ctx, s); err != nil {
				slog.Warn("MCP tool refresh failed", "server", name, "error", err)
			}
		}()
	})

	s.mu.Lock()
	names := append([]string(nil), s.names...)
	s.mu.Unlock()
	slog.Info("MCP server connected", "server", name, "tools", len(names), "level", s.opts.Level)
	return names, nil
}

// sync lists the server's tools and brings the registry in line: tools the
// server dropped are unregistered, new ones registered.
// Listing happens under s.mu so a stale listing is never applied last.
func (p *Provider) sync(ctx context.Context, s *server) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected.Load() {
		return nil
	}
	remote, err := listTools(ctx, s.client)
	if err != nil {
		return fmt.Errorf("mcp %s: list tools: %w", s.name, err)
	}

	want := make(map[string]mcpgo.Tool, len(remote))
	for _, t := range remote {
		want[registeredName(s.opts.Prefix, t.Name)] = t
	}
	kept := s.names[:0]
	for _, n := range s.names {
		if _, ok := want[n]; ok {
			kept = append(kept, n)
			delete(want, n)
			continue
		}
		p.registry.Unregister(n)
		slog.Debug("MCP tool removed", "server", s.name, "tool", n)
	}
	s.names = kept
	for _, t := range remote {
		n := registeredName(s.opts.Prefix, t.Name)
		if _, ok := want[n]; !ok {
			continue
		}
		if err := p.registry.Register(newBridgeTool(s.name, t, s.client, s.opts, &s.connected)); err != nil {
			slog.Warn("MCP tool skipped", "server", s.name, "tool", n, "error", err)
			continue
		}
		s.names = append(s.names, n)
	}
	return nil
}

func listTools(ctx context.Context, c *mcpclient.Client) ([]mcpgo.Tool, error) {
	var (
		req mcpgo.ListToolsRequest
		out []mcpgo.Tool
	)
	for {
		res, err := c.ListTools(ctx, req)
		if err != nil {
			return nil, err
		}
		out = append(out, res.Tools...)
		if res.NextCursor == "" {
			return out, nil
		}
		req.Params.Cursor = res.NextCursor
	}
}

// disconnect unregisters the server's tools and closes its client.
func (p *Provider) disconnect(name string) error {
	s := p.forget(name)
	if s == nil {
		return fmt.Errorf("mcp %s: not connected", name)
	}
	p.unregister(s)
	slog.Info("MCP server disconnected", "server", name)
	return s.client.Close()
}

// Close disconnects every server.
func (p *Provider) Close() error {
	p.mu.Lock()
	names := make([]string, 0, len(p.servers))
	for n := range p.servers {
		names = append(names, n)
	}
	p.mu.Unlock()
	var errs []error
	for _, n := range names {
		if err := p.disconnect(n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Provider) forget(name string) *server {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.servers[name]
	delete(p.servers, name)
	return s
}

func (p *Provider) unregister(s *server) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected.Store(false)
	for _, n := range s.names {
		p.registry.Unregister(n)
	}
	s.names = nil
}
