package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/KafClaw/localclaw/internal/agent"
	"github.com/KafClaw/localclaw/internal/approval"
	"github.com/KafClaw/localclaw/internal/bus"
	"github.com/KafClaw/localclaw/internal/config"
	"github.com/KafClaw/localclaw/internal/inference"
	"github.com/KafClaw/localclaw/internal/inference/inferencetest"
	"github.com/KafClaw/localclaw/internal/mcp"
	"github.com/KafClaw/localclaw/internal/metrics"
	"github.com/KafClaw/localclaw/internal/planning"
	"github.com/KafClaw/localclaw/internal/policy"
	"github.com/KafClaw/localclaw/internal/session"
	"github.com/KafClaw/localclaw/internal/timeline"
	"github.com/KafClaw/localclaw/internal/tools"
)

// app holds every component of a running agent process.
type app struct {
	cfg       *config.Config
	timeline  *timeline.Service
	bus       *bus.Bus
	kafka     *bus.KafkaSink
	registry  *tools.Registry
	mcp       *mcp.Provider
	policy    *policy.Manager
	approvals *approval.Manager
	engine    *inference.Engine
	scripted  *inference.Scripted
	metrics   *metrics.Collectors
	gatherer  prometheus.Gatherer
	sessions  *session.Store
	manager   *session.Manager

	cancel    context.CancelFunc
	busDone   chan struct{}
	server    *http.Server
	tmpDir    string
	closeOnce sync.Once
}

// appOptions tweak newApp for a command.
type appOptions struct {
	// sinks are subscribed to the event bus next to the configured ones.
	sinks []bus.Sink
	// backend overrides cfg.Model.Backend.
	backend string
	// respond answers prompts on the scripted backend.
	respond func(prompt string) string
	// tokenDelay slows the scripted backend down.
	tokenDelay time.Duration
}

func newApp(cfg *config.Config, opts appOptions) (*app, error) {
	rt := &app{cfg: cfg, busDone: make(chan struct{})}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	if err := os.MkdirAll(cfg.Paths.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	tl, err := timeline.NewService(cfg.TimelinePath())
	if err != nil {
		return nil, fmt.Errorf("open timeline: %w", err)
	}
	rt.timeline = tl

	reg := prometheus.NewRegistry()
	rt.gatherer = reg
	rt.metrics = metrics.New(reg)

	// Event bus and sinks.
	rt.bus = bus.New(cfg.Events.BufferSize)
	if cfg.Events.Timeline {
		rt.bus.Subscribe(bus.StoreSink{Store: tl})
	}
	if cfg.Events.Log {
		rt.bus.Subscribe(bus.LogSink{})
	}
	if cfg.Events.Kafka.Brokers != "" {
		sink, err := bus.NewKafkaSink(cfg.Events.Kafka.Options())
		if err != nil {
			return nil, fmt.Errorf("kafka sink: %w", err)
		}
		rt.kafka = sink
		rt.bus.Subscribe(rt.kafka)
		slog.Info("Publishing events to kafka", "brokers", cfg.Events.Kafka.Brokers, "topic", cfg.Events.Kafka.Topic)
	}
	for _, s := range opts.sinks {
		rt.bus.Subscribe(s)
	}
	busCtx, cancel := context.WithCancel(context.Background())
	rt.cancel = cancel
	go func() {
		defer close(rt.busDone)
		_ = rt.bus.Run(busCtx)
	}()

	// Tools.
	rt.registry = tools.NewRegistry()
	workspace := func() string { return cfg.Paths.Workspace }
	rt.registry.MustRegister(
		tools.NewReadFileTool(workspace),
		tools.NewListDirTool(workspace),
		tools.NewWriteFileTool(workspace),
		tools.NewShellTool(cfg.Tools.Exec.Timeout.Std(), cfg.Tools.Exec.RestrictToWorkspace, cfg.Paths.Workspace),
		tools.NewWebFetchTool(&http.Client{Timeout: cfg.Tools.Web.Timeout.Std()}),
		&tools.ThinkTool{},
		&tools.TodoWriteTool{},
	)
	if len(cfg.Tools.RateLimits) > 0 {
		rt.registry.SetRateLimiter(tools.NewRateLimiter(cfg.Tools.RateLimits, cfg.Tools.RateBurst))
	}
	rt.mcp = mcp.NewProvider(rt.registry, version)
	rt.connectMCP(cfg.Tools.MCP)

	// Permissions.
	var exceptions policy.ExceptionStore
	if cfg.Permissions.PersistExceptions {
		exceptions = tl
	}
	rt.policy = policy.NewManager(policySettings(cfg), exceptions)
	rt.approvals = approval.NewManager(tl)

	// Inference.
	backendName := cfg.Model.Backend
	if opts.backend != "" {
		backendName = opts.backend
	}
	var backend inference.Backend
	modelPath := cfg.Model.Path
	switch backendName {
	case "scripted":
		rt.scripted = inference.NewScripted()
		rt.scripted.Respond = opts.respond
		rt.scripted.TokenDelay = opts.tokenDelay
		backend = rt.scripted
		if modelPath == "" {
			dir, err := os.MkdirTemp("", "localclaw-scripted-")
			if err != nil {
				return nil, err
			}
			rt.tmpDir = dir
			if modelPath, err = inferencetest.WriteModel(dir, "scripted"); err != nil {
				return nil, fmt.Errorf("write scripted model: %w", err)
			}
		}
	case "llama":
		backend = inference.NewLlamaServer(cfg.Model.ServerURL, cfg.Model.Slot)
	default:
		return nil, fmt.Errorf("unknown backend %q", backendName)
	}
	rt.engine = inference.New(backend, inference.Options{
		QueueSize:    cfg.Engine.QueueSize,
		StreamBuffer: cfg.Engine.StreamBuffer,
		ContextSize:  cfg.Engine.ContextSize,
		GPULayers:    cfg.Engine.GPULayers,
		Threads:      cfg.Engine.Threads,
		MemoryBudget: uint64(cfg.Engine.MemoryBudgetMB) << 20,
		VRAMBudget:   uint64(cfg.Engine.VRAMBudgetMB) << 20,
		Observer:     rt.metrics,
	})
	if modelPath == "" {
		return nil, errors.New("no model configured: set model.path or LOCALCLAW_MODEL_MODEL_PATH")
	}
	ctx, cancelLoad := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancelLoad()
	info, err := rt.engine.LoadModel(ctx, modelPath)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	slog.Info("Model loaded", "name", info.Name, "arch", info.Architecture,
		"memory", inference.FormatBytes(info.MemoryEstimate), "backend", backendName)

	// Conversations.
	if rt.sessions, err = session.NewStore(cfg.SessionsPath()); err != nil {
		return nil, err
	}
	rt.manager, err = session.NewManager(session.Options{
		Loop: agent.LoopOptions{
			Engine:      rt.engine,
			Registry:    rt.registry,
			Policy:      rt.policy,
			Approvals:   rt.approvals,
			Planner:     planning.NewPlanner(),
			Sink:        rt.bus,
			Checkpoints: tl,
			Metrics:     rt.metrics,
			Options:     loopOptions(cfg),
		},
		MaxConcurrent:   cfg.Agent.MaxConcurrent,
		ResultCacheSize: cfg.Agent.ResultCacheSize,
		Store:           rt.sessions,
		HistoryLimit:    cfg.Agent.HistoryLimit,
	})
	if err != nil {
		return nil, err
	}

	// Decisions recorded by `localclaw approvals` in another process.
	go rt.approvals.Watch(busCtx, tl, time.Second)

	ok = true
	return rt, nil
}

func policySettings(cfg *config.Config) policy.Settings {
	p := cfg.Permissions
	return policy.Settings{
		Mode: policy.Mode{
			Allowlist:      p.Allowlist,
			Ceiling:        cfg.CeilingLevel(),
			AutoApproveAll: p.AutoApproveAll,
		},
		Capabilities: policy.Capabilities{
			Filesystem: p.Filesystem,
			Web:        p.Web,
			Bash:       p.Bash,
			Git:        p.Git,
		},
	}
}

func loopOptions(cfg *config.Config) agent.Options {
	a, g := cfg.Agent, cfg.Generation
	maxRetries := a.MaxRetries
	if maxRetries == 0 {
		maxRetries = -1
	}
	return agent.Options{
		Limits: agent.Limits{
			MaxIterations:        a.MaxIterations,
			MaxDuration:          a.MaxDuration.Std(),
			LoopWindow:           a.LoopWindow,
			MaxConsecutiveErrors: a.MaxConsecutiveErrors,
		},
		Generation: inference.Params{
			Temperature:   g.Temperature,
			TopP:          g.TopP,
			TopK:          g.TopK,
			RepeatPenalty: g.RepeatPenalty,
			MaxTokens:     g.MaxTokens,
			Seed:          g.Seed,
			Stop:          g.Stop,
		},
		ToolTimeout:       a.ToolTimeout.Std(),
		GenerationTimeout: a.GenerationTimeout.Std(),
		ApprovalTimeout:   a.ApprovalTimeout.Std(),
		Retry: agent.Backoff{
			Initial:  a.Backoff.Initial.Std(),
			Factor:   a.Backoff.Factor,
			MaxDelay: a.Backoff.MaxDelay.Std(),
			Jitter:   a.Backoff.Jitter,
		},
		MaxRetries:          maxRetries,
		MaxObservationChars: a.MaxObservationChars,
		MinIterationDelay:   a.MinIterationDelay.Std(),
		HistoryLimit:        a.HistoryLimit,
		SystemPrompt:        a.SystemPrompt,
		Workspace:           cfg.Paths.Workspace,
	}
}

// connectMCP starts the configured MCP servers. A server that fails to
// start is logged and skipped.
func (rt *app) connectMCP(servers map[string]config.MCPServerConfig) {
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sc := servers[name]
		if sc.Disabled {
			continue
		}
		cmd, opts := mcpServer(sc)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		registered, err := rt.mcp.ConnectStdio(ctx, name, cmd, opts)
		cancel()
		if err != nil {
			slog.Warn("MCP server unavailable", "server", name, "error", err)
			continue
		}
		slog.Debug("MCP tools registered", "server", name, "tools", registered)
	}
}

func mcpServer(sc config.MCPServerConfig) (mcp.Command, mcp.ServerOptions) {
	env := make([]string, 0, len(sc.Env))
	for k, v := range sc.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return mcp.Command{Path: sc.Command, Args: sc.Args, Env: env}, mcp.ServerOptions{
		Level:      sc.ToolLevel(),
		Capability: tools.Capability(sc.Capability),
		Prefix:     sc.Prefix,
		Timeout:    sc.Timeout.Std(),
	}
}

// serveMetrics exposes /metrics on addr until Close.
func (rt *app) serveMetrics(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(rt.gatherer))
	rt.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := rt.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("Metrics server stopped", "addr", addr, "error", err)
		}
	}()
	slog.Info("Serving metrics", "addr", addr)
}

// drain waits until queued events have reached the sinks or timeout passes.
func (rt *app) drain(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for rt.bus.Pending() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
}

// Close shuts components down in reverse order. The bus is drained last so
// the final events reach every sink. It is safe to call more than once.
func (rt *app) Close() {
	rt.closeOnce.Do(rt.close)
}

func (rt *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if rt.manager != nil {
		rt.manager.CancelAll()
	}
	if rt.mcp != nil {
		if err := rt.mcp.Close(); err != nil {
			slog.Warn("MCP close failed", "error", err)
		}
	}
	if rt.engine != nil {
		if err := rt.engine.Close(ctx); err != nil {
			slog.Warn("Engine close failed", "error", err)
		}
	}
	if rt.server != nil {
		_ = rt.server.Shutdown(ctx)
	}
	if rt.cancel != nil {
		rt.cancel()
		<-rt.busDone
	}
	if rt.kafka != nil {
		if err := rt.kafka.Close(); err != nil {
			slog.Warn("Kafka sink close failed", "error", err)
		}
	}
	if rt.timeline != nil {
		_ = rt.timeline.Close()
	}
	if rt.tmpDir != "" {
		_ = os.RemoveAll(filepath.Clean(rt.tmpDir))
	}
}
