package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/KafClaw/localclaw/internal/tools"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config validation failed")

// Validate checks every group and reports all problems in one error.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Model.Backend {
	case "llama", "scripted":
	default:
		add("model.backend must be llama or scripted, got %q", c.Model.Backend)
	}

	g := c.Generation
	if g.Temperature < 0 || g.Temperature > 2 {
		add("generation.temperature must be in [0,2], got %g", g.Temperature)
	}
	if g.TopP <= 0 || g.TopP > 1 {
		add("generation.topP must be in (0,1], got %g", g.TopP)
	}
	if g.TopK < 0 {
		add("generation.topK must be >= 0, got %d", g.TopK)
	}
	if g.RepeatPenalty < 0 {
		add("generation.repeatPenalty must be >= 0, got %g", g.RepeatPenalty)
	}
	if g.MaxTokens <= 0 {
		add("generation.maxTokens must be > 0, got %d", g.MaxTokens)
	}

	a := c.Agent
	if a.MaxIterations <= 0 {
		add("agent.maxIterations must be > 0, got %d", a.MaxIterations)
	}
	if a.MaxDuration <= 0 {
		add("agent.maxDuration must be > 0, got %s", a.MaxDuration)
	}
	if a.LoopWindow < 2 {
		add("agent.loopWindow must be >= 2, got %d", a.LoopWindow)
	}
	if a.MaxConsecutiveErrors <= 0 {
		add("agent.maxConsecutiveErrors must be > 0, got %d", a.MaxConsecutiveErrors)
	}
	if a.ToolTimeout < 0 || a.GenerationTimeout < 0 || a.ApprovalTimeout < 0 || a.MinIterationDelay < 0 {
		add("agent timeouts and delays must not be negative")
	}
	if a.Backoff.Initial <= 0 {
		add("agent.backoff.initial must be > 0, got %s", a.Backoff.Initial)
	}
	if a.Backoff.Factor < 1 {
		add("agent.backoff.factor must be >= 1, got %g", a.Backoff.Factor)
	}
	if a.Backoff.MaxDelay < a.Backoff.Initial {
		add("agent.backoff.maxDelay must be >= initial")
	}
	if a.Backoff.Jitter < 0 || a.Backoff.Jitter > 1 {
		add("agent.backoff.jitter must be in [0,1], got %g", a.Backoff.Jitter)
	}
	if a.MaxConcurrent <= 0 {
		add("agent.maxConcurrent must be > 0, got %d", a.MaxConcurrent)
	}
	if a.ResultCacheSize <= 0 {
		add("agent.resultCacheSize must be > 0, got %d", a.ResultCacheSize)
	}

	if _, err := tools.ParseLevel(c.Permissions.Ceiling); err != nil {
		add("permissions.ceiling: %v", err)
	}

	e := c.Engine
	if e.QueueSize <= 0 {
		add("engine.queueSize must be > 0, got %d", e.QueueSize)
	}
	if e.StreamBuffer <= 0 {
		add("engine.streamBuffer must be > 0, got %d", e.StreamBuffer)
	}
	if e.ContextSize <= 0 {
		add("engine.contextSize must be > 0, got %d", e.ContextSize)
	}
	if e.MemoryBudgetMB < 0 {
		add("engine.memoryBudgetMb must be >= 0, got %d", e.MemoryBudgetMB)
	}
	if e.VRAMBudgetMB < 0 {
		add("engine.vramBudgetMb must be >= 0, got %d", e.VRAMBudgetMB)
	}

	if c.Events.Kafka.Brokers != "" && c.Events.Kafka.Topic == "" {
		add("events.kafka.topic is required when brokers are set")
	}
	switch strings.ToUpper(c.Events.Kafka.SecurityProtocol) {
	case "", "PLAINTEXT", "SSL", "SASL_PLAINTEXT", "SASL_SSL":
	default:
		add("events.kafka.securityProtocol must be PLAINTEXT, SSL, SASL_PLAINTEXT or SASL_SSL, got %q", c.Events.Kafka.SecurityProtocol)
	}
	switch strings.ToUpper(c.Events.Kafka.SASLMechanism) {
	case "", "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512":
	default:
		add("events.kafka.saslMechanism must be PLAIN, SCRAM-SHA-256 or SCRAM-SHA-512, got %q", c.Events.Kafka.SASLMechanism)
	}
	for name, rpm := range c.Tools.RateLimits {
		if rpm < 0 {
			add("tools.rateLimits[%s] must be >= 0, got %d", name, rpm)
		}
	}
	for name, srv := range c.Tools.MCP {
		if strings.TrimSpace(srv.Command) == "" {
			add("tools.mcp[%s].command is required", name)
		}
		if srv.Level != "" {
			if _, err := tools.ParseLevel(srv.Level); err != nil {
				add("tools.mcp[%s].level: %v", name, err)
			}
		}
		switch tools.Capability(srv.Capability) {
		case tools.CapNone, tools.CapFilesystem, tools.CapWeb, tools.CapBash, tools.CapGit:
		default:
			add("tools.mcp[%s].capability must be filesystem, web, bash or git, got %q", name, srv.Capability)
		}
		if srv.Timeout < 0 {
			add("tools.mcp[%s].timeout must be >= 0", name)
		}
		if strings.Contains(srv.Prefix, "__") {
			add("tools.mcp[%s].prefix must not contain \"__\"", name)
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
}

// CeilingLevel returns the parsed permission ceiling.
func (c *Config) CeilingLevel() tools.Level {
	l, err := tools.ParseLevel(c.Permissions.Ceiling)
	if err != nil {
		return tools.LevelReadOnly
	}
	return l
}
