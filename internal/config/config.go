// Package config provides configuration types and loading for localclaw.
package config

import (
	"fmt"
	"time"

	"github.com/KafClaw/localclaw/internal/bus"
	"github.com/KafClaw/localclaw/internal/tools"
)

// Config is the root configuration struct.
// Top-level groups: Paths, Model, Generation, Agent, Permissions, Engine, Events, Tools.
type Config struct {
	Paths       PathsConfig       `json:"paths" yaml:"paths"`
	Model       ModelConfig       `json:"model" yaml:"model"`
	Generation  GenerationConfig  `json:"generation" yaml:"generation"`
	Agent       AgentConfig       `json:"agent" yaml:"agent"`
	Permissions PermissionsConfig `json:"permissions" yaml:"permissions"`
	Engine      EngineConfig      `json:"engine" yaml:"engine"`
	Events      EventsConfig      `json:"events" yaml:"events"`
	Tools       ToolsConfig       `json:"tools" yaml:"tools"`
}

// Duration is a time.Duration written as "30s" in files and env vars.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	*d = Duration(v)
	return nil
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings. Empty TimelineDB and
// SessionsDir are placed under DataDir.
type PathsConfig struct {
	Workspace   string `json:"workspace" yaml:"workspace" envconfig:"WORKSPACE"`
	DataDir     string `json:"dataDir" yaml:"dataDir" envconfig:"DATA_DIR"`
	TimelineDB  string `json:"timelineDb,omitempty" yaml:"timelineDb,omitempty" envconfig:"TIMELINE_DB"`
	SessionsDir string `json:"sessionsDir,omitempty" yaml:"sessionsDir,omitempty" envconfig:"SESSIONS_DIR"`
}

// ---------------------------------------------------------------------------
// Model – which weights and which backend
// ---------------------------------------------------------------------------

// ModelConfig selects the model file and the backend that runs it.
type ModelConfig struct {
	Path string `json:"path" yaml:"path" envconfig:"MODEL_PATH"`
	// Backend is "llama" (a llama.cpp server) or "scripted".
	Backend   string `json:"backend" yaml:"backend" envconfig:"BACKEND"`
	ServerURL string `json:"serverUrl" yaml:"serverUrl" envconfig:"SERVER_URL"`
	Slot      int    `json:"slot" yaml:"slot" envconfig:"MODEL_SLOT"`
}

// ---------------------------------------------------------------------------
// Generation – default sampling parameters
// ---------------------------------------------------------------------------

// GenerationConfig holds the default sampling parameters of every generation.
type GenerationConfig struct {
	Temperature   float64  `json:"temperature" yaml:"temperature" envconfig:"TEMPERATURE"`
	TopP          float64  `json:"topP" yaml:"topP" envconfig:"TOP_P"`
	TopK          int      `json:"topK" yaml:"topK" envconfig:"TOP_K"`
	RepeatPenalty float64  `json:"repeatPenalty" yaml:"repeatPenalty" envconfig:"REPEAT_PENALTY"`
	MaxTokens     int      `json:"maxTokens" yaml:"maxTokens" envconfig:"MAX_TOKENS"`
	Seed          int64    `json:"seed" yaml:"seed" envconfig:"GEN_SEED"`
	Stop          []string `json:"stop,omitempty" yaml:"stop,omitempty" envconfig:"GEN_STOP"`
}

// ---------------------------------------------------------------------------
// Agent – loop limits and pacing
// ---------------------------------------------------------------------------

// AgentConfig bounds the agent loop.
type AgentConfig struct {
	MaxIterations        int           `json:"maxIterations" yaml:"maxIterations" envconfig:"MAX_ITERATIONS"`
	MaxDuration          Duration      `json:"maxDuration" yaml:"maxDuration" envconfig:"MAX_DURATION"`
	LoopWindow           int           `json:"loopWindow" yaml:"loopWindow" envconfig:"LOOP_WINDOW"`
	MaxConsecutiveErrors int           `json:"maxConsecutiveErrors" yaml:"maxConsecutiveErrors" envconfig:"MAX_CONSECUTIVE_ERRORS"`
	ToolTimeout          Duration      `json:"toolTimeout" yaml:"toolTimeout" envconfig:"TOOL_TIMEOUT"`
	GenerationTimeout    Duration      `json:"generationTimeout" yaml:"generationTimeout" envconfig:"GENERATION_TIMEOUT"`
	ApprovalTimeout      Duration      `json:"approvalTimeout" yaml:"approvalTimeout" envconfig:"APPROVAL_TIMEOUT"`
	MaxRetries           int           `json:"maxRetries" yaml:"maxRetries" envconfig:"MAX_RETRIES"`
	Backoff              BackoffConfig `json:"backoff" yaml:"backoff"`
	MaxObservationChars  int           `json:"maxObservationChars" yaml:"maxObservationChars" envconfig:"MAX_OBSERVATION_CHARS"`
	MinIterationDelay    Duration      `json:"minIterationDelay" yaml:"minIterationDelay" envconfig:"MIN_ITERATION_DELAY"`
	HistoryLimit         int           `json:"historyLimit" yaml:"historyLimit" envconfig:"HISTORY_LIMIT"`
	MaxConcurrent        int           `json:"maxConcurrent" yaml:"maxConcurrent" envconfig:"MAX_CONCURRENT"`
	ResultCacheSize      int           `json:"resultCacheSize" yaml:"resultCacheSize" envconfig:"RESULT_CACHE_SIZE"`
	SystemPrompt         string        `json:"systemPrompt,omitempty" yaml:"systemPrompt,omitempty" envconfig:"SYSTEM_PROMPT"`
}

// BackoffConfig is the retry curve for transient tool failures.
type BackoffConfig struct {
	Initial  Duration `json:"initial" yaml:"initial" envconfig:"BACKOFF_INITIAL"`
	Factor   float64  `json:"factor" yaml:"factor" envconfig:"BACKOFF_FACTOR"`
	MaxDelay Duration `json:"maxDelay" yaml:"maxDelay" envconfig:"BACKOFF_MAX_DELAY"`
	Jitter   float64  `json:"jitter" yaml:"jitter" envconfig:"BACKOFF_JITTER"`
}

// ---------------------------------------------------------------------------
// Permissions – mode and capability toggles
// ---------------------------------------------------------------------------

// PermissionsConfig is the permission mode and the capability toggles.
type PermissionsConfig struct {
	// Ceiling is the highest level approved without asking.
	Ceiling        string   `json:"ceiling" yaml:"ceiling" envconfig:"CEILING"`
	Allowlist      []string `json:"allowlist,omitempty" yaml:"allowlist,omitempty" envconfig:"ALLOWLIST"`
	AutoApproveAll bool     `json:"autoApproveAll" yaml:"autoApproveAll" envconfig:"AUTO_APPROVE_ALL"`
	// PersistExceptions keeps always-allow answers across restarts.
	PersistExceptions bool `json:"persistExceptions" yaml:"persistExceptions" envconfig:"PERSIST_EXCEPTIONS"`
	Filesystem        bool `json:"filesystem" yaml:"filesystem" envconfig:"CAP_FILESYSTEM"`
	Web               bool `json:"web" yaml:"web" envconfig:"CAP_WEB"`
	Bash              bool `json:"bash" yaml:"bash" envconfig:"CAP_BASH"`
	Git               bool `json:"git" yaml:"git" envconfig:"CAP_GIT"`
}

// ---------------------------------------------------------------------------
// Engine – inference worker resources
// ---------------------------------------------------------------------------

// EngineConfig sizes the inference worker.
type EngineConfig struct {
	QueueSize    int `json:"queueSize" yaml:"queueSize" envconfig:"QUEUE_SIZE"`
	StreamBuffer int `json:"streamBuffer" yaml:"streamBuffer" envconfig:"STREAM_BUFFER"`
	ContextSize  int `json:"contextSize" yaml:"contextSize" envconfig:"CONTEXT_SIZE"`
	GPULayers    int `json:"gpuLayers" yaml:"gpuLayers" envconfig:"GPU_LAYERS"`
	Threads      int `json:"threads" yaml:"threads" envconfig:"ENGINE_THREADS"`
	// MemoryBudgetMB caps model memory; 0 uses what the host has available.
	MemoryBudgetMB int `json:"memoryBudgetMb" yaml:"memoryBudgetMb" envconfig:"MEMORY_BUDGET_MB"`
	// VRAMBudgetMB caps offloaded layers; 0 asks nvidia-smi when gpuLayers is set.
	VRAMBudgetMB int `json:"vramBudgetMb" yaml:"vramBudgetMb" envconfig:"VRAM_BUDGET_MB"`
}

// ---------------------------------------------------------------------------
// Events – where agent events go
// ---------------------------------------------------------------------------

// EventsConfig selects the event sinks.
type EventsConfig struct {
	BufferSize int `json:"bufferSize" yaml:"bufferSize" envconfig:"EVENTS_BUFFER_SIZE"`
	// Timeline stores events in the sqlite timeline.
	Timeline bool `json:"timeline" yaml:"timeline" envconfig:"EVENTS_TIMELINE"`
	// Log writes events to the debug log.
	Log   bool        `json:"log" yaml:"log" envconfig:"EVENTS_LOG"`
	Kafka KafkaConfig `json:"kafka" yaml:"kafka"`
}

// KafkaConfig publishes events to Kafka when Brokers is set.
type KafkaConfig struct {
	Brokers    string `json:"brokers" yaml:"brokers" envconfig:"KAFKA_BROKERS"`
	Topic      string `json:"topic" yaml:"topic" envconfig:"KAFKA_TOPIC"`
	SkipTokens bool   `json:"skipTokens" yaml:"skipTokens" envconfig:"KAFKA_SKIP_TOKENS"`
	// SecurityProtocol is PLAINTEXT, SSL, SASL_PLAINTEXT or SASL_SSL.
	SecurityProtocol string `json:"securityProtocol,omitempty" yaml:"securityProtocol,omitempty" envconfig:"KAFKA_SECURITY_PROTOCOL"`
	// SASLMechanism is PLAIN, SCRAM-SHA-256 or SCRAM-SHA-512.
	SASLMechanism string `json:"saslMechanism,omitempty" yaml:"saslMechanism,omitempty" envconfig:"KAFKA_SASL_MECHANISM"`
	Username      string `json:"username,omitempty" yaml:"username,omitempty" envconfig:"KAFKA_USERNAME"`
	Password      string `json:"password,omitempty" yaml:"password,omitempty" envconfig:"KAFKA_PASSWORD"`
	CAFile        string `json:"caFile,omitempty" yaml:"caFile,omitempty" envconfig:"KAFKA_CA_FILE"`
}

// Options converts the settings for the bus Kafka sink and the doctor check.
func (k KafkaConfig) Options() bus.KafkaOptions {
	return bus.KafkaOptions{
		Brokers:          bus.SplitBrokers(k.Brokers),
		Topic:            k.Topic,
		SkipTokens:       k.SkipTokens,
		SecurityProtocol: k.SecurityProtocol,
		SASLMechanism:    k.SASLMechanism,
		Username:         k.Username,
		Password:         k.Password,
		CAFile:           k.CAFile,
	}
}

// ---------------------------------------------------------------------------
// Tools – tool-specific behaviour
// ---------------------------------------------------------------------------

// ToolsConfig contains tool-specific settings.
type ToolsConfig struct {
	Exec ExecToolConfig `json:"exec" yaml:"exec"`
	Web  WebToolConfig  `json:"web" yaml:"web"`
	// RateLimits caps calls per minute by tool name.
	RateLimits map[string]int `json:"rateLimits,omitempty" yaml:"rateLimits,omitempty" envconfig:"RATE_LIMITS"`
	RateBurst  int            `json:"rateBurst" yaml:"rateBurst" envconfig:"RATE_BURST"`
	// MCP lists stdio MCP servers by name. Their tools join the registry.
	MCP map[string]MCPServerConfig `json:"mcp,omitempty" yaml:"mcp,omitempty" ignored:"true"`
}

// MCPServerConfig starts one MCP server as a child process.
type MCPServerConfig struct {
	Command string            `json:"command" yaml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	// Level applies to every tool of the server. Empty means execute_unsafe.
	Level string `json:"level,omitempty" yaml:"level,omitempty"`
	// Capability is filesystem, web, bash or git. Empty derives it from Level.
	Capability string   `json:"capability,omitempty" yaml:"capability,omitempty"`
	Prefix     string   `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Timeout    Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Disabled   bool     `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// ToolLevel returns the parsed level, tools.DefaultLevel when unset.
func (s MCPServerConfig) ToolLevel() tools.Level {
	if s.Level == "" {
		return tools.DefaultLevel
	}
	l, err := tools.ParseLevel(s.Level)
	if err != nil {
		return tools.DefaultLevel
	}
	return l
}

// ExecToolConfig contains shell execution tool settings.
type ExecToolConfig struct {
	Timeout             Duration `json:"timeout" yaml:"timeout" envconfig:"EXEC_TIMEOUT"`
	RestrictToWorkspace bool     `json:"restrictToWorkspace" yaml:"restrictToWorkspace" envconfig:"EXEC_RESTRICT_WORKSPACE"`
}

// WebToolConfig contains web tool settings.
type WebToolConfig struct {
	Timeout Duration `json:"timeout" yaml:"timeout" envconfig:"WEB_TIMEOUT"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			Workspace: "~/LocalClaw-Workspace",
			DataDir:   "~/" + ConfigDir,
		},
		Model: ModelConfig{
			Backend:   "llama",
			ServerURL: "http://127.0.0.1:8080",
			Slot:      -1,
		},
		Generation: GenerationConfig{
			Temperature:   0.7,
			TopP:          0.9,
			TopK:          40,
			RepeatPenalty: 1.1,
			MaxTokens:     1024,
			Seed:          -1,
		},
		Agent: AgentConfig{
			MaxIterations:        25,
			MaxDuration:          Duration(5 * time.Minute),
			LoopWindow:           3,
			MaxConsecutiveErrors: 3,
			ToolTimeout:          Duration(30 * time.Second),
			GenerationTimeout:    Duration(2 * time.Minute),
			ApprovalTimeout:      Duration(120 * time.Second),
			MaxRetries:           2,
			Backoff: BackoffConfig{
				Initial:  Duration(100 * time.Millisecond),
				Factor:   2,
				MaxDelay: Duration(5 * time.Second),
			},
			MaxObservationChars: 4000,
			HistoryLimit:        20,
			MaxConcurrent:       4,
			ResultCacheSize:     128,
		},
		Permissions: PermissionsConfig{
			Ceiling:    "read_only", // Secure default
			Filesystem: true,
			Web:        true,
			Bash:       true,
			Git:        true,
		},
		Engine: EngineConfig{
			QueueSize:    64,
			StreamBuffer: 64,
			ContextSize:  4096,
		},
		Events: EventsConfig{
			BufferSize: 1024,
			Timeline:   true,
			Kafka: KafkaConfig{
				Topic:      "localclaw.events",
				SkipTokens: true,
			},
		},
		Tools: ToolsConfig{
			Exec: ExecToolConfig{
				Timeout:             Duration(60 * time.Second),
				RestrictToWorkspace: true, // Secure default
			},
			Web: WebToolConfig{
				Timeout: Duration(30 * time.Second),
			},
			RateBurst: 1,
		},
	}
}
