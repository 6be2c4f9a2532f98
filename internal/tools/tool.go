// Package tools provides the tool contract, the registry and the builtin tools for the agent.
package tools

import (
	"context"
)

// Tool is the interface that all agent tools must implement.
type Tool interface {
	// Name returns the tool identifier used in tool calls.
	Name() string
	// Description returns a human-readable description for the model.
	Description() string
	// Parameters returns the JSON Schema for tool parameters.
	Parameters() map[string]any
	// Execute runs the tool with already validated parameters.
	Execute(ctx context.Context, params map[string]any) (Result, error)
}

// Result is the outcome of a tool execution as shown to the model.
// IsError marks synthetic results built from a failure or a denial.
type Result struct {
	Output  string         `json:"output"`
	Data    map[string]any `json:"data,omitempty"`
	IsError bool           `json:"is_error,omitempty"`
}

// Text returns a Result carrying only output text.
func Text(s string) Result { return Result{Output: s} }

// Leveled is an optional interface for tools that declare their permission level.
type Leveled interface {
	Tool
	Level() Level
}

// Capability names a user-toggleable capability group.
type Capability string

const (
	CapNone       Capability = ""
	CapFilesystem Capability = "filesystem"
	CapWeb        Capability = "web"
	CapBash       Capability = "bash"
	CapGit        Capability = "git"
)

// Capable is an optional interface for tools belonging to a capability group.
type Capable interface {
	Tool
	Capability() Capability
}

// Internal marks tools that never leave the agent process (think, todo_write).
// They are always auto-approved.
type Internal interface {
	Tool
	Internal() bool
}

// ToolCapability returns the capability group of a tool, derived from its level
// when the tool does not declare one.
func ToolCapability(t Tool, level Level) Capability {
	if c, ok := t.(Capable); ok {
		return c.Capability()
	}
	switch level {
	case LevelExecuteUnsafe:
		return CapBash
	case LevelNetwork:
		return CapWeb
	}
	return CapNone
}

// IsInternal reports whether t is an internal tool.
func IsInternal(t Tool) bool {
	if it, ok := t.(Internal); ok {
		return it.Internal()
	}
	return false
}

// GetString extracts a string parameter with a default value.
func GetString(params map[string]any, key string, defaultVal string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return defaultVal
}

// GetInt extracts an int parameter with a default value.
func GetInt(params map[string]any, key string, defaultVal int) int {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return defaultVal
}

// GetBool extracts a bool parameter with a default value.
func GetBool(params map[string]any, key string, defaultVal bool) bool {
	if v, ok := params[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return defaultVal
}
