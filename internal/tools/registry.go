package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// DefaultLevel is assigned to tools that declare no level and have no static
// mapping. Unclassified tools are treated as unsafe execution.
const DefaultLevel = LevelExecuteUnsafe

// Registry manages tool registration and dispatch. It is safe for concurrent
// use: lookups take a read lock, registration takes the write lock.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	levels  map[string]Level
	limiter *RateLimiter
}

// NewRegistry creates a new tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
		levels:  make(map[string]Level),
	}
}

// Register adds a tool. It fails if the name is empty, already registered, or
// the parameter schema does not compile.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("register tool: empty name")
	}
	schema, err := compileSchema(name, tool.Parameters())
	if err != nil {
		return fmt.Errorf("register tool %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("register tool %s: %w", name, ErrDuplicateTool)
	}
	r.tools[name] = tool
	if schema != nil {
		r.schemas[name] = schema
	}
	slog.Debug("tool registered", "tool", name)
	return nil
}

// MustRegister registers tools and panics on the first failure. Used for
// builtins at startup.
func (r *Registry) MustRegister(tools ...Tool) {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

// Unregister removes a runtime-supplied tool. It reports whether the tool existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tools[name]
	delete(r.tools, name)
	delete(r.schemas, name)
	return ok
}

// Lookup returns the registered instance or a NotFound ToolError.
func (r *Registry) Lookup(name string) (Tool, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, NotFoundError(name)
	}
	return tool, nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// SetLevel records a static level for a tool that does not implement Leveled.
func (r *Registry) SetLevel(name string, level Level) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.levels[name] = level
}

// LevelOf returns the permission level required by the named tool.
func (r *Registry) LevelOf(name string) (Level, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return 0, NotFoundError(name)
	}
	if lt, ok := tool.(Leveled); ok {
		return lt.Level(), nil
	}
	if lvl, ok := r.levels[name]; ok {
		return lvl, nil
	}
	return DefaultLevel, nil
}

// SetRateLimiter installs a per-tool rate limiter. nil disables limiting.
func (r *Registry) SetRateLimiter(l *RateLimiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiter = l
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	result := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		result = append(result, tool)
	}
	r.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// Names returns the sorted tool names.
func (r *Registry) Names() []string {
	list := r.List()
	names := make([]string, len(list))
	for i, t := range list {
		names[i] = t.Name()
	}
	return names
}

// Definitions returns tool definitions in OpenAI function format.
func (r *Registry) Definitions() []map[string]any {
	list := r.List()
	result := make([]map[string]any, 0, len(list))
	for _, tool := range list {
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        tool.Name(),
				"description": tool.Description(),
				"parameters":  tool.Parameters(),
			},
		})
	}
	return result
}

// Execute validates params against the tool's schema and dispatches the call.
// Failures are always returned as *ToolError. The registry does not impose a
// timeout; callers bound the call through ctx.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any) (res Result, err error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.schemas[name]
	limiter := r.limiter
	r.mu.RUnlock()
	if !ok {
		return Result{}, NotFoundError(name)
	}
	if params == nil {
		params = map[string]any{}
	}
	if schema != nil {
		if verr := validateParams(schema, params); verr != nil {
			return Result{}, &ToolError{Kind: KindInvalidParams, Tool: name, Message: verr.Error(), Cause: verr}
		}
	}
	if limiter != nil {
		if werr := limiter.Wait(ctx, name); werr != nil {
			return Result{}, werr
		}
	}

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("tool panicked", "tool", name, "panic", rec)
			res = Result{}
			err = &ToolError{Kind: KindExecutionFailed, Tool: name, Message: fmt.Sprintf("panic: %v", rec)}
		}
	}()

	res, err = tool.Execute(ctx, params)
	slog.Debug("tool executed", "tool", name, "duration_ms", time.Since(start).Milliseconds(), "error", err != nil)
	if err != nil {
		return res, classify(ctx, name, err)
	}
	return res, nil
}
