package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/KafClaw/localclaw/internal/planning"
)

// ThinkTool lets the model write down reasoning without side effects.
type ThinkTool struct{}

func (t *ThinkTool) Name() string   { return "think" }
func (t *ThinkTool) Level() Level   { return LevelReadOnly }
func (t *ThinkTool) Internal() bool { return true }

func (t *ThinkTool) Description() string {
	return "Record a private reasoning note. Has no side effects."
}

func (t *ThinkTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"thought": map[string]any{"type": "string", "description": "The reasoning to record"},
		},
		"required": []string{"thought"},
	}
}

func (t *ThinkTool) Execute(ctx context.Context, params map[string]any) (Result, error) {
	return Text("Noted."), nil
}

// TodoWriteTool replaces the running plan with the model's todo list.
type TodoWriteTool struct{}

func (t *TodoWriteTool) Name() string   { return "todo_write" }
func (t *TodoWriteTool) Level() Level   { return LevelReadOnly }
func (t *TodoWriteTool) Internal() bool { return true }

func (t *TodoWriteTool) Description() string {
	return "Replace the current task list. Each todo has content and a status of pending, in_progress, done or skipped."
}

func (t *TodoWriteTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"todos": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"id":      map[string]any{"type": "string"},
						"content": map[string]any{"type": "string", "minLength": 1},
						"status": map[string]any{
							"type": "string",
							"enum": []string{"pending", "in_progress", "done", "skipped", "failed"},
						},
					},
					"required": []string{"content"},
				},
			},
		},
		"required": []string{"todos"},
	}
}

func (t *TodoWriteTool) Execute(ctx context.Context, params map[string]any) (Result, error) {
	plan, ok := planning.FromContext(ctx)
	if !ok {
		return Result{}, fmt.Errorf("no active plan for this conversation")
	}
	items, _ := params["todos"].([]any)
	todos := make([]planning.Todo, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		todos = append(todos, planning.Todo{
			ID:      GetString(m, "id", ""),
			Content: GetString(m, "content", ""),
			Status:  planning.ParseStatus(GetString(m, "status", "")),
		})
	}
	plan.ApplyTodos(todos)
	return Result{Output: plan.Markdown(), Data: map[string]any{"progress": plan.Progress()}}, nil
}

// Builtins returns the default tool set rooted at workspace.
func Builtins(workspace string, shellTimeout time.Duration, restrictShell bool) []Tool {
	root := func() string { return workspace }
	return []Tool{
		NewReadFileTool(root),
		NewWriteFileTool(root),
		NewListDirTool(root),
		NewShellTool(shellTimeout, restrictShell, workspace),
		NewWebFetchTool(nil),
		&ThinkTool{},
		&TodoWriteTool{},
	}
}
