package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// maxReadBytes caps what file_read returns to the model.
const maxReadBytes = 256 * 1024

// ReadFileTool reads the contents of a file.
type ReadFileTool struct {
	root func() string
}

func (t *ReadFileTool) Name() string           { return "file_read" }
func (t *ReadFileTool) Level() Level           { return LevelReadOnly }
func (t *ReadFileTool) Capability() Capability { return CapFilesystem }

func (t *ReadFileTool) Description() string {
	return "Read the contents of a file at the specified path."
}

func (t *ReadFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"minLength":   1,
				"description": "The path to the file to read",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, params map[string]any) (Result, error) {
	path := resolvePath(t.root, GetString(params, "path", ""))

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{}, fmt.Errorf("file not found: %s", path)
		}
		if os.IsPermission(err) {
			return Result{}, fmt.Errorf("permission denied: %s", path)
		}
		return Result{}, fmt.Errorf("read %s: %w", path, err)
	}
	truncated := false
	if len(content) > maxReadBytes {
		content = content[:maxReadBytes]
		truncated = true
	}
	return Result{
		Output: string(content),
		Data:   map[string]any{"path": path, "bytes": len(content), "truncated": truncated},
	}, nil
}

// WriteFileTool writes content to a file.
type WriteFileTool struct {
	root func() string
}

func (t *WriteFileTool) Name() string           { return "file_write" }
func (t *WriteFileTool) Level() Level           { return LevelWriteFile }
func (t *WriteFileTool) Capability() Capability { return CapFilesystem }

func (t *WriteFileTool) Description() string {
	return "Write content to a file at the specified path. Creates parent directories if needed. Writes are restricted to the workspace."
}

func (t *WriteFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"minLength":   1,
				"description": "The path to the file to write",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "The content to write to the file",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, params map[string]any) (Result, error) {
	path := resolvePath(t.root, GetString(params, "path", ""))
	content := GetString(params, "content", "")

	root := rootOf(t.root)
	if root != "" && !isWithin(root, path) {
		return Result{}, InvalidParams("path outside workspace: %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return Result{}, fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		if os.IsPermission(err) {
			return Result{}, fmt.Errorf("permission denied: %s", path)
		}
		return Result{}, fmt.Errorf("write %s: %w", path, err)
	}

	return Result{
		Output: fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), path),
		Data:   map[string]any{"path": path, "bytes": len(content)},
	}, nil
}

// ListDirTool lists directory contents.
type ListDirTool struct {
	root func() string
}

func (t *ListDirTool) Name() string           { return "file_list" }
func (t *ListDirTool) Level() Level           { return LevelReadOnly }
func (t *ListDirTool) Capability() Capability { return CapFilesystem }

func (t *ListDirTool) Description() string {
	return "List the contents of a directory."
}

func (t *ListDirTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "The directory path to list (default: workspace)",
			},
		},
	}
}

func (t *ListDirTool) Execute(ctx context.Context, params map[string]any) (Result, error) {
	path := resolvePath(t.root, GetString(params, "path", "."))

	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{}, fmt.Errorf("directory not found: %s", path)
		}
		if os.IsPermission(err) {
			return Result{}, fmt.Errorf("permission denied: %s", path)
		}
		return Result{}, fmt.Errorf("read directory %s: %w", path, err)
	}

	var result strings.Builder
	fmt.Fprintf(&result, "Contents of %s:\n", path)
	for _, entry := range entries {
		info, _ := entry.Info()
		if entry.IsDir() {
			fmt.Fprintf(&result, "  [DIR]  %s/\n", entry.Name())
		} else if info != nil {
			fmt.Fprintf(&result, "  [FILE] %s (%d bytes)\n", entry.Name(), info.Size())
		} else {
			fmt.Fprintf(&result, "  [FILE] %s\n", entry.Name())
		}
	}

	return Result{Output: result.String(), Data: map[string]any{"path": path, "entries": len(entries)}}, nil
}

// NewReadFileTool creates a file_read tool resolving relative paths against root.
func NewReadFileTool(root func() string) *ReadFileTool { return &ReadFileTool{root: root} }

// NewWriteFileTool creates a file_write tool restricted to root (when non-empty).
func NewWriteFileTool(root func() string) *WriteFileTool { return &WriteFileTool{root: root} }

// NewListDirTool creates a file_list tool.
func NewListDirTool(root func() string) *ListDirTool { return &ListDirTool{root: root} }

func rootOf(root func() string) string {
	if root == nil {
		return ""
	}
	return normalizeRoot(root())
}

// resolvePath expands ~ and anchors relative paths at the workspace root.
func resolvePath(root func() string, path string) string {
	if strings.HasPrefix(path, "~") {
		return expandPath(path)
	}
	if !filepath.IsAbs(path) {
		if r := rootOf(root); r != "" {
			return filepath.Join(r, path)
		}
	}
	return expandPath(path)
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[1:])
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return path
}

func normalizeRoot(root string) string {
	if root == "" {
		return ""
	}
	return expandPath(root)
}

func isWithin(root, path string) bool {
	if root == "" {
		return true
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != ".."
}
