package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type stubTool struct {
	name   string
	schema map[string]any
	fn     func(ctx context.Context, params map[string]any) (Result, error)
}

func (s *stubTool) Name() string               { return s.name }
func (s *stubTool) Description() string        { return "stub " + s.name }
func (s *stubTool) Parameters() map[string]any { return s.schema }
func (s *stubTool) Execute(ctx context.Context, params map[string]any) (Result, error) {
	if s.fn == nil {
		return Text("ok"), nil
	}
	return s.fn(ctx, params)
}

func TestRegistryLookupIsBijective(t *testing.T) {
	r := NewRegistry()
	registered := map[string]Tool{}
	for _, name := range []string{"a", "b", "c"} {
		tool := &stubTool{name: name}
		if err := r.Register(tool); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
		registered[name] = tool
	}

	for name, want := range registered {
		got, err := r.Lookup(name)
		if err != nil {
			t.Fatalf("lookup %s: %v", name, err)
		}
		if got != want {
			t.Errorf("lookup %s returned a different instance", name)
		}
	}

	_, err := r.Lookup("nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	te, ok := AsToolError(err)
	if !ok || te.Kind != KindNotFound {
		t.Fatalf("expected NotFound ToolError, got %#v", err)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&stubTool{name: "dup"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(&stubTool{name: "dup"}); !errors.Is(err, ErrDuplicateTool) {
		t.Fatalf("expected ErrDuplicateTool, got %v", err)
	}
	if !r.Unregister("dup") {
		t.Fatal("expected unregister to report existing tool")
	}
	if err := r.Register(&stubTool{name: "dup"}); err != nil {
		t.Fatalf("re-register after unregister: %v", err)
	}
}

func TestRegistryListSorted(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(&stubTool{name: "zeta"}, &stubTool{name: "alpha"})
	names := r.Names()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "zeta" {
		t.Fatalf("unexpected names %v", names)
	}
	if defs := r.Definitions(); len(defs) != 2 {
		t.Fatalf("expected 2 definitions, got %d", len(defs))
	}
}

func TestExecuteValidatesParams(t *testing.T) {
	called := false
	r := NewRegistry()
	r.MustRegister(&stubTool{
		name: "needs_path",
		schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":  map[string]any{"type": "string"},
				"count": map[string]any{"type": "integer"},
			},
			"required": []string{"path"},
		},
		fn: func(ctx context.Context, params map[string]any) (Result, error) {
			called = true
			return Text("done"), nil
		},
	})

	_, err := r.Execute(context.Background(), "needs_path", map[string]any{"count": 2})
	if !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams for missing path, got %v", err)
	}
	_, err = r.Execute(context.Background(), "needs_path", map[string]any{"path": 12})
	if !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams for wrong type, got %v", err)
	}
	if called {
		t.Fatal("tool must not run when params are invalid")
	}

	res, err := r.Execute(context.Background(), "needs_path", map[string]any{"path": "x", "count": 3})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Output != "done" || !called {
		t.Fatalf("unexpected result %+v called=%v", res, called)
	}
}

func TestExecuteClassifiesFailures(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(
		&stubTool{name: "slow", fn: func(ctx context.Context, _ map[string]any) (Result, error) {
			<-ctx.Done()
			return Result{}, ctx.Err()
		}},
		&stubTool{name: "broken", fn: func(context.Context, map[string]any) (Result, error) {
			return Result{}, errors.New("disk on fire")
		}},
		&stubTool{name: "flaky", fn: func(context.Context, map[string]any) (Result, error) {
			return Result{}, Transient(errors.New("connection reset"))
		}},
		&stubTool{name: "panics", fn: func(context.Context, map[string]any) (Result, error) {
			panic("boom")
		}},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.Execute(ctx, "slow", nil)
	te, ok := AsToolError(err)
	if !ok || te.Kind != KindTimeout || !te.Transient() {
		t.Fatalf("expected transient timeout, got %v", err)
	}

	_, err = r.Execute(context.Background(), "broken", nil)
	te, _ = AsToolError(err)
	if te == nil || te.Kind != KindExecutionFailed || te.Transient() {
		t.Fatalf("expected permanent execution failure, got %v", err)
	}

	_, err = r.Execute(context.Background(), "flaky", nil)
	te, _ = AsToolError(err)
	if te == nil || te.Kind != KindExecutionFailed || !te.Transient() {
		t.Fatalf("expected transient execution failure, got %v", err)
	}

	_, err = r.Execute(context.Background(), "panics", nil)
	if !errors.Is(err, ErrExecutionFailed) || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected recovered panic, got %v", err)
	}
}

func TestNonTransientKinds(t *testing.T) {
	for _, kind := range []ErrorKind{KindInvalidParams, KindNotFound, KindPermissionDenied} {
		te := &ToolError{Kind: kind, Cause: Transient(errors.New("x"))}
		if te.Transient() {
			t.Errorf("%s must never be transient", kind)
		}
	}
}

func TestLevelOf(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(NewReadFileTool(nil), &stubTool{name: "plain"}, &stubTool{name: "mapped"})
	r.SetLevel("mapped", LevelExecuteSafe)

	cases := map[string]Level{
		"file_read": LevelReadOnly,
		"plain":     DefaultLevel,
		"mapped":    LevelExecuteSafe,
	}
	for name, want := range cases {
		got, err := r.LevelOf(name)
		if err != nil {
			t.Fatalf("level of %s: %v", name, err)
		}
		if got != want {
			t.Errorf("level of %s = %s, want %s", name, got, want)
		}
	}
}

func TestLevelOrderingAndParsing(t *testing.T) {
	levels := Levels()
	for i := 1; i < len(levels); i++ {
		if !(levels[i-1] < levels[i]) {
			t.Fatalf("levels not strictly ordered at %d", i)
		}
	}
	for _, l := range levels {
		parsed, err := ParseLevel(l.String())
		if err != nil || parsed != l {
			t.Errorf("round trip %s: got %s err=%v", l, parsed, err)
		}
	}
	if l, err := ParseLevel("Execute-Unsafe"); err != nil || l != LevelExecuteUnsafe {
		t.Errorf("expected kebab case to parse, got %s err=%v", l, err)
	}
	if _, err := ParseLevel("root"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestRateLimiter(t *testing.T) {
	l := NewRateLimiter(map[string]int{"web_fetch": 1}, 1)
	if !l.Allow("web_fetch") {
		t.Fatal("first call should pass")
	}
	if l.Allow("web_fetch") {
		t.Fatal("second immediate call should be limited")
	}
	if !l.Allow("file_read") {
		t.Fatal("unlimited tools are never throttled")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "web_fetch")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout from limiter wait, got %v", err)
	}
}

func TestReadFileTool(t *testing.T) {
	dir := t.TempDir()
	tool := NewReadFileTool(func() string { return dir })
	os.WriteFile(filepath.Join(dir, "test.txt"), []byte("Hello, World!"), 0644)

	res, err := tool.Execute(context.Background(), map[string]any{"path": "test.txt"})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if res.Output != "Hello, World!" {
		t.Errorf("expected 'Hello, World!', got '%s'", res.Output)
	}

	if _, err := tool.Execute(context.Background(), map[string]any{"path": "/nonexistent/file.txt"}); err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestWriteFileTool(t *testing.T) {
	dir := t.TempDir()
	tool := NewWriteFileTool(func() string { return dir })

	newFile := filepath.Join(dir, "subdir", "new.txt")
	res, err := tool.Execute(context.Background(), map[string]any{"path": newFile, "content": "New content"})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if !strings.Contains(res.Output, "Successfully wrote") {
		t.Errorf("expected success message, got '%s'", res.Output)
	}
	content, _ := os.ReadFile(newFile)
	if string(content) != "New content" {
		t.Errorf("expected 'New content', got '%s'", string(content))
	}

	outside := filepath.Join(t.TempDir(), "x.txt")
	_, err = tool.Execute(context.Background(), map[string]any{"path": outside, "content": "x"})
	if !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected write outside workspace to be rejected, got %v", err)
	}
}

func TestListDirTool(t *testing.T) {
	dir := t.TempDir()
	tool := NewListDirTool(func() string { return dir })
	os.WriteFile(filepath.Join(dir, "file1.txt"), []byte("content"), 0644)
	os.Mkdir(filepath.Join(dir, "subdir"), 0755)

	res, err := tool.Execute(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if !strings.Contains(res.Output, "file1.txt") || !strings.Contains(res.Output, "[DIR]  subdir/") {
		t.Errorf("unexpected listing:\n%s", res.Output)
	}
}

func TestBuiltinsRegister(t *testing.T) {
	r := NewRegistry()
	for _, tool := range Builtins(t.TempDir(), time.Second, true) {
		if err := r.Register(tool); err != nil {
			t.Fatalf("register %s: %v", tool.Name(), err)
		}
	}
	for _, name := range []string{"file_read", "file_write", "file_list", "bash", "web_fetch", "think", "todo_write"} {
		if _, ok := r.Get(name); !ok {
			t.Errorf("builtin %s missing", name)
		}
	}
	bash, _ := r.Get("bash")
	if ToolCapability(bash, LevelExecuteUnsafe) != CapBash {
		t.Error("bash should belong to the bash capability")
	}
	think, _ := r.Get("think")
	if !IsInternal(think) {
		t.Error("think should be internal")
	}
}

func TestGetHelpers(t *testing.T) {
	params := map[string]any{
		"str":   "hello",
		"int":   42,
		"float": 3.14,
		"bool":  true,
	}

	if GetString(params, "str", "") != "hello" {
		t.Error("GetString failed")
	}
	if GetString(params, "missing", "default") != "default" {
		t.Error("GetString default failed")
	}
	if GetInt(params, "int", 0) != 42 {
		t.Error("GetInt failed for int")
	}
	if GetInt(params, "float", 0) != 3 {
		t.Error("GetInt failed for float")
	}
	if GetBool(params, "bool", false) != true {
		t.Error("GetBool failed")
	}
}
