package session

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/KafClaw/localclaw/internal/agent"
	"github.com/KafClaw/localclaw/internal/inference"
	"github.com/KafClaw/localclaw/internal/inference/inferencetest"
	"github.com/KafClaw/localclaw/internal/timeline"
	"github.com/KafClaw/localclaw/internal/tools"
)

// waitTool blocks until its context is done.
type waitTool struct {
	started chan struct{}
}

func (w *waitTool) Name() string               { return "wait" }
func (w *waitTool) Description() string        { return "waits for cancellation" }
func (w *waitTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (w *waitTool) Level() tools.Level         { return tools.LevelReadOnly }

func (w *waitTool) Execute(ctx context.Context, _ map[string]any) (tools.Result, error) {
	select {
	case w.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return tools.Result{}, ctx.Err()
}

func newTestManager(t *testing.T, backend *inference.Scripted, opts Options) *Manager {
	t.Helper()
	reg := tools.NewRegistry()
	if opts.Loop.Registry != nil {
		reg = opts.Loop.Registry
	}
	opts.Loop.Engine = inferencetest.NewEngine(t, backend)
	opts.Loop.Registry = reg
	opts.Loop.Options.SystemPrompt = "You are a test agent."
	m, err := NewManager(opts)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 5s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	s := store.GetOrCreate("cli:default")
	s.AddMessage(agent.RoleUser, "hello")
	s.AddMessage(agent.RoleAssistant, "hi there")
	if err := store.Save(s); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "cli_default.jsonl")); err != nil {
		t.Fatalf("transcript file: %v", err)
	}

	fresh, err := NewStore(dir)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	loaded := fresh.GetOrCreate("cli:default")
	if loaded.Key != "cli:default" {
		t.Fatalf("key = %q", loaded.Key)
	}
	if len(loaded.Messages) != 2 || loaded.Messages[1].Content != "hi there" {
		t.Fatalf("unexpected messages %+v", loaded.Messages)
	}
	if got := loaded.History(1); !reflect.DeepEqual(got, []agent.Message{loaded.Messages[1]}) {
		t.Fatalf("History(1) = %+v", got)
	}

	list := fresh.List()
	if len(list) != 1 || list[0].Messages != 2 {
		t.Fatalf("unexpected list %+v", list)
	}

	if !fresh.Delete("cli:default") {
		t.Fatal("delete of a stored session must succeed")
	}
	if n := len(fresh.List()); n != 0 {
		t.Fatalf("expected an empty store, got %d sessions", n)
	}
}

func TestStoreKeyCannotEscapeDir(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Save(store.GetOrCreate("../../etc/passwd")); err != nil {
		t.Fatalf("save: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 || strings.Contains(entries[0].Name(), "/") {
		t.Fatalf("expected one flat file, got %v", entries)
	}
}

func TestSemaphore(t *testing.T) {
	s := NewSemaphore(2)
	if s.Cap() != 2 {
		t.Fatalf("cap = %d", s.Cap())
	}
	if err := s.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !s.TryAcquire() {
		t.Fatal("second slot must be free")
	}
	if s.TryAcquire() {
		t.Fatal("no third slot")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := s.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	s.Release()
	if !s.TryAcquire() {
		t.Fatal("released slot must be reusable")
	}
	if NewSemaphore(0).Cap() != 1 {
		t.Fatal("a zero capacity becomes one")
	}
}

func TestRunCachesResult(t *testing.T) {
	m := newTestManager(t, inference.NewScripted("All done."), Options{ResultCacheSize: 1})
	res, err := m.Run(context.Background(), agent.Request{ConversationID: "c1", Text: "hi"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Text != "All done." {
		t.Fatalf("text = %q", res.Text)
	}

	cached, ok := m.Result("c1")
	if !ok || !reflect.DeepEqual(cached, res) {
		t.Fatalf("cached result %+v ok=%v", cached, ok)
	}

	if _, err := m.Run(context.Background(), agent.Request{ConversationID: "c2", Text: "again"}); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if _, ok := m.Result("c1"); ok {
		t.Fatal("cache holds one result")
	}
	if active := m.Active(); len(active) != 0 {
		t.Fatalf("no conversation is active, got %v", active)
	}
}

func TestRunAllKeepsRequestOrder(t *testing.T) {
	backend := inference.NewScripted()
	backend.Respond = func(prompt string) string {
		switch {
		case strings.Contains(prompt, "User: first"):
			return "one"
		case strings.Contains(prompt, "User: second"):
			return "two"
		}
		return "three"
	}
	m := newTestManager(t, backend, Options{MaxConcurrent: 2})

	results, err := m.RunAll(context.Background(), []agent.Request{
		{Text: "first"}, {Text: "second"}, {Text: "third"},
	})
	if err != nil {
		t.Fatalf("run all: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, want := range []string{"one", "two", "three"} {
		r := results[i]
		if r.Text != want {
			t.Errorf("result %d = %q, want %q", i, r.Text, want)
		}
		if r.Err() != nil || r.ConversationID == "" {
			t.Errorf("result %d: err %v id %q", i, r.Err(), r.ConversationID)
		}
	}
}

func TestCancelRunningConversation(t *testing.T) {
	backend := inference.NewScripted()
	backend.Respond = func(string) string { return `<use_tool name="wait"></use_tool>` }
	wt := &waitTool{started: make(chan struct{}, 1)}
	reg := tools.NewRegistry()
	reg.MustRegister(wt)
	m := newTestManager(t, backend, Options{Loop: agent.LoopOptions{Registry: reg}})

	type outcome struct {
		res agent.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := m.Run(context.Background(), agent.Request{ConversationID: "busy", Text: "wait"})
		done <- outcome{res, err}
	}()
	<-wt.started

	if _, err := m.Run(context.Background(), agent.Request{ConversationID: "busy", Text: "again"}); !errors.Is(err, ErrActive) {
		t.Fatalf("expected ErrActive, got %v", err)
	}
	if active := m.Active(); !reflect.DeepEqual(active, []string{"busy"}) {
		t.Fatalf("active = %v", active)
	}

	if !m.Cancel("busy") {
		t.Fatal("cancel of a running conversation must succeed")
	}
	if m.Cancel("missing") {
		t.Fatal("cancel of an unknown conversation must fail")
	}

	select {
	case o := <-done:
		if o.err != nil {
			t.Fatalf("run: %v", o.err)
		}
		if o.res.Outcome.Kind != agent.OutcomeCancelled || !errors.Is(o.res.Err(), agent.ErrCancelled) {
			t.Fatalf("expected a cancelled outcome, got %+v", o.res.Outcome)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled conversation did not finish")
	}
	waitFor(t, func() bool { return len(m.Active()) == 0 })
}

func TestCancelWhileQueuedForSlot(t *testing.T) {
	backend := inference.NewScripted()
	backend.Respond = func(string) string { return `<use_tool name="wait"></use_tool>` }
	wt := &waitTool{started: make(chan struct{}, 1)}
	reg := tools.NewRegistry()
	reg.MustRegister(wt)
	m := newTestManager(t, backend, Options{MaxConcurrent: 1, Loop: agent.LoopOptions{Registry: reg}})

	go func() {
		_, _ = m.Run(context.Background(), agent.Request{ConversationID: "first", Text: "wait"})
	}()
	<-wt.started

	queued := make(chan error, 1)
	go func() {
		_, err := m.Run(context.Background(), agent.Request{ConversationID: "second", Text: "wait"})
		queued <- err
	}()
	waitFor(t, func() bool { return len(m.Active()) == 2 })

	if !m.Cancel("second") {
		t.Fatal("cancel of a queued conversation must succeed")
	}
	select {
	case err := <-queued:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("queued conversation did not give up")
	}
	m.CancelAll()
	waitFor(t, func() bool { return len(m.Active()) == 0 })
}

func TestSendCarriesHistory(t *testing.T) {
	backend := inference.NewScripted()
	backend.Respond = func(prompt string) string {
		if strings.Contains(prompt, "User: my name is Ada") && strings.Contains(prompt, "User: what is my name") {
			return "Your name is Ada."
		}
		return "Nice to meet you."
	}
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	m := newTestManager(t, backend, Options{Store: store})

	res, err := m.Send(context.Background(), "chat", "my name is Ada")
	if err != nil || res.Text != "Nice to meet you." {
		t.Fatalf("first turn: %q, %v", res.Text, err)
	}
	res, err = m.Send(context.Background(), "chat", "what is my name")
	if err != nil || res.Text != "Your name is Ada." {
		t.Fatalf("second turn: %q, %v", res.Text, err)
	}

	list := store.List()
	if len(list) != 1 || list[0].Messages != 4 {
		t.Fatalf("unexpected sessions %+v", list)
	}
}

func saveCheckpoint(t *testing.T, svc *timeline.Service, state agent.State, ac *agent.Context) {
	t.Helper()
	status, err := json.Marshal(agent.Status{State: state, Iteration: 1})
	if err != nil {
		t.Fatal(err)
	}
	ctxJSON, err := json.Marshal(ac)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.SaveCheckpoint(timeline.Checkpoint{
		ConversationID: ac.ConversationID,
		State:          string(state),
		Status:         status,
		Context:        ctxJSON,
		UpdatedAt:      time.Now(),
	}); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}
}

func TestResumeOpenSkipsCompleted(t *testing.T) {
	svc, err := timeline.NewService(filepath.Join(t.TempDir(), "timeline.db"))
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })

	open := &agent.Context{ConversationID: "open", SessionID: "open", Request: "summarise"}
	open.AddMessage(agent.RoleUser, "summarise", time.Now())
	saveCheckpoint(t, svc, agent.StateThinking, open)
	saveCheckpoint(t, svc, agent.StateCompleted, &agent.Context{ConversationID: "done", Request: "old"})

	backend := inference.NewScripted("Resumed.")
	m := newTestManager(t, backend, Options{Loop: agent.LoopOptions{Checkpoints: svc}})

	results, err := m.ResumeOpen(context.Background(), svc)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(results) != 1 || results[0].ConversationID != "open" || results[0].Text != "Resumed." {
		t.Fatalf("unexpected results %+v", results)
	}
	if n := len(backend.Prompts()); n != 1 {
		t.Fatalf("expected one generation, got %d", n)
	}

	cp, err := svc.LoadCheckpoint("open")
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if cp.State != string(agent.StateCompleted) {
		t.Fatalf("checkpoint state = %s", cp.State)
	}
}
