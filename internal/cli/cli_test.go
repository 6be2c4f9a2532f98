package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/KafClaw/localclaw/internal/approval"
	"github.com/KafClaw/localclaw/internal/config"
	"github.com/KafClaw/localclaw/internal/inference/inferencetest"
	"github.com/KafClaw/localclaw/internal/policy"
	"github.com/KafClaw/localclaw/internal/timeline"
	"github.com/KafClaw/localclaw/internal/tools"
)

// isolateHome points every config and data path at a temp dir.
func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("LOCALCLAW_HOME", home)
	t.Setenv("LOCALCLAW_CONFIG", "")
	t.Setenv("LOCALCLAW_ENV_FILE", "")
	return home
}

func runRootCommand(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	flagConfig, flagLogLevel, flagLogJSON, flagBackend, flagMetricsAddr = "", "warn", false, "", ""
	configForce, configYAML = false, false
	runConversation, runStream = "", true
	doctorFix, doctorOffline, doctorJSON = false, false, false
	modelJSON, modelContext, modelGPULayers = false, 0, 0
	modelInspectCmd.Flags().Lookup("gpu-layers").Changed = false

	buf := &bytes.Buffer{}
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	_, err := rootCmd.ExecuteC()
	rootCmd.SetArgs(nil)
	return strings.TrimSpace(buf.String()), err
}

func TestSetupLogging(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	if err := setupLogging(&buf, "error", true); err != nil {
		t.Fatalf("setupLogging: %v", err)
	}
	slog.Warn("hidden")
	slog.Error("shown", "k", "v")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("warn record written at error level: %s", out)
	}
	if !strings.Contains(out, `"msg":"shown"`) {
		t.Fatalf("expected JSON record, got %s", out)
	}
	if err := setupLogging(&buf, "loud", false); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestConfigInitShowPath(t *testing.T) {
	home := isolateHome(t)
	want := filepath.Join(home, ".localclaw", "config.json")

	out, err := runRootCommand(t, "", "config", "path")
	if err != nil {
		t.Fatalf("config path: %v", err)
	}
	if out != want {
		t.Fatalf("expected %s, got %s", want, out)
	}

	if _, err := runRootCommand(t, "", "config", "init"); err != nil {
		t.Fatalf("config init: %v", err)
	}
	if _, err := runRootCommand(t, "", "config", "init"); err == nil {
		t.Fatal("expected second init to refuse overwriting")
	}
	if _, err := runRootCommand(t, "", "config", "init", "--force"); err != nil {
		t.Fatalf("config init --force: %v", err)
	}

	t.Setenv("LOCALCLAW_AGENT_MAX_ITERATIONS", "9")
	out, err = runRootCommand(t, "", "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(out, `"maxIterations": 9`) {
		t.Fatalf("expected env override in output, got %s", out)
	}
}

func TestRunScriptedRequest(t *testing.T) {
	isolateHome(t)

	out, err := runRootCommand(t, "", "run", "--backend", "scripted", "--id", "conv-run", "say", "hello")
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Done.") {
		t.Fatalf("expected streamed answer, got %s", out)
	}
	if !strings.Contains(out, "success") {
		t.Fatalf("expected success outcome, got %s", out)
	}

	out, err = runRootCommand(t, "", "history")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, "conv-run") {
		t.Fatalf("expected conversation in history, got %s", out)
	}
	out, err = runRootCommand(t, "", "history", "conv-run")
	if err != nil {
		t.Fatalf("history conv-run: %v", err)
	}
	if !strings.Contains(out, "loop_completed") {
		t.Fatalf("expected loop_completed event, got %s", out)
	}
}

func TestApprovalsCommands(t *testing.T) {
	isolateHome(t)
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	tl, err := timeline.NewService(cfg.TimelinePath())
	if err != nil {
		t.Fatalf("open timeline: %v", err)
	}
	defer tl.Close()
	req := approval.Request{
		ID:             "appr-1",
		ConversationID: "conv-1",
		Tool:           "bash",
		Level:          tools.LevelExecuteUnsafe,
		Params:         map[string]any{"command": "rm -rf build"},
		Status:         approval.StatusPending,
		CreatedAt:      time.Now(),
	}
	if err := tl.InsertApproval(req); err != nil {
		t.Fatalf("insert approval: %v", err)
	}

	out, err := runRootCommand(t, "", "approvals", "list")
	if err != nil {
		t.Fatalf("approvals list: %v", err)
	}
	if !strings.Contains(out, "appr-1") || !strings.Contains(out, "bash") {
		t.Fatalf("expected pending approval in list, got %s", out)
	}

	if _, err := runRootCommand(t, "", "approvals", "deny", "appr-1"); err != nil {
		t.Fatalf("approvals deny: %v", err)
	}
	status, err := tl.ApprovalStatus("appr-1")
	if err != nil {
		t.Fatalf("approval status: %v", err)
	}
	if status != approval.StatusOf(policy.Deny) {
		t.Fatalf("expected denied, got %s", status)
	}
	if _, err := runRootCommand(t, "", "approvals", "approve", "appr-1"); err == nil {
		t.Fatal("expected second decision to fail")
	}
}

func TestModelInspect(t *testing.T) {
	isolateHome(t)
	path, err := inferencetest.WriteModel(t.TempDir(), "tiny")
	if err != nil {
		t.Fatalf("write model: %v", err)
	}
	out, err := runRootCommand(t, "", "model", "inspect", "--context", "512", path)
	if err != nil {
		t.Fatalf("model inspect: %v", err)
	}
	for _, want := range []string{"tiny", "llama", "Memory @512"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output, got %s", want, out)
		}
	}
}

func TestModelInspectReportsAcceleratorFit(t *testing.T) {
	isolateHome(t)
	t.Setenv("LOCALCLAW_ENGINE_VRAM_BUDGET_MB", "1")
	path, err := inferencetest.WriteModel(t.TempDir(), "tiny")
	if err != nil {
		t.Fatalf("write model: %v", err)
	}
	out, err := runRootCommand(t, "", "model", "inspect", "--gpu-layers", "-1", path)
	if err != nil {
		t.Fatalf("model inspect: %v", err)
	}
	var vramLine string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "VRAM:") {
			vramLine = line
		}
	}
	if !strings.Contains(out, "Offloaded:") || !strings.Contains(vramLine, "does not fit") {
		t.Fatalf("expected a failing VRAM line, got %s", out)
	}
}

func TestBenchSerializesGenerations(t *testing.T) {
	isolateHome(t)

	rep, err := bench(context.Background(), 3, 5, time.Millisecond)
	if err != nil {
		t.Fatalf("bench: %v", err)
	}
	if !rep.Serialized {
		t.Fatalf("expected serialized generations, got order %v", rep.Order)
	}
	if len(rep.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(rep.Results))
	}
	for _, r := range rep.Results {
		if err := r.Err(); err != nil {
			t.Fatalf("conversation %s failed: %v", r.ConversationID, err)
		}
	}
	if len(rep.Order) != 3 {
		t.Fatalf("expected one token run per conversation, got %v", rep.Order)
	}
	if rep.Tokens == 0 || rep.Rate() <= 0 {
		t.Fatalf("expected tokens at a positive rate, got %d at %v", rep.Tokens, rep.Rate())
	}

	var out strings.Builder
	printBench(&out, rep)
	if !strings.Contains(out.String(), "tok/s") {
		t.Fatalf("expected the token rate in the report:\n%s", out.String())
	}
}

func TestPrompterRetriesUntilValidAnswer(t *testing.T) {
	m := approval.NewManager(nil)
	var out bytes.Buffer
	p := newPrompter(strings.NewReader("maybe\na\n"), &out, m)

	id := m.Create(approval.Request{Tool: "file_write", Level: tools.LevelWriteFile})
	go p.ask(approval.Request{ID: id, Tool: "file_write", Level: tools.LevelWriteFile})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d, err := m.Wait(ctx, id)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if d != policy.AlwaysAllow {
		t.Fatalf("expected always_allow, got %s", d)
	}
}

func TestPrompterDeniesOnClosedInput(t *testing.T) {
	m := approval.NewManager(nil)
	p := newPrompter(strings.NewReader(""), &bytes.Buffer{}, m)

	id := m.Create(approval.Request{Tool: "bash"})
	p.ask(approval.Request{ID: id, Tool: "bash"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := m.Wait(ctx, id)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if d != policy.Deny {
		t.Fatalf("expected deny, got %s", d)
	}
}

func TestPrompterHandsBackLineAfterApprovalExpires(t *testing.T) {
	m := approval.NewManager(nil)
	var out bytes.Buffer
	pr, pw := io.Pipe()
	defer pw.Close()
	p := newPrompter(pr, &out, m)

	id := m.Create(approval.Request{Tool: "bash", Level: tools.LevelExecuteUnsafe})
	go p.ask(approval.Request{ID: id, Tool: "bash", Level: tools.LevelExecuteUnsafe})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Wait(ctx, id); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the approval to time out, got %v", err)
	}

	go io.WriteString(pw, "what went wrong?\n")
	line, err := p.readLine("you> ")
	if err != nil {
		t.Fatalf("read line: %v", err)
	}
	if line != "what went wrong?" {
		t.Fatalf("the chat line was consumed as an approval answer, got %q", line)
	}
	if m.IsPending(id) {
		t.Fatal("expired approval must not be pending")
	}
}

func TestConfigSetGetUnset(t *testing.T) {
	isolateHome(t)

	if _, err := runRootCommand(t, "", "config", "set", "agent.loopWindow", "4"); err != nil {
		t.Fatalf("config set: %v", err)
	}
	out, err := runRootCommand(t, "", "config", "get", "agent.loopWindow")
	if err != nil {
		t.Fatalf("config get: %v", err)
	}
	if out != "4" {
		t.Fatalf("expected 4, got %q", out)
	}
	if _, err := runRootCommand(t, "", "config", "set", "agent.loopWindow", "1"); err == nil {
		t.Fatal("expected a loop window below 2 to be rejected")
	}
	if _, err := runRootCommand(t, "", "config", "unset", "agent.loopWindow"); err != nil {
		t.Fatalf("config unset: %v", err)
	}
	out, _ = runRootCommand(t, "", "config", "get", "agent.loopWindow")
	if out != "3" {
		t.Fatalf("expected default 3 after unset, got %q", out)
	}
}

func TestDoctorOfflineJSON(t *testing.T) {
	isolateHome(t)
	if _, err := runRootCommand(t, "", "config", "set", "model.backend", "scripted"); err != nil {
		t.Fatalf("config set: %v", err)
	}

	out, err := runRootCommand(t, "", "doctor", "--offline", "--json")
	if err != nil {
		t.Fatalf("doctor: %v\n%s", err, out)
	}
	var report struct {
		Checks []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"checks"`
	}
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("doctor output is not JSON: %v\n%s", err, out)
	}
	seen := map[string]string{}
	for _, c := range report.Checks {
		seen[c.Name] = c.Status
	}
	if seen["config_file"] != "pass" || seen["model_file"] != "pass" {
		t.Fatalf("unexpected checks: %v", seen)
	}
	if _, ok := seen["llama_server"]; ok {
		t.Fatal("offline doctor must not contact the llama server")
	}
}

func TestMCPServerOptions(t *testing.T) {
	cmd, opts := mcpServer(config.MCPServerConfig{
		Command: "notes-mcp",
		Args:    []string{"--root", "/srv"},
		Env:     map[string]string{"B": "2", "A": "1"},
		Level:   "read_only",
		Prefix:  "notes",
		Timeout: config.Duration(5 * time.Second),
	})
	if cmd.Path != "notes-mcp" || len(cmd.Args) != 2 {
		t.Errorf("unexpected command %+v", cmd)
	}
	if len(cmd.Env) != 2 || cmd.Env[0] != "A=1" || cmd.Env[1] != "B=2" {
		t.Errorf("env = %v", cmd.Env)
	}
	if opts.Level != tools.LevelReadOnly || opts.Prefix != "notes" || opts.Timeout != 5*time.Second {
		t.Errorf("unexpected options %+v", opts)
	}
}

func TestUnavailableMCPServerIsSkipped(t *testing.T) {
	isolateHome(t)
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Tools.MCP = map[string]config.MCPServerConfig{
		"ghost": {Command: filepath.Join(t.TempDir(), "no-such-server")},
		"off":   {Command: "also-missing", Disabled: true},
	}
	rt, err := newApp(cfg, appOptions{backend: "scripted"})
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer rt.Close()
	if _, ok := rt.registry.Get("file_read"); !ok {
		t.Fatal("builtin tools missing")
	}
	if names := rt.registry.Names(); len(names) != 7 {
		t.Errorf("registry holds %v, want only the 7 builtins", names)
	}
}
