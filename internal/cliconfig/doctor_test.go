package cliconfig

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/KafClaw/localclaw/internal/config"
	"github.com/KafClaw/localclaw/internal/inference/inferencetest"
)

func findCheck(t *testing.T, r DoctorReport, name string) DoctorCheck {
	t.Helper()
	for _, c := range r.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %s missing from %#v", name, r.Checks)
	return DoctorCheck{}
}

func TestRunDoctorWithMissingConfigWarnsNoFailure(t *testing.T) {
	isolate(t)
	t.Setenv("LOCALCLAW_MODEL_BACKEND", "scripted")

	report, err := RunDoctorWithOptions(context.Background(), DoctorOptions{Offline: true})
	if err != nil {
		t.Fatalf("run doctor: %v", err)
	}
	if report.HasFailures() {
		t.Fatalf("expected no failures with missing config, got %#v", report)
	}
	if c := findCheck(t, report, "config_file"); c.Status != DoctorWarn {
		t.Fatalf("expected config_file warn, got %s", c.Status)
	}
	if c := findCheck(t, report, "runtime_mode"); !strings.Contains(c.Message, string(ModeScripted)) {
		t.Fatalf("expected scripted mode, got %s", c.Message)
	}
}

func TestRunDoctorWithInvalidConfigFails(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, `{"model":`)

	report, err := RunDoctor()
	if err != nil {
		t.Fatalf("run doctor: %v", err)
	}
	if c := findCheck(t, report, "config_load"); c.Status != DoctorFail {
		t.Fatalf("expected config_load failure, got %#v", report)
	}
}

func TestRunDoctorLlamaWithoutModelFails(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, `{"model": {"backend": "llama"}}`)

	report, err := RunDoctorWithOptions(context.Background(), DoctorOptions{Offline: true})
	if err != nil {
		t.Fatalf("run doctor: %v", err)
	}
	if c := findCheck(t, report, "model_file"); c.Status != DoctorFail {
		t.Fatalf("expected model_file failure, got %s: %s", c.Status, c.Message)
	}
}

func TestRunDoctorChecksModelMemory(t *testing.T) {
	home := isolate(t)
	model, err := inferencetest.WriteModel(t.TempDir(), "tiny")
	if err != nil {
		t.Fatalf("write model: %v", err)
	}
	path := writeConfig(t, home, `{"model": {"backend": "scripted", "path": "`+model+`"}, "engine": {"memoryBudgetMb": 1}}`)

	report, err := RunDoctorWithOptions(context.Background(), DoctorOptions{ConfigFile: path, Offline: true})
	if err != nil {
		t.Fatalf("run doctor: %v", err)
	}
	if c := findCheck(t, report, "model_file"); c.Status != DoctorPass {
		t.Fatalf("expected model_file pass, got %s: %s", c.Status, c.Message)
	}
	if c := findCheck(t, report, "model_memory"); c.Status != DoctorFail {
		t.Fatalf("expected model_memory failure with a 1 MiB budget, got %s: %s", c.Status, c.Message)
	}

	if err := Set(path, "engine.memoryBudgetMb", "4096"); err != nil {
		t.Fatalf("raise budget: %v", err)
	}
	report, _ = RunDoctorWithOptions(context.Background(), DoctorOptions{ConfigFile: path, Offline: true})
	if c := findCheck(t, report, "model_memory"); c.Status != DoctorPass {
		t.Fatalf("expected model_memory pass, got %s: %s", c.Status, c.Message)
	}
}

func TestRunDoctorChecksLlamaServer(t *testing.T) {
	home := isolate(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		case "/props":
			_, _ = w.Write([]byte(`{"model_path":"/models/qwen.gguf","total_slots":2,"default_generation_settings":{"n_ctx":8192}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	model, err := inferencetest.WriteModel(t.TempDir(), "tiny")
	if err != nil {
		t.Fatalf("write model: %v", err)
	}
	writeConfig(t, home, `{"model": {"backend": "llama", "path": "`+model+`", "serverUrl": "`+srv.URL+`"}}`)

	report, err := RunDoctorWithOptions(context.Background(), DoctorOptions{})
	if err != nil {
		t.Fatalf("run doctor: %v", err)
	}
	c := findCheck(t, report, "llama_server")
	if c.Status != DoctorPass || !strings.Contains(c.Message, "qwen.gguf") {
		t.Fatalf("expected llama_server pass, got %s: %s", c.Status, c.Message)
	}
	if c := findCheck(t, report, "runtime_mode"); !strings.Contains(c.Message, string(ModeLocalLlama)) {
		t.Fatalf("expected local-llama mode, got %s", c.Message)
	}
}

func TestRunDoctorWarnsOnAutoApprove(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, `{"model": {"backend": "scripted"}, "permissions": {"autoApproveAll": true}}`)

	report, err := RunDoctorWithOptions(context.Background(), DoctorOptions{Offline: true})
	if err != nil {
		t.Fatalf("run doctor: %v", err)
	}
	if c := findCheck(t, report, "permissions"); c.Status != DoctorWarn {
		t.Fatalf("expected permissions warn, got %s: %s", c.Status, c.Message)
	}
}

func TestDoctorFixMergesEnvFilesAndCreatesDirs(t *testing.T) {
	home := isolate(t)
	t.Setenv("LOCALCLAW_MODEL_BACKEND", "scripted")
	// The merged file is loaded into the process env; pin the keys so they
	// are restored after the test.
	t.Setenv("LOCALCLAW_AGENT_MAX_ITERATIONS", "12")
	t.Setenv("LOCALCLAW_EVENTS_LOG", "true")
	if err := os.MkdirAll(filepath.Join(home, ".localclaw"), 0o755); err != nil {
		t.Fatalf("mkdir .localclaw: %v", err)
	}
	if err := os.WriteFile(filepath.Join(home, ".localclaw", ".env"), []byte("LOCALCLAW_AGENT_MAX_ITERATIONS=12\nOTHER_TOOL_TOKEN=x\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	wd := t.TempDir()
	t.Chdir(wd)
	if err := os.WriteFile(filepath.Join(wd, ".env"), []byte("export LOCALCLAW_EVENTS_LOG='true'\n"), 0o600); err != nil {
		t.Fatalf("write cwd env: %v", err)
	}

	report, err := RunDoctorWithOptions(context.Background(), DoctorOptions{Fix: true, Offline: true})
	if err != nil {
		t.Fatalf("run doctor --fix: %v", err)
	}
	if report.HasFailures() {
		t.Fatalf("expected no failures, got %#v", report)
	}

	target := filepath.Join(home, ".config", "localclaw", "env")
	st, err := os.Stat(target)
	if err != nil {
		t.Fatalf("stat merged env file: %v", err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Fatalf("expected env file mode 600, got %o", st.Mode().Perm())
	}
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read merged env file: %v", err)
	}
	text := string(data)
	if !strings.Contains(text, "LOCALCLAW_AGENT_MAX_ITERATIONS=12") || !strings.Contains(text, "LOCALCLAW_EVENTS_LOG=true") {
		t.Fatalf("missing expected merged keys in env file: %s", text)
	}
	if strings.Contains(text, "OTHER_TOOL_TOKEN") {
		t.Fatalf("foreign keys must not be merged: %s", text)
	}

	cfg := config.DefaultConfig()
	if _, err := os.Stat(filepath.Join(home, strings.TrimPrefix(cfg.Paths.Workspace, "~"))); err != nil {
		t.Fatalf("expected workspace created: %v", err)
	}
}

func TestDetectRuntimeMode(t *testing.T) {
	cfg := config.DefaultConfig()
	if got := detectRuntimeMode(cfg); got != ModeLocalLlama {
		t.Fatalf("expected local-llama, got %s", got)
	}
	cfg.Model.ServerURL = "http://gpu-box.lan:8080"
	if got := detectRuntimeMode(cfg); got != ModeRemoteLlama {
		t.Fatalf("expected remote-llama, got %s", got)
	}
	cfg.Model.Backend = "scripted"
	if got := detectRuntimeMode(cfg); got != ModeScripted {
		t.Fatalf("expected scripted, got %s", got)
	}
}
