package cliconfig

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/KafClaw/localclaw/internal/bus"
	"github.com/KafClaw/localclaw/internal/config"
	"github.com/KafClaw/localclaw/internal/inference"
	"github.com/KafClaw/localclaw/internal/timeline"
	"github.com/KafClaw/localclaw/internal/tools"
)

type DoctorStatus string

const (
	DoctorPass DoctorStatus = "pass"
	DoctorWarn DoctorStatus = "warn"
	DoctorFail DoctorStatus = "fail"
)

type DoctorCheck struct {
	Name    string       `json:"name"`
	Status  DoctorStatus `json:"status"`
	Message string       `json:"message"`
}

type DoctorReport struct {
	Checks []DoctorCheck `json:"checks"`
}

type DoctorOptions struct {
	// ConfigFile overrides config.ConfigPath.
	ConfigFile string
	// Fix creates missing directories and merges discovered env files.
	Fix bool
	// Offline skips the llama server and kafka checks.
	Offline bool
	// Timeout bounds each network check. Default 5s.
	Timeout time.Duration
}

type RuntimeMode string

const (
	ModeScripted    RuntimeMode = "scripted"
	ModeLocalLlama  RuntimeMode = "local-llama"
	ModeRemoteLlama RuntimeMode = "remote-llama"
)

func (r DoctorReport) HasFailures() bool {
	for _, c := range r.Checks {
		if c.Status == DoctorFail {
			return true
		}
	}
	return false
}

func (r *DoctorReport) add(name string, status DoctorStatus, format string, args ...any) {
	r.Checks = append(r.Checks, DoctorCheck{Name: name, Status: status, Message: fmt.Sprintf(format, args...)})
}

func RunDoctor() (DoctorReport, error) {
	return RunDoctorWithOptions(context.Background(), DoctorOptions{})
}

func RunDoctorWithOptions(ctx context.Context, opts DoctorOptions) (DoctorReport, error) {
	report := DoctorReport{Checks: make([]DoctorCheck, 0, 12)}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	cfgPath, err := resolvePath(opts.ConfigFile)
	if err != nil {
		report.add("config_path", DoctorFail, "cannot resolve config path: %v", err)
		return report, nil
	}

	if info, err := os.Stat(cfgPath); err != nil {
		if os.IsNotExist(err) {
			report.add("config_file", DoctorWarn, "config file not found at %s (defaults will be used)", cfgPath)
		} else {
			report.add("config_file", DoctorFail, "cannot access config file: %v", err)
		}
	} else if info.Mode().Perm()&0o077 != 0 {
		report.add("config_file", DoctorWarn, "config file %s is readable by others (%s)", cfgPath, info.Mode().Perm())
	} else {
		report.add("config_file", DoctorPass, "config file found at %s", cfgPath)
	}

	if opts.Fix {
		envPath, mergedKeys, fixErr := mergeDiscoveredEnvFiles()
		if fixErr != nil {
			report.add("env_merge", DoctorFail, "failed to merge env files: %v", fixErr)
		} else {
			report.add("env_merge", DoctorPass, "merged %d env key(s) into %s", mergedKeys, envPath)
		}
	}

	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		report.add("config_load", DoctorFail, "config load failed: %v", err)
		return report, nil
	}
	report.add("config_load", DoctorPass, "config loaded successfully")

	checkDir(&report, "workspace_path", cfg.Paths.Workspace, opts.Fix)
	checkDir(&report, "data_dir", cfg.Paths.DataDir, opts.Fix)

	if _, err := os.Stat(filepath.Dir(cfg.TimelinePath())); err == nil {
		if tl, err := timeline.NewService(cfg.TimelinePath()); err != nil {
			report.add("timeline", DoctorFail, "cannot open timeline %s: %v", cfg.TimelinePath(), err)
		} else {
			_ = tl.Close()
			report.add("timeline", DoctorPass, "timeline database: %s", cfg.TimelinePath())
		}
	}

	mode := detectRuntimeMode(cfg)
	report.add("runtime_mode", DoctorPass, "detected mode: %s", mode)

	checkModel(&report, cfg)
	checkPermissions(&report, cfg)

	if mode == ModeRemoteLlama {
		report.add("llama_server_scope", DoctorWarn, "model.serverUrl points to a non-loopback host (%s): prompts leave this machine", cfg.Model.ServerURL)
	}
	if !opts.Offline {
		if cfg.Model.Backend == "llama" {
			pctx, cancel := context.WithTimeout(ctx, opts.Timeout)
			props, err := inference.NewLlamaServer(cfg.Model.ServerURL, cfg.Model.Slot).Check(pctx)
			cancel()
			if err != nil {
				report.add("llama_server", DoctorFail, "llama server %s unreachable: %v", cfg.Model.ServerURL, err)
			} else {
				report.add("llama_server", DoctorPass, "llama server %s serves %s (ctx %d, %d slot(s))",
					cfg.Model.ServerURL, filepath.Base(props.ModelPath), props.Settings.NCtx, props.TotalSlots)
			}
		}
		if kopts := cfg.Events.Kafka.Options(); len(kopts.Brokers) > 0 {
			checkKafka(ctx, &report, kopts, opts.Timeout)
		}
	}
	return report, nil
}

func checkDir(report *DoctorReport, name, dir string, fix bool) {
	if dir == "" {
		report.add(name, DoctorFail, "path is empty")
		return
	}
	info, err := os.Stat(dir)
	switch {
	case err == nil && info.IsDir():
		report.add(name, DoctorPass, "%s", dir)
	case err == nil:
		report.add(name, DoctorFail, "%s is not a directory", dir)
	case os.IsNotExist(err) && fix:
		if mkErr := os.MkdirAll(dir, 0o700); mkErr != nil {
			report.add(name, DoctorFail, "cannot create %s: %v", dir, mkErr)
		} else {
			report.add(name, DoctorPass, "created %s", dir)
		}
	case os.IsNotExist(err):
		report.add(name, DoctorWarn, "%s does not exist yet (created on first run or with --fix)", dir)
	default:
		report.add(name, DoctorFail, "cannot access %s: %v", dir, err)
	}
}

func checkModel(report *DoctorReport, cfg *config.Config) {
	if cfg.Model.Path == "" {
		if cfg.Model.Backend == "scripted" {
			report.add("model_file", DoctorPass, "scripted backend uses a generated model")
		} else {
			report.add("model_file", DoctorFail, "model.path is empty (set it or LOCALCLAW_MODEL_MODEL_PATH)")
		}
		return
	}
	meta, err := inference.ReadMetadata(cfg.Model.Path)
	if err != nil {
		report.add("model_file", DoctorFail, "%v", err)
		return
	}
	report.add("model_file", DoctorPass, "%s (%s, %s)", cfg.Model.Path, meta.Architecture, inference.FormatBytes(uint64(meta.FileSize)))

	ctxSize := cfg.Engine.ContextSize
	if cfg.Engine.GPULayers != 0 {
		vram, vsource := uint64(cfg.Engine.VRAMBudgetMB)<<20, "configured accelerator budget"
		if vram == 0 {
			vram, vsource = inference.DetectVRAM(), "detected VRAM"
		}
		switch fit := inference.DeviceContextSize(meta, cfg.Engine.GPULayers, vram, ctxSize); {
		case vram == 0:
			report.add("model_vram", DoctorWarn, "gpuLayers is %d but accelerator memory is unknown (set engine.vramBudgetMb)", cfg.Engine.GPULayers)
		case fit <= 0:
			report.add("model_vram", DoctorFail, "offloaded layers do not fit in %s %s", inference.FormatBytes(vram), vsource)
		case fit < ctxSize:
			report.add("model_vram", DoctorWarn, "context will be clamped from %d to %d to fit %s %s", ctxSize, fit, inference.FormatBytes(vram), vsource)
			ctxSize = fit
		default:
			dev := inference.EstimateSplit(meta, ctxSize, cfg.Engine.GPULayers).Device
			report.add("model_vram", DoctorPass, "offloads about %s of %s %s", inference.FormatBytes(dev), inference.FormatBytes(vram), vsource)
		}
	}

	need := inference.EstimateSplit(meta, ctxSize, cfg.Engine.GPULayers).Host
	budget := uint64(cfg.Engine.MemoryBudgetMB) << 20
	source := "configured budget"
	if budget == 0 {
		budget, source = inference.AvailableMemory(), "available memory"
	}
	switch {
	case budget == 0:
		report.add("model_memory", DoctorWarn, "needs about %s; available memory unknown", inference.FormatBytes(need))
	case need > budget:
		report.add("model_memory", DoctorFail, "needs about %s but %s is %s", inference.FormatBytes(need), source, inference.FormatBytes(budget))
	default:
		report.add("model_memory", DoctorPass, "needs about %s of %s %s", inference.FormatBytes(need), inference.FormatBytes(budget), source)
	}
}

func checkPermissions(report *DoctorReport, cfg *config.Config) {
	p := cfg.Permissions
	if p.AutoApproveAll {
		report.add("permissions", DoctorWarn, "permissions.autoApproveAll is on: every tool call runs without asking")
		return
	}
	ceiling := cfg.CeilingLevel()
	if p.Bash && tools.LevelExecuteUnsafe.AtMost(ceiling) {
		report.add("permissions", DoctorWarn, "ceiling %s auto-approves shell commands", ceiling)
		return
	}
	report.add("permissions", DoctorPass, "ceiling %s, %d allowlisted tool(s)", ceiling, len(p.Allowlist))
}

func checkKafka(ctx context.Context, report *DoctorReport, opts bus.KafkaOptions, timeout time.Duration) {
	brokers, topic := opts.Brokers, opts.Topic
	dialer, err := opts.Dialer(timeout)
	if err != nil {
		report.add("kafka", DoctorFail, "kafka security settings: %v", err)
		return
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := dialer.DialContext(dctx, "tcp", brokers[0])
	if err != nil {
		report.add("kafka", DoctorFail, "cannot reach broker %s: %v", brokers[0], err)
		return
	}
	defer conn.Close()
	parts, err := conn.ReadPartitions(topic)
	if err != nil || len(parts) == 0 {
		report.add("kafka", DoctorWarn, "broker %s reachable, topic %s not found (it may be auto-created)", brokers[0], topic)
		return
	}
	report.add("kafka", DoctorPass, "broker %s reachable, topic %s has %d partition(s)", brokers[0], topic, len(parts))
}

func mergeDiscoveredEnvFiles() (string, int, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", 0, err
	}
	targetPath := filepath.Join(home, ".config", "localclaw", "env")
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o700); err != nil {
		return "", 0, err
	}

	cwd, _ := os.Getwd()
	sources := []string{
		filepath.Join(cwd, ".env"),
		filepath.Join(home, config.ConfigDir, ".env"),
		filepath.Join(home, config.ConfigDir, "env"),
		targetPath,
	}

	merged := map[string]string{}
	seen := map[string]struct{}{}
	for _, src := range sources {
		if _, ok := seen[src]; ok {
			continue
		}
		seen[src] = struct{}{}
		kv, err := readEnvFileKV(src)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", 0, fmt.Errorf("read %s: %w", src, err)
		}
		for k, v := range kv {
			// Only LocalClaw settings are carried over.
			if strings.HasPrefix(k, config.EnvPrefix+"_") {
				merged[k] = v
			}
		}
	}

	if err := writeEnvFileKV(targetPath, merged); err != nil {
		return "", 0, err
	}
	if err := os.Chmod(targetPath, 0o600); err != nil {
		return "", 0, err
	}
	return targetPath, len(merged), nil
}

func readEnvFileKV(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	kv := map[string]string{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		i := strings.IndexRune(line, '=')
		if i <= 0 {
			continue
		}
		k := strings.TrimSpace(line[:i])
		if k == "" {
			continue
		}
		kv[k] = trimEnvQuotes(strings.TrimSpace(line[i+1:]))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return kv, nil
}

func writeEnvFileKV(path string, kv map[string]string) error {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys)+2)
	lines = append(lines, "# LocalClaw env (managed by doctor --fix)")
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s=%s", k, kv[k]))
	}
	lines = append(lines, "")
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o600)
}

func trimEnvQuotes(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}

func isLoopbackHost(host string) bool {
	h := strings.TrimSpace(strings.ToLower(host))
	if h == "" {
		return false
	}
	if h == "localhost" {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

func endpointLooksRemote(endpoint string) bool {
	e := strings.TrimSpace(endpoint)
	if e == "" {
		return false
	}
	u, err := url.Parse(e)
	if err != nil {
		return true
	}
	host := u.Hostname()
	if host == "" {
		host = e
	}
	return !isLoopbackHost(host)
}

func detectRuntimeMode(cfg *config.Config) RuntimeMode {
	if cfg.Model.Backend == "scripted" {
		return ModeScripted
	}
	if endpointLooksRemote(cfg.Model.ServerURL) {
		return ModeRemoteLlama
	}
	return ModeLocalLlama
}
