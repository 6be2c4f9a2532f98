package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/localclaw/internal/config"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/KafClaw/localclaw/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"  _                    _  ____ _\n" +
		" | |    ___   ___ __ _| |/ ___| | __ ___      __\n" +
		" | |   / _ \\ / __/ _` | | |   | |/ _` \\ \\ /\\ / /\n" +
		" | |__| (_) | (_| (_| | | |___| | (_| |\\ V  V /\n" +
		" |_____\\___/ \\___\\__,_|_|\\____|_|\\__,_| \\_/\\_/\n"
)

// Persistent flags.
var (
	flagConfig      string
	flagLogLevel    string
	flagLogJSON     bool
	flagBackend     string
	flagMetricsAddr string
)

var rootCmd = &cobra.Command{
	Use:   "localclaw",
	Short: "LocalClaw - local-first AI agent",
	Long:  color.CyanString(logo) + "\nA local-first agent runtime: a local model, a tool belt and a permission gate.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(cmd.ErrOrStderr(), flagLogLevel, flagLogJSON)
	},
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "localclaw %s\n", version)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "config file (default ~/.localclaw/config.json or $LOCALCLAW_CONFIG)")
	pf.StringVar(&flagLogLevel, "log-level", "warn", "log level: debug, info, warn, error")
	pf.BoolVar(&flagLogJSON, "log-json", false, "log as JSON")
	pf.StringVar(&flagBackend, "backend", "", "inference backend: llama or scripted (default from config)")
	pf.StringVar(&flagMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")

	rootCmd.AddCommand(versionCmd)
}

// setupLogging installs the default slog logger.
func setupLogging(w io.Writer, level string, asJSON bool) error {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "info", "":
		lvl = slog.LevelInfo
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return fmt.Errorf("unknown log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if asJSON {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

// loadConfig loads the config named by --config and applies --backend.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagBackend != "" {
		cfg.Model.Backend = flagBackend
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// startApp loads the config and starts every component.
func startApp(opts appOptions) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Paths.Workspace, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	a, err := newApp(cfg, opts)
	if err != nil {
		return nil, err
	}
	a.serveMetrics(flagMetricsAddr)
	return a, nil
}

func printHeader(w io.Writer, title string) {
	fmt.Fprintln(w, color.CyanString(logo))
	if title != "" {
		fmt.Fprintln(w, title)
		fmt.Fprintln(w, "─────────────────────")
	}
}
