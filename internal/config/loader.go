package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".localclaw"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "LOCALCLAW"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("LOCALCLAW_CONFIG")); explicit != "" {
		return expandHomeWith(explicit)
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("LOCALCLAW_HOME")); h != "" {
		if strings.HasPrefix(h, "~") {
			base, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(base, h[1:]), nil
		}
		return h, nil
	}
	return os.UserHomeDir()
}

func expandHomeWith(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, p[1:]), nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Load loads the configuration from path (or ConfigPath when empty) and
// environment variables, then validates it.
// Priority: environment > file > defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	// Load process env vars from ~/.config/localclaw/env (and fallbacks) first.
	LoadEnvFileCandidates()

	if path == "" {
		p, err := ConfigPath()
		if err != nil {
			return nil, err
		}
		path = p
	} else {
		p, err := expandHomeWith(path)
		if err != nil {
			return nil, err
		}
		path = p
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("read config: %w", err)
	}
	// If file doesn't exist, continue with defaults

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	// Expand ~ in paths
	for _, p := range []*string{&cfg.Paths.Workspace, &cfg.Paths.DataDir, &cfg.Paths.TimelineDB, &cfg.Paths.SessionsDir, &cfg.Model.Path} {
		if expanded, err := expandHomeWith(*p); err == nil {
			*p = expanded
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, cfg)
	}
	return json.Unmarshal(data, cfg)
}

// applyEnv overrides each group from LOCALCLAW_<GROUP>_<FIELD> variables.
func applyEnv(cfg *Config) error {
	groups := []struct {
		name string
		spec any
	}{
		{"PATHS", &cfg.Paths},
		{"MODEL", &cfg.Model},
		{"GENERATION", &cfg.Generation},
		{"AGENT", &cfg.Agent},
		{"AGENT", &cfg.Agent.Backoff},
		{"PERMISSIONS", &cfg.Permissions},
		{"ENGINE", &cfg.Engine},
		{"EVENTS", &cfg.Events},
		{"EVENTS", &cfg.Events.Kafka},
		{"TOOLS", &cfg.Tools},
		{"TOOLS", &cfg.Tools.Exec},
		{"TOOLS", &cfg.Tools.Web},
	}
	for _, g := range groups {
		if err := envconfig.Process(EnvPrefix+"_"+g.name, g.spec); err != nil {
			return fmt.Errorf("env %s_%s: %w", EnvPrefix, g.name, err)
		}
	}
	return nil
}

// TimelinePath returns the sqlite timeline file.
func (c *Config) TimelinePath() string {
	if c.Paths.TimelineDB != "" {
		return c.Paths.TimelineDB
	}
	return filepath.Join(c.Paths.DataDir, "timeline.db")
}

// SessionsPath returns the chat transcript directory.
func (c *Config) SessionsPath() string {
	if c.Paths.SessionsDir != "" {
		return c.Paths.SessionsDir
	}
	return filepath.Join(c.Paths.DataDir, "sessions")
}

// Save writes the configuration to ConfigPath.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTo(path, cfg)
}

// SaveTo writes the configuration to path, as YAML when the extension says
// so and as indented JSON otherwise.
func SaveTo(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
