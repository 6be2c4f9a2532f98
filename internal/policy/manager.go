// Package policy decides whether a tool call may run, must be confirmed by the
// user, or is refused outright.
package policy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/KafClaw/localclaw/internal/tools"
)

// Outcome is the result class of a permission check.
type Outcome string

const (
	OutcomeAllow  Outcome = "allow"
	OutcomePrompt Outcome = "prompt"
	OutcomeDeny   Outcome = "deny"
)

// Decision is a user answer to an approval prompt.
type Decision string

const (
	Approve     Decision = "approve"
	AlwaysAllow Decision = "always_allow"
	Deny        Decision = "deny"
)

// ParseDecision accepts the long names and the y/a/n shorthands used by the CLI.
func ParseDecision(s string) (Decision, error) {
	switch s {
	case "approve", "approved", "y", "yes":
		return Approve, nil
	case "always_allow", "always", "a":
		return AlwaysAllow, nil
	case "deny", "denied", "n", "no":
		return Deny, nil
	}
	return "", fmt.Errorf("unknown decision %q", s)
}

// Request describes a pending tool call.
type Request struct {
	SessionID  string
	Tool       string
	Level      tools.Level
	Capability tools.Capability
	Internal   bool
	Params     map[string]any
}

// Verdict is the result of a permission check.
type Verdict struct {
	Outcome Outcome
	Reason  string
	Level   tools.Level
	Ts      time.Time
}

// Mode is the user-configured permission mode.
type Mode struct {
	Allowlist      []string
	Ceiling        tools.Level
	AutoApproveAll bool
}

// Capabilities are the user toggles for whole groups of tools.
type Capabilities struct {
	Filesystem bool
	Web        bool
	Bash       bool
	Git        bool
}

// Enabled reports whether capability c is switched on. CapNone is always on.
func (c Capabilities) Enabled(capability tools.Capability) bool {
	switch capability {
	case tools.CapFilesystem:
		return c.Filesystem
	case tools.CapWeb:
		return c.Web
	case tools.CapBash:
		return c.Bash
	case tools.CapGit:
		return c.Git
	}
	return true
}

// Settings is the part of the configuration the manager consumes.
type Settings struct {
	Mode         Mode
	Capabilities Capabilities
}

// DefaultSettings returns a conservative mode: reads are automatic, everything else prompts,
// bash and web are enabled but always confirmed.
func DefaultSettings() Settings {
	return Settings{
		Mode:         Mode{Ceiling: tools.LevelReadOnly},
		Capabilities: Capabilities{Filesystem: true, Web: true, Bash: true, Git: true},
	}
}

// ExceptionStore persists always-allow exceptions. The timeline service implements it.
type ExceptionStore interface {
	InsertSessionException(sessionID, tool string) error
	DeleteSessionExceptions(sessionID string) error
	SessionExceptions(sessionID string) ([]string, error)
}

// Manager evaluates tool calls against the permission mode.
type Manager struct {
	mu         sync.RWMutex
	allowlist  map[string]struct{}
	mode       Mode
	caps       Capabilities
	exceptions map[string]map[string]struct{}
	store      ExceptionStore
}

// NewManager creates a manager with the given settings. Store may be nil.
func NewManager(s Settings, store ExceptionStore) *Manager {
	m := &Manager{
		exceptions: make(map[string]map[string]struct{}),
		store:      store,
	}
	m.Configure(s)
	return m
}

// Configure replaces mode and capabilities. Session exceptions are kept.
func (m *Manager) Configure(s Settings) {
	allow := make(map[string]struct{}, len(s.Mode.Allowlist))
	for _, name := range s.Mode.Allowlist {
		allow[name] = struct{}{}
	}
	m.mu.Lock()
	m.mode = s.Mode
	m.caps = s.Capabilities
	m.allowlist = allow
	m.mu.Unlock()
}

// Settings returns the current settings.
func (m *Manager) Settings() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mode := m.mode
	mode.Allowlist = append([]string(nil), m.mode.Allowlist...)
	return Settings{Mode: mode, Capabilities: m.caps}
}

// Check runs the decision algorithm for one tool call.
func (m *Manager) Check(req Request) Verdict {
	v := Verdict{Level: req.Level, Ts: time.Now()}

	m.mu.RLock()
	_, listed := m.allowlist[req.Tool]
	_, excepted := m.exceptions[req.SessionID][req.Tool]
	mode := m.mode
	caps := m.caps
	m.mu.RUnlock()

	switch {
	case listed:
		v.Outcome, v.Reason = OutcomeAllow, "allowlisted"
		return v
	case excepted:
		v.Outcome, v.Reason = OutcomeAllow, "always_allow"
		return v
	case req.Internal:
		v.Outcome, v.Reason = OutcomeAllow, "internal"
		return v
	}

	if mode.AutoApproveAll {
		v.Outcome, v.Reason = OutcomeAllow, "auto_approve_all"
		return v
	}
	if req.Level.AtMost(mode.Ceiling) {
		v.Outcome, v.Reason = OutcomeAllow, "within_ceiling"
		return v
	}

	if capability := gatedCapability(req); capability != tools.CapNone && !caps.Enabled(capability) {
		v.Outcome = OutcomeDeny
		v.Reason = "capability_disabled:" + string(capability)
		slog.Debug("tool call denied", "tool", req.Tool, "level", req.Level, "reason", v.Reason)
		return v
	}

	v.Outcome = OutcomePrompt
	v.Reason = fmt.Sprintf("%s_requires_approval", req.Level)
	return v
}

// gatedCapability returns the capability whose toggle can hard-deny req.
func gatedCapability(req Request) tools.Capability {
	switch req.Level {
	case tools.LevelExecuteUnsafe:
		return tools.CapBash
	case tools.LevelNetwork:
		return tools.CapWeb
	}
	switch req.Capability {
	case tools.CapFilesystem, tools.CapGit:
		return req.Capability
	}
	return tools.CapNone
}

// Decide records the consequences of a user decision. Only AlwaysAllow has any.
func (m *Manager) Decide(sessionID, tool string, d Decision) {
	if d != AlwaysAllow {
		return
	}
	m.mu.Lock()
	set, ok := m.exceptions[sessionID]
	if !ok {
		set = make(map[string]struct{})
		m.exceptions[sessionID] = set
	}
	set[tool] = struct{}{}
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.InsertSessionException(sessionID, tool); err != nil {
			slog.Warn("persist session exception failed", "session", sessionID, "tool", tool, "error", err)
		}
	}
}

// Exceptions lists the tools always allowed in a session.
func (m *Manager) Exceptions(sessionID string) []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.exceptions[sessionID]))
	for name := range m.exceptions[sessionID] {
		out = append(out, name)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

// LoadSession restores persisted exceptions for a session.
func (m *Manager) LoadSession(sessionID string) error {
	if m.store == nil {
		return nil
	}
	names, err := m.store.SessionExceptions(sessionID)
	if err != nil {
		return fmt.Errorf("load session exceptions: %w", err)
	}
	m.mu.Lock()
	set, ok := m.exceptions[sessionID]
	if !ok {
		set = make(map[string]struct{}, len(names))
		m.exceptions[sessionID] = set
	}
	for _, name := range names {
		set[name] = struct{}{}
	}
	m.mu.Unlock()
	return nil
}

// ClearSession drops every exception recorded for a session.
func (m *Manager) ClearSession(sessionID string) {
	m.mu.Lock()
	delete(m.exceptions, sessionID)
	m.mu.Unlock()
	if m.store != nil {
		if err := m.store.DeleteSessionExceptions(sessionID); err != nil {
			slog.Warn("clear session exceptions failed", "session", sessionID, "error", err)
		}
	}
}

// targetKeys are checked in order to summarise what a call acts on.
var targetKeys = []string{"path", "command", "url", "query", "file", "pattern"}

// Target returns a one-line summary of what a tool call acts on, for approval prompts.
func Target(params map[string]any) string {
	for _, key := range targetKeys {
		if s := tools.GetString(params, key, ""); s != "" {
			return truncate(s, 200)
		}
	}
	if len(params) == 0 {
		return ""
	}
	b, err := json.Marshal(params)
	if err != nil {
		return ""
	}
	return truncate(string(b), 200)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
