package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/KafClaw/localclaw/internal/planning"
	"github.com/KafClaw/localclaw/internal/tools"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of the conversation history.
type Message struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	Time    time.Time `json:"time,omitempty"`
}

// Context is the working memory of one loop run. It is owned by exactly one
// Loop and is never shared.
type Context struct {
	ConversationID    string
	SessionID         string
	Request           string
	History           []Message
	Plan              *planning.TaskPlan
	Iteration         int
	Started           time.Time
	ConsecutiveErrors int
	Observations      []Observation
	Final             string
}

// contextRecord is the checkpointed form of a Context.
type contextRecord struct {
	ConversationID    string             `json:"conversation_id"`
	SessionID         string             `json:"session_id"`
	Request           string             `json:"request"`
	History           []Message          `json:"history"`
	Plan              *planning.Snapshot `json:"plan,omitempty"`
	Iteration         int                `json:"iteration"`
	ConsecutiveErrors int                `json:"consecutive_errors"`
	Observations      []Observation      `json:"observations,omitempty"`
	Final             string             `json:"final,omitempty"`
}

func (c *Context) MarshalJSON() ([]byte, error) {
	rec := contextRecord{
		ConversationID:    c.ConversationID,
		SessionID:         c.SessionID,
		Request:           c.Request,
		History:           c.History,
		Iteration:         c.Iteration,
		ConsecutiveErrors: c.ConsecutiveErrors,
		Observations:      c.Observations,
		Final:             c.Final,
	}
	if c.Plan != nil {
		snap := c.Plan.Snapshot()
		rec.Plan = &snap
	}
	return json.Marshal(rec)
}

func (c *Context) UnmarshalJSON(b []byte) error {
	var rec contextRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return err
	}
	*c = Context{
		ConversationID:    rec.ConversationID,
		SessionID:         rec.SessionID,
		Request:           rec.Request,
		History:           rec.History,
		Iteration:         rec.Iteration,
		ConsecutiveErrors: rec.ConsecutiveErrors,
		Observations:      rec.Observations,
		Final:             rec.Final,
	}
	if rec.Plan != nil {
		c.Plan = planning.FromSnapshot(*rec.Plan)
	}
	return nil
}

// AddMessage appends to the history.
func (c *Context) AddMessage(role, content string, now time.Time) {
	c.History = append(c.History, Message{Role: role, Content: content, Time: now})
}

const keptObservations = 5

// AddObservation records a tool observation in the history and in the
// short list used for the summary.
func (c *Context) AddObservation(obs Observation, maxChars int, now time.Time) {
	c.AddMessage(RoleTool, FormatObservation(obs, maxChars), now)
	c.Observations = append(c.Observations, obs)
	if len(c.Observations) > keptObservations {
		c.Observations = c.Observations[len(c.Observations)-keptObservations:]
	}
}

// Summary condenses the run for the final answer when the model produced none.
func (c *Context) Summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Request: %s\n", c.Request)
	if c.Plan != nil {
		var done []string
		for _, s := range c.Plan.Snapshot().Steps {
			if s.Status == planning.StatusDone {
				done = append(done, s.Description)
			}
		}
		if len(done) > 0 {
			fmt.Fprintf(&sb, "Steps completed: %s\n", strings.Join(done, "; "))
		}
	}
	if len(c.Observations) > 0 {
		sb.WriteString("Last observations:\n")
		for _, o := range c.Observations {
			status := "ok"
			if o.Failed {
				status = "failed"
			}
			fmt.Fprintf(&sb, "- %s (%s): %s\n", o.Tool, status, truncateWithEllipsis(firstLine(o.Output), 200))
		}
	}
	return strings.TrimSpace(sb.String())
}

// FormatObservation renders a tool result for the model.
func FormatObservation(obs Observation, maxChars int) string {
	header := fmt.Sprintf("[tool %s succeeded]", obs.Tool)
	if obs.Failed {
		header = fmt.Sprintf("[tool %s failed: %s]", obs.Tool, obs.Kind)
	}
	out := strings.TrimSpace(obs.Output)
	if out == "" {
		return header
	}
	return header + "\n" + truncateWithEllipsis(out, maxChars)
}

func truncateWithEllipsis(s string, maxChars int) string {
	if maxChars <= 0 || len(s) <= maxChars {
		return s
	}
	if maxChars <= 3 {
		return s[:maxChars]
	}
	return s[:maxChars-3] + "..."
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// ContextBuilder assembles prompts for the model.
type ContextBuilder struct {
	workspace    string
	registry     *tools.Registry
	systemPrompt string
	historyLimit int
}

// NewContextBuilder creates a builder. An empty systemPrompt uses the default identity.
func NewContextBuilder(workspace string, registry *tools.Registry, systemPrompt string, historyLimit int) *ContextBuilder {
	if historyLimit <= 0 {
		historyLimit = 20
	}
	return &ContextBuilder{
		workspace:    workspace,
		registry:     registry,
		systemPrompt: systemPrompt,
		historyLimit: historyLimit,
	}
}

// BootstrapFile is read from the workspace and appended to the system prompt.
const BootstrapFile = "LOCALCLAW.md"

// BuildSystemPrompt returns the identity, workspace notes and tool instructions.
func (b *ContextBuilder) BuildSystemPrompt() string {
	var parts []string
	parts = append(parts, b.identity())
	if notes := b.loadBootstrap(); notes != "" {
		parts = append(parts, "# Workspace notes\n\n"+notes)
	}
	if instr := b.toolInstructions(); instr != "" {
		parts = append(parts, instr)
	}
	return strings.Join(parts, "\n\n---\n\n")
}

func (b *ContextBuilder) identity() string {
	if b.systemPrompt != "" {
		return b.systemPrompt
	}
	return fmt.Sprintf(`# LocalClaw

You are LocalClaw, a helpful assistant running entirely on this machine.
Work step by step. Use one tool at a time and wait for its result before the next step.
When the request is answered, reply with the final answer as plain text and no tool call.

## Runtime
%s %s, %s

## Workspace
%s`, runtime.GOOS, runtime.GOARCH, time.Now().Format("2006-01-02 15:04 (Monday)"), b.workspacePath())
}

func (b *ContextBuilder) workspacePath() string {
	ws := b.workspace
	if strings.HasPrefix(ws, "~") {
		home, _ := os.UserHomeDir()
		ws = filepath.Join(home, ws[1:])
	}
	if abs, err := filepath.Abs(ws); err == nil {
		ws = abs
	}
	return ws
}

func (b *ContextBuilder) loadBootstrap() string {
	if b.workspace == "" {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(b.workspacePath(), BootstrapFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (b *ContextBuilder) toolInstructions() string {
	if b.registry == nil {
		return ""
	}
	list := b.registry.List()
	if len(list) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(`# Tools

To use a tool, reply with exactly one call in this form:
<use_tool name="TOOL_NAME"><param name="KEY">VALUE</param></use_tool>
A JSON object {"tool": "TOOL_NAME", "params": {...}} is also accepted.
Tools above your permission level may need the user's approval. A denied call comes back as a failed result; choose another way.

Available tools:
`)
	for _, t := range list {
		level, _ := b.registry.LevelOf(t.Name())
		schema, _ := json.Marshal(t.Parameters())
		fmt.Fprintf(&sb, "- %s [%s]: %s\n  parameters: %s\n", t.Name(), level, t.Description(), schema)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// BuildPrompt renders the prompt for the next reasoning step.
func (b *ContextBuilder) BuildPrompt(c *Context) string {
	var sb strings.Builder
	sb.WriteString(b.BuildSystemPrompt())
	if c.Plan != nil && c.Plan.Len() > 0 {
		sb.WriteString("\n\n---\n\n# Plan\n\n")
		sb.WriteString(c.Plan.Markdown())
		if step, ok := c.Plan.Next(); ok {
			fmt.Fprintf(&sb, "\nCurrent step: %s\n", step.Description)
		}
	}
	sb.WriteString("\n\n---\n\n# Conversation\n\n")
	b.writeHistory(&sb, c)
	sb.WriteString("Assistant:")
	return sb.String()
}

// BuildFinalPrompt asks for the final answer from the run summary.
func (b *ContextBuilder) BuildFinalPrompt(c *Context) string {
	var sb strings.Builder
	sb.WriteString(b.identity())
	sb.WriteString("\n\n---\n\n# Work so far\n\n")
	sb.WriteString(c.Summary())
	sb.WriteString("\n\nWrite the final answer to the request for the user. Do not call any tool.\n\nAssistant:")
	return sb.String()
}

func (b *ContextBuilder) writeHistory(sb *strings.Builder, c *Context) {
	history := c.History
	if len(history) > b.historyLimit {
		// The request stays visible even when older turns are dropped.
		fmt.Fprintf(sb, "User: %s\n\n[%d earlier messages omitted]\n\n", c.Request, len(history)-b.historyLimit)
		history = history[len(history)-b.historyLimit:]
	}
	for _, m := range history {
		switch m.Role {
		case RoleUser:
			fmt.Fprintf(sb, "User: %s\n\n", m.Content)
		case RoleAssistant:
			fmt.Fprintf(sb, "Assistant: %s\n\n", m.Content)
		default:
			fmt.Fprintf(sb, "%s\n\n", m.Content)
		}
	}
}
