package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// DenyPatterns contains regex patterns for commands bash refuses to run even
// after approval.
var DenyPatterns = []string{
	`\brm\s+(-[rf]+\s+)*[/~]`, // rm with root or home
	`\brm\s+-rf\b`,            // rm -rf anywhere
	`\brm\s+-r[fF]?\s+\.\b`,   // rm -r . / rm -rf .
	`\brm\s+-r[fF]?\s+\*`,     // rm -r *
	`\bfind\b.*\b-delete\b`,   // find -delete
	`\bdd\b.*\bof=/dev/`,      // dd to device
	`\bmkfs\b`,                // filesystem format
	`\bfdisk\b`,               // partition tool
	`>\s*/dev/sd`,             // redirect to block device
	`\bchmod\s+-R\s+777\b`,    // chmod 777 recursive
	`\bchown\s+-R\b.*[/~]`,    // chown recursive on root/home
	`\bshutdown\b`,
	`:\(\)\s*\{\s*:\|:&\s*\};:`,
	`\breboot\b`,
	`\bhalt\b`,
	`\binit\s+[0-6]\b`,
	`\bsystemctl\s+(start|stop|restart|enable|disable)\b`,
}

// PathPatterns detect path traversal attempts when bash is restricted to the workspace.
var PathPatterns = []string{
	`\.\.\/`, // ../
	`\.\.\\`, // ..\
	`\/\.\.`, // /..
	`\\\.\.`, // \..
}

// maxShellOutput caps combined stdout/stderr returned to the model.
const maxShellOutput = 64 * 1024

// ShellTool executes shell commands through sh -c.
type ShellTool struct {
	Timeout             time.Duration
	RestrictToWorkspace bool
	WorkDir             string
	denyRegexes         []*regexp.Regexp
	pathRegexes         []*regexp.Regexp
}

// NewShellTool creates the bash tool.
func NewShellTool(timeout time.Duration, restrictToWorkspace bool, workDir string) *ShellTool {
	return &ShellTool{
		Timeout:             timeout,
		RestrictToWorkspace: restrictToWorkspace,
		WorkDir:             workDir,
		denyRegexes:         compileAll(DenyPatterns, "(?i)"),
		pathRegexes:         compileAll(PathPatterns, ""),
	}
}

func compileAll(patterns []string, flags string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if re, err := regexp.Compile(flags + p); err == nil {
			out = append(out, re)
		}
	}
	return out
}

func (t *ShellTool) Name() string           { return "bash" }
func (t *ShellTool) Level() Level           { return LevelExecuteUnsafe }
func (t *ShellTool) Capability() Capability { return CapBash }

func (t *ShellTool) Description() string {
	return "Execute a shell command and return its output."
}

func (t *ShellTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"minLength":   1,
				"description": "The shell command to execute",
			},
			"working_dir": map[string]any{
				"type":        "string",
				"description": "Optional working directory for the command",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ShellTool) Execute(ctx context.Context, params map[string]any) (Result, error) {
	command := GetString(params, "command", "")
	workingDir := GetString(params, "working_dir", t.WorkDir)

	if err := t.guardCommand(command, workingDir); err != nil {
		return Result{}, err
	}

	timeout := t.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if workingDir != "" {
		cmd.Dir = workingDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	var out strings.Builder
	out.WriteString(stdout.String())
	if stderr.Len() > 0 {
		if out.Len() > 0 {
			out.WriteString("\n")
		}
		out.WriteString("STDERR:\n")
		out.WriteString(stderr.String())
	}
	text := out.String()
	if len(text) > maxShellOutput {
		text = text[:maxShellOutput] + "\n... (output truncated)"
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Result{}, &ToolError{Kind: KindTimeout, Message: fmt.Sprintf("command timed out after %v", timeout), Cause: ctx.Err()}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{}, &ToolError{
				Kind:    KindExecutionFailed,
				Message: fmt.Sprintf("exit code %d\n%s", exitErr.ExitCode(), text),
				Cause:   err,
			}
		}
		return Result{}, fmt.Errorf("execute command: %w", err)
	}

	if text == "" {
		text = "(no output)"
	}
	return Result{Output: text, Data: map[string]any{"exit_code": 0}}, nil
}

func (t *ShellTool) guardCommand(command, workingDir string) error {
	for _, re := range t.denyRegexes {
		if re.MatchString(command) {
			return InvalidParams("command blocked by safety policy")
		}
	}

	if t.RestrictToWorkspace && t.WorkDir != "" {
		for _, re := range t.pathRegexes {
			if re.MatchString(command) {
				return InvalidParams("path traversal not allowed")
			}
		}
		if workingDir != "" {
			root, _ := filepath.Abs(t.WorkDir)
			abs, _ := filepath.Abs(workingDir)
			if !isWithin(root, abs) {
				return InvalidParams("working directory outside workspace: %s", workingDir)
			}
		}
	}
	return nil
}
