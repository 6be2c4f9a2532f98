package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/KafClaw/localclaw/internal/agent"
	"github.com/KafClaw/localclaw/internal/approval"
	"github.com/KafClaw/localclaw/internal/bus"
	"github.com/KafClaw/localclaw/internal/policy"
)

// tokenPrinter streams token fragments and tool activity to a writer.
type tokenPrinter struct {
	mu      sync.Mutex
	w       io.Writer
	tokens  bool
	verbose bool
}

func (p *tokenPrinter) Emit(_ context.Context, e bus.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch e.Type {
	case bus.TokenStreamed:
		if p.tokens {
			fmt.Fprint(p.w, e.Fragment)
		}
	case bus.ToolStarted:
		fmt.Fprintf(p.w, "\n%s %s\n", color.YellowString("→"), e.Tool)
	case bus.ToolCompleted:
		mark := color.GreenString("✓")
		if e.Outcome != "success" {
			mark = color.RedString("✗")
		}
		fmt.Fprintf(p.w, "%s %s %s\n", mark, e.Tool, e.Outcome)
	case bus.StateChanged:
		if p.verbose {
			fmt.Fprintf(p.w, "\n%s\n", color.HiBlackString("[%d] %s", e.Iteration, e.State))
		}
	}
}

// prompter asks the user about approval requests on a terminal. Requests are
// asked one at a time. A line read for a request that expired meanwhile is
// held for the next readLine.
type prompter struct {
	mu        sync.Mutex
	in        *bufio.Reader
	out       io.Writer
	approvals *approval.Manager
	held      []string
}

func newPrompter(in io.Reader, out io.Writer, approvals *approval.Manager) *prompter {
	return &prompter{in: bufio.NewReader(in), out: out, approvals: approvals}
}

// notify is registered with approval.Manager.OnRequest. It must not block
// the caller, so the question is asked on its own goroutine.
func (p *prompter) notify(req approval.Request) {
	go p.ask(req)
}

// readLine prints a prompt and reads one line of input.
func (p *prompter) readLine(prompt string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprint(p.out, prompt)
	if len(p.held) > 0 {
		line := p.held[0]
		p.held = p.held[1:]
		fmt.Fprintln(p.out, line)
		return line, nil
	}
	line, err := p.in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (p *prompter) ask(req approval.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.approvals.IsPending(req.ID) {
		return
	}

	params, _ := json.Marshal(req.Params)
	fmt.Fprintf(p.out, "\n%s %s (%s)\n", color.YellowString("Approval needed:"), color.New(color.Bold).Sprint(req.Tool), req.Level)
	if req.Target != "" {
		fmt.Fprintf(p.out, "  target: %s\n", req.Target)
	}
	fmt.Fprintf(p.out, "  params: %s\n", params)

	for {
		fmt.Fprint(p.out, "Allow? [y]es / [a]lways / [n]o: ")
		line, readErr := p.in.ReadString('\n')
		if !p.approvals.IsPending(req.ID) {
			fmt.Fprintf(p.out, "\n%s approval for %s is no longer pending\n", color.YellowString("!"), req.Tool)
			if line = strings.TrimSpace(line); line != "" {
				p.held = append(p.held, line)
			}
			return
		}
		d, err := policy.ParseDecision(strings.ToLower(strings.TrimSpace(line)))
		if err != nil {
			if readErr == nil {
				continue
			}
			// Input closed: refuse.
			d = policy.Deny
		}
		if err := p.approvals.Respond(req.ID, d); err != nil {
			fmt.Fprintf(p.out, "%s %v\n", color.RedString("Error:"), err)
		}
		return
	}
}

// printResult writes the final answer and a one-line outcome summary.
func printResult(w io.Writer, res agent.Result) {
	if res.Text != "" {
		fmt.Fprintln(w)
		fmt.Fprintln(w, res.Text)
	}
	fmt.Fprintln(w)
	var label string
	switch res.Outcome.Kind {
	case agent.OutcomeSuccess:
		label = color.GreenString("✓ %s", res.Outcome)
	case agent.OutcomeCancelled:
		label = color.YellowString("⚠ %s", res.Outcome)
	default:
		label = color.RedString("✗ %s", res.Outcome)
	}
	fmt.Fprintf(w, "%s  %s\n", label, color.HiBlackString("%d iterations, %s, %s",
		res.Iterations, res.Elapsed.Round(time.Millisecond), res.ConversationID))
	if res.Plan != nil {
		data, err := json.Marshal(res.Plan)
		if err == nil {
			fmt.Fprintf(w, "%s %s\n", color.HiBlackString("plan:"), data)
		}
	}
}
