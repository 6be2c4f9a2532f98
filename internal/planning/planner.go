package planning

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// Completer produces a full model completion for a prompt. The agent loop
// adapts the inference engine to it.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Planner decides when a request needs a plan and builds one.
type Planner struct {
	// MinLength is the request length (in runes) below which no plan is built
	// unless the request contains an explicit list.
	MinLength int
	// MaxSteps caps the number of steps kept from a parsed plan.
	MaxSteps int
}

// NewPlanner returns a planner with defaults.
func NewPlanner() *Planner {
	return &Planner{MinLength: 80, MaxSteps: 12}
}

var (
	numberedRe   = regexp.MustCompile(`(?m)^\s*(?:\d+[.)]|[-*+])\s+\S`)
	connectiveRe = regexp.MustCompile(`(?i)\b(then|and then|after that|afterwards|next|finally|first|second|puis|ensuite)\b`)
	sentenceRe   = regexp.MustCompile(`[.!?;]\s+|\n+`)
)

// NeedsPlan reports whether a request looks multi-step.
func (p *Planner) NeedsPlan(request string) bool {
	request = strings.TrimSpace(request)
	if len(numberedRe.FindAllString(request, -1)) >= 2 {
		return true
	}
	if len([]rune(request)) < p.MinLength {
		return false
	}
	if len(connectiveRe.FindAllString(request, -1)) >= 2 {
		return true
	}
	return len(splitSentences(request)) >= 3
}

// HeuristicPlan splits a request into steps without asking the model:
// explicit list items first, otherwise sentences.
func (p *Planner) HeuristicPlan(request string) []Step {
	steps := parseMarkdownPlan(request)
	if len(steps) < 2 {
		steps = steps[:0]
		for i, s := range splitSentences(request) {
			steps = append(steps, Step{ID: fmt.Sprint(i + 1), Description: s})
		}
	}
	return p.cap(steps)
}

func (p *Planner) cap(steps []Step) []Step {
	if p.MaxSteps > 0 && len(steps) > p.MaxSteps {
		return steps[:p.MaxSteps]
	}
	return steps
}

const planPrompt = `Break the following request into a short ordered list of concrete steps.
Answer with a JSON object of the form {"tasks":[{"description":"...","tool":"optional tool name"}]} and nothing else.

Available tools: %s

Request:
%s
`

// Build asks the model for a plan. When the model fails or answers with
// something unparseable, the heuristic plan is used instead.
func (p *Planner) Build(ctx context.Context, c Completer, request string, toolNames []string) (*TaskPlan, error) {
	if c != nil {
		text, err := c.Complete(ctx, fmt.Sprintf(planPrompt, strings.Join(toolNames, ", "), request))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.Warn("plan generation failed, using heuristic plan", "error", err)
		} else if steps, perr := ParsePlan(text); perr == nil {
			return NewPlan(request, p.cap(steps)), nil
		} else {
			slog.Debug("unparseable plan from model", "error", perr)
		}
	}
	return NewPlan(request, p.HeuristicPlan(request)), nil
}

func splitSentences(s string) []string {
	parts := sentenceRe.Split(s, -1)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
