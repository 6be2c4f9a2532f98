// Package planning decomposes multi-step requests into task plans and tracks
// their progress while the agent loop runs.
package planning

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Status is the state of a plan step.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusSkipped    Status = "skipped"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the step needs no further work.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusSkipped || s == StatusFailed
}

// ErrStepNotFound is returned when a step id does not exist in the plan.
var ErrStepNotFound = errors.New("plan step not found")

// Step is one unit of work in a TaskPlan.
type Step struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Status      Status   `json:"status"`
	Priority    int      `json:"priority,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Tool        string   `json:"tool,omitempty"`
	Result      string   `json:"result,omitempty"`
}

func (s Step) clone() Step {
	if s.DependsOn != nil {
		s.DependsOn = append([]string(nil), s.DependsOn...)
	}
	return s
}

// TaskPlan is an ordered sequence of steps. The owning loop mutates it;
// observers read it through Snapshot.
type TaskPlan struct {
	mu    sync.RWMutex
	goal  string
	steps []Step
}

// Snapshot is an immutable copy of a plan.
type Snapshot struct {
	Goal  string `json:"goal"`
	Steps []Step `json:"steps"`
}

// NewPlan creates a plan. Steps without an id are numbered from 1; steps
// without a status start pending.
func NewPlan(goal string, steps []Step) *TaskPlan {
	p := &TaskPlan{goal: goal, steps: make([]Step, 0, len(steps))}
	for i, s := range steps {
		s = s.clone()
		if s.ID == "" {
			s.ID = strconv.Itoa(i + 1)
		}
		if s.Status == "" {
			s.Status = StatusPending
		}
		p.steps = append(p.steps, s)
	}
	return p
}

// FromSnapshot rebuilds a plan, e.g. from a checkpoint.
func FromSnapshot(s Snapshot) *TaskPlan {
	return NewPlan(s.Goal, s.Steps)
}

// Goal returns the request the plan was built for.
func (p *TaskPlan) Goal() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.goal
}

// Len returns the number of steps.
func (p *TaskPlan) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.steps)
}

// Snapshot returns a deep copy of the plan.
func (p *TaskPlan) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := Snapshot{Goal: p.goal, Steps: make([]Step, len(p.steps))}
	for i, s := range p.steps {
		out.Steps[i] = s.clone()
	}
	return out
}

// Next returns the first pending step whose dependencies are all finished
// (done or skipped). An in-progress step is returned first if there is one.
func (p *TaskPlan) Next() (Step, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, s := range p.steps {
		if s.Status == StatusInProgress {
			return s.clone(), true
		}
	}
	for _, s := range p.steps {
		if s.Status == StatusPending && p.depsMet(s) {
			return s.clone(), true
		}
	}
	return Step{}, false
}

func (p *TaskPlan) depsMet(s Step) bool {
	// Unknown dependency ids never block.
	for _, dep := range s.DependsOn {
		for _, other := range p.steps {
			if other.ID == dep && other.Status != StatusDone && other.Status != StatusSkipped {
				return false
			}
		}
	}
	return true
}

func (p *TaskPlan) set(id string, fn func(*Step)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.steps {
		if p.steps[i].ID == id {
			fn(&p.steps[i])
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrStepNotFound, id)
}

// Start marks a step in progress.
func (p *TaskPlan) Start(id string) error {
	return p.set(id, func(s *Step) { s.Status = StatusInProgress })
}

// Complete marks a step done with its result.
func (p *TaskPlan) Complete(id, result string) error {
	return p.set(id, func(s *Step) {
		s.Status = StatusDone
		s.Result = result
	})
}

// Fail marks a step failed.
func (p *TaskPlan) Fail(id, reason string) error {
	return p.set(id, func(s *Step) {
		s.Status = StatusFailed
		s.Result = reason
	})
}

// Skip marks a step skipped.
func (p *TaskPlan) Skip(id string) error {
	return p.set(id, func(s *Step) { s.Status = StatusSkipped })
}

// IsComplete reports whether every step is terminal. An empty plan is complete.
func (p *TaskPlan) IsComplete() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, s := range p.steps {
		if !s.Status.Terminal() {
			return false
		}
	}
	return true
}

// Progress returns the fraction of terminal steps in [0,1].
func (p *TaskPlan) Progress() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.steps) == 0 {
		return 1
	}
	done := 0
	for _, s := range p.steps {
		if s.Status.Terminal() {
			done++
		}
	}
	return float64(done) / float64(len(p.steps))
}

// Markdown renders the plan as a checklist.
func (p *TaskPlan) Markdown() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var b strings.Builder
	if p.goal != "" {
		fmt.Fprintf(&b, "## Plan: %s\n\n", p.goal)
	}
	for _, s := range p.steps {
		box := " "
		switch s.Status {
		case StatusDone:
			box = "x"
		case StatusInProgress:
			box = "~"
		case StatusSkipped:
			box = "-"
		case StatusFailed:
			box = "!"
		}
		fmt.Fprintf(&b, "- [%s] %s", box, s.Description)
		if s.Tool != "" {
			fmt.Fprintf(&b, " (tool: %s)", s.Tool)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Todo is one entry of a todo_write call.
type Todo struct {
	ID      string `json:"id,omitempty"`
	Content string `json:"content"`
	Status  Status `json:"status"`
}

// ApplyTodos replaces the plan's steps with the model's todo list, keeping
// results of steps whose id survives.
func (p *TaskPlan) ApplyTodos(todos []Todo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := make(map[string]Step, len(p.steps))
	for _, s := range p.steps {
		prev[s.ID] = s
	}
	steps := make([]Step, 0, len(todos))
	for i, t := range todos {
		id := t.ID
		if id == "" {
			id = strconv.Itoa(i + 1)
		}
		status := t.Status
		if status == "" {
			status = StatusPending
		}
		s := Step{ID: id, Description: t.Content, Status: status}
		if old, ok := prev[id]; ok {
			s.Result = old.Result
			s.Tool = old.Tool
			s.DependsOn = old.DependsOn
		}
		steps = append(steps, s)
	}
	p.steps = steps
}

type planKey struct{}

// WithPlan attaches the loop's plan to ctx so tools like todo_write can update it.
func WithPlan(ctx context.Context, p *TaskPlan) context.Context {
	return context.WithValue(ctx, planKey{}, p)
}

// FromContext returns the plan attached to ctx, if any.
func FromContext(ctx context.Context) (*TaskPlan, bool) {
	p, ok := ctx.Value(planKey{}).(*TaskPlan)
	return p, ok && p != nil
}
