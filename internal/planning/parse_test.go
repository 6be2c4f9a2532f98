package planning

import (
	"context"
	"errors"
	"testing"
)

func TestParsePlanJSONObject(t *testing.T) {
	text := "Here is the plan:\n```json\n{\"tasks\":[{\"description\":\"read main.go\",\"tool\":\"file_read\"},{\"task\":\"fix\",\"depends_on\":[1]}]}\n```"
	steps, err := ParsePlan(text)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(steps))
	}
	if steps[0].Tool != "file_read" || steps[0].Description != "read main.go" {
		t.Fatalf("unexpected step 0: %+v", steps[0])
	}
	if len(steps[1].DependsOn) != 1 || steps[1].DependsOn[0] != "1" {
		t.Fatalf("unexpected deps: %+v", steps[1].DependsOn)
	}
}

func TestParsePlanJSONArrayOfStrings(t *testing.T) {
	steps, err := ParsePlan(`["one", "two", ""]`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(steps) != 2 || steps[1].Description != "two" {
		t.Fatalf("unexpected steps: %+v", steps)
	}
}

func TestParsePlanMarkdown(t *testing.T) {
	text := "Plan:\n- [x] inspect repo\n- [ ] write tests\n2. run tests\n"
	steps, err := ParsePlan(text)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("expected 3 steps, got %d: %+v", len(steps), steps)
	}
	if steps[0].Status != StatusDone || steps[1].Status != StatusPending {
		t.Fatalf("unexpected statuses: %+v", steps)
	}
	if steps[2].Description != "run tests" {
		t.Fatalf("unexpected numbered step: %+v", steps[2])
	}
}

func TestParsePlanNone(t *testing.T) {
	if _, err := ParsePlan("just prose without structure"); !errors.Is(err, ErrNoPlan) {
		t.Fatalf("expected ErrNoPlan, got %v", err)
	}
}

func TestNeedsPlan(t *testing.T) {
	p := NewPlanner()
	if p.NeedsPlan("read README.md") {
		t.Fatal("short request should not need a plan")
	}
	if !p.NeedsPlan("1. read the config\n2. update the port\n3. restart") {
		t.Fatal("numbered request should need a plan")
	}
	long := "First read the configuration file in the repo, then update the listening port to 9090, and finally restart the service and check the logs."
	if !p.NeedsPlan(long) {
		t.Fatal("long request with connectives should need a plan")
	}
}

type fakeCompleter struct {
	text string
	err  error
}

func (f fakeCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	return f.text, f.err
}

func TestBuildFallsBackToHeuristic(t *testing.T) {
	p := NewPlanner()
	plan, err := p.Build(context.Background(), fakeCompleter{err: errors.New("engine down")}, "Read a. Then write b. Finally run c.", nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if plan.Len() != 3 {
		t.Fatalf("expected 3 heuristic steps, got %d", plan.Len())
	}

	plan, err = p.Build(context.Background(), fakeCompleter{text: `{"steps":["x","y"]}`}, "req", nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if plan.Len() != 2 {
		t.Fatalf("expected model plan with 2 steps, got %d", plan.Len())
	}
}
