package planning

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestNextHonoursDependencies(t *testing.T) {
	p := NewPlan("ship", []Step{
		{Description: "build"},
		{Description: "test", DependsOn: []string{"1"}},
		{Description: "deploy", DependsOn: []string{"2"}},
	})

	next, ok := p.Next()
	if !ok || next.ID != "1" {
		t.Fatalf("expected step 1, got %+v ok=%v", next, ok)
	}
	if err := p.Start("1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	next, _ = p.Next()
	if next.ID != "1" {
		t.Fatalf("in-progress step should be returned first, got %s", next.ID)
	}
	if err := p.Complete("1", "ok"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	next, _ = p.Next()
	if next.ID != "2" {
		t.Fatalf("expected step 2 after 1 is done, got %s", next.ID)
	}
	if err := p.Skip("2"); err != nil {
		t.Fatalf("skip: %v", err)
	}
	next, _ = p.Next()
	if next.ID != "3" {
		t.Fatalf("skipped dependency should unblock step 3, got %s", next.ID)
	}
}

func TestProgressAndCompletion(t *testing.T) {
	p := NewPlan("", []Step{{Description: "a"}, {Description: "b"}})
	if p.IsComplete() {
		t.Fatal("fresh plan should not be complete")
	}
	_ = p.Complete("1", "")
	if got := p.Progress(); got != 0.5 {
		t.Fatalf("progress = %v, want 0.5", got)
	}
	_ = p.Fail("2", "boom")
	if !p.IsComplete() {
		t.Fatal("plan with only terminal steps should be complete")
	}
	if err := p.Complete("missing", ""); !errors.Is(err, ErrStepNotFound) {
		t.Fatalf("expected ErrStepNotFound, got %v", err)
	}
	if !NewPlan("", nil).IsComplete() {
		t.Fatal("empty plan should be complete")
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	p := NewPlan("g", []Step{{Description: "a", DependsOn: []string{"x"}}})
	snap := p.Snapshot()
	snap.Steps[0].Description = "changed"
	snap.Steps[0].DependsOn[0] = "y"

	again := p.Snapshot()
	if again.Steps[0].Description != "a" || again.Steps[0].DependsOn[0] != "x" {
		t.Fatalf("snapshot mutation leaked into plan: %+v", again.Steps[0])
	}
}

func TestMarkdown(t *testing.T) {
	p := NewPlan("fix bug", []Step{{Description: "read code", Tool: "file_read"}, {Description: "patch"}})
	_ = p.Complete("1", "")
	md := p.Markdown()
	if !strings.Contains(md, "- [x] read code (tool: file_read)") {
		t.Fatalf("missing done step in:\n%s", md)
	}
	if !strings.Contains(md, "- [ ] patch") {
		t.Fatalf("missing pending step in:\n%s", md)
	}
}

func TestApplyTodos(t *testing.T) {
	p := NewPlan("g", []Step{{ID: "a", Description: "old", Result: "kept"}})
	p.ApplyTodos([]Todo{
		{ID: "a", Content: "renamed", Status: StatusDone},
		{Content: "new"},
	})
	snap := p.Snapshot()
	if len(snap.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(snap.Steps))
	}
	if snap.Steps[0].Result != "kept" || snap.Steps[0].Status != StatusDone {
		t.Fatalf("unexpected first step %+v", snap.Steps[0])
	}
	if snap.Steps[1].ID != "2" || snap.Steps[1].Status != StatusPending {
		t.Fatalf("unexpected second step %+v", snap.Steps[1])
	}
}

func TestPlanContext(t *testing.T) {
	p := NewPlan("g", nil)
	ctx := WithPlan(context.Background(), p)
	got, ok := FromContext(ctx)
	if !ok || got != p {
		t.Fatal("expected plan from context")
	}
	if _, ok := FromContext(context.Background()); ok {
		t.Fatal("expected no plan on bare context")
	}
}
