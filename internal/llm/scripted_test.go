package llm

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ShayCichocki/quill/pkg/models"
)

func TestScriptedPlanner(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.yaml")
	content := `
summary: overview report
tasks:
  - id: 1
    title: introduction
    objective: set context
    hints:
      - keep it short
  - id: 2
    title: findings
    objective: the substance
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write plan file: %v", err)
	}

	plan, err := NewScriptedPlanner(path).Plan(context.Background(), "ignored")
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if plan.Summary != "overview report" {
		t.Errorf("summary = %q", plan.Summary)
	}
	if len(plan.Tasks) != 2 {
		t.Fatalf("task count = %d, want 2", len(plan.Tasks))
	}
	if plan.Tasks[0].Hints[0] != "keep it short" {
		t.Errorf("hints not carried: %+v", plan.Tasks[0])
	}
	if err := plan.Validate(); err != nil {
		t.Errorf("scripted plan invalid: %v", err)
	}
}

func TestScriptedPlanner_MissingFile(t *testing.T) {
	_, err := NewScriptedPlanner(filepath.Join(t.TempDir(), "nope.yaml")).Plan(context.Background(), "")
	if err == nil {
		t.Error("expected error for missing plan file")
	}
}

func TestEchoSolver(t *testing.T) {
	task := &models.Task{ID: 1, Title: "intro", Objective: "set context"}
	out, err := (&EchoSolver{}).Solve(context.Background(), task)
	if err != nil {
		t.Fatalf("Solve failed: %v", err)
	}
	if !strings.Contains(out, "intro") || !strings.Contains(out, "set context") {
		t.Errorf("output = %q", out)
	}
}

func TestJoinAggregator_NotesFailures(t *testing.T) {
	entries := []models.ReportEntry{
		{Task: &models.Task{ID: 1, Title: "ok", State: models.TaskSucceeded}, Result: "content one"},
		{Task: &models.Task{ID: 2, Title: "broken", State: models.TaskFailed}, Err: "model timeout"},
		{Task: &models.Task{ID: 3, Title: "dropped", State: models.TaskCancelled}},
	}

	report, err := JoinAggregator{}.Aggregate(context.Background(), entries)
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}
	if !strings.Contains(report.Content, "content one") {
		t.Error("successful section missing from report")
	}
	if !strings.Contains(report.Content, "model timeout") {
		t.Error("failed section not noted")
	}
	if !strings.Contains(report.Content, "cancelled") {
		t.Error("cancelled section not noted")
	}
}
