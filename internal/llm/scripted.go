package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/quill/pkg/models"
)

// ScriptedPlanner loads a fixed plan from a YAML file instead of calling a
// model. Used for offline development and integration tests.
type ScriptedPlanner struct {
	path string
}

// NewScriptedPlanner creates a planner that reads the plan from path.
func NewScriptedPlanner(path string) *ScriptedPlanner {
	return &ScriptedPlanner{path: path}
}

// scriptedPlanDoc is the YAML shape of a scripted plan file.
type scriptedPlanDoc struct {
	Summary string `yaml:"summary"`
	Tasks   []struct {
		ID        int      `yaml:"id"`
		Title     string   `yaml:"title"`
		Objective string   `yaml:"objective"`
		Hints     []string `yaml:"hints"`
	} `yaml:"tasks"`
}

// Plan returns the scripted plan. The request is ignored.
func (p *ScriptedPlanner) Plan(ctx context.Context, request string) (*models.Plan, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("read scripted plan: %w", err)
	}

	var doc scriptedPlanDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse scripted plan: %w", err)
	}
	if len(doc.Tasks) == 0 {
		return nil, fmt.Errorf("scripted plan %s has no tasks", p.path)
	}

	plan := &models.Plan{Summary: doc.Summary, CreatedAt: time.Now()}
	for _, t := range doc.Tasks {
		plan.Tasks = append(plan.Tasks, &models.Task{
			ID:        t.ID,
			Title:     t.Title,
			Objective: t.Objective,
			Hints:     t.Hints,
			State:     models.TaskPending,
		})
	}
	return plan, nil
}

// EchoSolver returns canned section content without calling a model.
type EchoSolver struct {
	// Delay simulates model latency per task.
	Delay time.Duration
}

// Solve returns placeholder content for the task.
func (s *EchoSolver) Solve(ctx context.Context, task *models.Task) (string, error) {
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return fmt.Sprintf("## %s\n\n%s\n", task.Title, task.Objective), nil
}

// JoinAggregator concatenates section outcomes without calling a model.
type JoinAggregator struct{}

// Aggregate joins results in entry order, noting failures in place.
func (JoinAggregator) Aggregate(ctx context.Context, entries []models.ReportEntry) (*models.Report, error) {
	var b strings.Builder
	for _, e := range entries {
		if e.Err != "" {
			fmt.Fprintf(&b, "## %s\n\n(section failed: %s)\n\n", e.Task.Title, e.Err)
			continue
		}
		if e.Task.State == models.TaskCancelled {
			fmt.Fprintf(&b, "## %s\n\n(section cancelled)\n\n", e.Task.Title)
			continue
		}
		b.WriteString(e.Result)
		b.WriteString("\n")
	}
	return &models.Report{Content: b.String(), ComposedAt: time.Now()}, nil
}
