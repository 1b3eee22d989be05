package models

import (
	"fmt"
	"time"
)

// Plan is the ordered task list produced by the planner for one request.
type Plan struct {
	// Summary is a one-paragraph description of the overall approach.
	Summary string `json:"summary,omitempty"`
	// Tasks are the section tasks in aggregation order.
	Tasks []*Task `json:"tasks"`
	// CreatedAt is when the plan was produced.
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the structural shape of a plan: at least one task,
// ordinal IDs 1..N, and non-empty titles. Content beyond shape is not
// inspected here.
func (p *Plan) Validate() error {
	if len(p.Tasks) == 0 {
		return fmt.Errorf("plan has no tasks")
	}
	for i, t := range p.Tasks {
		if t == nil {
			return fmt.Errorf("task %d is nil", i+1)
		}
		if t.ID != i+1 {
			return fmt.Errorf("task %d has id %d, want ordinal %d", i, t.ID, i+1)
		}
		if t.Title == "" {
			return fmt.Errorf("task %d has empty title", t.ID)
		}
	}
	return nil
}

// ReportEntry pairs one task with its outcome for the aggregator.
type ReportEntry struct {
	// Task is the task in its terminal state.
	Task *Task `json:"task"`
	// Result is the solver output, empty unless the task succeeded.
	Result string `json:"result,omitempty"`
	// Err is the terminal error message, empty unless the task failed.
	Err string `json:"error,omitempty"`
}

// Report is the composed artifact produced by the aggregator.
type Report struct {
	// Content is the composed document.
	Content string `json:"content"`
	// Entries are the per-task outcomes in task-id order.
	Entries []ReportEntry `json:"entries,omitempty"`
	// Partial is true when one or more tasks failed or were cancelled.
	Partial bool `json:"partial,omitempty"`
	// ComposedAt is when the aggregator finished.
	ComposedAt time.Time `json:"composed_at"`
}
