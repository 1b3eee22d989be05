package models

import "time"

// TaskState represents the current state of a section task.
type TaskState string

const (
	// TaskPending indicates the task has not been admitted yet.
	TaskPending TaskState = "pending"
	// TaskRunning indicates a solver is executing the task.
	TaskRunning TaskState = "running"
	// TaskSucceeded indicates the task completed successfully.
	TaskSucceeded TaskState = "succeeded"
	// TaskFailed indicates the task failed after exhausting retries.
	TaskFailed TaskState = "failed"
	// TaskCancelled indicates the task was cancelled before completion.
	TaskCancelled TaskState = "cancelled"
)

// Valid returns true if the state is a known value.
func (s TaskState) Valid() bool {
	switch s {
	case TaskPending, TaskRunning, TaskSucceeded, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if the state is terminal for a single task.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// Task is one unit of solver work within the plan/solve/aggregate pipeline.
// Task IDs are stable 1-based ordinals; aggregation order follows the ID.
type Task struct {
	// ID is the stable ordinal of this task within its plan (1..N).
	ID int `json:"id"`
	// Title is the short description of the task.
	Title string `json:"title"`
	// Objective describes what the solver must produce.
	Objective string `json:"objective,omitempty"`
	// InputRefs lists references the solver may consult.
	InputRefs []string `json:"input_refs,omitempty"`
	// Hints carries optional guidance for the solver.
	Hints []string `json:"hints,omitempty"`
	// Attempts is the number of execution attempts made so far.
	Attempts int `json:"attempts,omitempty"`
	// State is the current state of the task.
	State TaskState `json:"state"`
	// Error contains the last error message if an attempt failed.
	Error string `json:"error,omitempty"`
	// Result holds the solver output once the task succeeds.
	Result string `json:"result,omitempty"`
	// StartedAt is when the first attempt began, if any.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the task reached a terminal state, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	cp := *t
	if t.InputRefs != nil {
		cp.InputRefs = append([]string(nil), t.InputRefs...)
	}
	if t.Hints != nil {
		cp.Hints = append([]string(nil), t.Hints...)
	}
	if t.StartedAt != nil {
		at := *t.StartedAt
		cp.StartedAt = &at
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		cp.CompletedAt = &at
	}
	return &cp
}
