package orchestrator

import (
	"time"

	"github.com/ShayCichocki/quill/pkg/models"
)

// EventType represents the type of pipeline event.
type EventType string

const (
	// EventPlanStart indicates the planner has been invoked.
	EventPlanStart EventType = "plan_start"
	// EventPlanCompleted indicates the planner produced a task list.
	EventPlanCompleted EventType = "plan_completed"
	// EventSolveStart indicates the solve stage has begun.
	EventSolveStart EventType = "solve_start"
	// EventTaskStarted indicates a task attempt has started execution.
	EventTaskStarted EventType = "task_started"
	// EventTaskCompleted indicates a task completed successfully.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskFailed indicates a task failed after exhausting retries.
	EventTaskFailed EventType = "task_failed"
	// EventTaskRetrying indicates a failed attempt will be retried.
	EventTaskRetrying EventType = "task_retrying"
	// EventTaskCancelled indicates a task was cancelled before completion.
	EventTaskCancelled EventType = "task_cancelled"
	// EventTaskRestarted indicates a task was re-admitted with its attempt
	// count reset.
	EventTaskRestarted EventType = "task_restarted"
	// EventAggregateStart indicates the aggregator has been invoked.
	EventAggregateStart EventType = "aggregate_start"
	// EventAggregateCompleted indicates the aggregator produced a report.
	EventAggregateCompleted EventType = "aggregate_completed"
	// EventPipelineCompleted indicates the entire pipeline finished.
	EventPipelineCompleted EventType = "pipeline_completed"
	// EventPipelineError indicates an unrecoverable pipeline fault.
	EventPipelineError EventType = "pipeline_error"
)

// PipelineEvent represents an event emitted by the orchestrator. Task,
// Plan and Report are snapshots; receivers must not mutate them.
type PipelineEvent struct {
	// Type is the kind of event.
	Type EventType
	// Task is a snapshot of the related task, if applicable.
	Task *models.Task
	// Plan is the produced plan, for plan_completed events.
	Plan *models.Plan
	// Report is the composed report, for aggregate_completed events.
	Report *models.Report
	// Attempt is the attempt number for task attempt events.
	Attempt int
	// Message provides additional context about the event.
	Message string
	// Err contains error details for failure events.
	Err error
	// Timestamp is when the event occurred.
	Timestamp time.Time
}
