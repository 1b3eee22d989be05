package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/quill/pkg/models"
)

// ErrPlanDeclined is returned by Run when the confirmation gate rejects the
// plan, whether by explicit decline or by timeout.
var ErrPlanDeclined = errors.New("plan declined")

// Planner produces an ordered task list from the user request.
type Planner interface {
	Plan(ctx context.Context, request string) (*models.Plan, error)
}

// Solver executes one section task and returns its result content.
type Solver interface {
	Solve(ctx context.Context, task *models.Task) (string, error)
}

// Aggregator composes per-task outcomes, in task-id order, into a report.
type Aggregator interface {
	Aggregate(ctx context.Context, entries []models.ReportEntry) (*models.Report, error)
}

// PlanDecision is the outcome of a plan confirmation gate.
type PlanDecision struct {
	// Confirmed reports whether the plan may proceed to solving.
	Confirmed bool
	// Reason provides context for declines.
	Reason string
	// EditedTasks, when non-nil, replaces the planned tasks verbatim.
	EditedTasks []*models.Task
}

// Confirmer gates the transition from planning to solving. ConfirmPlan
// blocks the pipeline goroutine only; inbound session dispatch stays live.
type Confirmer interface {
	ConfirmPlan(ctx context.Context, plan *models.Plan) PlanDecision
}

// Config contains configuration options for the Orchestrator.
type Config struct {
	// Concurrency bounds the number of simultaneously running tasks.
	Concurrency int
	// MaxRetry is the number of additional attempts after a failure.
	MaxRetry int
	// RetryDelay is the fixed delay between attempts of one task.
	RetryDelay time.Duration
	// ConfirmPlan requires the plan to pass the confirmation gate.
	ConfirmPlan bool
}

// DefaultConfig returns the stock pipeline configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency: 5,
		MaxRetry:    1,
		RetryDelay:  3 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.MaxRetry < 0 {
		c.MaxRetry = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 3 * time.Second
	}
	return c
}

// Orchestrator drives one session's pipeline run. It exclusively owns the
// task set for the duration of the run; external units communicate through
// the command channel only.
type Orchestrator struct {
	cfg        Config
	planner    Planner
	solver     Solver
	aggregator Aggregator
	confirmer  Confirmer

	emitter *EventEmitter
	logger  *DebugLogger

	// commands carries task-level requests into the solve loop.
	commands chan command

	// tasks is owned by the run goroutine. Snapshots only cross the
	// emitter boundary.
	tasks []*models.Task
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfirmer sets the plan confirmation gate. Without one, plans
// requiring confirmation are rejected outright.
func WithConfirmer(c Confirmer) Option {
	return func(o *Orchestrator) { o.confirmer = c }
}

// WithLogger sets the debug logger.
func WithLogger(l *DebugLogger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithEventBuffer sets the emitter buffer size.
func WithEventBuffer(n int) Option {
	return func(o *Orchestrator) { o.emitter = NewEventEmitter(n) }
}

// New creates an Orchestrator for one session.
func New(cfg Config, planner Planner, solver Solver, aggregator Aggregator, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg.withDefaults(),
		planner:    planner,
		solver:     solver,
		aggregator: aggregator,
		emitter:    NewEventEmitter(100),
		logger:     NopLogger(),
		commands:   make(chan command, 16),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Events returns the channel for receiving pipeline events. The channel is
// closed after Run returns.
func (o *Orchestrator) Events() <-chan PipelineEvent {
	return o.emitter.Events()
}

// DroppedEventCount returns the number of events dropped by the emitter.
func (o *Orchestrator) DroppedEventCount() uint64 {
	return o.emitter.DroppedCount()
}

// CancelTask requests cooperative cancellation of a single in-flight task.
// Accepted only while the solve stage is active; otherwise ignored.
func (o *Orchestrator) CancelTask(taskID int) {
	o.sendCommand(command{kind: cmdCancelTask, taskID: taskID})
}

// RestartTask re-admits a task, including one already failed-terminal, with
// its attempt count reset. Accepted only while the solve stage is active.
func (o *Orchestrator) RestartTask(taskID int) {
	o.sendCommand(command{kind: cmdRestartTask, taskID: taskID})
}

func (o *Orchestrator) sendCommand(cmd command) {
	select {
	case o.commands <- cmd:
	default:
		o.logger.Log("[orchestrator] command channel full, dropping %v for task %d", cmd.kind, cmd.taskID)
	}
}

// Run executes the pipeline: plan, optional confirmation gate, bounded
// solve, aggregate. It returns ErrPlanDeclined when confirmation fails,
// the context error on cancellation, and a wrapped collaborator error on
// unrecoverable faults. The event channel is closed before Run returns.
func (o *Orchestrator) Run(ctx context.Context, request string) error {
	defer o.emitter.Close()

	o.emit(PipelineEvent{Type: EventPlanStart, Message: request})
	o.logger.Log("[orchestrator] planning request: %.80s", request)

	plan, err := o.planner.Plan(ctx, request)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.emit(PipelineEvent{Type: EventPipelineError, Err: err, Message: "planner failed"})
		return fmt.Errorf("plan request: %w", err)
	}
	if err := plan.Validate(); err != nil {
		o.emit(PipelineEvent{Type: EventPipelineError, Err: err, Message: "planner produced invalid plan"})
		return fmt.Errorf("validate plan: %w", err)
	}

	o.emit(PipelineEvent{Type: EventPlanCompleted, Plan: plan})

	tasks := plan.Tasks
	if o.cfg.ConfirmPlan {
		decision := o.confirm(ctx, plan)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !decision.Confirmed {
			o.logger.Log("[orchestrator] plan declined: %s", decision.Reason)
			return fmt.Errorf("%w: %s", ErrPlanDeclined, decision.Reason)
		}
		// An edited task list from the confirmation replaces the planned
		// tasks verbatim; only structural shape is re-checked.
		if decision.EditedTasks != nil {
			edited := &models.Plan{Tasks: decision.EditedTasks, CreatedAt: time.Now()}
			if err := edited.Validate(); err != nil {
				o.emit(PipelineEvent{Type: EventPipelineError, Err: err, Message: "edited task list invalid"})
				return fmt.Errorf("validate edited tasks: %w", err)
			}
			tasks = decision.EditedTasks
		}
	}

	o.tasks = make([]*models.Task, len(tasks))
	for i, t := range tasks {
		cp := t.Clone()
		cp.State = models.TaskPending
		cp.Attempts = 0
		o.tasks[i] = cp
	}

	o.emit(PipelineEvent{Type: EventSolveStart})
	if err := o.solve(ctx); err != nil {
		return err
	}

	entries := o.reportEntries()

	o.emit(PipelineEvent{Type: EventAggregateStart})
	report, err := o.aggregator.Aggregate(ctx, entries)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.emit(PipelineEvent{Type: EventPipelineError, Err: err, Message: "aggregator failed"})
		return fmt.Errorf("aggregate report: %w", err)
	}
	report.Entries = entries
	report.Partial = o.hasPartialFailures()

	o.emit(PipelineEvent{Type: EventAggregateCompleted, Report: report})
	o.emit(PipelineEvent{Type: EventPipelineCompleted, Report: report})
	o.logger.Log("[orchestrator] pipeline completed, %d tasks, partial=%v", len(o.tasks), report.Partial)

	return nil
}

// confirm runs the confirmation gate. A missing confirmer resolves as
// declined, the conservative default.
func (o *Orchestrator) confirm(ctx context.Context, plan *models.Plan) PlanDecision {
	if o.confirmer == nil {
		return PlanDecision{Confirmed: false, Reason: "no confirmer configured"}
	}
	return o.confirmer.ConfirmPlan(ctx, plan)
}

// reportEntries assembles the (task, result|error) pairs in task-id order.
// Aggregation runs even with partial failures; the aggregator sees failed
// and cancelled tasks through their terminal state.
func (o *Orchestrator) reportEntries() []models.ReportEntry {
	entries := make([]models.ReportEntry, len(o.tasks))
	for i, t := range o.tasks {
		entries[i] = models.ReportEntry{
			Task:   t.Clone(),
			Result: t.Result,
			Err:    t.Error,
		}
	}
	return entries
}

func (o *Orchestrator) hasPartialFailures() bool {
	for _, t := range o.tasks {
		if t.State != models.TaskSucceeded {
			return true
		}
	}
	return false
}

// Tasks returns snapshots of the current task set in id order.
func (o *Orchestrator) Tasks() []*models.Task {
	out := make([]*models.Task, len(o.tasks))
	for i, t := range o.tasks {
		out[i] = t.Clone()
	}
	return out
}

func (o *Orchestrator) emit(event PipelineEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	o.emitter.Emit(event)
}
