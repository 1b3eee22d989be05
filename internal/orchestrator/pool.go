package orchestrator

import (
	"context"
	"time"

	"github.com/ShayCichocki/quill/pkg/models"
)

type commandKind int

const (
	cmdCancelTask commandKind = iota
	cmdRestartTask
)

func (k commandKind) String() string {
	switch k {
	case cmdCancelTask:
		return "cancel_task"
	case cmdRestartTask:
		return "restart_task"
	default:
		return "unknown"
	}
}

// command is a task-level request routed into the solve loop.
type command struct {
	kind   commandKind
	taskID int
}

// attemptOutcome is what a worker reports back to the solve loop.
type attemptOutcome struct {
	taskID    int
	result    string
	err       error
	attempts  int
	cancelled bool
}

// worker tracks one in-flight task execution.
type worker struct {
	taskID int
	cancel context.CancelFunc
}

// solve runs the bounded-concurrency solve loop. At most cfg.Concurrency
// tasks run simultaneously; pending tasks are admitted in id order as
// slots free up. Each worker handles its own retries, holding its slot
// through the fixed retry delay, so the running count the client observes
// never exceeds the bound.
//
// The loop is the single writer of the task set. Workers operate on clones
// and report through the outcome channel.
func (o *Orchestrator) solve(ctx context.Context) error {
	pending := make([]int, 0, len(o.tasks))
	for _, t := range o.tasks {
		pending = append(pending, t.ID)
	}

	running := make(map[int]*worker)
	// restarting marks running tasks whose outcome should requeue rather
	// than terminal-mark, because a restart arrived mid-attempt.
	restarting := make(map[int]bool)
	outcomes := make(chan attemptOutcome, o.cfg.Concurrency)

	admit := func() {
		for len(running) < o.cfg.Concurrency && len(pending) > 0 {
			id := pending[0]
			pending = pending[1:]
			task := o.taskByID(id)
			if task == nil || task.State != models.TaskPending {
				continue
			}

			now := time.Now()
			task.State = models.TaskRunning
			if task.StartedAt == nil {
				task.StartedAt = &now
			}

			taskCtx, cancel := context.WithCancel(ctx)
			running[id] = &worker{taskID: id, cancel: cancel}
			go o.runTask(taskCtx, task.Clone(), outcomes)
		}
	}

	finishCancelled := func(task *models.Task) {
		now := time.Now()
		task.State = models.TaskCancelled
		task.CompletedAt = &now
		o.emit(PipelineEvent{Type: EventTaskCancelled, Task: task.Clone()})
	}

	for {
		admit()
		if len(running) == 0 && len(pending) == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			// Whole-pipeline cancel: signal every in-flight attempt, wait
			// for them to acknowledge, and mark all non-terminal tasks
			// cancelled. The aggregator is never invoked on this path.
			for _, w := range running {
				w.cancel()
			}
			for len(running) > 0 {
				out := <-outcomes
				delete(running, out.taskID)
			}
			for _, t := range o.tasks {
				if !t.State.Terminal() {
					finishCancelled(t)
				}
			}
			o.logger.Log("[pool] solve cancelled: %v", ctx.Err())
			return ctx.Err()

		case cmd := <-o.commands:
			switch cmd.kind {
			case cmdCancelTask:
				if w, ok := running[cmd.taskID]; ok {
					w.cancel()
					continue
				}
				if task := o.taskByID(cmd.taskID); task != nil && task.State == models.TaskPending {
					pending = removeID(pending, cmd.taskID)
					finishCancelled(task)
				}

			case cmdRestartTask:
				task := o.taskByID(cmd.taskID)
				if task == nil {
					continue
				}
				if w, ok := running[cmd.taskID]; ok {
					// Cancel the in-flight attempt; requeue on outcome.
					restarting[cmd.taskID] = true
					w.cancel()
					continue
				}
				task.State = models.TaskPending
				task.Attempts = 0
				task.Error = ""
				task.Result = ""
				task.CompletedAt = nil
				pending = append(pending, cmd.taskID)
				o.emit(PipelineEvent{Type: EventTaskRestarted, Task: task.Clone()})
			}

		case out := <-outcomes:
			delete(running, out.taskID)
			task := o.taskByID(out.taskID)
			if task == nil {
				continue
			}
			task.Attempts = out.attempts

			if restarting[out.taskID] {
				delete(restarting, out.taskID)
				task.State = models.TaskPending
				task.Attempts = 0
				task.Error = ""
				task.Result = ""
				task.CompletedAt = nil
				pending = append(pending, out.taskID)
				o.emit(PipelineEvent{Type: EventTaskRestarted, Task: task.Clone()})
				continue
			}

			now := time.Now()
			switch {
			case out.cancelled:
				finishCancelled(task)
			case out.err != nil:
				task.State = models.TaskFailed
				task.Error = out.err.Error()
				task.CompletedAt = &now
				o.emit(PipelineEvent{Type: EventTaskFailed, Task: task.Clone(), Attempt: out.attempts, Err: out.err})
			default:
				task.State = models.TaskSucceeded
				task.Result = out.result
				task.CompletedAt = &now
				o.emit(PipelineEvent{Type: EventTaskCompleted, Task: task.Clone(), Attempt: out.attempts})
			}
		}
	}
}

// runTask executes one task with retry. The first attempt plus cfg.MaxRetry
// additional attempts, with the fixed retry delay between them. The worker
// holds its concurrency slot for the whole cycle. Cancellation is checked
// before and after each solver call.
func (o *Orchestrator) runTask(ctx context.Context, task *models.Task, outcomes chan<- attemptOutcome) {
	maxAttempts := 1 + o.cfg.MaxRetry

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			outcomes <- attemptOutcome{taskID: task.ID, attempts: attempt - 1, cancelled: true}
			return
		}

		task.Attempts = attempt
		o.emit(PipelineEvent{Type: EventTaskStarted, Task: task.Clone(), Attempt: attempt})
		o.logger.Log("[pool] task %d attempt %d/%d", task.ID, attempt, maxAttempts)

		result, err := o.solver.Solve(ctx, task)
		if err == nil {
			outcomes <- attemptOutcome{taskID: task.ID, result: result, attempts: attempt}
			return
		}
		if ctx.Err() != nil {
			outcomes <- attemptOutcome{taskID: task.ID, attempts: attempt, cancelled: true}
			return
		}

		lastErr = err
		if attempt < maxAttempts {
			o.emit(PipelineEvent{Type: EventTaskRetrying, Task: task.Clone(), Attempt: attempt, Err: err})
			select {
			case <-time.After(o.cfg.RetryDelay):
			case <-ctx.Done():
				outcomes <- attemptOutcome{taskID: task.ID, attempts: attempt, cancelled: true}
				return
			}
		}
	}

	outcomes <- attemptOutcome{taskID: task.ID, err: lastErr, attempts: maxAttempts}
}

func (o *Orchestrator) taskByID(id int) *models.Task {
	for _, t := range o.tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func removeID(ids []int, id int) []int {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
