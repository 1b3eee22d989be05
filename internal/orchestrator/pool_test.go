package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ShayCichocki/quill/pkg/models"
)

func TestSolveConcurrencyBound(t *testing.T) {
	var running, peak atomic.Int32

	solver := &fakeSolver{fn: func(ctx context.Context, task *models.Task) (string, error) {
		cur := running.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return "done", nil
	}}

	cfg := Config{Concurrency: 2, MaxRetry: 0, RetryDelay: time.Millisecond}
	o := New(cfg, &fakePlanner{n: 5}, solver, &fakeAggregator{})
	collected := drainEvents(o)

	if err := o.Run(context.Background(), "req"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	<-collected

	if got := peak.Load(); got > 2 {
		t.Errorf("observed %d tasks running simultaneously, bound is 2", got)
	}
}

func TestSolveRetryThenSucceed(t *testing.T) {
	// Fails twice then succeeds; with maxRetry=2 the task ends succeeded
	// after exactly 3 attempts.
	var calls atomic.Int32
	solver := &fakeSolver{fn: func(ctx context.Context, task *models.Task) (string, error) {
		if calls.Add(1) <= 2 {
			return "", errors.New("transient")
		}
		return "finally", nil
	}}

	cfg := Config{Concurrency: 1, MaxRetry: 2, RetryDelay: time.Millisecond}
	o := New(cfg, &fakePlanner{n: 1}, solver, &fakeAggregator{})
	collected := drainEvents(o)

	if err := o.Run(context.Background(), "req"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	events := <-collected

	if got := calls.Load(); got != 3 {
		t.Errorf("solver called %d times, want 3", got)
	}
	task := o.Tasks()[0]
	if task.State != models.TaskSucceeded {
		t.Errorf("state = %q, want succeeded", task.State)
	}
	if task.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", task.Attempts)
	}
	if got := countType(events, EventTaskRetrying); got != 2 {
		t.Errorf("task_retrying count = %d, want 2", got)
	}
}

func TestSolveRetryExhaustedFailsTerminal(t *testing.T) {
	// Always fails; with maxRetry=1 the task ends failed after 2 attempts.
	var calls atomic.Int32
	solver := &fakeSolver{fn: func(ctx context.Context, task *models.Task) (string, error) {
		calls.Add(1)
		return "", errors.New("permanent")
	}}

	cfg := Config{Concurrency: 1, MaxRetry: 1, RetryDelay: time.Millisecond}
	o := New(cfg, &fakePlanner{n: 1}, solver, &fakeAggregator{})
	collected := drainEvents(o)

	if err := o.Run(context.Background(), "req"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	events := <-collected

	if got := calls.Load(); got != 2 {
		t.Errorf("solver called %d times, want 2", got)
	}
	task := o.Tasks()[0]
	if task.State != models.TaskFailed {
		t.Errorf("state = %q, want failed", task.State)
	}
	if task.Error == "" {
		t.Error("failed task missing last error")
	}
	if got := countType(events, EventTaskFailed); got != 1 {
		t.Errorf("task_failed count = %d, want 1", got)
	}
	// The pipeline proceeds to aggregation despite the terminal failure.
	if got := countType(events, EventAggregateCompleted); got != 1 {
		t.Errorf("aggregate_completed count = %d, want 1", got)
	}
}

func TestSolveCancelSingleTask(t *testing.T) {
	blockers := make(chan struct{})
	entered := make(chan int, 4)
	solver := &fakeSolver{fn: func(ctx context.Context, task *models.Task) (string, error) {
		if task.ID == 1 {
			entered <- task.ID
			select {
			case <-blockers:
				return "unblocked", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		return "quick", nil
	}}

	cfg := Config{Concurrency: 2, MaxRetry: 1, RetryDelay: time.Millisecond}
	o := New(cfg, &fakePlanner{n: 3}, solver, &fakeAggregator{})
	collected := drainEvents(o)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := o.Run(context.Background(), "req"); err != nil {
			t.Errorf("Run failed: %v", err)
		}
	}()

	<-entered
	o.CancelTask(1)
	wg.Wait()
	close(blockers)

	events := <-collected
	task := o.Tasks()[0]
	if task.State != models.TaskCancelled {
		t.Errorf("task 1 state = %q, want cancelled", task.State)
	}
	// Cancelled tasks are not retried.
	if got := countType(events, EventTaskRetrying); got != 0 {
		t.Errorf("task_retrying count = %d, want 0", got)
	}
	// Other tasks completed normally and the pipeline aggregated.
	if got := countType(events, EventTaskCompleted); got != 2 {
		t.Errorf("task_completed count = %d, want 2", got)
	}
	if got := countType(events, EventAggregateCompleted); got != 1 {
		t.Errorf("aggregate_completed count = %d, want 1", got)
	}
}

func TestSolveRestartResetsAttempts(t *testing.T) {
	// Task 1 fails terminally on its first run-through; after a restart
	// it succeeds. The restart resets the attempt count. Task 2 blocks
	// until the restart is issued so the solve loop cannot drain early.
	var task1Calls atomic.Int32
	restartIssued := make(chan struct{})
	solver := &fakeSolver{fn: func(ctx context.Context, task *models.Task) (string, error) {
		if task.ID == 1 {
			if task1Calls.Add(1) == 1 {
				return "", errors.New("first pass fails")
			}
			return "second pass ok", nil
		}
		<-restartIssued
		return "ok", nil
	}}

	cfg := Config{Concurrency: 1, MaxRetry: 0, RetryDelay: time.Millisecond}
	o := New(cfg, &fakePlanner{n: 2}, solver, &fakeAggregator{})

	// Watch for the terminal failure, then restart task 1.
	events := make([]PipelineEvent, 0, 16)
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for ev := range o.Events() {
			events = append(events, ev)
			if ev.Type == EventTaskFailed && ev.Task.ID == 1 {
				o.RestartTask(1)
				close(restartIssued)
			}
		}
	}()

	if err := o.Run(context.Background(), "req"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	<-collected

	task := o.Tasks()[0]
	if task.State != models.TaskSucceeded {
		t.Errorf("task 1 state = %q, want succeeded after restart", task.State)
	}
	if task.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (reset by restart)", task.Attempts)
	}
	found := false
	for _, ev := range events {
		if ev.Type == EventTaskRestarted && ev.Task.ID == 1 {
			found = true
		}
	}
	if !found {
		t.Error("no task_restarted event observed")
	}
}

func TestSolveAdmitsInIDOrder(t *testing.T) {
	var mu sync.Mutex
	var order []int
	solver := &fakeSolver{fn: func(ctx context.Context, task *models.Task) (string, error) {
		mu.Lock()
		order = append(order, task.ID)
		mu.Unlock()
		return "ok", nil
	}}

	cfg := Config{Concurrency: 1, MaxRetry: 0, RetryDelay: time.Millisecond}
	o := New(cfg, &fakePlanner{n: 4}, solver, &fakeAggregator{})
	collected := drainEvents(o)

	if err := o.Run(context.Background(), "req"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	<-collected

	for i, id := range order {
		if id != i+1 {
			t.Fatalf("admission order %v, want ascending task ids", order)
		}
	}
}
