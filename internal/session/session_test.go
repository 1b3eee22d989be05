package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ShayCichocki/quill/internal/orchestrator"
	"github.com/ShayCichocki/quill/internal/protocol"
	"github.com/ShayCichocki/quill/pkg/models"
)

// scriptedPlanner returns a fixed-size plan and counts invocations.
type scriptedPlanner struct {
	n     int
	calls atomic.Int32
}

func (p *scriptedPlanner) Plan(ctx context.Context, request string) (*models.Plan, error) {
	p.calls.Add(1)
	tasks := make([]*models.Task, p.n)
	for i := range tasks {
		tasks[i] = &models.Task{ID: i + 1, Title: fmt.Sprintf("section %d", i+1), State: models.TaskPending}
	}
	return &models.Plan{Summary: "plan for " + request, Tasks: tasks, CreatedAt: time.Now()}, nil
}

type solverFunc func(ctx context.Context, task *models.Task) (string, error)

func (f solverFunc) Solve(ctx context.Context, task *models.Task) (string, error) {
	return f(ctx, task)
}

type joinAggregator struct{}

func (joinAggregator) Aggregate(ctx context.Context, entries []models.ReportEntry) (*models.Report, error) {
	content := ""
	for _, e := range entries {
		content += e.Result + "\n"
	}
	return &models.Report{Content: content, ComposedAt: time.Now()}, nil
}

// fakeTransport records everything the session transmits.
type fakeTransport struct {
	mu   sync.Mutex
	sent []*protocol.Envelope
	ch   chan *protocol.Envelope
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{ch: make(chan *protocol.Envelope, 256)}
}

func (f *fakeTransport) Send(env *protocol.Envelope) error {
	f.mu.Lock()
	f.sent = append(f.sent, env)
	f.mu.Unlock()
	f.ch <- env
	return nil
}

// waitFor consumes transmitted envelopes until one matches the event name.
func (f *fakeTransport) waitFor(tb testing.TB, event string) *protocol.Envelope {
	tb.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case env := <-f.ch:
			if env.Event == event {
				return env
			}
		case <-deadline:
			tb.Fatalf("timed out waiting for %s", event)
			return nil
		}
	}
}

func (f *fakeTransport) snapshot() []*protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*protocol.Envelope, len(f.sent))
	copy(out, f.sent)
	return out
}

func countEvents(envs []*protocol.Envelope, event string) int {
	n := 0
	for _, env := range envs {
		if env.Event == event {
			n++
		}
	}
	return n
}

func testPipelineConfig(confirm bool) orchestrator.Config {
	return orchestrator.Config{
		Concurrency: 2,
		MaxRetry:    0,
		RetryDelay:  time.Millisecond,
		ConfirmPlan: confirm,
	}
}

func newTestSession(t *testing.T, cfg Config) (*Session, *fakeTransport) {
	t.Helper()
	if cfg.ID == "" {
		cfg.ID = "sess-test"
	}
	if cfg.Resumer == nil {
		cfg.Resumer = NewResumer([]byte("test-signing-key"))
	}
	if cfg.Solver == nil {
		cfg.Solver = solverFunc(func(ctx context.Context, task *models.Task) (string, error) {
			return "result " + task.Title, nil
		})
	}
	if cfg.Aggregator == nil {
		cfg.Aggregator = joinAggregator{}
	}

	s := New(cfg)
	t.Cleanup(s.Close)

	tr := newFakeTransport()
	s.Attach("conn-1", tr)
	return s, tr
}

func inbound(t *testing.T, sessionID, event string, content any) *protocol.Envelope {
	t.Helper()
	var raw json.RawMessage
	if content != nil {
		data, err := json.Marshal(content)
		if err != nil {
			t.Fatalf("marshal content: %v", err)
		}
		raw = data
	}
	return &protocol.Envelope{Event: event, SessionID: sessionID, Content: raw}
}

func TestSessionPipelineHappyPath(t *testing.T) {
	s, tr := newTestSession(t, Config{
		Pipeline: testPipelineConfig(false),
		Planner:  &scriptedPlanner{n: 3},
	})

	s.HandleEnvelope(inbound(t, s.ID(), protocol.UserMessage, protocol.MessagePayload{Question: "overview"}))
	tr.waitFor(t, protocol.PipelineCompleted)

	if got := s.Stage(); got != models.StageCompleted {
		t.Errorf("stage = %q, want completed", got)
	}

	sent := tr.snapshot()
	for _, event := range []string{
		protocol.PlanStart, protocol.PlanCompleted,
		protocol.AggregateStart, protocol.AggregateCompleted,
		protocol.PipelineCompleted,
	} {
		if countEvents(sent, event) != 1 {
			t.Errorf("%s count = %d, want 1", event, countEvents(sent, event))
		}
	}
	if got := countEvents(sent, protocol.SolverCompleted); got != 3 {
		t.Errorf("solver.completed count = %d, want 3", got)
	}

	// Sequence numbers are strictly increasing, gap-free from 1.
	for i, env := range sent {
		if env.Seq != uint64(i+1) {
			t.Fatalf("envelope %d has seq %d, want %d", i, env.Seq, i+1)
		}
		if env.EventID == "" {
			t.Fatalf("envelope %d missing event id", i)
		}
	}
}

func TestSessionConfirmFlow(t *testing.T) {
	s, tr := newTestSession(t, Config{
		Pipeline:       testPipelineConfig(true),
		ConfirmTimeout: 5 * time.Second,
		Planner:        &scriptedPlanner{n: 2},
	})

	s.HandleEnvelope(inbound(t, s.ID(), protocol.UserMessage, protocol.MessagePayload{Question: "overview"}))

	confirm := tr.waitFor(t, protocol.AgentUserConfirm)
	if confirm.StepID == "" {
		t.Fatal("confirmation request missing step id")
	}
	if got := s.Stage(); got != models.StageAwaitingConfirm {
		t.Errorf("stage = %q, want awaiting_confirm", got)
	}

	s.HandleEnvelope(inbound(t, s.ID(), protocol.UserResponse, protocol.ResponsePayload{
		StepID:    confirm.StepID,
		Confirmed: true,
	}))

	tr.waitFor(t, protocol.PipelineCompleted)
	if got := s.Stage(); got != models.StageCompleted {
		t.Errorf("stage = %q, want completed", got)
	}
}

func TestSessionConfirmDeclined(t *testing.T) {
	s, tr := newTestSession(t, Config{
		Pipeline:       testPipelineConfig(true),
		ConfirmTimeout: 5 * time.Second,
		Planner:        &scriptedPlanner{n: 2},
	})

	s.HandleEnvelope(inbound(t, s.ID(), protocol.UserMessage, protocol.MessagePayload{Question: "overview"}))
	confirm := tr.waitFor(t, protocol.AgentUserConfirm)

	s.HandleEnvelope(inbound(t, s.ID(), protocol.UserResponse, protocol.ResponsePayload{
		StepID:    confirm.StepID,
		Confirmed: false,
		Reason:    "not today",
	}))

	tr.waitFor(t, protocol.PipelineCancelled)
	if got := s.Stage(); got != models.StageCancelled {
		t.Errorf("stage = %q, want cancelled", got)
	}
	if got := countEvents(tr.snapshot(), protocol.SolverStart); got != 0 {
		t.Errorf("declined plan started %d solver tasks", got)
	}
}

func TestSessionSolveTasksConfirmsWithEditedList(t *testing.T) {
	s, tr := newTestSession(t, Config{
		Pipeline:       testPipelineConfig(true),
		ConfirmTimeout: 5 * time.Second,
		Planner:        &scriptedPlanner{n: 4},
	})

	s.HandleEnvelope(inbound(t, s.ID(), protocol.UserMessage, protocol.MessagePayload{Question: "overview"}))
	tr.waitFor(t, protocol.AgentUserConfirm)

	s.HandleEnvelope(inbound(t, s.ID(), protocol.UserSolveTasks, protocol.SolveTasksPayload{
		Tasks: []*models.Task{{ID: 1, Title: "only section"}},
	}))

	tr.waitFor(t, protocol.PipelineCompleted)
	if got := countEvents(tr.snapshot(), protocol.SolverCompleted); got != 1 {
		t.Errorf("solver.completed count = %d, want 1 (edited list)", got)
	}
}

func TestSessionMessageWhileRunningRejected(t *testing.T) {
	release := make(chan struct{})
	s, tr := newTestSession(t, Config{
		Pipeline: testPipelineConfig(false),
		Planner:  &scriptedPlanner{n: 1},
		Solver: solverFunc(func(ctx context.Context, task *models.Task) (string, error) {
			select {
			case <-release:
				return "ok", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}),
	})

	s.HandleEnvelope(inbound(t, s.ID(), protocol.UserMessage, protocol.MessagePayload{Question: "first"}))
	tr.waitFor(t, protocol.SolverStart)

	s.HandleEnvelope(inbound(t, s.ID(), protocol.UserMessage, protocol.MessagePayload{Question: "second"}))
	tr.waitFor(t, protocol.ErrorValidation)

	close(release)
	tr.waitFor(t, protocol.PipelineCompleted)
}

func TestSessionCancelDuringSolve(t *testing.T) {
	s, tr := newTestSession(t, Config{
		Pipeline: testPipelineConfig(false),
		Planner:  &scriptedPlanner{n: 2},
		Solver: solverFunc(func(ctx context.Context, task *models.Task) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}),
	})

	s.HandleEnvelope(inbound(t, s.ID(), protocol.UserMessage, protocol.MessagePayload{Question: "overview"}))
	tr.waitFor(t, protocol.SolverStart)

	s.HandleEnvelope(inbound(t, s.ID(), protocol.UserCancel, nil))
	tr.waitFor(t, protocol.PipelineCancelled)

	if got := s.Stage(); got != models.StageCancelled {
		t.Errorf("stage = %q, want cancelled", got)
	}
	if got := countEvents(tr.snapshot(), protocol.AggregateStart); got != 0 {
		t.Errorf("cancelled run reached aggregation (%d aggregate.start)", got)
	}
}

func TestSessionReplanSupersedesRun(t *testing.T) {
	planner := &scriptedPlanner{n: 1}
	s, tr := newTestSession(t, Config{
		Pipeline: testPipelineConfig(false),
		Planner:  planner,
		Solver: solverFunc(func(ctx context.Context, task *models.Task) (string, error) {
			if planner.calls.Load() == 1 {
				// First run blocks until superseded by the replan.
				<-ctx.Done()
				return "", ctx.Err()
			}
			return "ok", nil
		}),
	})

	s.HandleEnvelope(inbound(t, s.ID(), protocol.UserMessage, protocol.MessagePayload{Question: "first"}))
	tr.waitFor(t, protocol.SolverStart)

	s.HandleEnvelope(inbound(t, s.ID(), protocol.UserReplan, protocol.MessagePayload{Question: "revised"}))
	tr.waitFor(t, protocol.PipelineCompleted)

	if got := s.Stage(); got != models.StageCompleted {
		t.Errorf("stage = %q, want completed after replan", got)
	}
	sent := tr.snapshot()
	if got := countEvents(sent, protocol.PlanStart); got != 2 {
		t.Errorf("plan.start count = %d, want 2 (replanned)", got)
	}
	// A superseded run does not announce a session-level cancellation.
	if got := countEvents(sent, protocol.PipelineCancelled); got != 0 {
		t.Errorf("pipeline.cancelled count = %d, want 0", got)
	}
	if got := planner.calls.Load(); got != 2 {
		t.Errorf("planner called %d times, want 2", got)
	}
}

func TestSessionAckTrimsBuffer(t *testing.T) {
	s, tr := newTestSession(t, Config{
		Pipeline: testPipelineConfig(false),
		Planner:  &scriptedPlanner{n: 1},
	})

	s.HandleEnvelope(inbound(t, s.ID(), protocol.UserMessage, protocol.MessagePayload{Question: "overview"}))
	last := tr.waitFor(t, protocol.PipelineCompleted)

	if s.log.Len() == 0 {
		t.Fatal("buffer empty before any ack")
	}

	s.HandleEnvelope(inbound(t, s.ID(), protocol.UserAck, protocol.AckPayload{LastSeq: last.Seq}))
	s.Stage() // barrier: the loop has processed the ack

	if got := s.log.Len(); got != 0 {
		t.Errorf("buffer len = %d after full ack, want 0", got)
	}
}

func TestSessionRequestStateIssuesVerifiableSnapshot(t *testing.T) {
	resumer := NewResumer([]byte("snapshot-key"))
	s, tr := newTestSession(t, Config{
		Pipeline: testPipelineConfig(false),
		Planner:  &scriptedPlanner{n: 1},
		Resumer:  resumer,
	})

	s.HandleEnvelope(inbound(t, s.ID(), protocol.UserMessage, protocol.MessagePayload{Question: "overview"}))
	tr.waitFor(t, protocol.PipelineCompleted)

	s.HandleEnvelope(inbound(t, s.ID(), protocol.UserRequestState, nil))
	env := tr.waitFor(t, protocol.AgentState)

	var payload protocol.StatePayload
	if err := json.Unmarshal(env.Content, &payload); err != nil {
		t.Fatalf("unmarshal state payload: %v", err)
	}
	snap, err := resumer.Verify(payload.State)
	if err != nil {
		t.Fatalf("issued snapshot failed verification: %v", err)
	}
	if snap.SessionID != s.ID() {
		t.Errorf("snapshot session = %q, want %q", snap.SessionID, s.ID())
	}
	if snap.Stage != models.StageCompleted {
		t.Errorf("snapshot stage = %q, want completed", snap.Stage)
	}
}

func TestSessionReplayAfterReconnect(t *testing.T) {
	s, tr := newTestSession(t, Config{
		Pipeline: testPipelineConfig(false),
		Planner:  &scriptedPlanner{n: 2},
	})

	s.HandleEnvelope(inbound(t, s.ID(), protocol.UserMessage, protocol.MessagePayload{Question: "overview"}))
	tr.waitFor(t, protocol.PipelineCompleted)
	seen := tr.snapshot()

	// The client saw the first two events, then reconnects on a new
	// transport and asks for everything after them.
	afterSeq := seen[1].Seq
	s.Detach("conn-1")

	tr2 := newFakeTransport()
	s.Attach("conn-2", tr2)
	s.Replay(afterSeq)

	tr2.waitFor(t, protocol.SystemReplayComplete)
	replayed := tr2.snapshot()

	// Everything after afterSeq arrives in order with original stamps.
	want := seen[2:]
	if len(replayed) != len(want)+1 {
		t.Fatalf("replayed %d envelopes, want %d plus replay_complete", len(replayed), len(want))
	}
	for i, env := range replayed[:len(want)] {
		if env.Seq != want[i].Seq || env.EventID != want[i].EventID {
			t.Errorf("replayed[%d] = seq %d id %s, want seq %d id %s",
				i, env.Seq, env.EventID, want[i].Seq, want[i].EventID)
		}
	}
}

func TestSessionDetachKeepsBuffering(t *testing.T) {
	s, tr := newTestSession(t, Config{
		Pipeline: testPipelineConfig(false),
		Planner:  &scriptedPlanner{n: 1},
	})
	s.Detach("conn-1")
	_ = tr

	s.HandleEnvelope(inbound(t, s.ID(), protocol.UserMessage, protocol.MessagePayload{Question: "overview"}))

	// The run proceeds with no transport; poll until the stage settles.
	deadline := time.Now().Add(5 * time.Second)
	for s.Stage() != models.StageCompleted {
		if time.Now().After(deadline) {
			t.Fatal("pipeline did not complete while detached")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if s.log.Len() == 0 {
		t.Error("no events buffered for the detached client")
	}
}

func TestSessionStaleDetachIgnored(t *testing.T) {
	s, _ := newTestSession(t, Config{
		Pipeline: testPipelineConfig(false),
		Planner:  &scriptedPlanner{n: 1},
	})

	tr2 := newFakeTransport()
	s.Attach("conn-2", tr2)
	// The old connection's teardown must not clobber the new attachment.
	s.Detach("conn-1")

	s.HandleEnvelope(inbound(t, s.ID(), protocol.UserMessage, protocol.MessagePayload{Question: "overview"}))
	tr2.waitFor(t, protocol.PipelineCompleted)
}
