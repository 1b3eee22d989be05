package session

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/quill/internal/orchestrator"
	"github.com/ShayCichocki/quill/internal/protocol"
	"github.com/ShayCichocki/quill/internal/state"
	"github.com/ShayCichocki/quill/pkg/models"
)

// Transport delivers stamped envelopes to the client currently attached to
// a session. Implementations must be safe for use from the session's
// command loop.
type Transport interface {
	Send(env *protocol.Envelope) error
}

// Config contains configuration for a Session.
type Config struct {
	// ID is the session id. Assigned by the manager.
	ID string
	// Pipeline configures the orchestrator for each run.
	Pipeline orchestrator.Config
	// ConfirmTimeout bounds how long a confirmation request stays open.
	ConfirmTimeout time.Duration
	// Planner, Solver and Aggregator are the pipeline collaborators.
	Planner    orchestrator.Planner
	Solver     orchestrator.Solver
	Aggregator orchestrator.Aggregator
	// Resumer signs and verifies reconnect state snapshots.
	Resumer *Resumer
	// Traces receives completed pipeline traces. Nil disables persistence.
	Traces state.TraceStore
	// Logger is the pipeline debug logger. Nil means no-op.
	Logger *orchestrator.DebugLogger
	// BufferCapacity caps the replay buffer. Zero means unbounded.
	BufferCapacity int
}

// Session is one logical, reconnectable unit of ongoing work. All state
// mutations are serialized through the session's command loop; other
// goroutines request mutations by posting commands, never by mutating
// directly.
type Session struct {
	cfg Config
	id  string

	log        *EventLog
	correlator *Correlator

	commands chan func()
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}

	// Everything below is owned by the command loop.
	stage         models.Stage
	transport     Transport
	connID        string
	orch          *orchestrator.Orchestrator
	runCancel     context.CancelFunc
	runActive     bool
	lastRequest   string
	replanRequest string
	replanPending bool
	currentStepID string
	plan          *models.Plan
	tasks         []*models.Task
	report        *models.Report
	startedAt     time.Time
}

// New creates a session and starts its command loop.
func New(cfg Config) *Session {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = orchestrator.NopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:        cfg,
		id:         cfg.ID,
		log:        NewEventLog(),
		correlator: NewCorrelator(),
		commands:   make(chan func(), 64),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		stage:      models.StageCreated,
		startedAt:  time.Now(),
	}
	if cfg.BufferCapacity > 0 {
		s.log.SetCapacity(cfg.BufferCapacity)
	}

	go s.loop()
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Close stops the command loop and cancels any active run.
func (s *Session) Close() {
	s.cancel()
	<-s.done
}

// loop is the session's single-writer command loop.
func (s *Session) loop() {
	defer close(s.done)
	for {
		select {
		case cmd := <-s.commands:
			cmd()
		case <-s.ctx.Done():
			if s.runCancel != nil {
				s.runCancel()
			}
			return
		}
	}
}

// do posts a command to the loop. Commands posted after Close are dropped.
func (s *Session) do(cmd func()) {
	select {
	case s.commands <- cmd:
	case <-s.ctx.Done():
	}
}

// Attach binds the session to a connection. Subsequent events are
// transmitted there; buffered events stay buffered until acknowledged.
func (s *Session) Attach(connID string, t Transport) {
	s.do(func() {
		s.connID = connID
		s.transport = t
	})
}

// Detach unbinds the session from the given connection. A stale detach
// from a connection that has already been replaced is ignored. The session
// keeps running and buffering.
func (s *Session) Detach(connID string) {
	s.do(func() {
		if s.connID != connID {
			return
		}
		s.connID = ""
		s.transport = nil
	})
}

// AnnounceCreated emits agent.session_created to the attached client.
func (s *Session) AnnounceCreated() {
	s.do(func() {
		s.sendEvent(protocol.AgentSessionCreated, "", protocol.SessionCreatedPayload{SessionID: s.id})
	})
}

// Replay transmits all buffered events with seq > afterSeq to the attached
// transport in order, followed by system.replay_complete. Replayed events
// keep their original stamps; only the completion marker is newly stamped.
func (s *Session) Replay(afterSeq uint64) {
	s.do(func() {
		if s.transport == nil {
			return
		}
		for _, env := range s.log.ReplayAfter(afterSeq) {
			if err := s.transport.Send(env); err != nil {
				log.Printf("[session] %s: replay send failed: %v", s.id, err)
				return
			}
		}
		s.sendEvent(protocol.SystemReplayComplete, "", nil)
	})
}

// Stage returns the current stage, observed through the command loop.
func (s *Session) Stage() models.Stage {
	out := make(chan models.Stage, 1)
	s.do(func() { out <- s.stage })
	select {
	case st := <-out:
		return st
	case <-s.ctx.Done():
		return models.StageError
	}
}

// Snapshot returns a signed state snapshot at the current position.
func (s *Session) Snapshot() (string, error) {
	type result struct {
		blob string
		err  error
	}
	out := make(chan result, 1)
	s.do(func() {
		blob, err := s.cfg.Resumer.Issue(Snapshot{
			SessionID: s.id,
			Stage:     s.stage,
			Seq:       s.log.NextSeq() - 1,
			IssuedAt:  time.Now().UTC(),
		})
		out <- result{blob, err}
	})
	select {
	case r := <-out:
		return r.blob, r.err
	case <-s.ctx.Done():
		return "", context.Canceled
	}
}

// HandleEnvelope routes a decoded inbound envelope into the session.
// It returns immediately; processing happens on the command loop.
func (s *Session) HandleEnvelope(env *protocol.Envelope) {
	s.do(func() { s.dispatch(env) })
}

// dispatch runs on the command loop.
func (s *Session) dispatch(env *protocol.Envelope) {
	switch env.Event {
	case protocol.UserMessage:
		s.onMessage(env)
	case protocol.UserResponse:
		s.onResponse(env)
	case protocol.UserCancel:
		s.onCancel()
	case protocol.UserCancelTask:
		s.onTaskCommand(env, false)
	case protocol.UserRestartTask:
		s.onTaskCommand(env, true)
	case protocol.UserReplan:
		s.onReplan(env)
	case protocol.UserSolveTasks:
		s.onSolveTasks(env)
	case protocol.UserAck:
		s.onAck(env)
	case protocol.UserRequestState:
		s.onRequestState()
	default:
		// Forward-compatible inbound events are preserved opaquely and
		// otherwise ignored.
		log.Printf("[session] %s: ignoring unhandled event %s", s.id, env.Event)
	}
}

func (s *Session) onMessage(env *protocol.Envelope) {
	var payload protocol.MessagePayload
	if err := json.Unmarshal(env.Content, &payload); err != nil || payload.Question == "" {
		s.sendValidationError(env.Event, "question")
		return
	}
	if s.stage != models.StageCreated {
		s.sendValidationError(env.Event, "stage (session already started)")
		return
	}
	s.startRun(payload.Question)
}

func (s *Session) onResponse(env *protocol.Envelope) {
	var payload protocol.ResponsePayload
	if err := json.Unmarshal(env.Content, &payload); err != nil {
		s.sendValidationError(env.Event, "payload")
		return
	}
	stepID := payload.StepID
	if stepID == "" {
		stepID = env.StepID
	}
	// Unknown or stale step ids are silently ignored by the correlator.
	s.correlator.Resolve(stepID, payload.Confirmed, payload.Reason, payload.EditedTasks)
}

func (s *Session) onCancel() {
	if s.stage.Terminal() {
		return
	}
	if s.runActive {
		// The run unwinds cooperatively; runFinished moves the stage.
		s.replanPending = false
		s.runCancel()
		return
	}
	s.setStage(models.StageCancelled)
	s.sendEvent(protocol.PipelineCancelled, "", protocol.ErrorPayload{Kind: "cancelled", Message: "cancelled by user"})
}

func (s *Session) onTaskCommand(env *protocol.Envelope, restart bool) {
	var payload protocol.TaskRefPayload
	if err := json.Unmarshal(env.Content, &payload); err != nil || payload.TaskID <= 0 {
		s.sendValidationError(env.Event, "taskId")
		return
	}
	if s.stage != models.StageSolving || s.orch == nil {
		s.sendValidationError(env.Event, "stage (no active solve)")
		return
	}
	if restart {
		s.orch.RestartTask(payload.TaskID)
	} else {
		s.orch.CancelTask(payload.TaskID)
	}
}

func (s *Session) onReplan(env *protocol.Envelope) {
	if s.stage != models.StageSolving && s.stage != models.StageAggregating {
		s.sendValidationError(env.Event, "stage (nothing to replan)")
		return
	}

	request := s.lastRequest
	var payload protocol.MessagePayload
	if len(env.Content) > 0 {
		if err := json.Unmarshal(env.Content, &payload); err == nil && payload.Question != "" {
			request = payload.Question
		}
	}

	s.replanPending = true
	s.replanRequest = request
	s.runCancel()
}

func (s *Session) onSolveTasks(env *protocol.Envelope) {
	var payload protocol.SolveTasksPayload
	if err := json.Unmarshal(env.Content, &payload); err != nil || len(payload.Tasks) == 0 {
		s.sendValidationError(env.Event, "tasks")
		return
	}
	if s.stage != models.StageAwaitingConfirm || s.currentStepID == "" {
		s.sendValidationError(env.Event, "stage (no plan awaiting confirmation)")
		return
	}
	// Confirms the outstanding plan with the provided task list verbatim.
	s.correlator.Resolve(s.currentStepID, true, "", payload.Tasks)
}

func (s *Session) onAck(env *protocol.Envelope) {
	var payload protocol.AckPayload
	if err := json.Unmarshal(env.Content, &payload); err != nil {
		s.sendValidationError(env.Event, "payload")
		return
	}
	switch {
	case payload.LastSeq > 0:
		s.log.Acknowledge(payload.LastSeq)
	case payload.LastEventID != "":
		s.log.AcknowledgeEvent(payload.LastEventID)
	default:
		s.sendValidationError(env.Event, "lastSeq or lastEventId")
	}
}

func (s *Session) onRequestState() {
	blob, err := s.cfg.Resumer.Issue(Snapshot{
		SessionID: s.id,
		Stage:     s.stage,
		Seq:       s.log.NextSeq() - 1,
		IssuedAt:  time.Now().UTC(),
	})
	if err != nil {
		log.Printf("[session] %s: issue snapshot: %v", s.id, err)
		return
	}
	s.sendEvent(protocol.AgentState, "", protocol.StatePayload{State: blob, Seq: s.log.NextSeq() - 1})
}

// startRun launches a pipeline run. Runs on the command loop.
func (s *Session) startRun(request string) {
	s.setStage(models.StagePlanning)
	s.lastRequest = request

	orch := orchestrator.New(
		s.cfg.Pipeline,
		s.cfg.Planner,
		s.cfg.Solver,
		s.cfg.Aggregator,
		orchestrator.WithConfirmer(s),
		orchestrator.WithLogger(s.cfg.Logger),
	)
	s.orch = orch
	s.runActive = true

	runCtx, cancel := context.WithCancel(s.ctx)
	s.runCancel = cancel

	eventsDone := make(chan struct{})
	go func() {
		defer close(eventsDone)
		for ev := range orch.Events() {
			ev := ev
			s.do(func() { s.handlePipelineEvent(ev) })
		}
	}()

	go func() {
		err := orch.Run(runCtx, request)
		<-eventsDone
		s.do(func() { s.runFinished(err) })
	}()
}

// handlePipelineEvent translates orchestrator events into stage
// transitions and wire envelopes. Runs on the command loop.
func (s *Session) handlePipelineEvent(ev orchestrator.PipelineEvent) {
	switch ev.Type {
	case orchestrator.EventPlanStart:
		s.setStage(models.StagePlanning)
		s.sendEvent(protocol.PlanStart, "", nil)

	case orchestrator.EventPlanCompleted:
		s.plan = ev.Plan
		s.sendEvent(protocol.PlanCompleted, "", struct {
			Summary string         `json:"summary,omitempty"`
			Tasks   []*models.Task `json:"tasks"`
		}{ev.Plan.Summary, ev.Plan.Tasks})

	case orchestrator.EventSolveStart:
		s.setStage(models.StageSolving)

	case orchestrator.EventTaskStarted:
		s.rememberTask(ev.Task)
		if ev.Attempt == 1 {
			s.sendEvent(protocol.SolverStart, "", taskPayload(ev))
		}

	case orchestrator.EventTaskRetrying:
		s.rememberTask(ev.Task)
		s.sendEvent(protocol.SolverRetry, "", taskPayload(ev))

	case orchestrator.EventTaskCompleted:
		s.rememberTask(ev.Task)
		s.sendEvent(protocol.SolverCompleted, "", taskPayload(ev))

	case orchestrator.EventTaskFailed:
		s.rememberTask(ev.Task)
		s.sendEvent(protocol.SolverFailed, "", taskPayload(ev))

	case orchestrator.EventTaskCancelled:
		s.rememberTask(ev.Task)
		s.sendEvent(protocol.SolverCancelled, "", taskPayload(ev))

	case orchestrator.EventTaskRestarted:
		s.rememberTask(ev.Task)
		s.sendEvent(protocol.SolverRestarted, "", taskPayload(ev))

	case orchestrator.EventAggregateStart:
		s.setStage(models.StageAggregating)
		s.sendEvent(protocol.AggregateStart, "", nil)

	case orchestrator.EventAggregateCompleted:
		s.report = ev.Report
		s.sendEvent(protocol.AggregateCompleted, "", struct {
			Content string `json:"content"`
			Partial bool   `json:"partial"`
		}{ev.Report.Content, ev.Report.Partial})

	case orchestrator.EventPipelineCompleted:
		s.setStage(models.StageCompleted)
		s.sendEvent(protocol.PipelineCompleted, "", nil)

	case orchestrator.EventPipelineError:
		s.setStage(models.StageError)
		s.sendEvent(protocol.ErrorSession, "", protocol.ErrorPayload{
			Kind:    "pipeline",
			Message: ev.Message + ": " + errString(ev.Err),
		})
	}
}

// runFinished settles the session after a run returns. Runs on the
// command loop, after every pipeline event has been processed.
func (s *Session) runFinished(err error) {
	if s.orch != nil {
		s.tasks = s.orch.Tasks()
	}
	s.runActive = false
	s.runCancel = nil

	switch {
	case err == nil:
		// Stage already COMPLETED via the pipeline event stream.
		s.saveTrace()

	case errors.Is(err, context.Canceled):
		if s.replanPending {
			s.replanPending = false
			s.startRun(s.replanRequest)
			return
		}
		s.setStage(models.StageCancelled)
		s.sendEvent(protocol.PipelineCancelled, "", protocol.ErrorPayload{Kind: "cancelled", Message: "cancelled by user"})
		s.saveTrace()

	case errors.Is(err, orchestrator.ErrPlanDeclined):
		s.setStage(models.StageCancelled)
		s.sendEvent(protocol.PipelineCancelled, "", protocol.ErrorPayload{Kind: "declined", Message: err.Error()})
		s.saveTrace()

	default:
		// Stage usually already ERROR via the pipeline event stream.
		if !s.stage.Terminal() {
			s.setStage(models.StageError)
			s.sendEvent(protocol.ErrorSession, "", protocol.ErrorPayload{Kind: "pipeline", Message: err.Error()})
		}
		s.saveTrace()
	}
	s.orch = nil
}

// ConfirmPlan implements orchestrator.Confirmer. It is called on the
// pipeline goroutine: only that goroutine blocks awaiting the response,
// the command loop stays live for cancels and acks.
func (s *Session) ConfirmPlan(ctx context.Context, plan *models.Plan) orchestrator.PlanDecision {
	stepID := uuid.New().String()[:8]
	s.correlator.Open(stepID, s.cfg.ConfirmTimeout)

	s.do(func() {
		s.currentStepID = stepID
		s.setStage(models.StageAwaitingConfirm)
		s.sendEvent(protocol.AgentUserConfirm, stepID, protocol.ConfirmRequestPayload{
			StepID:  stepID,
			Summary: plan.Summary,
			Tasks:   plan.Tasks,
		})
	})

	decision := s.correlator.Await(ctx, stepID)
	s.do(func() { s.currentStepID = "" })

	return orchestrator.PlanDecision{
		Confirmed:   decision.Resolution.Accepted(),
		Reason:      reasonFor(decision),
		EditedTasks: decision.EditedTasks,
	}
}

// setStage applies a stage transition, forcing ERROR on an illegal one.
// Runs on the command loop.
func (s *Session) setStage(next models.Stage) {
	if s.stage == next {
		return
	}
	if !s.stage.CanTransition(next) {
		log.Printf("[session] %s: illegal transition %s -> %s", s.id, s.stage, next)
		if s.stage.Terminal() {
			return
		}
		s.stage = models.StageError
		s.sendEvent(protocol.ErrorSession, "", protocol.ErrorPayload{
			Kind:    "state",
			Message: "illegal stage transition",
		})
		return
	}
	s.stage = next
}

// sendEvent stamps an outbound envelope through the event log and
// transmits it when a connection is attached. Runs on the command loop.
func (s *Session) sendEvent(event, stepID string, content any) {
	var raw json.RawMessage
	if content != nil {
		data, err := json.Marshal(content)
		if err != nil {
			log.Printf("[session] %s: marshal %s payload: %v", s.id, event, err)
			return
		}
		raw = data
	}

	stamped := s.log.Append(&protocol.Envelope{
		Event:        event,
		SessionID:    s.id,
		ConnectionID: s.connID,
		StepID:       stepID,
		Content:      raw,
	})

	if s.transport != nil {
		if err := s.transport.Send(stamped); err != nil {
			log.Printf("[session] %s: send %s failed, detaching: %v", s.id, event, err)
			s.transport = nil
			s.connID = ""
		}
	}
}

func (s *Session) sendValidationError(event, field string) {
	s.sendEvent(protocol.ErrorValidation, "", protocol.ErrorPayload{
		Kind:    "validation",
		Message: (&protocol.ValidationError{Event: event, Field: field}).Error(),
	})
}

func (s *Session) rememberTask(task *models.Task) {
	if task == nil {
		return
	}
	for i, t := range s.tasks {
		if t.ID == task.ID {
			s.tasks[i] = task
			return
		}
	}
	s.tasks = append(s.tasks, task)
}

func (s *Session) saveTrace() {
	if s.cfg.Traces == nil {
		return
	}
	trace := &state.Trace{
		SessionID: s.id,
		Request:   s.lastRequest,
		Stage:     string(s.stage),
		StartedAt: s.startedAt,
		EndedAt:   time.Now(),
	}
	if s.report != nil {
		trace.Report = s.report.Content
		trace.Partial = s.report.Partial
	}
	for _, t := range s.tasks {
		trace.Tasks = append(trace.Tasks, state.TraceTask{
			TaskID:   t.ID,
			Title:    t.Title,
			State:    string(t.State),
			Attempts: t.Attempts,
			Error:    t.Error,
		})
	}
	if err := s.cfg.Traces.SaveTrace(context.Background(), trace); err != nil {
		log.Printf("[session] %s: save trace: %v", s.id, err)
	}
}

func taskPayload(ev orchestrator.PipelineEvent) any {
	return struct {
		TaskID  int    `json:"taskId"`
		Title   string `json:"title"`
		State   string `json:"state"`
		Attempt int    `json:"attempt,omitempty"`
		Error   string `json:"error,omitempty"`
		Result  string `json:"result,omitempty"`
	}{
		TaskID:  ev.Task.ID,
		Title:   ev.Task.Title,
		State:   string(ev.Task.State),
		Attempt: ev.Attempt,
		Error:   errString(ev.Err),
		Result:  ev.Task.Result,
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func reasonFor(d Decision) string {
	if d.Reason != "" {
		return d.Reason
	}
	return string(d.Resolution)
}
