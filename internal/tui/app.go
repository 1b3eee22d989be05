// Package tui provides the interactive terminal client for a quill server.
//
// The App model renders one session: the user types a question, watches the
// pipeline stages advance, answers plan confirmation requests with y/n, and
// reads the final report in place. Server envelopes arrive as EnvelopeMsg
// values sent into the bubbletea program by the connection's read loop.
package tui

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/ShayCichocki/quill/internal/protocol"
	"github.com/ShayCichocki/quill/pkg/models"
)

// Sender transmits a client event to the server. Implemented by the
// WebSocket connection wrapper in cmd/quill.
type Sender interface {
	Send(event string, content any) error
}

// EnvelopeMsg delivers one server envelope to the TUI.
type EnvelopeMsg struct {
	Env *protocol.Envelope
}

// DisconnectedMsg signals that the server connection dropped.
type DisconnectedMsg struct {
	Err error
}

// LogEntry is one line in the activity log.
type LogEntry struct {
	Timestamp time.Time
	Level     string
	Message   string
}

// App is the bubbletea model for the quill client.
type App struct {
	sender Sender

	sessionID   string
	stage       models.Stage
	planSummary string
	tasks       []*models.Task
	report      string
	partial     bool
	logs        []LogEntry

	// confirm is the outstanding plan confirmation request, if any.
	confirm *protocol.ConfirmRequestPayload

	// lastSeq is the highest stamped sequence number observed, acked on
	// pipeline completion to let the server trim its replay buffer.
	lastSeq uint64

	input  textinput.Model
	width  int
	height int

	quitting     bool
	disconnected bool
}

// New creates an App over the given sender.
func New(sender Sender) *App {
	ti := textinput.New()
	ti.Placeholder = "Type a question and press Enter..."
	ti.Focus()
	ti.CharLimit = 500
	ti.Width = 60

	return &App{
		sender: sender,
		stage:  models.StageCreated,
		input:  ti,
		width:  80,
		height: 24,
	}
}

// NewProgram wraps an App in a bubbletea program. The caller feeds server
// envelopes in via program.Send.
func NewProgram(sender Sender) (*tea.Program, *App) {
	app := New(sender)
	p := tea.NewProgram(app, tea.WithAltScreen())
	return p, app
}

// SessionID returns the session id announced by the server, if any.
func (a *App) SessionID() string {
	return a.sessionID
}

// Init implements tea.Model.
func (a *App) Init() tea.Cmd {
	return textinput.Blink
}

// Update implements tea.Model.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = msg.Width - 6

	case EnvelopeMsg:
		a.handleEnvelope(msg.Env)

	case DisconnectedMsg:
		a.disconnected = true
		if msg.Err != nil {
			a.log("ERROR", "connection lost: "+msg.Err.Error())
		} else {
			a.log("INFO", "connection closed")
		}
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "esc":
		a.quitting = true
		return a, tea.Quit

	case "ctrl+x":
		if a.sessionID != "" && !a.stage.Terminal() {
			a.sendOrLog(protocol.UserCancel, nil)
			a.log("INFO", "cancellation requested")
		}
		return a, nil

	case "y", "n":
		if a.confirm != nil {
			a.answerConfirm(msg.String() == "y")
			return a, nil
		}

	case "enter":
		if a.confirm != nil {
			return a, nil
		}
		return a, a.submit()
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	return a, cmd
}

// submit sends the typed question, either starting the pipeline or, for a
// running session, requesting a replan with the new question.
func (a *App) submit() tea.Cmd {
	text := a.input.Value()
	if text == "" || a.sessionID == "" {
		return nil
	}
	a.input.Reset()

	switch a.stage {
	case models.StageCreated:
		a.sendOrLog(protocol.UserMessage, protocol.MessagePayload{Question: text})
		a.log("INFO", "question submitted")
	case models.StageSolving, models.StageAggregating:
		a.sendOrLog(protocol.UserReplan, protocol.MessagePayload{Question: text})
		a.log("INFO", "replan requested")
	case models.StageCompleted, models.StageCancelled, models.StageError:
		a.log("WARN", "session finished, reconnect with a new session for another question")
	default:
		a.log("WARN", "pipeline is busy, wait for the current stage")
	}
	return nil
}

func (a *App) answerConfirm(accept bool) {
	a.sendOrLog(protocol.UserResponse, protocol.ResponsePayload{
		StepID:    a.confirm.StepID,
		Confirmed: accept,
	})
	if accept {
		a.log("INFO", "plan confirmed")
	} else {
		a.log("INFO", "plan declined")
	}
	a.confirm = nil
}

func (a *App) sendOrLog(event string, content any) {
	if err := a.sender.Send(event, content); err != nil {
		a.log("ERROR", fmt.Sprintf("send %s: %v", event, err))
	}
}

// handleEnvelope folds one server envelope into the model.
func (a *App) handleEnvelope(env *protocol.Envelope) {
	if env.Seq > a.lastSeq {
		a.lastSeq = env.Seq
	}

	switch env.Event {
	case protocol.AgentSessionCreated:
		var p protocol.SessionCreatedPayload
		if json.Unmarshal(env.Content, &p) == nil {
			a.sessionID = p.SessionID
		}
		a.log("INFO", "session created")

	case protocol.PlanStart:
		a.stage = models.StagePlanning
		a.tasks = nil
		a.planSummary = ""
		a.report = ""
		a.log("INFO", "planning started")

	case protocol.PlanCompleted:
		var p struct {
			Summary string         `json:"summary"`
			Tasks   []*models.Task `json:"tasks"`
		}
		if json.Unmarshal(env.Content, &p) == nil {
			a.planSummary = p.Summary
			a.tasks = p.Tasks
		}
		a.log("INFO", fmt.Sprintf("plan ready with %d tasks", len(a.tasks)))

	case protocol.AgentUserConfirm:
		var p protocol.ConfirmRequestPayload
		if json.Unmarshal(env.Content, &p) == nil {
			if p.StepID == "" {
				p.StepID = env.StepID
			}
			a.confirm = &p
			a.stage = models.StageAwaitingConfirm
		}

	case protocol.SolverStart, protocol.SolverRetry, protocol.SolverCompleted,
		protocol.SolverFailed, protocol.SolverCancelled, protocol.SolverRestarted:
		a.stage = models.StageSolving
		a.applyTaskEvent(env)

	case protocol.AggregateStart:
		a.stage = models.StageAggregating
		a.log("INFO", "aggregating results")

	case protocol.AggregateCompleted:
		var p struct {
			Content string `json:"content"`
			Partial bool   `json:"partial"`
		}
		if json.Unmarshal(env.Content, &p) == nil {
			a.report = p.Content
			a.partial = p.Partial
		}

	case protocol.PipelineCompleted:
		a.stage = models.StageCompleted
		a.log("INFO", "pipeline completed")
		a.sendOrLog(protocol.UserAck, protocol.AckPayload{LastSeq: a.lastSeq})

	case protocol.PipelineCancelled:
		a.stage = models.StageCancelled
		a.confirm = nil
		a.log("INFO", "pipeline cancelled")

	case protocol.SystemReplayComplete:
		a.log("INFO", "replay complete")

	case protocol.ErrorProtocol, protocol.ErrorSession, protocol.ErrorValidation:
		var p protocol.ErrorPayload
		if json.Unmarshal(env.Content, &p) == nil {
			a.log("ERROR", fmt.Sprintf("%s: %s", p.Kind, p.Message))
		} else {
			a.log("ERROR", env.Event)
		}
	}
}

// applyTaskEvent updates the task table from a solver.* payload.
func (a *App) applyTaskEvent(env *protocol.Envelope) {
	var p struct {
		TaskID  int    `json:"taskId"`
		Title   string `json:"title"`
		State   string `json:"state"`
		Attempt int    `json:"attempt"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(env.Content, &p) != nil || p.TaskID == 0 {
		return
	}

	task := a.findOrCreateTask(p.TaskID, p.Title)
	task.State = models.TaskState(p.State)
	if p.Attempt > task.Attempts {
		task.Attempts = p.Attempt
	}
	task.Error = p.Error

	switch env.Event {
	case protocol.SolverFailed:
		a.log("ERROR", fmt.Sprintf("task %d failed: %s", p.TaskID, p.Error))
	case protocol.SolverRetry:
		a.log("WARN", fmt.Sprintf("task %d retrying (attempt %d)", p.TaskID, p.Attempt))
	}
}

func (a *App) findOrCreateTask(id int, title string) *models.Task {
	for _, task := range a.tasks {
		if task.ID == id {
			return task
		}
	}
	task := &models.Task{ID: id, Title: title, State: models.TaskPending}
	a.tasks = append(a.tasks, task)
	return task
}

func (a *App) log(level, message string) {
	a.logs = append(a.logs, LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
	})
}
