package protocol

import (
	"fmt"
	"strings"

	"github.com/ShayCichocki/quill/pkg/models"
)

// Client-to-server events.
const (
	// UserCreateSession requests a new session. The only event that may
	// omit sessionId.
	UserCreateSession = "user.create_session"
	// UserMessage carries the user's request and starts planning.
	UserMessage = "user.message"
	// UserResponse answers an outstanding confirmation request.
	UserResponse = "user.response"
	// UserCancel cancels the whole pipeline and the session.
	UserCancel = "user.cancel"
	// UserCancelTask cancels a single in-flight task.
	UserCancelTask = "user.cancel_task"
	// UserRestartTask re-admits a task with its attempt count reset.
	UserRestartTask = "user.restart_task"
	// UserReplan re-enters the planning stage.
	UserReplan = "user.replan"
	// UserSolveTasks starts the solve stage with an explicit task list.
	UserSolveTasks = "user.solve_tasks"
	// UserAck acknowledges delivery up to a position, trimming the buffer.
	UserAck = "user.ack"
	// UserRequestState asks for a signed state snapshot.
	UserRequestState = "user.request_state"
	// UserReconnectWithState resumes a detached session on a new connection.
	UserReconnectWithState = "user.reconnect_with_state"
)

// Server-to-client events.
const (
	AgentSessionCreated = "agent.session_created"
	AgentUserConfirm    = "agent.user_confirm"
	AgentState          = "agent.state"

	PlanStart     = "plan.start"
	PlanCompleted = "plan.completed"

	SolverStart     = "solver.start"
	SolverCompleted = "solver.completed"
	SolverFailed    = "solver.failed"
	SolverRetry     = "solver.retry"
	SolverCancelled = "solver.cancelled"
	SolverRestarted = "solver.restarted"

	AggregateStart     = "aggregate.start"
	AggregateCompleted = "aggregate.completed"

	PipelineCompleted = "pipeline.completed"
	PipelineCancelled = "pipeline.cancelled"

	SystemReplayComplete = "system.replay_complete"

	ErrorProtocol   = "error.protocol"
	ErrorSession    = "error.session"
	ErrorValidation = "error.validation"
)

// ParseEventName splits a namespaced event name into its namespace and
// name parts, rejecting anything that is not of namespace.name shape.
func ParseEventName(event string) (namespace, name string, err error) {
	namespace, name, ok := strings.Cut(event, ".")
	if !ok || namespace == "" || name == "" || strings.Contains(name, ".") {
		return "", "", &ProtocolError{Reason: fmt.Sprintf("event name must be namespace.name, got %q", event)}
	}
	return namespace, name, nil
}

// MessagePayload is the content of user.message.
type MessagePayload struct {
	// Question is the user's request driving the pipeline.
	Question string `json:"question"`
}

// ResponsePayload is the content of user.response, answering a server
// confirmation request. EditedTasks, when present, replaces the planned
// task list verbatim.
type ResponsePayload struct {
	StepID      string         `json:"stepId"`
	Confirmed   bool           `json:"confirmed"`
	Reason      string         `json:"reason,omitempty"`
	EditedTasks []*models.Task `json:"editedTasks,omitempty"`
}

// AckPayload is the content of user.ack. Exactly one of LastSeq or
// LastEventID should be set.
type AckPayload struct {
	LastSeq     uint64 `json:"lastSeq,omitempty"`
	LastEventID string `json:"lastEventId,omitempty"`
}

// TaskRefPayload is the content of user.cancel_task and user.restart_task.
type TaskRefPayload struct {
	TaskID int `json:"taskId"`
}

// SolveTasksPayload is the content of user.solve_tasks.
type SolveTasksPayload struct {
	Tasks []*models.Task `json:"tasks"`
}

// ReconnectPayload is the content of user.reconnect_with_state.
type ReconnectPayload struct {
	// State is the signed snapshot previously issued via agent.state.
	State string `json:"state"`
	// AfterSeq is the last sequence number the client observed.
	AfterSeq uint64 `json:"afterSeq"`
}

// ConfirmRequestPayload is the content of agent.user_confirm.
type ConfirmRequestPayload struct {
	StepID  string         `json:"stepId"`
	Summary string         `json:"summary,omitempty"`
	Tasks   []*models.Task `json:"tasks"`
}

// SessionCreatedPayload is the content of agent.session_created.
type SessionCreatedPayload struct {
	SessionID string `json:"sessionId"`
}

// StatePayload is the content of agent.state.
type StatePayload struct {
	// State is the signed snapshot the client presents on reconnect.
	State string `json:"state"`
	// Seq is the session's current sequence position at issue time.
	Seq uint64 `json:"seq"`
}

// ErrorPayload is the content of error.* events.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
