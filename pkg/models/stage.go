package models

// Stage represents the lifecycle stage of a session.
type Stage string

const (
	// StageCreated is the initial stage after session creation.
	StageCreated Stage = "created"
	// StagePlanning indicates the planner is producing a task list.
	StagePlanning Stage = "planning"
	// StageAwaitingConfirm indicates the plan awaits human confirmation.
	StageAwaitingConfirm Stage = "awaiting_confirm"
	// StageSolving indicates solver tasks are executing.
	StageSolving Stage = "solving"
	// StageAggregating indicates the aggregator is composing the report.
	StageAggregating Stage = "aggregating"
	// StageCompleted indicates the pipeline finished and the report was emitted.
	StageCompleted Stage = "completed"
	// StageCancelled indicates the session was cancelled.
	StageCancelled Stage = "cancelled"
	// StageError indicates an unrecoverable internal fault. The session
	// remains addressable for diagnostics but accepts no further work.
	StageError Stage = "error"
)

// Valid returns true if the stage is a known value.
func (s Stage) Valid() bool {
	switch s {
	case StageCreated, StagePlanning, StageAwaitingConfirm, StageSolving,
		StageAggregating, StageCompleted, StageCancelled, StageError:
		return true
	default:
		return false
	}
}

// Terminal returns true for stages that accept no further work.
func (s Stage) Terminal() bool {
	switch s {
	case StageCompleted, StageCancelled, StageError:
		return true
	default:
		return false
	}
}

// stageTransitions enumerates the legal forward transitions. CANCELLED and
// ERROR are reachable from every non-terminal stage and are handled in
// CanTransition rather than listed per stage.
var stageTransitions = map[Stage][]Stage{
	StageCreated:         {StagePlanning},
	StagePlanning:        {StageAwaitingConfirm, StageSolving},
	StageAwaitingConfirm: {StageSolving},
	StageSolving:         {StageAggregating, StagePlanning},
	StageAggregating:     {StageCompleted, StagePlanning},
}

// CanTransition reports whether moving from s to next is a legal transition.
// Replanning re-enters PLANNING from SOLVING or AGGREGATING.
func (s Stage) CanTransition(next Stage) bool {
	if s.Terminal() {
		return false
	}
	if next == StageCancelled || next == StageError {
		return true
	}
	for _, allowed := range stageTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}
