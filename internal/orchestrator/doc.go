// Package orchestrator drives the plan -> solve -> aggregate pipeline for
// one session.
//
// The orchestrator package provides functionality for:
//   - Planning: turning a user request into an ordered section task list
//   - Bounded-concurrency solving: executing tasks with retry and
//     cooperative cancellation under a configurable parallelism limit
//   - Aggregation: composing per-task results into a single report
//
// Planner, Solver and Aggregator are external collaborators consumed
// through narrow interfaces; the orchestrator owns task lifecycle only.
// Progress is observable exclusively through the emitted event stream.
package orchestrator
