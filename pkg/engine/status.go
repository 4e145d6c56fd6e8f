package engine

import (
	"fmt"
)

// RunStatus represents the overall outcome of a run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every stage finished without error.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates stages failed and no sink received any work.
	RunStatusFailed RunStatus = "failed"

	// RunStatusPartial indicates stages failed but at least one sink received work.
	RunStatusPartial RunStatus = "partial"

	// RunStatusCancelled indicates the run was cancelled by its caller.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusPartial || s == RunStatusCancelled
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusFailed,
		RunStatusPartial, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// StageState is the lifecycle state of a stage within a run.
//
// A stage moves Idle -> Ready -> Running and back to Idle (or Ready) after each
// invocation until it reaches one of the terminal states.
type StageState string

const (
	// StageIdle means the stage is waiting for input or for the next cycle.
	StageIdle StageState = "idle"

	// StageReady means the stage can be dispatched.
	StageReady StageState = "ready"

	// StageRunning means an invocation is in flight.
	StageRunning StageState = "running"

	// StageCompleted means the stage will never run again because its suppliers
	// exhausted normally after feeding it (or, for a source, it exhausted itself).
	StageCompleted StageState = "completed"

	// StageBlocked means an input socket can no longer be supplied because of an
	// upstream failure or block, buffered input was stranded, or every supplier
	// exhausted before the stage received anything.
	StageBlocked StageState = "blocked"

	// StageFailed means an invocation returned an error or timed out.
	StageFailed StageState = "failed"

	// StageCancelled means the run was cancelled before the stage finished.
	StageCancelled StageState = "cancelled"
)

// IsTerminal returns true if the stage can never be dispatched again.
func (s StageState) IsTerminal() bool {
	return s == StageCompleted || s == StageBlocked || s == StageFailed || s == StageCancelled
}

// Validate checks if the stage state is valid.
func (s StageState) Validate() error {
	switch s {
	case StageIdle, StageReady, StageRunning, StageCompleted,
		StageBlocked, StageFailed, StageCancelled:
		return nil
	default:
		return fmt.Errorf("invalid stage state: %s", s)
	}
}
