package schema

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "PENDING"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
)

// StepRunStatus is the lifecycle state of a single step execution record.
type StepRunStatus string

const (
	StepRunStatusPending   StepRunStatus = "PENDING"
	StepRunStatusRunning   StepRunStatus = "RUNNING"
	StepRunStatusRetrying  StepRunStatus = "RETRYING"
	StepRunStatusCompleted StepRunStatus = "COMPLETED"
	StepRunStatusFailed    StepRunStatus = "FAILED"
)

// ValidRunTransitions defines the allowed state transitions for runs.
// Transitions are monotonic; COMPLETED and FAILED are terminal.
var ValidRunTransitions = map[RunStatus][]RunStatus{
	RunStatusPending:   {RunStatusRunning, RunStatusCompleted, RunStatusFailed},
	RunStatusRunning:   {RunStatusCompleted, RunStatusFailed},
	RunStatusCompleted: {},
	RunStatusFailed:    {},
}

// ValidStepRunTransitions defines the allowed state transitions for step runs.
// RETRYING -> RUNNING covers queue redelivery after an intermediate failure.
var ValidStepRunTransitions = map[StepRunStatus][]StepRunStatus{
	StepRunStatusPending:   {StepRunStatusRunning, StepRunStatusRetrying, StepRunStatusCompleted, StepRunStatusFailed},
	StepRunStatusRunning:   {StepRunStatusRetrying, StepRunStatusCompleted, StepRunStatusFailed},
	StepRunStatusRetrying:  {StepRunStatusRunning, StepRunStatusCompleted, StepRunStatusFailed},
	StepRunStatusCompleted: {},
	StepRunStatusFailed:    {},
}

// CanTransitionRun reports whether from -> to is a legal run transition.
func CanTransitionRun(from, to RunStatus) bool {
	for _, a := range ValidRunTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// CanTransitionStepRun reports whether from -> to is a legal step-run transition.
func CanTransitionStepRun(from, to StepRunStatus) bool {
	for _, a := range ValidStepRunTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// IsTerminalRun reports whether the run status admits no further transitions.
func IsTerminalRun(s RunStatus) bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// IsTerminalStepRun reports whether the step-run status admits no further transitions.
func IsTerminalStepRun(s StepRunStatus) bool {
	return s == StepRunStatusCompleted || s == StepRunStatusFailed
}
