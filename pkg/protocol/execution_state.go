package protocol

// The lifecycle state of a task execution attempt.
type ExecutionState int32

const (
	ExecutionState_CREATED ExecutionState = iota
	ExecutionState_DEPLOYING
	ExecutionState_RUNNING
	ExecutionState_FINISHED
	ExecutionState_CANCELING
	ExecutionState_CANCELED
	ExecutionState_FAILED
)

var executionStateNames = map[ExecutionState]string{
	ExecutionState_CREATED:   "CREATED",
	ExecutionState_DEPLOYING: "DEPLOYING",
	ExecutionState_RUNNING:   "RUNNING",
	ExecutionState_FINISHED:  "FINISHED",
	ExecutionState_CANCELING: "CANCELING",
	ExecutionState_CANCELED:  "CANCELED",
	ExecutionState_FAILED:    "FAILED",
}

func (state ExecutionState) String() string {
	if name, ok := executionStateNames[state]; ok {
		return name
	}
	return "UNKNOWN"
}

// Should return true if the execution attempt can never leave this state.
func (state ExecutionState) IsTerminal() bool {
	switch state {
	case ExecutionState_FINISHED, ExecutionState_CANCELED, ExecutionState_FAILED:
		return true
	default:
		return false
	}
}

// Should return true if the task is failed, canceled or about to be canceled.
func (state ExecutionState) IsCanceledOrFailed() bool {
	switch state {
	case ExecutionState_CANCELING, ExecutionState_CANCELED, ExecutionState_FAILED:
		return true
	default:
		return false
	}
}
