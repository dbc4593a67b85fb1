package taskexec

import (
	"github.com/eddyengine/eddy/pkg/protocol"
	"github.com/eddyengine/eddy/pkg/safetynet"
	"github.com/eddyengine/eddy/pkg/utils"
	"github.com/spf13/afero"
)

// Environment bundles everything an operator may touch while it runs.
// It is assembled by the execution driver once all resources have been
// acquired, and handed to the operator factory.
type Environment struct {
	JobID        protocol.JobID
	JobVertexID  protocol.JobVertexID
	ExecutionID  protocol.ExecutionID
	AllocationID protocol.AllocationID
	TaskInfo     protocol.TaskInfo

	ExecutionConfig *ExecutionConfig

	// The operator resolver of the job. Any dynamic factory lookup the
	// operator performs must go through it.
	Resolver *Resolver

	MemoryManager       MemoryManager
	TaskStateManager    TaskStateManager
	CheckpointResponder CheckpointResponder

	Writers []PartitionWriter
	Gates   []InputGate

	// Local paths of distributed cache entries, resolved as the
	// background copies finish.
	DistributedCache map[string]*utils.Future[string]

	Metrics *TaskMetricGroup

	// Filesystem guarded by the task's safety net; files opened
	// through it are closed when the attempt ends.
	Fs afero.Fs

	// The registry behind Fs, for callbacks that guard resources of
	// their own.
	SafetyNet *safetynet.Registry

	interrupts <-chan struct{}
}

// Interrupts delivers cancellation interrupt signals. A cooperative
// operator selects on it inside blocking loops.
func (e *Environment) Interrupts() <-chan struct{} {
	return e.interrupts
}
