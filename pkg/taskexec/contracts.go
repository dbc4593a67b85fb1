package taskexec

import (
	"github.com/eddyengine/eddy/pkg/protocol"
	"github.com/eddyengine/eddy/pkg/utils"
)

// Connection to the worker node hosting the task.
type NodeActions interface {
	// Publish a task state change. Called with RUNNING when the task
	// starts executing, and exactly once with the terminal state when
	// the task has ended.
	UpdateTaskExecutionState(state *protocol.TaskExecutionState)

	// Report an unrecoverable condition. The worker node is expected
	// to terminate the process.
	NotifyFatalError(message string, cause error)
}

// Connection to the checkpoint coordinator.
type CheckpointResponder interface {
	// Report that the task did not perform the requested checkpoint.
	DeclineCheckpoint(job protocol.JobID, execution protocol.ExecutionID, checkpointID int64, reason error)
}

// Pool of managed memory. Allocations are tagged by an owner so that
// everything held on behalf of an operator can be released at once.
type MemoryManager interface {
	ReleaseAll(owner interface{}) error
}

// Cache of operator code artifacts shared between tasks of a job.
type LibraryCache interface {
	// Register an execution attempt with the cache. May download
	// missing artifacts and therefore block.
	RegisterTask(job protocol.JobID, execution protocol.ExecutionID, artifacts []string) error

	// Returns the operator resolver for a registered job.
	Resolver(job protocol.JobID) (*Resolver, error)

	// Unregister an execution attempt. The job's artifacts may be
	// evicted once the last attempt is gone.
	UnregisterTask(job protocol.JobID, execution protocol.ExecutionID)
}

// Store of permanent job artifacts.
type PermanentBlobService interface {
	RegisterJob(job protocol.JobID) error
	ReleaseJob(job protocol.JobID)
}

// Cache of user-defined files staged to the local filesystem.
type FileCache interface {
	// Start a background copy of the entry. The returned future
	// resolves to the local path of the staged file.
	CreateTmpFile(name string, entry protocol.CacheEntry, job protocol.JobID, execution protocol.ExecutionID) *utils.Future[string]

	// Remove all files staged for the execution attempt.
	ReleaseJob(job protocol.JobID, execution protocol.ExecutionID)
}

// Outbound data stream of the task toward downstream consumers.
// Close must tolerate being called more than once; the canceler closes
// network resources early to unblock auxiliary goroutines, and the
// cleanup pass closes them again.
type PartitionWriter interface {
	ID() protocol.ResultPartitionID
	Setup() error
	Finish() error
	Fail(cause error)
	Close() error
}

// Inbound data stream from upstream producers. Close must tolerate
// being called more than once.
type InputGate interface {
	ConsumedDatasetID() protocol.IntermediateDatasetID
	Setup() error
	Close() error
}

// Factory for the network endpoints of a task.
type NetworkEnvironment interface {
	CreatePartitionWriters(taskName string, job protocol.JobID, execution protocol.ExecutionID, descriptors []protocol.ResultPartitionDescriptor) []PartitionWriter
	CreateInputGates(taskName string, execution protocol.ExecutionID, provider PartitionProducerStateProvider, descriptors []protocol.InputGateDescriptor) []InputGate
}

// Registry of partitions that may receive task events.
type TaskEventDispatcher interface {
	RegisterPartition(partition protocol.ResultPartitionID)
	UnregisterPartition(partition protocol.ResultPartitionID)
}

// Asks the master for the state of a partition producer.
type PartitionStateChecker interface {
	RequestPartitionProducerState(job protocol.JobID, dataset protocol.IntermediateDatasetID, partition protocol.ResultPartitionID) *utils.Future[protocol.ExecutionState]
}

// Manages the snapshot state of operators running in the task.
type TaskStateManager interface {
	NotifyCheckpointComplete(checkpointID int64) error
}

// Implemented by the task container; input gates use it to verify the
// state of an upstream producer whose partition could not be found.
type PartitionProducerStateProvider interface {
	RequestPartitionProducerState(dataset protocol.IntermediateDatasetID, partition protocol.ResultPartitionID) *utils.Future[ProducerStateResponse]
}
