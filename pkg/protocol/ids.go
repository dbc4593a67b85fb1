package protocol

import (
	"github.com/google/uuid"
)

// Identifier of a job.
type JobID string

// Identifier of a vertex in the job graph.
type JobVertexID string

// Identifier of one execution attempt of a subtask.
type ExecutionID string

// Identifier of the slot allocation hosting the attempt.
type AllocationID string

// Identifier of an intermediate dataset produced by a vertex.
type IntermediateDatasetID string

// Identifier of one produced result partition.
type ResultPartitionID string

func NewJobID() JobID {
	return JobID(uuid.NewString())
}

func NewJobVertexID() JobVertexID {
	return JobVertexID(uuid.NewString())
}

func NewExecutionID() ExecutionID {
	return ExecutionID(uuid.NewString())
}

func NewAllocationID() AllocationID {
	return AllocationID(uuid.NewString())
}

func NewResultPartitionID() ResultPartitionID {
	return ResultPartitionID(uuid.NewString())
}
