package main

import (
	"sync"

	"github.com/eddyengine/eddy/pkg/log"
	"github.com/eddyengine/eddy/pkg/protocol"
	"github.com/eddyengine/eddy/pkg/taskexec"
	"github.com/eddyengine/eddy/pkg/utils"
)

// Loopback collaborators for a single-process host. Partitions and
// gates terminate locally; there is no shuffle between processes.

type loopbackWriter struct {
	id protocol.ResultPartitionID

	mu     sync.Mutex
	closed bool
}

func (w *loopbackWriter) ID() protocol.ResultPartitionID {
	return w.id
}

func (w *loopbackWriter) Setup() error {
	return nil
}

func (w *loopbackWriter) Finish() error {
	log.Debugf("partition finished - id: %s", w.id)
	return nil
}

func (w *loopbackWriter) Fail(cause error) {
	log.Debugf("partition failed - id: %s, cause: %v", w.id, cause)
}

func (w *loopbackWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

type loopbackGate struct {
	dataset protocol.IntermediateDatasetID
}

func (g *loopbackGate) ConsumedDatasetID() protocol.IntermediateDatasetID {
	return g.dataset
}

func (g *loopbackGate) Setup() error {
	return nil
}

func (g *loopbackGate) Close() error {
	return nil
}

type loopbackNetwork struct{}

func (n *loopbackNetwork) CreatePartitionWriters(taskName string, job protocol.JobID, execution protocol.ExecutionID, descriptors []protocol.ResultPartitionDescriptor) []taskexec.PartitionWriter {
	writers := make([]taskexec.PartitionWriter, 0, len(descriptors))
	for _, descriptor := range descriptors {
		writers = append(writers, &loopbackWriter{id: descriptor.PartitionID})
	}
	return writers
}

func (n *loopbackNetwork) CreateInputGates(taskName string, execution protocol.ExecutionID, provider taskexec.PartitionProducerStateProvider, descriptors []protocol.InputGateDescriptor) []taskexec.InputGate {
	gates := make([]taskexec.InputGate, 0, len(descriptors))
	for _, descriptor := range descriptors {
		gates = append(gates, &loopbackGate{dataset: descriptor.ConsumedDatasetID})
	}
	return gates
}

type localEventDispatcher struct {
	mu         sync.Mutex
	partitions map[protocol.ResultPartitionID]bool
}

func newLocalEventDispatcher() *localEventDispatcher {
	return &localEventDispatcher{
		partitions: map[protocol.ResultPartitionID]bool{},
	}
}

func (d *localEventDispatcher) RegisterPartition(partition protocol.ResultPartitionID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.partitions[partition] = true
}

func (d *localEventDispatcher) UnregisterPartition(partition protocol.ResultPartitionID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.partitions, partition)
}

type noopMemoryManager struct{}

func (m *noopMemoryManager) ReleaseAll(owner interface{}) error {
	return nil
}

type localStateChecker struct{}

func (c *localStateChecker) RequestPartitionProducerState(job protocol.JobID, dataset protocol.IntermediateDatasetID, partition protocol.ResultPartitionID) *utils.Future[protocol.ExecutionState] {
	// Every producer in this process is this host itself.
	return utils.CompletedFuture(protocol.ExecutionState_RUNNING)
}

type localTaskStateManager struct{}

func (m *localTaskStateManager) NotifyCheckpointComplete(checkpointID int64) error {
	log.Debugf("checkpoint state committed - id: %d", checkpointID)
	return nil
}

type localCheckpointResponder struct{}

func (r *localCheckpointResponder) DeclineCheckpoint(job protocol.JobID, execution protocol.ExecutionID, checkpointID int64, reason error) {
	log.Infof("checkpoint declined - id: %d, execution: %s, reason: %v", checkpointID, execution, reason)
}

// hostActions records every published task state and logs everything
// the worker node would act on. The HTTP endpoint reads task state
// from the tasks themselves, not from this record.
type hostActions struct {
	mu      sync.Mutex
	updates []*protocol.TaskExecutionState
}

func (a *hostActions) UpdateTaskExecutionState(state *protocol.TaskExecutionState) {
	a.mu.Lock()
	a.updates = append(a.updates, state)
	a.mu.Unlock()

	if state.Cause != nil {
		log.Infof("task state - execution: %s, state: %v, cause: %v", state.ExecutionID, state.State, state.Cause)
	} else {
		log.Infof("task state - execution: %s, state: %v", state.ExecutionID, state.State)
	}
}

func (a *hostActions) NotifyFatalError(message string, cause error) {
	log.Fatalf("fatal error reported by task: %s: %v", message, cause)
}

func (a *hostActions) Updates() []*protocol.TaskExecutionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*protocol.TaskExecutionState{}, a.updates...)
}
