package taskexec

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eddyengine/eddy/pkg/log"
	"github.com/eddyengine/eddy/pkg/protocol"
	"github.com/eddyengine/eddy/pkg/safetynet"
	"github.com/eddyengine/eddy/pkg/utils"
	"github.com/spf13/afero"
)

// Deployment describes one execution attempt of a subtask. It carries
// no live resources; everything here survives a failed deployment
// without cleanup.
type Deployment struct {
	JobID        protocol.JobID
	JobVertexID  protocol.JobVertexID
	ExecutionID  protocol.ExecutionID
	AllocationID protocol.AllocationID

	TaskName         string
	NumberOfSubtasks int
	SubtaskIndex     int
	AttemptNumber    int

	// Key of the operator factory to resolve through the library cache.
	OperatorFactory string

	// Artifacts the job requires from the BLOB service.
	Artifacts []string

	// Job execution configuration, decoded during bootstrap.
	SerializedExecutionConfig []byte

	ResultPartitions []protocol.ResultPartitionDescriptor
	InputGates       []protocol.InputGateDescriptor

	// Distributed cache entries to stage before the operator runs.
	CacheEntries map[string]protocol.CacheEntry
}

// Services are the collaborator endpoints a task container consumes.
type Services struct {
	MemoryManager       MemoryManager
	LibraryCache        LibraryCache
	BlobService         PermanentBlobService
	FileCache           FileCache
	Network             NetworkEnvironment
	EventDispatcher     TaskEventDispatcher
	StateChecker        PartitionStateChecker
	TaskStateManager    TaskStateManager
	CheckpointResponder CheckpointResponder
	NodeActions         NodeActions

	// Executor for future callbacks, so they never run on network
	// goroutines.
	Executor utils.Executor

	// Base filesystem guarded by the task's safety net. Defaults to
	// the OS filesystem.
	Fs afero.Fs

	// Replaces process termination on fatal errors. Tests only.
	Halter func(code int)
}

type invokableHolder struct {
	invokable Invokable
}

// Task is the container hosting one execution attempt of an operator.
// It acquires the operator's resources, runs it on a dedicated
// goroutine, exposes lifecycle control and checkpoint notifications
// while it runs, and releases every resource exactly once.
type Task struct {
	jobID        protocol.JobID
	vertexID     protocol.JobVertexID
	executionID  protocol.ExecutionID
	allocationID protocol.AllocationID
	taskInfo     protocol.TaskInfo

	taskNameWithSubtask string

	operatorFactory           string
	artifacts                 []string
	serializedExecutionConfig []byte
	cacheEntries              map[string]protocol.CacheEntry

	memoryManager       MemoryManager
	libraryCache        LibraryCache
	blobService         PermanentBlobService
	fileCache           FileCache
	eventDispatcher     TaskEventDispatcher
	stateChecker        PartitionStateChecker
	taskStateManager    TaskStateManager
	checkpointResponder CheckpointResponder
	nodeActions         NodeActions
	executor            utils.Executor
	fs                  afero.Fs
	halter              func(code int)

	writers []PartitionWriter
	gates   []InputGate

	metrics *TaskMetricGroup

	haltOnOutOfMemory    bool
	cancellationInterval atomic.Int64
	cancellationTimeout  atomic.Int64

	state stateCell

	// Guarded reference to the running operator. Readers copy to a
	// local and null-check before use.
	invokable atomic.Pointer[invokableHolder]

	// Latch ensuring the operator's cancel hook runs at most once.
	invokableCanceled atomic.Bool

	dispatcherMu sync.Mutex
	dispatcher   *asyncCallDispatcher

	// Written by the driver during bootstrap. The resolver is read by
	// checkpoint ingress only after the RUNNING transition has been
	// observed; the safety net reaches the operator through its
	// Environment.
	resolver  *Resolver
	safetyNet *safetynet.Registry

	ledger resourceLedger

	interrupts chan struct{}
	terminated chan struct{}
	started    atomic.Bool
}

// NewTask assembles a container. No work is started; resources needing
// cleanup are only acquired once the dedicated goroutine runs.
func NewTask(deployment *Deployment, services *Services, options *Options) (*Task, error) {
	if deployment == nil || services == nil {
		return nil, utils.ErrBadRequest
	}
	if deployment.SubtaskIndex < 0 {
		return nil, fmt.Errorf("the subtask index must not be negative")
	}
	if deployment.AttemptNumber < 0 {
		return nil, fmt.Errorf("the attempt number must not be negative")
	}
	if deployment.OperatorFactory == "" {
		return nil, fmt.Errorf("the deployment names no operator factory")
	}
	for _, service := range []interface{}{
		services.MemoryManager, services.LibraryCache, services.BlobService,
		services.FileCache, services.Network, services.EventDispatcher,
		services.StateChecker, services.TaskStateManager,
		services.CheckpointResponder, services.NodeActions, services.Executor,
	} {
		if service == nil {
			return nil, fmt.Errorf("task services are incomplete")
		}
	}
	if options == nil {
		options = DefaultOptions()
	}
	if err := options.Validate(); err != nil {
		return nil, err
	}

	taskNameWithSubtask := fmt.Sprintf("%s (%d/%d)",
		deployment.TaskName, deployment.SubtaskIndex+1, deployment.NumberOfSubtasks)

	task := &Task{
		jobID:        deployment.JobID,
		vertexID:     deployment.JobVertexID,
		executionID:  deployment.ExecutionID,
		allocationID: deployment.AllocationID,
		taskInfo: protocol.TaskInfo{
			TaskName:         deployment.TaskName,
			NumberOfSubtasks: deployment.NumberOfSubtasks,
			SubtaskIndex:     deployment.SubtaskIndex,
			AttemptNumber:    deployment.AttemptNumber,
		},
		taskNameWithSubtask:       taskNameWithSubtask,
		operatorFactory:           deployment.OperatorFactory,
		artifacts:                 deployment.Artifacts,
		serializedExecutionConfig: deployment.SerializedExecutionConfig,
		cacheEntries:              deployment.CacheEntries,
		memoryManager:             services.MemoryManager,
		libraryCache:              services.LibraryCache,
		blobService:               services.BlobService,
		fileCache:                 services.FileCache,
		eventDispatcher:           services.EventDispatcher,
		stateChecker:              services.StateChecker,
		taskStateManager:          services.TaskStateManager,
		checkpointResponder:       services.CheckpointResponder,
		nodeActions:               services.NodeActions,
		executor:                  services.Executor,
		fs:                        services.Fs,
		halter:                    services.Halter,
		metrics:                   NewTaskMetricGroup(taskNameWithSubtask),
		haltOnOutOfMemory:         options.HaltOnOutOfMemory,
		interrupts:                make(chan struct{}, 1),
		terminated:                make(chan struct{}),
	}

	task.state.name = taskNameWithSubtask
	task.cancellationInterval.Store(int64(options.CancellationInterval))
	task.cancellationTimeout.Store(int64(options.CancellationTimeout))

	if task.fs == nil {
		task.fs = afero.NewOsFs()
	}
	if task.halter == nil {
		task.halter = func(code int) { os.Exit(code) }
	}

	task.writers = services.Network.CreatePartitionWriters(
		taskNameWithSubtask, task.jobID, task.executionID, deployment.ResultPartitions)
	task.gates = services.Network.CreateInputGates(
		taskNameWithSubtask, task.executionID, task, deployment.InputGates)

	return task, nil
}

// ------------------------------------------------------------------------
// Accessors
// ------------------------------------------------------------------------

func (t *Task) JobID() protocol.JobID {
	return t.jobID
}

func (t *Task) JobVertexID() protocol.JobVertexID {
	return t.vertexID
}

func (t *Task) ExecutionID() protocol.ExecutionID {
	return t.executionID
}

func (t *Task) AllocationID() protocol.AllocationID {
	return t.allocationID
}

func (t *Task) TaskInfo() protocol.TaskInfo {
	return t.taskInfo
}

func (t *Task) Name() string {
	return t.taskNameWithSubtask
}

func (t *Task) MetricGroup() *TaskMetricGroup {
	return t.metrics
}

// ExecutionState returns the current lifecycle state.
func (t *Task) ExecutionState() protocol.ExecutionState {
	return t.state.Load()
}

// FailureCause returns the error that failed the task, or nil.
func (t *Task) FailureCause() error {
	return t.state.Cause()
}

// IsCanceledOrFailed reports whether the task is failed, canceled, or
// being canceled.
func (t *Task) IsCanceledOrFailed() bool {
	return t.state.Load().IsCanceledOrFailed()
}

// Terminated is closed when the dedicated goroutine has ended and all
// resources are released.
func (t *Task) Terminated() <-chan struct{} {
	return t.terminated
}

func (t *Task) CancellationInterval() time.Duration {
	return time.Duration(t.cancellationInterval.Load())
}

func (t *Task) CancellationTimeout() time.Duration {
	return time.Duration(t.cancellationTimeout.Load())
}

func (t *Task) String() string {
	return fmt.Sprintf("%s (%s) [%v]", t.taskNameWithSubtask, t.executionID, t.state.Load())
}

func (t *Task) invokableRef() Invokable {
	if holder := t.invokable.Load(); holder != nil {
		return holder.invokable
	}
	return nil
}

// ------------------------------------------------------------------------
// Lifecycle control
// ------------------------------------------------------------------------

// Start spawns the dedicated task goroutine. Call once.
func (t *Task) Start() error {
	if !t.started.CompareAndSwap(false, true) {
		return utils.ErrInvalidState
	}
	go t.run()
	return nil
}

// Cancel requests cancellation of the task. If the task is already in
// a terminal state or canceling, this does nothing. Never blocks.
func (t *Task) Cancel() {
	log.Infof("Attempting to cancel task %s (%s).", t.taskNameWithSubtask, t.executionID)
	t.cancelOrFail(protocol.ExecutionState_CANCELING, nil)
}

// FailExternally fails the task for a reason other than the operator
// itself erroring. Never blocks.
func (t *Task) FailExternally(cause error) {
	log.Infof("Attempting to fail task externally %s (%s).", t.taskNameWithSubtask, t.executionID)
	t.cancelOrFail(protocol.ExecutionState_FAILED, cause)
}

func (t *Task) cancelOrFail(target protocol.ExecutionState, cause error) {
	for {
		current := t.state.Load()

		if current.IsTerminal() || current == protocol.ExecutionState_CANCELING {
			log.Infof("Task %s is already in state %v", t.taskNameWithSubtask, current)
			return
		}

		switch current {
		case protocol.ExecutionState_CREATED, protocol.ExecutionState_DEPLOYING:
			// The operator has not been called yet. The driver observes
			// the drift at its next bootstrap checkpoint.
			if t.state.TryTransition(current, target, cause) {
				return
			}

		case protocol.ExecutionState_RUNNING:
			if t.state.TryTransition(current, target, cause) {
				// Copy the reference against a concurrent clear.
				invokable := t.invokableRef()
				if invokable != nil && t.invokableCanceled.CompareAndSwap(false, true) {
					log.Infof("Triggering cancellation of task code %s (%s).", t.taskNameWithSubtask, t.executionID)
					t.startCancellation(invokable)
				}
				return
			}

		default:
			log.Errorf("Unexpected state: %v of task %s (%s).", current, t.taskNameWithSubtask, t.executionID)
			return
		}
	}
}

func (t *Task) notifyFinalState() {
	state := t.state.Load()
	if !state.IsTerminal() {
		log.Errorf("Task %s publishing non-terminal state %v", t.taskNameWithSubtask, state)
	}
	t.nodeActions.UpdateTaskExecutionState(&protocol.TaskExecutionState{
		JobID:       t.jobID,
		ExecutionID: t.executionID,
		State:       state,
		Cause:       t.state.Cause(),
	})
}

// ------------------------------------------------------------------------
// Partition state listeners
// ------------------------------------------------------------------------

// ProducerStateResponse exposes the outcome of a producer state query
// together with handles to abort the consuming task.
type ProducerStateResponse interface {
	ConsumerExecutionState() protocol.ExecutionState
	ProducerExecutionState() (protocol.ExecutionState, error)
	CancelConsumption()
	FailConsumption(cause error)
}

type producerStateResponse struct {
	task          *Task
	producerState protocol.ExecutionState
	err           error
}

func (r *producerStateResponse) ConsumerExecutionState() protocol.ExecutionState {
	return r.task.ExecutionState()
}

func (r *producerStateResponse) ProducerExecutionState() (protocol.ExecutionState, error) {
	return r.producerState, r.err
}

func (r *producerStateResponse) CancelConsumption() {
	r.task.Cancel()
}

func (r *producerStateResponse) FailConsumption(cause error) {
	r.task.FailExternally(cause)
}

// RequestPartitionProducerState asks the master for the state of an
// upstream producer. The handle is constructed on the container's
// executor so that downstream callbacks do not run on the network
// goroutine.
func (t *Task) RequestPartitionProducerState(
	dataset protocol.IntermediateDatasetID,
	partition protocol.ResultPartitionID,
) *utils.Future[ProducerStateResponse] {

	stateFuture := t.stateChecker.RequestPartitionProducerState(t.jobID, dataset, partition)
	result := utils.NewFuture[ProducerStateResponse]()

	go func() {
		<-stateFuture.Done()
		t.executor.Execute(func() {
			producerState, err, _ := stateFuture.TryGet()
			result.Complete(&producerStateResponse{
				task:          t,
				producerState: producerState,
				err:           err,
			}, nil)
		})
	}()

	return result
}

// ------------------------------------------------------------------------
// Notifications on the operator
// ------------------------------------------------------------------------

// TriggerCheckpointBarrier asks the operator to perform a checkpoint.
// Never blocks on user code.
func (t *Task) TriggerCheckpointBarrier(
	checkpointID int64,
	timestamp int64,
	options protocol.CheckpointOptions,
	advanceToEndOfEventTime bool,
) {
	invokable := t.invokableRef()
	meta := protocol.CheckpointMetaData{CheckpointID: checkpointID, Timestamp: timestamp}

	if t.state.Load() != protocol.ExecutionState_RUNNING || invokable == nil {
		log.Debugf("Declining checkpoint request for non-running task %s (%s).", t.taskNameWithSubtask, t.executionID)
		t.checkpointResponder.DeclineCheckpoint(t.jobID, t.executionID, checkpointID,
			&CheckpointDeclinedTaskNotReadyError{TaskName: t.taskNameWithSubtask})
		return
	}

	taskName := t.taskNameWithSubtask

	call := func(resolver *Resolver) {
		success, err := invokable.TriggerCheckpoint(meta, options, advanceToEndOfEventTime)
		if err != nil {
			if t.state.Load() == protocol.ExecutionState_RUNNING {
				t.FailExternally(fmt.Errorf("error while triggering checkpoint %d for %s: %w", checkpointID, taskName, err))
			} else {
				log.Debugf("Encountered error while triggering checkpoint %d for %s (%s) while being not in state running: %v",
					checkpointID, taskName, t.executionID, err)
			}
			return
		}
		if !success {
			t.checkpointResponder.DeclineCheckpoint(t.jobID, t.executionID, checkpointID,
				&CheckpointDeclinedTaskNotReadyError{TaskName: taskName})
		}
	}

	t.submitAsyncCall(
		fmt.Sprintf("checkpoint trigger for %s (%s)", t.taskNameWithSubtask, t.executionID),
		options.CheckpointType.IsSynchronous(),
		call)
}

// NotifyCheckpointComplete informs the operator that a checkpoint has
// been committed. Never blocks on user code.
func (t *Task) NotifyCheckpointComplete(checkpointID int64) {
	invokable := t.invokableRef()

	if t.state.Load() != protocol.ExecutionState_RUNNING || invokable == nil {
		log.Debugf("Ignoring checkpoint commit notification for non-running task %s.", t.taskNameWithSubtask)
		return
	}

	call := func(resolver *Resolver) {
		err := invokable.NotifyCheckpointComplete(checkpointID)
		if err == nil {
			err = t.taskStateManager.NotifyCheckpointComplete(checkpointID)
		}
		if err != nil && t.state.Load() == protocol.ExecutionState_RUNNING {
			t.FailExternally(fmt.Errorf("error while confirming checkpoint %d: %w", checkpointID, err))
		}
	}

	t.submitAsyncCall(
		fmt.Sprintf("checkpoint confirmation for %s", t.taskNameWithSubtask),
		false,
		call)
}

// submitAsyncCall hands a unit of work to the async dispatcher,
// creating the dispatcher on first use. Submissions rejected while the
// task is no longer RUNNING are silently dropped.
func (t *Task) submitAsyncCall(name string, blocking bool, call func(resolver *Resolver)) {
	t.dispatcherMu.Lock()
	defer t.dispatcherMu.Unlock()

	if t.state.Load() != protocol.ExecutionState_RUNNING {
		return
	}

	if t.dispatcher == nil {
		t.dispatcher = newAsyncCallDispatcher(t.taskNameWithSubtask, t.resolver)

		// The task may have been canceled while the dispatcher was
		// created; undo and drop the call.
		if t.state.Load() != protocol.ExecutionState_RUNNING {
			t.dispatcher.Shutdown()
			t.dispatcher = nil
			return
		}
	}

	log.Debugf("Invoking async call %s on task %s", name, t.taskNameWithSubtask)

	if err := t.dispatcher.Submit(name, blocking, call); err != nil {
		if t.state.Load() == protocol.ExecutionState_RUNNING {
			log.Errorf("Async call %s was rejected, even though task %s is running: %v", name, t.taskNameWithSubtask, err)
		}
	}
}

func (t *Task) shutdownDispatcher() {
	t.dispatcherMu.Lock()
	defer t.dispatcherMu.Unlock()

	if t.dispatcher != nil {
		t.dispatcher.Shutdown()
	}
}
