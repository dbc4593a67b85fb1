package taskexec

import (
	"errors"
	"fmt"
	"time"

	"github.com/eddyengine/eddy/pkg/log"
	"github.com/eddyengine/eddy/pkg/protocol"
	"github.com/eddyengine/eddy/pkg/safetynet"
	"github.com/eddyengine/eddy/pkg/utils"
)

// Ledger entry names, in the order cleanup releases them.
const (
	resourceProducedPartitions = "produced-partitions"
	resourceInputGates         = "input-gates"
	resourceOperatorMemory     = "operator-memory"
	resourceLibraryCache       = "library-registration"
	resourceFileCache          = "file-cache"
	resourceBlobService        = "blob-registration"
	resourceSafetyNet          = "filesystem-safety-net"
)

var cleanupOrder = []string{
	resourceProducedPartitions,
	resourceInputGates,
	resourceOperatorMemory,
	resourceLibraryCache,
	resourceFileCache,
	resourceBlobService,
	resourceSafetyNet,
}

// run is the body of the dedicated task goroutine. It bootstraps the
// task, executes the operator, and funnels every exit through a single
// cleanup path.
func (t *Task) run() {
	defer close(t.terminated)

	// ----------------------------
	//  Initial state transition
	// ----------------------------
handshake:
	for {
		switch current := t.state.Load(); current {
		case protocol.ExecutionState_CREATED:
			if t.state.TryTransition(current, protocol.ExecutionState_DEPLOYING, nil) {
				break handshake
			}

		case protocol.ExecutionState_FAILED:
			// Failed externally before the goroutine started.
			t.notifyFinalState()
			t.metrics.Close()
			return

		case protocol.ExecutionState_CANCELING:
			if t.state.TryTransition(current, protocol.ExecutionState_CANCELED, nil) {
				// Canceled before any resource was acquired. The metric
				// group still has to go.
				t.notifyFinalState()
				t.metrics.Close()
				return
			}

		default:
			log.Errorf("Invalid state for beginning of operation of task %s.", t)
			t.state.TryTransition(current, protocol.ExecutionState_FAILED,
				fmt.Errorf("invalid state %v for beginning of task operation", current))
			t.metrics.Close()
			return
		}
	}

	if err := t.bootstrapAndInvoke(); err != nil {
		t.onExecutionFailure(err)
	}
	t.cleanup()
}

// bootstrapAndInvoke acquires all resources, runs the operator, and
// finalizes a successful execution. Every error funnels back to the
// caller; every successful acquisition is recorded in the ledger.
func (t *Task) bootstrapAndInvoke() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicToError(r)
		}
	}()

	// ----------------------------
	//  Task bootstrap. We periodically check for canceling as a
	//  shortcut.
	// ----------------------------

	log.Infof("Creating filesystem safety net for task %s", t)
	registry := safetynet.NewRegistry()
	t.safetyNet = registry
	t.ledger.Acquire(resourceSafetyNet, func() error {
		registry.Close()
		return nil
	})

	if err := t.blobService.RegisterJob(t.jobID); err != nil {
		return err
	}
	t.ledger.Acquire(resourceBlobService, func() error {
		t.blobService.ReleaseJob(t.jobID)
		return nil
	})

	// Resolve the operator code. This may download artifacts.
	log.Infof("Loading operator artifacts for task %s.", t)
	resolver, err := t.createResolver()
	if err != nil {
		return err
	}
	t.resolver = resolver
	t.ledger.Acquire(resourceLibraryCache, func() error {
		t.libraryCache.UnregisterTask(t.jobID, t.executionID)
		return nil
	})

	executionConfig, err := decodeExecutionConfig(t.serializedExecutionConfig)
	if err != nil {
		return err
	}
	if executionConfig.CancellationIntervalMillis >= 0 {
		t.cancellationInterval.Store(int64(time.Duration(executionConfig.CancellationIntervalMillis) * time.Millisecond))
	}
	if executionConfig.CancellationTimeoutMillis >= 0 {
		t.cancellationTimeout.Store(int64(time.Duration(executionConfig.CancellationTimeoutMillis) * time.Millisecond))
	}

	if t.IsCanceledOrFailed() {
		return ErrCancelTask
	}

	// ----------------------------------------------------------------
	// Register the task with the network stack. The registration must
	// strictly be undone.
	// ----------------------------------------------------------------

	log.Infof("Registering task at network: %s.", t)

	if err := t.setupPartitionsAndGates(); err != nil {
		return err
	}

	for _, writer := range t.writers {
		t.eventDispatcher.RegisterPartition(writer.ID())
	}
	t.ledger.Acquire(resourceProducedPartitions, func() error {
		t.releaseProducedPartitions()
		return nil
	})
	t.ledger.Acquire(resourceInputGates, func() error {
		t.closeInputGates()
		return nil
	})

	// Kick off the background copying of files for the distributed
	// cache.
	distributedCache := map[string]*utils.Future[string]{}
	for name, entry := range t.cacheEntries {
		log.Infof("Obtaining local cache file for '%s'.", name)
		distributedCache[name] = t.fileCache.CreateTmpFile(name, entry, t.jobID, t.executionID)
	}
	t.ledger.Acquire(resourceFileCache, func() error {
		t.fileCache.ReleaseJob(t.jobID, t.executionID)
		return nil
	})

	if t.IsCanceledOrFailed() {
		return ErrCancelTask
	}

	// ----------------------------------------------------------------
	//  Operator instantiation
	// ----------------------------------------------------------------

	env := &Environment{
		JobID:               t.jobID,
		JobVertexID:         t.vertexID,
		ExecutionID:         t.executionID,
		AllocationID:        t.allocationID,
		TaskInfo:            t.taskInfo,
		ExecutionConfig:     executionConfig,
		Resolver:            resolver,
		MemoryManager:       t.memoryManager,
		TaskStateManager:    t.taskStateManager,
		CheckpointResponder: t.checkpointResponder,
		Writers:             t.writers,
		Gates:               t.gates,
		DistributedCache:    distributedCache,
		Metrics:             t.metrics,
		Fs:                  safetynet.NewFs(t.fs, registry),
		SafetyNet:           registry,
		interrupts:          t.interrupts,
	}

	invokable, err := resolver.New(t.operatorFactory, env)
	if err != nil {
		return err
	}
	t.ledger.Acquire(resourceOperatorMemory, func() error {
		return t.memoryManager.ReleaseAll(invokable)
	})

	// The operator must be visible to Cancel() by the time the state
	// switches to RUNNING.
	t.invokable.Store(&invokableHolder{invokable: invokable})

	if !t.state.TryTransition(protocol.ExecutionState_DEPLOYING, protocol.ExecutionState_RUNNING, nil) {
		return ErrCancelTask
	}

	t.nodeActions.UpdateTaskExecutionState(&protocol.TaskExecutionState{
		JobID:       t.jobID,
		ExecutionID: t.executionID,
		State:       protocol.ExecutionState_RUNNING,
	})

	// ----------------------------------------------------------------
	//  Actual task core work
	// ----------------------------------------------------------------

	if err := invokable.Invoke(); err != nil {
		return err
	}

	// Make sure we take the exceptional exit if the operator left
	// Invoke because it was canceled.
	if t.IsCanceledOrFailed() {
		return ErrCancelTask
	}

	// ----------------------------------------------------------------
	//  Finalization of a successful execution
	// ----------------------------------------------------------------

	for _, writer := range t.writers {
		if err := writer.Finish(); err != nil {
			return err
		}
	}

	if !t.state.TryTransition(protocol.ExecutionState_RUNNING, protocol.ExecutionState_FINISHED, nil) {
		return ErrCancelTask
	}
	return nil
}

func (t *Task) createResolver() (*Resolver, error) {
	if err := t.libraryCache.RegisterTask(t.jobID, t.executionID, t.artifacts); err != nil {
		return nil, err
	}

	resolver, err := t.libraryCache.Resolver(t.jobID)
	if err != nil {
		t.libraryCache.UnregisterTask(t.jobID, t.executionID)
		return nil, err
	}
	return resolver, nil
}

func (t *Task) setupPartitionsAndGates() error {
	for _, writer := range t.writers {
		if err := writer.Setup(); err != nil {
			return err
		}
	}
	for _, gate := range t.gates {
		if err := gate.Setup(); err != nil {
			return err
		}
	}
	return nil
}

// onExecutionFailure handles every error leaving bootstrap or the
// operator. It loops until the state cell is terminal.
func (t *Task) onExecutionFailure(err error) {
	defer func() {
		if r := recover(); r != nil {
			message := fmt.Sprintf("FATAL - exception in exception handler of task %s (%s).", t.taskNameWithSubtask, t.executionID)
			log.Errorf("%s: %v", message, r)
			t.nodeActions.NotifyFatalError(message, panicToError(r))
		}
	}()

	// Strip transport-only wrappers to keep recorded causes compact.
	err = UnwrapTransport(err)

	if IsFatal(err) || (IsOutOfMemory(err) && t.haltOnOutOfMemory) {
		// Do not attempt a clean shutdown; it cannot be expected to
		// complete.
		log.Errorf("Encountered fatal error %v - terminating the process", err)
		t.halter(-1)
		return
	}

	for {
		current := t.state.Load()

		switch {
		case current == protocol.ExecutionState_RUNNING || current == protocol.ExecutionState_DEPLOYING:
			if errors.Is(err, ErrCancelTask) {
				if t.state.TryTransition(current, protocol.ExecutionState_CANCELED, nil) {
					t.cancelInvokable()
					return
				}
			} else {
				if t.state.TryTransition(current, protocol.ExecutionState_FAILED, err) {
					t.cancelInvokable()
					return
				}
			}

		case current == protocol.ExecutionState_CANCELING:
			if t.state.TryTransition(current, protocol.ExecutionState_CANCELED, nil) {
				return
			}

		case current == protocol.ExecutionState_FAILED:
			// Already failed; only one cause is retained.
			log.Debugf("Task %s is already failed, suppressing error.", t.taskNameWithSubtask)
			log.DebugError(err)
			return

		case current.IsTerminal():
			log.Errorf("Task %s reached terminal state %v with an outstanding error.", t.taskNameWithSubtask, current)
			log.DebugError(err)
			return

		default:
			if t.state.TryTransition(current, protocol.ExecutionState_FAILED, err) {
				log.Errorf("Unexpected state in task %s (%s) during an exception: %v.", t.taskNameWithSubtask, t.executionID, current)
				return
			}
		}
	}
}

// cancelInvokable runs the operator's cancel hook, if it has not been
// invoked yet.
func (t *Task) cancelInvokable() {
	invokable := t.invokableRef()
	if invokable != nil && t.invokableCanceled.CompareAndSwap(false, true) {
		if err := invokable.Cancel(); err != nil {
			log.Errorf("Error while canceling task %s: %v", t.taskNameWithSubtask, err)
		}
	}
}

// cleanup releases every acquired resource exactly once, publishes the
// final state, and closes the metric group last. It never raises.
func (t *Task) cleanup() {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = panicToError(r)
			}
		}()

		log.Infof("Freeing task resources for %s (%s).", t.taskNameWithSubtask, t.executionID)

		// Clear the operator reference so this container does not keep
		// its structures alive.
		t.invokable.Store(nil)

		// Stop the async dispatcher, discarding queued work.
		t.shutdownDispatcher()

		for _, name := range cleanupOrder {
			if releaseErr := t.ledger.Release(name); releaseErr != nil {
				if IsFatal(releaseErr) {
					return releaseErr
				}
				log.Errorf("Error while releasing %s of task %s: %v", name, t.taskNameWithSubtask, releaseErr)
			}
		}
		t.ledger.ReleaseRemaining(func(name string, releaseErr error) {
			log.Errorf("Error while releasing %s of task %s: %v", name, t.taskNameWithSubtask, releaseErr)
		})

		t.notifyFinalState()
		return nil
	}()

	if err != nil {
		message := fmt.Sprintf("FATAL - exception in resource cleanup of task %s (%s).", t.taskNameWithSubtask, t.executionID)
		log.Errorf("%s: %v", message, err)
		t.nodeActions.NotifyFatalError(message, err)
	}

	// Close the metric group at the very end, so the task is already
	// seen as finished when its metrics disappear.
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("Error during metrics deregistration of task %s (%s): %v", t.taskNameWithSubtask, t.executionID, r)
			}
		}()
		t.metrics.Close()
	}()
}

// releaseProducedPartitions unregisters every produced partition from
// the event dispatcher, fails it when the task is aborting so that
// downstream consumers observe a failed producer, and closes it.
func (t *Task) releaseProducedPartitions() {
	log.Debugf("Release task %s network resources (state: %v).", t.taskNameWithSubtask, t.state.Load())

	aborting := t.IsCanceledOrFailed()
	cause := t.state.Cause()

	for _, writer := range t.writers {
		t.eventDispatcher.UnregisterPartition(writer.ID())
		if aborting {
			writer.Fail(cause)
		}
		if err := writer.Close(); err != nil {
			log.Errorf("Failed to release result partition for task %s: %v", t.taskNameWithSubtask, err)
		}
	}
}

func (t *Task) closeInputGates() {
	for _, gate := range t.gates {
		if err := gate.Close(); err != nil {
			log.Errorf("Failed to release input gate for task %s: %v", t.taskNameWithSubtask, err)
		}
	}
}

// closeNetworkResources closes partitions and gates without touching
// the ledger. The canceler uses it to release network buffers early so
// that auxiliary goroutines blocked on I/O unblock.
func (t *Task) closeNetworkResources() {
	for _, writer := range t.writers {
		if err := writer.Close(); err != nil {
			log.Errorf("Failed to release result partition for task %s: %v", t.taskNameWithSubtask, err)
		}
	}
	t.closeInputGates()
}
