package taskexec

import (
	"fmt"
	"time"

	"github.com/eddyengine/eddy/pkg/log"
	"github.com/eddyengine/eddy/pkg/utils"
)

// Task cancellation uses up to three goroutines as a safety net
// against user code that refuses to cooperate:
//
//   - The canceler calls Cancel() on the operator and closes the
//     network endpoints, for fast termination of the common case.
//   - The interrupter periodically signals the interrupt channel to
//     pull the operator out of blocking waits, logging where the
//     executing goroutine appears to be stuck.
//   - The watchdog waits for the cancellation timeout and then
//     escalates to the worker node, which kills the process.
//
// The watchdog is separate from the interrupter so that escalation can
// never be delayed by an interrupt cycle; the canceler is separate
// from both because the operator's cancel hook may itself block.

// startCancellation launches the triad. Called with the once-latch
// already taken, so the cancel hook runs at most once.
func (t *Task) startCancellation(invokable Invokable) {
	go t.runCanceler(invokable)

	if invokable.ShouldInterruptOnCancel() {
		go t.runInterrupter(invokable, t.CancellationInterval())
	}

	if timeout := t.CancellationTimeout(); timeout > 0 {
		go t.runWatchdog(timeout)
	}
}

// runCanceler calls the operator's cancel hook, then closes the
// network resources so that auxiliary goroutines blocked on I/O
// unblock, and finally sends the initial interrupt if requested.
func (t *Task) runCanceler(invokable Invokable) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Error in the task canceler for task %s: %v", t.taskNameWithSubtask, r)
		}
	}()

	// The user-defined cancel hook may fail; continue despite that.
	if err := invokable.Cancel(); err != nil {
		log.Errorf("Error while canceling the task %s: %v", t.taskNameWithSubtask, err)
	}

	// Not before the cancel hook, otherwise the operator logs
	// misleading I/O errors.
	t.closeNetworkResources()

	if invokable.ShouldInterruptOnCancel() {
		t.interrupt()
	}
}

// runInterrupter sends delayed, periodic interrupt signals to the
// executing goroutine.
func (t *Task) runInterrupter(invokable Invokable, interval time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Error in the task interrupter for task %s: %v", t.taskNameWithSubtask, r)
		}
	}()

	// Wait one interval first. In most cases the operator goes away
	// quickly, stopped by the canceler, and there is nothing to do.
	if t.awaitTermination(interval) {
		return
	}

	for invokable.ShouldInterruptOnCancel() && t.executingAlive() {
		log.Warnf("Task '%s' did not react to cancelling signal for %d seconds, but is stuck in:\n%s",
			t.taskNameWithSubtask, int(interval.Seconds()), utils.Stacks())

		t.interrupt()

		if t.awaitTermination(interval) {
			return
		}
	}
}

// runWatchdog escalates to the worker node when the executing
// goroutine outlives the cancellation deadline.
func (t *Task) runWatchdog(timeout time.Duration) {
	if t.awaitTermination(timeout) {
		return
	}

	message := fmt.Sprintf("Task did not exit gracefully within %d seconds.", int(timeout.Seconds()))
	log.Errorf("%s", message)
	t.nodeActions.NotifyFatalError(message, nil)
}

// interrupt signals the operator's interrupt channel. Signals coalesce
// while one is already pending.
func (t *Task) interrupt() {
	select {
	case t.interrupts <- struct{}{}:
	default:
	}
}

// awaitTermination waits until the executing goroutine has ended or
// the given duration passed. Returns false on timeout.
func (t *Task) awaitTermination(duration time.Duration) bool {
	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-t.terminated:
		return true
	case <-timer.C:
		return false
	}
}

func (t *Task) executingAlive() bool {
	select {
	case <-t.terminated:
		return false
	default:
		return true
	}
}
