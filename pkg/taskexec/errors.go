package taskexec

import (
	"errors"
	"fmt"
)

// ErrCancelTask signals that the task state has drifted out of a live
// value during bootstrap or after the operator returned. It drives the
// exceptional exit into CANCELED without populating the failure cause.
var ErrCancelTask = errors.New("task has been canceled")

// NoSuchFactoryError is returned when the deployment names an operator
// factory that is not registered. It distinguishes deploy bugs from
// runtime bugs on the worker node.
type NoSuchFactoryError struct {
	Name string
}

func (e *NoSuchFactoryError) Error() string {
	return fmt.Sprintf("no operator factory registered under %q", e.Name)
}

func (e *NoSuchFactoryError) Details() string {
	return "the deployment references an operator that is unknown to this worker"
}

// OutOfMemoryError reports that user code exhausted its memory budget.
// Depending on configuration the process is halted or the task fails.
type OutOfMemoryError struct {
	Message string
}

func (e *OutOfMemoryError) Error() string {
	if e.Message == "" {
		return "out of memory"
	}
	return "out of memory: " + e.Message
}

func IsOutOfMemory(err error) bool {
	var oom *OutOfMemoryError
	return errors.As(err, &oom)
}

// FatalError marks a condition the process cannot recover from.
type FatalError struct {
	Message string
	Err     error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fatal: %s: %v", e.Message, e.Err)
	}
	return "fatal: " + e.Message
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// TransportError wraps an error that crossed an internal boundary.
// The wrapper carries no information of its own and is stripped before
// the cause is recorded.
type TransportError struct {
	Message string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// UnwrapTransport strips transport-only wrappers from an error chain.
func UnwrapTransport(err error) error {
	for {
		var transport *TransportError
		if !errors.As(err, &transport) || transport.Err == nil {
			return err
		}
		err = transport.Err
	}
}

// CheckpointDeclinedTaskNotReadyError is the decline reason used when a
// checkpoint is requested while the task cannot perform one.
type CheckpointDeclinedTaskNotReadyError struct {
	TaskName string
}

func (e *CheckpointDeclinedTaskNotReadyError) Error() string {
	return fmt.Sprintf("task %s was not ready to perform a checkpoint", e.TaskName)
}

func panicToError(recovered interface{}) error {
	if err, ok := recovered.(error); ok {
		return fmt.Errorf("panic in task code: %w", err)
	}
	return fmt.Errorf("panic in task code: %v", recovered)
}
