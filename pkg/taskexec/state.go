package taskexec

import (
	"sync"
	"sync/atomic"

	"github.com/eddyengine/eddy/pkg/log"
	"github.com/eddyengine/eddy/pkg/protocol"
)

// The atomic cell holding the task's execution state. Transitions are
// serialized so that the failure cause is recorded in the same step as
// the transition into FAILED; reads are lock-free.
//
// The cell does not validate the transition graph. Callers supply the
// (expected, new) pair and re-read on a lost race.
type stateCell struct {
	mu    sync.Mutex
	state atomic.Int32
	cause error

	// Task name, for transition logging.
	name string
}

func (c *stateCell) Load() protocol.ExecutionState {
	return protocol.ExecutionState(c.state.Load())
}

func (c *stateCell) Cause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// TryTransition moves the cell from expected to next, recording cause
// when next is FAILED. Returns false if another actor transitioned
// first; the caller must re-read and decide.
func (c *stateCell) TryTransition(expected, next protocol.ExecutionState, cause error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if current := protocol.ExecutionState(c.state.Load()); current != expected {
		log.Debugf("%s rejected transition from %v to %v, current state is %v.", c.name, expected, next, current)
		return false
	}

	if next == protocol.ExecutionState_FAILED {
		c.cause = cause
	}
	c.state.Store(int32(next))

	if cause == nil {
		log.Infof("%s switched from %v to %v.", c.name, expected, next)
	} else {
		log.Infof("%s switched from %v to %v: %v", c.name, expected, next, cause)
	}
	return true
}
