package main

import (
	"time"

	"github.com/eddyengine/eddy/pkg/log"
	"github.com/eddyengine/eddy/pkg/protocol"
	"github.com/eddyengine/eddy/pkg/taskexec"
)

// tickerOperator is the built-in sample operator: it counts ticks into
// its metric group until it is canceled.
type tickerOperator struct {
	env  *taskexec.Environment
	stop chan struct{}
}

func newTickerOperator(env *taskexec.Environment) (taskexec.Invokable, error) {
	return &tickerOperator{
		env:  env,
		stop: make(chan struct{}),
	}, nil
}

func (op *tickerOperator) Invoke() error {
	ticks := op.env.Metrics.Counter("ticks")
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ticks.Inc()
		case <-op.stop:
			return nil
		case <-op.env.Interrupts():
			return nil
		}
	}
}

func (op *tickerOperator) Cancel() error {
	close(op.stop)
	return nil
}

func (op *tickerOperator) TriggerCheckpoint(meta protocol.CheckpointMetaData, options protocol.CheckpointOptions, advanceToEndOfEventTime bool) (bool, error) {
	log.Debugf("ticker - checkpoint triggered - id: %d", meta.CheckpointID)
	return true, nil
}

func (op *tickerOperator) NotifyCheckpointComplete(checkpointID int64) error {
	return nil
}

func (op *tickerOperator) ShouldInterruptOnCancel() bool {
	return true
}
