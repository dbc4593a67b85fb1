package taskexec

import (
	"encoding/json"
	"fmt"
	"time"
)

// Container-level execution options, typically decoded from the worker
// configuration with utils.UnmarshalConfig.
type Options struct {
	// Period between interrupt signals sent to a task that does not
	// react to cancellation.
	CancellationInterval time.Duration `mapstructure:"task_cancellation_interval"`

	// Hard deadline after which an uncancellable task is escalated to
	// the worker node as a fatal error. Zero disables the watchdog.
	CancellationTimeout time.Duration `mapstructure:"task_cancellation_timeout"`

	// Halt the process when user code reports memory exhaustion.
	HaltOnOutOfMemory bool `mapstructure:"halt_on_out_of_memory"`
}

func DefaultOptions() *Options {
	return &Options{
		CancellationInterval: 30 * time.Second,
		CancellationTimeout:  180 * time.Second,
	}
}

func (o *Options) Validate() error {
	if o.CancellationInterval <= 0 {
		return fmt.Errorf("task_cancellation_interval must be positive")
	}
	if o.CancellationTimeout < 0 {
		return fmt.Errorf("task_cancellation_timeout must not be negative")
	}
	return nil
}

// Job-level execution configuration, serialized into the deployment by
// the client. Negative values leave the container settings untouched.
type ExecutionConfig struct {
	CancellationIntervalMillis int64 `json:"cancellation_interval_ms"`
	CancellationTimeoutMillis  int64 `json:"cancellation_timeout_ms"`
}

func decodeExecutionConfig(raw []byte) (*ExecutionConfig, error) {
	config := &ExecutionConfig{
		CancellationIntervalMillis: -1,
		CancellationTimeoutMillis:  -1,
	}

	if len(raw) == 0 {
		return config, nil
	}

	if err := json.Unmarshal(raw, config); err != nil {
		return nil, fmt.Errorf("could not decode execution configuration: %w", err)
	}
	return config, nil
}
