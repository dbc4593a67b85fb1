package taskexec

import (
	"fmt"
	"sync"

	"github.com/eddyengine/eddy/pkg/protocol"
)

// The user-supplied operator driven by a task container.
//
// Invoke runs on the container's dedicated goroutine and may block
// arbitrarily long. All other methods are called from other goroutines
// and must not assume they run on the executing goroutine.
type Invokable interface {
	// Run the operator. Returning nil completes the task.
	Invoke() error

	// Ask the operator to stop. Called at most once per task lifetime.
	Cancel() error

	// Perform a checkpoint. Returns false if the operator is not ready.
	TriggerCheckpoint(meta protocol.CheckpointMetaData, options protocol.CheckpointOptions, advanceToEndOfEventTime bool) (bool, error)

	// Notification that a checkpoint has been committed.
	NotifyCheckpointComplete(checkpointID int64) error

	// Whether cancellation should additionally signal the executing
	// goroutine through the environment's interrupt channel.
	ShouldInterruptOnCancel() bool
}

// Constructs an operator from its environment.
type InvokableFactory func(env *Environment) (Invokable, error)

// Registry of operator factories, keyed by the factory name carried in
// the deployment.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]InvokableFactory
}

func NewRegistry() *Registry {
	return &Registry{
		factories: map[string]InvokableFactory{},
	}
}

func (r *Registry) Register(name string, factory InvokableFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("operator factory %q is already registered", name)
	}
	r.factories[name] = factory
	return nil
}

func (r *Registry) lookup(name string) (InvokableFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[name]
	return factory, ok
}

// A job-scoped view of a registry, handed out by the library cache once
// the job's artifacts are available. Operator construction and any
// dynamic class resolution done on behalf of the job goes through the
// resolver; it is threaded explicitly to every subsystem that needs it.
type Resolver struct {
	job      protocol.JobID
	registry *Registry
}

func NewResolver(job protocol.JobID, registry *Registry) *Resolver {
	return &Resolver{
		job:      job,
		registry: registry,
	}
}

func (r *Resolver) Job() protocol.JobID {
	return r.job
}

// New constructs the operator registered under the given factory name.
func (r *Resolver) New(name string, env *Environment) (Invokable, error) {
	factory, ok := r.registry.lookup(name)
	if !ok {
		return nil, &NoSuchFactoryError{Name: name}
	}

	invokable, err := factory(env)
	if err != nil {
		return nil, fmt.Errorf("could not instantiate the task's operator %q: %w", name, err)
	}
	return invokable, nil
}
