package safetynet

import (
	"io"
	"sync"

	"github.com/eddyengine/eddy/pkg/log"
	"github.com/eddyengine/eddy/pkg/utils"
)

// A registry of closeable resources tied to the scope of one task
// execution attempt. The execution driver arms a registry before any
// resource is acquired and closes it unconditionally when the attempt
// ends, so that resources leaked by user code do not outlive the task.
//
// Asynchronous calls that work on behalf of the task receive the
// registry by value and register their resources here as well.
type Registry struct {
	mu      sync.Mutex
	nextID  uint64
	closers map[uint64]io.Closer
	closed  bool
}

func NewRegistry() *Registry {
	return &Registry{
		closers: map[uint64]io.Closer{},
	}
}

// Add registers a closer with the registry and returns a handle that
// removes it again. A closed registry rejects the resource and closes
// it on behalf of the caller.
func (r *Registry) Add(closer io.Closer) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		closer.Close()
		return nil, utils.ErrShutdown
	}

	id := r.nextID
	r.nextID++
	r.closers[id] = closer

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.closers, id)
	}, nil
}

// Size returns the number of currently guarded resources.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.closers)
}

// Close closes all guarded resources and disarms the registry.
// Close errors of individual resources are logged, not returned.
// Closing an already closed registry is a no-op.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	closers := r.closers
	r.closers = map[uint64]io.Closer{}
	r.mu.Unlock()

	for _, closer := range closers {
		if err := closer.Close(); err != nil {
			log.Errorf("safetynet - failed to close guarded resource: %v", err)
		}
	}
}
