package libcache

import (
	"fmt"
	"sync"

	"github.com/eddyengine/eddy/pkg/log"
	"github.com/eddyengine/eddy/pkg/protocol"
	"github.com/eddyengine/eddy/pkg/taskexec"
	"github.com/eddyengine/eddy/pkg/utils"
)

// ArtifactStore is the slice of the BLOB service the library cache
// needs to verify job artifacts.
type ArtifactStore interface {
	Contains(key string) bool
}

type jobEntry struct {
	resolver *taskexec.Resolver
	attempts map[protocol.ExecutionID]bool
}

// Cache tracks which execution attempts use a job's operator code and
// hands out the job-scoped operator resolver. The resolver stays alive
// until the last attempt unregisters.
type Cache struct {
	mu       sync.Mutex
	registry *taskexec.Registry
	store    ArtifactStore
	jobs     map[protocol.JobID]*jobEntry
}

func New(registry *taskexec.Registry, store ArtifactStore) *Cache {
	return &Cache{
		registry: registry,
		store:    store,
		jobs:     map[protocol.JobID]*jobEntry{},
	}
}

// RegisterTask pins the job's artifacts for an execution attempt.
// Fails when a required artifact is not available in the store.
func (c *Cache) RegisterTask(job protocol.JobID, execution protocol.ExecutionID, artifacts []string) error {
	for _, artifact := range artifacts {
		if !c.store.Contains(artifact) {
			return fmt.Errorf("required artifact %q is not available: %w", artifact, utils.ErrNotFound)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.jobs[job]
	if !ok {
		entry = &jobEntry{
			resolver: taskexec.NewResolver(job, c.registry),
			attempts: map[protocol.ExecutionID]bool{},
		}
		c.jobs[job] = entry
	}
	entry.attempts[execution] = true

	log.Debugf("libcache - task registered - job: %s, execution: %s", job, execution)
	return nil
}

// Resolver returns the operator resolver of a registered job.
func (c *Cache) Resolver(job protocol.JobID) (*taskexec.Resolver, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.jobs[job]
	if !ok {
		return nil, utils.ErrNotFound
	}
	return entry.resolver, nil
}

// UnregisterTask unpins the job's artifacts for an execution attempt.
// The job entry is evicted once the last attempt is gone.
func (c *Cache) UnregisterTask(job protocol.JobID, execution protocol.ExecutionID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.jobs[job]
	if !ok {
		return
	}

	delete(entry.attempts, execution)
	if len(entry.attempts) == 0 {
		delete(c.jobs, job)
		log.Debugf("libcache - job evicted - id: %s", job)
	}
}
