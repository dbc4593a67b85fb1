package taskexec

import (
	"github.com/eddyengine/eddy/pkg/log"
)

type releaseFunc func() error

type ledgerEntry struct {
	name     string
	release  releaseFunc
	released bool
}

// The ordered record of resources acquired during bootstrap. Entries
// are appended on the dedicated task goroutine as each acquisition
// succeeds and released exactly once during the final cleanup pass.
type resourceLedger struct {
	entries []*ledgerEntry
}

// Acquire records a resource together with the action that releases it.
func (l *resourceLedger) Acquire(name string, release releaseFunc) {
	l.entries = append(l.entries, &ledgerEntry{
		name:    name,
		release: release,
	})
}

// Held reports whether a resource was acquired and not yet released.
func (l *resourceLedger) Held(name string) bool {
	for _, entry := range l.entries {
		if entry.name == name {
			return !entry.released
		}
	}
	return false
}

// Release releases the named resource if it was acquired. Releasing an
// absent or already released resource is a no-op.
func (l *resourceLedger) Release(name string) error {
	for _, entry := range l.entries {
		if entry.name == name {
			return l.release(entry)
		}
	}
	return nil
}

// ReleaseRemaining releases every resource still held, in reverse order
// of acquisition. Errors are passed to onError and do not stop the pass.
func (l *resourceLedger) ReleaseRemaining(onError func(name string, err error)) {
	for i := len(l.entries) - 1; i >= 0; i-- {
		entry := l.entries[i]
		if entry.released {
			continue
		}
		if err := l.release(entry); err != nil {
			onError(entry.name, err)
		}
	}
}

func (l *resourceLedger) release(entry *ledgerEntry) error {
	if entry.released {
		return nil
	}
	entry.released = true
	log.Debugf("Releasing %s", entry.name)
	return entry.release()
}
