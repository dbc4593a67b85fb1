package taskexec

import (
	"sync"
	"sync/atomic"
)

// Counter is a monotonically increasing task metric.
type Counter struct {
	value atomic.Int64
}

func (c *Counter) Inc() {
	c.value.Add(1)
}

func (c *Counter) Add(delta int64) {
	c.value.Add(delta)
}

func (c *Counter) Value() int64 {
	return c.value.Load()
}

// TaskMetricGroup holds the metrics of one execution attempt. It is
// closed as the very last step of cleanup, after the final state has
// been published, so that observers never see metrics of a task whose
// terminal state is unknown.
type TaskMetricGroup struct {
	mu       sync.Mutex
	name     string
	counters map[string]*Counter
	closed   bool
}

func NewTaskMetricGroup(name string) *TaskMetricGroup {
	return &TaskMetricGroup{
		name:     name,
		counters: map[string]*Counter{},
	}
}

func (g *TaskMetricGroup) Name() string {
	return g.name
}

// Counter returns the counter registered under the given name,
// creating it on first use. Returns a detached counter once the group
// is closed.
func (g *TaskMetricGroup) Counter(name string) *Counter {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return &Counter{}
	}

	counter, ok := g.counters[name]
	if !ok {
		counter = &Counter{}
		g.counters[name] = counter
	}
	return counter
}

// Snapshot returns the current counter values.
func (g *TaskMetricGroup) Snapshot() map[string]int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	values := map[string]int64{}
	for name, counter := range g.counters {
		values[name] = counter.Value()
	}
	return values
}

func (g *TaskMetricGroup) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	g.counters = map[string]*Counter{}
}

func (g *TaskMetricGroup) IsClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}
