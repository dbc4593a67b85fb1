package taskexec

import (
	"sync"
	"sync/atomic"

	"github.com/eddyengine/eddy/pkg/log"
	"github.com/eddyengine/eddy/pkg/utils"
)

type asyncCall struct {
	name     string
	blocking bool
	call     func(resolver *Resolver)
}

// A single-worker dispatcher for checkpoint triggers and checkpoint
// commit notifications. Calls run in submission order; a blocking call
// (synchronous savepoint) is moved to a side goroutine so that at most
// one of them can overlap the non-blocking calls behind it.
//
// The worker hands the job's operator resolver to every call, because
// queued work may construct user types.
type asyncCallDispatcher struct {
	name     string
	resolver *Resolver

	queue chan *asyncCall
	done  chan struct{}
	once  sync.Once

	blockingInFlight atomic.Int32
}

func newAsyncCallDispatcher(name string, resolver *Resolver) *asyncCallDispatcher {
	d := &asyncCallDispatcher{
		name:     name,
		resolver: resolver,
		queue:    make(chan *asyncCall, 16),
		done:     make(chan struct{}),
	}
	go d.work()
	return d
}

func (d *asyncCallDispatcher) work() {
	for {
		select {
		case call := <-d.queue:
			// Drop queued work once shut down.
			select {
			case <-d.done:
				return
			default:
			}

			if call.blocking && d.blockingInFlight.CompareAndSwap(0, 1) {
				go func() {
					defer d.blockingInFlight.Store(0)
					d.invoke(call)
				}()
			} else {
				d.invoke(call)
			}

		case <-d.done:
			return
		}
	}
}

func (d *asyncCallDispatcher) invoke(call *asyncCall) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Async call %s on %s panicked: %v", call.name, d.name, r)
		}
	}()
	call.call(d.resolver)
}

// Submit enqueues a call. Returns ErrShutdown when the dispatcher has
// been shut down and ErrBadRequest when the queue is saturated.
func (d *asyncCallDispatcher) Submit(name string, blocking bool, call func(resolver *Resolver)) error {
	select {
	case <-d.done:
		return utils.ErrShutdown
	default:
	}

	select {
	case d.queue <- &asyncCall{name: name, blocking: blocking, call: call}:
		return nil
	case <-d.done:
		return utils.ErrShutdown
	default:
		return utils.ErrBadRequest
	}
}

// Shutdown stops the worker without draining the queue.
func (d *asyncCallDispatcher) Shutdown() {
	d.once.Do(func() {
		close(d.done)
	})
}
