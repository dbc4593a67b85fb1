package utils

import (
	"context"
	"sync"
)

// A single-assignment value that becomes available at some later time.
// Complete may be called from any goroutine; only the first call wins.
type Future[T any] struct {
	done  chan struct{}
	once  sync.Once
	value T
	err   error
}

func NewFuture[T any]() *Future[T] {
	return &Future[T]{
		done: make(chan struct{}),
	}
}

// CompletedFuture returns a future already resolved with the given value.
func CompletedFuture[T any](value T) *Future[T] {
	f := NewFuture[T]()
	f.Complete(value, nil)
	return f
}

// FailedFuture returns a future already resolved with the given error.
func FailedFuture[T any](err error) *Future[T] {
	f := NewFuture[T]()
	var zero T
	f.Complete(zero, err)
	return f
}

func (f *Future[T]) Complete(value T, err error) bool {
	completed := false
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
		completed = true
	})
	return completed
}

// Done is closed when the future has been completed.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Get blocks until the future completes or the context is done.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// TryGet returns the value if the future has completed.
func (f *Future[T]) TryGet() (T, error, bool) {
	select {
	case <-f.done:
		return f.value, f.err, true
	default:
		var zero T
		return zero, nil, false
	}
}
