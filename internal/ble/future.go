package ble

import (
	"context"
	"sync"
)

// Future is the single result of an asynchronous request. It settles exactly
// once, with either a value or an error.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// resolvedFuture returns a future already settled with v.
func resolvedFuture[T any](v T) *Future[T] {
	f := newFuture[T]()
	f.resolve(v)
	return f
}

// failedFuture returns a future already settled with err.
func failedFuture[T any](err error) *Future[T] {
	f := newFuture[T]()
	f.fail(err)
	return f
}

// settle records the result. Later calls are ignored and report false.
func (f *Future[T]) settle(v T, err error) bool {
	settled := false
	f.once.Do(func() {
		f.val = v
		f.err = err
		close(f.done)
		settled = true
	})
	return settled
}

func (f *Future[T]) resolve(v T) bool {
	return f.settle(v, nil)
}

func (f *Future[T]) fail(err error) bool {
	var zero T
	return f.settle(zero, err)
}

// Done is closed once the future has settled.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future settles or ctx is done. Giving up on the wait
// does not cancel the underlying request.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Settled reports whether the future has a result.
func (f *Future[T]) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// OnComplete invokes cb once the future settles, on its own goroutine.
func (f *Future[T]) OnComplete(cb func(T, error)) {
	go func() {
		<-f.done
		cb(f.val, f.err)
	}()
}
