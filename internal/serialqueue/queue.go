// Package serialqueue runs asynchronous operations one at a time, in the order they
// were submitted, without a dedicated worker goroutine.
//
// Every submitted operation captures the completion signal of the operation before it
// and replaces it with its own, forming a chain. An operation does not start until the
// one before it has finished, successfully or not.
package serialqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrQueueClosed is returned for operations that were added after, or had not yet
// started when, the Queue was closed.
var ErrQueueClosed = errors.New("serial queue closed")

// Future is the pending result of an operation submitted to a Queue.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// Done returns a channel that is closed once the operation has resolved.
func (future *Future[T]) Done() <-chan struct{} {
	return future.done
}

// Result returns the value and error of the operation. It must only be called after
// Done has been closed.
func (future *Future[T]) Result() (T, error) {
	return future.value, future.err
}

// Wait blocks until the operation resolves or ctx is cancelled. Cancelling ctx does not
// remove the operation from the queue.
func (future *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-future.done:
		return future.value, future.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (future *Future[T]) resolve(value T, err error) {
	future.value = value
	future.err = err
	close(future.done)
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Queue is a FIFO single-flight executor. The zero value is ready to use.
type Queue struct {
	lock sync.Mutex
	// tail is closed when the most recently added operation has resolved. nil when
	// nothing has been added yet.
	tail   chan struct{}
	closed bool
}

// Add submits op for execution after all previously added operations.
func (queue *Queue) Add(op func() error) *Future[struct{}] {
	return Submit(queue, func() (struct{}, error) {
		return struct{}{}, op()
	})
}

// Submit adds an operation returning a value to queue.
func Submit[T any](queue *Queue, op func() (T, error)) *Future[T] {
	future := newFuture[T]()

	queue.lock.Lock()
	if queue.closed {
		queue.lock.Unlock()
		var zero T
		future.resolve(zero, ErrQueueClosed)
		return future
	}

	previous := queue.tail
	finished := make(chan struct{})
	queue.tail = finished
	queue.lock.Unlock()

	go func() {
		defer close(finished)

		if previous != nil {
			<-previous
		}

		if queue.isClosed() {
			var zero T
			future.resolve(zero, ErrQueueClosed)
			return
		}

		future.resolve(runRecovered(op))
	}()

	return future
}

// runRecovered runs op, converting a panic into an error so the chain always advances.
func runRecovered[T any](op func() (T, error)) (value T, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("serial operation panicked: %v", recovered)
		}
	}()
	return op()
}

func (queue *Queue) isClosed() bool {
	queue.lock.Lock()
	defer queue.lock.Unlock()
	return queue.closed
}

// Close stops the queue from accepting operations. Operations that have not started
// resolve with ErrQueueClosed. Close waits for the running operation, if any, to finish
// or for ctx to be cancelled.
func (queue *Queue) Close(ctx context.Context) error {
	queue.lock.Lock()
	queue.closed = true
	tail := queue.tail
	queue.lock.Unlock()

	if tail == nil {
		return nil
	}

	select {
	case <-tail:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
