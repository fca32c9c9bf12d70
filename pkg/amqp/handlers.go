package amqp

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/peake100/warren-go/internal/metrics"
)

// HandlerTracker counts running message handlers, detached ones included, so shutdown
// can wait for all of them.
type HandlerTracker struct {
	// lock guards idle and the 0 <-> 1 transitions of running.
	lock    sync.Mutex
	running atomic.Int64
	// idle is closed whenever running is 0.
	idle     chan struct{}
	detached atomic.Int64

	metrics *metrics.Collectors
}

// NewHandlerTracker returns an idle tracker. collectors may be nil.
func NewHandlerTracker(collectors *metrics.Collectors) *HandlerTracker {
	idle := make(chan struct{})
	close(idle)
	return &HandlerTracker{idle: idle, metrics: collectors}
}

// Enter records a handler starting.
func (tracker *HandlerTracker) Enter() {
	tracker.lock.Lock()
	defer tracker.lock.Unlock()

	if tracker.running.Load() == 0 {
		tracker.idle = make(chan struct{})
	}
	tracker.running.Add(1)
	tracker.metrics.HandlerEntered()
}

// Exit records a handler finishing. It must be called exactly once per Enter.
func (tracker *HandlerTracker) Exit() {
	tracker.lock.Lock()
	defer tracker.lock.Unlock()

	if tracker.running.Add(-1) == 0 {
		close(tracker.idle)
	}
	tracker.metrics.HandlerExited()
}

// Detach hands a handler that outlived its delivery over to the tracker. The tracker
// calls Exit for it once done is closed. The caller must not call Exit itself.
func (tracker *HandlerTracker) Detach(done <-chan struct{}) {
	tracker.detached.Add(1)
	tracker.metrics.HandlerDetached()

	go func() {
		<-done
		tracker.detached.Add(-1)
		tracker.Exit()
	}()
}

// Running returns the number of handlers that have not exited, detached ones included.
func (tracker *HandlerTracker) Running() int64 {
	return tracker.running.Load()
}

// Detached returns the number of detached handlers still running.
func (tracker *HandlerTracker) Detached() int64 {
	return tracker.detached.Load()
}

// WaitAll blocks until no handler is running or ctx is cancelled.
func (tracker *HandlerTracker) WaitAll(ctx context.Context) error {
	tracker.lock.Lock()
	idle := tracker.idle
	tracker.lock.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
